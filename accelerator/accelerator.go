// accelerator.go defines the contract of the frame interpolation service.

// Package accelerator describes the asynchronous frame-rate-conversion
// service: buffers are queued to its input and output ports and come back
// through callbacks invoked from the service's own goroutines.
package accelerator

import (
	"context"
	"fmt"
	"time"

	"github.com/xaionaro-go/slowmo/buffer"
)

type Port int

const (
	PortUndefined = Port(iota)
	PortInput
	PortOutput
)

func (p Port) String() string {
	switch p {
	case PortUndefined:
		return "undefined"
	case PortInput:
		return "input"
	case PortOutput:
		return "output"
	default:
		return fmt.Sprintf("unknown_port_%d", int(p))
	}
}

type BufferFlags uint32

const (
	BufferFlagEndOfStream = BufferFlags(1 << iota)
	// BufferFlagReadOnly marks buffers that were queued to the input port.
	BufferFlagReadOnly
)

func (f BufferFlags) Has(flag BufferFlags) bool {
	return f&flag == flag
}

// BufferDescriptor is what travels to the service and back.
type BufferDescriptor struct {
	ID           int32
	Buffer       buffer.Handle
	Timestamp    time.Duration
	Flags        BufferFlags
	FilledLength uint32
	AllocLength  uint32
}

func (d BufferDescriptor) String() string {
	return fmt.Sprintf("buf{id:%d, h:%d, ts:%v, flags:%#x, filled:%d}", d.ID, d.Buffer, d.Timestamp, uint32(d.Flags), d.FilledLength)
}

type PixelFormat int

const (
	PixelFormatUndefined = PixelFormat(iota)
	PixelFormatRGBA
	PixelFormatNV12
	PixelFormatNV12UBWC
)

type PortParameters struct {
	Width     uint32
	Height    uint32
	Stride    uint32
	Scanlines uint32
	Format    PixelFormat
}

type EventType int

const (
	EventTypeUndefined = EventType(iota)
	EventTypeFlushDone
	EventTypeError
)

func (t EventType) String() string {
	switch t {
	case EventTypeUndefined:
		return "undefined"
	case EventTypeFlushDone:
		return "flush-done"
	case EventTypeError:
		return "error"
	default:
		return fmt.Sprintf("unknown_event_type_%d", int(t))
	}
}

type Event struct {
	Type EventType
	Port Port
}

// Callbacks are invoked by the service from its own goroutines.
type Callbacks interface {
	OnInputDone(ctx context.Context, desc BufferDescriptor)
	OnOutputDone(ctx context.Context, desc BufferDescriptor)
	OnEvent(ctx context.Context, ev Event)
	OnServiceDied(ctx context.Context)
}

// Service creates sessions.
type Service interface {
	NewSession(ctx context.Context) (Session, error)
}

type Session interface {
	Initialize(ctx context.Context, callbacks Callbacks) error
	SetPortParameters(ctx context.Context, port Port, params PortParameters) error
	SetInterpolationFactor(ctx context.Context, factor uint32) error
	// QueueBuffer hands the buffer over to the service; on success it is
	// returned later through OnInputDone or OnOutputDone.
	QueueBuffer(ctx context.Context, port Port, desc BufferDescriptor) error
	// Flush asks the service to return every queued buffer of the port,
	// followed by an EventTypeFlushDone event.
	Flush(ctx context.Context, port Port) error
	Terminate(ctx context.Context) error
}

type ErrServiceDead struct{}

func (ErrServiceDead) Error() string {
	return "the accelerator service is dead"
}
