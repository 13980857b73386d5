// buffer.go defines the image buffer pool contract consumed by the engine.

// Package buffer describes the reference-counted image buffer pool the
// slow-motion engine borrows its internal buffers from.
package buffer

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/slowmo/types"
)

// Handle identifies one image buffer inside a Pool. The zero value is
// "no buffer".
type Handle uint64

const HandleNil = Handle(0)

func (h Handle) IsNil() bool {
	return h == HandleNil
}

// Pool is the shared image buffer pool. It keeps its own reference
// counting; the engine only borrows and returns buffers.
type Pool interface {
	GetBuffer(ctx context.Context) (Handle, error)
	Release(ctx context.Context, h Handle) error
	CopyBuffer(ctx context.Context, src, dst Handle) error
}

// StreamBuffer is a buffer as exchanged with the client or the capture
// pipeline: which sub-stream it belongs to and in what state it is.
type StreamBuffer struct {
	Stream types.StreamKind
	Handle Handle
	Status types.BufferStatus
}

func (b *StreamBuffer) String() string {
	if b == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s:%d:%s", b.Stream, uint64(b.Handle), b.Status)
}

type ErrExhausted struct {
	Limit int
}

func (e ErrExhausted) Error() string {
	return fmt.Sprintf("all %d buffers are in use", e.Limit)
}

type ErrUnknownHandle struct {
	Handle Handle
}

func (e ErrUnknownHandle) Error() string {
	return fmt.Sprintf("unknown buffer handle %d", uint64(e.Handle))
}

type ErrGeometryMismatch struct {
	Src, Dst string
}

func (e ErrGeometryMismatch) Error() string {
	return fmt.Sprintf("buffer geometries differ: %s vs %s", e.Src, e.Dst)
}
