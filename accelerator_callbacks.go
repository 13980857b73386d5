// accelerator_callbacks.go turns the accelerator callbacks into events
// applied under the engine lock.

package slowmo

import (
	"context"

	"github.com/xaionaro-go/slowmo/accelerator"
	"github.com/xaionaro-go/slowmo/internal"
	"github.com/xaionaro-go/slowmo/logger"
	"github.com/xaionaro-go/slowmo/requestpool"
)

// acceleratorEvent is a message from the accelerator. Every kind of
// callback is handled the same way: take the lock, apply, broadcast.
type acceleratorEvent interface {
	handleLocked(ctx context.Context, u *Usecase)
}

type inputDoneEvent struct {
	Desc accelerator.BufferDescriptor
}

type outputDoneEvent struct {
	Desc accelerator.BufferDescriptor
}

type portEvent struct {
	Event accelerator.Event
}

type serviceDiedEvent struct{}

var (
	_ acceleratorEvent = inputDoneEvent{}
	_ acceleratorEvent = outputDoneEvent{}
	_ acceleratorEvent = portEvent{}
	_ acceleratorEvent = serviceDiedEvent{}
)

// acceleratorCallbacks is handed to one session; events of a session that
// is not the current one anymore are ignored.
type acceleratorCallbacks struct {
	u       *Usecase
	session accelerator.Session
}

var _ accelerator.Callbacks = acceleratorCallbacks{}

func (c acceleratorCallbacks) OnInputDone(ctx context.Context, desc accelerator.BufferDescriptor) {
	c.u.dispatch(ctx, c.session, inputDoneEvent{Desc: desc})
}

func (c acceleratorCallbacks) OnOutputDone(ctx context.Context, desc accelerator.BufferDescriptor) {
	c.u.dispatch(ctx, c.session, outputDoneEvent{Desc: desc})
}

func (c acceleratorCallbacks) OnEvent(ctx context.Context, ev accelerator.Event) {
	c.u.dispatch(ctx, c.session, portEvent{Event: ev})
}

func (c acceleratorCallbacks) OnServiceDied(ctx context.Context) {
	c.u.dispatch(ctx, c.session, serviceDiedEvent{})
}

func (u *Usecase) dispatch(
	ctx context.Context,
	session accelerator.Session,
	ev acceleratorEvent,
) {
	logger.Tracef(ctx, "dispatch: %#+v", ev)
	defer logger.Tracef(ctx, "/dispatch: %#+v", ev)

	u.lock(ctx)
	defer u.unlock(ctx)
	if session != nil && session != u.session {
		logger.Warnf(ctx, "ignoring %T of a stale accelerator session", ev)
		return
	}
	ev.handleLocked(ctx, u)
	u.broadcastLocked()
}

func (ev inputDoneEvent) handleLocked(ctx context.Context, u *Usecase) {
	node := u.requests.FindByID(requestpool.QueueIDAcceleratorInputInFlight, requestpool.ID(ev.Desc.ID))
	if node == nil {
		logger.Errorf(ctx, "input done for unknown buffer %v", ev.Desc)
		return
	}
	u.port.InputDoneCount++
	u.port.InCount--
	internal.Assert(ctx, u.port.InCount >= 0, "negative input count", u.port.InCount)
	node.OwnedByAccelerator = false
	if u.port.InputFlushing {
		u.requests.Release(ctx, node)
		return
	}
	u.requests.PushBack(requestpool.QueueIDAcceleratorInputDone, node)
}

func (ev outputDoneEvent) handleLocked(ctx context.Context, u *Usecase) {
	u.handleOutputDoneLocked(ctx, ev.Desc)
}

// handleOutputDoneLocked also accepts input buffers: the accelerator may
// pass an input through as an output, which is how a dead service's
// inputs are recovered.
func (u *Usecase) handleOutputDoneLocked(ctx context.Context, desc accelerator.BufferDescriptor) {
	isInput := desc.Flags.Has(accelerator.BufferFlagReadOnly)
	q := requestpool.QueueIDAcceleratorOutputInFlight
	if isInput {
		q = requestpool.QueueIDAcceleratorInputInFlight
	}
	node := u.requests.FindByID(q, requestpool.ID(desc.ID))
	if node == nil {
		logger.Errorf(ctx, "output done for unknown buffer %v", desc)
		return
	}

	u.port.OutputDoneCount++
	if isInput {
		u.port.InCount--
	} else {
		u.port.OutCount--
	}
	internal.Assert(ctx, u.port.InCount >= 0 && u.port.OutCount >= 0, "negative port count", u.port)
	node.OwnedByAccelerator = false

	if u.port.OutputFlushing || desc.FilledLength == 0 {
		u.requests.Release(ctx, node)
	} else {
		node.Timestamp = desc.Timestamp
		u.requests.PushBack(requestpool.QueueIDAcceleratorOutputDone, node)
	}

	// the end of stream may arrive on an empty buffer
	if !desc.Flags.Has(accelerator.BufferFlagEndOfStream) {
		return
	}
	if u.port.OutputFlushing {
		released := u.requests.ReleaseAll(ctx, requestpool.QueueIDPostRoll)
		logger.Debugf(ctx, "end of stream while flushing; %d post-roll frames are discarded", released)
		return
	}
	moved := u.requests.MoveAll(requestpool.QueueIDPostRoll, requestpool.QueueIDAcceleratorOutputDone)
	logger.Debugf(ctx, "end of stream from the accelerator; %d post-roll frames are ready", moved)
}

func (ev portEvent) handleLocked(ctx context.Context, u *Usecase) {
	switch ev.Event.Type {
	case accelerator.EventTypeFlushDone:
		var flag *bool
		switch ev.Event.Port {
		case accelerator.PortInput:
			flag = &u.port.InputFlushing
		case accelerator.PortOutput:
			flag = &u.port.OutputFlushing
		default:
			logger.Errorf(ctx, "flush done on unknown port %s", ev.Event.Port)
			return
		}
		if !*flag {
			logger.Errorf(ctx, "unexpected flush done on the %s port", ev.Event.Port)
		}
		*flag = false
	default:
		logger.Errorf(ctx, "accelerator event %s on the %s port", ev.Event.Type, ev.Event.Port)
	}
}

func (serviceDiedEvent) handleLocked(ctx context.Context, u *Usecase) {
	logger.Errorf(ctx, "the accelerator service died: in=%d out=%d", u.port.InCount, u.port.OutCount)
	u.port.InputFlushing = false
	u.port.OutputFlushing = false

	recovered := 0
	for node := u.requests.Front(requestpool.QueueIDAcceleratorInputInFlight); node != nil; node = u.requests.Front(requestpool.QueueIDAcceleratorInputInFlight) {
		u.handleOutputDoneLocked(ctx, u.descriptorOf(node))
		recovered++
	}

	dropped := 0
	for node := u.requests.PopFront(requestpool.QueueIDAcceleratorOutputInFlight); node != nil; node = u.requests.PopFront(requestpool.QueueIDAcceleratorOutputInFlight) {
		node.OwnedByAccelerator = false
		u.port.OutCount--
		u.requests.Release(ctx, node)
		dropped++
	}
	logger.Warnf(ctx, "recovered %d accelerator inputs as outputs, dropped %d output buffers", recovered, dropped)

	u.session = nil
	u.port.Initialized = false
	u.port.InterpolationFactor = interpolationFactorInvalid
}
