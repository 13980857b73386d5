package softfrc

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/anthonynsimon/bild/blend"
	"github.com/anthonynsimon/bild/clone"
	"github.com/go-ng/container/heap"
	"github.com/go-ng/xatomic"
	"github.com/go-ng/xsort"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/slowmo/accelerator"
	"github.com/xaionaro-go/slowmo/logger"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

var ErrTerminated = errors.New("the session is terminated")

// Session interpolates the frames queued to its input port into the
// buffers queued to its output port. Every input except the first one of
// a stream produces Factor outputs: Factor-1 blends with the previous
// frame followed by the frame itself.
type Session struct {
	service *Service

	FramesProduced atomic.Uint64

	locker     xsync.Mutex
	changeChan *chan struct{}
	callbacks  accelerator.Callbacks
	params     map[accelerator.Port]accelerator.PortParameters
	factor     uint32

	inputTimestamps xsort.OrderedAsc[int64]
	inputs          map[int64][]accelerator.BufferDescriptor
	outputs         []accelerator.BufferDescriptor
	flushRequested  map[accelerator.Port]bool

	previous          *image.RGBA
	previousTimestamp time.Duration

	initialized bool
	terminated  bool
	dead        bool

	stopWorker context.CancelFunc
	workersWG  sync.WaitGroup
}

var _ accelerator.Session = (*Session)(nil)

func ptr[T any](v T) *T {
	return &v
}

func newSession(svc *Service) *Session {
	return &Session{
		service:        svc,
		changeChan:     ptr(make(chan struct{})),
		params:         map[accelerator.Port]accelerator.PortParameters{},
		factor:         1,
		inputs:         map[int64][]accelerator.BufferDescriptor{},
		flushRequested: map[accelerator.Port]bool{},
	}
}

func (s *Session) broadcastLocked() {
	close(*xatomic.SwapPointer(&s.changeChan, ptr(make(chan struct{}))))
}

func (s *Session) Initialize(ctx context.Context, callbacks accelerator.Callbacks) (_err error) {
	logger.Debugf(ctx, "Initialize")
	defer func() { logger.Debugf(ctx, "/Initialize: %v", _err) }()

	if callbacks == nil {
		return fmt.Errorf("no callbacks")
	}
	workerCtx, cancelFn := context.WithCancel(xcontext.DetachDone(ctx))
	err := xsync.DoR1(ctx, &s.locker, func() error {
		if s.initialized {
			return fmt.Errorf("already initialized")
		}
		s.callbacks = callbacks
		s.stopWorker = cancelFn
		s.initialized = true
		s.workersWG.Add(1)
		return nil
	})
	if err != nil {
		cancelFn()
		return err
	}

	observability.Go(workerCtx, func(ctx context.Context) {
		defer s.workersWG.Done()
		s.loop(ctx)
	})
	return nil
}

func (s *Session) SetPortParameters(
	ctx context.Context,
	port accelerator.Port,
	params accelerator.PortParameters,
) error {
	if params.Width == 0 || params.Height == 0 {
		return fmt.Errorf("invalid geometry %dx%d of the %s port", params.Width, params.Height, port)
	}
	s.locker.Do(ctx, func() {
		s.params[port] = params
	})
	return nil
}

func (s *Session) SetInterpolationFactor(ctx context.Context, factor uint32) error {
	if factor == 0 {
		return fmt.Errorf("the interpolation factor must be positive")
	}
	return xsync.DoR1(ctx, &s.locker, func() error {
		if s.dead {
			return accelerator.ErrServiceDead{}
		}
		s.factor = factor
		return nil
	})
}

func (s *Session) QueueBuffer(
	ctx context.Context,
	port accelerator.Port,
	desc accelerator.BufferDescriptor,
) error {
	return xsync.DoR1(ctx, &s.locker, func() error {
		switch {
		case s.dead:
			return accelerator.ErrServiceDead{}
		case s.terminated:
			return ErrTerminated
		case !s.initialized:
			return fmt.Errorf("not initialized")
		}
		switch port {
		case accelerator.PortInput:
			if s.service.consumeInputFailure() {
				return fmt.Errorf("the input port is temporarily unavailable")
			}
			ts := int64(desc.Timestamp)
			if len(s.inputs[ts]) == 0 {
				heap.Push(&s.inputTimestamps, ts)
			}
			s.inputs[ts] = append(s.inputs[ts], desc)
		case accelerator.PortOutput:
			s.outputs = append(s.outputs, desc)
		default:
			return fmt.Errorf("unknown port %s", port)
		}
		s.broadcastLocked()
		return nil
	})
}

func (s *Session) Flush(ctx context.Context, port accelerator.Port) error {
	return xsync.DoR1(ctx, &s.locker, func() error {
		switch {
		case s.dead:
			return accelerator.ErrServiceDead{}
		case s.terminated:
			return ErrTerminated
		}
		s.flushRequested[port] = true
		s.broadcastLocked()
		return nil
	})
}

// Terminate stops the session; the buffers it still holds are not
// returned anymore.
func (s *Session) Terminate(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Terminate")
	defer func() { logger.Debugf(ctx, "/Terminate: %v", _err) }()

	s.locker.Do(ctx, func() {
		s.terminated = true
		s.stopWorkerLocked()
	})
	s.workersWG.Wait()
	s.service.forget(ctx, s)
	return nil
}

func (s *Session) die(ctx context.Context) {
	callbacks := xsync.DoR1(ctx, &s.locker, func() accelerator.Callbacks {
		s.dead = true
		s.inputTimestamps = s.inputTimestamps[:0]
		clear(s.inputs)
		s.outputs = nil
		s.previous = nil
		s.stopWorkerLocked()
		return s.callbacks
	})
	s.workersWG.Wait()
	if callbacks != nil {
		callbacks.OnServiceDied(ctx)
	}
}

func (s *Session) stopWorkerLocked() {
	if s.stopWorker != nil {
		s.stopWorker()
	}
	s.broadcastLocked()
}

// Pending returns the amount of inputs and outputs the session holds.
func (s *Session) Pending(ctx context.Context) (inputs, outputs int) {
	s.locker.Do(ctx, func() {
		for _, descs := range s.inputs {
			inputs += len(descs)
		}
		outputs = len(s.outputs)
	})
	return
}

func (s *Session) loop(ctx context.Context) {
	logger.Debugf(ctx, "loop")
	defer logger.Debugf(ctx, "/loop")
	for {
		ch := *xatomic.LoadPointer(&s.changeChan)
		calls, progressed := s.step(ctx)
		for _, call := range calls {
			call()
		}
		if progressed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ch:
		}
	}
}

// step does one unit of work under the lock and returns the callbacks to
// invoke once the lock is released.
func (s *Session) step(ctx context.Context) ([]func(), bool) {
	s.locker.ManualLock(ctx)
	defer s.locker.ManualUnlock(ctx)
	if s.dead || s.terminated || s.callbacks == nil {
		return nil, false
	}
	if calls := s.flushLocked(ctx); len(calls) > 0 {
		return calls, true
	}
	if len(s.inputTimestamps) == 0 {
		return nil, false
	}
	needed := 1
	if s.previous != nil {
		needed = int(s.factor)
	}
	if len(s.outputs) < needed {
		return nil, false
	}
	return s.interpolateNextLocked(ctx), true
}

func (s *Session) popInputLocked() accelerator.BufferDescriptor {
	ts := s.inputTimestamps[0]
	descs := s.inputs[ts]
	desc := descs[0]
	if len(descs) == 1 {
		delete(s.inputs, ts)
		heap.Pop(&s.inputTimestamps)
	} else {
		s.inputs[ts] = descs[1:]
	}
	return desc
}

func (s *Session) flushLocked(ctx context.Context) []func() {
	var calls []func()
	cb := s.callbacks
	for _, port := range []accelerator.Port{accelerator.PortInput, accelerator.PortOutput} {
		if !s.flushRequested[port] {
			continue
		}
		delete(s.flushRequested, port)
		switch port {
		case accelerator.PortInput:
			for len(s.inputTimestamps) > 0 {
				in := s.popInputLocked()
				calls = append(calls, func() { cb.OnInputDone(ctx, in) })
			}
			s.previous = nil
		case accelerator.PortOutput:
			for _, out := range s.outputs {
				out.FilledLength = 0
				calls = append(calls, func() { cb.OnOutputDone(ctx, out) })
			}
			s.outputs = nil
		}
		logger.Debugf(ctx, "flushed the %s port", port)
		calls = append(calls, func() {
			cb.OnEvent(ctx, accelerator.Event{Type: accelerator.EventTypeFlushDone, Port: port})
		})
	}
	return calls
}

// interpolateNextLocked renders the outputs of the oldest input. The
// outputs are reported before the input is given back.
func (s *Session) interpolateNextLocked(ctx context.Context) []func() {
	cb := s.callbacks
	in := s.popInputLocked()
	fail := func(err error) []func() {
		logger.Errorf(ctx, "unable to interpolate %v: %v", in, err)
		return []func(){
			func() {
				cb.OnEvent(ctx, accelerator.Event{Type: accelerator.EventTypeError, Port: accelerator.PortInput})
			},
			func() { cb.OnInputDone(ctx, in) },
		}
	}

	src, err := s.service.Images.Image(ctx, in.Buffer)
	if err != nil {
		return fail(err)
	}
	current := clone.AsRGBA(src)

	var (
		frames     []*image.RGBA
		timestamps []time.Duration
	)
	if s.previous != nil && s.previous.Rect == current.Rect {
		span := in.Timestamp - s.previousTimestamp
		for k := uint32(1); k < s.factor; k++ {
			frames = append(frames, blend.Opacity(s.previous, current, float64(k)/float64(s.factor)))
			timestamps = append(timestamps, s.previousTimestamp+span*time.Duration(k)/time.Duration(s.factor))
		}
	}
	frames = append(frames, current)
	timestamps = append(timestamps, in.Timestamp)

	var calls []func()
	for idx, frame := range frames {
		out := s.outputs[0]
		s.outputs = s.outputs[1:]
		out.Timestamp = timestamps[idx]
		out.Flags &^= accelerator.BufferFlagEndOfStream
		out.FilledLength = 0
		dst, err := s.service.Images.Image(ctx, out.Buffer)
		switch {
		case err != nil:
			logger.Errorf(ctx, "unable to get the output buffer %v: %v", out, err)
		case dst.Rect != frame.Rect:
			logger.Errorf(ctx, "the output buffer %v is %v, but the frame is %v", out, dst.Rect, frame.Rect)
		default:
			copy(dst.Pix, frame.Pix)
			out.FilledLength = out.AllocLength
			s.FramesProduced.Inc()
		}
		if idx == len(frames)-1 && in.Flags.Has(accelerator.BufferFlagEndOfStream) {
			out.Flags |= accelerator.BufferFlagEndOfStream
		}
		calls = append(calls, func() { cb.OnOutputDone(ctx, out) })
	}
	calls = append(calls, func() { cb.OnInputDone(ctx, in) })

	if in.Flags.Has(accelerator.BufferFlagEndOfStream) {
		s.previous = nil
	} else {
		s.previous, s.previousTimestamp = current, in.Timestamp
	}
	return calls
}
