// port_manager.go keeps the accelerator ports fed and tracks what the
// accelerator owns.

package slowmo

import (
	"context"
	"errors"
	"fmt"

	"github.com/xaionaro-go/slowmo/accelerator"
	"github.com/xaionaro-go/slowmo/buffer"
	"github.com/xaionaro-go/slowmo/internal"
	"github.com/xaionaro-go/slowmo/logger"
	"github.com/xaionaro-go/slowmo/requestpool"
	"github.com/xaionaro-go/slowmo/statemachine"
	"github.com/xaionaro-go/slowmo/types"
)

const interpolationFactorInvalid = 0

type portState struct {
	InCount         int64
	OutCount        int64
	InQueued        uint64
	OutQueued       uint64
	InputDoneCount  uint64
	OutputDoneCount uint64
	OutCountMax     int64

	InputFlushing  bool
	OutputFlushing bool

	InterpolationFactor  uint32
	ClientOverrodeFactor bool
	Initialized          bool
}

func (s *portState) reset(cfg Config) {
	*s = portState{
		OutCountMax: int64(cfg.OutputPortMaxDepth),
	}
}

func (s *portState) toStats() types.AcceleratorStatistics {
	return types.AcceleratorStatistics{
		InCount:             s.InCount,
		OutCount:            s.OutCount,
		InQueued:            s.InQueued,
		OutQueued:           s.OutQueued,
		InputDoneCount:      s.InputDoneCount,
		OutputDoneCount:     s.OutputDoneCount,
		OutCountMax:         s.OutCountMax,
		InterpolationFactor: s.InterpolationFactor,
	}
}

// frameSize is the size of one frame in the configured pixel format.
func (cfg Config) frameSize() uint32 {
	pixels := cfg.Width * cfg.Height
	switch cfg.PixelFormat {
	case accelerator.PixelFormatNV12, accelerator.PixelFormatNV12UBWC:
		return pixels * 3 / 2
	default:
		return pixels * 4
	}
}

// descriptorOf describes the request to the accelerator. An input is
// always full; an output is empty until the accelerator fills it.
func (u *Usecase) descriptorOf(r *requestpool.Request) accelerator.BufferDescriptor {
	desc := accelerator.BufferDescriptor{
		ID:          int32(r.ID),
		Buffer:      r.Buffer,
		Timestamp:   r.Timestamp,
		AllocLength: u.Config.frameSize(),
	}
	if r.IsAcceleratorInput {
		desc.Flags |= accelerator.BufferFlagReadOnly
		desc.FilledLength = desc.AllocLength
	}
	if r.IsEndOfStream {
		desc.Flags |= accelerator.BufferFlagEndOfStream
	}
	return desc
}

func (u *Usecase) initializeAcceleratorLocked(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "initializeAccelerator")
	defer func() { logger.Debugf(ctx, "/initializeAccelerator: %v", _err) }()

	if u.port.Initialized {
		return nil
	}

	params := accelerator.PortParameters{
		Width:     u.Config.Width,
		Height:    u.Config.Height,
		Stride:    u.Config.Width,
		Scanlines: u.Config.Height,
		Format:    u.Config.PixelFormat,
	}

	var session accelerator.Session
	var err error
	u.unlocked(ctx, func() {
		session, err = u.Accelerator.NewSession(ctx)
		if err != nil {
			err = fmt.Errorf("unable to open a session: %w", err)
			return
		}
		if err = session.Initialize(ctx, acceleratorCallbacks{u: u, session: session}); err != nil {
			err = fmt.Errorf("unable to initialize the session: %w", err)
			return
		}
		for _, port := range []accelerator.Port{accelerator.PortInput, accelerator.PortOutput} {
			if err = session.SetPortParameters(ctx, port, params); err != nil {
				err = fmt.Errorf("unable to set the parameters of the %s port: %w", port, err)
				return
			}
		}
	})
	if err != nil {
		if session != nil {
			u.unlocked(ctx, func() {
				if err := session.Terminate(ctx); err != nil {
					logger.Errorf(ctx, "unable to terminate the session: %v", err)
				}
			})
		}
		return err
	}

	u.session = session
	u.port.Initialized = true
	return u.configureInterpolationLocked(ctx, u.Config.DefaultInterpolationFactor)
}

// configureInterpolationLocked sets the interpolation factor; an unchanged
// factor is not sent again.
func (u *Usecase) configureInterpolationLocked(ctx context.Context, factor uint32) (_err error) {
	logger.Debugf(ctx, "configureInterpolation(%d)", factor)
	defer func() { logger.Debugf(ctx, "/configureInterpolation(%d): %v", factor, _err) }()

	if factor < MinInterpolationFactor || factor > MaxInterpolationFactor {
		return types.ErrInvalidArgument{Reason: fmt.Sprintf("interpolation factor %d is not within [%d, %d]", factor, MinInterpolationFactor, MaxInterpolationFactor)}
	}
	if factor == u.port.InterpolationFactor {
		return nil
	}
	if !u.port.Initialized {
		return types.ErrNotInitialized{}
	}
	session := u.session
	var err error
	u.unlocked(ctx, func() {
		err = session.SetInterpolationFactor(ctx, factor)
	})
	if err != nil {
		u.port.InterpolationFactor = interpolationFactorInvalid
		return fmt.Errorf("unable to set the interpolation factor to %d: %w", factor, err)
	}
	u.port.InterpolationFactor = factor
	return nil
}

// setInterpolationFactorIfAllowedLocked applies the factor requested by the
// client; this is allowed only once per recording and only before it starts.
func (u *Usecase) setInterpolationFactorIfAllowedLocked(
	ctx context.Context,
	settings *types.Settings,
) error {
	if settings == nil || !settings.InterpolationFactor.IsSet() {
		return nil
	}
	if u.port.ClientOverrodeFactor || !u.machine.Is(statemachine.StateBypass) {
		return nil
	}
	if err := u.configureInterpolationLocked(ctx, settings.InterpolationFactor.Get()); err != nil {
		return err
	}
	u.port.ClientOverrodeFactor = true
	return nil
}

// outputBuffersToQueueLocked implements the sizing policy of the output
// port.
func (u *Usecase) outputBuffersToQueueLocked() int64 {
	var count int64
	if u.machine.Is(statemachine.StateBypass) {
		count = int64(u.Config.OutputPortBypassDepth) - u.port.OutCount
	} else {
		count = u.port.OutCountMax - u.port.OutCount
		preferred := u.port.InCount + int64(u.Config.OutputPortBypassDepth)
		count = min(count, max(preferred-u.port.OutCount, 0))
	}
	available := int64(u.requests.Len(requestpool.QueueIDFree)) - int64(u.Config.ExtraBuffersForProcessing)
	return max(min(count, available), 0)
}

func (u *Usecase) queueOutputsLocked(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "queueOutputs")
	defer func() { logger.Tracef(ctx, "/queueOutputs: %v", _err) }()

	u.recycleDoneInputsLocked(ctx)
	count := u.outputBuffersToQueueLocked()
	for range count {
		if err := u.queueOneOutputLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (u *Usecase) queueOneOutputLocked(ctx context.Context) error {
	if !u.port.Initialized {
		return types.ErrNotInitialized{}
	}
	node, err := u.requests.Acquire()
	if err != nil {
		logger.Errorf(ctx, "unable to acquire a request for the output port: %v", err)
		return err
	}

	var buf buffer.Handle
	u.unlocked(ctx, func() {
		buf, err = u.Buffers.GetBuffer(ctx)
	})
	if err != nil {
		u.requests.Release(ctx, node)
		return types.ErrBufferExhausted{Err: err}
	}
	node.Buffer = buf
	node.IsAcceleratorInput = false
	node.Destination = types.DestinationDrop
	node.OwnedByAccelerator = true
	u.port.OutCount++
	u.port.OutQueued++
	u.requests.PushBack(requestpool.QueueIDAcceleratorOutputInFlight, node)

	session, desc := u.session, u.descriptorOf(node)
	u.unlocked(ctx, func() {
		err = session.QueueBuffer(ctx, accelerator.PortOutput, desc)
	})
	if err != nil {
		logger.Errorf(ctx, "unable to queue %v to the output port: %v", desc, err)
		if node.QueueID() == requestpool.QueueIDAcceleratorOutputInFlight && node.OwnedByAccelerator {
			node.OwnedByAccelerator = false
			u.port.OutCount--
			u.port.OutQueued--
			u.requests.Release(ctx, node)
		}
		return err
	}
	return nil
}

// queueInputsLocked moves every pending input to the accelerator, in
// capture order. A failed input stays at the head of the pending queue.
func (u *Usecase) queueInputsLocked(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "queueInputs")
	defer func() { logger.Tracef(ctx, "/queueInputs: %v", _err) }()

	for {
		if !u.port.Initialized {
			if u.requests.Len(requestpool.QueueIDPendingAcceleratorInput) > 0 {
				return types.ErrNotInitialized{}
			}
			return nil
		}
		node := u.requests.PopFront(requestpool.QueueIDPendingAcceleratorInput)
		if node == nil {
			return nil
		}
		if err := u.queueInputLocked(ctx, node); err != nil {
			return err
		}
	}
}

func (u *Usecase) queueInputLocked(ctx context.Context, node *requestpool.Request) error {
	node.OwnedByAccelerator = true
	u.port.InCount++
	u.port.InQueued++
	u.requests.PushBack(requestpool.QueueIDAcceleratorInputInFlight, node)

	session, desc := u.session, u.descriptorOf(node)
	var err error
	u.unlocked(ctx, func() {
		err = session.QueueBuffer(ctx, accelerator.PortInput, desc)
	})
	if err == nil {
		return nil
	}

	logger.Warnf(ctx, "unable to queue %v to the input port, will retry: %v", desc, err)
	if node.QueueID() == requestpool.QueueIDAcceleratorInputInFlight && node.OwnedByAccelerator {
		node.OwnedByAccelerator = false
		u.port.InCount--
		u.port.InQueued--
		u.requests.PushFront(requestpool.QueueIDPendingAcceleratorInput, node)
	}
	return err
}

// queueBuffersToAcceleratorLocked feeds both ports.
func (u *Usecase) queueBuffersToAcceleratorLocked(ctx context.Context) error {
	errIn := u.queueInputsLocked(ctx)
	errOut := u.queueOutputsLocked(ctx)
	return errors.Join(errIn, errOut)
}

// recycleDoneInputsLocked returns the inputs the accelerator is done with.
func (u *Usecase) recycleDoneInputsLocked(ctx context.Context) {
	u.requests.ReleaseAll(ctx, requestpool.QueueIDAcceleratorInputDone)
}

// flushAcceleratorLocked flushes both ports and waits for the
// accelerator to confirm it.
func (u *Usecase) flushAcceleratorLocked(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "flushAccelerator")
	defer func() { logger.Debugf(ctx, "/flushAccelerator: %v", _err) }()

	if !u.port.Initialized {
		return nil
	}
	u.port.InputFlushing = true
	u.port.OutputFlushing = true

	session := u.session
	var errIn, errOut error
	u.unlocked(ctx, func() {
		errIn = session.Flush(ctx, accelerator.PortInput)
		errOut = session.Flush(ctx, accelerator.PortOutput)
	})
	if errIn != nil {
		logger.Errorf(ctx, "unable to flush the input port: %v", errIn)
		u.port.InputFlushing = false
	}
	if errOut != nil {
		logger.Errorf(ctx, "unable to flush the output port: %v", errOut)
		u.port.OutputFlushing = false
	}

	err := u.waitUntilLocked(ctx, u.Config.PipelineDrainTimeout, func() bool {
		return !u.port.InputFlushing && !u.port.OutputFlushing
	})
	if err != nil {
		logger.Errorf(ctx, "the accelerator did not complete the flush (input:%t, output:%t): %v",
			u.port.InputFlushing, u.port.OutputFlushing, err)
		u.port.InputFlushing = false
		u.port.OutputFlushing = false
		err = fmt.Errorf("unable to flush the accelerator: %w", err)
	}
	return errors.Join(errIn, errOut, err)
}

// destroyAcceleratorLocked flushes and terminates the session.
func (u *Usecase) destroyAcceleratorLocked(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "destroyAccelerator")
	defer func() { logger.Debugf(ctx, "/destroyAccelerator: %v", _err) }()

	if !u.port.Initialized {
		return nil
	}
	errFlush := u.flushAcceleratorLocked(ctx)

	session := u.session
	u.session = nil
	u.port.Initialized = false
	var errTerminate error
	u.unlocked(ctx, func() {
		errTerminate = session.Terminate(ctx)
	})

	// whatever the accelerator did not give back is lost with the session
	u.dropInFlightLocked(ctx)
	return errors.Join(errFlush, errTerminate)
}

func (u *Usecase) dropInFlightLocked(ctx context.Context) {
	for _, q := range []requestpool.QueueID{
		requestpool.QueueIDAcceleratorInputInFlight,
		requestpool.QueueIDAcceleratorOutputInFlight,
	} {
		if count := u.requests.ReleaseAll(ctx, q); count > 0 {
			logger.Warnf(ctx, "dropped %d requests left in %s", count, q)
		}
	}
	u.port.InCount = 0
	u.port.OutCount = 0
	u.recycleDoneInputsLocked(ctx)
}

// RecoverAccelerator opens a new accelerator session after the service
// died.
func (u *Usecase) RecoverAccelerator(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "RecoverAccelerator")
	defer func() { logger.Debugf(ctx, "/RecoverAccelerator: %v", _err) }()

	u.lock(ctx)
	defer u.unlock(ctx)
	if u.machine.Is(statemachine.StateDestroy) {
		return types.ErrInvalidState{State: u.machine.State()}
	}
	if u.port.Initialized {
		return nil
	}
	interpolationFactor, clientOverrode := u.port.InterpolationFactor, u.port.ClientOverrodeFactor
	u.port.InterpolationFactor = interpolationFactorInvalid
	if err := u.initializeAcceleratorLocked(ctx); err != nil {
		return err
	}
	if clientOverrode && interpolationFactor != interpolationFactorInvalid {
		if err := u.configureInterpolationLocked(ctx, interpolationFactor); err != nil {
			return err
		}
		u.port.ClientOverrodeFactor = true
	}
	internal.Assert(ctx, u.port.InCount == 0 && u.port.OutCount == 0, "counters survived the service death", u.port)
	return u.queueBuffersToAcceleratorLocked(ctx)
}
