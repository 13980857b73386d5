// usecase.go defines the slow-motion engine and its construction.

// Package slowmo implements the control core of a slow-motion capture
// pipeline: it captures a burst of high-frame-rate video, passes it
// through a frame interpolation accelerator and delivers the result to
// the client as a normal-rate video, while the preview keeps running.
package slowmo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/slowmo/accelerator"
	"github.com/xaionaro-go/slowmo/buffer"
	"github.com/xaionaro-go/slowmo/camera"
	"github.com/xaionaro-go/slowmo/logger"
	"github.com/xaionaro-go/slowmo/metadata"
	"github.com/xaionaro-go/slowmo/requestpool"
	"github.com/xaionaro-go/slowmo/sampler"
	"github.com/xaionaro-go/slowmo/statemachine"
	"github.com/xaionaro-go/slowmo/tracker"
	"github.com/xaionaro-go/slowmo/types"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
)

// Collaborators are the external services the engine drives.
type Collaborators struct {
	Pipeline    camera.Pipeline
	Sink        camera.ResultSink
	Buffers     buffer.Pool
	Metadata    metadata.Store
	Accelerator accelerator.Service
}

func (c Collaborators) validate() error {
	switch {
	case c.Pipeline == nil:
		return types.ErrInvalidArgument{Reason: "no capture pipeline"}
	case c.Sink == nil:
		return types.ErrInvalidArgument{Reason: "no result sink"}
	case c.Buffers == nil:
		return types.ErrInvalidArgument{Reason: "no buffer pool"}
	case c.Metadata == nil:
		return types.ErrInvalidArgument{Reason: "no metadata store"}
	case c.Accelerator == nil:
		return types.ErrInvalidArgument{Reason: "no accelerator service"}
	}
	return nil
}

// Usecase is one slow-motion capture session. Every field below the lock
// is only accessed with the lock held.
type Usecase struct {
	Config Config
	Collaborators

	locker     xsync.Mutex
	changeChan *chan struct{}

	machine   *statemachine.Machine
	requests  *requestpool.Pool
	tracker   *tracker.Tracker
	validator *tracker.Validator

	clientVideoQueue tracker.Queue
	errorVideoQueue  tracker.Queue
	copiedQueue      tracker.Queue
	pendingPreviews  tracker.PendingPreviewQueue

	preRoll  sampler.RollConfig
	postRoll sampler.PostRoll

	port    portState
	session accelerator.Session

	metadataClientID    metadata.ClientID
	commonInputMetadata metadata.Handle

	captureRequestCount         uint64
	framesCaptured              uint32
	lastHighSpeedCaptureRequest uint64
	buffersReturned             uint64
	firstTimestamp              time.Duration
	sendCaptureComplete         bool
	flushingOrSendingBatch      bool
	exitWorkers                 bool

	clientCounters   types.ClientCounters
	pipelineCounters types.PipelineCounters

	workersWG sync.WaitGroup
	closer    *astikit.Closer
}

func ptr[T any](v T) *T {
	return &v
}

// New validates the configuration, initializes the accelerator, seeds
// its output port and starts the workers.
func New(
	ctx context.Context,
	cfg Config,
	collaborators Collaborators,
) (_ret *Usecase, _err error) {
	logger.Debugf(ctx, "New")
	defer func() { logger.Debugf(ctx, "/New: %v", _err) }()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := collaborators.validate(); err != nil {
		return nil, err
	}

	preRoll, err := sampler.NewRollConfig(cfg.PreRollFPS, cfg.PreRollDuration, cfg.NativeFPS)
	if err != nil {
		return nil, fmt.Errorf("unable to configure the pre-roll: %w", err)
	}
	postRoll, err := sampler.NewRollConfig(cfg.PostRollFPS, cfg.PostRollDuration, cfg.NativeFPS)
	if err != nil {
		return nil, fmt.Errorf("unable to configure the post-roll: %w", err)
	}

	u := &Usecase{
		Config:        cfg,
		Collaborators: collaborators,
		changeChan:    ptr(make(chan struct{})),
		machine:       statemachine.New(),
		requests:      requestpool.New(int(cfg.RequestPoolCapacity()), collaborators.Buffers),
		tracker:       tracker.New(int(cfg.TrackerSize)),
		validator:     tracker.NewValidator(cfg.BatchSize()),
		preRoll:       preRoll,
		postRoll:      sampler.PostRoll{Config: postRoll},
		closer:        astikit.NewCloser(),
	}
	u.port.reset(cfg)
	logger.Debugf(ctx, "pre-roll: %s; post-roll: %s; pool: %d", preRoll, postRoll, u.requests.Capacity())

	success := false
	defer func() {
		if !success {
			if err := u.closer.Close(); err != nil {
				logger.Errorf(ctx, "unable to close: %v", err)
			}
		}
	}()

	u.metadataClientID, err = collaborators.Metadata.RegisterClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to register a metadata client: %w", err)
	}
	u.closer.Add(func() {
		if err := collaborators.Metadata.UnregisterClient(ctx, u.metadataClientID); err != nil {
			logger.Errorf(ctx, "unable to unregister metadata client %d: %v", u.metadataClientID, err)
		}
	})

	u.commonInputMetadata, err = metadata.Acquire(ctx, collaborators.Metadata, u.metadataClientID, 0)
	if err != nil {
		return nil, fmt.Errorf("unable to get the common input metadata: %w", err)
	}
	u.closer.Add(func() {
		u.commonInputMetadata.Release(ctx)
	})

	u.lock(ctx)
	err = u.initializeAcceleratorLocked(ctx)
	if err == nil {
		err = u.queueOutputsLocked(ctx)
	}
	u.unlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize the accelerator: %w", err)
	}

	u.startWorkers(ctx)
	success = true
	return u, nil
}

func (u *Usecase) startWorkers(ctx context.Context) {
	ctx = xcontext.DetachDone(ctx)
	u.workersWG.Add(2)
	observability.Go(ctx, func(ctx context.Context) {
		defer u.workersWG.Done()
		u.outputCopyLoop(ctx)
	})
	observability.Go(ctx, func(ctx context.Context) {
		defer u.workersWG.Done()
		u.bufferReturnLoop(ctx)
	})
}

// State returns the current state of the capture state machine.
func (u *Usecase) State(ctx context.Context) statemachine.State {
	return xsync.DoR1(u.lockCtx(ctx), &u.locker, u.machine.State)
}

func (u *Usecase) transitionLocked(ctx context.Context, to statemachine.State) {
	from := u.machine.State()
	if err := u.machine.Transition(to); err != nil {
		logger.Errorf(ctx, "%v", err)
		return
	}
	logger.Debugf(ctx, "state: %s -> %s", from, to)
	u.broadcastLocked()
}
