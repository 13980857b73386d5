// pipeline.go implements a simulated capture pipeline.

// Package simcamera is a camera.Pipeline that renders synthetic frames into
// the buffers of the requests and reports shutters and results back from
// its own goroutine, the way a hardware capture pipeline does.
package simcamera

import (
	"context"
	"fmt"
	"image/color"
	"sync"
	"time"

	"github.com/go-ng/xatomic"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/slowmo/buffer"
	"github.com/xaionaro-go/slowmo/camera"
	"github.com/xaionaro-go/slowmo/logger"
	"github.com/xaionaro-go/slowmo/metadata"
	"github.com/xaionaro-go/slowmo/types"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

// ResultProcessor is what the pipeline reports to.
type ResultProcessor interface {
	ProcessShutter(ctx context.Context, frameNumber types.FrameNumber, timestamp time.Duration)
	ProcessPartialResult(ctx context.Context, frameNumber types.FrameNumber, partial metadata.Handle)
	ProcessResult(ctx context.Context, result *camera.PipelineResult)
	ProcessError(ctx context.Context, frameNumber types.FrameNumber, kind types.ErrorKind, stream types.StreamKind)
}

type Config struct {
	// FrameInterval is the sensor frame period; it spaces the timestamps.
	FrameInterval time.Duration

	// RealTime makes the pipeline wait for the frame interval between
	// the frames instead of going as fast as possible.
	RealTime bool
}

type Pipeline struct {
	Config   Config
	Images   *buffer.ImagePool
	Metadata metadata.Store

	// FailVideoBuffers is the amount of the upcoming video buffers to
	// fail, for fault injection.
	FailVideoBuffers atomic.Int32

	Submitted atomic.Uint64
	Completed atomic.Uint64
	Flushed   atomic.Uint64

	clientID metadata.ClientID

	locker     xsync.Mutex
	changeChan *chan struct{}
	queue      []*camera.PipelineRequest
	processor  ResultProcessor
	closed     bool

	stopWorker context.CancelFunc
	workersWG  sync.WaitGroup
}

var _ camera.Pipeline = (*Pipeline)(nil)

func ptr[T any](v T) *T {
	return &v
}

func New(
	ctx context.Context,
	cfg Config,
	images *buffer.ImagePool,
	store metadata.Store,
) (*Pipeline, error) {
	if cfg.FrameInterval <= 0 {
		return nil, types.ErrInvalidArgument{Reason: "the frame interval must be positive"}
	}
	clientID, err := store.RegisterClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to register a metadata client: %w", err)
	}
	return &Pipeline{
		Config:     cfg,
		Images:     images,
		Metadata:   store,
		clientID:   clientID,
		changeChan: ptr(make(chan struct{})),
	}, nil
}

func (p *Pipeline) broadcastLocked() {
	close(*xatomic.SwapPointer(&p.changeChan, ptr(make(chan struct{}))))
}

// Start begins delivering the results to the processor. Requests
// submitted before Start wait in the queue.
func (p *Pipeline) Start(ctx context.Context, processor ResultProcessor) error {
	workerCtx, cancelFn := context.WithCancel(xcontext.DetachDone(ctx))
	err := xsync.DoR1(ctx, &p.locker, func() error {
		if p.processor != nil {
			return fmt.Errorf("already started")
		}
		if p.closed {
			return fmt.Errorf("closed")
		}
		p.processor = processor
		p.stopWorker = cancelFn
		p.workersWG.Add(1)
		return nil
	})
	if err != nil {
		cancelFn()
		return err
	}
	observability.Go(workerCtx, func(ctx context.Context) {
		defer p.workersWG.Done()
		p.loop(ctx)
	})
	return nil
}

func (p *Pipeline) SubmitRequest(ctx context.Context, req *camera.PipelineRequest) error {
	if req == nil {
		return types.ErrInvalidArgument{Reason: "nil request"}
	}
	return xsync.DoR1(ctx, &p.locker, func() error {
		if p.closed {
			return fmt.Errorf("the pipeline is closed")
		}
		cpy := *req
		cpy.Buffers = append([]buffer.StreamBuffer{}, req.Buffers...)
		p.queue = append(p.queue, &cpy)
		p.Submitted.Inc()
		p.broadcastLocked()
		return nil
	})
}

// Flush returns every request that did not start yet with an error.
func (p *Pipeline) Flush(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Flush")
	defer func() { logger.Debugf(ctx, "/Flush: %v", _err) }()

	var (
		pending   []*camera.PipelineRequest
		processor ResultProcessor
	)
	p.locker.Do(ctx, func() {
		pending, p.queue = p.queue, nil
		processor = p.processor
	})
	if processor == nil {
		p.locker.Do(ctx, func() {
			p.queue = append(pending, p.queue...)
		})
		return fmt.Errorf("not started")
	}
	for _, req := range pending {
		p.Flushed.Inc()
		processor.ProcessError(ctx, req.FrameNumber, types.ErrorKindRequest, types.StreamKindUndefined)
		result := &camera.PipelineResult{FrameNumber: req.FrameNumber}
		for _, b := range req.Buffers {
			b.Status = types.BufferStatusError
			result.Buffers = append(result.Buffers, b)
		}
		processor.ProcessResult(ctx, result)
	}
	return nil
}

func (p *Pipeline) Close(ctx context.Context) error {
	p.locker.Do(ctx, func() {
		p.closed = true
		if p.stopWorker != nil {
			p.stopWorker()
		}
		p.broadcastLocked()
	})
	p.workersWG.Wait()
	if err := p.Metadata.UnregisterClient(ctx, p.clientID); err != nil {
		return fmt.Errorf("unable to unregister the metadata client: %w", err)
	}
	return nil
}

// Pending returns the amount of requests waiting to be captured.
func (p *Pipeline) Pending(ctx context.Context) int {
	return xsync.DoR1(ctx, &p.locker, func() int {
		return len(p.queue)
	})
}

func (p *Pipeline) loop(ctx context.Context) {
	logger.Debugf(ctx, "loop")
	defer logger.Debugf(ctx, "/loop")

	var nextDue time.Time
	for {
		ch := *xatomic.LoadPointer(&p.changeChan)
		req := xsync.DoR1(ctx, &p.locker, func() *camera.PipelineRequest {
			if len(p.queue) == 0 {
				return nil
			}
			req := p.queue[0]
			p.queue = p.queue[1:]
			return req
		})
		if req == nil {
			select {
			case <-ctx.Done():
				return
			case <-ch:
			}
			continue
		}

		if p.Config.RealTime {
			if wait := time.Until(nextDue); wait > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
			}
			nextDue = time.Now().Add(p.Config.FrameInterval)
		}
		p.capture(ctx, req)
	}
}

func (p *Pipeline) timestampOf(frameNumber types.FrameNumber) time.Duration {
	return time.Duration(frameNumber+1) * p.Config.FrameInterval
}

// capture renders the frame and reports it: shutter, partial result,
// result.
func (p *Pipeline) capture(ctx context.Context, req *camera.PipelineRequest) {
	processor := xsync.DoR1(ctx, &p.locker, func() ResultProcessor {
		return p.processor
	})
	timestamp := p.timestampOf(req.FrameNumber)
	processor.ProcessShutter(ctx, req.FrameNumber, timestamp)

	partial, err := metadata.Acquire(ctx, p.Metadata, p.clientID, req.FrameNumber)
	if err != nil {
		logger.Errorf(ctx, "unable to get partial metadata for %s: %v", req.FrameNumber, err)
	} else {
		if err := partial.SetTag(ctx, metadata.TagSensorTimestamp, timestamp); err != nil {
			logger.Errorf(ctx, "unable to tag %s: %v", req.FrameNumber, err)
		}
		processor.ProcessPartialResult(ctx, req.FrameNumber, partial)
	}

	result := &camera.PipelineResult{FrameNumber: req.FrameNumber}
	for _, b := range req.Buffers {
		b.Status = types.BufferStatusOK
		if b.Stream == types.StreamKindVideo && p.consumeVideoFailure() {
			b.Status = types.BufferStatusError
			processor.ProcessError(ctx, req.FrameNumber, types.ErrorKindBuffer, types.StreamKindVideo)
		} else if err := p.render(ctx, b.Handle, req.FrameNumber); err != nil {
			logger.Errorf(ctx, "unable to render %s into %v: %v", req.FrameNumber, &b, err)
			b.Status = types.BufferStatusError
		}
		result.Buffers = append(result.Buffers, b)
	}

	result.InputMetadata, err = metadata.Acquire(ctx, p.Metadata, p.clientID, req.FrameNumber)
	if err != nil {
		logger.Errorf(ctx, "unable to get input metadata for %s: %v", req.FrameNumber, err)
	}
	result.OutputMetadata, err = metadata.Acquire(ctx, p.Metadata, p.clientID, req.FrameNumber)
	if err != nil {
		logger.Errorf(ctx, "unable to get output metadata for %s: %v", req.FrameNumber, err)
	} else {
		if err := result.OutputMetadata.SetTag(ctx, metadata.TagSensorTimestamp, timestamp); err != nil {
			logger.Errorf(ctx, "unable to tag %s: %v", req.FrameNumber, err)
		}
		if req.Settings != nil && req.Settings.CaptureStart {
			if err := result.OutputMetadata.SetTag(ctx, metadata.TagCaptureStart, true); err != nil {
				logger.Errorf(ctx, "unable to tag %s: %v", req.FrameNumber, err)
			}
		}
	}
	processor.ProcessResult(ctx, result)
	p.Completed.Inc()
}

func (p *Pipeline) consumeVideoFailure() bool {
	for {
		left := p.FailVideoBuffers.Load()
		if left <= 0 {
			return false
		}
		if p.FailVideoBuffers.CompareAndSwap(left, left-1) {
			return true
		}
	}
}

// render draws a bar moving one column per frame.
func (p *Pipeline) render(ctx context.Context, h buffer.Handle, frameNumber types.FrameNumber) error {
	img, err := p.Images.Image(ctx, h)
	if err != nil {
		return err
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	if width == 0 {
		return nil
	}
	barX := bounds.Min.X + int(frameNumber)%width
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.RGBA{R: 16, G: 16, B: 16, A: 255}
			if x == barX {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return nil
}
