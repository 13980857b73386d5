// flush.go implements the client flush and the teardown of the engine.

package slowmo

import (
	"context"
	"errors"
	"fmt"

	"github.com/xaionaro-go/slowmo/logger"
	"github.com/xaionaro-go/slowmo/requestpool"
	"github.com/xaionaro-go/slowmo/statemachine"
	"github.com/xaionaro-go/slowmo/tracker"
	"github.com/xaionaro-go/slowmo/types"
)

// Flush flushes the capture pipeline. It never interleaves with the
// sending of a batch.
func (u *Usecase) Flush(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Flush")
	defer func() { logger.Debugf(ctx, "/Flush: %v", _err) }()

	u.lock(ctx)
	if u.machine.Is(statemachine.StateDestroy) {
		u.unlock(ctx)
		return types.ErrInvalidState{State: u.machine.State()}
	}
	if err := u.waitUntilLocked(ctx, 0, func() bool { return !u.flushingOrSendingBatch }); err != nil {
		u.unlock(ctx)
		return fmt.Errorf("interrupted while waiting for a batch to be sent: %w", err)
	}
	u.flushingOrSendingBatch = true
	u.unlock(ctx)

	err := u.Pipeline.Flush(ctx)

	u.lock(ctx)
	u.flushingOrSendingBatch = false
	u.broadcastLocked()
	u.unlock(ctx)
	if err != nil {
		return fmt.Errorf("unable to flush the capture pipeline: %w", err)
	}
	return nil
}

// Destroy tears the engine down. A graceful teardown first waits (for a
// bounded time) for the pipeline to return its buffers and errors out the
// client video requests still queued; a forced one discards them.
func (u *Usecase) Destroy(ctx context.Context, forced bool) (_err error) {
	logger.Debugf(ctx, "Destroy(%t)", forced)
	defer func() { logger.Debugf(ctx, "/Destroy(%t): %v", forced, _err) }()

	u.lock(ctx)
	if u.machine.Is(statemachine.StateDestroy) {
		u.unlock(ctx)
		return types.ErrInvalidState{State: u.machine.State()}
	}
	u.transitionLocked(ctx, statemachine.StateDestroy)
	if !forced {
		u.waitForPipelineBuffersLocked(ctx)
	}
	u.exitWorkers = true
	u.broadcastLocked()
	u.unlock(ctx)

	u.workersWG.Wait()

	u.lock(ctx)
	errAccelerator := u.destroyAcceleratorLocked(ctx)
	u.disposeClientRequestsLocked(ctx, forced)
	for _, q := range requestpool.QueueIDs() {
		if q == requestpool.QueueIDFree {
			continue
		}
		if count := u.requests.ReleaseAll(ctx, q); count > 0 {
			logger.Debugf(ctx, "released %d requests of %s", count, q)
		}
	}
	u.pendingPreviews.Clear()
	u.tracker.Each(func(cr *tracker.CaptureRequest) bool {
		cr.Retire(ctx, u.Buffers)
		return true
	})
	u.unlock(ctx)

	errClose := u.closer.Close()
	return errors.Join(errAccelerator, errClose)
}

// waitForPipelineBuffersLocked waits until the pipeline returned every
// buffer it was given. A timeout is only logged.
func (u *Usecase) waitForPipelineBuffersLocked(ctx context.Context) {
	for _, stream := range []types.StreamKind{types.StreamKindPreview, types.StreamKindVideo} {
		queued, returned := &u.pipelineCounters.VideoQueued, &u.pipelineCounters.VideoReturned
		if stream == types.StreamKindPreview {
			queued, returned = &u.pipelineCounters.PreviewQueued, &u.pipelineCounters.PreviewReturned
		}
		err := u.waitUntilLocked(ctx, u.Config.PipelineDrainTimeout, func() bool {
			return queued.Load() == returned.Load()
		})
		if err != nil {
			logger.Errorf(ctx, "the pipeline did not return the %s buffers (%d/%d): %v",
				stream, returned.Load(), queued.Load(), err)
		}
	}
}

// disposeClientRequestsLocked gives the terminal disposition to the client
// video requests left after the workers stopped.
func (u *Usecase) disposeClientRequestsLocked(ctx context.Context, forced bool) {
	for _, q := range []*tracker.Queue{&u.clientVideoQueue, &u.errorVideoQueue, &u.copiedQueue} {
		for _, cr := range q.Drain() {
			if forced {
				logger.Debugf(ctx, "discarding %s", cr.FrameNumber)
				cr.ReleaseMetadata(ctx)
				cr.HasClientVideoBuffer = false
				continue
			}
			u.issueErrorBufferLocked(ctx, cr)
		}
	}
}
