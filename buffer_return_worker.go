// buffer_return_worker.go implements the worker returning the client video
// buffers, copied or errored, and closing the recording cycle.

package slowmo

import (
	"context"
	"errors"

	"github.com/facebookincubator/go-belt/tool/experimental/errmon"
	"github.com/xaionaro-go/slowmo/buffer"
	"github.com/xaionaro-go/slowmo/camera"
	"github.com/xaionaro-go/slowmo/logger"
	"github.com/xaionaro-go/slowmo/requestpool"
	"github.com/xaionaro-go/slowmo/statemachine"
	"github.com/xaionaro-go/slowmo/tracker"
	"github.com/xaionaro-go/slowmo/types"
)

func (u *Usecase) bufferReturnLoop(ctx context.Context) {
	logger.Debugf(ctx, "bufferReturnLoop")
	defer logger.Debugf(ctx, "/bufferReturnLoop")

	u.lock(ctx)
	defer u.unlock(ctx)
	for {
		acted := false
		if u.machine.Is(statemachine.StateProcess) && !u.exitWorkers {
			queuedBefore := u.port.InQueued + u.port.OutQueued
			if err := u.queueBuffersToAcceleratorLocked(ctx); err != nil {
				logger.Debugf(ctx, "unable to feed the accelerator: %v", err)
			}
			acted = u.port.InQueued+u.port.OutQueued != queuedBefore
		}

		if u.shouldIssueErrorBuffersLocked() {
			u.issueErrorBufferLocked(ctx, u.errorVideoQueue.PopFront())
			acted = true
		}
		for u.shouldSendCopiedBufferLocked() {
			u.sendCopiedBufferLocked(ctx)
			acted = true
		}
		if acted {
			u.broadcastLocked()
			continue
		}

		if u.exitWorkers {
			return
		}
		if err := u.waitLocked(ctx); err != nil {
			logger.Errorf(ctx, "%v", err)
			return
		}
	}
}

// shouldIssueErrorBuffersLocked is true once the pipeline gave back the
// internal buffer of the errored request at the head.
func (u *Usecase) shouldIssueErrorBuffersLocked() bool {
	cr := u.errorVideoQueue.Front()
	return cr != nil && !cr.PipelineOwnsVideoBuffer
}

// shouldSendCopiedBufferLocked keeps the video results behind the preview
// results of the same or earlier frames.
func (u *Usecase) shouldSendCopiedBufferLocked() bool {
	cr := u.copiedQueue.Front()
	if cr == nil {
		return false
	}
	preview, ok := u.pendingPreviews.Front()
	if !ok {
		return true
	}
	return preview.FrameNumber > cr.FrameNumber
}

// issueErrorBufferLocked announces the error and returns the client video
// buffer with the error status.
func (u *Usecase) issueErrorBufferLocked(ctx context.Context, cr *tracker.CaptureRequest) {
	cr.IssuedVideoError = true
	u.clientCounters.VideoReturned.Inc()
	u.clientCounters.VideoErrors.Inc()

	kind, stream := types.ErrorKindBuffer, types.StreamKindVideo
	if !cr.IsPreviewLeading && !cr.ShutterIssued {
		kind, stream = types.ErrorKindRequest, types.StreamKindUndefined
	}
	result := &camera.ClientResult{
		FrameNumber: cr.FrameNumber,
	}
	if cr.HasClientVideoBuffer {
		b := cr.ClientVideoBuffer
		b.Status = types.BufferStatusError
		result.Buffers = []buffer.StreamBuffer{b}
	}
	cr.HasClientVideoBuffer = false
	cr.ClientVideoBuffer = buffer.StreamBuffer{}
	cr.InputMetadata.Release(ctx)
	cr.OutputMetadata.Release(ctx)
	logger.Debugf(ctx, "returning %s with an error (%s)", result.FrameNumber, kind)

	u.unlocked(ctx, func() {
		u.Sink.IssueError(ctx, result.FrameNumber, kind, stream)
		u.Sink.IssueResult(ctx, result)
	})
}

// sendCopiedBufferLocked delivers the oldest copied output and, if it
// was the last one of the recording, starts a new cycle.
func (u *Usecase) sendCopiedBufferLocked(ctx context.Context) {
	cr := u.copiedQueue.PopFront()
	u.clientCounters.VideoReturned.Inc()

	result := &camera.ClientResult{
		FrameNumber:    cr.FrameNumber,
		Buffers:        []buffer.StreamBuffer{cr.ClientVideoBuffer},
		InputMetadata:  cr.InputMetadata.Take(),
		OutputMetadata: cr.OutputMetadata.Take(),
	}
	cr.HasClientVideoBuffer = false
	cr.ClientVideoBuffer = buffer.StreamBuffer{}
	logger.Debugf(ctx, "returning %s", result.FrameNumber)

	u.unlocked(ctx, func() {
		u.Sink.IssueResult(ctx, result)
	})

	if u.isFinishedAllProcessingLocked() && u.copiedQueue.IsEmpty() {
		logger.Infof(ctx, "every output of the recording is delivered")
		if err := u.resetForNewRecordingLocked(ctx); err != nil {
			errmon.ObserveErrorCtx(ctx, err)
		}
	}
}

// resetForNewRecordingLocked restarts the accelerator and returns to
// Bypass.
func (u *Usecase) resetForNewRecordingLocked(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "resetForNewRecording")
	defer func() { logger.Debugf(ctx, "/resetForNewRecording: %v", _err) }()

	errDestroy := u.destroyAcceleratorLocked(ctx)
	if errDestroy != nil {
		logger.Errorf(ctx, "unable to destroy the accelerator session: %v", errDestroy)
	}
	for _, q := range []requestpool.QueueID{requestpool.QueueIDPreRoll, requestpool.QueueIDPostRoll} {
		if released := u.requests.ReleaseAll(ctx, q); released > 0 {
			logger.Warnf(ctx, "released %d frames left in %s", released, q)
		}
	}
	u.port.reset(u.Config)
	if u.machine.Is(statemachine.StateProcess) {
		u.transitionLocked(ctx, statemachine.StateBypass)
	}
	u.framesCaptured = 0
	u.buffersReturned = 0
	u.postRoll.Reset()
	if u.machine.Is(statemachine.StateDestroy) {
		return errDestroy
	}

	errInit := u.initializeAcceleratorLocked(ctx)
	if errInit == nil {
		errInit = u.queueBuffersToAcceleratorLocked(ctx)
	}
	return errors.Join(errDestroy, errInit)
}
