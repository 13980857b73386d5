// capture_result.go handles what the capture pipeline reports back:
// results, partial results, shutters and errors.

package slowmo

import (
	"context"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/experimental/errmon"
	"github.com/xaionaro-go/slowmo/buffer"
	"github.com/xaionaro-go/slowmo/camera"
	"github.com/xaionaro-go/slowmo/logger"
	"github.com/xaionaro-go/slowmo/metadata"
	"github.com/xaionaro-go/slowmo/requestpool"
	"github.com/xaionaro-go/slowmo/statemachine"
	"github.com/xaionaro-go/slowmo/tracker"
	"github.com/xaionaro-go/slowmo/types"
)

// ProcessResult consumes a result of the capture pipeline. The engine
// takes over the metadata handles of the result.
func (u *Usecase) ProcessResult(
	ctx context.Context,
	result *camera.PipelineResult,
) {
	ctx = belt.WithField(ctx, "frame", uint32(result.FrameNumber))
	logger.Debugf(ctx, "ProcessResult: %d buffers", len(result.Buffers))
	defer logger.Debugf(ctx, "/ProcessResult")

	u.lock(ctx)
	cr := u.tracker.Lookup(result.FrameNumber)
	if cr == nil {
		u.unlock(ctx)
		logger.Errorf(ctx, "result for %s which is not in flight", result.FrameNumber)
		result.InputMetadata.Release(ctx)
		result.OutputMetadata.Release(ctx)
		return
	}

	forward := false
	hasMetadata := result.InputMetadata.IsValid() && result.OutputMetadata.IsValid()
	if hasMetadata {
		forward = cr.IsPreviewLeading
		if cr.Destination.IsDestinedForProcessing() {
			u.deferMetadataLocked(ctx, cr, result.OutputMetadata.Ref(), false)
			cr.MetadataReceived = true
		}
		if cr.IsPreviewLeading {
			u.pendingPreviews.Mark(cr.FrameNumber, false, true)
		}
	}

	var previewBuffers []buffer.StreamBuffer
	for _, b := range result.Buffers {
		switch b.Stream {
		case types.StreamKindVideo:
			u.handleVideoBufferLocked(ctx, cr)
			u.pipelineCounters.VideoReturned.Inc()
		default:
			forward = true
			previewBuffers = append(previewBuffers, b)
			u.pipelineCounters.PreviewReturned.Inc()
			u.clientCounters.PreviewReturned.Inc()
			if b.Status == types.BufferStatusError {
				u.clientCounters.PreviewErrors.Inc()
			}
		}
	}

	if u.machine.Is(statemachine.StateProcess) && u.requests.Len(requestpool.QueueIDPendingAcceleratorInput) > 0 {
		if err := u.queueInputsLocked(ctx); err != nil {
			logger.Debugf(ctx, "inputs are still pending: %v", err)
		}
	}
	u.broadcastLocked()
	u.unlock(ctx)

	if !forward {
		result.InputMetadata.Release(ctx)
		result.OutputMetadata.Release(ctx)
		return
	}

	u.Sink.IssueResult(ctx, &camera.ClientResult{
		FrameNumber:    result.FrameNumber,
		Buffers:        previewBuffers,
		InputMetadata:  result.InputMetadata.Take(),
		OutputMetadata: result.OutputMetadata.Take(),
	})

	u.lock(ctx)
	defer u.unlock(ctx)
	if len(previewBuffers) > 0 {
		u.pendingPreviews.Mark(result.FrameNumber, true, false)
	}
	if u.pendingPreviews.PopCompleted() > 0 {
		u.broadcastLocked()
	}
}

// deferMetadataLocked keeps a copy of the pipeline metadata of a frame
// that is going to be delivered later. If the buffer of the frame has
// already moved into the request pool, the copy follows it there.
func (u *Usecase) deferMetadataLocked(
	ctx context.Context,
	cr *tracker.CaptureRequest,
	src metadata.Ref,
	isPartial bool,
) {
	h, err := metadata.Acquire(ctx, u.Metadata, u.metadataClientID, cr.FrameNumber)
	if err != nil {
		logger.Errorf(ctx, "unable to get metadata for %s: %v", cr.FrameNumber, err)
		return
	}
	if err := h.CopyFrom(ctx, src); err != nil {
		logger.Errorf(ctx, "unable to copy the metadata of %s: %v", cr.FrameNumber, err)
		h.Release(ctx)
		return
	}

	if cr.PipelineOwnsVideoBuffer {
		dst := &cr.ResultOutputMetadata
		if isPartial {
			dst = &cr.DriverPartialMetadata
		}
		dst.Release(ctx)
		*dst = h
		return
	}

	node := u.findPooledFrameLocked(cr.FrameNumber)
	if node == nil {
		logger.Debugf(ctx, "the buffer of %s is not pooled anymore, dropping its late metadata", cr.FrameNumber)
		h.Release(ctx)
		return
	}
	dst := &node.OutputMetadata
	if isPartial {
		dst = &node.PartialMetadata
	}
	dst.Release(ctx)
	*dst = h
}

// findPooledFrameLocked finds the pool node holding the captured buffer of
// the frame while it still waits to be processed.
func (u *Usecase) findPooledFrameLocked(frameNumber types.FrameNumber) *requestpool.Request {
	var found *requestpool.Request
	for _, q := range []requestpool.QueueID{
		requestpool.QueueIDPreRoll,
		requestpool.QueueIDPostRoll,
		requestpool.QueueIDPendingAcceleratorInput,
	} {
		u.requests.Each(q, func(r *requestpool.Request) bool {
			if r.SourceFrameNumber == frameNumber {
				found = r
				return false
			}
			return true
		})
		if found != nil {
			return found
		}
	}
	return nil
}

// handleVideoBufferLocked takes the internal video buffer back from the
// pipeline and either drops it or moves it into the request pool.
func (u *Usecase) handleVideoBufferLocked(ctx context.Context, cr *tracker.CaptureRequest) {
	if cr.CompletesRecording {
		cr.CompletesRecording = false
		defer u.startProcessingLocked(ctx)
	}
	cr.PipelineOwnsVideoBuffer = false
	img := cr.ImageBuffer
	cr.ImageBuffer = buffer.HandleNil
	if img.IsNil() {
		logger.Errorf(ctx, "%s has no image buffer", cr.FrameNumber)
		return
	}

	if !cr.Destination.IsDestinedForProcessing() {
		logger.Tracef(ctx, "dropping the video of %s", cr.FrameNumber)
		u.releaseImageLocked(ctx, img)
		cr.ResultOutputMetadata.Release(ctx)
		cr.DriverPartialMetadata.Release(ctx)
		return
	}

	node, err := u.requests.Acquire()
	if err != nil {
		logger.Errorf(ctx, "critical: %v; dropping the video of %s", err, cr.FrameNumber)
		u.releaseImageLocked(ctx, img)
		cr.ResultOutputMetadata.Release(ctx)
		cr.DriverPartialMetadata.Release(ctx)
		return
	}
	node.Buffer = img
	node.Timestamp = cr.NotifyTimestamp
	node.SourceFrameNumber = cr.FrameNumber
	node.FrameIndex = uint64(cr.FrameNumber) % uint64(u.tracker.Size())
	node.CaptureRequestNumber = cr.CaptureRequestNumber
	node.IsAcceleratorInput = true
	node.IsEndOfStream = cr.IsEndOfStream
	node.Destination = cr.Destination
	node.OutputMetadata = cr.ResultOutputMetadata.Take()
	node.PartialMetadata = cr.DriverPartialMetadata.Take()

	switch cr.Destination {
	case types.DestinationPreRoll:
		u.requests.PushBack(requestpool.QueueIDPreRoll, node)
		if u.requests.Len(requestpool.QueueIDPreRoll) > int(u.preRoll.NumFrames) {
			u.requests.Release(ctx, u.requests.Front(requestpool.QueueIDPreRoll))
		}
	case types.DestinationAcceleratorInput:
		u.requests.PushBack(requestpool.QueueIDPendingAcceleratorInput, node)
	case types.DestinationPostRoll:
		u.requests.PushBack(requestpool.QueueIDPostRoll, node)
	}
	logger.Tracef(ctx, "pooled %s", node)
}

func (u *Usecase) releaseImageLocked(ctx context.Context, img buffer.Handle) {
	if err := u.Buffers.Release(ctx, img); err != nil {
		logger.Errorf(ctx, "unable to release image buffer %d: %v", img, err)
	}
}

// startProcessingLocked is called once the last frame of the recording is
// back: the pre-roll goes straight to the output and the high-speed frames
// go to the accelerator.
func (u *Usecase) startProcessingLocked(ctx context.Context) {
	if !u.machine.Is(statemachine.StateRecordToProcess) {
		logger.Errorf(ctx, "the recording completed in state %s", u.machine.State())
		return
	}
	u.sendCaptureComplete = true
	u.firstTimestamp = 0
	if head := u.requests.Front(requestpool.QueueIDPendingAcceleratorInput); head != nil {
		u.firstTimestamp = head.Timestamp
	}
	moved := u.requests.MoveAll(requestpool.QueueIDPreRoll, requestpool.QueueIDAcceleratorOutputDone)
	switch tail := u.requests.Back(requestpool.QueueIDPendingAcceleratorInput); {
	case tail == nil:
		// no accelerator output is going to carry the end of stream
		if count := u.requests.MoveAll(requestpool.QueueIDPostRoll, requestpool.QueueIDAcceleratorOutputDone); count > 0 {
			logger.Warnf(ctx, "no high-speed frame was captured; %d post-roll frames go straight out", count)
		}
	case !tail.IsEndOfStream:
		logger.Warnf(ctx, "the last high-speed frame was lost; %s ends the stream instead", tail)
		tail.IsEndOfStream = true
	}
	logger.Infof(ctx, "the recording is complete: %d pre-roll frames, %d high-speed frames, first timestamp %v",
		moved, u.requests.Len(requestpool.QueueIDPendingAcceleratorInput), u.firstTimestamp)

	u.transitionLocked(ctx, statemachine.StateProcess)
	if err := u.queueInputsLocked(ctx); err != nil {
		logger.Warnf(ctx, "unable to queue all the inputs yet: %v", err)
	}
	if u.isFinishedAllProcessingLocked() && u.copiedQueue.IsEmpty() {
		logger.Warnf(ctx, "the recording has nothing to deliver")
		if err := u.resetForNewRecordingLocked(ctx); err != nil {
			errmon.ObserveErrorCtx(ctx, err)
		}
	}
}

// ProcessPartialResult consumes a partial result of the capture pipeline.
// The engine takes over the handle.
func (u *Usecase) ProcessPartialResult(
	ctx context.Context,
	frameNumber types.FrameNumber,
	partial metadata.Handle,
) {
	ctx = belt.WithField(ctx, "frame", uint32(frameNumber))
	logger.Tracef(ctx, "ProcessPartialResult")
	defer logger.Tracef(ctx, "/ProcessPartialResult")

	u.lock(ctx)
	cr := u.tracker.Lookup(frameNumber)
	if cr == nil {
		u.unlock(ctx)
		logger.Errorf(ctx, "partial result for %s which is not in flight", frameNumber)
		partial.Release(ctx)
		return
	}
	forward := cr.IsPreviewLeading
	if cr.Destination.IsDestinedForProcessing() && partial.IsValid() {
		u.deferMetadataLocked(ctx, cr, partial.Ref(), true)
	}
	u.unlock(ctx)

	if !forward {
		partial.Release(ctx)
		return
	}
	u.Sink.IssuePartialResult(ctx, frameNumber, partial.Take())
}

// ProcessShutter records the start of exposure of the frame. Only the
// preview-leading shutters reach the client now; the video ones are
// issued when the output is copied.
func (u *Usecase) ProcessShutter(
	ctx context.Context,
	frameNumber types.FrameNumber,
	timestamp time.Duration,
) {
	ctx = belt.WithField(ctx, "frame", uint32(frameNumber))
	logger.Tracef(ctx, "ProcessShutter(%v)", timestamp)
	defer logger.Tracef(ctx, "/ProcessShutter(%v)", timestamp)

	u.lock(ctx)
	cr := u.tracker.Lookup(frameNumber)
	if cr == nil {
		u.unlock(ctx)
		logger.Errorf(ctx, "shutter for %s which is not in flight", frameNumber)
		return
	}
	cr.NotifyTimestamp = timestamp
	cr.NotifyReceived = true
	forward := cr.IsPreviewLeading
	if forward {
		cr.ShutterIssued = true
	}
	u.unlock(ctx)

	if forward {
		u.Sink.IssueShutter(ctx, frameNumber, timestamp)
	}
}

// ProcessError forwards an error notification of the pipeline, except for
// the buffer errors of the injected video buffer the client never sent.
func (u *Usecase) ProcessError(
	ctx context.Context,
	frameNumber types.FrameNumber,
	kind types.ErrorKind,
	stream types.StreamKind,
) {
	ctx = belt.WithField(ctx, "frame", uint32(frameNumber))
	logger.Debugf(ctx, "ProcessError(%s, %s)", kind, stream)
	defer logger.Debugf(ctx, "/ProcessError(%s, %s)", kind, stream)

	u.lock(ctx)
	swallow := false
	if cr := u.tracker.Lookup(frameNumber); cr != nil {
		swallow = kind == types.ErrorKindBuffer &&
			stream == types.StreamKindVideo &&
			cr.IsPreviewLeading &&
			!cr.HasClientVideoBuffer
	}
	u.unlock(ctx)

	if swallow {
		logger.Debugf(ctx, "ignoring the buffer error of the injected video buffer")
		return
	}
	u.Sink.IssueError(ctx, frameNumber, kind, stream)
}
