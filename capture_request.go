// capture_request.go implements the submission of client requests: batch
// expansion, routing and the hand-off to the capture pipeline.

package slowmo

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt"
	"github.com/xaionaro-go/slowmo/buffer"
	"github.com/xaionaro-go/slowmo/camera"
	"github.com/xaionaro-go/slowmo/logger"
	"github.com/xaionaro-go/slowmo/statemachine"
	"github.com/xaionaro-go/slowmo/tracker"
	"github.com/xaionaro-go/slowmo/types"
)

// SubmitRequest admits a client request. The request leading a batch is
// expanded into BatchSize pipeline requests; the other requests of the
// batch only hand over their video buffer.
func (u *Usecase) SubmitRequest(
	ctx context.Context,
	req *camera.ClientRequest,
) (_err error) {
	if req == nil {
		return types.ErrInvalidArgument{Reason: "nil request"}
	}
	ctx = belt.WithField(ctx, "frame", uint32(req.FrameNumber))
	logger.Debugf(ctx, "SubmitRequest")
	defer func() { logger.Debugf(ctx, "/SubmitRequest: %v", _err) }()

	if err := validateSettings(req.Settings); err != nil {
		return err
	}

	u.lock(ctx)
	defer u.unlock(ctx)

	if u.machine.Is(statemachine.StateDestroy) {
		return types.ErrInvalidState{State: u.machine.State()}
	}
	if err := u.validator.ValidateAndUpdate(req.FrameNumber, req.Buffers); err != nil {
		return err
	}
	isFirst := u.validator.IsFirstRequestInBatch(req.FrameNumber, req.Buffers)
	preview, video := tracker.FindBuffers(req.Buffers)
	if video != nil {
		u.clientCounters.VideoQueued.Inc()
	}
	if preview != nil {
		u.clientCounters.PreviewQueued.Inc()
	}

	if !isFirst {
		return u.acceptClientVideoLocked(ctx, req.FrameNumber, video)
	}

	if err := u.setInterpolationFactorIfAllowedLocked(ctx, req.Settings); err != nil {
		return fmt.Errorf("unable to apply the interpolation factor: %w", err)
	}
	if err := u.waitUntilLocked(ctx, 0, func() bool { return !u.flushingOrSendingBatch }); err != nil {
		return fmt.Errorf("interrupted while waiting for a flush: %w", err)
	}
	u.flushingOrSendingBatch = true
	defer func() {
		u.flushingOrSendingBatch = false
		u.broadcastLocked()
	}()

	// the state may have changed while waiting; the recording starts with
	// the batch that is sent right below
	if req.Settings != nil && req.Settings.CaptureStart && u.machine.Is(statemachine.StateBypass) {
		logger.Infof(ctx, "starting a recording")
		u.transitionLocked(ctx, statemachine.StateRecord)
	}
	return u.sendBatchLocked(ctx, req, preview, video)
}

func validateSettings(settings *types.Settings) error {
	if settings == nil || !settings.InterpolationFactor.IsSet() {
		return nil
	}
	factor := settings.InterpolationFactor.Get()
	if factor < MinInterpolationFactor || factor > MaxInterpolationFactor {
		return types.ErrInvalidArgument{
			Reason: fmt.Sprintf("interpolation factor %d is not within [%d, %d]", factor, MinInterpolationFactor, MaxInterpolationFactor),
		}
	}
	return nil
}

// acceptClientVideoLocked parks the video buffer of a non-leading request
// on the slot its batch already issued.
func (u *Usecase) acceptClientVideoLocked(
	ctx context.Context,
	frameNumber types.FrameNumber,
	video *buffer.StreamBuffer,
) error {
	cr := u.tracker.Lookup(frameNumber)
	if cr == nil {
		return types.ErrInvalidArgument{
			Reason: fmt.Sprintf("%s does not belong to a batch that was started", frameNumber),
		}
	}
	if cr.HasClientVideoBuffer {
		return types.ErrInvalidArgument{
			Reason: fmt.Sprintf("%s already has a video buffer", frameNumber),
		}
	}
	if err := u.attachClientVideoLocked(ctx, cr, video); err != nil {
		return err
	}
	u.clientVideoQueue.PushBack(cr)
	u.broadcastLocked()
	return nil
}

func (u *Usecase) attachClientVideoLocked(
	ctx context.Context,
	cr *tracker.CaptureRequest,
	video *buffer.StreamBuffer,
) error {
	inputMetadata, err := u.commonInputMetadata.Clone(ctx)
	if err != nil {
		return fmt.Errorf("unable to reference the common input metadata: %w", err)
	}
	cr.InputMetadata.Release(ctx)
	cr.InputMetadata = inputMetadata
	cr.HasClientVideoBuffer = true
	cr.ClientVideoBuffer = *video
	return nil
}

// sendBatchLocked generates the whole batch for the capture pipeline.
// Every generated request carries an internal video buffer; the leading
// one also carries the client preview buffer.
func (u *Usecase) sendBatchLocked(
	ctx context.Context,
	req *camera.ClientRequest,
	preview *buffer.StreamBuffer,
	video *buffer.StreamBuffer,
) error {
	batchSize := u.Config.BatchSize()
	for idx := range batchSize {
		frameNumber := req.FrameNumber + types.FrameNumber(idx)
		isLeading := idx == 0

		cr, err := u.issueSlotLocked(ctx, frameNumber)
		if err != nil {
			return err
		}
		cr.CaptureRequestNumber = u.captureRequestCount
		cr.StateAtCapture = u.machine.State()
		cr.Destination = types.DestinationDrop

		var img buffer.Handle
		u.unlocked(ctx, func() {
			img, err = u.Buffers.GetBuffer(ctx)
		})
		if err != nil {
			u.tracker.Reset(cr)
			return types.ErrBufferExhausted{Err: err}
		}
		cr.ImageBuffer = img
		cr.PipelineOwnsVideoBuffer = true

		videoRejected := false
		if isLeading && video != nil {
			if err := u.attachClientVideoLocked(ctx, cr, video); err != nil {
				logger.Errorf(ctx, "unable to accept the video buffer of %s: %v", frameNumber, err)
				cr.HasClientVideoBuffer = true
				cr.ClientVideoBuffer = *video
				u.errorVideoQueue.PushBack(cr)
				videoRejected = true
			}
		}

		u.decideDestinationLocked(ctx, cr)

		pipelineReq := &camera.PipelineRequest{
			FrameNumber: frameNumber,
			Buffers: []buffer.StreamBuffer{{
				Stream: types.StreamKindVideo,
				Handle: img,
			}},
		}
		if isLeading {
			cr.IsPreviewLeading = true
			pipelineReq.Buffers = append(pipelineReq.Buffers, *preview)
			pipelineReq.Settings = req.Settings
			u.pipelineCounters.PreviewQueued.Inc()
			u.pendingPreviews.Append(frameNumber)
		}
		u.pipelineCounters.VideoQueued.Inc()
		u.captureRequestCount++
		u.pipelineCounters.CaptureRequestCount.Store(u.captureRequestCount)
		if cr.HasClientVideoBuffer && !videoRejected {
			u.clientVideoQueue.PushBack(cr)
		}
		logger.Tracef(ctx, "generated %s -> %s (eos:%t)", frameNumber, cr.Destination, cr.IsEndOfStream)
		u.broadcastLocked()

		u.unlocked(ctx, func() {
			err = u.Pipeline.SubmitRequest(ctx, pipelineReq)
		})
		if err != nil {
			u.failPipelineRequestLocked(ctx, cr)
			return fmt.Errorf("unable to submit %s to the capture pipeline: %w", frameNumber, err)
		}
	}
	return nil
}

// issueSlotLocked claims the tracker slot of the frame, waiting for its
// previous occupant to retire.
func (u *Usecase) issueSlotLocked(
	ctx context.Context,
	frameNumber types.FrameNumber,
) (*tracker.CaptureRequest, error) {
	var (
		cr       *tracker.CaptureRequest
		issueErr error
	)
	err := u.waitUntilLocked(ctx, u.Config.PipelineDrainTimeout, func() bool {
		cr, issueErr = u.tracker.Issue(frameNumber)
		return issueErr == nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", issueErr, err)
	}
	return cr, nil
}

// decideDestinationLocked routes the next captured frame according to the
// state of the recording; it also advances the recording counters.
func (u *Usecase) decideDestinationLocked(ctx context.Context, cr *tracker.CaptureRequest) {
	cr.Destination = types.DestinationDrop
	cr.IsEndOfStream = false
	cr.CompletesRecording = false

	switch u.machine.State() {
	case statemachine.StateBypass:
		if u.preRoll.Admits(u.captureRequestCount) {
			cr.Destination = types.DestinationPreRoll
		}
	case statemachine.StateRecord:
		if u.framesCaptured < u.Config.MaxHighSpeedFrames {
			u.framesCaptured++
			cr.Destination = types.DestinationAcceleratorInput
			if u.framesCaptured < u.Config.MaxHighSpeedFrames {
				return
			}
			cr.IsEndOfStream = true
			u.lastHighSpeedCaptureRequest = u.captureRequestCount
			if u.postRoll.Config.IsEnabled() {
				logger.Debugf(ctx, "captured %d high-speed frames, starting the post-roll", u.framesCaptured)
				return
			}
			u.transitionLocked(ctx, statemachine.StateRecordToProcess)
			cr.CompletesRecording = true
			return
		}
		admitted, eos := u.postRoll.Admit(u.captureRequestCount, u.lastHighSpeedCaptureRequest)
		if !admitted {
			return
		}
		cr.Destination = types.DestinationPostRoll
		if eos {
			logger.Debugf(ctx, "captured %d post-roll frames", u.postRoll.Count())
			u.transitionLocked(ctx, statemachine.StateRecordToProcess)
			cr.IsEndOfStream = true
			cr.CompletesRecording = true
		}
	}
}

// failPipelineRequestLocked undoes what the pipeline was supposed to do
// with a request it refused.
func (u *Usecase) failPipelineRequestLocked(ctx context.Context, cr *tracker.CaptureRequest) {
	logger.Errorf(ctx, "the capture pipeline refused %s", cr)
	cr.PipelineOwnsVideoBuffer = false
	if !cr.ImageBuffer.IsNil() {
		if err := u.Buffers.Release(ctx, cr.ImageBuffer); err != nil {
			logger.Errorf(ctx, "unable to release the image buffer of %s: %v", cr.FrameNumber, err)
		}
		cr.ImageBuffer = buffer.HandleNil
	}
	if cr.CompletesRecording {
		cr.CompletesRecording = false
		u.handOverRecordingCompletionLocked(ctx, cr.FrameNumber)
	}
	if cr.IsPreviewLeading {
		u.pendingPreviews.Mark(cr.FrameNumber, true, true)
		u.pendingPreviews.PopCompleted()
		u.clientCounters.PreviewErrors.Inc()
	}
	frameNumber := cr.FrameNumber
	u.broadcastLocked()
	u.unlocked(ctx, func() {
		u.Sink.IssueError(ctx, frameNumber, types.ErrorKindRequest, types.StreamKindUndefined)
	})
}

// handOverRecordingCompletionLocked moves the end of the capture phase to
// the latest earlier frame still at the pipeline; without one, every
// captured frame is already pooled and processing starts now.
func (u *Usecase) handOverRecordingCompletionLocked(ctx context.Context, lost types.FrameNumber) {
	var heir *tracker.CaptureRequest
	u.tracker.Each(func(cr *tracker.CaptureRequest) bool {
		if !cr.PipelineOwnsVideoBuffer || !cr.Destination.IsDestinedForProcessing() || cr.FrameNumber >= lost {
			return true
		}
		if heir == nil || cr.FrameNumber > heir.FrameNumber {
			heir = cr
		}
		return true
	})
	if heir != nil {
		logger.Warnf(ctx, "the recording now completes with %s instead of %s", heir.FrameNumber, lost)
		heir.CompletesRecording = true
		return
	}
	logger.Warnf(ctx, "the recording completes without %s", lost)
	u.startProcessingLocked(ctx)
}
