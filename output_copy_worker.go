// output_copy_worker.go implements the worker matching the interpolated
// outputs with the client video requests.

package slowmo

import (
	"context"
	"time"

	"github.com/xaionaro-go/slowmo/logger"
	"github.com/xaionaro-go/slowmo/metadata"
	"github.com/xaionaro-go/slowmo/requestpool"
	"github.com/xaionaro-go/slowmo/statemachine"
	"github.com/xaionaro-go/slowmo/types"
)

func (u *Usecase) outputCopyLoop(ctx context.Context) {
	logger.Debugf(ctx, "outputCopyLoop")
	defer logger.Debugf(ctx, "/outputCopyLoop")

	u.lock(ctx)
	defer u.unlock(ctx)
	for {
		switch {
		case u.shouldErrorClientVideoLocked():
			cr := u.clientVideoQueue.PopFront()
			logger.Debugf(ctx, "no output is available for %s", cr.FrameNumber)
			u.errorVideoQueue.PushBack(cr)
			u.broadcastLocked()
		case u.shouldCopyInterpolatedOutputLocked():
			u.copyInterpolatedOutputLocked(ctx)
		case u.exitWorkers:
			return
		default:
			if err := u.waitLocked(ctx); err != nil {
				logger.Errorf(ctx, "%v", err)
				return
			}
		}
	}
}

// shouldErrorClientVideoLocked tells whether the video request at the head
// cannot get an output: there is none, the request leads a batch, or
// waiting for an output would stall a preview still missing metadata.
func (u *Usecase) shouldErrorClientVideoLocked() bool {
	cr := u.clientVideoQueue.Front()
	if cr == nil {
		return false
	}
	if u.requests.Len(requestpool.QueueIDAcceleratorOutputDone) == 0 {
		return true
	}
	if cr.IsPreviewLeading {
		return true
	}
	preview, ok := u.pendingPreviews.FirstWithoutMetadata()
	if !ok {
		return false
	}
	return cr.FrameNumber < preview.FrameNumber+types.FrameNumber(u.Config.BatchSize())
}

func (u *Usecase) shouldCopyInterpolatedOutputLocked() bool {
	return u.requests.Len(requestpool.QueueIDAcceleratorOutputDone) > 0 &&
		!u.clientVideoQueue.IsEmpty()
}

// isFinishedAllProcessingLocked is true when no more output of the
// current recording is going to appear.
func (u *Usecase) isFinishedAllProcessingLocked() bool {
	return u.machine.Is(statemachine.StateProcess) &&
		u.requests.Len(requestpool.QueueIDAcceleratorOutputDone) == 0 &&
		u.requests.Len(requestpool.QueueIDAcceleratorInputInFlight) == 0 &&
		u.requests.Len(requestpool.QueueIDPendingAcceleratorInput) == 0 &&
		u.requests.Len(requestpool.QueueIDPostRoll) == 0
}

// copyInterpolatedOutputLocked retimes the oldest output, announces it and
// copies it into the buffer of the oldest client video request.
func (u *Usecase) copyInterpolatedOutputLocked(ctx context.Context) {
	node := u.requests.PopFront(requestpool.QueueIDAcceleratorOutputDone)
	cr := u.clientVideoQueue.PopFront()

	isLast := u.isFinishedAllProcessingLocked()
	captureComplete := u.sendCaptureComplete
	u.sendCaptureComplete = false

	if cr.IsPreviewLeading {
		logger.Errorf(ctx, "copying an output into the preview-leading %s", cr.FrameNumber)
	}

	node.Timestamp = u.firstTimestamp + time.Duration(u.buffersReturned)*u.Config.FramePeriod()
	u.buffersReturned++
	node.ResultFrameNumber = cr.FrameNumber
	cr.ShutterIssued = true

	frameNumber := cr.FrameNumber
	timestamp := node.Timestamp
	src, dst := node.Buffer, cr.ClientVideoBuffer.Handle
	partial := node.PartialMetadata.Take()
	output := node.OutputMetadata.Take()

	var err error
	u.unlocked(ctx, func() {
		u.Sink.IssueShutter(ctx, frameNumber, timestamp)
		u.issueGeneratedPartialResult(ctx, frameNumber, timestamp, partial)
		output, err = u.prepareOutputMetadata(ctx, frameNumber, timestamp, output)
		if err == nil {
			err = u.Buffers.CopyBuffer(ctx, src, dst)
		}
		if err != nil {
			logger.Errorf(ctx, "unable to deliver the output of %s to %s: %v", node.SourceFrameNumber, frameNumber, err)
			return
		}
		logger.Tracef(ctx, "copied the output of %s into %s at %v", node.SourceFrameNumber, frameNumber, timestamp)
		if captureComplete {
			setTag(ctx, &output, metadata.TagCaptureComplete, true)
		}
		if isLast {
			logger.Infof(ctx, "processing the last output of the recording")
			setTag(ctx, &output, metadata.TagProcessingComplete, true)
		}
	})

	u.requests.Release(ctx, node)
	if err != nil {
		output.Release(ctx)
		u.errorVideoQueue.PushBack(cr)
	} else {
		cr.OutputMetadata.Release(ctx)
		cr.OutputMetadata = output
		u.copiedQueue.PushBack(cr)
	}
	u.broadcastLocked()
}

// issueGeneratedPartialResult sends the deferred partial metadata of the
// output, retimed; the handle is consumed.
func (u *Usecase) issueGeneratedPartialResult(
	ctx context.Context,
	frameNumber types.FrameNumber,
	timestamp time.Duration,
	partial metadata.Handle,
) {
	if !partial.IsValid() {
		var err error
		partial, err = metadata.Acquire(ctx, u.Metadata, u.metadataClientID, frameNumber)
		if err != nil {
			logger.Errorf(ctx, "unable to get partial metadata for %s: %v", frameNumber, err)
			return
		}
	}
	setTag(ctx, &partial, metadata.TagSensorTimestamp, timestamp)
	u.Sink.IssuePartialResult(ctx, frameNumber, partial.Take())
}

func (u *Usecase) prepareOutputMetadata(
	ctx context.Context,
	frameNumber types.FrameNumber,
	timestamp time.Duration,
	output metadata.Handle,
) (metadata.Handle, error) {
	if !output.IsValid() {
		var err error
		output, err = metadata.Acquire(ctx, u.Metadata, u.metadataClientID, frameNumber)
		if err != nil {
			return metadata.Handle{}, types.ErrBufferExhausted{Err: err}
		}
	}
	if err := output.SetTag(ctx, metadata.TagSensorTimestamp, timestamp); err != nil {
		output.Release(ctx)
		return metadata.Handle{}, err
	}
	return output, nil
}

func setTag(ctx context.Context, h *metadata.Handle, tag metadata.Tag, value any) {
	if err := h.SetTag(ctx, tag, value); err != nil {
		logger.Errorf(ctx, "unable to set %s: %v", tag, err)
	}
}
