// capture_request.go defines the per-frame record of the tracker.

package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/xaionaro-go/slowmo/buffer"
	"github.com/xaionaro-go/slowmo/logger"
	"github.com/xaionaro-go/slowmo/metadata"
	"github.com/xaionaro-go/slowmo/statemachine"
	"github.com/xaionaro-go/slowmo/types"
)

// CaptureRequest correlates a client frame with the internal buffer and
// metadata used to produce it.
type CaptureRequest struct {
	FrameNumber          types.FrameNumber
	CaptureRequestNumber uint64
	IsPreviewLeading     bool
	StateAtCapture       statemachine.State
	Destination          types.Destination
	IsEndOfStream        bool

	// CompletesRecording marks the frame whose return ends the capture
	// phase of the recording.
	CompletesRecording bool

	// ImageBuffer is the internal buffer the capture pipeline fills.
	ImageBuffer             buffer.Handle
	PipelineOwnsVideoBuffer bool

	HasClientVideoBuffer bool
	ClientVideoBuffer    buffer.StreamBuffer

	NotifyReceived   bool
	NotifyTimestamp  time.Duration
	MetadataReceived bool
	ShutterIssued    bool
	IssuedVideoError bool

	InputMetadata  metadata.Handle
	OutputMetadata metadata.Handle

	// ResultOutputMetadata defers the pipeline metadata of a frame until
	// its buffer moves into the request pool.
	ResultOutputMetadata  metadata.Handle
	DriverPartialMetadata metadata.Handle

	issued bool
	queued int
}

func (cr *CaptureRequest) String() string {
	return fmt.Sprintf(
		"capture{%s, leading:%t, dst:%s, state:%s, clientVideo:%t, pipelineOwns:%t}",
		cr.FrameNumber, cr.IsPreviewLeading, cr.Destination, cr.StateAtCapture,
		cr.HasClientVideoBuffer, cr.PipelineOwnsVideoBuffer,
	)
}

// IsRetired returns true if nothing refers to the record anymore, so the
// slot may be given to another frame.
func (cr *CaptureRequest) IsRetired() bool {
	if cr.queued != 0 {
		return false
	}
	return !cr.issued || (!cr.PipelineOwnsVideoBuffer &&
		!cr.HasClientVideoBuffer &&
		cr.ImageBuffer.IsNil() &&
		!cr.InputMetadata.IsValid() &&
		!cr.OutputMetadata.IsValid() &&
		!cr.ResultOutputMetadata.IsValid() &&
		!cr.DriverPartialMetadata.IsValid())
}

// ReleaseMetadata drops every metadata reference the record still owns.
func (cr *CaptureRequest) ReleaseMetadata(ctx context.Context) {
	cr.InputMetadata.Release(ctx)
	cr.OutputMetadata.Release(ctx)
	cr.ResultOutputMetadata.Release(ctx)
	cr.DriverPartialMetadata.Release(ctx)
}

// Retire releases what is left and marks the slot as free for reuse.
func (cr *CaptureRequest) Retire(ctx context.Context, buffers buffer.Pool) {
	if !cr.ImageBuffer.IsNil() && !cr.PipelineOwnsVideoBuffer && buffers != nil {
		if err := buffers.Release(ctx, cr.ImageBuffer); err != nil {
			logger.Errorf(ctx, "unable to release the image buffer of %s: %v", cr.FrameNumber, err)
		}
		cr.ImageBuffer = buffer.HandleNil
	}
	cr.ReleaseMetadata(ctx)
	cr.HasClientVideoBuffer = false
	cr.ClientVideoBuffer = buffer.StreamBuffer{}
	if cr.PipelineOwnsVideoBuffer {
		logger.Warnf(ctx, "retiring %s while the pipeline still owns its buffer", cr.FrameNumber)
		return
	}
	cr.issued = false
}

func (cr *CaptureRequest) reset(frameNumber types.FrameNumber) {
	*cr = CaptureRequest{
		FrameNumber: frameNumber,
		issued:      true,
	}
}
