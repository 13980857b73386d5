package tracker

import (
	"fmt"

	"github.com/xaionaro-go/slowmo/buffer"
	"github.com/xaionaro-go/slowmo/types"
)

const maxBuffersPerRequest = 2

// Validator checks the shape of client requests within a batch: the
// leading request carries the preview buffer, the others carry only the
// video buffer.
type Validator struct {
	BatchSize uint32

	captureRequestCount uint64
	firstRequestSeen    bool
	firstRequestModulo  uint32
}

func NewValidator(batchSize uint32) *Validator {
	return &Validator{BatchSize: batchSize}
}

func FindBuffers(buffers []buffer.StreamBuffer) (preview, video *buffer.StreamBuffer) {
	for idx := range buffers {
		b := &buffers[idx]
		switch b.Stream {
		case types.StreamKindPreview:
			preview = b
		case types.StreamKindVideo:
			video = b
		}
	}
	return
}

// ValidateAndUpdate checks the request and, if it is valid, accounts it.
func (v *Validator) ValidateAndUpdate(
	frameNumber types.FrameNumber,
	buffers []buffer.StreamBuffer,
) error {
	if len(buffers) > maxBuffersPerRequest {
		return types.ErrInvalidArgument{
			Reason: fmt.Sprintf("request %s has %d buffers", frameNumber, len(buffers)),
		}
	}
	preview, video := FindBuffers(buffers)
	if v.captureRequestCount%uint64(v.BatchSize) == 0 {
		if preview == nil {
			return types.ErrInvalidArgument{
				Reason: fmt.Sprintf("leading request %s lacks the preview buffer", frameNumber),
			}
		}
	} else {
		if video == nil || preview != nil {
			return types.ErrInvalidArgument{
				Reason: fmt.Sprintf("non-leading request %s must carry only the video buffer", frameNumber),
			}
		}
	}

	v.captureRequestCount++
	if !v.firstRequestSeen {
		v.firstRequestSeen = true
		v.firstRequestModulo = uint32(frameNumber) % v.BatchSize
	}
	return nil
}

// IsFirstRequestInBatch returns true for the request leading a batch.
func (v *Validator) IsFirstRequestInBatch(
	frameNumber types.FrameNumber,
	buffers []buffer.StreamBuffer,
) bool {
	preview, _ := FindBuffers(buffers)
	if preview == nil {
		return false
	}
	if !v.firstRequestSeen {
		return true
	}
	return uint32(frameNumber)%v.BatchSize == v.firstRequestModulo
}
