package tracker

import (
	"github.com/xaionaro-go/slowmo/types"
)

// PendingPreview is a preview-leading request that has not yet got both
// its buffer and its metadata back.
type PendingPreview struct {
	FrameNumber      types.FrameNumber
	BufferReceived   bool
	MetadataReceived bool
}

func (p PendingPreview) IsComplete() bool {
	return p.BufferReceived && p.MetadataReceived
}

// PendingPreviewQueue keeps the outstanding preview-leading requests in
// arrival order.
type PendingPreviewQueue struct {
	items []PendingPreview
}

func (q *PendingPreviewQueue) Append(frameNumber types.FrameNumber) {
	q.items = append(q.items, PendingPreview{FrameNumber: frameNumber})
}

// Mark records what was received for the frame; false if the frame is
// not pending.
func (q *PendingPreviewQueue) Mark(
	frameNumber types.FrameNumber,
	bufferReceived bool,
	metadataReceived bool,
) bool {
	for idx := range q.items {
		item := &q.items[idx]
		if item.FrameNumber != frameNumber {
			continue
		}
		item.BufferReceived = item.BufferReceived || bufferReceived
		item.MetadataReceived = item.MetadataReceived || metadataReceived
		return true
	}
	return false
}

// PopCompleted removes the completed requests from the head and returns
// how many were removed.
func (q *PendingPreviewQueue) PopCompleted() int {
	count := 0
	for len(q.items) > 0 && q.items[0].IsComplete() {
		q.items = q.items[1:]
		count++
	}
	return count
}

func (q *PendingPreviewQueue) Front() (PendingPreview, bool) {
	if len(q.items) == 0 {
		return PendingPreview{}, false
	}
	return q.items[0], true
}

// FirstWithoutMetadata returns the oldest request still waiting for its
// metadata.
func (q *PendingPreviewQueue) FirstWithoutMetadata() (PendingPreview, bool) {
	for _, item := range q.items {
		if !item.MetadataReceived {
			return item, true
		}
	}
	return PendingPreview{}, false
}

func (q *PendingPreviewQueue) Len() int {
	return len(q.items)
}

func (q *PendingPreviewQueue) Clear() {
	q.items = nil
}
