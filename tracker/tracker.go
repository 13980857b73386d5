// Package tracker keeps the per-frame state of the capture requests that
// are in flight.
//
// Nothing here is safe for concurrent use: the owner serializes access.
package tracker

import (
	"github.com/xaionaro-go/slowmo/types"
)

// Tracker is a ring of CaptureRequest records indexed by frame number
// modulo its size.
type Tracker struct {
	slots []CaptureRequest
}

func New(size int) *Tracker {
	return &Tracker{
		slots: make([]CaptureRequest, size),
	}
}

func (t *Tracker) Size() int {
	return len(t.slots)
}

// Track returns the slot of the frame. It does not check who occupies it.
func (t *Tracker) Track(frameNumber types.FrameNumber) *CaptureRequest {
	return &t.slots[int(frameNumber)%len(t.slots)]
}

// Issue claims the slot of the frame for a new request and resets it.
// It refuses to do so while the previous occupant is not retired.
func (t *Tracker) Issue(frameNumber types.FrameNumber) (*CaptureRequest, error) {
	cr := t.Track(frameNumber)
	if !cr.IsRetired() {
		return nil, types.ErrSlotNotRetired{
			FrameNumber:         frameNumber,
			PreviousFrameNumber: cr.FrameNumber,
		}
	}
	cr.reset(frameNumber)
	return cr, nil
}

// Lookup returns the slot only if it is issued to the frame.
func (t *Tracker) Lookup(frameNumber types.FrameNumber) *CaptureRequest {
	cr := t.Track(frameNumber)
	if !cr.issued || cr.FrameNumber != frameNumber {
		return nil
	}
	return cr
}

// Reset zero-initializes the slot and marks it as not issued.
func (t *Tracker) Reset(cr *CaptureRequest) {
	*cr = CaptureRequest{}
}

// Each iterates over the issued slots.
func (t *Tracker) Each(fn func(*CaptureRequest) bool) {
	for idx := range t.slots {
		cr := &t.slots[idx]
		if !cr.issued {
			continue
		}
		if !fn(cr) {
			return
		}
	}
}
