// request.go defines the element of the request pool.

package requestpool

import (
	"fmt"
	"time"

	"github.com/xaionaro-go/slowmo/buffer"
	"github.com/xaionaro-go/slowmo/metadata"
	"github.com/xaionaro-go/slowmo/types"
)

// ID is the stable identity of a Request: its index in the arena. It is
// also the buffer id reported to the accelerator.
type ID int32

const idNone = ID(-1)

// Request carries one image buffer through the stages of the pipeline.
type Request struct {
	ID                   ID
	Buffer               buffer.Handle
	Timestamp            time.Duration
	IsAcceleratorInput   bool
	Destination          types.Destination
	IsEndOfStream        bool
	OutputMetadata       metadata.Handle
	PartialMetadata      metadata.Handle
	SourceFrameNumber    types.FrameNumber
	ResultFrameNumber    types.FrameNumber
	FrameIndex           uint64
	CaptureRequestNumber uint64
	OwnedByAccelerator   bool

	queueID QueueID
	prev    ID
	next    ID
}

// QueueID returns the queue currently holding the request.
func (r *Request) QueueID() QueueID {
	return r.queueID
}

func (r *Request) String() string {
	return fmt.Sprintf(
		"request{id:%d, queue:%s, dst:%s, src:%s, res:%s, ts:%v, eos:%t, acc:%t}",
		r.ID, r.queueID, r.Destination, r.SourceFrameNumber, r.ResultFrameNumber,
		r.Timestamp, r.IsEndOfStream, r.OwnedByAccelerator,
	)
}

func (r *Request) reset() {
	*r = Request{
		ID:      r.ID,
		queueID: r.queueID,
		prev:    r.prev,
		next:    r.next,
	}
}
