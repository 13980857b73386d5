// recorder.go implements a ResultSink remembering everything it got.

package camera

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-ng/xatomic"
	"github.com/xaionaro-go/slowmo/buffer"
	"github.com/xaionaro-go/slowmo/metadata"
	"github.com/xaionaro-go/slowmo/types"
	"github.com/xaionaro-go/xsync"
)

type EventKind int

const (
	EventKindUndefined = EventKind(iota)
	EventKindShutter
	EventKindResult
	EventKindPartialResult
	EventKindError
)

func (k EventKind) String() string {
	switch k {
	case EventKindUndefined:
		return "undefined"
	case EventKindShutter:
		return "shutter"
	case EventKindResult:
		return "result"
	case EventKindPartialResult:
		return "partial"
	case EventKindError:
		return "error"
	default:
		return fmt.Sprintf("unknown_event_kind_%d", int(k))
	}
}

// Event is one call received by the Recorder. Tags holds the values of the
// tags of the output (or partial) metadata at the time of the call.
type Event struct {
	Kind        EventKind
	FrameNumber types.FrameNumber
	Timestamp   time.Duration
	Buffers     []buffer.StreamBuffer
	ErrorKind   types.ErrorKind
	Stream      types.StreamKind
	Tags        map[metadata.Tag]any
	HasInput    bool
	HasOutput   bool
}

// Recorder is a ResultSink that records the calls and releases the
// metadata it is handed.
type Recorder struct {
	locker     xsync.Mutex
	events     []Event
	changeChan *chan struct{}
}

var _ ResultSink = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{
		changeChan: ptr(make(chan struct{})),
	}
}

func ptr[T any](v T) *T {
	return &v
}

func (r *Recorder) append(ctx context.Context, ev Event) {
	r.locker.Do(xsync.WithNoLogging(ctx, true), func() {
		r.events = append(r.events, ev)
		close(*xatomic.SwapPointer(&r.changeChan, ptr(make(chan struct{}))))
	})
}

func snapshotTags(ctx context.Context, h *metadata.Handle) map[metadata.Tag]any {
	if !h.IsValid() {
		return nil
	}
	result := map[metadata.Tag]any{}
	for tag := metadata.TagUndefined + 1; tag < metadata.EndOfTag; tag++ {
		v, ok, err := h.Store().GetTag(ctx, h.Ref(), tag)
		if err != nil || !ok {
			continue
		}
		result[tag] = v
	}
	return result
}

func (r *Recorder) IssueShutter(ctx context.Context, frameNumber types.FrameNumber, timestamp time.Duration) {
	r.append(ctx, Event{Kind: EventKindShutter, FrameNumber: frameNumber, Timestamp: timestamp})
}

func (r *Recorder) IssueResult(ctx context.Context, result *ClientResult) {
	ev := Event{
		Kind:        EventKindResult,
		FrameNumber: result.FrameNumber,
		Buffers:     slices.Clone(result.Buffers),
		Tags:        snapshotTags(ctx, &result.OutputMetadata),
		HasInput:    result.InputMetadata.IsValid(),
		HasOutput:   result.OutputMetadata.IsValid(),
	}
	result.InputMetadata.Release(ctx)
	result.OutputMetadata.Release(ctx)
	r.append(ctx, ev)
}

func (r *Recorder) IssuePartialResult(ctx context.Context, frameNumber types.FrameNumber, partial metadata.Handle) {
	ev := Event{
		Kind:        EventKindPartialResult,
		FrameNumber: frameNumber,
		Tags:        snapshotTags(ctx, &partial),
		HasOutput:   partial.IsValid(),
	}
	partial.Release(ctx)
	r.append(ctx, ev)
}

func (r *Recorder) IssueError(ctx context.Context, frameNumber types.FrameNumber, kind types.ErrorKind, stream types.StreamKind) {
	r.append(ctx, Event{Kind: EventKindError, FrameNumber: frameNumber, ErrorKind: kind, Stream: stream})
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events(ctx context.Context) []Event {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &r.locker, func() []Event {
		return slices.Clone(r.events)
	})
}

// WaitFor blocks until cond is satisfied by the recorded events.
func (r *Recorder) WaitFor(ctx context.Context, cond func([]Event) bool) error {
	for {
		ch := *xatomic.LoadPointer(&r.changeChan)
		if cond(r.Events(ctx)) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Filter returns the events of the given kind.
func Filter(events []Event, kind EventKind) []Event {
	var result []Event
	for _, ev := range events {
		if ev.Kind == kind {
			result = append(result, ev)
		}
	}
	return result
}

// VideoResults returns the results carrying a video buffer.
func VideoResults(events []Event) []Event {
	var result []Event
	for _, ev := range Filter(events, EventKindResult) {
		for _, b := range ev.Buffers {
			if b.Stream == types.StreamKindVideo {
				result = append(result, ev)
				break
			}
		}
	}
	return result
}
