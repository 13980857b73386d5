// metadata.go defines the metadata store contract consumed by the engine.

// Package metadata describes the reference-counted metadata store the
// slow-motion engine attaches to capture results, and a move-only handle
// that owns one reference.
package metadata

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/slowmo/types"
)

// Ref identifies one metadata object inside a Store. The zero value is
// "no metadata".
type Ref uint64

const RefNil = Ref(0)

func (r Ref) IsNil() bool {
	return r == RefNil
}

type ClientID uint32

// Tag is a key inside a metadata object.
type Tag int

const (
	TagUndefined = Tag(iota)
	TagSensorTimestamp
	TagCaptureStart
	TagCaptureComplete
	TagProcessingComplete
	TagInterpolationFactor
	EndOfTag
)

func (t Tag) String() string {
	switch t {
	case TagUndefined:
		return "undefined"
	case TagSensorTimestamp:
		return "sensor-timestamp"
	case TagCaptureStart:
		return "capture-start"
	case TagCaptureComplete:
		return "capture-complete"
	case TagProcessingComplete:
		return "processing-complete"
	case TagInterpolationFactor:
		return "interpolation-factor"
	default:
		return fmt.Sprintf("unknown_tag_%d", int(t))
	}
}

// Store is a reference-counted metadata pool. Every Ref returned by Get
// or passed to AddReference must eventually be passed to Release.
type Store interface {
	RegisterClient(ctx context.Context) (ClientID, error)
	UnregisterClient(ctx context.Context, clientID ClientID) error
	Get(ctx context.Context, clientID ClientID, frameNumber types.FrameNumber) (Ref, error)
	AddReference(ctx context.Context, ref Ref) error
	Release(ctx context.Context, ref Ref) error
	Copy(ctx context.Context, dst, src Ref) error
	SetTag(ctx context.Context, ref Ref, tag Tag, value any) error
	GetTag(ctx context.Context, ref Ref, tag Tag) (any, bool, error)
}

type ErrUnknownRef struct {
	Ref Ref
}

func (e ErrUnknownRef) Error() string {
	return fmt.Sprintf("unknown metadata reference %d", uint64(e.Ref))
}

type ErrUnknownClient struct {
	ClientID ClientID
}

func (e ErrUnknownClient) Error() string {
	return fmt.Sprintf("unknown metadata client %d", uint32(e.ClientID))
}
