// stream_kind.go defines the client sub-streams of a slow-motion session.

package types

import (
	"fmt"
)

type StreamKind int

const (
	StreamKindUndefined = StreamKind(iota)
	StreamKindPreview
	StreamKindVideo
)

func (k StreamKind) String() string {
	switch k {
	case StreamKindUndefined:
		return "undefined"
	case StreamKindPreview:
		return "preview"
	case StreamKindVideo:
		return "video"
	default:
		return fmt.Sprintf("unknown_stream_kind_%d", int(k))
	}
}
