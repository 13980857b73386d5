// frame_number.go defines the client-visible frame number.

package types

import (
	"fmt"
)

// FrameNumber is the client-visible sequence number of a capture request.
type FrameNumber uint32

func (n FrameNumber) String() string {
	return fmt.Sprintf("#%d", uint32(n))
}
