// settings.go defines the per-request settings the engine reacts to.

package types

import (
	"github.com/xaionaro-go/typing"
)

// Settings are the request settings relevant to slow-motion capture.
type Settings struct {
	// CaptureStart requests to start a high-speed recording.
	CaptureStart bool

	// InterpolationFactor overrides the accelerator interpolation factor
	// for the next recording.
	InterpolationFactor typing.Optional[uint32]
}
