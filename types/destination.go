// destination.go defines where a captured video buffer is routed to.

package types

import (
	"fmt"
)

// Destination is the routing decision made for a captured video buffer.
type Destination int

const (
	DestinationUndefined = Destination(iota)
	DestinationDrop
	DestinationPreRoll
	DestinationAcceleratorInput
	DestinationPostRoll
	EndOfDestination
)

func (d Destination) String() string {
	switch d {
	case DestinationUndefined:
		return "undefined"
	case DestinationDrop:
		return "drop"
	case DestinationPreRoll:
		return "pre-roll"
	case DestinationAcceleratorInput:
		return "accelerator-input"
	case DestinationPostRoll:
		return "post-roll"
	default:
		return fmt.Sprintf("unknown_destination_%d", int(d))
	}
}

// IsDestinedForProcessing returns true if the buffer is kept by the engine
// instead of being dropped right after capture.
func (d Destination) IsDestinedForProcessing() bool {
	switch d {
	case DestinationPreRoll, DestinationAcceleratorInput, DestinationPostRoll:
		return true
	default:
		return false
	}
}
