package requestpool

import (
	"fmt"
)

// QueueID names a queue a Request may sit in.
type QueueID int

const (
	// QueueIDNone means the request is held by somebody between two queue
	// operations (it was acquired or popped).
	QueueIDNone = QueueID(iota)
	QueueIDFree
	QueueIDPreRoll
	QueueIDPostRoll
	QueueIDPendingAcceleratorInput
	QueueIDAcceleratorInputInFlight
	QueueIDAcceleratorOutputInFlight
	QueueIDAcceleratorInputDone
	QueueIDAcceleratorOutputDone
	EndOfQueueID
)

func (q QueueID) String() string {
	switch q {
	case QueueIDNone:
		return "none"
	case QueueIDFree:
		return "free"
	case QueueIDPreRoll:
		return "pre-roll"
	case QueueIDPostRoll:
		return "post-roll"
	case QueueIDPendingAcceleratorInput:
		return "pending-accelerator-input"
	case QueueIDAcceleratorInputInFlight:
		return "accelerator-input-in-flight"
	case QueueIDAcceleratorOutputInFlight:
		return "accelerator-output-in-flight"
	case QueueIDAcceleratorInputDone:
		return "accelerator-input-done"
	case QueueIDAcceleratorOutputDone:
		return "accelerator-output-done"
	default:
		return fmt.Sprintf("unknown_queue_%d", int(q))
	}
}

// QueueIDs returns every real queue (everything except QueueIDNone).
func QueueIDs() []QueueID {
	var result []QueueID
	for q := QueueIDFree; q < EndOfQueueID; q++ {
		result = append(result, q)
	}
	return result
}
