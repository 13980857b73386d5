// stats.go implements the statistics and the diagnostics of the engine.

package slowmo

import (
	"context"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/xaionaro-go/slowmo/requestpool"
	"github.com/xaionaro-go/slowmo/types"
	"github.com/xaionaro-go/xsync"
)

// Stats returns a snapshot of the counters.
func (u *Usecase) Stats(ctx context.Context) types.Statistics {
	return xsync.DoR1(u.lockCtx(ctx), &u.locker, func() types.Statistics {
		return types.Statistics{
			Client:      u.clientCounters.ToStats(),
			Pipeline:    u.pipelineCounters.ToStats(),
			Accelerator: u.port.toStats(),
		}
	})
}

// QueueSizes returns the length of every queue, by name.
func (u *Usecase) QueueSizes(ctx context.Context) map[string]int {
	return xsync.DoR1(u.lockCtx(ctx), &u.locker, u.queueSizesLocked)
}

func (u *Usecase) queueSizesLocked() map[string]int {
	result := map[string]int{}
	for q, size := range u.requests.Sizes() {
		result[q.String()] = size
	}
	result["held"] = u.requests.Held()
	result["client-video"] = u.clientVideoQueue.Len()
	result["error-video"] = u.errorVideoQueue.Len()
	result["copied"] = u.copiedQueue.Len()
	result["pending-preview"] = u.pendingPreviews.Len()
	return result
}

type stateDump struct {
	State               string
	Queues              map[string]int
	Port                portState
	Statistics          types.Statistics
	FramesCaptured      uint32
	BuffersReturned     uint64
	CaptureRequestCount uint64
	SendCaptureComplete bool
	BatchInProgress     bool
}

// DumpState renders the internal state for humans.
func (u *Usecase) DumpState(ctx context.Context) string {
	dump := xsync.DoR1(u.lockCtx(ctx), &u.locker, func() stateDump {
		return stateDump{
			State:  u.machine.State().String(),
			Queues: u.queueSizesLocked(),
			Port:   u.port,
			Statistics: types.Statistics{
				Client:      u.clientCounters.ToStats(),
				Pipeline:    u.pipelineCounters.ToStats(),
				Accelerator: u.port.toStats(),
			},
			FramesCaptured:      u.framesCaptured,
			BuffersReturned:     u.buffersReturned,
			CaptureRequestCount: u.captureRequestCount,
			SendCaptureComplete: u.sendCaptureComplete,
			BatchInProgress:     u.flushingOrSendingBatch,
		}
	})
	cfg := spew.ConfigState{
		Indent:                  "  ",
		DisablePointerAddresses: true,
		DisableCapacities:       true,
		SortKeys:                true,
	}
	return cfg.Sdump(dump)
}

// CheckIntegrity verifies the pool conservation and that the port counters
// match what the accelerator holds.
func (u *Usecase) CheckIntegrity(ctx context.Context) error {
	return xsync.DoR1(u.lockCtx(ctx), &u.locker, u.checkIntegrityLocked)
}

func (u *Usecase) checkIntegrityLocked() error {
	if err := u.requests.CheckConservation(); err != nil {
		return err
	}
	if u.port.InCount < 0 || u.port.OutCount < 0 {
		return fmt.Errorf("negative port counters: in=%d out=%d", u.port.InCount, u.port.OutCount)
	}
	owned := map[requestpool.QueueID]int64{}
	for _, q := range requestpool.QueueIDs() {
		u.requests.Each(q, func(r *requestpool.Request) bool {
			if r.OwnedByAccelerator {
				owned[q]++
			}
			return true
		})
	}
	if owned[requestpool.QueueIDAcceleratorInputInFlight] != u.port.InCount {
		return fmt.Errorf("the accelerator owns %d inputs, but the counter is %d",
			owned[requestpool.QueueIDAcceleratorInputInFlight], u.port.InCount)
	}
	if owned[requestpool.QueueIDAcceleratorOutputInFlight] != u.port.OutCount {
		return fmt.Errorf("the accelerator owns %d outputs, but the counter is %d",
			owned[requestpool.QueueIDAcceleratorOutputInFlight], u.port.OutCount)
	}
	for q, count := range owned {
		switch q {
		case requestpool.QueueIDAcceleratorInputInFlight, requestpool.QueueIDAcceleratorOutputInFlight:
		default:
			return fmt.Errorf("%d requests in %s are marked as owned by the accelerator", count, q)
		}
	}
	return nil
}
