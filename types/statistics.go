// statistics.go defines the counters and their snapshots reported by the engine.

package types

import (
	"go.uber.org/atomic"
)

type ClientStatistics struct {
	PreviewQueued   uint64 `json:",omitempty"`
	PreviewReturned uint64 `json:",omitempty"`
	PreviewErrors   uint64 `json:",omitempty"`
	VideoQueued     uint64 `json:",omitempty"`
	VideoReturned   uint64 `json:",omitempty"`
	VideoErrors     uint64 `json:",omitempty"`
}

type PipelineStatistics struct {
	PreviewQueued       uint64 `json:",omitempty"`
	PreviewReturned     uint64 `json:",omitempty"`
	VideoQueued         uint64 `json:",omitempty"`
	VideoReturned       uint64 `json:",omitempty"`
	CaptureRequestCount uint64 `json:",omitempty"`
}

type AcceleratorStatistics struct {
	InCount             int64  `json:",omitempty"`
	OutCount            int64  `json:",omitempty"`
	InQueued            uint64 `json:",omitempty"`
	OutQueued           uint64 `json:",omitempty"`
	InputDoneCount      uint64 `json:",omitempty"`
	OutputDoneCount     uint64 `json:",omitempty"`
	OutCountMax         int64  `json:",omitempty"`
	InterpolationFactor uint32 `json:",omitempty"`
}

type Statistics struct {
	Client      ClientStatistics
	Pipeline    PipelineStatistics
	Accelerator AcceleratorStatistics
}

type ClientCounters struct {
	PreviewQueued   atomic.Uint64
	PreviewReturned atomic.Uint64
	PreviewErrors   atomic.Uint64
	VideoQueued     atomic.Uint64
	VideoReturned   atomic.Uint64
	VideoErrors     atomic.Uint64
}

func (c *ClientCounters) ToStats() ClientStatistics {
	return ClientStatistics{
		PreviewQueued:   c.PreviewQueued.Load(),
		PreviewReturned: c.PreviewReturned.Load(),
		PreviewErrors:   c.PreviewErrors.Load(),
		VideoQueued:     c.VideoQueued.Load(),
		VideoReturned:   c.VideoReturned.Load(),
		VideoErrors:     c.VideoErrors.Load(),
	}
}

type PipelineCounters struct {
	PreviewQueued       atomic.Uint64
	PreviewReturned     atomic.Uint64
	VideoQueued         atomic.Uint64
	VideoReturned       atomic.Uint64
	CaptureRequestCount atomic.Uint64
}

func (c *ClientCounters) Reset() {
	c.PreviewQueued.Store(0)
	c.PreviewReturned.Store(0)
	c.PreviewErrors.Store(0)
	c.VideoQueued.Store(0)
	c.VideoReturned.Store(0)
	c.VideoErrors.Store(0)
}

func (c *PipelineCounters) ToStats() PipelineStatistics {
	return PipelineStatistics{
		PreviewQueued:       c.PreviewQueued.Load(),
		PreviewReturned:     c.PreviewReturned.Load(),
		VideoQueued:         c.VideoQueued.Load(),
		VideoReturned:       c.VideoReturned.Load(),
		CaptureRequestCount: c.CaptureRequestCount.Load(),
	}
}

func (c *PipelineCounters) Reset() {
	c.PreviewQueued.Store(0)
	c.PreviewReturned.Store(0)
	c.VideoQueued.Store(0)
	c.VideoReturned.Store(0)
	c.CaptureRequestCount.Store(0)
}
