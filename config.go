// config.go defines the tunables of the slow-motion engine.

package slowmo

import (
	"fmt"
	"time"

	"github.com/xaionaro-go/slowmo/accelerator"
	"github.com/xaionaro-go/slowmo/types"
	"github.com/xaionaro-go/typing"
)

const (
	DefaultNativeFPS                 = 240
	DefaultPreviewFPS                = 30
	DefaultVideoFPS                  = 30
	DefaultMaxHighSpeedFrames        = 120
	DefaultRollFPS                   = 30
	DefaultRollDuration              = time.Second
	DefaultExtraBuffersForProcessing = 64
	DefaultOutputPortBypassDepth     = 5
	DefaultOutputPortMaxDepth        = 30
	DefaultTrackerSize               = 512
	DefaultPipelineDrainTimeout      = time.Second
	DefaultInterpolationFactor       = 2
	MinInterpolationFactor           = 1
	MaxInterpolationFactor           = 4
)

type Config struct {
	// NativeFPS is the rate the sensor captures at.
	NativeFPS uint32

	// PreviewFPS is the rate of the preview sub-stream; every batch of
	// NativeFPS/PreviewFPS requests carries one preview buffer.
	PreviewFPS uint32

	// VideoFPS is the rate the retimed video is delivered at.
	VideoFPS uint32

	MaxHighSpeedFrames uint32

	PreRollFPS       uint32
	PreRollDuration  time.Duration
	PostRollFPS      uint32
	PostRollDuration time.Duration

	// ExtraBuffersForProcessing is how many free requests are never given
	// to the accelerator output port.
	ExtraBuffersForProcessing uint32
	OutputPortBypassDepth     uint32
	OutputPortMaxDepth        uint32

	TrackerSize uint32

	// PoolCapacity overrides the computed size of the request pool.
	PoolCapacity typing.Optional[uint32]

	// PipelineDrainTimeout bounds the waits on the capture pipeline during
	// teardown and on slot retirement.
	PipelineDrainTimeout time.Duration

	DefaultInterpolationFactor uint32

	Width       uint32
	Height      uint32
	PixelFormat accelerator.PixelFormat
}

func DefaultConfig() Config {
	return Config{
		NativeFPS:                  DefaultNativeFPS,
		PreviewFPS:                 DefaultPreviewFPS,
		VideoFPS:                   DefaultVideoFPS,
		MaxHighSpeedFrames:         DefaultMaxHighSpeedFrames,
		PreRollFPS:                 DefaultRollFPS,
		PreRollDuration:            DefaultRollDuration,
		PostRollFPS:                DefaultRollFPS,
		PostRollDuration:           DefaultRollDuration,
		ExtraBuffersForProcessing:  DefaultExtraBuffersForProcessing,
		OutputPortBypassDepth:      DefaultOutputPortBypassDepth,
		OutputPortMaxDepth:         DefaultOutputPortMaxDepth,
		TrackerSize:                DefaultTrackerSize,
		PipelineDrainTimeout:       DefaultPipelineDrainTimeout,
		DefaultInterpolationFactor: DefaultInterpolationFactor,
		Width:                      1280,
		Height:                     720,
		PixelFormat:                accelerator.PixelFormatNV12UBWC,
	}
}

// BatchSize is the amount of capture requests per preview frame.
func (cfg Config) BatchSize() uint32 {
	if cfg.PreviewFPS == 0 {
		return 1
	}
	return max(cfg.NativeFPS/cfg.PreviewFPS, 1)
}

// FramePeriod is the spacing of the retimed video timestamps.
func (cfg Config) FramePeriod() time.Duration {
	return time.Second / time.Duration(cfg.VideoFPS)
}

func rollFrames(fps uint32, duration time.Duration) uint32 {
	return uint32(float64(fps)*duration.Seconds() + 0.5)
}

// RequestPoolCapacity is the amount of requests needed to hold the whole
// high-speed window, both rolls, the processing slack and the output port.
func (cfg Config) RequestPoolCapacity() uint32 {
	if cfg.PoolCapacity.IsSet() {
		return cfg.PoolCapacity.Get()
	}
	return cfg.MaxHighSpeedFrames +
		rollFrames(cfg.PreRollFPS, cfg.PreRollDuration) +
		rollFrames(cfg.PostRollFPS, cfg.PostRollDuration) +
		cfg.ExtraBuffersForProcessing +
		cfg.OutputPortBypassDepth
}

func (cfg Config) Validate() error {
	if cfg.NativeFPS == 0 {
		return types.ErrInvalidArgument{Reason: "native fps is zero"}
	}
	if cfg.VideoFPS == 0 {
		return types.ErrInvalidArgument{Reason: "video fps is zero"}
	}
	if cfg.PreviewFPS > cfg.NativeFPS {
		return types.ErrInvalidArgument{Reason: fmt.Sprintf("preview fps %d exceeds native fps %d", cfg.PreviewFPS, cfg.NativeFPS)}
	}
	if cfg.MaxHighSpeedFrames == 0 {
		return types.ErrInvalidArgument{Reason: "max high-speed frames is zero"}
	}
	if cfg.TrackerSize < 2*cfg.BatchSize() {
		return types.ErrInvalidArgument{Reason: fmt.Sprintf("tracker size %d is too small for batches of %d", cfg.TrackerSize, cfg.BatchSize())}
	}
	if cfg.OutputPortMaxDepth < cfg.OutputPortBypassDepth {
		return types.ErrInvalidArgument{Reason: "output port max depth is below the bypass depth"}
	}
	if cfg.DefaultInterpolationFactor < MinInterpolationFactor || cfg.DefaultInterpolationFactor > MaxInterpolationFactor {
		return types.ErrInvalidArgument{Reason: fmt.Sprintf("interpolation factor %d is out of range", cfg.DefaultInterpolationFactor)}
	}
	if cfg.RequestPoolCapacity() <= cfg.ExtraBuffersForProcessing {
		return types.ErrInvalidArgument{Reason: "the request pool is not larger than the processing slack"}
	}
	return nil
}
