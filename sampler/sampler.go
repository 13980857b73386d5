// Package sampler decides which normal-speed frames are kept around the
// high-speed capture window.
package sampler

import (
	"fmt"
	"math"
	"time"

	"github.com/xaionaro-go/slowmo/types"
)

// RollConfig describes a pre-roll or post-roll window.
type RollConfig struct {
	FPS        uint32
	Duration   time.Duration
	NumFrames  uint32
	SampleRate uint32
}

// NewRollConfig builds a window keeping fps frames per second for the
// duration out of a nativeFPS capture. Zero fps or duration disables it.
func NewRollConfig(
	fps uint32,
	duration time.Duration,
	nativeFPS uint32,
) (RollConfig, error) {
	if fps == 0 || duration <= 0 {
		return RollConfig{}, nil
	}
	cfg := RollConfig{
		FPS:        fps,
		Duration:   duration,
		NumFrames:  uint32(math.Round(float64(fps) * duration.Seconds())),
		SampleRate: nativeFPS / fps,
	}
	if cfg.SampleRate < 1 {
		return RollConfig{}, types.ErrInvalidArgument{
			Reason: fmt.Sprintf("roll fps %d exceeds the native fps %d", fps, nativeFPS),
		}
	}
	return cfg, nil
}

func (c RollConfig) IsEnabled() bool {
	return c.NumFrames > 0 && c.SampleRate >= 1
}

// Admits returns true if the capture with the given sequence number falls
// on the sampling grid.
func (c RollConfig) Admits(captureCount uint64) bool {
	if !c.IsEnabled() {
		return false
	}
	return captureCount%uint64(c.SampleRate) == 0
}

func (c RollConfig) String() string {
	if !c.IsEnabled() {
		return "disabled"
	}
	return fmt.Sprintf("%d fps x %v (%d frames, every %d-th)", c.FPS, c.Duration, c.NumFrames, c.SampleRate)
}

// PostRoll counts the frames admitted after the high-speed window.
type PostRoll struct {
	Config RollConfig
	count  uint32
}

// Admit decides whether the capture belongs to the post-roll window that
// started right after the capture lastHighSpeedCount. eos is true for the
// last frame of the window.
func (p *PostRoll) Admit(captureCount, lastHighSpeedCount uint64) (admitted, eos bool) {
	if !p.Config.IsEnabled() || p.count >= p.Config.NumFrames {
		return false, false
	}
	if !p.Config.Admits(captureCount - lastHighSpeedCount) {
		return false, false
	}
	p.count++
	return true, p.count == p.Config.NumFrames
}

func (p *PostRoll) Count() uint32 {
	return p.count
}

func (p *PostRoll) Reset() {
	p.count = 0
}
