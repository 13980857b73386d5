package sampler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/slowmo/types"
)

func TestNewRollConfig(t *testing.T) {
	cfg, err := NewRollConfig(30, time.Second, 960)
	require.NoError(t, err)
	require.True(t, cfg.IsEnabled())
	require.Equal(t, uint32(30), cfg.NumFrames)
	require.Equal(t, uint32(32), cfg.SampleRate)

	cfg, err = NewRollConfig(0, time.Second, 960)
	require.NoError(t, err)
	require.False(t, cfg.IsEnabled())
	require.False(t, cfg.Admits(0))

	_, err = NewRollConfig(60, time.Second, 30)
	require.ErrorAs(t, err, &types.ErrInvalidArgument{})
}

func TestPreRollAdmits(t *testing.T) {
	cfg, err := NewRollConfig(30, time.Second, 240)
	require.NoError(t, err)

	var admitted []uint64
	for count := uint64(0); count < 40; count++ {
		if cfg.Admits(count) {
			admitted = append(admitted, count)
		}
	}
	require.Equal(t, []uint64{0, 8, 16, 24, 32}, admitted)
}

func TestPostRollAdmit(t *testing.T) {
	cfg, err := NewRollConfig(30, 100*time.Millisecond, 120)
	require.NoError(t, err)
	require.Equal(t, uint32(3), cfg.NumFrames)
	require.Equal(t, uint32(4), cfg.SampleRate)

	p := PostRoll{Config: cfg}
	const last = 101
	var admitted []uint64
	var eosAt uint64
	for count := uint64(last + 1); count < last+30; count++ {
		ok, eos := p.Admit(count, last)
		if ok {
			admitted = append(admitted, count)
		}
		if eos {
			eosAt = count
		}
	}
	require.Equal(t, []uint64{105, 109, 113}, admitted)
	require.Equal(t, uint64(113), eosAt)
	require.Equal(t, uint32(3), p.Count())

	p.Reset()
	require.Zero(t, p.Count())
}
