package main

import (
	"context"
	"fmt"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/slowmo"
	"github.com/xaionaro-go/slowmo/buffer"
	"github.com/xaionaro-go/slowmo/camera"
	"github.com/xaionaro-go/slowmo/types"
)

// demoClient plays the camera client: each batch is led by a preview
// request, and the video requests of the batch follow once the preview
// result is back.
type demoClient struct {
	Usecase   *slowmo.Usecase
	Images    *buffer.ImagePool
	Sink      *camera.Recorder
	BatchSize types.FrameNumber
}

func (c *demoClient) Run(
	ctx context.Context,
	batches int,
	captureAt int,
	captureSettings *types.Settings,
) error {
	var last types.FrameNumber
	for batch := range batches {
		base := types.FrameNumber(batch) * c.BatchSize
		var settings *types.Settings
		if batch == captureAt {
			settings = captureSettings
		}
		if err := c.runBatch(ctx, base, settings); err != nil {
			return fmt.Errorf("batch %d: %w", batch, err)
		}
		last = base + c.BatchSize - 1
	}

	waitCtx, cancelFn := context.WithTimeout(ctx, 10*time.Second)
	defer cancelFn()
	return c.Sink.WaitFor(waitCtx, func(events []camera.Event) bool {
		done := map[types.FrameNumber]struct{}{}
		for _, ev := range camera.VideoResults(events) {
			done[ev.FrameNumber] = struct{}{}
		}
		for _, ev := range camera.Filter(events, camera.EventKindError) {
			done[ev.FrameNumber] = struct{}{}
		}
		for fn := types.FrameNumber(0); fn <= last; fn++ {
			if fn%c.BatchSize == 0 {
				continue
			}
			if _, ok := done[fn]; !ok {
				return false
			}
		}
		return true
	})
}

func (c *demoClient) runBatch(
	ctx context.Context,
	base types.FrameNumber,
	settings *types.Settings,
) error {
	logger.Tracef(ctx, "batch %s", base)
	err := c.Usecase.SubmitRequest(ctx, &camera.ClientRequest{
		FrameNumber: base,
		Buffers: []buffer.StreamBuffer{{
			Stream: types.StreamKindPreview,
			Handle: c.Images.Allocate(ctx),
		}},
		Settings: settings,
	})
	if err != nil {
		return fmt.Errorf("unable to submit the preview request: %w", err)
	}

	err = c.Sink.WaitFor(ctx, func(events []camera.Event) bool {
		for _, ev := range camera.Filter(events, camera.EventKindResult) {
			if ev.FrameNumber == base && len(ev.Buffers) > 0 {
				return true
			}
		}
		return false
	})
	if err != nil {
		return fmt.Errorf("unable to wait for the preview result: %w", err)
	}

	for idx := types.FrameNumber(1); idx < c.BatchSize; idx++ {
		err := c.Usecase.SubmitRequest(ctx, &camera.ClientRequest{
			FrameNumber: base + idx,
			Buffers: []buffer.StreamBuffer{{
				Stream: types.StreamKindVideo,
				Handle: c.Images.Allocate(ctx),
			}},
		})
		if err != nil {
			return fmt.Errorf("unable to submit video request %s: %w", base+idx, err)
		}
	}
	return nil
}
