package slowmo

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/slowmo/accelerator"
	"github.com/xaionaro-go/slowmo/buffer"
	"github.com/xaionaro-go/slowmo/camera"
	"github.com/xaionaro-go/slowmo/metadata"
	"github.com/xaionaro-go/slowmo/statemachine"
	"github.com/xaionaro-go/slowmo/types"
)

func okVideoResults(events []camera.Event) []camera.Event {
	var result []camera.Event
	for _, ev := range camera.VideoResults(events) {
		if ev.Buffers[0].Status == types.BufferStatusOK {
			result = append(result, ev)
		}
	}
	return result
}

func frameNumbersOf(events []camera.Event) []types.FrameNumber {
	var result []types.FrameNumber
	for _, ev := range events {
		result = append(result, ev.FrameNumber)
	}
	return result
}

func (env *testEnv) waitForVideoResult(frameNumber types.FrameNumber) camera.Event {
	var ev camera.Event
	env.eventually(func() bool {
		var ok bool
		ev, ok = videoResult(env.sink.Events(env.ctx), frameNumber)
		return ok
	}, "no video result for %s", frameNumber)
	return ev
}

func TestRecordingCycle(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeAccelerator{AutoComplete: true})
	ctx := env.ctx
	period := env.cfg.FramePeriod()

	require.Equal(t, statemachine.StateBypass, env.u.State(ctx))
	require.Equal(t, 2, env.queueSize("accelerator-output-in-flight"))

	env.runBatch(0, captureStart())
	require.Equal(t, statemachine.StateRecord, env.u.State(ctx))
	for fn := types.FrameNumber(1); fn < 4; fn++ {
		ev := env.waitForVideoResult(fn)
		require.Equal(t, types.BufferStatusError, ev.Buffers[0].Status)
		errs := errorsOf(env.sink.Events(ctx), fn)
		require.Len(t, errs, 1)
		require.Equal(t, types.ErrorKindRequest, errs[0].ErrorKind)
	}

	require.NoError(t, env.submitLeading(4, nil))
	env.completePipeline()
	require.Equal(t, statemachine.StateProcess, env.u.State(ctx))
	env.eventually(func() bool {
		return env.queueSize("accelerator-output-done") == 5
	})

	for fn := types.FrameNumber(5); fn < 8; fn++ {
		env.submitVideo(fn, buffer.HandleNil)
	}
	env.runBatch(8, nil)

	env.waitForVideoResult(11)
	env.eventually(func() bool {
		return env.u.State(ctx) == statemachine.StateBypass
	})

	events := env.sink.Events(ctx)
	delivered := okVideoResults(events)
	require.Equal(t, []types.FrameNumber{5, 6, 7, 9, 10}, frameNumbersOf(delivered))
	first := env.timestampOf(0)
	for idx, ev := range delivered {
		require.Equal(t, first+time.Duration(idx)*period, ev.Tags[metadata.TagSensorTimestamp], "result #%d", idx)
		_, captureComplete := ev.Tags[metadata.TagCaptureComplete]
		require.Equal(t, idx == 0, captureComplete, "result #%d", idx)
		_, processingComplete := ev.Tags[metadata.TagProcessingComplete]
		require.Equal(t, idx == len(delivered)-1, processingComplete, "result #%d", idx)

		var shutters []camera.Event
		for _, s := range camera.Filter(events, camera.EventKindShutter) {
			if s.FrameNumber == ev.FrameNumber {
				shutters = append(shutters, s)
			}
		}
		require.Len(t, shutters, 1)
		require.Equal(t, first+time.Duration(idx)*period, shutters[0].Timestamp)
	}

	last := errorsOf(events, 11)
	require.Len(t, last, 1)
	require.Equal(t, types.ErrorKindRequest, last[0].ErrorKind)

	env.eventually(func() bool {
		return env.queueSize("accelerator-output-in-flight") == 2
	})
	require.Equal(t, 2, env.acc.sessionCount(ctx))
	require.True(t, env.acc.session(ctx, 0).isTerminated(ctx))
	require.NoError(t, env.u.CheckIntegrity(ctx))
}

func TestRecordingWithPreRoll(t *testing.T) {
	cfg := testConfig()
	cfg.PreRollFPS = 30
	cfg.PreRollDuration = 100 * time.Millisecond
	env := newTestEnv(t, cfg, &fakeAccelerator{AutoComplete: true})
	ctx := env.ctx

	for base := types.FrameNumber(0); base < 20; base += 4 {
		env.runBatch(base, nil)
	}
	env.eventually(func() bool {
		return env.queueSize("pre-roll") == 3
	})
	require.NoError(t, env.u.CheckIntegrity(ctx))

	env.runBatch(20, captureStart())
	require.Equal(t, statemachine.StateRecord, env.u.State(ctx))
	require.NoError(t, env.submitLeading(24, nil))
	env.completePipeline()
	require.Equal(t, statemachine.StateProcess, env.u.State(ctx))
	env.eventually(func() bool {
		return env.queueSize("accelerator-output-done") == 8
	})
	require.Zero(t, env.queueSize("pre-roll"))

	for fn := types.FrameNumber(25); fn < 28; fn++ {
		env.submitVideo(fn, buffer.HandleNil)
	}
	env.runBatch(28, nil)
	env.runBatch(32, nil)

	env.waitForVideoResult(35)
	env.eventually(func() bool {
		return env.u.State(ctx) == statemachine.StateBypass
	})
	delivered := okVideoResults(env.sink.Events(ctx))
	require.Equal(t, []types.FrameNumber{25, 26, 27, 29, 30, 31, 33, 34}, frameNumbersOf(delivered))
	require.NoError(t, env.u.CheckIntegrity(ctx))
}

func TestInputQueueingIsRetried(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHighSpeedFrames = 1
	acc := &fakeAccelerator{}
	acc.InputFailures.Store(2)
	env := newTestEnv(t, cfg, acc)
	ctx := env.ctx

	require.NoError(t, env.submitLeading(0, captureStart()))
	env.completePipeline()
	require.Equal(t, statemachine.StateProcess, env.u.State(ctx))

	session := acc.lastSession(ctx)
	env.eventually(func() bool {
		env.poke()
		return session.queuedInputs(ctx) == 1
	})
	require.Equal(t, 3, session.totalInputAttempts(ctx))
	require.Equal(t, 1, env.queueSize("accelerator-input-in-flight"))
	require.Zero(t, env.queueSize("pending-accelerator-input"))
	require.NoError(t, env.u.CheckIntegrity(ctx))

	env.poke()
	require.Equal(t, 3, session.totalInputAttempts(ctx))

	require.True(t, session.completeNextInput(ctx))
	for fn := types.FrameNumber(1); fn < 4; fn++ {
		env.submitVideo(fn, buffer.HandleNil)
	}
	ev := env.waitForVideoResult(1)
	require.Equal(t, types.BufferStatusOK, ev.Buffers[0].Status)
	require.Equal(t, env.timestampOf(0), ev.Tags[metadata.TagSensorTimestamp])
	_, processingComplete := ev.Tags[metadata.TagProcessingComplete]
	require.True(t, processingComplete)

	env.waitForVideoResult(3)
	env.eventually(func() bool {
		return env.u.State(ctx) == statemachine.StateBypass
	})
	require.NoError(t, env.u.CheckIntegrity(ctx))
}

func TestServiceDeathRecoversInputs(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHighSpeedFrames = 3
	acc := &fakeAccelerator{}
	env := newTestEnv(t, cfg, acc)
	ctx := env.ctx

	require.NoError(t, env.submitLeading(0, captureStart()))
	env.completePipeline()
	require.Equal(t, statemachine.StateProcess, env.u.State(ctx))

	session := acc.lastSession(ctx)
	require.Equal(t, 3, session.queuedInputs(ctx))
	require.EqualValues(t, 3, env.u.Stats(ctx).Accelerator.InCount)

	session.die(ctx)
	require.Equal(t, 3, env.queueSize("accelerator-output-done"))
	require.Zero(t, env.queueSize("accelerator-input-in-flight"))
	require.Zero(t, env.queueSize("accelerator-output-in-flight"))
	stats := env.u.Stats(ctx).Accelerator
	require.EqualValues(t, 3, stats.OutputDoneCount)
	require.Zero(t, stats.InCount)
	require.Zero(t, stats.OutCount)
	require.NoError(t, env.u.CheckIntegrity(ctx))

	require.NoError(t, env.u.RecoverAccelerator(ctx))
	require.Equal(t, 2, acc.sessionCount(ctx))
	require.Equal(t, []uint32{DefaultInterpolationFactor}, acc.lastSession(ctx).interpolationFactors(ctx))

	// the dead session is not listened to anymore
	doneBefore := env.u.Stats(ctx).Accelerator.InputDoneCount
	session.callbacksOf(ctx).OnInputDone(ctx, accelerator.BufferDescriptor{ID: 0})
	require.Equal(t, doneBefore, env.u.Stats(ctx).Accelerator.InputDoneCount)

	for fn := types.FrameNumber(1); fn < 4; fn++ {
		env.submitVideo(fn, buffer.HandleNil)
	}
	env.waitForVideoResult(3)
	env.eventually(func() bool {
		return env.u.State(ctx) == statemachine.StateBypass
	})
	require.Equal(t, []types.FrameNumber{1, 2, 3}, frameNumbersOf(okVideoResults(env.sink.Events(ctx))))
	require.NoError(t, env.u.CheckIntegrity(ctx))
}

func TestCopyFailureErrorsOnlyThatVideo(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeAccelerator{AutoComplete: true})
	ctx := env.ctx

	env.runBatch(0, captureStart())
	require.NoError(t, env.submitLeading(4, nil))
	env.completePipeline()
	env.eventually(func() bool {
		return env.queueSize("accelerator-output-done") == 5
	})

	broken := env.images.Allocate(ctx)
	env.buffers.failCopyTo.Store(uint64(broken))
	env.submitVideo(5, broken)
	env.submitVideo(6, buffer.HandleNil)
	env.submitVideo(7, buffer.HandleNil)
	env.runBatch(8, nil)

	env.waitForVideoResult(11)
	env.eventually(func() bool {
		return env.u.State(ctx) == statemachine.StateBypass
	})

	events := env.sink.Events(ctx)
	ev, ok := videoResult(events, 5)
	require.True(t, ok)
	require.Equal(t, types.BufferStatusError, ev.Buffers[0].Status)
	errs := errorsOf(events, 5)
	require.Len(t, errs, 1)
	require.Equal(t, types.ErrorKindBuffer, errs[0].ErrorKind)
	require.Equal(t, types.StreamKindVideo, errs[0].Stream)

	delivered := okVideoResults(events)
	require.Equal(t, []types.FrameNumber{6, 7, 9, 10}, frameNumbersOf(delivered))
	period := env.cfg.FramePeriod()
	for idx, ev := range delivered {
		require.Equal(t, env.timestampOf(0)+time.Duration(idx+1)*period, ev.Tags[metadata.TagSensorTimestamp])
	}
	require.NoError(t, env.u.CheckIntegrity(ctx))
}

func TestBatchWithoutPreviewIsRejected(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeAccelerator{AutoComplete: true})
	ctx := env.ctx

	err := env.u.SubmitRequest(ctx, &camera.ClientRequest{
		FrameNumber: 0,
		Buffers: []buffer.StreamBuffer{{
			Stream: types.StreamKindVideo,
			Handle: env.images.Allocate(ctx),
		}},
	})
	require.ErrorAs(t, err, &types.ErrInvalidArgument{})
	require.Empty(t, env.pipeline.takeRequests(ctx))
	require.Zero(t, env.u.Stats(ctx).Pipeline.CaptureRequestCount)

	err = env.u.SubmitRequest(ctx, nil)
	require.ErrorAs(t, err, &types.ErrInvalidArgument{})

	require.NoError(t, env.submitLeading(0, nil))
	require.Len(t, env.pipeline.takeRequests(ctx), int(env.cfg.BatchSize()))
}

func TestInterpolationFactor(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeAccelerator{AutoComplete: true})
	ctx := env.ctx
	session := env.acc.lastSession(ctx)
	require.Equal(t, []uint32{2}, session.interpolationFactors(ctx))

	err := env.submitLeading(0, factor(7))
	require.ErrorAs(t, err, &types.ErrInvalidArgument{})
	require.Empty(t, env.pipeline.takeRequests(ctx))

	env.runBatch(0, factor(3))
	require.Equal(t, []uint32{2, 3}, session.interpolationFactors(ctx))
	require.EqualValues(t, 3, env.u.Stats(ctx).Accelerator.InterpolationFactor)

	// only the first override of a recording is taken
	env.runBatch(4, factor(4))
	require.Equal(t, []uint32{2, 3}, session.interpolationFactors(ctx))
}

func TestInterpolationFactorUnchangedIsNotResent(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeAccelerator{AutoComplete: true})
	ctx := env.ctx

	env.runBatch(0, factor(DefaultInterpolationFactor))
	require.Equal(t, []uint32{DefaultInterpolationFactor}, env.acc.lastSession(ctx).interpolationFactors(ctx))
}

func TestFlush(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeAccelerator{AutoComplete: true})
	ctx := env.ctx

	require.NoError(t, env.u.Flush(ctx))
	require.NoError(t, env.u.Flush(ctx))
	require.Equal(t, 2, env.pipeline.flushes(ctx))
}

func TestAcceleratorFlushEndsOnServiceDeath(t *testing.T) {
	cfg := testConfig()
	cfg.PipelineDrainTimeout = 5 * time.Second
	acc := &fakeAccelerator{HoldFlush: true}
	env := newTestEnv(t, cfg, acc)
	ctx := env.ctx
	session := acc.lastSession(ctx)

	done := make(chan error, 1)
	go func() {
		env.u.lock(ctx)
		err := env.u.flushAcceleratorLocked(ctx)
		env.u.unlock(ctx)
		done <- err
	}()

	env.eventually(func() bool {
		return session.flushes(ctx) == 2
	})
	select {
	case err := <-done:
		t.Fatalf("the flush ended before it was confirmed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	session.die(ctx)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("the flush is stuck after the service died")
	}
	require.Zero(t, env.queueSize("accelerator-output-in-flight"))
	require.NoError(t, env.u.CheckIntegrity(ctx))
}

func TestAcceleratorFlushIsBounded(t *testing.T) {
	acc := &fakeAccelerator{HoldFlush: true}
	env := newTestEnv(t, testConfig(), acc)
	ctx := env.ctx
	session := acc.lastSession(ctx)

	done := make(chan error, 1)
	go func() {
		env.u.lock(ctx)
		err := env.u.flushAcceleratorLocked(ctx)
		env.u.unlock(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("the flush waits forever for a confirmation")
	}
	require.Equal(t, 2, session.flushes(ctx))
	env.u.lock(ctx)
	inputFlushing, outputFlushing := env.u.port.InputFlushing, env.u.port.OutputFlushing
	env.u.unlock(ctx)
	require.False(t, inputFlushing)
	require.False(t, outputFlushing)
}

func TestPipelineRefusal(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeAccelerator{AutoComplete: true})
	ctx := env.ctx

	env.pipeline.setSubmitError(ctx, errors.New("the pipeline is gone"))
	require.Error(t, env.submitLeading(0, nil))

	errs := errorsOf(env.sink.Events(ctx), 0)
	require.Len(t, errs, 1)
	require.Equal(t, types.ErrorKindRequest, errs[0].ErrorKind)
	require.Zero(t, env.queueSize("pending-preview"))
	require.NoError(t, env.u.CheckIntegrity(ctx))
}

func TestGracefulDestroyReturnsQueuedVideos(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeAccelerator{AutoComplete: true})
	ctx := env.ctx

	require.NoError(t, env.submitLeading(0, nil))
	for fn := types.FrameNumber(1); fn < 4; fn++ {
		env.submitVideo(fn, buffer.HandleNil)
	}
	env.eventually(func() bool {
		return env.queueSize("error-video") == 3
	})

	require.NoError(t, env.u.Destroy(ctx, false))
	require.Equal(t, statemachine.StateDestroy, env.u.State(ctx))

	events := env.sink.Events(ctx)
	for fn := types.FrameNumber(1); fn < 4; fn++ {
		var results []camera.Event
		for _, ev := range camera.VideoResults(events) {
			if ev.FrameNumber == fn {
				results = append(results, ev)
			}
		}
		require.Len(t, results, 1, "frame %s", fn)
		require.Equal(t, types.BufferStatusError, results[0].Buffers[0].Status)
		require.Len(t, errorsOf(events, fn), 1)
	}
	require.Zero(t, env.store.Outstanding(ctx))
	require.True(t, env.acc.lastSession(ctx).isTerminated(ctx))

	require.ErrorAs(t, env.submitLeading(4, nil), &types.ErrInvalidState{})
	require.ErrorAs(t, env.u.Flush(ctx), &types.ErrInvalidState{})
	require.ErrorAs(t, env.u.Destroy(ctx, true), &types.ErrInvalidState{})
}

func TestForcedDestroyDiscardsQueuedVideos(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeAccelerator{AutoComplete: true})
	ctx := env.ctx

	require.NoError(t, env.submitLeading(0, nil))
	for fn := types.FrameNumber(1); fn < 4; fn++ {
		env.submitVideo(fn, buffer.HandleNil)
	}
	env.eventually(func() bool {
		return env.queueSize("error-video") == 3
	})

	require.NoError(t, env.u.Destroy(ctx, true))
	events := env.sink.Events(ctx)
	require.Empty(t, camera.VideoResults(events))
	require.Empty(t, camera.Filter(events, camera.EventKindError))
	require.Zero(t, env.store.Outstanding(ctx))
}

func TestDumpState(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeAccelerator{AutoComplete: true})
	ctx := env.ctx

	dump := env.u.DumpState(ctx)
	require.Contains(t, dump, "bypass")
	require.Contains(t, dump, "accelerator-output-in-flight")
}

func postRollConfig() Config {
	cfg := testConfig()
	cfg.MaxHighSpeedFrames = 1
	cfg.PostRollFPS = 30
	cfg.PostRollDuration = time.Second / 30
	return cfg
}

// startPostRollRecording captures frame 0 at high speed and frame 4 as
// the only post-roll frame.
func (env *testEnv) startPostRollRecording() {
	t, ctx := env.t, env.ctx

	require.NoError(t, env.submitLeading(0, captureStart()))
	env.completePipeline()
	require.Equal(t, statemachine.StateRecord, env.u.State(ctx))
	for fn := types.FrameNumber(1); fn < 4; fn++ {
		env.submitVideo(fn, buffer.HandleNil)
	}

	require.NoError(t, env.submitLeading(4, nil))
	env.completePipeline()
	require.Equal(t, statemachine.StateProcess, env.u.State(ctx))
}

func TestRecordingWithPostRoll(t *testing.T) {
	env := newTestEnv(t, postRollConfig(), &fakeAccelerator{AutoComplete: true})
	ctx := env.ctx

	env.startPostRollRecording()
	env.eventually(func() bool {
		return env.queueSize("accelerator-output-done") == 2
	})
	require.Zero(t, env.queueSize("post-roll"))

	for fn := types.FrameNumber(5); fn < 8; fn++ {
		env.submitVideo(fn, buffer.HandleNil)
	}
	env.waitForVideoResult(7)
	env.eventually(func() bool {
		return env.u.State(ctx) == statemachine.StateBypass
	})
	delivered := okVideoResults(env.sink.Events(ctx))
	require.Equal(t, []types.FrameNumber{5, 6}, frameNumbersOf(delivered))
	_, processingComplete := delivered[1].Tags[metadata.TagProcessingComplete]
	require.True(t, processingComplete)
	require.Zero(t, env.queueSize("post-roll"))
	require.NoError(t, env.u.CheckIntegrity(ctx))
}

func TestPostRollIsReleasedByEmptyEndOfStream(t *testing.T) {
	acc := &fakeAccelerator{}
	env := newTestEnv(t, postRollConfig(), acc)
	ctx := env.ctx

	env.startPostRollRecording()
	session := acc.lastSession(ctx)
	env.eventually(func() bool {
		env.poke()
		return session.queuedInputs(ctx) == 1
	})
	require.Equal(t, 1, env.queueSize("post-roll"))

	require.True(t, session.completeNextInputEmpty(ctx))
	env.eventually(func() bool {
		return env.queueSize("accelerator-output-done") == 1
	})
	require.Zero(t, env.queueSize("post-roll"))

	for fn := types.FrameNumber(5); fn < 8; fn++ {
		env.submitVideo(fn, buffer.HandleNil)
	}
	env.waitForVideoResult(7)
	env.eventually(func() bool {
		return env.u.State(ctx) == statemachine.StateBypass
	})
	require.Equal(t, []types.FrameNumber{5}, frameNumbersOf(okVideoResults(env.sink.Events(ctx))))
	require.NoError(t, env.u.CheckIntegrity(ctx))
}

func TestRecordingEndsWhenItsLastFrameIsRefused(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHighSpeedFrames = 1
	env := newTestEnv(t, cfg, &fakeAccelerator{AutoComplete: true})
	ctx := env.ctx

	env.pipeline.setSubmitError(ctx, errors.New("the pipeline is busy"))
	require.Error(t, env.submitLeading(0, captureStart()))
	env.eventually(func() bool {
		return env.u.State(ctx) == statemachine.StateBypass
	})
	errs := errorsOf(env.sink.Events(ctx), 0)
	require.Len(t, errs, 1)
	require.Equal(t, types.ErrorKindRequest, errs[0].ErrorKind)
	require.NoError(t, env.u.CheckIntegrity(ctx))

	env.pipeline.setSubmitError(ctx, nil)
	env.runBatch(4, captureStart())
	env.waitForVideoResult(7)
	env.eventually(func() bool {
		return env.u.State(ctx) == statemachine.StateBypass
	})
	require.Equal(t, []types.FrameNumber{5}, frameNumbersOf(okVideoResults(env.sink.Events(ctx))))
	require.NoError(t, env.u.CheckIntegrity(ctx))
}

func TestRecordingCompletesWithEarlierFrameWhenLastIsRefused(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHighSpeedFrames = 4
	env := newTestEnv(t, cfg, &fakeAccelerator{AutoComplete: true})
	ctx := env.ctx

	env.pipeline.refuseFrame(ctx, 3, errors.New("the pipeline is busy"))
	require.Error(t, env.submitLeading(0, captureStart()))
	require.Equal(t, statemachine.StateRecordToProcess, env.u.State(ctx))

	env.completePipeline()
	require.Equal(t, statemachine.StateProcess, env.u.State(ctx))
	env.eventually(func() bool {
		return env.queueSize("accelerator-output-done") == 3
	})
	errs := errorsOf(env.sink.Events(ctx), 3)
	require.Len(t, errs, 1)
	require.Equal(t, types.ErrorKindRequest, errs[0].ErrorKind)

	env.runBatch(4, nil)
	env.waitForVideoResult(7)
	env.eventually(func() bool {
		return env.u.State(ctx) == statemachine.StateBypass
	})
	require.Equal(t, []types.FrameNumber{5, 6, 7}, frameNumbersOf(okVideoResults(env.sink.Events(ctx))))
	require.NoError(t, env.u.CheckIntegrity(ctx))
}

func TestRejectedLeadingVideoIsReturnedWithError(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeAccelerator{AutoComplete: true})
	ctx := env.ctx

	env.store.failAddReference.Store(true)
	require.NoError(t, env.u.SubmitRequest(ctx, &camera.ClientRequest{
		FrameNumber: 0,
		Buffers: []buffer.StreamBuffer{
			{Stream: types.StreamKindPreview, Handle: env.images.Allocate(ctx)},
			{Stream: types.StreamKindVideo, Handle: env.images.Allocate(ctx)},
		},
	}))
	env.store.failAddReference.Store(false)
	require.Zero(t, env.queueSize("client-video"))
	env.completePipeline()

	ev := env.waitForVideoResult(0)
	require.Equal(t, types.BufferStatusError, ev.Buffers[0].Status)
	errs := errorsOf(env.sink.Events(ctx), 0)
	require.Len(t, errs, 1)
	require.Equal(t, types.ErrorKindBuffer, errs[0].ErrorKind)
	env.eventually(func() bool {
		return env.queueSize("error-video") == 0
	})
	require.NoError(t, env.u.CheckIntegrity(ctx))
}

func TestCaptureStartWaitsForTheOngoingFlush(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeAccelerator{AutoComplete: true})
	ctx := env.ctx

	env.u.lock(ctx)
	env.u.flushingOrSendingBatch = true
	env.u.unlock(ctx)

	done := make(chan error, 1)
	go func() {
		done <- env.submitLeading(0, captureStart())
	}()
	select {
	case err := <-done:
		t.Fatalf("the request did not wait for the flush: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, statemachine.StateBypass, env.u.State(ctx))

	env.u.lock(ctx)
	env.u.flushingOrSendingBatch = false
	env.u.broadcastLocked()
	env.u.unlock(ctx)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("the request is stuck after the flush")
	}
	require.Equal(t, statemachine.StateRecord, env.u.State(ctx))
	env.completePipeline()
}
