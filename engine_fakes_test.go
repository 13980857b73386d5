package slowmo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/slowmo/accelerator"
	"github.com/xaionaro-go/slowmo/buffer"
	"github.com/xaionaro-go/slowmo/camera"
	"github.com/xaionaro-go/slowmo/metadata"
	"github.com/xaionaro-go/slowmo/statemachine"
	"github.com/xaionaro-go/slowmo/types"
	"github.com/xaionaro-go/typing"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

type fakePipeline struct {
	locker     xsync.Mutex
	requests   []*camera.PipelineRequest
	submitErr  error
	refused    map[types.FrameNumber]error
	flushCount int
}

var _ camera.Pipeline = (*fakePipeline)(nil)

func (p *fakePipeline) SubmitRequest(ctx context.Context, req *camera.PipelineRequest) error {
	return xsync.DoR1(ctx, &p.locker, func() error {
		if p.submitErr != nil {
			return p.submitErr
		}
		if err := p.refused[req.FrameNumber]; err != nil {
			return err
		}
		cpy := *req
		cpy.Buffers = slices.Clone(req.Buffers)
		p.requests = append(p.requests, &cpy)
		return nil
	})
}

func (p *fakePipeline) Flush(ctx context.Context) error {
	p.locker.Do(ctx, func() {
		p.flushCount++
	})
	return nil
}

func (p *fakePipeline) setSubmitError(ctx context.Context, err error) {
	p.locker.Do(ctx, func() {
		p.submitErr = err
	})
}

// refuseFrame makes the pipeline refuse only the given frame.
func (p *fakePipeline) refuseFrame(ctx context.Context, frameNumber types.FrameNumber, err error) {
	p.locker.Do(ctx, func() {
		if p.refused == nil {
			p.refused = map[types.FrameNumber]error{}
		}
		p.refused[frameNumber] = err
	})
}

func (p *fakePipeline) takeRequests(ctx context.Context) []*camera.PipelineRequest {
	return xsync.DoR1(ctx, &p.locker, func() []*camera.PipelineRequest {
		result := p.requests
		p.requests = nil
		return result
	})
}

func (p *fakePipeline) flushes(ctx context.Context) int {
	return xsync.DoR1(ctx, &p.locker, func() int {
		return p.flushCount
	})
}

// fakeAccelerator is a scripted accelerator service. With AutoComplete
// every input is turned into an output as soon as an output buffer is
// available; otherwise buffers stay queued until the test decides.
type fakeAccelerator struct {
	AutoComplete bool
	HoldFlush    bool

	// InputFailures is the amount of input queueing attempts to refuse.
	InputFailures atomic.Int32

	locker   xsync.Mutex
	sessions []*fakeSession
}

var _ accelerator.Service = (*fakeAccelerator)(nil)

func (a *fakeAccelerator) NewSession(ctx context.Context) (accelerator.Session, error) {
	s := &fakeSession{
		acc:      a,
		attempts: map[int32]int{},
	}
	a.locker.Do(ctx, func() {
		a.sessions = append(a.sessions, s)
	})
	return s, nil
}

func (a *fakeAccelerator) sessionCount(ctx context.Context) int {
	return xsync.DoR1(ctx, &a.locker, func() int {
		return len(a.sessions)
	})
}

func (a *fakeAccelerator) session(ctx context.Context, idx int) *fakeSession {
	return xsync.DoR1(ctx, &a.locker, func() *fakeSession {
		return a.sessions[idx]
	})
}

func (a *fakeAccelerator) lastSession(ctx context.Context) *fakeSession {
	return xsync.DoR1(ctx, &a.locker, func() *fakeSession {
		return a.sessions[len(a.sessions)-1]
	})
}

type fakeSession struct {
	acc *fakeAccelerator

	locker     xsync.Mutex
	callbacks  accelerator.Callbacks
	inputs     []accelerator.BufferDescriptor
	outputs    []accelerator.BufferDescriptor
	attempts   map[int32]int
	factors    []uint32
	flushCalls int
	terminated bool
	dead       bool
}

var _ accelerator.Session = (*fakeSession)(nil)

func (s *fakeSession) Initialize(ctx context.Context, callbacks accelerator.Callbacks) error {
	s.locker.Do(ctx, func() {
		s.callbacks = callbacks
	})
	return nil
}

func (s *fakeSession) SetPortParameters(ctx context.Context, port accelerator.Port, params accelerator.PortParameters) error {
	if params.Width == 0 || params.Height == 0 {
		return fmt.Errorf("invalid geometry of the %s port", port)
	}
	return nil
}

func (s *fakeSession) SetInterpolationFactor(ctx context.Context, factor uint32) error {
	s.locker.Do(ctx, func() {
		s.factors = append(s.factors, factor)
	})
	return nil
}

func (s *fakeSession) QueueBuffer(ctx context.Context, port accelerator.Port, desc accelerator.BufferDescriptor) error {
	var calls []func()
	err := xsync.DoR1(ctx, &s.locker, func() error {
		if s.dead {
			return accelerator.ErrServiceDead{}
		}
		if s.terminated {
			return errors.New("the session is terminated")
		}
		switch port {
		case accelerator.PortInput:
			s.attempts[desc.ID]++
			if s.acc.InputFailures.Dec() >= 0 {
				return errors.New("the input port is busy")
			}
			s.inputs = append(s.inputs, desc)
		case accelerator.PortOutput:
			s.outputs = append(s.outputs, desc)
		default:
			return fmt.Errorf("unknown port %s", port)
		}
		if s.acc.AutoComplete {
			calls = s.matchLocked(ctx)
		}
		return nil
	})
	for _, call := range calls {
		call()
	}
	return err
}

// matchLocked pairs the queued inputs with the queued outputs.
func (s *fakeSession) matchLocked(ctx context.Context) []func() {
	var calls []func()
	cb := s.callbacks
	for len(s.inputs) > 0 && len(s.outputs) > 0 {
		in, out := s.inputs[0], s.outputs[0]
		s.inputs, s.outputs = s.inputs[1:], s.outputs[1:]
		out.Timestamp = in.Timestamp
		out.FilledLength = out.AllocLength
		if in.Flags.Has(accelerator.BufferFlagEndOfStream) {
			out.Flags |= accelerator.BufferFlagEndOfStream
		}
		calls = append(calls,
			func() { cb.OnOutputDone(ctx, out) },
			func() { cb.OnInputDone(ctx, in) },
		)
	}
	return calls
}

func (s *fakeSession) Flush(ctx context.Context, port accelerator.Port) error {
	var calls []func()
	s.locker.Do(ctx, func() {
		s.flushCalls++
		cb := s.callbacks
		switch port {
		case accelerator.PortInput:
			for _, in := range s.inputs {
				calls = append(calls, func() { cb.OnInputDone(ctx, in) })
			}
			s.inputs = nil
		case accelerator.PortOutput:
			for _, out := range s.outputs {
				out.FilledLength = 0
				calls = append(calls, func() { cb.OnOutputDone(ctx, out) })
			}
			s.outputs = nil
		}
		if !s.acc.HoldFlush {
			calls = append(calls, func() {
				cb.OnEvent(ctx, accelerator.Event{Type: accelerator.EventTypeFlushDone, Port: port})
			})
		}
	})
	for _, call := range calls {
		call()
	}
	return nil
}

func (s *fakeSession) Terminate(ctx context.Context) error {
	s.locker.Do(ctx, func() {
		s.terminated = true
	})
	return nil
}

// die simulates the death of the service: everything it held is lost.
func (s *fakeSession) die(ctx context.Context) {
	cb := xsync.DoR1(ctx, &s.locker, func() accelerator.Callbacks {
		s.dead = true
		s.inputs = nil
		s.outputs = nil
		return s.callbacks
	})
	cb.OnServiceDied(ctx)
}

// completeNextInput turns the oldest queued input into an output.
func (s *fakeSession) completeNextInput(ctx context.Context) bool {
	return s.completeNext(ctx, true)
}

// completeNextInputEmpty consumes the oldest queued input and gives back
// an output buffer with nothing in it.
func (s *fakeSession) completeNextInputEmpty(ctx context.Context) bool {
	return s.completeNext(ctx, false)
}

func (s *fakeSession) completeNext(ctx context.Context, filled bool) bool {
	var calls []func()
	s.locker.Do(ctx, func() {
		if len(s.inputs) == 0 || len(s.outputs) == 0 {
			return
		}
		in, out := s.inputs[0], s.outputs[0]
		s.inputs, s.outputs = s.inputs[1:], s.outputs[1:]
		out.Timestamp = in.Timestamp
		out.FilledLength = 0
		if filled {
			out.FilledLength = out.AllocLength
		}
		if in.Flags.Has(accelerator.BufferFlagEndOfStream) {
			out.Flags |= accelerator.BufferFlagEndOfStream
		}
		cb := s.callbacks
		calls = append(calls,
			func() { cb.OnOutputDone(ctx, out) },
			func() { cb.OnInputDone(ctx, in) },
		)
	})
	for _, call := range calls {
		call()
	}
	return len(calls) > 0
}

func (s *fakeSession) inputAttempts(ctx context.Context, id int32) int {
	return xsync.DoR1(ctx, &s.locker, func() int {
		return s.attempts[id]
	})
}

func (s *fakeSession) queuedInputs(ctx context.Context) int {
	return xsync.DoR1(ctx, &s.locker, func() int {
		return len(s.inputs)
	})
}

func (s *fakeSession) interpolationFactors(ctx context.Context) []uint32 {
	return xsync.DoR1(ctx, &s.locker, func() []uint32 {
		return slices.Clone(s.factors)
	})
}

func (s *fakeSession) flushes(ctx context.Context) int {
	return xsync.DoR1(ctx, &s.locker, func() int {
		return s.flushCalls
	})
}

func (s *fakeSession) isTerminated(ctx context.Context) bool {
	return xsync.DoR1(ctx, &s.locker, func() bool {
		return s.terminated
	})
}

// flakyBuffers fails the copies into one chosen buffer.
type flakyBuffers struct {
	*buffer.ImagePool
	failCopyTo atomic.Uint64
}

var _ buffer.Pool = (*flakyBuffers)(nil)

func (f *flakyBuffers) CopyBuffer(ctx context.Context, src, dst buffer.Handle) error {
	if uint64(dst) == f.failCopyTo.Load() {
		return errors.New("the copy engine refused the buffer")
	}
	return f.ImagePool.CopyBuffer(ctx, src, dst)
}

// flakyStore refuses new references while failAddReference is set.
type flakyStore struct {
	*metadata.MemoryStore
	failAddReference atomic.Bool
}

var _ metadata.Store = (*flakyStore)(nil)

func (f *flakyStore) AddReference(ctx context.Context, ref metadata.Ref) error {
	if f.failAddReference.Load() {
		return errors.New("the metadata store is out of references")
	}
	return f.MemoryStore.AddReference(ctx, ref)
}

type testEnv struct {
	t        *testing.T
	ctx      context.Context
	cfg      Config
	images   *buffer.ImagePool
	buffers  *flakyBuffers
	store    *flakyStore
	clientID metadata.ClientID
	pipeline *fakePipeline
	acc      *fakeAccelerator
	sink     *camera.Recorder
	u        *Usecase
}

func testContext(t *testing.T) context.Context {
	l := logrus.Default().WithLevel(logger.LevelTrace)
	ctx := logger.CtxWithLogger(context.Background(), l)
	logger.Default = func() logger.Logger {
		return l
	}
	t.Cleanup(func() {
		belt.Flush(ctx)
	})
	return ctx
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NativeFPS = 120
	cfg.PreviewFPS = 30
	cfg.MaxHighSpeedFrames = 5
	cfg.PreRollFPS = 0
	cfg.PostRollFPS = 0
	cfg.ExtraBuffersForProcessing = 4
	cfg.OutputPortBypassDepth = 2
	cfg.OutputPortMaxDepth = 8
	cfg.TrackerSize = 64
	cfg.PipelineDrainTimeout = 200 * time.Millisecond
	cfg.Width, cfg.Height = 4, 4
	cfg.PixelFormat = accelerator.PixelFormatRGBA
	return cfg
}

func newTestEnv(t *testing.T, cfg Config, acc *fakeAccelerator) *testEnv {
	ctx := testContext(t)
	images := buffer.NewImagePool(int(cfg.Width), int(cfg.Height), 0)
	store := &flakyStore{MemoryStore: metadata.NewMemoryStore()}
	clientID, err := store.RegisterClient(ctx)
	require.NoError(t, err)

	env := &testEnv{
		t:        t,
		ctx:      ctx,
		cfg:      cfg,
		images:   images,
		buffers:  &flakyBuffers{ImagePool: images},
		store:    store,
		clientID: clientID,
		pipeline: &fakePipeline{},
		acc:      acc,
		sink:     camera.NewRecorder(),
	}
	env.u, err = New(ctx, cfg, Collaborators{
		Pipeline:    env.pipeline,
		Sink:        env.sink,
		Buffers:     env.buffers,
		Metadata:    store,
		Accelerator: acc,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if env.u.State(ctx) != statemachine.StateDestroy {
			require.NoError(t, env.u.Destroy(ctx, true))
		}
	})
	return env
}

func (env *testEnv) timestampOf(frameNumber types.FrameNumber) time.Duration {
	return time.Second + time.Duration(frameNumber)*(time.Second/time.Duration(env.cfg.NativeFPS))
}

// submitLeading submits the preview request leading the batch at base.
func (env *testEnv) submitLeading(base types.FrameNumber, settings *types.Settings) error {
	return env.u.SubmitRequest(env.ctx, &camera.ClientRequest{
		FrameNumber: base,
		Buffers: []buffer.StreamBuffer{{
			Stream: types.StreamKindPreview,
			Handle: env.images.Allocate(env.ctx),
		}},
		Settings: settings,
	})
}

func (env *testEnv) submitVideo(frameNumber types.FrameNumber, h buffer.Handle) {
	if h.IsNil() {
		h = env.images.Allocate(env.ctx)
	}
	require.NoError(env.t, env.u.SubmitRequest(env.ctx, &camera.ClientRequest{
		FrameNumber: frameNumber,
		Buffers: []buffer.StreamBuffer{{
			Stream: types.StreamKindVideo,
			Handle: h,
		}},
	}))
}

// completePipeline plays the capture pipeline: every pending request gets
// its shutter and its full result.
func (env *testEnv) completePipeline() {
	for _, req := range env.pipeline.takeRequests(env.ctx) {
		env.u.ProcessShutter(env.ctx, req.FrameNumber, env.timestampOf(req.FrameNumber))
		in, err := metadata.Acquire(env.ctx, env.store, env.clientID, req.FrameNumber)
		require.NoError(env.t, err)
		out, err := metadata.Acquire(env.ctx, env.store, env.clientID, req.FrameNumber)
		require.NoError(env.t, err)
		require.NoError(env.t, out.SetTag(env.ctx, metadata.TagSensorTimestamp, env.timestampOf(req.FrameNumber)))
		env.u.ProcessResult(env.ctx, &camera.PipelineResult{
			FrameNumber:    req.FrameNumber,
			Buffers:        req.Buffers,
			InputMetadata:  in,
			OutputMetadata: out,
		})
	}
}

// runBatch submits a whole batch: the leading preview request, the
// pipeline results and the video requests of the rest of the batch.
func (env *testEnv) runBatch(base types.FrameNumber, settings *types.Settings) {
	require.NoError(env.t, env.submitLeading(base, settings))
	env.completePipeline()
	for idx := types.FrameNumber(1); idx < types.FrameNumber(env.cfg.BatchSize()); idx++ {
		env.submitVideo(base+idx, buffer.HandleNil)
	}
}

func (env *testEnv) eventually(cond func() bool, msgAndArgs ...any) {
	require.Eventually(env.t, cond, 5*time.Second, time.Millisecond, msgAndArgs...)
}

func (env *testEnv) queueSize(name string) int {
	return env.u.QueueSizes(env.ctx)[name]
}

// poke wakes up the workers.
func (env *testEnv) poke() {
	env.u.lock(env.ctx)
	env.u.broadcastLocked()
	env.u.unlock(env.ctx)
}

func factor(v uint32) *types.Settings {
	return &types.Settings{InterpolationFactor: typing.Opt(v)}
}

func captureStart() *types.Settings {
	return &types.Settings{CaptureStart: true}
}

func videoResult(events []camera.Event, frameNumber types.FrameNumber) (camera.Event, bool) {
	for _, ev := range camera.VideoResults(events) {
		if ev.FrameNumber == frameNumber {
			return ev, true
		}
	}
	return camera.Event{}, false
}

func errorsOf(events []camera.Event, frameNumber types.FrameNumber) []camera.Event {
	var result []camera.Event
	for _, ev := range camera.Filter(events, camera.EventKindError) {
		if ev.FrameNumber == frameNumber {
			result = append(result, ev)
		}
	}
	return result
}

func (s *fakeSession) totalInputAttempts(ctx context.Context) int {
	return xsync.DoR1(ctx, &s.locker, func() int {
		total := 0
		for _, count := range s.attempts {
			total += count
		}
		return total
	})
}

func (s *fakeSession) callbacksOf(ctx context.Context) accelerator.Callbacks {
	return xsync.DoR1(ctx, &s.locker, func() accelerator.Callbacks {
		return s.callbacks
	})
}
