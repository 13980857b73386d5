package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/secret"
	"github.com/xaionaro-go/slowmo"
	"github.com/xaionaro-go/slowmo/accelerator"
	"github.com/xaionaro-go/slowmo/accelerator/softfrc"
	"github.com/xaionaro-go/slowmo/buffer"
	"github.com/xaionaro-go/slowmo/camera"
	"github.com/xaionaro-go/slowmo/camera/simcamera"
	"github.com/xaionaro-go/slowmo/control"
	"github.com/xaionaro-go/slowmo/metadata"
	"github.com/xaionaro-go/slowmo/types"
	"github.com/xaionaro-go/typing"
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s [flags]\n", os.Args[0])
		pflag.PrintDefaults()
	}

	cfg := slowmo.DefaultConfig()
	loggerLevel := logger.LevelWarning
	pflag.Var(&loggerLevel, "log-level", "Log level")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	controlAddr := pflag.String("listen", "", "an address to listen for incoming control gRPC connections")
	controlToken := pflag.String("control-token", os.Getenv("SLOWMO_CONTROL_TOKEN"), "the token the control clients have to present")
	pflag.Uint32Var(&cfg.NativeFPS, "native-fps", 240, "the sensor frame rate")
	pflag.Uint32Var(&cfg.PreviewFPS, "preview-fps", 30, "the preview frame rate")
	pflag.Uint32Var(&cfg.VideoFPS, "video-fps", 30, "the frame rate of the delivered video")
	pflag.Uint32Var(&cfg.MaxHighSpeedFrames, "max-high-speed-frames", 60, "the length of the high-speed window")
	pflag.DurationVar(&cfg.PreRollDuration, "pre-roll", 200*time.Millisecond, "the pre-roll duration")
	pflag.DurationVar(&cfg.PostRollDuration, "post-roll", 200*time.Millisecond, "the post-roll duration")
	pflag.Uint32Var(&cfg.Width, "width", 320, "the frame width")
	pflag.Uint32Var(&cfg.Height, "height", 180, "the frame height")
	factor := pflag.Uint32("interpolation-factor", slowmo.DefaultInterpolationFactor, "the interpolation factor of the recording")
	batches := pflag.Int("batches", 40, "the amount of preview batches to run")
	captureAt := pflag.Int("capture-at-batch", 5, "the batch starting the recording")
	realTime := pflag.Bool("real-time", false, "pace the simulated sensor at its frame rate")
	pflag.Parse()
	if len(pflag.Args()) != 0 {
		pflag.Usage()
		os.Exit(1)
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	if *netPprofAddr != "" {
		observability.Go(ctx, func(context.Context) { l.Error(http.ListenAndServe(*netPprofAddr, nil)) })
	}

	cfg.PixelFormat = accelerator.PixelFormatRGBA
	images := buffer.NewImagePool(int(cfg.Width), int(cfg.Height), 0)
	store := metadata.NewMemoryStore()

	pipeline, err := simcamera.New(ctx, simcamera.Config{
		FrameInterval: time.Second / time.Duration(cfg.NativeFPS),
		RealTime:      *realTime,
	}, images, store)
	if err != nil {
		l.Fatal(err)
	}
	defer pipeline.Close(ctx)

	sink := camera.NewRecorder()
	u, err := slowmo.New(ctx, cfg, slowmo.Collaborators{
		Pipeline:    pipeline,
		Sink:        sink,
		Buffers:     images,
		Metadata:    store,
		Accelerator: softfrc.New(images),
	})
	if err != nil {
		l.Fatal(err)
	}
	if err := pipeline.Start(ctx, u); err != nil {
		l.Fatal(err)
	}

	if *controlAddr != "" {
		listener, err := net.Listen("tcp", *controlAddr)
		if err != nil {
			l.Fatal(err)
		}
		srv := control.NewServer(u, secret.New(*controlToken))
		observability.Go(ctx, func(ctx context.Context) {
			if err := srv.Serve(ctx, listener); err != nil {
				l.Error(err)
			}
		})
	}

	client := &demoClient{
		Usecase:   u,
		Images:    images,
		Sink:      sink,
		BatchSize: types.FrameNumber(cfg.BatchSize()),
	}
	err = client.Run(ctx, *batches, *captureAt, &types.Settings{
		CaptureStart:        true,
		InterpolationFactor: typing.Opt(*factor),
	})
	if err != nil {
		l.Error(err)
	}

	if err := u.Destroy(ctx, false); err != nil {
		l.Error(err)
	}

	stats := u.Stats(ctx)
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		l.Fatal(err)
	}
	events := sink.Events(ctx)
	fmt.Printf("stats: %s\n", statsJSON)
	fmt.Printf(
		"videos delivered: %d; errors: %d; frames interpolated: %d; image memory: %s\n",
		len(camera.VideoResults(events)),
		len(camera.Filter(events, camera.EventKindError)),
		stats.Accelerator.OutputDoneCount,
		humanize.Bytes(images.AllocatedBytes(ctx)),
	)
}
