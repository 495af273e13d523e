// Command inferdemo runs the inference pipeline against a synthetic
// stream: generated frames with a few moving tracked objects, a
// scripted engine instead of a real accelerator, and a sink that only
// counts. It exists to exercise batching, reinference and the two-stage
// overlap without any model files.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"math"
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
	"go.uber.org/atomic"

	"github.com/xaionaro-go/inferpipeline/convert"
	"github.com/xaionaro-go/inferpipeline/engine"
	"github.com/xaionaro-go/inferpipeline/engine/enginetest"
	"github.com/xaionaro-go/inferpipeline/infer"
	"github.com/xaionaro-go/inferpipeline/policy"
	"github.com/xaionaro-go/inferpipeline/types"
)

func main() {
	loggerLevel := logger.LevelInfo
	pflag.Var(&loggerLevel, "log-level", "Log level")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	numFrames := pflag.Uint64("frames", 3000, "the amount of frames to generate")
	numObjects := pflag.Int("objects", 4, "the amount of tracked objects per frame")
	batchSize := pflag.Int("batch-size", 4, "the maximum batch size")
	reinferInterval := pflag.Uint64("reinfer-interval", 30, "reinfer a tracked object after this many frames")
	async := pflag.Bool("async", false, "use the asynchronous classifier mode")
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
		observability.Go(ctx, func(ctx context.Context) {
			l.Error(http.ListenAndServe(*netPprofAddr, nil))
		})
	}

	eng := enginetest.New(func(batchIdx int, input engine.BatchInput) []engine.SampleOutput {
		outputs := make([]engine.SampleOutput, len(input.Samples))
		for i := range outputs {
			label := fmt.Sprintf("style-%d", (batchIdx+i)%3)
			outputs[i].Classification = &types.ClassificationInfo{
				Attributes: []types.Attribute{{Label: label, Confidence: 0.9}},
				Label:      label,
			}
		}
		return outputs
	})
	eng.SubmitDelay = 2 * time.Millisecond // a pretend accelerator

	var forwarded atomic.Uint64
	sink := func(ctx context.Context, f *types.Frame) error {
		forwarded.Inc()
		return nil
	}

	ic, err := infer.New(
		ctx,
		infer.Config{
			UniqueID:           2,
			Kind:               types.NetworkKindClassifier,
			Mode:               types.ProcessModeObjects,
			MaxBatchSize:       *batchSize,
			ClassifierAsync:    *async,
			NetworkInputWidth:  224,
			NetworkInputHeight: 224,
			Policy: policy.Config{
				MinObjectWidth:  16,
				MinObjectHeight: 16,
				ReinferInterval: types.FrameNum(*reinferInterval),
			},
		},
		eng,
		convert.NewResizer(),
		sink,
		infer.OptionErrorHandler(func(ctx context.Context, err infer.Error) {
			l.Errorf("pipeline error: %v", err)
		}),
	)
	if err != nil {
		l.Fatal(err)
	}
	if err := ic.Start(ctx); err != nil {
		l.Fatal(err)
	}

	const source = types.SourceID(1)
	ic.NotifySourceAttached(ctx, source)

	done := make(chan struct{})
	observability.Go(ctx, func(ctx context.Context) {
		defer close(done)
		canvas := image.NewRGBA(image.Rect(0, 0, 1920, 1080))
		for frameNum := uint64(0); frameNum < *numFrames; frameNum++ {
			f := makeFrame(canvas, source, types.FrameNum(frameNum), *numObjects)
			if err := ic.SubmitFrame(ctx, f); err != nil {
				l.Errorf("unable to submit frame #%d: %v", frameNum, err)
				return
			}
		}
	})

	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			if err := ic.InsertBarrier(ctx); err != nil {
				l.Errorf("unable to drain: %v", err)
			}
			if err := ic.Close(ctx); err != nil {
				l.Errorf("unable to close the pipeline: %v", err)
			}
			printStats(ic, forwarded.Load())
			fmt.Printf("engine: %s batches submitted, %s outputs released\n",
				humanize.Comma(int64(eng.Submitted())),
				humanize.Comma(int64(eng.Released())),
			)
			return
		case <-t.C:
			printStats(ic, forwarded.Load())
		}
	}
}

func printStats(ic *infer.InferContext, forwarded uint64) {
	statsJSON, err := json.Marshal(ic.GetStatistics())
	if err != nil {
		panic(err)
	}
	fmt.Printf("forwarded:%s stats:%s\n", humanize.Comma(int64(forwarded)), statsJSON)
}

// makeFrame produces a frame with `numObjects` tracked objects slowly
// drifting and breathing in size, so the reinference criteria actually
// trigger once in a while.
func makeFrame(
	canvas *image.RGBA,
	source types.SourceID,
	frameNum types.FrameNum,
	numObjects int,
) *types.Frame {
	phase := float64(frameNum) / 60
	for i := 0; i < numObjects; i++ {
		canvas.Set(100*i, 100, color.RGBA{R: uint8(frameNum), G: uint8(i), A: 0xff})
	}

	objs := make([]*types.ObjectMeta, 0, numObjects)
	for i := 0; i < numObjects; i++ {
		size := 80 + 40*math.Sin(phase+float64(i))
		objs = append(objs, &types.ObjectMeta{
			ID:      types.ObjectID(i + 1),
			ClassID: i % 2,
			Rect: types.Rect{
				Left:   100 + 10*float64(i) + 50*math.Cos(phase),
				Top:    100 + 10*float64(i) + 50*math.Sin(phase),
				Width:  size,
				Height: size,
			},
		})
	}
	return &types.Frame{
		Meta: types.FrameMeta{
			Source:   source,
			FrameNum: frameNum,
			Objects:  objs,
		},
		Image: canvas,
	}
}
