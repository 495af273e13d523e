package infer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xaionaro-go/inferpipeline/convert"
	"github.com/xaionaro-go/inferpipeline/engine"
	"github.com/xaionaro-go/inferpipeline/engine/enginetest"
	"github.com/xaionaro-go/inferpipeline/policy"
	"github.com/xaionaro-go/inferpipeline/types"
)

const testUniqueID = 2

type frameRecorder struct {
	locker sync.Mutex
	frames []*types.Frame
}

func (r *frameRecorder) sink(ctx context.Context, f *types.Frame) error {
	r.locker.Lock()
	defer r.locker.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *frameRecorder) Frames() []*types.Frame {
	r.locker.Lock()
	defer r.locker.Unlock()
	return append([]*types.Frame(nil), r.frames...)
}

func classifyingEngine() *enginetest.Engine {
	return enginetest.New(func(batchIdx int, input engine.BatchInput) []engine.SampleOutput {
		outputs := make([]engine.SampleOutput, len(input.Samples))
		for i := range outputs {
			label := fmt.Sprintf("cls-%d", batchIdx)
			outputs[i].Classification = &types.ClassificationInfo{
				Attributes: []types.Attribute{{Label: label, Confidence: 0.9}},
				Label:      label,
			}
		}
		return outputs
	})
}

func testFrame(frameNum types.FrameNum, objs ...*types.ObjectMeta) *types.Frame {
	return &types.Frame{
		Meta: types.FrameMeta{
			Source:   1,
			FrameNum: frameNum,
			Objects:  objs,
		},
		Image: image.NewRGBA(image.Rect(0, 0, 320, 240)),
	}
}

func testObject(id types.ObjectID, rect types.Rect) *types.ObjectMeta {
	return &types.ObjectMeta{
		ID:          id,
		ComponentID: 1,
		Rect:        rect,
	}
}

func startPipeline(
	t *testing.T,
	ctx context.Context,
	cfg Config,
	eng engine.Engine,
	opts ...Option,
) (*InferContext, *frameRecorder) {
	t.Helper()
	recorder := &frameRecorder{}
	ic, err := New(ctx, cfg, eng, convert.NewResizer(), recorder.sink, opts...)
	require.NoError(t, err)
	require.NoError(t, ic.Start(ctx))
	t.Cleanup(func() {
		if err := ic.Close(ctx); err != nil {
			t.Logf("close: %v", err)
		}
	})
	return ic, recorder
}

func TestPipelineForwardsFramesInOrder(t *testing.T) {
	ctx := context.Background()
	eng := classifyingEngine()
	eng.SubmitDelay = time.Millisecond

	ic, recorder := startPipeline(t, ctx, Config{
		UniqueID:           testUniqueID,
		Kind:               types.NetworkKindDetector,
		Mode:               types.ProcessModeObjects,
		MaxBatchSize:       2,
		NetworkInputWidth:  64,
		NetworkInputHeight: 64,
	}, eng)

	const numFrames = 10
	for i := types.FrameNum(0); i < numFrames; i++ {
		f := testFrame(i, testObject(types.ObjectID(i+1), types.Rect{Left: 10, Top: 10, Width: 50, Height: 50}))
		require.NoError(t, ic.SubmitFrame(ctx, f))
	}
	require.NoError(t, ic.InsertBarrier(ctx))

	frames := recorder.Frames()
	require.Len(t, frames, numFrames)
	for i, f := range frames {
		require.Equal(t, types.FrameNum(i), f.Meta.FrameNum)
	}
}

func TestPipelineBatchSizeCap(t *testing.T) {
	ctx := context.Background()
	eng := classifyingEngine()

	ic, _ := startPipeline(t, ctx, Config{
		UniqueID:           testUniqueID,
		Kind:               types.NetworkKindDetector,
		Mode:               types.ProcessModeObjects,
		MaxBatchSize:       2,
		NetworkInputWidth:  64,
		NetworkInputHeight: 64,
	}, eng)

	objs := make([]*types.ObjectMeta, 0, 5)
	for i := 0; i < 5; i++ {
		objs = append(objs, testObject(
			types.ObjectID(i+1),
			types.Rect{Left: float64(10 * i), Top: 10, Width: 40, Height: 40},
		))
	}
	require.NoError(t, ic.SubmitFrame(ctx, testFrame(1, objs...)))
	require.NoError(t, ic.InsertBarrier(ctx))

	require.Equal(t, []int{2, 2, 1}, eng.SubmittedSizes())

	stats := ic.GetStatistics()
	require.EqualValues(t, 3, stats.BatchesSubmitted)
	require.EqualValues(t, 3, stats.BatchesInferred)
	require.EqualValues(t, 5, stats.ObjectsInferred)
}

func TestClassifierAttachAndReuse(t *testing.T) {
	ctx := context.Background()
	eng := classifyingEngine()

	ic, recorder := startPipeline(t, ctx, Config{
		UniqueID:           testUniqueID,
		Kind:               types.NetworkKindClassifier,
		Mode:               types.ProcessModeObjects,
		MaxBatchSize:       4,
		NetworkInputWidth:  64,
		NetworkInputHeight: 64,
		Policy: policy.Config{
			ReinferInterval: 1000,
		},
	}, eng)

	rect := types.Rect{Left: 10, Top: 10, Width: 50, Height: 50}

	// First sighting: a fresh inference, attached before the frame is
	// released.
	require.NoError(t, ic.SubmitFrame(ctx, testFrame(1, testObject(7, rect))))
	require.NoError(t, ic.InsertBarrier(ctx))

	frames := recorder.Frames()
	require.Len(t, frames, 1)
	obj := frames[0].Meta.Objects[0]
	require.Len(t, obj.Classifiers, 1)
	require.Equal(t, uint(testUniqueID), obj.Classifiers[0].UniqueID)
	require.Equal(t, "cls-0", obj.Classifiers[0].Info.Label)
	require.Equal(t, 1, ic.History().NumRecords(ctx, 1))

	// Second sighting, same geometry: no new inference, the cached
	// result is re-attached.
	require.NoError(t, ic.SubmitFrame(ctx, testFrame(2, testObject(7, rect))))
	require.NoError(t, ic.InsertBarrier(ctx))

	require.Equal(t, 1, eng.Submitted())
	frames = recorder.Frames()
	require.Len(t, frames, 2)
	obj = frames[1].Meta.Objects[0]
	require.Len(t, obj.Classifiers, 1)
	require.Equal(t, "cls-0", obj.Classifiers[0].Info.Label)

	stats := ic.GetStatistics()
	require.EqualValues(t, 1, stats.ResultsReused)

	// Third sighting, grown past the area threshold: reinferred.
	grown := types.Rect{Left: 10, Top: 10, Width: 60, Height: 60}
	require.NoError(t, ic.SubmitFrame(ctx, testFrame(3, testObject(7, grown))))
	require.NoError(t, ic.InsertBarrier(ctx))

	require.Equal(t, 2, eng.Submitted())
	frames = recorder.Frames()
	obj = frames[2].Meta.Objects[0]
	require.Len(t, obj.Classifiers, 1)
	require.Equal(t, "cls-1", obj.Classifiers[0].Info.Label)
}

func TestClassifierReinferAfterInterval(t *testing.T) {
	ctx := context.Background()
	eng := classifyingEngine()

	ic, _ := startPipeline(t, ctx, Config{
		UniqueID:           testUniqueID,
		Kind:               types.NetworkKindClassifier,
		Mode:               types.ProcessModeObjects,
		NetworkInputWidth:  64,
		NetworkInputHeight: 64,
		Policy: policy.Config{
			ReinferInterval: 5,
		},
	}, eng)

	rect := types.Rect{Left: 10, Top: 10, Width: 50, Height: 50}
	require.NoError(t, ic.SubmitFrame(ctx, testFrame(1, testObject(7, rect))))
	require.NoError(t, ic.SubmitFrame(ctx, testFrame(4, testObject(7, rect))))
	require.NoError(t, ic.InsertBarrier(ctx))
	require.Equal(t, 1, eng.Submitted())

	require.NoError(t, ic.SubmitFrame(ctx, testFrame(7, testObject(7, rect))))
	require.NoError(t, ic.InsertBarrier(ctx))
	require.Equal(t, 2, eng.Submitted())
}

func TestAsyncModeForwardsImmediately(t *testing.T) {
	ctx := context.Background()
	eng := classifyingEngine()
	eng.SubmitDelay = 20 * time.Millisecond

	ic, recorder := startPipeline(t, ctx, Config{
		UniqueID:           testUniqueID,
		Kind:               types.NetworkKindClassifier,
		Mode:               types.ProcessModeObjects,
		ClassifierAsync:    true,
		NetworkInputWidth:  64,
		NetworkInputHeight: 64,
		Policy: policy.Config{
			ReinferInterval: 1000,
		},
	}, eng)

	rect := types.Rect{Left: 10, Top: 10, Width: 50, Height: 50}

	// The frame comes back before the engine is done with its batch;
	// the result only lands in the cache.
	start := time.Now()
	require.NoError(t, ic.SubmitFrame(ctx, testFrame(1, testObject(3, rect))))
	frames := recorder.Frames()
	require.Len(t, frames, 1)
	require.Less(t, time.Since(start), eng.SubmitDelay)
	require.Empty(t, frames[0].Meta.Objects[0].Classifiers)

	require.NoError(t, ic.InsertBarrier(ctx))

	// The next sighting picks the cached result up during selection.
	require.NoError(t, ic.SubmitFrame(ctx, testFrame(2, testObject(3, rect))))
	frames = recorder.Frames()
	require.Len(t, frames, 2)
	obj := frames[1].Meta.Objects[0]
	require.Len(t, obj.Classifiers, 1)
	require.Equal(t, "cls-0", obj.Classifiers[0].Info.Label)
	require.Equal(t, 1, eng.Submitted())

	// Untracked objects cannot be reconciled later; they are skipped.
	require.NoError(t, ic.SubmitFrame(ctx, testFrame(3, testObject(types.UntrackedObjectID, rect))))
	require.NoError(t, ic.InsertBarrier(ctx))
	require.Equal(t, 1, eng.Submitted())
}

func TestAsyncAttachesCacheWhileRefreshInFlight(t *testing.T) {
	ctx := context.Background()
	eng := classifyingEngine()

	ic, recorder := startPipeline(t, ctx, Config{
		UniqueID:           testUniqueID,
		Kind:               types.NetworkKindClassifier,
		Mode:               types.ProcessModeObjects,
		ClassifierAsync:    true,
		NetworkInputWidth:  64,
		NetworkInputHeight: 64,
		Policy: policy.Config{
			ReinferInterval: 1000,
		},
	}, eng)

	rect := types.Rect{Left: 10, Top: 10, Width: 50, Height: 50}
	require.NoError(t, ic.SubmitFrame(ctx, testFrame(1, testObject(7, rect))))
	require.NoError(t, ic.InsertBarrier(ctx))

	// Grown past the area threshold: a refresh goes to the engine, and
	// the frame still leaves carrying the cached result.
	grown := types.Rect{Left: 10, Top: 10, Width: 60, Height: 60}
	require.NoError(t, ic.SubmitFrame(ctx, testFrame(2, testObject(7, grown))))
	frames := recorder.Frames()
	require.Len(t, frames, 2)
	obj := frames[1].Meta.Objects[0]
	require.Len(t, obj.Classifiers, 1)
	require.Equal(t, "cls-0", obj.Classifiers[0].Info.Label)

	require.NoError(t, ic.InsertBarrier(ctx))
	require.Equal(t, 2, eng.Submitted())

	// The refreshed result surfaces on the next sighting.
	require.NoError(t, ic.SubmitFrame(ctx, testFrame(3, testObject(7, grown))))
	frames = recorder.Frames()
	require.Len(t, frames, 3)
	obj = frames[2].Meta.Objects[0]
	require.Len(t, obj.Classifiers, 1)
	require.Equal(t, "cls-1", obj.Classifiers[0].Info.Label)
}

func TestControlPlaneStaysResponsiveWhenQueuesFill(t *testing.T) {
	ctx := context.Background()

	// The sink is gated shut, so release markers pile up in both stage
	// queues well past their capacity.
	gate := make(chan struct{})
	recorder := &frameRecorder{}
	sink := func(ctx context.Context, f *types.Frame) error {
		<-gate
		return recorder.sink(ctx, f)
	}

	ic, err := New(ctx, Config{
		UniqueID:           testUniqueID,
		Kind:               types.NetworkKindClassifier,
		Mode:               types.ProcessModeObjects,
		QueueSize:          2,
		NetworkInputWidth:  64,
		NetworkInputHeight: 64,
	}, classifyingEngine(), convert.NewResizer(), sink)
	require.NoError(t, err)
	require.NoError(t, ic.Start(ctx))
	t.Cleanup(func() {
		if err := ic.Close(ctx); err != nil {
			t.Logf("close: %v", err)
		}
	})

	const numFrames = 8
	submitted := make(chan error, 1)
	go func() {
		for i := types.FrameNum(1); i <= numFrames; i++ {
			if err := ic.SubmitFrame(ctx, testFrame(i)); err != nil {
				submitted <- err
				return
			}
		}
		submitted <- nil
	}()

	// Let the queues congest behind the blocked sink.
	time.Sleep(50 * time.Millisecond)

	stateCh := make(chan State, 1)
	go func() { stateCh <- ic.GetState(ctx) }()
	select {
	case state := <-stateCh:
		require.Equal(t, StateRunning, state)
	case <-time.After(time.Second):
		t.Fatal("GetState stalled behind a congested queue")
	}

	close(gate)
	select {
	case err := <-submitted:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("the submitter never unblocked")
	}
	require.NoError(t, ic.Stop(ctx))
	require.Len(t, recorder.Frames(), numFrames)
}

func TestSinkErrorIsReportedAndRemembered(t *testing.T) {
	ctx := context.Background()
	sinkErr := errors.New("downstream is gone")

	recorder := &frameRecorder{}
	var failedOnce bool
	var locker sync.Mutex
	sink := func(ctx context.Context, f *types.Frame) error {
		locker.Lock()
		defer locker.Unlock()
		if !failedOnce {
			failedOnce = true
			return sinkErr
		}
		return recorder.sink(ctx, f)
	}

	errCh := make(chan Error, 16)
	ic, err := New(ctx, Config{
		UniqueID:           testUniqueID,
		Kind:               types.NetworkKindDetector,
		Mode:               types.ProcessModeObjects,
		NetworkInputWidth:  64,
		NetworkInputHeight: 64,
	}, classifyingEngine(), convert.NewResizer(), sink,
		OptionErrorHandler(func(ctx context.Context, e Error) {
			errCh <- e
		}),
	)
	require.NoError(t, err)
	require.NoError(t, ic.Start(ctx))
	t.Cleanup(func() {
		if err := ic.Close(ctx); err != nil {
			t.Logf("close: %v", err)
		}
	})

	require.NoError(t, ic.SubmitFrame(ctx, testFrame(1)))
	require.NoError(t, ic.InsertBarrier(ctx))

	select {
	case e := <-errCh:
		require.Equal(t, StageCollection, e.Stage)
		require.ErrorIs(t, e, sinkErr)
	default:
		t.Fatal("no error was reported")
	}
	require.ErrorIs(t, ic.LastSinkError(), sinkErr)

	// The pipeline keeps going; later frames flow normally.
	require.NoError(t, ic.SubmitFrame(ctx, testFrame(2)))
	require.NoError(t, ic.InsertBarrier(ctx))
	require.Len(t, recorder.Frames(), 1)
}

func TestSubmitErrorDropsBatchButNotFrame(t *testing.T) {
	ctx := context.Background()
	eng := classifyingEngine()
	eng.SubmitErrs = map[int]error{0: errors.New("injected failure")}

	errCh := make(chan Error, 16)
	ic, recorder := startPipeline(t, ctx, Config{
		UniqueID:           testUniqueID,
		Kind:               types.NetworkKindClassifier,
		Mode:               types.ProcessModeObjects,
		NetworkInputWidth:  64,
		NetworkInputHeight: 64,
		Policy: policy.Config{
			ReinferInterval: 1000,
		},
	}, eng, OptionErrorHandler(func(ctx context.Context, err Error) {
		errCh <- err
	}))

	rect := types.Rect{Left: 10, Top: 10, Width: 50, Height: 50}
	require.NoError(t, ic.SubmitFrame(ctx, testFrame(1, testObject(7, rect))))
	require.NoError(t, ic.InsertBarrier(ctx))

	// The frame still went through, just unclassified.
	frames := recorder.Frames()
	require.Len(t, frames, 1)
	require.Empty(t, frames[0].Meta.Objects[0].Classifiers)

	select {
	case err := <-errCh:
		require.Equal(t, StageSubmission, err.Stage)
	default:
		t.Fatal("no error was reported")
	}
	stats := ic.GetStatistics()
	require.EqualValues(t, 1, stats.BatchesDropped)

	// The object became a candidate again right away.
	require.NoError(t, ic.SubmitFrame(ctx, testFrame(2, testObject(7, rect))))
	require.NoError(t, ic.InsertBarrier(ctx))
	require.Equal(t, 2, eng.Submitted())
	frames = recorder.Frames()
	require.Len(t, frames, 2)
	require.Len(t, frames[1].Meta.Objects[0].Classifiers, 1)

	// No surface leaked on the failure path.
	require.EqualValues(t, 0, ic.pool.Free()-ic.cfg.PoolSize)
}

func TestFullFrameDetectionsAreMappedBack(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.New(func(batchIdx int, input engine.BatchInput) []engine.SampleOutput {
		outputs := make([]engine.SampleOutput, len(input.Samples))
		for i := range outputs {
			outputs[i].Detections = []types.Detection{{
				// Network-input coordinates (the sample is 100x100).
				Rect:       types.Rect{Left: 10, Top: 10, Width: 20, Height: 20},
				ClassID:    1,
				Confidence: 0.8,
			}}
		}
		return outputs
	})

	ic, recorder := startPipeline(t, ctx, Config{
		UniqueID:           testUniqueID,
		Kind:               types.NetworkKindDetector,
		Mode:               types.ProcessModeFullFrame,
		NetworkInputWidth:  100,
		NetworkInputHeight: 100,
	}, eng)

	f := &types.Frame{
		Meta:  types.FrameMeta{Source: 1, FrameNum: 1},
		Image: image.NewRGBA(image.Rect(0, 0, 200, 200)),
	}
	require.NoError(t, ic.SubmitFrame(ctx, f))
	require.NoError(t, ic.InsertBarrier(ctx))

	frames := recorder.Frames()
	require.Len(t, frames, 1)
	require.Len(t, frames[0].Meta.Detections, 1)
	det := frames[0].Meta.Detections[0]
	// 200x200 squeezed into 100x100 means a 0.5 ratio both ways.
	require.InDelta(t, 20.0, det.Rect.Left, 1e-9)
	require.InDelta(t, 20.0, det.Rect.Top, 1e-9)
	require.InDelta(t, 40.0, det.Rect.Width, 1e-9)
	require.InDelta(t, 40.0, det.Rect.Height, 1e-9)
	require.Equal(t, 1, det.ClassID)
}

func TestFullFrameInterval(t *testing.T) {
	ctx := context.Background()
	eng := classifyingEngine()

	ic, recorder := startPipeline(t, ctx, Config{
		UniqueID:           testUniqueID,
		Kind:               types.NetworkKindDetector,
		Mode:               types.ProcessModeFullFrame,
		Interval:           1,
		NetworkInputWidth:  64,
		NetworkInputHeight: 64,
	}, eng)

	for i := types.FrameNum(1); i <= 4; i++ {
		require.NoError(t, ic.SubmitFrame(ctx, testFrame(i)))
	}
	require.NoError(t, ic.InsertBarrier(ctx))

	// Every other frame is inferred; every frame is forwarded.
	require.Equal(t, 2, eng.Submitted())
	require.Len(t, recorder.Frames(), 4)
}

func TestStopDrainsAndRestarts(t *testing.T) {
	ctx := context.Background()
	eng := classifyingEngine()
	eng.SubmitDelay = 2 * time.Millisecond

	ic, recorder := startPipeline(t, ctx, Config{
		UniqueID:           testUniqueID,
		Kind:               types.NetworkKindDetector,
		Mode:               types.ProcessModeObjects,
		NetworkInputWidth:  64,
		NetworkInputHeight: 64,
	}, eng)

	rect := types.Rect{Left: 10, Top: 10, Width: 50, Height: 50}
	for i := types.FrameNum(1); i <= 3; i++ {
		require.NoError(t, ic.SubmitFrame(ctx, testFrame(i, testObject(types.ObjectID(i), rect))))
	}
	require.NoError(t, ic.Stop(ctx))
	require.Equal(t, StateStopped, ic.GetState(ctx))
	require.NoError(t, ic.WaitForState(ctx, StateStopped))

	// Everything queued before the stop was still delivered.
	require.Len(t, recorder.Frames(), 3)

	err := ic.SubmitFrame(ctx, testFrame(4, testObject(4, rect)))
	require.ErrorAs(t, err, &ErrNotRunning{})

	// A stopped pipeline can be started again.
	require.NoError(t, ic.Start(ctx))
	require.NoError(t, ic.WaitForState(ctx, StateRunning))
	require.NoError(t, ic.SubmitFrame(ctx, testFrame(5, testObject(5, rect))))
	require.NoError(t, ic.InsertBarrier(ctx))
	require.Len(t, recorder.Frames(), 4)
}

func TestStartTwiceFails(t *testing.T) {
	ctx := context.Background()
	ic, _ := startPipeline(t, ctx, Config{
		UniqueID:           testUniqueID,
		Kind:               types.NetworkKindDetector,
		Mode:               types.ProcessModeObjects,
		NetworkInputWidth:  64,
		NetworkInputHeight: 64,
	}, classifyingEngine())

	err := ic.Start(ctx)
	require.ErrorAs(t, err, &ErrAlreadyStarted{})
}

func TestNewValidatesConfig(t *testing.T) {
	ctx := context.Background()
	recorder := &frameRecorder{}

	_, err := New(ctx, Config{}, classifyingEngine(), convert.NewResizer(), recorder.sink)
	require.Error(t, err)

	_, err = New(ctx, Config{
		Kind:               types.NetworkKindDetector,
		Mode:               types.ProcessModeObjects,
		NetworkInputWidth:  64,
		NetworkInputHeight: 64,
	}, nil, convert.NewResizer(), recorder.sink)
	require.Error(t, err)
}

func TestAsyncIsForcedOffForDetectors(t *testing.T) {
	ctx := context.Background()
	ic, recorder := startPipeline(t, ctx, Config{
		UniqueID:           testUniqueID,
		Kind:               types.NetworkKindDetector,
		Mode:               types.ProcessModeObjects,
		ClassifierAsync:    true,
		NetworkInputWidth:  64,
		NetworkInputHeight: 64,
	}, classifyingEngine())

	// In (forced) sync mode results are attached before the frame is
	// released, so the item targets must be set.
	rect := types.Rect{Left: 10, Top: 10, Width: 50, Height: 50}
	require.NoError(t, ic.SubmitFrame(ctx, testFrame(1, testObject(1, rect))))
	require.NoError(t, ic.InsertBarrier(ctx))
	frames := recorder.Frames()
	require.Len(t, frames, 1)
	require.Len(t, frames[0].Meta.Objects[0].Classifiers, 1)
}
