package infer

import (
	"context"
	"fmt"
	"time"

	"github.com/facebookincubator/go-belt"

	"github.com/xaionaro-go/inferpipeline/history"
	"github.com/xaionaro-go/inferpipeline/logger"
	"github.com/xaionaro-go/inferpipeline/policy"
	"github.com/xaionaro-go/inferpipeline/types"
)

// SubmitFrame runs the frame through selection and batch building, then
// hands it to the mode strategy for downstream release. It is the
// blocking entry point of the pipeline: an exhausted surface pool stalls
// it until in-flight batches complete.
//
// On a nil error the pipeline owns the frame and will forward it (async
// mode already has). On an error the frame was not forwarded and stays
// with the caller.
func (ic *InferContext) SubmitFrame(ctx context.Context, f *types.Frame) (_err error) {
	logger.Tracef(ctx, "SubmitFrame(%s)", f)
	defer func() { logger.Tracef(ctx, "/SubmitFrame(%s): %v", f, _err) }()

	if state := ic.GetState(ctx); state != StateRunning {
		return ErrNotRunning{State: state}
	}
	ctx = belt.WithField(ctx, "source_id", f.Meta.Source)
	ic.stats.FramesSubmitted.Inc()
	ic.history.MarkSeen(ctx, f.Meta.Source, f.Meta.FrameNum)

	b := &batchBuilder{ic: ic, frame: f}
	var err error
	switch ic.cfg.Mode {
	case types.ProcessModeFullFrame:
		err = b.selectFullFrame(ctx)
	case types.ProcessModeObjects:
		err = b.selectObjects(ctx)
	default:
		err = fmt.Errorf("unexpected process mode: %v", ic.cfg.Mode)
	}
	if err != nil {
		b.abort(ctx)
		return err
	}
	b.flush(ctx)

	if err := ic.strategy.finishFrame(ctx, ic, f, b.deferred); err != nil {
		return err
	}

	if evicted := ic.history.Cleanup(ctx); evicted > 0 {
		logger.Debugf(ctx, "evicted %d stale history records", evicted)
	}
	return nil
}

// batchBuilder accumulates the accepted regions of one frame into
// inference batches, flushing whenever the batch size cap is reached.
type batchBuilder struct {
	ic    *InferContext
	frame *types.Frame

	cur      *pendingBatch
	deferred []deferredAttach
}

func (b *batchBuilder) selectFullFrame(ctx context.Context) error {
	ic := b.ic

	var skip bool
	ic.locker.Do(ctx, func() {
		if ic.cfg.Interval == 0 {
			return
		}
		if ic.intervalCounter > 0 {
			ic.intervalCounter--
			skip = true
			return
		}
		ic.intervalCounter = ic.cfg.Interval
	})
	if skip {
		ic.stats.ItemsSkipped.Inc()
		return nil
	}

	if b.frame.Image == nil {
		ic.reportError(ctx, Error{
			Stage: StageBuilder,
			Err:   fmt.Errorf("%s carries no pixels, nothing to infer on", b.frame),
		})
		return nil
	}

	bounds := b.frame.Bounds()
	rect := types.Rect{
		Left:   float64(bounds.Min.X),
		Top:    float64(bounds.Min.Y),
		Width:  float64(bounds.Dx()),
		Height: float64(bounds.Dy()),
	}
	return b.addItem(ctx, nil, types.UntrackedObjectID, rect, history.Ref{})
}

func (b *batchBuilder) selectObjects(ctx context.Context) error {
	ic := b.ic
	source := b.frame.Meta.Source
	frameNum := b.frame.Meta.FrameNum
	classifier := ic.cfg.Kind == types.NetworkKindClassifier

	for _, obj := range b.frame.Meta.Objects {
		tracked := obj.ID.IsTracked()
		if !tracked && ic.cfg.ClassifierAsync {
			// Without a stable id there is nothing to attach a late
			// result to.
			ic.warnUntracked(ctx)
			ic.stats.ItemsSkipped.Inc()
			continue
		}

		var histRec *history.Record
		var ref history.Ref
		if classifier && tracked {
			if snapshot, r, ok := ic.history.Snapshot(ctx, source, obj.ID); ok {
				histRec, ref = &snapshot, r
			}
		}

		if !policy.ShouldInfer(&ic.cfg.Policy, ic.cfg.Kind, obj, frameNum, histRec) {
			ic.stats.ItemsSkipped.Inc()
			if histRec == nil {
				continue
			}
			ic.history.With(ctx, ref, func(r *history.Record) {
				r.LastAccessedFrame = frameNum
			})
			if !hasResult(histRec.Cached) {
				continue
			}
			ic.stats.ResultsReused.Inc()
			if ic.strategy.attachAtCollection() {
				// The attachment is deferred to collection time so it
				// reflects any inference of this object still in flight.
				b.deferred = append(b.deferred, deferredAttach{hist: ref, obj: obj})
			} else {
				obj.AttachClassifier(ic.cfg.UniqueID, histRec.Cached)
			}
			continue
		}

		if !ic.strategy.attachAtCollection() && histRec != nil && hasResult(histRec.Cached) {
			// The refresh only lands in the cache later; meanwhile the
			// frame leaves with the best result known so far.
			obj.AttachClassifier(ic.cfg.UniqueID, histRec.Cached)
		}
		if classifier && tracked && !ref.IsSet() {
			ref = ic.history.GetOrCreate(ctx, source, obj.ID)
		}
		if err := b.addItem(ctx, obj, obj.ID, obj.Rect, ref); err != nil {
			return err
		}
	}
	return nil
}

// addItem converts the region onto the current batch surface, acquiring
// a fresh surface when needed. A conversion failure skips the item only.
func (b *batchBuilder) addItem(
	ctx context.Context,
	obj *types.ObjectMeta,
	object types.ObjectID,
	rect types.Rect,
	ref history.Ref,
) error {
	ic := b.ic

	if b.cur == nil {
		surface, err := ic.pool.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("unable to acquire a conversion surface: %w", err)
		}
		b.cur = &pendingBatch{
			kind:    batchInference,
			surface: surface,
		}
	}

	idx := len(b.cur.items)
	roi := rect.ImageRect()
	scaleX, scaleY, err := ic.converter.Convert(ctx, b.frame.Image, roi, b.cur.surface.Samples[idx])
	if err != nil {
		ic.reportError(ctx, Error{
			Stage: StageBuilder,
			Err:   fmt.Errorf("unable to convert %v of %s: %w", roi, b.frame, err),
		})
		ic.stats.ItemsSkipped.Inc()
		return nil
	}

	item := batchItem{
		sampleIndex: idx,
		source:      b.frame.Meta.Source,
		object:      object,
		frameNum:    b.frame.Meta.FrameNum,
		rect:        rect,
		roiLeft:     float64(roi.Min.X),
		roiTop:      float64(roi.Min.Y),
		scaleX:      scaleX,
		scaleY:      scaleY,
		hist:        ref,
	}
	if ic.strategy.attachAtCollection() {
		item.obj = obj
		item.frame = b.frame
	}
	b.cur.items = append(b.cur.items, item)

	if len(b.cur.items) >= ic.cfg.MaxBatchSize {
		b.flush(ctx)
	}
	return nil
}

// flush queues the current batch (if any). The under-inference marks
// are placed before queueing, so a result collected very quickly still
// finds them; a declined enqueue rolls the marks back.
func (b *batchBuilder) flush(ctx context.Context) {
	ic := b.ic
	batch := b.cur
	b.cur = nil
	if batch == nil {
		return
	}
	if len(batch.items) == 0 {
		batch.surface.Unref()
		return
	}

	for i := range batch.items {
		item := &batch.items[i]
		ic.history.With(ctx, item.hist, func(r *history.Record) {
			r.UnderInference = true
			r.LastInferredFrame = item.frameNum
			r.LastAccessedFrame = item.frameNum
			r.LastInferredRect = item.rect
		})
	}

	if !ic.enqueueBatch(ctx, batch) {
		logger.Debugf(ctx, "draining, dropping %s", batch)
		ic.rollbackMarks(ctx, batch)
		batch.surface.Unref()
		ic.stats.BatchesDropped.Inc()
	}
}

// abort releases whatever the builder holds without queueing it.
func (b *batchBuilder) abort(ctx context.Context) {
	batch := b.cur
	b.cur = nil
	if batch == nil {
		return
	}
	logger.Debugf(ctx, "aborting %s", batch)
	batch.surface.Unref()
}

func (ic *InferContext) warnUntracked(ctx context.Context) {
	var warn bool
	ic.locker.Do(ctx, func() {
		now := time.Now()
		if now.Sub(ic.lastUntrackedWarn) < untrackedWarnInterval {
			return
		}
		ic.lastUntrackedWarn = now
		warn = true
	})
	if warn {
		logger.Warnf(ctx, "received untracked objects in asynchronous mode; they are skipped, run a tracker upstream")
	}
}

func hasResult(info types.ClassificationInfo) bool {
	if info.Label != "" {
		return true
	}
	for _, attr := range info.Attributes {
		if attr.IsSet() {
			return true
		}
	}
	return false
}
