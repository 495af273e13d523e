package infer

import (
	"context"
	"fmt"

	"github.com/davecgh/go-spew/spew"

	"github.com/xaionaro-go/inferpipeline/engine"
	"github.com/xaionaro-go/inferpipeline/history"
	"github.com/xaionaro-go/inferpipeline/logger"
	"github.com/xaionaro-go/inferpipeline/types"
)

// collectLoop is the second worker stage: it pops batches in the same
// order the submission stage forwarded them, retrieves engine outputs
// for inference batches, reconciles results with the object metadata
// and the history cache, and releases owner frames downstream.
func (ic *InferContext) collectLoop(ctx context.Context) {
	logger.Debugf(ctx, "collectLoop")
	defer func() { logger.Debugf(ctx, "/collectLoop") }()

	for {
		batch := <-ic.collectQ
		logger.Tracef(ctx, "collectLoop: got %s", batch)

		switch batch.kind {
		case batchInference:
			ic.collectBatch(ctx, batch)
		case batchPassthrough:
			ic.applyDeferred(ctx, batch.deferred)
			if batch.frame != nil {
				if err := ic.forwardFrame(ctx, batch.frame); err != nil {
					ic.reportError(ctx, Error{
						Stage:    StageCollection,
						BatchSeq: batch.seq,
						Err:      err,
					})
				}
			}
		case batchBarrier:
			ic.stats.BarriersServed.Inc()
			close(batch.barrierDone)
		case batchStop:
			close(ic.workersDone)
			return
		}
	}
}

func (ic *InferContext) collectBatch(ctx context.Context, batch *pendingBatch) {
	if batch.failed {
		// The engine never accepted it, so there is no output to wait
		// for.
		return
	}

	output, err := ic.engine.RetrieveOutput(ctx)
	if err != nil {
		ic.rollbackMarks(ctx, batch)
		ic.reportError(ctx, Error{
			Stage:    StageCollection,
			BatchSeq: batch.seq,
			Err:      fmt.Errorf("unable to retrieve the output: %w", err),
		})
		return
	}
	defer output.Release()
	ic.stats.BatchesInferred.Inc()

	if ic.onRawOutput != nil && output.Raw != nil {
		ic.onRawOutput(ctx, batch.seq, output.Raw)
	}
	if logger.FromCtx(ctx).Level() >= logger.LevelTrace {
		logger.Tracef(ctx, "collectBatch: %s -> %s", batch, spew.Sdump(output.Samples))
	}

	if len(output.Samples) < len(batch.items) {
		ic.reportError(ctx, Error{
			Stage:    StageCollection,
			BatchSeq: batch.seq,
			Err: fmt.Errorf(
				"the engine returned %d samples for %d items",
				len(output.Samples), len(batch.items),
			),
		})
	}

	attach := ic.strategy.attachAtCollection()
	for i := range batch.items {
		item := &batch.items[i]
		if item.sampleIndex >= len(output.Samples) {
			ic.history.With(ctx, item.hist, func(r *history.Record) {
				if r.LastInferredFrame == item.frameNum {
					r.UnderInference = false
					r.LastInferredRect = types.Rect{}
				}
			})
			continue
		}
		ic.applySample(ctx, item, output.Samples[item.sampleIndex], attach)
	}
}

// applySample reconciles one sample's result: merges classifier output
// into the history cache, clears the under-inference mark, and (unless
// the frame is long gone downstream) attaches the result to the frame
// or object metadata.
func (ic *InferContext) applySample(
	ctx context.Context,
	item *batchItem,
	sample engine.SampleOutput,
	attach bool,
) {
	ic.stats.ObjectsInferred.Inc()

	toAttach := sample.Classification
	if item.hist.IsSet() {
		ic.history.With(ctx, item.hist, func(r *history.Record) {
			if sample.Classification != nil {
				r.Cached = types.MergeClassification(r.Cached, *sample.Classification)
				merged := r.Cached
				toAttach = &merged
			}
			// A newer submission of the same object may already be in
			// flight; only the matching one clears the mark.
			if r.LastInferredFrame == item.frameNum {
				r.UnderInference = false
			}
		})
	}

	if !attach {
		return
	}

	switch {
	case sample.Detections != nil:
		if item.frame == nil {
			return
		}
		for _, det := range sample.Detections {
			det.Rect = types.Rect{
				Left:   item.roiLeft + det.Rect.Left/item.scaleX,
				Top:    item.roiTop + det.Rect.Top/item.scaleY,
				Width:  det.Rect.Width / item.scaleX,
				Height: det.Rect.Height / item.scaleY,
			}
			item.frame.Meta.Detections = append(item.frame.Meta.Detections, det)
		}
	case toAttach != nil:
		if item.obj != nil {
			item.obj.AttachClassifier(ic.cfg.UniqueID, *toAttach)
		} else if item.frame != nil {
			item.frame.Meta.AttachClassifier(ic.cfg.UniqueID, *toAttach)
		}
	case sample.Segmentation != nil:
		if item.obj != nil {
			item.obj.Segmentation = sample.Segmentation
		} else if item.frame != nil {
			item.frame.Meta.Segmentation = sample.Segmentation
		}
	}
}

// applyDeferred attaches the cached classifier results of objects whose
// fresh inference was declined. Running at collection time, it sees the
// cache as updated by every batch that was ahead in the queues.
func (ic *InferContext) applyDeferred(ctx context.Context, deferred []deferredAttach) {
	for _, d := range deferred {
		var info types.ClassificationInfo
		ok := ic.history.With(ctx, d.hist, func(r *history.Record) {
			info = r.Cached
		})
		if !ok || !hasResult(info) {
			// The record was evicted (or never produced a result); the
			// object just stays unclassified on this frame.
			continue
		}
		d.obj.AttachClassifier(ic.cfg.UniqueID, info)
	}
}

// rollbackMarks undoes the submission-time marks of a batch that will
// never produce a result. The recorded geometry is zeroed so the
// objects immediately qualify for reinference on their next appearance.
func (ic *InferContext) rollbackMarks(ctx context.Context, batch *pendingBatch) {
	for i := range batch.items {
		item := &batch.items[i]
		ic.history.With(ctx, item.hist, func(r *history.Record) {
			if r.LastInferredFrame != item.frameNum {
				return
			}
			r.UnderInference = false
			r.LastInferredRect = types.Rect{}
		})
	}
}

func (ic *InferContext) forwardFrame(ctx context.Context, f *types.Frame) (_err error) {
	logger.Tracef(ctx, "forwardFrame(%s)", f)
	defer func() { logger.Tracef(ctx, "/forwardFrame(%s): %v", f, _err) }()

	ic.stats.FramesForwarded.Inc()
	if err := ic.sink(ctx, f); err != nil {
		err = fmt.Errorf("unable to forward %s downstream: %w", f, err)
		ic.lastSinkErr.Store(err)
		return err
	}
	return nil
}
