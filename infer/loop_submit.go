package infer

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/inferpipeline/engine"
	"github.com/xaionaro-go/inferpipeline/logger"
)

// submitLoop is the first worker stage: it pops batches in order, hands
// inference batches to the engine (blocking until the engine accepts),
// and forwards every batch, control markers included, to the collection
// stage. Everything else in the pipeline stays responsive while this
// stage is blocked on the engine.
func (ic *InferContext) submitLoop(ctx context.Context) {
	logger.Debugf(ctx, "submitLoop")
	defer func() { logger.Debugf(ctx, "/submitLoop") }()

	for {
		batch := <-ic.submitQ
		logger.Tracef(ctx, "submitLoop: got %s", batch)

		if batch.kind == batchInference {
			ic.submitBatch(ctx, batch)
		}
		ic.collectQ <- batch

		if batch.kind == batchStop {
			return
		}
	}
}

func (ic *InferContext) submitBatch(ctx context.Context, batch *pendingBatch) {
	surface := batch.surface
	input := engine.BatchInput{
		Samples: surface.Samples[:len(batch.items)],
		// The builder's reference transfers to the engine with this
		// callback; it is invoked once the samples were consumed.
		ReturnFunc: surface.Unref,
	}

	err := ic.engine.SubmitBatch(ctx, input)
	if err == nil {
		ic.stats.BatchesSubmitted.Inc()
		return
	}

	// The engine never saw the batch: drop it, release the surface
	// ourselves and undo the under-inference marks so the objects become
	// candidates again.
	batch.failed = true
	surface.Unref()
	ic.rollbackMarks(ctx, batch)
	ic.stats.BatchesDropped.Inc()
	ic.reportError(ctx, Error{
		Stage:    StageSubmission,
		BatchSeq: batch.seq,
		Err:      fmt.Errorf("the engine rejected the batch: %w", err),
	})
}
