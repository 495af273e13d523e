package infer

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/inferpipeline/logger"
	"github.com/xaionaro-go/inferpipeline/types"
)

// modeStrategy isolates the two behaviors that differ between the
// synchronous and the asynchronous processing mode: where the frame
// gets released downstream, and whether collected results are attached
// to the frame or written into history only.
type modeStrategy interface {
	fmt.Stringer

	// finishFrame is invoked once a frame's selection is exhausted and
	// all its inference batches are queued.
	finishFrame(ctx context.Context, ic *InferContext, f *types.Frame, deferred []deferredAttach) error

	// attachAtCollection reports whether the collection worker attaches
	// results to the frame/object metadata.
	attachAtCollection() bool
}

// syncStrategy keeps the frame until every one of its batches is
// collected: a passthrough batch carrying the frame handle rides the
// queues behind them and the collection worker forwards it in order.
// Deferred reuse attachments ride the same batch, so they see the
// history as it is after all in-flight inferences ahead of the frame.
type syncStrategy struct{}

var _ modeStrategy = syncStrategy{}

func (syncStrategy) String() string { return "sync" }

func (syncStrategy) finishFrame(
	ctx context.Context,
	ic *InferContext,
	f *types.Frame,
	deferred []deferredAttach,
) error {
	b := &pendingBatch{
		kind:     batchPassthrough,
		frame:    f,
		deferred: deferred,
	}
	if !ic.enqueueBatch(ctx, b) {
		// Draining already; do not stall the stream, release directly.
		logger.Debugf(ctx, "draining, forwarding %s directly", f)
		ic.applyDeferred(ctx, deferred)
		return ic.forwardFrame(ctx, f)
	}
	return nil
}

func (syncStrategy) attachAtCollection() bool { return true }

// asyncStrategy pushes the frame downstream immediately instead of
// waiting for the results; collected results only land in the history
// cache and surface on later frames (reuse attachments were already
// made during selection). A frameless passthrough batch is still queued
// so later control markers cannot overtake in-flight batches.
type asyncStrategy struct{}

var _ modeStrategy = asyncStrategy{}

func (asyncStrategy) String() string { return "async" }

func (asyncStrategy) finishFrame(
	ctx context.Context,
	ic *InferContext,
	f *types.Frame,
	_ []deferredAttach,
) error {
	if err := ic.forwardFrame(ctx, f); err != nil {
		return err
	}
	ic.enqueueBatch(ctx, &pendingBatch{kind: batchPassthrough})
	return nil
}

func (asyncStrategy) attachAtCollection() bool { return false }
