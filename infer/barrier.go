package infer

import (
	"context"

	"github.com/xaionaro-go/inferpipeline/logger"
)

// InsertBarrier enqueues a synchronization point behind everything
// already queued and blocks until both worker stages have fully
// processed all of it. Use it to serialize control events (stream
// reconfiguration, segment boundaries) against in-flight inference.
func (ic *InferContext) InsertBarrier(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "InsertBarrier")
	defer func() { logger.Debugf(ctx, "/InsertBarrier: %v", _err) }()

	barrier := &pendingBatch{
		kind:        batchBarrier,
		barrierDone: make(chan struct{}),
	}
	if !ic.enqueueBatch(ctx, barrier) {
		return ErrNotRunning{State: ic.GetState(ctx)}
	}

	select {
	case <-barrier.barrierDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
