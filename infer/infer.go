// Package infer implements the batching and result-reconciliation core
// of the inference stage: it decides which regions of a stream must be
// sent to the engine, accumulates them into bounded batches, overlaps
// batch submission with result retrieval using two independent worker
// stages, and re-attaches results to the correct logical object even
// when results arrive out of step with the frames that triggered them.
package infer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/experimental/errmon"
	"github.com/go-ng/xatomic"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"

	"github.com/xaionaro-go/inferpipeline/bufferpool"
	"github.com/xaionaro-go/inferpipeline/convert"
	"github.com/xaionaro-go/inferpipeline/engine"
	"github.com/xaionaro-go/inferpipeline/history"
	"github.com/xaionaro-go/inferpipeline/logger"
	"github.com/xaionaro-go/inferpipeline/types"
)

// untrackedWarnInterval rate-limits the warning about untracked objects
// in async mode.
const untrackedWarnInterval = 5 * time.Minute

// SinkFunc receives frames released downstream, in order.
type SinkFunc func(ctx context.Context, f *types.Frame) error

// InferContext is one pipeline instance: all its mutable state lives
// here and is shared by the caller thread and the two workers; there
// are no process-wide singletons.
type InferContext struct {
	cfg       Config
	engine    engine.Engine
	converter convert.Converter
	sink      SinkFunc

	errorHandler ErrorHandler
	onRawOutput  func(ctx context.Context, batchSeq uint64, raw any)

	pool    *bufferpool.Pool
	history *history.Store

	strategy modeStrategy

	locker            xsync.Mutex
	state             State
	stateChangeCh     *chan struct{}
	seq               uint64
	intervalCounter   uint
	lastUntrackedWarn time.Time

	submitQ     chan *pendingBatch
	collectQ    chan *pendingBatch
	workersDone chan struct{}

	// enqueuers counts admitted batches whose queue send is still in
	// progress; Stop waits for it before planting the stop sentinel.
	enqueuers sync.WaitGroup

	stats       Statistics
	lastSinkErr atomic.Error

	closer *astikit.Closer
}

// New validates the configuration and builds a stopped instance.
func New(
	ctx context.Context,
	cfg Config,
	eng engine.Engine,
	converter convert.Converter,
	sink SinkFunc,
	opts ...Option,
) (*InferContext, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if eng == nil {
		return nil, fmt.Errorf("no inference engine")
	}
	if converter == nil {
		return nil, fmt.Errorf("no converter")
	}
	if sink == nil {
		return nil, fmt.Errorf("no downstream sink")
	}

	if cfg.ClassifierAsync &&
		(cfg.Kind != types.NetworkKindClassifier || cfg.Mode != types.ProcessModeObjects) {
		logger.Warnf(ctx, "async mode requires a classifier in objects mode; disabling it")
		cfg.ClassifierAsync = false
	}

	pool, err := bufferpool.New(
		cfg.PoolSize, cfg.MaxBatchSize,
		cfg.NetworkInputWidth, cfg.NetworkInputHeight,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to allocate the surface pool: %w", err)
	}

	ic := &InferContext{
		cfg:           cfg,
		engine:        eng,
		converter:     converter,
		sink:          sink,
		pool:          pool,
		history:       history.NewStore(),
		stateChangeCh: ptr(make(chan struct{})),
		closer:        astikit.NewCloser(),
	}
	if cfg.ClassifierAsync {
		ic.strategy = asyncStrategy{}
	} else {
		ic.strategy = syncStrategy{}
	}
	ic.closer.Add(pool.Close)

	for _, opt := range opts {
		opt.apply(ic)
	}
	return ic, nil
}

func (ic *InferContext) String() string {
	return fmt.Sprintf("InferContext(%s, %s, %s)", ic.cfg.Kind, ic.cfg.Mode, ic.strategy)
}

// Start spawns the submission and the collection worker.
func (ic *InferContext) Start(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Start")
	defer func() { logger.Debugf(ctx, "/Start: %v", _err) }()
	ctx = belt.WithField(ctx, "pipeline", ic.String())

	return xsync.DoR1(ctx, &ic.locker, func() error {
		if ic.state != StateStopped {
			return ErrAlreadyStarted{State: ic.state}
		}
		ic.submitQ = make(chan *pendingBatch, ic.cfg.QueueSize)
		ic.collectQ = make(chan *pendingBatch, ic.cfg.QueueSize)
		ic.workersDone = make(chan struct{})
		ic.intervalCounter = 0
		ic.setStateLocked(StateRunning)

		observability.Go(ctx, ic.submitLoop)
		observability.Go(ctx, ic.collectLoop)
		return nil
	})
}

// Stop requests draining: no new frames are accepted, already-queued
// batches are processed to completion, then both workers exit. Stop
// returns once the instance is fully stopped (or ctx is done).
func (ic *InferContext) Stop(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Stop")
	defer func() { logger.Debugf(ctx, "/Stop: %v", _err) }()

	if err := xsync.DoR1(ctx, &ic.locker, func() error {
		if ic.state != StateRunning {
			return ErrNotRunning{State: ic.state}
		}
		ic.setStateLocked(StateDraining)
		return nil
	}); err != nil {
		return err
	}

	// Nothing new is admitted anymore; wait for the already-admitted
	// batches to reach the queue so the sentinel lands behind all of
	// them.
	ic.enqueuers.Wait()
	select {
	case ic.submitQ <- &pendingBatch{kind: batchStop}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ic.workersDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	ic.locker.Do(ctx, func() {
		ic.setStateLocked(StateStopped)
	})
	return nil
}

// Close stops the instance if needed and releases its resources,
// including the engine.
func (ic *InferContext) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close")
	defer func() { logger.Debugf(ctx, "/Close: %v", _err) }()

	if err := ic.Stop(ctx); err != nil {
		if _, isNotRunning := err.(ErrNotRunning); !isNotRunning {
			return fmt.Errorf("unable to stop: %w", err)
		}
	}
	if err := ic.engine.Close(ctx); err != nil {
		return fmt.Errorf("unable to close the engine: %w", err)
	}
	return ic.closer.Close()
}

// GetState returns the current lifecycle state.
func (ic *InferContext) GetState(ctx context.Context) State {
	return xsync.DoR1(ctx, &ic.locker, func() State {
		return ic.state
	})
}

// WaitForState blocks until the instance reaches the requested state.
func (ic *InferContext) WaitForState(ctx context.Context, state State) error {
	for {
		var current State
		var changeCh chan struct{}
		ic.locker.Do(ctx, func() {
			current = ic.state
			changeCh = *xatomic.LoadPointer(&ic.stateChangeCh)
		})
		if current == state {
			return nil
		}
		select {
		case <-changeCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (ic *InferContext) setStateLocked(state State) {
	ic.state = state
	close(*xatomic.SwapPointer(&ic.stateChangeCh, ptr(make(chan struct{}))))
}

// NotifySourceAttached prepares the per-source state of a newly
// attached input.
func (ic *InferContext) NotifySourceAttached(ctx context.Context, source types.SourceID) {
	logger.Debugf(ctx, "NotifySourceAttached(%d)", source)
	ic.history.AttachSource(ctx, source)
}

// NotifySourceDetached destroys the per-source state of a detached
// input.
func (ic *InferContext) NotifySourceDetached(ctx context.Context, source types.SourceID) {
	logger.Debugf(ctx, "NotifySourceDetached(%d)", source)
	ic.history.DetachSource(ctx, source)
}

// NotifyStreamEnd clears the source's object history (a reconnecting
// stream starts with fresh ids) and resets the frame-skip counter.
func (ic *InferContext) NotifyStreamEnd(ctx context.Context, source types.SourceID) {
	logger.Debugf(ctx, "NotifyStreamEnd(%d)", source)
	ic.history.ClearSource(ctx, source)
	ic.locker.Do(ctx, func() {
		ic.intervalCounter = 0
	})
}

// GetStatistics returns a consistent-enough snapshot of the counters.
func (ic *InferContext) GetStatistics() StatisticsSnapshot {
	return ic.stats.Snapshot()
}

// LastSinkError returns the most recent downstream forwarding error.
func (ic *InferContext) LastSinkError() error {
	return ic.lastSinkErr.Load()
}

// History exposes the object history store (read-mostly; tests and
// diagnostics).
func (ic *InferContext) History() *history.Store {
	return ic.history
}

// enqueueBatch pushes a batch to the submission queue unless the
// pipeline stopped admitting work; it reports whether the batch was
// queued. Admission and sequencing happen under the lock, the send
// itself does not: a congested queue must never stall the control
// plane (Stop, GetState, barriers).
func (ic *InferContext) enqueueBatch(ctx context.Context, b *pendingBatch) bool {
	admitted := xsync.DoR1(ctx, &ic.locker, func() bool {
		if ic.state != StateRunning {
			return false
		}
		ic.seq++
		b.seq = ic.seq
		ic.enqueuers.Add(1)
		return true
	})
	if !admitted {
		return false
	}
	defer ic.enqueuers.Done()

	select {
	case ic.submitQ <- b:
		return true
	case <-ctx.Done():
		logger.Debugf(ctx, "canceled while enqueueing %s", b)
		return false
	}
}

func (ic *InferContext) reportError(ctx context.Context, err Error) {
	errmon.ObserveErrorCtx(ctx, err)
	if ic.errorHandler == nil {
		return
	}
	ic.errorHandler(ctx, err)
}

func ptr[T any](v T) *T {
	return &v
}
