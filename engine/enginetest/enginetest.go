// Package enginetest provides a scripted in-process engine for tests
// and demos: outputs are produced by a caller-provided function, and
// submission/retrieval/release are all observable.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/xaionaro-go/inferpipeline/engine"
)

// InferFunc computes the per-sample outputs of one submitted batch.
// batchIdx is the zero-based submission index.
type InferFunc func(batchIdx int, input engine.BatchInput) []engine.SampleOutput

// Engine is a scripted engine.Engine implementation.
type Engine struct {
	// InferFn produces outputs; nil yields empty SampleOutputs.
	InferFn InferFunc

	// SubmitErrs injects a submission failure for specific submission
	// indexes.
	SubmitErrs map[int]error

	// SubmitDelay simulates device-side submission latency.
	SubmitDelay time.Duration

	outputCh chan *engine.BatchOutput

	submitCount   atomic.Int64
	releasedCount atomic.Int64

	locker         sync.Mutex
	submittedSizes []int
}

var _ engine.Engine = (*Engine)(nil)

func New(inferFn InferFunc) *Engine {
	return &Engine{
		InferFn:  inferFn,
		outputCh: make(chan *engine.BatchOutput, 64),
	}
}

func (e *Engine) String() string {
	return "EngineTest"
}

func (e *Engine) SubmitBatch(ctx context.Context, input engine.BatchInput) error {
	batchIdx := int(e.submitCount.Inc() - 1)

	if err := e.SubmitErrs[batchIdx]; err != nil {
		return err
	}
	if e.SubmitDelay > 0 {
		select {
		case <-time.After(e.SubmitDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	samples := make([]engine.SampleOutput, len(input.Samples))
	if e.InferFn != nil {
		samples = e.InferFn(batchIdx, input)
	}

	e.locker.Lock()
	e.submittedSizes = append(e.submittedSizes, len(input.Samples))
	e.locker.Unlock()

	output := engine.NewBatchOutput(samples, func() {
		e.releasedCount.Inc()
	})
	select {
	case e.outputCh <- output:
	case <-ctx.Done():
		return ctx.Err()
	}

	// The samples are "read" by now; hand the buffers back.
	if input.ReturnFunc != nil {
		input.ReturnFunc()
	}
	return nil
}

func (e *Engine) RetrieveOutput(ctx context.Context) (*engine.BatchOutput, error) {
	select {
	case output, ok := <-e.outputCh:
		if !ok {
			return nil, fmt.Errorf("the engine is closed")
		}
		return output, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) Close(ctx context.Context) error {
	close(e.outputCh)
	return nil
}

// Submitted returns how many batches were submitted (including failed
// submissions).
func (e *Engine) Submitted() int {
	return int(e.submitCount.Load())
}

// Released returns how many batch outputs were released.
func (e *Engine) Released() int {
	return int(e.releasedCount.Load())
}

// SubmittedSizes returns the item counts of successfully submitted
// batches, in submission order.
func (e *Engine) SubmittedSizes() []int {
	e.locker.Lock()
	defer e.locker.Unlock()
	sizes := make([]int, len(e.submittedSizes))
	copy(sizes, e.submittedSizes)
	return sizes
}
