// Package engine defines the narrow contract this pipeline has with an
// inference engine: blocking batch submission, blocking in-order output
// retrieval, and explicit output release. Any concrete engine binding
// is an adapter behind this interface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/xaionaro-go/inferpipeline/types"
)

// ErrBusy is returned by SubmitBatch when the engine temporarily cannot
// accept another batch.
var ErrBusy = errors.New("the engine is busy")

// BatchInput is one batch submission: the ordered pre-processed sample
// buffers plus the callback through which the engine returns ownership
// of those buffers once it has consumed them.
type BatchInput struct {
	Samples []*image.RGBA

	// ReturnFunc must be called exactly once by the engine after it no
	// longer reads Samples. It is never called when SubmitBatch fails.
	ReturnFunc func()
}

// SampleOutput is the structured output for one sample of a batch.
// Exactly one field is set, depending on the network kind.
type SampleOutput struct {
	Detections     []types.Detection
	Classification *types.ClassificationInfo
	Segmentation   *types.SegmentationMap
}

// BatchOutput is the completed output of one batch. The engine
// guarantees outputs are retrieved in submission order.
type BatchOutput struct {
	Samples []SampleOutput

	// Raw optionally carries the engine's raw output tensors for dump
	// hooks; its type is engine-specific.
	Raw any

	releaseOnce sync.Once
	releaseFn   func()
}

func NewBatchOutput(samples []SampleOutput, releaseFn func()) *BatchOutput {
	return &BatchOutput{
		Samples:   samples,
		releaseFn: releaseFn,
	}
}

// Release returns the engine-owned output resources. It is safe to call
// multiple times; only the first call has an effect.
func (o *BatchOutput) Release() {
	o.releaseOnce.Do(func() {
		if o.releaseFn != nil {
			o.releaseFn()
		}
	})
}

// Engine is the inference engine collaborator.
type Engine interface {
	fmt.Stringer

	// SubmitBatch blocks until the engine accepts the batch.
	SubmitBatch(ctx context.Context, input BatchInput) error

	// RetrieveOutput blocks until the next completed batch's outputs
	// are available. Output order matches submission order.
	RetrieveOutput(ctx context.Context) (*BatchOutput, error)

	Close(ctx context.Context) error
}
