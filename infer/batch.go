package infer

import (
	"fmt"

	"github.com/xaionaro-go/inferpipeline/bufferpool"
	"github.com/xaionaro-go/inferpipeline/history"
	"github.com/xaionaro-go/inferpipeline/types"
)

// batchKind discriminates what travels through the two stage queues.
type batchKind int

const (
	batchUndefined batchKind = iota
	// batchInference carries converted samples for the engine.
	batchInference
	// batchPassthrough carries no samples; it exists to release a frame
	// downstream in order (sync mode) or purely to preserve relative
	// ordering (async mode), and may carry deferred reuse attachments.
	batchPassthrough
	// batchBarrier is a zero-payload synchronization point; the caller
	// that inserted it blocks until the collection worker pops it.
	batchBarrier
	// batchStop makes both workers exit once it reaches them.
	batchStop
)

func (k batchKind) String() string {
	switch k {
	case batchUndefined:
		return "<undefined>"
	case batchInference:
		return "inference"
	case batchPassthrough:
		return "passthrough"
	case batchBarrier:
		return "barrier"
	case batchStop:
		return "stop"
	}
	return "<unknown>"
}

// batchItem is one region selected for inference.
type batchItem struct {
	// sampleIndex is the item's slot in the batch surface.
	sampleIndex int

	source   types.SourceID
	object   types.ObjectID // UntrackedObjectID for whole-frame items
	frameNum types.FrameNum

	// rect is the region geometry at submission time (becomes the
	// record's LastInferredRect).
	rect types.Rect

	// roiLeft/roiTop and the scale ratios map engine output coordinates
	// back into source-frame pixels.
	roiLeft, roiTop float64
	scaleX, scaleY  float64

	// obj and frame are the attachment targets; both are nil in
	// asynchronous mode, where the frame is already gone downstream.
	obj   *types.ObjectMeta
	frame *types.Frame

	// hist weakly references the object's history record.
	hist history.Ref
}

// deferredAttach is an object whose fresh inference was declined but
// whose cached classifier result must be re-attached at collection time.
type deferredAttach struct {
	hist history.Ref
	obj  *types.ObjectMeta
}

// pendingBatch is the unit moving through the two FIFOs. It is
// immutable once handed to the submission worker, except for the
// `failed` flag the submission worker itself may set.
type pendingBatch struct {
	kind batchKind
	seq  uint64

	items    []batchItem
	deferred []deferredAttach

	// surface holds the converted samples; ownership moves to the
	// engine on successful submission.
	surface *bufferpool.Surface

	// frame is the owner frame handle of sync-mode passthrough batches;
	// the collection worker forwards it downstream exactly once.
	frame *types.Frame

	// failed marks a batch whose engine submission failed; the
	// collection worker must not wait for its output.
	failed bool

	// barrierDone is closed by the collection worker when a barrier
	// batch is popped.
	barrierDone chan struct{}
}

func (b *pendingBatch) String() string {
	return fmt.Sprintf(
		"batch#%d(%s, items:%d, deferred:%d)",
		b.seq, b.kind, len(b.items), len(b.deferred),
	)
}
