package infer

import (
	"context"
)

// Option is an optional knob of New.
type Option interface {
	apply(*InferContext)
}

// Options is a collection of Option-s.
type Options []Option

func (opts Options) apply(ic *InferContext) {
	for _, opt := range opts {
		opt.apply(ic)
	}
}

// OptionErrorHandler installs the receiver of non-fatal pipeline
// errors.
type OptionErrorHandler ErrorHandler

func (opt OptionErrorHandler) apply(ic *InferContext) {
	ic.errorHandler = ErrorHandler(opt)
}

// OptionOnRawOutput installs a hook invoked with every inferred batch's
// raw engine output, before the output is released. Intended for dump
// and calibration tooling; the hook must not retain `raw`.
type OptionOnRawOutput func(ctx context.Context, batchSeq uint64, raw any)

func (opt OptionOnRawOutput) apply(ic *InferContext) {
	ic.onRawOutput = opt
}
