package infer

import (
	"context"
	"fmt"
)

// Stage identifies which part of the pipeline an error originated in.
type Stage int

const (
	StageUndefined Stage = iota
	// StageBuilder covers frame selection and the owned conversion.
	StageBuilder
	// StageSubmission covers the engine's batch-accept call.
	StageSubmission
	// StageCollection covers output retrieval and downstream forwarding.
	StageCollection
)

func (s Stage) String() string {
	switch s {
	case StageUndefined:
		return "<undefined>"
	case StageBuilder:
		return "builder"
	case StageSubmission:
		return "submission"
	case StageCollection:
		return "collection"
	}
	return "<unknown>"
}

// Error is what the pipeline hands to its ErrorHandler: the failing
// stage, the sequence number of the affected batch (zero when none) and
// the underlying cause.
type Error struct {
	Stage    Stage
	BatchSeq uint64
	Err      error
}

func (e Error) Error() string {
	if e.BatchSeq == 0 {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: batch#%d: %v", e.Stage, e.BatchSeq, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

// ErrorHandler receives every non-fatal pipeline error. The pipeline
// itself never terminates the process; the owner decides whether to
// halt.
type ErrorHandler func(ctx context.Context, err Error)

// ErrAlreadyStarted is returned by Start when the pipeline is not in
// the stopped state.
type ErrAlreadyStarted struct {
	State State
}

func (e ErrAlreadyStarted) Error() string {
	return fmt.Sprintf("already started (state: %s)", e.State)
}

// ErrNotRunning is returned by the frame-facing entry points when the
// pipeline does not accept new work.
type ErrNotRunning struct {
	State State
}

func (e ErrNotRunning) Error() string {
	return fmt.Sprintf("the pipeline is not running (state: %s)", e.State)
}
