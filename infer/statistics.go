package infer

import (
	"go.uber.org/atomic"
)

// Statistics are the live counters of one pipeline instance.
type Statistics struct {
	FramesSubmitted  atomic.Uint64
	FramesForwarded  atomic.Uint64
	BatchesSubmitted atomic.Uint64
	BatchesInferred  atomic.Uint64
	BatchesDropped   atomic.Uint64
	ObjectsInferred  atomic.Uint64
	ResultsReused    atomic.Uint64
	ItemsSkipped     atomic.Uint64
	BarriersServed   atomic.Uint64
}

// StatisticsSnapshot is a plain-value copy of Statistics, safe to
// serialize.
type StatisticsSnapshot struct {
	FramesSubmitted  uint64 `json:"frames_submitted"`
	FramesForwarded  uint64 `json:"frames_forwarded"`
	BatchesSubmitted uint64 `json:"batches_submitted"`
	BatchesInferred  uint64 `json:"batches_inferred"`
	BatchesDropped   uint64 `json:"batches_dropped"`
	ObjectsInferred  uint64 `json:"objects_inferred"`
	ResultsReused    uint64 `json:"results_reused"`
	ItemsSkipped     uint64 `json:"items_skipped"`
	BarriersServed   uint64 `json:"barriers_served"`
}

func (s *Statistics) Snapshot() StatisticsSnapshot {
	return StatisticsSnapshot{
		FramesSubmitted:  s.FramesSubmitted.Load(),
		FramesForwarded:  s.FramesForwarded.Load(),
		BatchesSubmitted: s.BatchesSubmitted.Load(),
		BatchesInferred:  s.BatchesInferred.Load(),
		BatchesDropped:   s.BatchesDropped.Load(),
		ObjectsInferred:  s.ObjectsInferred.Load(),
		ResultsReused:    s.ResultsReused.Load(),
		ItemsSkipped:     s.ItemsSkipped.Load(),
		BarriersServed:   s.BarriersServed.Load(),
	}
}
