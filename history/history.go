// Package history implements the per-source cache of per-object
// inference state that backs the reinference policy: which objects were
// inferred when, at what geometry, and with which cached classifier
// result.
package history

import (
	"context"

	"github.com/xaionaro-go/xsync"

	"github.com/xaionaro-go/inferpipeline/types"
)

const (
	// CleanupAccessCriteria is the number of frames an object may stay
	// unseen before its record is evicted. The tracker would definitely
	// have dropped references to an unseen object by 150 frames.
	CleanupAccessCriteria = 150

	// MapCleanupInterval is the eviction cadence in frames. 1800 frames
	// is a minute with a 30fps input.
	MapCleanupInterval = 1800
)

// Record is the inference history of one tracked object.
type Record struct {
	// UnderInference is true from batch submission until the matching
	// output is collected.
	UnderInference bool

	LastInferredFrame types.FrameNum
	LastAccessedFrame types.FrameNum

	// LastInferredRect is the object geometry at submission time; the
	// area-growth reinference criterion compares against it.
	LastInferredRect types.Rect

	// Cached is the most recently merged classifier output.
	Cached types.ClassificationInfo

	gen uint64
}

// Ref is a weak reference to a Record: a lookup key plus a liveness
// generation. A Ref never keeps an evicted record alive, but resolves
// to it for as long as it survives in the store.
type Ref struct {
	source types.SourceID
	object types.ObjectID
	gen    uint64
}

// IsSet reports whether the Ref points at anything at all.
func (ref Ref) IsSet() bool {
	return ref.gen != 0
}

type sourceEntry struct {
	records          map[types.ObjectID]*Record
	lastSeenFrame    types.FrameNum
	lastCleanupFrame types.FrameNum
}

// Store holds the object history of every attached source.
type Store struct {
	locker  xsync.Mutex
	lastGen uint64
	sources map[types.SourceID]*sourceEntry
}

func NewStore() *Store {
	return &Store{
		sources: map[types.SourceID]*sourceEntry{},
	}
}

// AttachSource creates the (empty) history of a newly attached source.
// Attaching an already known source is a no-op.
func (s *Store) AttachSource(ctx context.Context, source types.SourceID) {
	s.locker.Do(ctx, func() {
		s.attachSourceLocked(source)
	})
}

func (s *Store) attachSourceLocked(source types.SourceID) *sourceEntry {
	entry := s.sources[source]
	if entry == nil {
		entry = &sourceEntry{records: map[types.ObjectID]*Record{}}
		s.sources[source] = entry
	}
	return entry
}

// DetachSource destroys the history of a detached source.
func (s *Store) DetachSource(ctx context.Context, source types.SourceID) {
	s.locker.Do(ctx, func() {
		delete(s.sources, source)
	})
}

// ClearSource drops every record of a source but keeps the source
// itself, so a reconnecting stream starts with fresh object ids.
func (s *Store) ClearSource(ctx context.Context, source types.SourceID) {
	s.locker.Do(ctx, func() {
		entry := s.sources[source]
		if entry == nil {
			return
		}
		entry.records = map[types.ObjectID]*Record{}
	})
}

// MarkSeen updates the last-seen frame counter of a source.
func (s *Store) MarkSeen(ctx context.Context, source types.SourceID, frameNum types.FrameNum) {
	s.locker.Do(ctx, func() {
		entry := s.attachSourceLocked(source)
		if frameNum > entry.lastSeenFrame {
			entry.lastSeenFrame = frameNum
		}
	})
}

// Snapshot returns a copy of the record of the given object (if any)
// together with a weak reference to it.
func (s *Store) Snapshot(
	ctx context.Context,
	source types.SourceID,
	object types.ObjectID,
) (snapshot Record, ref Ref, ok bool) {
	s.locker.Do(ctx, func() {
		entry := s.sources[source]
		if entry == nil {
			return
		}
		record := entry.records[object]
		if record == nil {
			return
		}
		snapshot, ok = *record, true
		ref = Ref{source: source, object: object, gen: record.gen}
	})
	return
}

// GetOrCreate returns a weak reference to the object's record, creating
// a fresh one on first encounter. The source is attached lazily.
func (s *Store) GetOrCreate(
	ctx context.Context,
	source types.SourceID,
	object types.ObjectID,
) (ref Ref) {
	s.locker.Do(ctx, func() {
		entry := s.attachSourceLocked(source)
		record := entry.records[object]
		if record == nil {
			s.lastGen++
			record = &Record{gen: s.lastGen}
			entry.records[object] = record
		}
		ref = Ref{source: source, object: object, gen: record.gen}
	})
	return
}

// With runs fn on the referenced record under the store lock, and
// reports whether the record was still alive. fn must be short and must
// never block.
func (s *Store) With(ctx context.Context, ref Ref, fn func(*Record)) (ok bool) {
	if !ref.IsSet() {
		return false
	}
	s.locker.Do(ctx, func() {
		entry := s.sources[ref.source]
		if entry == nil {
			return
		}
		record := entry.records[ref.object]
		if record == nil || record.gen != ref.gen {
			return
		}
		fn(record)
		ok = true
	})
	return
}

// Cleanup trims every source map that is due per MapCleanupInterval,
// evicting records unseen for longer than CleanupAccessCriteria.
// Records still under inference are never evicted.
func (s *Store) Cleanup(ctx context.Context) (evicted int) {
	s.locker.Do(ctx, func() {
		for _, entry := range s.sources {
			if entry.lastSeenFrame-entry.lastCleanupFrame < MapCleanupInterval {
				continue
			}
			entry.lastCleanupFrame = entry.lastSeenFrame

			for object, record := range entry.records {
				if record.UnderInference {
					continue
				}
				if entry.lastSeenFrame-record.LastAccessedFrame > CleanupAccessCriteria {
					delete(entry.records, object)
					evicted++
				}
			}
		}
	})
	return
}

// NumRecords returns the amount of live records of one source.
func (s *Store) NumRecords(ctx context.Context, source types.SourceID) (count int) {
	s.locker.Do(ctx, func() {
		if entry := s.sources[source]; entry != nil {
			count = len(entry.records)
		}
	})
	return
}
