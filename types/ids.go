package types

// SourceID identifies one input stream feeding the batched pipeline.
type SourceID uint32

// FrameNum is a monotonic per-source frame counter assigned upstream.
type FrameNum uint64

// ObjectID is the tracker-assigned identity of an object. It is stable
// across frames for as long as the tracker keeps the object alive.
type ObjectID uint64

// UntrackedObjectID marks an object the tracker has not assigned an
// identity to (and, by convention, whole-frame batch items).
const UntrackedObjectID = ^ObjectID(0)

// IsTracked reports whether the id was actually assigned by a tracker.
func (id ObjectID) IsTracked() bool {
	return id != UntrackedObjectID
}
