package types

import (
	"fmt"
	"image"
)

// ClassifierMeta is one classifier's attached result on an object,
// tagged with the unique id of the pipeline instance that produced it.
type ClassifierMeta struct {
	UniqueID uint
	Info     ClassificationInfo
}

// ObjectMeta describes one object found in a frame by an upstream
// component (typically a primary detector plus a tracker).
type ObjectMeta struct {
	ID          ObjectID
	ClassID     int
	ComponentID int // unique id of the upstream component that emitted this object
	Rect        Rect

	Classifiers  []ClassifierMeta
	Segmentation *SegmentationMap
}

// AttachClassifier appends (or replaces) the result of the classifier
// instance identified by uniqueID.
func (obj *ObjectMeta) AttachClassifier(uniqueID uint, info ClassificationInfo) {
	for idx := range obj.Classifiers {
		if obj.Classifiers[idx].UniqueID == uniqueID {
			obj.Classifiers[idx].Info = info
			return
		}
	}
	obj.Classifiers = append(obj.Classifiers, ClassifierMeta{
		UniqueID: uniqueID,
		Info:     info,
	})
}

func (obj *ObjectMeta) String() string {
	return fmt.Sprintf("obj#%d(class:%d)%s", obj.ID, obj.ClassID, obj.Rect)
}

// FrameMeta is the metadata of one frame traveling through the
// pipeline; inference results get attached here (or to its objects).
type FrameMeta struct {
	Source   SourceID
	FrameNum FrameNum

	Objects      []*ObjectMeta
	Detections   []Detection
	Classifiers  []ClassifierMeta // full-frame classifier results
	Segmentation *SegmentationMap
}

// AttachClassifier appends (or replaces) a frame-level result of the
// classifier instance identified by uniqueID.
func (meta *FrameMeta) AttachClassifier(uniqueID uint, info ClassificationInfo) {
	for idx := range meta.Classifiers {
		if meta.Classifiers[idx].UniqueID == uniqueID {
			meta.Classifiers[idx].Info = info
			return
		}
	}
	meta.Classifiers = append(meta.Classifiers, ClassifierMeta{
		UniqueID: uniqueID,
		Info:     info,
	})
}

// Frame is the unit the surrounding pipeline hands in and receives
// back: metadata plus (optionally) the decoded pixels the converters
// crop from. The pixels may be nil for metadata-only processing.
type Frame struct {
	Meta  FrameMeta
	Image image.Image
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame#%d(src:%d,objs:%d)", f.Meta.FrameNum, f.Meta.Source, len(f.Meta.Objects))
}

// Bounds returns the pixel bounds of the frame, or the zero rectangle
// for metadata-only frames.
func (f *Frame) Bounds() image.Rectangle {
	if f.Image == nil {
		return image.Rectangle{}
	}
	return f.Image.Bounds()
}
