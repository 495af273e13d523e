package types

import (
	"fmt"
)

// Detection is one bounding box produced by a detector for one sample.
// The rectangle is in the coordinate space of the sample the engine saw;
// the collector scales it back to source-frame pixels before attaching.
type Detection struct {
	Rect       Rect
	ClassID    int
	Label      string
	Confidence float32
}

func (d Detection) String() string {
	return fmt.Sprintf("%s(%d):%s:%.2f", d.Label, d.ClassID, d.Rect, d.Confidence)
}

// SegmentationMap is a dense per-pixel class map produced by a
// segmentation network for one sample.
type SegmentationMap struct {
	Width   int
	Height  int
	Classes []int32 // row-major, Width*Height entries
}
