package types

import (
	"fmt"
	"image"
)

// Rect is an object's position and size in source-frame pixels.
type Rect struct {
	Left   float64
	Top    float64
	Width  float64
	Height float64
}

func (r Rect) Area() float64 {
	return r.Width * r.Height
}

// ImageRect converts to the stdlib integer rectangle (used as a crop ROI).
func (r Rect) ImageRect() image.Rectangle {
	return image.Rect(
		int(r.Left), int(r.Top),
		int(r.Left+r.Width), int(r.Top+r.Height),
	)
}

func (r Rect) String() string {
	return fmt.Sprintf("%.0fx%.0f@(%.0f;%.0f)", r.Width, r.Height, r.Left, r.Top)
}
