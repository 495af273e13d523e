// Package convert implements the owned conversion step of batch
// building: cropping an accepted region out of the source frame and
// scaling it onto a pooled network-input surface.
package convert

import (
	"context"
	"fmt"
	"image"
)

// Converter crops `roi` out of `src` and scales it to exactly fill
// `dst`. It returns the applied horizontal and vertical scale ratios
// (dst pixels per src pixel), which the collector uses to map
// detections back into source-frame coordinates.
type Converter interface {
	fmt.Stringer
	Convert(
		ctx context.Context,
		src image.Image,
		roi image.Rectangle,
		dst *image.RGBA,
	) (scaleX float64, scaleY float64, _err error)
}

func validateInput(src image.Image, roi image.Rectangle) error {
	if src == nil {
		return fmt.Errorf("no source image")
	}
	roi = roi.Intersect(src.Bounds())
	if roi.Dx() <= 0 || roi.Dy() <= 0 {
		return fmt.Errorf("the region %v is outside of the frame %v", roi, src.Bounds())
	}
	return nil
}
