//go:build with_cv
// +build with_cv

package convert

import (
	"context"
	"fmt"
	"image"
	"image/draw"

	"gocv.io/x/gocv"

	"github.com/xaionaro-go/inferpipeline/logger"
)

// MatResizer is an OpenCV-backed Converter. It is noticeably faster
// than the pure-Go Resizer on large regions, at the cost of the cgo
// dependency.
type MatResizer struct {
	Interpolation gocv.InterpolationFlags
}

var _ Converter = (*MatResizer)(nil)

func NewMatResizer() *MatResizer {
	return &MatResizer{Interpolation: gocv.InterpolationLinear}
}

func (r *MatResizer) String() string {
	return "MatResizer"
}

func (r *MatResizer) Convert(
	ctx context.Context,
	src image.Image,
	roi image.Rectangle,
	dst *image.RGBA,
) (_ float64, _ float64, _err error) {
	logger.Tracef(ctx, "Convert(%v)", roi)
	defer func() { logger.Tracef(ctx, "/Convert(%v): %v", roi, _err) }()

	if err := validateInput(src, roi); err != nil {
		return 0, 0, err
	}
	roi = roi.Intersect(src.Bounds())

	mat, err := gocv.ImageToMatRGBA(src)
	if err != nil {
		return 0, 0, fmt.Errorf("unable to convert the frame to a Mat: %w", err)
	}
	defer mat.Close()

	region := mat.Region(roi.Sub(src.Bounds().Min))
	defer region.Close()

	dstBounds := dst.Bounds()
	scaledMat := gocv.NewMat()
	defer scaledMat.Close()
	gocv.Resize(region, &scaledMat, image.Pt(dstBounds.Dx(), dstBounds.Dy()), 0, 0, r.Interpolation)

	scaled, err := scaledMat.ToImage()
	if err != nil {
		return 0, 0, fmt.Errorf("unable to convert the Mat back to an image: %w", err)
	}
	draw.Draw(dst, dstBounds, scaled, scaled.Bounds().Min, draw.Src)

	scaleX := float64(dstBounds.Dx()) / float64(roi.Dx())
	scaleY := float64(dstBounds.Dy()) / float64(roi.Dy())
	return scaleX, scaleY, nil
}
