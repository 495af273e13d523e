package convert

import (
	"context"
	"image"
	"image/draw"

	"github.com/anthonynsimon/bild/transform"

	"github.com/xaionaro-go/inferpipeline/logger"
)

// Resizer is the default pure-Go Converter, built on bild.
type Resizer struct {
	// Filter is the resampling filter; the zero value falls back to
	// linear interpolation.
	Filter transform.ResampleFilter
}

var _ Converter = (*Resizer)(nil)

func NewResizer() *Resizer {
	return &Resizer{Filter: transform.Linear}
}

func (r *Resizer) String() string {
	return "Resizer"
}

func (r *Resizer) Convert(
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

	filter := r.Filter
	if filter.Support == 0 {
		filter = transform.Linear
	}

	dstBounds := dst.Bounds()
	cropped := transform.Crop(src, roi)
	scaled := transform.Resize(cropped, dstBounds.Dx(), dstBounds.Dy(), filter)
	draw.Draw(dst, dstBounds, scaled, scaled.Bounds().Min, draw.Src)

	scaleX := float64(dstBounds.Dx()) / float64(roi.Dx())
	scaleY := float64(dstBounds.Dy()) / float64(roi.Dy())
	return scaleX, scaleY, nil
}
