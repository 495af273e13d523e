package convert

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
)

func makeGradient(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), A: 0xff})
		}
	}
	return img
}

func TestResizerScaleRatios(t *testing.T) {
	ctx := context.Background()
	r := NewResizer()
	src := makeGradient(640, 480)

	tests := []struct {
		name           string
		roi            image.Rectangle
		dstW, dstH     int
		scaleX, scaleY float64
	}{
		{
			name: "upscale a small region",
			roi:  image.Rect(10, 20, 110, 70),
			dstW: 200, dstH: 100,
			scaleX: 2, scaleY: 2,
		},
		{
			name: "downscale the full frame",
			roi:  src.Bounds(),
			dstW: 320, dstH: 240,
			scaleX: 0.5, scaleY: 0.5,
		},
		{
			name: "anisotropic",
			roi:  image.Rect(0, 0, 100, 100),
			dstW: 200, dstH: 50,
			scaleX: 2, scaleY: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := image.NewRGBA(image.Rect(0, 0, tt.dstW, tt.dstH))
			scaleX, scaleY, err := r.Convert(ctx, src, tt.roi, dst)
			require.NoError(t, err)
			require.InDelta(t, tt.scaleX, scaleX, 1e-9)
			require.InDelta(t, tt.scaleY, scaleY, 1e-9)
		})
	}
}

func TestResizerFillsTheWholeDestination(t *testing.T) {
	ctx := context.Background()
	r := NewResizer()

	// A uniformly green source region must produce a uniformly green
	// destination, corner to corner.
	src := image.NewRGBA(image.Rect(0, 0, 100, 100))
	green := color.RGBA{G: 0xff, A: 0xff}
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			src.Set(x, y, green)
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, 64, 48))
	_, _, err := r.Convert(ctx, src, image.Rect(25, 25, 75, 75), dst)
	require.NoError(t, err)

	for _, pt := range []image.Point{
		{X: 0, Y: 0}, {X: 63, Y: 0}, {X: 0, Y: 47}, {X: 63, Y: 47}, {X: 32, Y: 24},
	} {
		require.Equal(t, green, dst.RGBAAt(pt.X, pt.Y), "at %v", pt)
	}
}

func TestResizerClampsTheRegion(t *testing.T) {
	ctx := context.Background()
	r := NewResizer()
	src := makeGradient(100, 100)
	dst := image.NewRGBA(image.Rect(0, 0, 50, 50))

	// A region sticking out of the frame is clamped, and the ratios are
	// computed against the clamped size.
	scaleX, scaleY, err := r.Convert(ctx, src, image.Rect(80, 80, 180, 180), dst)
	require.NoError(t, err)
	require.InDelta(t, 2.5, scaleX, 1e-9)
	require.InDelta(t, 2.5, scaleY, 1e-9)
}

func TestResizerRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	r := NewResizer()
	dst := image.NewRGBA(image.Rect(0, 0, 8, 8))

	_, _, err := r.Convert(ctx, nil, image.Rect(0, 0, 10, 10), dst)
	require.Error(t, err)

	src := makeGradient(100, 100)
	_, _, err = r.Convert(ctx, src, image.Rect(200, 200, 300, 300), dst)
	require.Error(t, err)

	_, _, err = r.Convert(ctx, src, image.Rect(10, 10, 10, 50), dst)
	require.Error(t, err)
}
