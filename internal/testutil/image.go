// Package testutil provides deterministic synthetic images for tests
// that must run without real photos or model files.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

// LeafImage renders a saturated green rectangle centered on a dull
// gray background. The colored region is large enough to trigger
// content-based cropping.
func LeafImage(t *testing.T, width, height int) *image.NRGBA {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	background := color.NRGBA{R: 30, G: 32, B: 30, A: 255}
	leaf := color.NRGBA{R: 40, G: 180, B: 60, A: 255}

	x0, y0 := width/4, height/4
	x1, y1 := 3*width/4, 3*height/4
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x >= x0 && x < x1 && y >= y0 && y < y1 {
				img.Set(x, y, leaf)
			} else {
				img.Set(x, y, background)
			}
		}
	}
	return img
}

// FlatImage renders a uniform low-saturation image that no
// content-based crop should touch.
func FlatImage(t *testing.T, width, height int) *image.NRGBA {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	gray := color.NRGBA{R: 120, G: 120, B: 120, A: 255}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, gray)
		}
	}
	return img
}

// GradientImage renders a horizontal luminance gradient, useful for
// hash tests that need non-degenerate frequency content.
func GradientImage(t *testing.T, width, height int) *image.NRGBA {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := uint8(255 * x / max(width-1, 1))
			img.Set(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

// EncodePNG returns the PNG encoding of img.
func EncodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// EncodeJPEG returns the JPEG encoding of img at the given quality.
func EncodeJPEG(t *testing.T, img image.Image, quality int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}
