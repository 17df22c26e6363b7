package imgproc

import (
	"image"

	"github.com/disintegration/imaging"
)

const (
	// Saturation and value floors for a pixel to count as leaf
	// material, on the 0..255 scale.
	leafSaturationMin = 40
	leafValueMin      = 40

	// Minimum number of matching pixels before cropping is trusted.
	leafMaskMinPixels = 200

	// Padding added around the detected bounding box.
	leafCropPadding = 10
)

// LeafCrop isolates the plant region of a photo by masking pixels with
// enough color saturation and brightness, then cropping to the mask's
// bounding box with padding. Images with too few matching pixels are
// returned unchanged; cropping must never destroy a usable photo.
// The second return value reports whether a crop was applied.
func LeafCrop(img image.Image) (image.Image, bool) {
	if img == nil {
		return nil, false
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return img, false
	}

	minX, minY := w, h
	maxX, maxY := -1, -1
	matched := 0

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			s, v := saturationValue(uint8(r>>8), uint8(g>>8), uint8(b>>8))
			if s > leafSaturationMin && v > leafValueMin {
				matched++
				if x < minX {
					minX = x
				}
				if y < minY {
					minY = y
				}
				if x > maxX {
					maxX = x
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}

	if matched < leafMaskMinPixels {
		return img, false
	}

	x0 := max(minX-leafCropPadding, 0)
	y0 := max(minY-leafCropPadding, 0)
	x1 := min(maxX+leafCropPadding+1, w)
	y1 := min(maxY+leafCropPadding+1, h)
	if x1 <= x0 || y1 <= y0 {
		return img, false
	}

	rect := image.Rect(bounds.Min.X+x0, bounds.Min.Y+y0, bounds.Min.X+x1, bounds.Min.Y+y1)
	return imaging.Crop(img, rect), true
}

// saturationValue computes the HSV saturation and value channels of an
// RGB pixel on the 0..255 scale.
func saturationValue(r, g, b uint8) (int, int) {
	maxC := max(r, g, b)
	minC := min(r, g, b)
	v := int(maxC)
	if maxC == 0 {
		return 0, v
	}
	s := int(uint32(maxC-minC) * 255 / uint32(maxC))
	return s, v
}
