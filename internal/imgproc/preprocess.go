package imgproc

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/disintegration/imaging"
)

const (
	// Thumbnails are bounded to this many pixels on the longest side.
	thumbnailMaxDim = 768
	// JPEG quality for stored thumbnails.
	thumbnailQuality = 85
)

// Result carries everything the preprocessor derives from an upload.
// Fingerprint and Thumbnail come from the orientation-corrected image
// before any crop, so cache identity is independent of crop settings.
type Result struct {
	Image       image.Image // inference input (cropped when Cropped)
	Cropped     bool
	Fingerprint int64
	Thumbnail   []byte
	Width       int // dimensions of the corrected, uncropped image
	Height      int
}

// Preprocess decodes an upload and derives the inference image,
// fingerprint and thumbnail. useCrop toggles the leaf crop only; the
// orientation correction always applies.
func Preprocess(data []byte, useCrop bool) (*Result, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	res := &Result{
		Image:       img,
		Fingerprint: Fingerprint(img),
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
	}

	thumb, err := Thumbnail(img)
	if err != nil {
		return nil, &ProcessingError{Operation: "thumbnail", Err: err}
	}
	res.Thumbnail = thumb

	if useCrop {
		res.Image, res.Cropped = LeafCrop(img)
	}
	return res, nil
}

// Thumbnail encodes a JPEG preview bounded to 768px on the longest
// side. Images already within bounds are re-encoded without resizing.
func Thumbnail(img image.Image) ([]byte, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > thumbnailMaxDim || h > thumbnailMaxDim {
		img = imaging.Fit(img, thumbnailMaxDim, thumbnailMaxDim, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
