package imgproc

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
)

// Decode parses image bytes and applies the EXIF orientation so that
// downstream code always sees an upright image. The fingerprint and
// thumbnail are derived from this corrected image, never the raw one.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidImage)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if format == "jpeg" {
		img = applyOrientation(img, exifOrientation(data))
	}
	return img, nil
}

// applyOrientation maps an EXIF orientation value (1..8) onto the
// transform that restores the upright view. imaging rotates
// counter-clockwise, so EXIF 6 (rotate 90 CW to correct) is Rotate270.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
