// Package imgproc prepares uploaded leaf photos for inference: decode
// with EXIF orientation applied, optional HSV-based leaf crop,
// perceptual fingerprint and JPEG thumbnail.
package imgproc

import (
	"errors"
	"fmt"
)

// ErrInvalidImage marks input bytes that cannot be decoded as an image.
var ErrInvalidImage = errors.New("invalid image data")

// ProcessingError provides context about which image operation failed.
type ProcessingError struct {
	Operation string
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("image processing failed during %s: %v", e.Operation, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
