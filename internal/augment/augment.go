// Package augment produces the fixed test-time augmentation sequence
// applied during ensemble inference.
package augment

import (
	"image"

	"github.com/disintegration/imaging"
)

// NumVariants is the length of the augmentation sequence.
const NumVariants = 5

// Variant names, in sequence order.
const (
	VariantIdentity = "identity"
	VariantFlipH    = "flip_h"
	VariantFlipV    = "flip_v"
	VariantRotate90 = "rot90"
	VariantRot270   = "rot270"
)

// Variant pairs an augmentation name with its transformed image.
type Variant struct {
	Name  string
	Image image.Image
}

// Variants returns the deterministic augmentation sequence for img:
// identity, horizontal flip, vertical flip, then the two quarter
// rotations. Each call recomputes the sequence from scratch, so a
// caller can restart iteration at any time.
func Variants(img image.Image) []Variant {
	return []Variant{
		{Name: VariantIdentity, Image: img},
		{Name: VariantFlipH, Image: imaging.FlipH(img)},
		{Name: VariantFlipV, Image: imaging.FlipV(img)},
		{Name: VariantRotate90, Image: imaging.Rotate90(img)},
		{Name: VariantRot270, Image: imaging.Rotate270(img)},
	}
}
