package imgproc

import (
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"
)

// fingerprintMask keeps fingerprints inside the positive int64 range so
// they survive a round-trip through a signed database column.
const fingerprintMask = 0x7FFFFFFFFFFFFFFF

// Fingerprint computes the 63-bit perceptual fingerprint used for
// cache lookups: a DCT hash, falling back to the average hash when the
// frequency content degenerates (flat or synthetic images).
func Fingerprint(img image.Image) int64 {
	h := PerceptualHash(img)
	if h == 0 {
		h = AverageHash(img)
	}
	return int64(h & fingerprintMask)
}

// AverageHash computes an 8x8 mean-threshold hash. Bit 63 corresponds
// to the top-left cell.
func AverageHash(img image.Image) uint64 {
	gray := grayPixels(img, 8, 8)

	var sum float64
	for _, v := range gray {
		sum += v
	}
	mean := sum / float64(len(gray))

	var hash uint64
	for i, v := range gray {
		if v > mean {
			hash |= 1 << uint(63-i)
		}
	}
	return hash
}

// PerceptualHash computes a 63-bit DCT hash: the image is reduced to
// 32x32 grayscale, transformed, and the 8x8 low-frequency block minus
// the DC term is thresholded against its median. Flat images hash to
// zero, which signals the caller to fall back to the average hash.
func PerceptualHash(img image.Image) uint64 {
	gray := grayPixels(img, 32, 32)
	coeffs := dct2D(gray, 32)

	low := make([]float64, 0, 63)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if x == 0 && y == 0 {
				continue
			}
			low = append(low, coeffs[y*32+x])
		}
	}

	med := median(low)

	var hash uint64
	for i, v := range low {
		if v > med {
			hash |= 1 << uint(62-i)
		}
	}
	return hash
}

// grayPixels resizes the image to w x h and returns row-major
// luminance values in 0..255.
func grayPixels(img image.Image, w, h int) []float64 {
	resized := imaging.Grayscale(imaging.Resize(img, w, h, imaging.Lanczos))
	out := make([]float64, w*h)
	b := resized.Bounds()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, _, _, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			out[y*w+x] = float64(r >> 8)
		}
	}
	return out
}

// dct2D applies a separable type-II DCT to a square n x n block.
func dct2D(pixels []float64, n int) []float64 {
	rows := make([]float64, n*n)
	for y := 0; y < n; y++ {
		dct1D(pixels[y*n:(y+1)*n], rows[y*n:(y+1)*n])
	}

	col := make([]float64, n)
	colOut := make([]float64, n)
	out := make([]float64, n*n)
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			col[y] = rows[y*n+x]
		}
		dct1D(col, colOut)
		for y := 0; y < n; y++ {
			out[y*n+x] = colOut[y]
		}
	}
	return out
}

func dct1D(in, out []float64) {
	n := len(in)
	for k := 0; k < n; k++ {
		var sum float64
		for i := 0; i < n; i++ {
			sum += in[i] * math.Cos(math.Pi*float64(k)*(2*float64(i)+1)/(2*float64(n)))
		}
		out[k] = sum
	}
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
