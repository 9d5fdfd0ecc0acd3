// Package fingerprint computes perceptual average hashes of images.
package fingerprint

import (
	"fmt"
	"image"
	"math/bits"
	"strconv"

	"github.com/corona10/goimagehash"

	"github.com/example/mri-check/internal/preprocess"
)

// Fingerprint is a 64-bit 8×8 average hash. Bit i is set when the i-th cell of
// the downsampled grayscale image is brighter than the mean of all cells.
type Fingerprint uint64

// Compute converts img to grayscale and returns its average hash.
func Compute(img image.Image) (Fingerprint, error) {
	if img == nil {
		return 0, fmt.Errorf("fingerprint: image is nil")
	}
	hash, err := goimagehash.AverageHash(preprocess.Grayscale(img))
	if err != nil {
		return 0, fmt.Errorf("fingerprint: %w", err)
	}
	return Fingerprint(hash.GetHash()), nil
}

// Distance is the Hamming distance between two fingerprints.
func Distance(a, b Fingerprint) int {
	return bits.OnesCount64(uint64(a ^ b))
}

// String renders the fingerprint as 16 hex digits.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// Parse reads a fingerprint produced by String.
func Parse(s string) (Fingerprint, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("fingerprint: parse %q: %w", s, err)
	}
	return Fingerprint(v), nil
}
