package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// SQNR returns 20*log10(||ref|| / ||ref - got||) in decibels. Identical inputs
// give +Inf.
func SQNR(ref, got *Array) (float64, error) {
	if ref.Len() != got.Len() {
		return 0, fmt.Errorf("tensor: sqnr length mismatch %v vs %v", ref.shape, got.shape)
	}
	r := ref.Float64s()
	diff := got.Float64s()
	floats.SubTo(diff, r, diff)

	signal := floats.Norm(r, 2)
	noise := floats.Norm(diff, 2)
	if noise == 0 {
		return math.Inf(1), nil
	}
	return 20 * math.Log10(signal/noise), nil
}
