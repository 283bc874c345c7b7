package simd

import "math"

// AbsMax returns max(|x|) over x, skipping NaNs. An empty or all-NaN slice gives 0.
func AbsMax(x []float32) float32 {
	var m0, m1, m2, m3 float32
	i := 0
	for ; i <= len(x)-4; i += 4 {
		m0 = maxAbs(m0, x[i])
		m1 = maxAbs(m1, x[i+1])
		m2 = maxAbs(m2, x[i+2])
		m3 = maxAbs(m3, x[i+3])
	}
	for ; i < len(x); i++ {
		m0 = maxAbs(m0, x[i])
	}
	if m1 > m0 {
		m0 = m1
	}
	if m3 > m2 {
		m2 = m3
	}
	if m2 > m0 {
		m0 = m2
	}
	return m0
}

func maxAbs(m, v float32) float32 {
	if v < 0 {
		v = -v
	}
	// NaN compares false and is skipped
	if v > m {
		return v
	}
	return m
}

// MinMax returns the smallest and largest non-NaN values of x. ok is false when
// x holds no such value.
func MinMax(x []float32) (lo, hi float32, ok bool) {
	lo, hi = float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range x {
		if v != v {
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
		ok = true
	}
	return lo, hi, ok
}

// VecAdd performs dst += src for float64 vectors
func VecAdd(dst, src []float64) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	// Handle remainder
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// DotProduct computes the dot product of two float64 vectors.
// Accumulation is strictly left to right so results are reproducible bit for bit.
func DotProduct(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Widen converts src into dst as float64.
func Widen(dst []float64, src []float32) {
	i := 0
	for ; i <= len(src)-4; i += 4 {
		dst[i] = float64(src[i])
		dst[i+1] = float64(src[i+1])
		dst[i+2] = float64(src[i+2])
		dst[i+3] = float64(src[i+3])
	}
	for ; i < len(src); i++ {
		dst[i] = float64(src[i])
	}
}
