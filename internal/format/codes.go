package format

import (
	"math"
	"sort"
)

// Encode rounds v to the nearest representable value of f and returns its code.
//
// Ties go to the code whose mantissa LSB is zero. Magnitudes beyond MaxFinite
// (infinities included) saturate to the signed max finite code. NaN maps to the
// format NaN, or to +0 for formats without one. Exponent-only formats round the
// magnitude up to the next power of two and ignore the sign.
func (f ElementFormat) Encode(v float64) uint8 {
	e, ok := lookup(f)
	if !ok {
		panic(&FormatError{Format: f, Reason: "not registered"})
	}
	t := &e.traits
	if math.IsNaN(v) {
		if t.HasNaN {
			return t.NaNCode
		}
		return 0
	}
	if t.ExponentOnly {
		return encodeExponent(t, v)
	}

	neg := v < 0
	a := math.Abs(v)
	var code uint8
	if a >= t.MaxFinite {
		code = t.MaxCode
	} else {
		code = nearest(e.magnitudes, a)
	}
	if neg && code != 0 {
		code |= signMask(*t)
	}
	return code
}

// nearest finds the code of the magnitude closest to a, ties to even code.
func nearest(mags []float64, a float64) uint8 {
	i := sort.SearchFloat64s(mags, a)
	if i == 0 {
		return 0
	}
	if i == len(mags) {
		return uint8(len(mags) - 1)
	}
	if mags[i] == a {
		return uint8(i)
	}
	lo, hi := a-mags[i-1], mags[i]-a
	switch {
	case lo < hi:
		return uint8(i - 1)
	case hi < lo:
		return uint8(i)
	}
	if i%2 == 0 {
		return uint8(i)
	}
	return uint8(i - 1)
}

func encodeExponent(t *Traits, v float64) uint8 {
	a := math.Abs(v)
	if a == 0 {
		return 0
	}
	if math.IsInf(a, 0) {
		return t.MaxCode
	}
	frac, exp := math.Frexp(a)
	// a = frac * 2^exp with frac in [0.5, 1); exact powers of two keep exp-1.
	if frac == 0.5 {
		exp--
	}
	biased := exp + t.Bias
	if biased < 0 {
		return 0
	}
	if biased > int(t.MaxCode) {
		return t.MaxCode
	}
	return uint8(biased)
}

// Decode returns the value of code. Codes wider than the format are masked.
func (f ElementFormat) Decode(code uint8) float32 {
	e, ok := lookup(f)
	if !ok {
		panic(&FormatError{Format: f, Reason: "not registered"})
	}
	return e.values[int(code)&(len(e.values)-1)]
}

// Table returns the decode table of f, indexed by code. The slice is shared and
// must not be modified.
func (f ElementFormat) Table() []float32 {
	e, ok := lookup(f)
	if !ok {
		panic(&FormatError{Format: f, Reason: "not registered"})
	}
	return e.values
}

// Pack stores codes into the packed representation of f. Sub-byte formats put
// the earlier code in the low nibble.
func (f ElementFormat) Pack(codes []uint8) []byte {
	t := f.Traits()
	if t.ElementsPerUnit == 1 {
		out := make([]byte, len(codes))
		copy(out, codes)
		return out
	}
	out := make([]byte, f.PackedLen(len(codes)))
	for i, c := range codes {
		if i%2 == 0 {
			out[i/2] = c & 0x0F
		} else {
			out[i/2] |= (c & 0x0F) << 4
		}
	}
	return out
}

// Unpack expands n codes out of packed.
func (f ElementFormat) Unpack(packed []byte, n int) []uint8 {
	t := f.Traits()
	out := make([]uint8, n)
	if t.ElementsPerUnit == 1 {
		copy(out, packed[:n])
		return out
	}
	for i := range out {
		b := packed[i/2]
		if i%2 == 0 {
			out[i] = b & 0x0F
		} else {
			out[i] = b >> 4
		}
	}
	return out
}

// CodeAt reads the i-th code directly from a packed buffer.
func (f ElementFormat) CodeAt(packed []byte, i int) uint8 {
	if f == E2M1 {
		b := packed[i/2]
		if i%2 == 0 {
			return b & 0x0F
		}
		return b >> 4
	}
	return packed[i]
}
