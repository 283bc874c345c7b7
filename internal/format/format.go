// Package format is the registry of narrow floating-point element formats used by
// the block codec.
//
// The set of formats is closed. Every entry is described by a Traits value and a
// decode table that are built once at package init and never modified afterwards,
// so the registry is safe for concurrent readers.
package format

import (
	"fmt"
	"math"
)

// ElementFormat identifies a registered narrow format.
type ElementFormat int

const (
	// Invalid is the zero value and is never registered.
	Invalid ElementFormat = iota

	// E4M3 is 8-bit float8_e4m3fn: 4 exponent bits, 3 mantissa bits, no infinities.
	E4M3

	// E5M2 is 8-bit float8_e5m2 with IEEE-style infinities.
	E5M2

	// E3M2 is a 6-bit float with no special values.
	E3M2

	// E2M3 is a 6-bit float with no special values.
	E2M3

	// E2M1 is a 4-bit float, packed two codes per byte.
	E2M1

	// E8M0 is the OCP MX exponent-only scale format (power of two, bias 127).
	E8M0
)

// Traits is the static description of a format.
type Traits struct {
	Name         string
	TotalBits    int
	ExponentBits int
	MantissaBits int
	Bias         int

	// MaxFinite is the largest finite magnitude.
	MaxFinite float64

	// ElementsPerUnit is how many codes share one packed byte.
	ElementsPerUnit int

	// ExponentOnly marks power-of-two scale formats (no sign, no mantissa).
	ExponentOnly bool

	// HasNaN reports whether the format reserves a NaN encoding.
	HasNaN bool
	NaNCode uint8

	// MaxCode is the largest non-negative code that decodes to a finite value.
	MaxCode uint8

	// PadCode is the code written into padded scale slots. It decodes to the
	// smallest magnitude the format can express.
	PadCode uint8
}

// entry holds the traits plus the derived lookup tables.
type entry struct {
	traits Traits

	// values decodes every code, sign included.
	values []float32

	// magnitudes[c] is the decoded value of the non-negative code c, for c <= MaxCode.
	// It is strictly increasing, which the nearest-value search relies on.
	magnitudes []float64
}

const numFormats = int(E8M0) + 1

var registry [numFormats]*entry

func lookup(f ElementFormat) (*entry, bool) {
	if f <= Invalid || int(f) >= numFormats {
		return nil, false
	}
	e := registry[f]
	return e, e != nil
}

func init() {
	register(Traits{Name: "e4m3", TotalBits: 8, ExponentBits: 4, MantissaBits: 3, Bias: 7,
		ElementsPerUnit: 1, HasNaN: true, NaNCode: 0x7F, MaxCode: 0x7E})
	register(Traits{Name: "e5m2", TotalBits: 8, ExponentBits: 5, MantissaBits: 2, Bias: 15,
		ElementsPerUnit: 1, HasNaN: true, NaNCode: 0x7F, MaxCode: 0x7B})
	register(Traits{Name: "e3m2", TotalBits: 6, ExponentBits: 3, MantissaBits: 2, Bias: 3,
		ElementsPerUnit: 1, MaxCode: 0x1F})
	register(Traits{Name: "e2m3", TotalBits: 6, ExponentBits: 2, MantissaBits: 3, Bias: 1,
		ElementsPerUnit: 1, MaxCode: 0x1F})
	register(Traits{Name: "e2m1", TotalBits: 4, ExponentBits: 2, MantissaBits: 1, Bias: 1,
		ElementsPerUnit: 2, MaxCode: 0x07})
	register(Traits{Name: "e8m0", TotalBits: 8, ExponentBits: 8, MantissaBits: 0, Bias: 127,
		ElementsPerUnit: 1, ExponentOnly: true, HasNaN: true, NaNCode: 0xFF, MaxCode: 0xFE})
}

func register(t Traits) {
	f := formatByName(t.Name)
	n := 1 << t.TotalBits
	e := &entry{values: make([]float32, n)}
	for c := 0; c < n; c++ {
		e.values[c] = float32(decodeBits(t, uint8(c)))
	}
	e.magnitudes = make([]float64, int(t.MaxCode)+1)
	for c := range e.magnitudes {
		e.magnitudes[c] = decodeBits(t, uint8(c))
	}
	t.MaxFinite = e.magnitudes[t.MaxCode]
	e.traits = t
	registry[f] = e
}

func formatByName(name string) ElementFormat {
	switch name {
	case "e4m3":
		return E4M3
	case "e5m2":
		return E5M2
	case "e3m2":
		return E3M2
	case "e2m3":
		return E2M3
	case "e2m1":
		return E2M1
	case "e8m0":
		return E8M0
	}
	panic("format: unknown registration " + name)
}

// decodeBits interprets a raw code according to the bit layout in t.
func decodeBits(t Traits, code uint8) float64 {
	if t.ExponentOnly {
		if t.HasNaN && code == t.NaNCode {
			return math.NaN()
		}
		return math.Ldexp(1, int(code)-t.Bias)
	}
	if t.HasNaN && code&^signMask(t) == t.NaNCode {
		return math.NaN()
	}
	if t.Name == "e5m2" && code&^signMask(t) > t.MaxCode {
		// exponent all ones: infinities and NaNs
		if code&0x03 == 0 {
			if code&signMask(t) != 0 {
				return math.Inf(-1)
			}
			return math.Inf(1)
		}
		return math.NaN()
	}

	mantMask := uint8(1)<<t.MantissaBits - 1
	expMask := uint8(1)<<t.ExponentBits - 1
	mant := code & mantMask
	exp := (code >> t.MantissaBits) & expMask

	var v float64
	if exp == 0 {
		v = math.Ldexp(float64(mant), 1-t.Bias-t.MantissaBits)
	} else {
		v = math.Ldexp(float64(mant)+float64(uint(1)<<t.MantissaBits), int(exp)-t.Bias-t.MantissaBits)
	}
	if code&signMask(t) != 0 {
		v = -v
	}
	return v
}

func signMask(t Traits) uint8 {
	return uint8(1) << (t.TotalBits - 1)
}

// Lookup returns the traits of f, or a FormatError if f is not registered.
func Lookup(f ElementFormat) (Traits, error) {
	e, ok := lookup(f)
	if !ok {
		return Traits{}, &FormatError{Format: f, Reason: "not registered"}
	}
	return e.traits, nil
}

// Parse resolves a format by its registry name ("e4m3", "e2m1", ...).
func Parse(name string) (ElementFormat, error) {
	for f, e := range registry {
		if e != nil && e.traits.Name == name {
			return ElementFormat(f), nil
		}
	}
	return Invalid, &FormatError{Format: Invalid, Reason: fmt.Sprintf("unknown format name %q", name)}
}

// Registered lists every registered format in enum order.
func Registered() []ElementFormat {
	out := make([]ElementFormat, 0, numFormats)
	for f, e := range registry {
		if e != nil {
			out = append(out, ElementFormat(f))
		}
	}
	return out
}

// Traits returns the registered traits and panics for an unregistered format.
// Callers that accept user input should use Lookup.
func (f ElementFormat) Traits() Traits {
	t, err := Lookup(f)
	if err != nil {
		panic(err)
	}
	return t
}

// IsElement reports whether f may be used for block elements.
func (f ElementFormat) IsElement() bool {
	e, ok := lookup(f)
	return ok && !e.traits.ExponentOnly
}

// IsScale reports whether f may be used for per-block scales.
func (f ElementFormat) IsScale() bool {
	return f == E8M0 || f == E4M3
}

// String returns the registry name.
func (f ElementFormat) String() string {
	if e, ok := lookup(f); ok {
		return e.traits.Name
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// PackedLen is the number of bytes needed to hold n codes of format f.
func (f ElementFormat) PackedLen(n int) int {
	epu := f.Traits().ElementsPerUnit
	return (n + epu - 1) / epu
}
