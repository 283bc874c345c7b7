// Package tensor holds the high-precision arrays that feed the codec and that
// the matmul backends return.
package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the high-precision element type of an Array.
type DType int

const (
	Float32 DType = iota
	Float16
	BFloat16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// ParseDType accepts the names produced by DType.String.
func ParseDType(s string) (DType, error) {
	switch s {
	case "float32", "fp32", "f32":
		return Float32, nil
	case "float16", "fp16", "f16", "half":
		return Float16, nil
	case "bfloat16", "bf16":
		return BFloat16, nil
	}
	return Float32, fmt.Errorf("tensor: unknown dtype %q", s)
}

// Round converts v to a value representable in d.
func (d DType) Round(v float32) float32 {
	switch d {
	case Float16:
		return float16.Fromfloat32(v).Float32()
	case BFloat16:
		return bfloat16.DecodeFloat32(bfloat16.EncodeFloat32([]float32{roundBF16(v)}))[0]
	}
	return v
}

// roundBF16 rounds v to nearest even at bf16 precision. The encoder truncates,
// so it sees only values it can represent exactly. NaN stays quiet.
func roundBF16(v float32) float32 {
	bits := math.Float32bits(v)
	if bits&0x7FFFFFFF > 0x7F800000 {
		return math.Float32frombits(bits | 0x00400000)
	}
	bits += 0x7FFF + (bits>>16)&1
	return math.Float32frombits(bits &^ 0xFFFF)
}

// RoundSlice converts every element of vs to d in place.
func (d DType) RoundSlice(vs []float32) {
	switch d {
	case Float16:
		for i, v := range vs {
			vs[i] = float16.Fromfloat32(v).Float32()
		}
	case BFloat16:
		for i, v := range vs {
			vs[i] = roundBF16(v)
		}
		copy(vs, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(vs)))
	}
}

// Array is an immutable N-dimensional array in row-major order. Its values are
// already rounded to its dtype.
type Array struct {
	dtype DType
	shape []int
	data  []float32
}

// New copies data into a fresh array of the given shape, rounding to dtype.
func New(dtype DType, shape []int, data []float32) (*Array, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v", len(data), shape)
	}
	buf := make([]float32, n)
	copy(buf, data)
	dtype.RoundSlice(buf)
	return &Array{dtype: dtype, shape: cloneInts(shape), data: buf}, nil
}

// MustNew is New for statically known inputs.
func MustNew(dtype DType, shape []int, data []float32) *Array {
	a, err := New(dtype, shape, data)
	if err != nil {
		panic(err)
	}
	return a
}

// Zeros returns a zero-filled array.
func Zeros(dtype DType, shape ...int) *Array {
	n, err := numel(shape)
	if err != nil {
		panic(err)
	}
	return &Array{dtype: dtype, shape: cloneInts(shape), data: make([]float32, n)}
}

// Randn fills an array with standard normal samples from rng.
func Randn(rng *rand.Rand, dtype DType, shape ...int) *Array {
	a := Zeros(dtype, shape...)
	for i := range a.data {
		a.data[i] = float32(rng.NormFloat64())
	}
	dtype.RoundSlice(a.data)
	return a
}

// wrap takes ownership of data without copying.
func wrap(dtype DType, shape []int, data []float32) *Array {
	dtype.RoundSlice(data)
	return &Array{dtype: dtype, shape: cloneInts(shape), data: data}
}

// FromOwned builds an array that takes ownership of data. The caller must not
// touch data afterwards.
func FromOwned(dtype DType, shape []int, data []float32) (*Array, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v", len(data), shape)
	}
	return wrap(dtype, shape, data), nil
}

func numel(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("tensor: empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("tensor: non-positive dimension in shape %v", shape)
		}
		n *= d
	}
	return n, nil
}

func cloneInts(s []int) []int {
	out := make([]int, len(s))
	copy(out, s)
	return out
}

func (a *Array) DType() DType { return a.dtype }

// Shape returns a copy of the shape.
func (a *Array) Shape() []int { return cloneInts(a.shape) }

func (a *Array) Rank() int { return len(a.shape) }

// Dim returns the size of axis i; negative i counts from the end.
func (a *Array) Dim(i int) int {
	if i < 0 {
		i += len(a.shape)
	}
	return a.shape[i]
}

func (a *Array) Len() int { return len(a.data) }

// Data returns the backing storage. It must be treated as read-only.
func (a *Array) Data() []float32 { return a.data }

// Values returns a copy of the elements.
func (a *Array) Values() []float32 {
	out := make([]float32, len(a.data))
	copy(out, a.data)
	return out
}

// Float64s widens the elements.
func (a *Array) Float64s() []float64 {
	out := make([]float64, len(a.data))
	for i, v := range a.data {
		out[i] = float64(v)
	}
	return out
}

// At2 indexes a rank-2 array.
func (a *Array) At2(i, j int) float32 {
	return a.data[i*a.shape[1]+j]
}

// Reshape returns an array sharing storage with a under a new shape.
func (a *Array) Reshape(shape ...int) (*Array, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}
	if n != len(a.data) {
		return nil, fmt.Errorf("tensor: cannot reshape %v into %v", a.shape, shape)
	}
	return &Array{dtype: a.dtype, shape: cloneInts(shape), data: a.data}, nil
}

// Transpose2D returns a fresh transposed copy of a rank-2 array.
func (a *Array) Transpose2D() (*Array, error) {
	if len(a.shape) != 2 {
		return nil, fmt.Errorf("tensor: transpose needs rank 2, got shape %v", a.shape)
	}
	r, c := a.shape[0], a.shape[1]
	out := make([]float32, len(a.data))
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out[j*r+i] = a.data[i*c+j]
		}
	}
	return &Array{dtype: a.dtype, shape: []int{c, r}, data: out}, nil
}

// AsType converts to another dtype.
func (a *Array) AsType(d DType) *Array {
	return wrap(d, a.shape, a.Values())
}

// Equal reports bit-identical contents, shape and dtype.
func (a *Array) Equal(b *Array) bool {
	if a.dtype != b.dtype || len(a.shape) != len(b.shape) || len(a.data) != len(b.data) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	for i := range a.data {
		if math.Float32bits(a.data[i]) != math.Float32bits(b.data[i]) {
			return false
		}
	}
	return true
}

func (a *Array) String() string {
	return fmt.Sprintf("Array(%s, %v)", a.dtype, a.shape)
}
