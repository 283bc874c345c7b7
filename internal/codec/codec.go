package codec

import (
	"math"
	"time"

	"github.com/23skdu/longbow-quiver/internal/format"
	"github.com/23skdu/longbow-quiver/internal/scales"
	"github.com/23skdu/longbow-quiver/internal/simd"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// F8E4M3Max and F4E2M1Max are the max finite magnitudes used by the NVFP4
// per-tensor scale.
const (
	F8E4M3Max = 448.0
	F4E2M1Max = 6.0
)

type options struct {
	scaleFormat format.ElementFormat
	globalScale float32
	hasGlobal   bool
	tile        *scales.Tile
}

// Option customises Encode.
type Option func(*options)

// WithScaleFormat selects the block scale format. The default is E8M0.
func WithScaleFormat(f format.ElementFormat) Option {
	return func(o *options) { o.scaleFormat = f }
}

// WithGlobalScale attaches a per-tensor scale that multiplies every block
// scale. Only E4M3 block scales use it.
func WithGlobalScale(s float32) Option {
	return func(o *options) {
		o.globalScale = s
		o.hasGlobal = true
	}
}

// WithSwizzledScales emits the scale tensor already in the tiled layout.
func WithSwizzledScales(tile scales.Tile) Option {
	return func(o *options) { o.tile = &tile }
}

// PerTensorAmaxToScale returns the NVFP4 global scale amax / (448 * 6).
// amax should come from FiniteAbsMax; a non-finite amax yields a scale Encode
// rejects.
func PerTensorAmaxToScale(amax float32) float32 {
	s := float64(amax) / (F8E4M3Max * F4E2M1Max)
	if s == 0 {
		// a zero tensor still needs an invertible scale
		return 1
	}
	return float32(s)
}

// Encode block-quantizes a along axis into format f with blockSize elements
// per block.
func Encode(a *tensor.Array, f format.ElementFormat, blockSize, axis int, opts ...Option) (*ScaledArray, error) {
	start := time.Now()
	o := options{scaleFormat: format.E8M0}
	for _, opt := range opts {
		opt(&o)
	}

	if _, err := format.Lookup(f); err != nil {
		return nil, err
	}
	if !f.IsElement() {
		return nil, &format.FormatError{Format: f, Reason: "not an element format"}
	}
	if !o.scaleFormat.IsScale() {
		return nil, &format.FormatError{Format: o.scaleFormat, Reason: "not a scale format"}
	}
	if o.hasGlobal && o.scaleFormat != format.E4M3 {
		return nil, &format.FormatError{Format: o.scaleFormat, Reason: "global scale needs e4m3 block scales"}
	}
	if o.hasGlobal && !validGlobalScale(o.globalScale) {
		return nil, &GlobalScaleError{Scale: o.globalScale}
	}

	shape := a.Shape()
	if axis < 0 {
		axis += len(shape)
	}
	if axis < 0 || axis >= len(shape) {
		return nil, &ShapeError{Shape: shape, Axis: axis, BlockSize: blockSize, Reason: "axis out of range"}
	}
	if blockSize <= 0 || shape[axis]%blockSize != 0 {
		return nil, &ShapeError{Shape: shape, Axis: axis, BlockSize: blockSize}
	}

	view := moveAxisLast(a.Data(), shape, axis)
	cols := shape[axis]
	rows := len(view) / cols
	nb := cols / blockSize

	codes := make([]uint8, len(view))
	scaleCodes := make([]uint8, rows*nb)
	enc := blockEncoder{
		elem:     f,
		elemMax:  f.Traits().MaxFinite,
		scaleFmt: o.scaleFormat,
		global:   1,
		minScale: minNormal(o.scaleFormat),
		scaleMax: o.scaleFormat.Traits().MaxFinite,
	}
	if o.hasGlobal {
		enc.global = float64(o.globalScale)
	}
	// blocks are independent; iteration order does not affect the result
	for b := 0; b < rows*nb; b++ {
		lo := b * blockSize
		scaleCodes[b] = enc.encodeBlock(view[lo:lo+blockSize], codes[lo:lo+blockSize])
	}

	st, err := scales.New(o.scaleFormat, rows, nb, scaleCodes)
	if err != nil {
		return nil, err
	}
	if o.tile != nil {
		if st, err = scales.ToSwizzled(st, *o.tile); err != nil {
			return nil, err
		}
	}

	sa := &ScaledArray{
		format:         f,
		blockSize:      blockSize,
		axis:           axis,
		shape:          shape,
		dtype:          a.DType(),
		packed:         f.Pack(codes),
		scales:         st,
		globalScale:    o.globalScale,
		hasGlobalScale: o.hasGlobal,
	}
	encodedElements.WithLabelValues(f.String()).Add(float64(len(view)))
	encodeDuration.WithLabelValues(f.String()).Observe(time.Since(start).Seconds())
	return sa, nil
}

type blockEncoder struct {
	elem     format.ElementFormat
	elemMax  float64
	scaleFmt format.ElementFormat
	global   float64
	minScale float64
	scaleMax float64
}

// encodeBlock writes the element codes of one block into dst and returns the
// block's scale code.
func (e *blockEncoder) encodeBlock(src []float32, dst []uint8) uint8 {
	// infinities saturate; the scale follows the finite elements
	amax := FiniteAbsMax(src)

	var scaleCode uint8
	var scale float64
	if e.scaleFmt == format.E8M0 {
		// power-of-two scale, rounded up so amax/scale never exceeds elemMax
		scaleCode = 0
		if amax > 0 {
			scaleCode = e.scaleFmt.Encode(amax / e.elemMax)
		}
		scale = math.Ldexp(1, int(scaleCode)-e.scaleFmt.Traits().Bias)
	} else {
		raw := amax / e.elemMax / e.global
		raw = math.Max(e.minScale, math.Min(raw, e.scaleMax))
		scaleCode = e.scaleFmt.Encode(raw)
		scale = float64(e.scaleFmt.Decode(scaleCode)) * e.global
	}

	inv := 1 / scale
	for i, v := range src {
		if v != v {
			dst[i] = e.elem.Encode(math.NaN())
			continue
		}
		dst[i] = e.elem.Encode(float64(v) * inv)
	}
	return scaleCode
}

// FiniteAbsMax is the largest finite magnitude in src. NaN and infinities are
// skipped.
func FiniteAbsMax(src []float32) float64 {
	if m := float64(simd.AbsMax(src)); !math.IsInf(m, 0) && m == m {
		return m
	}
	return finiteAbsMax(src)
}

func finiteAbsMax(src []float32) float64 {
	var m float64
	for _, v := range src {
		a := math.Abs(float64(v))
		if a > m && !math.IsInf(a, 0) {
			m = a
		}
	}
	return m
}

// minNormal is the smallest normal magnitude of f, used as the floor of
// rounded-to-nearest scales.
func minNormal(f format.ElementFormat) float64 {
	t := f.Traits()
	return math.Ldexp(1, 1-t.Bias)
}

// Decode reconstructs the high-precision array. It never mutates sa and returns
// bit-identical output on every call.
func Decode(sa *ScaledArray) (*tensor.Array, error) {
	rows, cols := sa.Rows(), sa.Cols()
	view := make([]float32, rows*cols)
	table := sa.format.Table()
	nb := cols / sa.blockSize
	for r := 0; r < rows; r++ {
		for b := 0; b < nb; b++ {
			s := sa.BlockScale(r, b)
			lo := r*cols + b*sa.blockSize
			for i := lo; i < lo+sa.blockSize; i++ {
				view[i] = float32(float64(table[sa.format.CodeAt(sa.packed, i)]) * s)
			}
		}
	}
	out := moveLastAxis(view, sa.shape, sa.axis)
	return tensor.FromOwned(sa.dtype, sa.shape, out)
}

// DecodeView returns the reduction view of sa as float64, rows x cols, without
// rounding to the array dtype.
func DecodeView(sa *ScaledArray) []float64 {
	rows, cols := sa.Rows(), sa.Cols()
	out := make([]float64, rows*cols)
	table := sa.format.Table()
	nb := cols / sa.blockSize
	for r := 0; r < rows; r++ {
		for b := 0; b < nb; b++ {
			s := sa.BlockScale(r, b)
			lo := r*cols + b*sa.blockSize
			for i := lo; i < lo+sa.blockSize; i++ {
				out[i] = float64(table[sa.format.CodeAt(sa.packed, i)]) * s
			}
		}
	}
	return out
}

// moveAxisLast returns data with axis moved innermost. The input is returned
// unchanged when axis already is.
func moveAxisLast(data []float32, shape []int, axis int) []float32 {
	outer, length, inner := split(shape, axis)
	if inner == 1 {
		return data
	}
	out := make([]float32, len(data))
	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			row := (o*inner + in) * length
			for l := 0; l < length; l++ {
				out[row+l] = data[o*length*inner+l*inner+in]
			}
		}
	}
	return out
}

// moveLastAxis inverts moveAxisLast into a fresh slice.
func moveLastAxis(view []float32, shape []int, axis int) []float32 {
	outer, length, inner := split(shape, axis)
	if inner == 1 {
		return view
	}
	out := make([]float32, len(view))
	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			row := (o*inner + in) * length
			for l := 0; l < length; l++ {
				out[o*length*inner+l*inner+in] = view[row+l]
			}
		}
	}
	return out
}

func split(shape []int, axis int) (outer, length, inner int) {
	outer, inner = 1, 1
	for i, d := range shape {
		switch {
		case i < axis:
			outer *= d
		case i > axis:
			inner *= d
		}
	}
	return outer, shape[axis], inner
}
