// Package observer derives quantization parameters from streaming statistics.
//
// Observers accumulate over any number of Observe calls before a single
// CalculateQParams. An Observer is not safe for concurrent use; run one per
// worker and combine them with Merge where the policy supports it.
package observer

import (
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/longbow-quiver/internal/format"
	"github.com/23skdu/longbow-quiver/internal/simd"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// MappingType selects how the observed range maps onto the target range.
type MappingType int

const (
	Symmetric MappingType = iota
	Asymmetric
)

func (m MappingType) String() string {
	if m == Asymmetric {
		return "asymmetric"
	}
	return "symmetric"
}

// ZeroPointDomain controls whether a zero point is produced at all.
type ZeroPointDomain int

const (
	ZeroPointInt ZeroPointDomain = iota
	ZeroPointNone
)

// Granularity is per-tensor (one statistic) or per-axis (one per index of
// Axis, every other axis reduced).
type Granularity struct {
	PerAxis bool
	Axis    int
}

func PerTensor() Granularity { return Granularity{} }
func PerAxis(axis int) Granularity { return Granularity{PerAxis: true, Axis: axis} }

func (g Granularity) String() string {
	if g.PerAxis {
		return fmt.Sprintf("per_axis(%d)", g.Axis)
	}
	return "per_tensor"
}

// Target is the representable range qparams map onto: an integer range or a
// registered float format.
type Target struct {
	QuantMin int
	QuantMax int
	Float    format.ElementFormat
}

func IntTarget(qmin, qmax int) Target { return Target{QuantMin: qmin, QuantMax: qmax} }
func Int8Target() Target { return IntTarget(-128, 127) }
func Uint8Target() Target { return IntTarget(0, 255) }

func FloatTarget(f format.ElementFormat) Target { return Target{Float: f} }

func (t Target) isFloat() bool { return t.Float != format.Invalid }

// Float32Eps is the default minimum scale.
const Float32Eps = 1.1920928955078125e-07

// Config is shared by every observer policy.
type Config struct {
	Mapping         MappingType
	Target          Target
	Granularity     Granularity
	ZeroPointDomain ZeroPointDomain
	Eps             float64
}

func (c Config) validate() error {
	if c.Target.isFloat() {
		if _, err := format.Lookup(c.Target.Float); err != nil {
			return err
		}
		if !c.Target.Float.IsElement() {
			return &format.FormatError{Format: c.Target.Float, Reason: "observer target must be an element format"}
		}
		if c.Mapping != Symmetric {
			return fmt.Errorf("observer: float target %s needs symmetric mapping", c.Target.Float)
		}
		return nil
	}
	if c.Target.QuantMin >= c.Target.QuantMax {
		return fmt.Errorf("observer: empty quant range [%d, %d]", c.Target.QuantMin, c.Target.QuantMax)
	}
	return nil
}

func (c Config) eps() float64 {
	if c.Eps > 0 {
		return c.Eps
	}
	return Float32Eps
}

// QParams is the result of calibration. ZeroPoint is nil when the
// configuration produces none. Shape is the granularity-reduced shape.
type QParams struct {
	Scale     []float32
	ZeroPoint []int32
	Shape     []int
}

// Observer is implemented by every calibration policy.
type Observer interface {
	Observe(a *tensor.Array) error
	CalculateQParams() (QParams, error)
	Reset()
}

var (
	// ErrNotObserved is returned by CalculateQParams before any Observe call.
	ErrNotObserved = errors.New("observer: no observations")

	// ErrQParamsNotSet is returned by a FixedQParam observer before SetQParams.
	ErrQParamsNotSet = errors.New("observer: qparams not set")
)

// ShapeMismatchError reports an observation whose reduced shape differs from
// the running state.
type ShapeMismatchError struct {
	Running  []int
	Observed []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("observer: can't update existing min_val - shape mismatch, self.min_val:%v != min_val:%v",
		e.Running, e.Observed)
}

// running holds per-group min/max. It backs MinMax and MSE.
type running struct {
	cfg   Config
	shape []int
	min   []float32
	max   []float32
	count int
}

// groups splits a into per-group values according to the granularity and
// returns the reduced shape.
func groups(g Granularity, a *tensor.Array) ([][]float32, []int, error) {
	data := a.Data()
	if !g.PerAxis {
		return [][]float32{data}, []int{}, nil
	}
	shape := a.Shape()
	axis := g.Axis
	if axis < 0 {
		axis += len(shape)
	}
	if axis < 0 || axis >= len(shape) {
		return nil, nil, fmt.Errorf("observer: axis %d out of range for shape %v", g.Axis, shape)
	}
	length := shape[axis]
	inner := 1
	for _, d := range shape[axis+1:] {
		inner *= d
	}
	out := make([][]float32, length)
	per := len(data) / length
	for i := range out {
		out[i] = make([]float32, 0, per)
	}
	for i, v := range data {
		k := (i / inner) % length
		out[k] = append(out[k], v)
	}
	return out, []int{length}, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// update folds per-group minima and maxima into the running state.
func (r *running) update(shape []int, lo, hi []float32) error {
	if r.count > 0 && !sameShape(r.shape, shape) {
		return &ShapeMismatchError{Running: append([]int{}, r.shape...), Observed: append([]int{}, shape...)}
	}
	if r.count == 0 {
		r.shape = append([]int{}, shape...)
		r.min = append([]float32(nil), lo...)
		r.max = append([]float32(nil), hi...)
	} else {
		for i := range lo {
			r.min[i] = float32(math.Min(float64(r.min[i]), float64(lo[i])))
			r.max[i] = float32(math.Max(float64(r.max[i]), float64(hi[i])))
		}
	}
	r.count++
	return nil
}

func (r *running) reset() {
	r.shape, r.min, r.max, r.count = nil, nil, nil, 0
}

// groupMinMax reduces each group.
func groupMinMax(gs [][]float32) (lo, hi []float32) {
	lo = make([]float32, len(gs))
	hi = make([]float32, len(gs))
	for i, g := range gs {
		l, h, ok := simd.MinMax(g)
		if !ok {
			l, h = 0, 0
		}
		lo[i], hi[i] = l, h
	}
	return lo, hi
}

// qparams maps each [min, max] pair onto the target range.
func (c Config) qparams(shape []int, mins, maxs []float32) QParams {
	q := QParams{Scale: make([]float32, len(mins)), Shape: append([]int{}, shape...)}
	if c.ZeroPointDomain == ZeroPointInt && !c.Target.isFloat() {
		q.ZeroPoint = make([]int32, len(mins))
	}
	for i := range mins {
		s, zp := c.choose(float64(mins[i]), float64(maxs[i]))
		q.Scale[i] = float32(s)
		if q.ZeroPoint != nil {
			q.ZeroPoint[i] = zp
		}
	}
	return q
}

// choose returns scale and zero point for one group.
func (c Config) choose(lo, hi float64) (float64, int32) {
	minNeg := math.Min(lo, 0)
	maxPos := math.Max(hi, 0)
	eps := c.eps()

	if c.Target.isFloat() {
		maxAbs := math.Max(-minNeg, maxPos)
		return math.Max(maxAbs/c.Target.Float.Traits().MaxFinite, eps), 0
	}

	qmin, qmax := float64(c.Target.QuantMin), float64(c.Target.QuantMax)
	if c.Mapping == Symmetric {
		maxAbs := math.Max(-minNeg, maxPos)
		scale := math.Max(maxAbs/((qmax-qmin)/2), eps)
		return scale, int32(math.Floor((qmax + qmin + 1) / 2))
	}
	scale := math.Max((maxPos-minNeg)/(qmax-qmin), eps)
	zp := qmin - math.RoundToEven(minNeg/scale)
	zp = math.Max(qmin, math.Min(zp, qmax))
	return scale, int32(zp)
}

// fakeQuant quantizes and dequantizes v with one group's parameters.
func (c Config) fakeQuant(v, scale float64, zp int32) float64 {
	if c.Target.isFloat() {
		f := c.Target.Float
		return float64(f.Decode(f.Encode(v/scale))) * scale
	}
	q := math.RoundToEven(v/scale) + float64(zp)
	q = math.Max(float64(c.Target.QuantMin), math.Min(q, float64(c.Target.QuantMax)))
	return (q - float64(zp)) * scale
}
