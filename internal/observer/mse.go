package observer

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// DefaultMSESteps is the line-search resolution used when NewMSE gets steps <= 0.
const DefaultMSESteps = 100

// MSE searches, per group, for the clipping range whose fake-quantized output
// has the smallest mean squared error against the sample. Candidate ranges are
// the observed [min, max] shrunk by k/steps for k = 1..steps, so the search
// never does worse than MinMax on the same sample.
type MSE struct {
	running
	steps   int
	runOnce bool
}

var _ Observer = (*MSE)(nil)

// NewMSE builds an MSE observer. With runOnce only the first observation is
// searched and later ones are ignored.
func NewMSE(cfg Config, steps int, runOnce bool) (*MSE, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if steps <= 0 {
		steps = DefaultMSESteps
	}
	return &MSE{running: running{cfg: cfg}, steps: steps, runOnce: runOnce}, nil
}

func (m *MSE) Observe(a *tensor.Array) error {
	if m.runOnce && m.count > 0 {
		return nil
	}
	gs, shape, err := groups(m.cfg.Granularity, a)
	if err != nil {
		return err
	}
	if m.count > 0 && !sameShape(m.shape, shape) {
		return &ShapeMismatchError{Running: append([]int{}, m.shape...), Observed: append([]int{}, shape...)}
	}

	lo, hi := groupMinMax(gs)
	bestLo := make([]float32, len(gs))
	bestHi := make([]float32, len(gs))
	for i, g := range gs {
		bestLo[i], bestHi[i] = m.search(g, float64(lo[i]), float64(hi[i]))
	}
	if err := m.update(shape, bestLo, bestHi); err != nil {
		return err
	}
	observations.WithLabelValues("mse").Inc()
	return nil
}

func (m *MSE) search(g []float32, lo, hi float64) (float32, float32) {
	best := math.Inf(1)
	bestLo, bestHi := lo, hi
	for k := 1; k <= m.steps; k++ {
		f := float64(k) / float64(m.steps)
		l := m.cfg.loss(g, lo*f, hi*f)
		if l < best {
			best, bestLo, bestHi = l, lo*f, hi*f
		}
	}
	return float32(bestLo), float32(bestHi)
}

func (m *MSE) CalculateQParams() (QParams, error) {
	if m.count == 0 {
		return QParams{}, ErrNotObserved
	}
	return m.cfg.qparams(m.shape, m.min, m.max), nil
}

func (m *MSE) Reset() { m.reset() }

// Range returns copies of the selected minima and maxima.
func (m *MSE) Range() (lo, hi []float32) {
	return append([]float32(nil), m.min...), append([]float32(nil), m.max...)
}

// Loss returns the per-group mean squared fake-quantization error of a under
// the given ranges.
func (m *MSE) Loss(a *tensor.Array, lo, hi []float32) ([]float64, error) {
	gs, _, err := groups(m.cfg.Granularity, a)
	if err != nil {
		return nil, err
	}
	if len(lo) != len(gs) || len(hi) != len(gs) {
		return nil, fmt.Errorf("observer: %d ranges for %d groups", len(lo), len(gs))
	}
	out := make([]float64, len(gs))
	for i, g := range gs {
		out[i] = m.cfg.loss(g, float64(lo[i]), float64(hi[i]))
	}
	return out, nil
}

// loss is the mean squared error of fake-quantizing g with qparams derived
// from [lo, hi].
func (c Config) loss(g []float32, lo, hi float64) float64 {
	if len(g) == 0 {
		return 0
	}
	scale, zp := c.choose(lo, hi)
	var sum float64
	for _, v := range g {
		if v != v {
			continue
		}
		d := c.fakeQuant(float64(v), scale, zp) - float64(v)
		sum += d * d
	}
	return sum / float64(len(g))
}
