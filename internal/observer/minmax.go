package observer

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// MinMax tracks the running minimum and maximum per group.
type MinMax struct {
	running
}

var _ Observer = (*MinMax)(nil)

func NewMinMax(cfg Config) (*MinMax, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &MinMax{running{cfg: cfg}}, nil
}

// Observe folds a into the running statistics. The granularity-reduced shape
// of a must equal that of every earlier observation.
func (m *MinMax) Observe(a *tensor.Array) error {
	gs, shape, err := groups(m.cfg.Granularity, a)
	if err != nil {
		return err
	}
	lo, hi := groupMinMax(gs)
	if err := m.update(shape, lo, hi); err != nil {
		return err
	}
	observations.WithLabelValues("minmax").Inc()
	return nil
}

func (m *MinMax) CalculateQParams() (QParams, error) {
	if m.count == 0 {
		return QParams{}, ErrNotObserved
	}
	return m.cfg.qparams(m.shape, m.min, m.max), nil
}

func (m *MinMax) Reset() { m.reset() }

// Range returns copies of the running minima and maxima.
func (m *MinMax) Range() (lo, hi []float32) {
	return append([]float32(nil), m.min...), append([]float32(nil), m.max...)
}

// Merge folds the statistics of other, which must share m's configuration,
// into m. other is left unchanged.
func (m *MinMax) Merge(other *MinMax) error {
	if m.cfg != other.cfg {
		return fmt.Errorf("observer: cannot merge observers with different configs")
	}
	if other.count == 0 {
		return nil
	}
	if err := m.update(other.shape, other.min, other.max); err != nil {
		return err
	}
	m.count += other.count - 1
	return nil
}
