package observer

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// FixedQParam returns externally supplied qparams. Observe does nothing.
type FixedQParam struct {
	cfg Config
	q   *QParams
}

var _ Observer = (*FixedQParam)(nil)

func NewFixedQParam(cfg Config) (*FixedQParam, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &FixedQParam{cfg: cfg}, nil
}

// SetQParams installs the parameters. zeroPoint may be nil; when present it
// must match scale in length.
func (f *FixedQParam) SetQParams(scale []float32, zeroPoint []int32) error {
	if len(scale) == 0 {
		return fmt.Errorf("observer: empty scale")
	}
	if zeroPoint != nil && len(zeroPoint) != len(scale) {
		return fmt.Errorf("observer: %d zero points for %d scales", len(zeroPoint), len(scale))
	}
	q := QParams{Scale: append([]float32(nil), scale...), Shape: []int{len(scale)}}
	if zeroPoint != nil {
		q.ZeroPoint = append([]int32(nil), zeroPoint...)
	}
	f.q = &q
	return nil
}

func (f *FixedQParam) Observe(*tensor.Array) error { return nil }

func (f *FixedQParam) CalculateQParams() (QParams, error) {
	if f.q == nil {
		return QParams{}, ErrQParamsNotSet
	}
	out := *f.q
	out.Scale = append([]float32(nil), f.q.Scale...)
	if f.q.ZeroPoint != nil {
		out.ZeroPoint = append([]int32(nil), f.q.ZeroPoint...)
	}
	return out, nil
}

// Reset clears the installed parameters.
func (f *FixedQParam) Reset() { f.q = nil }
