package linear

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/codec"
	"github.com/23skdu/longbow-quiver/internal/format"
	"github.com/23skdu/longbow-quiver/internal/observer"
	"github.com/23skdu/longbow-quiver/internal/recipe"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// CalibrationConfig is the observer configuration Freeze understands: the
// symmetric per-tensor range mapped onto e4m3, so the scale is amax / 448.
func CalibrationConfig() observer.Config {
	return observer.Config{
		Mapping:         observer.Symmetric,
		Target:          observer.FloatTarget(format.E4M3),
		Granularity:     observer.PerTensor(),
		ZeroPointDomain: observer.ZeroPointNone,
	}
}

// Calibrate feeds every following forward activation into obs until Freeze.
// Activations keep their dynamic per-tensor scale meanwhile. obs must be built
// from CalibrationConfig.
func (l *Linear) Calibrate(obs observer.Observer) error {
	if !l.cfg.PerTensorScale || l.cfg.Mode == recipe.WeightOnly {
		return fmt.Errorf("linear: recipe %s quantizes no activation with a per-tensor scale", l.cfg.Name)
	}
	l.calibMu.Lock()
	defer l.calibMu.Unlock()
	l.calib = obs
	l.staticScale = nil
	return nil
}

// Freeze turns the observed range into the static activation global scale
// amax / (448 * 6) and ends calibration.
func (l *Linear) Freeze() (float32, error) {
	l.calibMu.Lock()
	defer l.calibMu.Unlock()
	if l.calib == nil {
		return 0, ErrNotCalibrating
	}
	qp, err := l.calib.CalculateQParams()
	if err != nil {
		return 0, err
	}
	if len(qp.Scale) != 1 {
		return 0, fmt.Errorf("linear: calibration needs a per-tensor observer, got %d scales", len(qp.Scale))
	}
	g := float32(float64(qp.Scale[0]) / codec.F4E2M1Max)
	if g == 0 {
		g = 1
	}
	if math.IsNaN(float64(g)) || math.IsInf(float64(g), 0) || g < 0 {
		return 0, &codec.GlobalScaleError{Scale: g}
	}
	l.staticScale = &g
	l.calib = nil
	log.Info().Str("recipe", l.cfg.Name).Float32("global_scale", g).Msg("Froze activation scale")
	return g, nil
}

// StaticScale returns the frozen activation global scale.
func (l *Linear) StaticScale() (float32, bool) {
	l.calibMu.Lock()
	defer l.calibMu.Unlock()
	if l.staticScale == nil {
		return 0, false
	}
	return *l.staticScale, true
}

// observe hands x to the calibrating observer, or returns the frozen scale.
func (l *Linear) observe(x *tensor.Array) (*float32, error) {
	l.calibMu.Lock()
	defer l.calibMu.Unlock()
	if l.calib != nil {
		return nil, l.calib.Observe(x)
	}
	return l.staticScale, nil
}
