package observer

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/format"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

func fp8Config(g Granularity) Config {
	return Config{
		Mapping:         Symmetric,
		Target:          FloatTarget(format.E4M3),
		Granularity:     g,
		ZeroPointDomain: ZeroPointNone,
	}
}

func TestMinMaxPerTensorAcceptsAnyRowCount(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, g := range []Granularity{PerTensor(), PerAxis(1)} {
		obs, err := NewMinMax(fp8Config(g))
		require.NoError(t, err)
		for _, rows := range []int{10, 9, 7} {
			require.NoError(t, obs.Observe(tensor.Randn(rng, tensor.Float32, rows, 2048)))
		}
		q, err := obs.CalculateQParams()
		require.NoError(t, err)
		assert.Nil(t, q.ZeroPoint)
		if g.PerAxis {
			assert.Len(t, q.Scale, 2048)
			assert.Equal(t, []int{2048}, q.Shape)
		} else {
			assert.Len(t, q.Scale, 1)
		}
	}
}

func TestMinMaxShapeMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(2))

	t.Run("axis 0", func(t *testing.T) {
		obs, err := NewMinMax(fp8Config(PerAxis(0)))
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			require.NoError(t, obs.Observe(tensor.Randn(rng, tensor.Float32, 10, 2048)))
		}
		err = obs.Observe(tensor.Randn(rng, tensor.Float32, 9, 2048))
		var sm *ShapeMismatchError
		require.True(t, errors.As(err, &sm))
		assert.Equal(t, []int{10}, sm.Running)
		assert.Equal(t, []int{9}, sm.Observed)
		assert.Equal(t,
			"observer: can't update existing min_val - shape mismatch, self.min_val:[10] != min_val:[9]",
			err.Error())
	})

	t.Run("axis 1 same reduced shape", func(t *testing.T) {
		obs, err := NewMinMax(fp8Config(PerAxis(1)))
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			require.NoError(t, obs.Observe(tensor.Randn(rng, tensor.Float32, 10, 2048)))
		}
		assert.NoError(t, obs.Observe(tensor.Randn(rng, tensor.Float32, 9, 2048)))
	})

	t.Run("axis 1 different length", func(t *testing.T) {
		obs, err := NewMinMax(fp8Config(PerAxis(1)))
		require.NoError(t, err)
		require.NoError(t, obs.Observe(tensor.Randn(rng, tensor.Float32, 10, 2048)))
		err = obs.Observe(tensor.Randn(rng, tensor.Float32, 9, 2047))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "self.min_val:[2048] != min_val:[2047]")
	})
}

func TestMinMaxRunningRange(t *testing.T) {
	obs, err := NewMinMax(fp8Config(PerTensor()))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 3; i++ {
		require.NoError(t, obs.Observe(tensor.Randn(rng, tensor.Float32, 5, 10)))
	}
	big := make([]float32, 60)
	for i := range big {
		big[i] = 42.1234
	}
	small := make([]float32, 400)
	for i := range small {
		small[i] = -39.760
	}
	require.NoError(t, obs.Observe(tensor.MustNew(tensor.Float32, []int{6, 10}, big)))
	require.NoError(t, obs.Observe(tensor.MustNew(tensor.Float32, []int{40, 10}, small)))

	lo, hi := obs.Range()
	assert.Equal(t, float32(-39.760), lo[0])
	assert.Equal(t, float32(42.1234), hi[0])

	q, err := obs.CalculateQParams()
	require.NoError(t, err)
	assert.Equal(t, float32(42.1234)/448, q.Scale[0])
	assert.Nil(t, q.ZeroPoint)
}

func TestAsymmetricUint8(t *testing.T) {
	obs, err := NewMinMax(Config{Mapping: Asymmetric, Target: Uint8Target(), Granularity: PerTensor()})
	require.NoError(t, err)
	require.NoError(t, obs.Observe(tensor.MustNew(tensor.Float32, []int{4}, []float32{-1, 0, 2, 3})))

	q, err := obs.CalculateQParams()
	require.NoError(t, err)
	assert.InDelta(t, 4.0/255, float64(q.Scale[0]), 1e-8)
	require.Len(t, q.ZeroPoint, 1)
	assert.Equal(t, int32(64), q.ZeroPoint[0])
}

func TestAsymmetricPositiveRangeIncludesZero(t *testing.T) {
	obs, err := NewMinMax(Config{Mapping: Asymmetric, Target: Uint8Target(), Granularity: PerTensor()})
	require.NoError(t, err)
	require.NoError(t, obs.Observe(tensor.MustNew(tensor.Float32, []int{2}, []float32{2, 5.1})))

	q, err := obs.CalculateQParams()
	require.NoError(t, err)
	assert.InDelta(t, 5.1/255, float64(q.Scale[0]), 1e-8)
	assert.Equal(t, int32(0), q.ZeroPoint[0])
}

func TestSymmetricInt8(t *testing.T) {
	for _, domain := range []ZeroPointDomain{ZeroPointInt, ZeroPointNone} {
		obs, err := NewMinMax(Config{Mapping: Symmetric, Target: Int8Target(), Granularity: PerAxis(0), ZeroPointDomain: domain})
		require.NoError(t, err)
		require.NoError(t, obs.Observe(tensor.MustNew(tensor.Float32, []int{2, 2}, []float32{-3, 1, 0.5, 2})))

		q, err := obs.CalculateQParams()
		require.NoError(t, err)
		assert.InDelta(t, 3/127.5, float64(q.Scale[0]), 1e-8)
		assert.InDelta(t, 2/127.5, float64(q.Scale[1]), 1e-8)
		if domain == ZeroPointNone {
			assert.Nil(t, q.ZeroPoint)
		} else {
			assert.Equal(t, []int32{0, 0}, q.ZeroPoint)
		}
	}

	u, err := NewMinMax(Config{Mapping: Symmetric, Target: Uint8Target()})
	require.NoError(t, err)
	require.NoError(t, u.Observe(tensor.MustNew(tensor.Float32, []int{2}, []float32{-1, 1})))
	q, err := u.CalculateQParams()
	require.NoError(t, err)
	assert.Equal(t, int32(128), q.ZeroPoint[0])
}

func TestZeroInputUsesEps(t *testing.T) {
	obs, err := NewMinMax(fp8Config(PerTensor()))
	require.NoError(t, err)
	require.NoError(t, obs.Observe(tensor.Zeros(tensor.Float32, 4, 4)))
	q, err := obs.CalculateQParams()
	require.NoError(t, err)
	assert.Equal(t, float32(Float32Eps), q.Scale[0])
}

func TestResetAndNotObserved(t *testing.T) {
	obs, err := NewMinMax(fp8Config(PerAxis(0)))
	require.NoError(t, err)
	_, err = obs.CalculateQParams()
	assert.ErrorIs(t, err, ErrNotObserved)

	require.NoError(t, obs.Observe(tensor.Zeros(tensor.Float32, 10, 4)))
	obs.Reset()
	_, err = obs.CalculateQParams()
	assert.ErrorIs(t, err, ErrNotObserved)
	// a new shape is accepted after reset
	assert.NoError(t, obs.Observe(tensor.Zeros(tensor.Float32, 9, 4)))
}

func TestMinMaxMerge(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	samples := make([]*tensor.Array, 6)
	for i := range samples {
		samples[i] = tensor.Randn(rng, tensor.Float32, 8, 64)
	}

	whole, err := NewMinMax(fp8Config(PerAxis(0)))
	require.NoError(t, err)
	a, err := NewMinMax(fp8Config(PerAxis(0)))
	require.NoError(t, err)
	b, err := NewMinMax(fp8Config(PerAxis(0)))
	require.NoError(t, err)
	for i, s := range samples {
		require.NoError(t, whole.Observe(s))
		if i%2 == 0 {
			require.NoError(t, a.Observe(s))
		} else {
			require.NoError(t, b.Observe(s))
		}
	}
	require.NoError(t, a.Merge(b))

	qw, err := whole.CalculateQParams()
	require.NoError(t, err)
	qa, err := a.CalculateQParams()
	require.NoError(t, err)
	assert.Equal(t, qw, qa)

	other, err := NewMinMax(Config{Mapping: Asymmetric, Target: Uint8Target()})
	require.NoError(t, err)
	assert.Error(t, a.Merge(other))

	mismatched, err := NewMinMax(fp8Config(PerAxis(0)))
	require.NoError(t, err)
	require.NoError(t, mismatched.Observe(tensor.Zeros(tensor.Float32, 3, 64)))
	var sm *ShapeMismatchError
	assert.True(t, errors.As(a.Merge(mismatched), &sm))
}

func TestMSEObserver(t *testing.T) {
	cfg := Config{Mapping: Symmetric, Target: Int8Target(), Granularity: PerAxis(0), ZeroPointDomain: ZeroPointNone}
	obs, err := NewMSE(cfg, 100, true)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(5))
	x := tensor.Randn(rng, tensor.Float32, 10, 2048)
	require.NoError(t, obs.Observe(x))

	q, err := obs.CalculateQParams()
	require.NoError(t, err)
	assert.Nil(t, q.ZeroPoint)
	assert.Len(t, q.Scale, 10)

	mm, err := NewMinMax(cfg)
	require.NoError(t, err)
	require.NoError(t, mm.Observe(x))
	mmLo, mmHi := mm.Range()
	lo, hi := obs.Range()

	searched, err := obs.Loss(x, lo, hi)
	require.NoError(t, err)
	plain, err := obs.Loss(x, mmLo, mmHi)
	require.NoError(t, err)
	for i := range searched {
		assert.LessOrEqual(t, searched[i], plain[i]*(1+1e-6)+1e-12)
		assert.LessOrEqual(t, float64(hi[i]), float64(mmHi[i]))
	}
}

func TestMSERunOnce(t *testing.T) {
	cfg := fp8Config(PerTensor())
	rng := rand.New(rand.NewSource(6))

	once, err := NewMSE(cfg, 20, true)
	require.NoError(t, err)
	require.NoError(t, once.Observe(tensor.Randn(rng, tensor.Float32, 4, 32)))
	lo1, hi1 := once.Range()

	base := tensor.Randn(rng, tensor.Float32, 4, 32)
	scaled := make([]float32, base.Len())
	for i, v := range base.Data() {
		scaled[i] = v * 100
	}
	big := tensor.MustNew(tensor.Float32, base.Shape(), scaled)
	require.NoError(t, once.Observe(big))
	lo2, hi2 := once.Range()
	assert.Equal(t, lo1, lo2)
	assert.Equal(t, hi1, hi2)

	streaming, err := NewMSE(cfg, 0, false)
	require.NoError(t, err)
	require.NoError(t, streaming.Observe(big))
	_, hi3 := streaming.Range()
	assert.Greater(t, math.Abs(float64(hi3[0])), 10.0)
}

func TestMSEShapeMismatch(t *testing.T) {
	obs, err := NewMSE(fp8Config(PerAxis(0)), 10, false)
	require.NoError(t, err)
	require.NoError(t, obs.Observe(tensor.Zeros(tensor.Float32, 2048, 4)))
	err = obs.Observe(tensor.Zeros(tensor.Float32, 2047, 4))
	var sm *ShapeMismatchError
	require.True(t, errors.As(err, &sm))
	assert.Contains(t, err.Error(), "[2048] != min_val:[2047]")
}

func TestFixedQParam(t *testing.T) {
	obs, err := NewFixedQParam(fp8Config(PerAxis(0)))
	require.NoError(t, err)

	_, err = obs.CalculateQParams()
	assert.ErrorIs(t, err, ErrQParamsNotSet)

	rng := rand.New(rand.NewSource(7))
	require.NoError(t, obs.Observe(tensor.Randn(rng, tensor.Float32, 10, 2048)))

	ones := make([]float32, 2048)
	for i := range ones {
		ones[i] = 1
	}
	require.NoError(t, obs.SetQParams(ones, nil))
	q, err := obs.CalculateQParams()
	require.NoError(t, err)
	assert.Equal(t, ones, q.Scale)
	assert.Nil(t, q.ZeroPoint)

	assert.Error(t, obs.SetQParams(ones, []int32{0}))
	assert.Error(t, obs.SetQParams(nil, nil))

	obs.Reset()
	_, err = obs.CalculateQParams()
	assert.ErrorIs(t, err, ErrQParamsNotSet)
}

func TestConfigValidation(t *testing.T) {
	_, err := NewMinMax(Config{Mapping: Asymmetric, Target: FloatTarget(format.E4M3)})
	assert.Error(t, err)

	_, err = NewMinMax(Config{Target: FloatTarget(format.E8M0)})
	var fe *format.FormatError
	assert.True(t, errors.As(err, &fe))

	_, err = NewMSE(Config{Target: IntTarget(5, 5)}, 10, false)
	assert.Error(t, err)

	obs, err := NewMinMax(fp8Config(PerAxis(3)))
	require.NoError(t, err)
	assert.Error(t, obs.Observe(tensor.Zeros(tensor.Float32, 2, 2)))
}
