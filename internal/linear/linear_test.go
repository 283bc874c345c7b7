package linear

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/cache"
	"github.com/23skdu/longbow-quiver/internal/codec"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/dispatch"
	"github.com/23skdu/longbow-quiver/internal/format"
	"github.com/23skdu/longbow-quiver/internal/observer"
	"github.com/23skdu/longbow-quiver/internal/recipe"
	"github.com/23skdu/longbow-quiver/internal/scales"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// matmulNT is the float64 reference a · bᵀ rounded to dtype.
func matmulNT(t *testing.T, a, b *tensor.Array, dtype tensor.DType) *tensor.Array {
	t.Helper()
	m, k, n := a.Dim(0), a.Dim(1), b.Dim(0)
	require.Equal(t, k, b.Dim(1))
	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var acc float64
			for l := 0; l < k; l++ {
				acc += float64(a.At2(i, l)) * float64(b.At2(j, l))
			}
			out[i*n+j] = float32(acc)
		}
	}
	res, err := tensor.New(dtype, []int{m, n}, out)
	require.NoError(t, err)
	return res
}

func transpose(t *testing.T, a *tensor.Array) *tensor.Array {
	t.Helper()
	out, err := a.Transpose2D()
	require.NoError(t, err)
	return out
}

func sqnr(t *testing.T, ref, got *tensor.Array) float64 {
	t.Helper()
	v, err := tensor.SQNR(ref, got)
	require.NoError(t, err)
	return v
}

func selector(c device.Capability, opts ...dispatch.Option) *dispatch.Selector {
	return dispatch.NewSelector(dispatch.FixedCapability(c), opts...)
}

type pass struct {
	y, dx, dW *tensor.Array
	saved     *Saved
}

func run(t *testing.T, l *Linear, x, g *tensor.Array) pass {
	t.Helper()
	ctx := context.Background()
	y, saved, err := l.Forward(ctx, x)
	require.NoError(t, err)
	dx, dW, _, err := l.Backward(ctx, saved, g)
	require.NoError(t, err)
	return pass{y: y, dx: dx, dW: dW, saved: saved}
}

func TestTrainingSQNR(t *testing.T) {
	tests := []struct {
		cfg               recipe.Config
		fwd, wgrad, xgrad float64
	}{
		{recipe.MXFP8Emulated, 18, 18, 12},
		{recipe.MXFP8E5M2Emulated, 8, 8, 8},
		{recipe.MXFP6E3M2Emulated, 8, 8, 8},
		{recipe.MXFP6E2M3Emulated, 8, 8, 8},
		{recipe.MXFP4Emulated, 8, 8, 8},
	}
	for _, tt := range tests {
		t.Run(tt.cfg.Name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			x := tensor.Randn(rng, tensor.BFloat16, 128, 256)
			w := tensor.Randn(rng, tensor.BFloat16, 256, 256)
			g := tensor.Randn(rng, tensor.BFloat16, 128, 256)

			l, err := New(w, nil, tt.cfg, WithSelector(selector(device.None)))
			require.NoError(t, err)
			got := run(t, l, x, g)
			assert.Equal(t, dispatch.EmulatedKernel(), got.saved.Kernel)
			assert.Equal(t, tensor.BFloat16, got.y.DType())

			yRef := matmulNT(t, x, w, tensor.BFloat16)
			dxRef := matmulNT(t, g, transpose(t, w), tensor.BFloat16)
			dWRef := matmulNT(t, transpose(t, g), transpose(t, x), tensor.BFloat16)

			assert.GreaterOrEqual(t, sqnr(t, yRef, got.y), tt.fwd)
			assert.GreaterOrEqual(t, sqnr(t, dWRef, got.dW), tt.wgrad)
			assert.GreaterOrEqual(t, sqnr(t, dxRef, got.dx), tt.xgrad)
		})
	}
}

func TestEmulatedMatchesVendor(t *testing.T) {
	pairs := []struct {
		emulated, vendor recipe.Config
	}{
		{recipe.MXFP8Emulated, recipe.MXFP8CuBLAS},
		{recipe.MXFP4Emulated, recipe.MXFP4CUTLASS},
	}
	shapes := [][3]int{{128, 256, 512}, {256, 512, 128}, {512, 128, 256}}

	for _, p := range pairs {
		for _, s := range shapes {
			m, k, n := s[0], s[1], s[2]
			t.Run(fmt.Sprintf("%s/%dx%dx%d", p.vendor.Name, m, k, n), func(t *testing.T) {
				rng := rand.New(rand.NewSource(int64(m*k + n)))
				x := tensor.Randn(rng, tensor.BFloat16, m, k)
				w := tensor.Randn(rng, tensor.BFloat16, n, k)
				g := tensor.Randn(rng, tensor.BFloat16, m, n)
				sel := selector(device.SM100)

				le, err := New(w, nil, p.emulated, WithSelector(sel))
				require.NoError(t, err)
				lv, err := New(w, nil, p.vendor, WithSelector(sel))
				require.NoError(t, err)

				ref := run(t, le, x, g)
				got := run(t, lv, x, g)
				assert.Equal(t, p.vendor.Kernel, got.saved.Kernel)
				assert.False(t, got.saved.Fallback)

				assert.Greater(t, sqnr(t, ref.y, got.y), 90.0)
				assert.Greater(t, sqnr(t, ref.dW, got.dW), 90.0)
				assert.Greater(t, sqnr(t, ref.dx, got.dx), 90.0)
			})
		}
	}
}

func TestVendorFallsBackOnOldDevice(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	x := tensor.Randn(rng, tensor.BFloat16, 64, 128)
	w := tensor.Randn(rng, tensor.BFloat16, 96, 128)

	strict, err := New(w, nil, recipe.MXFP8CuBLAS, WithSelector(selector(device.SM90)))
	require.NoError(t, err)
	_, _, err = strict.Forward(context.Background(), x)
	var capErr *dispatch.CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, device.SM90, capErr.Available)

	lenient, err := New(w, nil, recipe.MXFP8CuBLAS, WithSelector(selector(device.SM90, dispatch.WithFallback(true))))
	require.NoError(t, err)
	y, saved, err := lenient.Forward(context.Background(), x)
	require.NoError(t, err)
	assert.True(t, saved.Fallback)
	assert.Equal(t, dispatch.EmulatedKernel(), saved.Kernel)

	emulated, err := New(w, nil, recipe.MXFP8Emulated, WithSelector(selector(device.None)))
	require.NoError(t, err)
	ref, _, err := emulated.Forward(context.Background(), x)
	require.NoError(t, err)
	assert.True(t, ref.Equal(y))
}

func TestForwardOnlyBackwardKernelDegrades(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	x := tensor.Randn(rng, tensor.BFloat16, 128, 128)
	w := tensor.Randn(rng, tensor.BFloat16, 128, 128)
	g := tensor.Randn(rng, tensor.BFloat16, 128, 128)

	cfg := recipe.MXFP4CUTLASS
	cfg.Name = "mxfp4_cutlass_both"
	cfg.BackwardKernel = dispatch.VendorKernel(dispatch.CUTLASS)
	require.NoError(t, cfg.Validate())

	sel := selector(device.SM100)
	require.False(t, sel.AllowFallback())
	lv, err := New(w, nil, cfg, WithSelector(sel))
	require.NoError(t, err)
	le, err := New(w, nil, recipe.MXFP4Emulated, WithSelector(sel))
	require.NoError(t, err)

	got := run(t, lv, x, g)
	ref := run(t, le, x, g)
	assert.False(t, got.saved.Fallback)
	assert.Greater(t, sqnr(t, ref.dx, got.dx), 90.0)
	assert.Greater(t, sqnr(t, ref.dW, got.dW), 90.0)
}

func TestNVFP4(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	x := tensor.Randn(rng, tensor.BFloat16, 128, 256)
	w := tensor.Randn(rng, tensor.BFloat16, 192, 256)
	bias := tensor.Randn(rng, tensor.BFloat16, 192)
	ctx := context.Background()

	ref := matmulNT(t, x, w, tensor.Float32)
	refData := ref.Values()
	for i := 0; i < 128; i++ {
		for j := 0; j < 192; j++ {
			refData[i*192+j] += bias.Data()[j]
		}
	}
	ref = tensor.MustNew(tensor.BFloat16, []int{128, 192}, refData)

	t.Run("weight only", func(t *testing.T) {
		l, err := New(w, bias, recipe.NVFP4WeightOnly, WithSelector(selector(device.None)))
		require.NoError(t, err)
		y, saved, err := l.Forward(ctx, x)
		require.NoError(t, err)
		assert.Equal(t, dispatch.EmulatedKernel(), saved.Kernel)
		assert.GreaterOrEqual(t, sqnr(t, ref, y), 18.0)

		_, _, _, err = l.Backward(ctx, saved, y)
		assert.ErrorIs(t, err, ErrInferenceOnly)
	})

	t.Run("dynamic", func(t *testing.T) {
		l, err := New(w, bias, recipe.NVFP4Dynamic, WithSelector(selector(device.SM100)))
		require.NoError(t, err)
		y, saved, err := l.Forward(ctx, x)
		require.NoError(t, err)
		assert.Equal(t, dispatch.VendorKernel(dispatch.NVFP4), saved.Kernel)
		assert.GreaterOrEqual(t, sqnr(t, ref, y), 15.0)
	})

	t.Run("dynamic without capability", func(t *testing.T) {
		l, err := New(w, bias, recipe.NVFP4Dynamic, WithSelector(selector(device.None)))
		require.NoError(t, err)
		_, _, err = l.Forward(ctx, x)
		var capErr *dispatch.CapabilityError
		assert.ErrorAs(t, err, &capErr)
	})

	t.Run("static calibration", func(t *testing.T) {
		l, err := New(w, bias, recipe.NVFP4Dynamic, WithSelector(selector(device.SM100)))
		require.NoError(t, err)
		obs, err := observer.NewMinMax(CalibrationConfig())
		require.NoError(t, err)
		require.NoError(t, l.Calibrate(obs))

		var amax float32
		for i := 0; i < 3; i++ {
			batch := tensor.Randn(rng, tensor.BFloat16, 32, 256)
			for _, v := range batch.Data() {
				if v < 0 {
					v = -v
				}
				if v > amax {
					amax = v
				}
			}
			_, _, err := l.Forward(ctx, batch)
			require.NoError(t, err)
		}
		g, err := l.Freeze()
		require.NoError(t, err)
		assert.InEpsilon(t, float64(codec.PerTensorAmaxToScale(amax)), float64(g), 1e-6)
		got, ok := l.StaticScale()
		assert.True(t, ok)
		assert.Equal(t, g, got)

		y, _, err := l.Forward(ctx, x)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, sqnr(t, ref, y), 15.0)

		_, err = l.Freeze()
		assert.ErrorIs(t, err, ErrNotCalibrating)
	})
}

func TestCalibrateRejectsRecipesWithoutScale(t *testing.T) {
	w := tensor.Zeros(tensor.Float32, 32, 32)
	obs, err := observer.NewMinMax(CalibrationConfig())
	require.NoError(t, err)

	for _, cfg := range []recipe.Config{recipe.MXFP8Emulated, recipe.NVFP4WeightOnly} {
		l, err := New(w, nil, cfg, WithSelector(selector(device.None)))
		require.NoError(t, err)
		assert.Error(t, l.Calibrate(obs), cfg.Name)
	}
}

func TestWeightCache(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := tensor.Randn(rng, tensor.Float32, 32, 64)
	w := tensor.Randn(rng, tensor.Float32, 32, 64)
	c := cache.NewMapCache()
	ctx := context.Background()

	l, err := New(w, nil, recipe.MXFP8Emulated, WithSelector(selector(device.None)), WithCache(c))
	require.NoError(t, err)

	y1, saved, err := l.Forward(ctx, x)
	require.NoError(t, err)
	assert.Equal(t, []string{"weight/axis1/natural"}, c.Keys())
	cached, _ := c.Get("weight/axis1/natural")

	y2, _, err := l.Forward(ctx, x)
	require.NoError(t, err)
	assert.True(t, y1.Equal(y2))
	again, _ := c.Get("weight/axis1/natural")
	assert.Same(t, cached, again)

	_, _, _, err = l.Backward(ctx, saved, tensor.Randn(rng, tensor.Float32, 32, 32))
	require.NoError(t, err)
	assert.Equal(t, []string{"weight/axis0/natural", "weight/axis1/natural"}, c.Keys())

	require.NoError(t, l.SetWeight(tensor.Randn(rng, tensor.Float32, 32, 64), nil))
	assert.Equal(t, 0, c.Size())
	y3, _, err := l.Forward(ctx, x)
	require.NoError(t, err)
	assert.False(t, y1.Equal(y3))
}

func TestHigherRankInputAndBias(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	x := tensor.Randn(rng, tensor.Float32, 2, 32, 64)
	w := tensor.Randn(rng, tensor.Float32, 96, 64)
	bias := tensor.Randn(rng, tensor.Float32, 96)
	ctx := context.Background()

	l, err := New(w, bias, recipe.MXFP8Emulated, WithSelector(selector(device.None)))
	require.NoError(t, err)
	y, saved, err := l.Forward(ctx, x)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 32, 96}, y.Shape())

	g := tensor.Randn(rng, tensor.Float32, 2, 32, 96)
	dx, dW, db, err := l.Backward(ctx, saved, g)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 32, 64}, dx.Shape())
	assert.Equal(t, []int{96, 64}, dW.Shape())
	require.NotNil(t, db)

	for j := 0; j < 96; j++ {
		var want float64
		for i := 0; i < 64; i++ {
			want += float64(g.Data()[i*96+j])
		}
		assert.InDelta(t, want, float64(db.Data()[j]), 1e-4)
	}
}

func TestForwardValidation(t *testing.T) {
	w := tensor.Zeros(tensor.Float32, 16, 64)
	l, err := New(w, nil, recipe.MXFP8Emulated, WithSelector(selector(device.None)))
	require.NoError(t, err)

	_, _, err = l.Forward(context.Background(), tensor.Zeros(tensor.Float32, 4, 32))
	assert.ErrorContains(t, err, "does not end in 64 features")

	_, err = New(tensor.Zeros(tensor.Float32, 16, 48), nil, recipe.MXFP8Emulated)
	var se *codec.ShapeError
	assert.ErrorAs(t, err, &se)

	_, err = New(w, tensor.Zeros(tensor.Float32, 8), recipe.MXFP8Emulated)
	assert.ErrorContains(t, err, "bias has 8 elements")
}

func TestQuantizeForRecipe(t *testing.T) {
	a := tensor.Randn(rand.New(rand.NewSource(9)), tensor.Float32, 128, 64)

	sa, err := QuantizeForRecipe(a, recipe.MXFP8CuBLAS, recipe.Activation, 1)
	require.NoError(t, err)
	assert.Equal(t, scales.Swizzled, sa.Scales().Layout)
	assert.Equal(t, format.E4M3, sa.Format())

	sa, err = QuantizeForRecipe(a, recipe.MXFP4CUTLASS, recipe.Gradient, 1)
	require.NoError(t, err)
	assert.Equal(t, scales.Natural, sa.Scales().Layout)

	sa, err = QuantizeForRecipe(a, recipe.NVFP4Dynamic, recipe.Weight, 1)
	require.NoError(t, err)
	assert.Equal(t, 16, sa.BlockSize())
	_, ok := sa.GlobalScale()
	assert.True(t, ok)

	_, err = QuantizeForRecipe(a, recipe.NVFP4Dynamic, recipe.Gradient, 1)
	assert.Error(t, err)
}

func TestQuantizeForRecipeInf(t *testing.T) {
	data := make([]float32, 64)
	for i := range data {
		data[i] = float32(i%5) - 2
	}
	data[3] = float32(math.Inf(1))
	a := tensor.MustNew(tensor.Float32, []int{2, 32}, data)

	for _, cfg := range []recipe.Config{recipe.MXFP4Emulated, recipe.NVFP4Dynamic} {
		t.Run(cfg.Name, func(t *testing.T) {
			sa, err := QuantizeForRecipe(a, cfg, recipe.Weight, 1)
			require.NoError(t, err)
			if g, ok := sa.GlobalScale(); ok {
				assert.False(t, math.IsInf(float64(g), 0))
			}
			got, err := codec.Decode(sa)
			require.NoError(t, err)
			for i, v := range got.Data() {
				require.False(t, math.IsNaN(float64(v)), "element %d", i)
			}
			assert.InDelta(t, -2, got.Data()[0], 1e-5)
			assert.Greater(t, got.Data()[3], float32(0))
		})
	}
}

func TestString(t *testing.T) {
	l, err := New(tensor.Zeros(tensor.Float32, 16, 64), nil, recipe.MXFP8Emulated)
	require.NoError(t, err)
	s := l.String()
	assert.Contains(t, s, "in_features=64")
	assert.Contains(t, s, "bl_sz=32")
	assert.Contains(t, s, "kernel=emulated")
}
