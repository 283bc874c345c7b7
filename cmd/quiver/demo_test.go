package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/dispatch"
	"github.com/23skdu/longbow-quiver/internal/recipe"
)

func TestRunDemo(t *testing.T) {
	shape := demoShape{M: 32, K: 64, N: 64}
	tests := []struct {
		recipe   string
		caps     device.Capability
		grad     bool
		fallback bool
		minY     float64
	}{
		{"mxfp8_emulated", device.Capability{}, true, false, 18},
		{"mxfp8_cublas", device.Capability{Major: 10}, true, false, 18},
		{"mxfp8_cublas", device.Capability{Major: 8, Minor: 9}, true, true, 18},
		{"mxfp4_emulated", device.Capability{}, true, false, 8},
		{"nvfp4_weight_only", device.Capability{}, false, false, 15},
	}
	for _, tc := range tests {
		t.Run(tc.recipe+"/"+tc.caps.String(), func(t *testing.T) {
			cfg, err := recipe.FromName(tc.recipe)
			require.NoError(t, err)
			sel := dispatch.NewSelector(dispatch.FixedCapability(tc.caps), dispatch.WithFallback(true))

			r, weight, err := runDemo(context.Background(), cfg, sel, shape, 1)
			require.NoError(t, err)
			assert.Equal(t, tc.fallback, r.Fallback)
			assert.Equal(t, tc.grad, r.HasGrad)
			assert.Greater(t, r.YSQNR, tc.minY)
			assert.Equal(t, []int{shape.N, shape.K}, weight.Shape())
			assert.Equal(t, cfg.WeightFormat, weight.Format())

			var buf bytes.Buffer
			require.NoError(t, r.Write(&buf))
			assert.Contains(t, buf.String(), "y sqnr")
			assert.Contains(t, buf.String(), "bl_sz=")
			if tc.grad {
				assert.Contains(t, buf.String(), "dW sqnr")
			} else {
				assert.NotContains(t, buf.String(), "dW sqnr")
			}
		})
	}
}

func TestWriteInventory(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeInventory(&buf))
	out := buf.String()
	for _, n := range recipe.Names() {
		assert.Contains(t, out, n)
	}
	assert.Contains(t, out, "kernels:")
	assert.Contains(t, out, "cutlass")
}

func TestNewSelectorOverride(t *testing.T) {
	sel, err := newSelector("sm_100", false)
	require.NoError(t, err)
	assert.Equal(t, device.Capability{Major: 10}, sel.Capability())
	assert.False(t, sel.AllowFallback())

	_, err = newSelector("sm_x", true)
	assert.Error(t, err)
}
