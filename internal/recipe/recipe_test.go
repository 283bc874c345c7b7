package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/dispatch"
	"github.com/23skdu/longbow-quiver/internal/format"
	"github.com/23skdu/longbow-quiver/internal/scales"
)

func TestFromName(t *testing.T) {
	for _, name := range []string{"mxfp8_emulated", "MXFP8-Emulated", "  mxfp8_EMULATED "} {
		c, err := FromName(name)
		require.NoError(t, err, name)
		assert.Equal(t, MXFP8Emulated, c)
	}

	_, err := FromName("mxfp3")
	assert.ErrorContains(t, err, "unknown recipe")
	assert.ErrorContains(t, err, "nvfp4_dynamic")
}

func TestNamesCoverPresets(t *testing.T) {
	names := Names()
	assert.Contains(t, names, "mxfp8_cublas")
	assert.Contains(t, names, "mxfp4_cutlass")
	assert.Contains(t, names, "nvfp4_weight_only")
	for _, n := range names {
		c, err := FromName(n)
		require.NoError(t, err)
		assert.NoError(t, c.Validate())
	}
}

func TestStringCarriesBlockSizeAndKernel(t *testing.T) {
	s := MXFP8Emulated.String()
	assert.Contains(t, s, "bl_sz=32")
	assert.Contains(t, s, "kernel=emulated")
	assert.Equal(t, "mxfp8_emulated(bl_sz=32, lp_dtype=e4m3/e4m3/e4m3, scales=e8m0, kernel=emulated, backward_kernel=emulated)", s)

	assert.Contains(t, MXFP4CUTLASS.String(), "kernel=cutlass, backward_kernel=emulated")
	assert.Equal(t, "nvfp4_weight_only(bl_sz=16, lp_dtype=e2m1/e2m1, scales=e4m3, kernel=emulated, mode=weight_only, per_tensor_scale=true)",
		NVFP4WeightOnly.String())
}

func TestBackwardAsymmetryIsExplicit(t *testing.T) {
	// cutlass only runs the forward orientation
	assert.Equal(t, dispatch.VendorKernel(dispatch.CUTLASS), MXFP4CUTLASS.KernelFor(dispatch.Forward))
	assert.Equal(t, dispatch.EmulatedKernel(), MXFP4CUTLASS.KernelFor(dispatch.Backward))
	assert.Equal(t, scales.Swizzled, MXFP4CUTLASS.LayoutFor(dispatch.Forward))
	assert.Equal(t, scales.Natural, MXFP4CUTLASS.LayoutFor(dispatch.Backward))

	assert.Equal(t, dispatch.VendorKernel(dispatch.CuBLAS), MXFP8CuBLAS.KernelFor(dispatch.Backward))
	assert.Equal(t, scales.Swizzled, MXFP8CuBLAS.LayoutFor(dispatch.Backward))
	assert.Equal(t, scales.Tile128x4, MXFP8CuBLAS.Tile)
}

func TestFormatFor(t *testing.T) {
	assert.Equal(t, format.E4M3, MXFP8MXFP4CUTLASS.FormatFor(Activation))
	assert.Equal(t, format.E2M1, MXFP8MXFP4CUTLASS.FormatFor(Weight))
	assert.Equal(t, format.E4M3, MXFP8MXFP4CUTLASS.FormatFor(Gradient))
	assert.Equal(t, format.Invalid, NVFP4Dynamic.FormatFor(Gradient))
}

func TestValidate(t *testing.T) {
	c := MXFP8Emulated
	c.BlockSize = 0
	assert.Error(t, c.Validate())

	c = MXFP8Emulated
	c.WeightFormat = format.E8M0
	var fe *format.FormatError
	assert.ErrorAs(t, c.Validate(), &fe)

	c = MXFP8Emulated
	c.PerTensorScale = true
	assert.ErrorContains(t, c.Validate(), "per-tensor scale")

	c = NVFP4WeightOnly
	c.Kernel = dispatch.VendorKernel(dispatch.NVFP4)
	assert.ErrorContains(t, c.Validate(), "weight-only")
}
