// Package recipe defines the named quantization recipes a linear layer runs
// with.
package recipe

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/23skdu/longbow-quiver/internal/dispatch"
	"github.com/23skdu/longbow-quiver/internal/format"
	"github.com/23skdu/longbow-quiver/internal/scales"
)

// Role is the operand a format applies to.
type Role int

const (
	Activation Role = iota
	Weight
	Gradient
)

func (r Role) String() string {
	switch r {
	case Activation:
		return "activation"
	case Weight:
		return "weight"
	case Gradient:
		return "gradient"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Mode selects which operands are quantized in the forward pass.
type Mode int

const (
	// Dynamic quantizes activation and weight on every call.
	Dynamic Mode = iota

	// WeightOnly keeps the activation in high precision and multiplies it
	// densely with the dequantized weight.
	WeightOnly
)

func (m Mode) String() string {
	if m == WeightOnly {
		return "weight_only"
	}
	return "dynamic"
}

// Config is an immutable quantization recipe. Build one from a preset with
// FromName or copy a preset and adjust it.
type Config struct {
	Name      string
	BlockSize int

	ActivationFormat format.ElementFormat
	WeightFormat     format.ElementFormat
	GradientFormat   format.ElementFormat
	ScaleFormat      format.ElementFormat

	// Kernel runs the forward GEMM.
	Kernel dispatch.KernelChoice

	// BackwardKernel runs both gradient GEMMs. Presets whose forward kernel
	// cannot run the gradient orientation set it to Emulated.
	BackwardKernel dispatch.KernelChoice

	// ScaleLayout is the layout the quantizer emits for accelerated kernels;
	// Tile is used when it is Swizzled.
	ScaleLayout scales.Layout
	Tile        scales.Tile

	Mode Mode

	// PerTensorScale attaches an amax-derived global scale (NVFP4).
	PerTensorScale bool

	// Training reports whether Backward is defined for the recipe.
	Training bool
}

// FormatFor returns the element format of role r.
func (c Config) FormatFor(r Role) format.ElementFormat {
	switch r {
	case Weight:
		return c.WeightFormat
	case Gradient:
		return c.GradientFormat
	}
	return c.ActivationFormat
}

// KernelFor returns the kernel of orientation o.
func (c Config) KernelFor(o dispatch.Orientation) dispatch.KernelChoice {
	if o == dispatch.Backward {
		return c.BackwardKernel
	}
	return c.Kernel
}

// LayoutFor is the scale layout operands of orientation o are quantized with.
// Only vendor kernels read swizzled scales.
func (c Config) LayoutFor(o dispatch.Orientation) scales.Layout {
	if c.KernelFor(o).Kind == dispatch.Vendor {
		return c.ScaleLayout
	}
	return scales.Natural
}

// Validate checks the recipe's internal consistency.
func (c Config) Validate() error {
	if c.BlockSize <= 0 {
		return fmt.Errorf("recipe %s: block size %d must be positive", c.Name, c.BlockSize)
	}
	for _, r := range []Role{Activation, Weight, Gradient} {
		f := c.FormatFor(r)
		if f == format.Invalid && (r != Gradient || c.Training) {
			return fmt.Errorf("recipe %s: no %s format", c.Name, r)
		}
		if f != format.Invalid && !f.IsElement() {
			return &format.FormatError{Format: f, Reason: fmt.Sprintf("cannot be the %s format of recipe %s", r, c.Name)}
		}
	}
	if !c.ScaleFormat.IsScale() {
		return &format.FormatError{Format: c.ScaleFormat, Reason: "not a scale format"}
	}
	if c.PerTensorScale && c.ScaleFormat != format.E4M3 {
		return fmt.Errorf("recipe %s: per-tensor scale needs e4m3 block scales", c.Name)
	}
	if c.Mode == WeightOnly && c.Kernel.Kind != dispatch.Emulated {
		return fmt.Errorf("recipe %s: weight-only recipes run the dense kernel, not %s", c.Name, c.Kernel)
	}
	return nil
}

// String is the diagnostic summary. It always carries bl_sz and kernel.
func (c Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s(bl_sz=%d, lp_dtype=%s/%s", c.Name, c.BlockSize, c.ActivationFormat, c.WeightFormat)
	if c.Training {
		fmt.Fprintf(&b, "/%s", c.GradientFormat)
	}
	fmt.Fprintf(&b, ", scales=%s, kernel=%s", c.ScaleFormat, c.Kernel)
	if c.Training {
		fmt.Fprintf(&b, ", backward_kernel=%s", c.BackwardKernel)
	}
	if c.Mode != Dynamic {
		fmt.Fprintf(&b, ", mode=%s", c.Mode)
	}
	if c.PerTensorScale {
		b.WriteString(", per_tensor_scale=true")
	}
	b.WriteString(")")
	return b.String()
}

func mx(name string, elem format.ElementFormat, kernel, backward dispatch.KernelChoice) Config {
	c := Config{
		Name:             name,
		BlockSize:        32,
		ActivationFormat: elem,
		WeightFormat:     elem,
		GradientFormat:   elem,
		ScaleFormat:      format.E8M0,
		Kernel:           kernel,
		BackwardKernel:   backward,
		Training:         true,
	}
	if kernel.Kind == dispatch.Vendor || backward.Kind == dispatch.Vendor {
		c.ScaleLayout, c.Tile = scales.Swizzled, scales.Tile128x4
	}
	return c
}

func nvfp4(name string, mode Mode, kernel dispatch.KernelChoice) Config {
	c := Config{
		Name:             name,
		BlockSize:        16,
		ActivationFormat: format.E2M1,
		WeightFormat:     format.E2M1,
		ScaleFormat:      format.E4M3,
		Kernel:           kernel,
		BackwardKernel:   dispatch.EmulatedKernel(),
		Mode:             mode,
		PerTensorScale:   true,
	}
	if kernel.Kind == dispatch.Vendor {
		c.ScaleLayout, c.Tile = scales.Swizzled, scales.Tile128x4
	}
	return c
}

var (
	MXFP8Emulated     = mx("mxfp8_emulated", format.E4M3, dispatch.EmulatedKernel(), dispatch.EmulatedKernel())
	MXFP8CuBLAS       = mx("mxfp8_cublas", format.E4M3, dispatch.VendorKernel(dispatch.CuBLAS), dispatch.VendorKernel(dispatch.CuBLAS))
	MXFP8E5M2Emulated = mx("mxfp8_e5m2_emulated", format.E5M2, dispatch.EmulatedKernel(), dispatch.EmulatedKernel())
	MXFP6E3M2Emulated = mx("mxfp6_e3m2_emulated", format.E3M2, dispatch.EmulatedKernel(), dispatch.EmulatedKernel())
	MXFP6E2M3Emulated = mx("mxfp6_e2m3_emulated", format.E2M3, dispatch.EmulatedKernel(), dispatch.EmulatedKernel())
	MXFP4Emulated     = mx("mxfp4_emulated", format.E2M1, dispatch.EmulatedKernel(), dispatch.EmulatedKernel())
	MXFP4CUTLASS      = mx("mxfp4_cutlass", format.E2M1, dispatch.VendorKernel(dispatch.CUTLASS), dispatch.EmulatedKernel())

	// MXFP8MXFP4CUTLASS keeps activations in fp8 against fp4 weights.
	MXFP8MXFP4CUTLASS = func() Config {
		c := mx("mxfp8_mxfp4_cutlass", format.E4M3, dispatch.VendorKernel(dispatch.CUTLASS), dispatch.EmulatedKernel())
		c.WeightFormat = format.E2M1
		return c
	}()

	NVFP4Dynamic    = nvfp4("nvfp4_dynamic", Dynamic, dispatch.VendorKernel(dispatch.NVFP4))
	NVFP4WeightOnly = nvfp4("nvfp4_weight_only", WeightOnly, dispatch.EmulatedKernel())
)

var presets = map[string]Config{}

func init() {
	for _, c := range []Config{
		MXFP8Emulated, MXFP8CuBLAS, MXFP8E5M2Emulated, MXFP6E3M2Emulated, MXFP6E2M3Emulated,
		MXFP4Emulated, MXFP4CUTLASS, MXFP8MXFP4CUTLASS, NVFP4Dynamic, NVFP4WeightOnly,
	} {
		if err := c.Validate(); err != nil {
			panic(err)
		}
		presets[c.Name] = c
	}
}

func normalize(name string) string {
	// a Caser is stateful, so each call folds with its own
	return strings.ReplaceAll(cases.Fold().String(strings.TrimSpace(name)), "-", "_")
}

// FromName returns the preset called name. Matching ignores case, and '-'
// equals '_'.
func FromName(name string) (Config, error) {
	if c, ok := presets[normalize(name)]; ok {
		return c, nil
	}
	return Config{}, fmt.Errorf("recipe: unknown recipe %q (known: %s)", name, strings.Join(Names(), ", "))
}

// Names lists the presets in sorted order.
func Names() []string {
	out := make([]string, 0, len(presets))
	for n := range presets {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
