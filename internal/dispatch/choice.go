// Package dispatch picks and runs the matmul kernel for a pair of block-scaled
// operands.
//
// Selection is a pure function of the operand formats, block size, requested
// kernel and a capability snapshot (see Select). Selector wraps it with the
// execution of the chosen kernel, the fallback signalling and the telemetry.
package dispatch

import (
	"fmt"
	"strings"
)

// Kind is the family of a KernelChoice.
type Kind int

const (
	// Emulated decodes both operands and runs a dense GEMM. It is always
	// available and is the numerical reference.
	Emulated Kind = iota

	// Compiled fuses decode and dot product. It needs a compiled graph context.
	Compiled

	// Vendor runs a block-scaled GEMM variant gated by capability.
	Vendor
)

// Variant names a vendor block-scaled GEMM.
type Variant string

const (
	CuBLAS  Variant = "cublas"
	CUTLASS Variant = "cutlass"
	NVFP4   Variant = "nvfp4"
)

// KernelChoice is the kernel requested for, or selected by, one matmul.
type KernelChoice struct {
	Kind    Kind
	Variant Variant
}

func EmulatedKernel() KernelChoice { return KernelChoice{Kind: Emulated} }
func CompiledKernel() KernelChoice { return KernelChoice{Kind: Compiled} }

// VendorKernel requests the vendor variant v.
func VendorKernel(v Variant) KernelChoice { return KernelChoice{Kind: Vendor, Variant: v} }

func (k KernelChoice) String() string {
	switch k.Kind {
	case Emulated:
		return "emulated"
	case Compiled:
		return "compiled"
	case Vendor:
		return string(k.Variant)
	}
	return fmt.Sprintf("kernel(%d)", int(k.Kind))
}

// IsAccelerated reports whether k is anything but the emulated reference.
func (k KernelChoice) IsAccelerated() bool { return k.Kind != Emulated }

// ParseKernelChoice accepts the String form of every choice.
func ParseKernelChoice(s string) (KernelChoice, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "emulated":
		return EmulatedKernel(), nil
	case "compiled", "triton":
		return CompiledKernel(), nil
	case string(CuBLAS), string(CUTLASS), string(NVFP4):
		return VendorKernel(Variant(v)), nil
	}
	return KernelChoice{}, fmt.Errorf("dispatch: unknown kernel choice %q", s)
}

// Orientation distinguishes the forward GEMM from the gradient GEMMs, which
// some vendor variants cannot run.
type Orientation int

const (
	Forward Orientation = iota
	Backward
)

func (o Orientation) String() string {
	if o == Backward {
		return "backward"
	}
	return "forward"
}
