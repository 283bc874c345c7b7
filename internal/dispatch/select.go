package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/format"
)

// CapabilityError reports a vendor kernel requested on a device below its
// minimum level with fallback not permitted.
type CapabilityError struct {
	Requested KernelChoice
	Required  device.Capability
	Available device.Capability
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("dispatch: kernel %s requires capability %s, device has %s",
		e.Requested, e.Required, e.Available)
}

var (
	// ErrNotCompiled is the fallback reason of a compiled kernel requested
	// outside a compiled graph.
	ErrNotCompiled = errors.New("dispatch: compiled kernel requested outside a compiled graph")

	// ErrForwardOnly is the fallback reason of a gradient GEMM routed to a
	// forward-only kernel.
	ErrForwardOnly = errors.New("dispatch: kernel supports the forward orientation only")
)

// Plan is everything Select looks at.
type Plan struct {
	LHS         format.ElementFormat
	RHS         format.ElementFormat
	BlockSize   int
	ScaleFormat format.ElementFormat
	Requested   KernelChoice
	Orientation Orientation
	Capability  device.Capability

	// Compiled reports whether the caller runs inside a compiled graph.
	Compiled bool

	// AllowFallback lets an unusable accelerated kernel degrade to Emulated
	// instead of failing.
	AllowFallback bool
}

// Decision is the outcome of Select.
type Decision struct {
	Kernel   KernelChoice
	Fallback bool

	// Reason explains a fallback; empty otherwise.
	Reason string

	// Spec is set when Kernel is a vendor kernel.
	Spec *KernelSpec
}

// Select decides which kernel runs p. It has no side effects.
//
// An unknown variant or a format pair the variant does not implement is a
// FormatError regardless of AllowFallback. Insufficient capability is a
// CapabilityError, or an Emulated decision flagged as a fallback when
// AllowFallback is set. A compiled kernel outside a compiled graph, and a
// forward-only vendor kernel asked for the gradient orientation, always
// degrade, flagged.
func Select(p Plan) (Decision, error) {
	switch p.Requested.Kind {
	case Emulated:
		return Decision{Kernel: EmulatedKernel()}, nil

	case Compiled:
		if p.Compiled {
			return Decision{Kernel: CompiledKernel()}, nil
		}
		return degrade(ErrNotCompiled.Error()), nil

	case Vendor:
		v := p.Requested.Variant
		if !variantKnown(v) {
			return Decision{}, fmt.Errorf("dispatch: unknown vendor variant %q", v)
		}
		spec, ok := lookupSpec(v, p.LHS, p.RHS, p.BlockSize)
		if !ok {
			return Decision{}, &format.FormatError{Format: p.LHS, Other: p.RHS,
				Reason: fmt.Sprintf("no %s kernel for block size %d", v, p.BlockSize)}
		}
		if spec.ScaleFormat != p.ScaleFormat {
			return Decision{}, &format.FormatError{Format: p.ScaleFormat,
				Reason: fmt.Sprintf("%s kernel reads %s block scales", v, spec.ScaleFormat)}
		}
		if !p.Capability.AtLeast(spec.MinCapability) {
			if !p.AllowFallback {
				return Decision{}, &CapabilityError{Requested: p.Requested, Required: spec.MinCapability, Available: p.Capability}
			}
			return degrade(fmt.Sprintf("capability %s below %s", p.Capability, spec.MinCapability)), nil
		}
		if p.Orientation == Backward && !spec.Backward {
			return degrade(ErrForwardOnly.Error()), nil
		}
		return Decision{Kernel: p.Requested, Spec: &spec}, nil
	}
	return Decision{}, fmt.Errorf("dispatch: invalid kernel choice %s", p.Requested)
}

func degrade(reason string) Decision {
	return Decision{Kernel: EmulatedKernel(), Fallback: true, Reason: reason}
}

type compiledKey struct{}

// WithCompiledGraph marks ctx as running inside a compiled graph.
func WithCompiledGraph(ctx context.Context) context.Context {
	return context.WithValue(ctx, compiledKey{}, true)
}

// InCompiledGraph reports whether ctx was marked by WithCompiledGraph.
func InCompiledGraph(ctx context.Context) bool {
	v, _ := ctx.Value(compiledKey{}).(bool)
	return v
}
