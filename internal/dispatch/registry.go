package dispatch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/format"
	"github.com/23skdu/longbow-quiver/internal/scales"
)

// KernelSpec describes one registered vendor kernel.
type KernelSpec struct {
	Variant     Variant
	LHS         format.ElementFormat
	RHS         format.ElementFormat
	BlockSize   int
	ScaleFormat format.ElementFormat

	// MinCapability is the lowest device level that runs the kernel.
	MinCapability device.Capability

	// Tile is the swizzled scale layout the kernel reads.
	Tile scales.Tile

	// Backward reports whether the kernel runs the gradient orientation.
	Backward bool
}

type specKey struct {
	variant   Variant
	lhs, rhs  format.ElementFormat
	blockSize int
}

func (s KernelSpec) key() specKey {
	return specKey{variant: s.Variant, lhs: s.LHS, rhs: s.RHS, blockSize: s.BlockSize}
}

func (s KernelSpec) String() string {
	return fmt.Sprintf("%s(%s x %s, bl_sz=%d, scales=%s)", s.Variant, s.LHS, s.RHS, s.BlockSize, s.ScaleFormat)
}

var (
	registryMu sync.RWMutex
	registry   = map[specKey]KernelSpec{}
)

// Register adds a vendor kernel. Registering the same (variant, lhs, rhs,
// block size) twice is an error.
func Register(spec KernelSpec) error {
	if spec.Variant == "" || spec.BlockSize <= 0 {
		return fmt.Errorf("dispatch: incomplete kernel spec %s", spec)
	}
	for _, f := range []format.ElementFormat{spec.LHS, spec.RHS} {
		if !f.IsElement() {
			return &format.FormatError{Format: f, Reason: "not an element format"}
		}
	}
	if !spec.ScaleFormat.IsScale() {
		return &format.FormatError{Format: spec.ScaleFormat, Reason: "not a scale format"}
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[spec.key()]; ok {
		return fmt.Errorf("dispatch: kernel %s already registered", spec)
	}
	registry[spec.key()] = spec
	return nil
}

func lookupSpec(v Variant, lhs, rhs format.ElementFormat, blockSize int) (KernelSpec, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[specKey{variant: v, lhs: lhs, rhs: rhs, blockSize: blockSize}]
	return s, ok
}

func variantKnown(v Variant) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for k := range registry {
		if k.variant == v {
			return true
		}
	}
	return false
}

// Registered lists the vendor kernels sorted by variant then formats.
func Registered() []KernelSpec {
	registryMu.RLock()
	out := make([]KernelSpec, 0, len(registry))
	for _, s := range registry {
		out = append(out, s)
	}
	registryMu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Variant != b.Variant {
			return a.Variant < b.Variant
		}
		if a.LHS != b.LHS {
			return a.LHS < b.LHS
		}
		if a.RHS != b.RHS {
			return a.RHS < b.RHS
		}
		return a.BlockSize < b.BlockSize
	})
	return out
}

func init() {
	for _, s := range []KernelSpec{
		{Variant: CuBLAS, LHS: format.E4M3, RHS: format.E4M3, BlockSize: 32, ScaleFormat: format.E8M0,
			MinCapability: device.SM100, Tile: scales.Tile128x4, Backward: true},
		{Variant: CUTLASS, LHS: format.E2M1, RHS: format.E2M1, BlockSize: 32, ScaleFormat: format.E8M0,
			MinCapability: device.SM100, Tile: scales.Tile128x4},
		{Variant: CUTLASS, LHS: format.E4M3, RHS: format.E2M1, BlockSize: 32, ScaleFormat: format.E8M0,
			MinCapability: device.SM100, Tile: scales.Tile128x4},
		{Variant: NVFP4, LHS: format.E2M1, RHS: format.E2M1, BlockSize: 16, ScaleFormat: format.E4M3,
			MinCapability: device.SM100, Tile: scales.Tile128x4},
	} {
		if err := Register(s); err != nil {
			panic(err)
		}
	}
}
