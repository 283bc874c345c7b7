// Package codec converts high-precision arrays into block-scaled narrow formats
// and back.
//
// A ScaledArray stores its codes with the blocked axis moved innermost. Viewed
// as a 2-D matrix it has Rows() = N/len(axis) rows and Cols() = len(axis)
// columns, and its scale tensor is Rows() x Cols()/BlockSize(). The matmul
// backends consume that view directly.
package codec

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/format"
	"github.com/23skdu/longbow-quiver/internal/scales"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// ScaledArray is an immutable block-scaled array.
type ScaledArray struct {
	format    format.ElementFormat
	blockSize int
	axis      int
	shape     []int
	dtype     tensor.DType
	packed    []byte
	scales    *scales.ScaleTensor

	globalScale    float32
	hasGlobalScale bool
}

func (sa *ScaledArray) Format() format.ElementFormat { return sa.format }
func (sa *ScaledArray) BlockSize() int { return sa.blockSize }
func (sa *ScaledArray) Axis() int { return sa.axis }
func (sa *ScaledArray) DType() tensor.DType { return sa.dtype }
func (sa *ScaledArray) Scales() *scales.ScaleTensor { return sa.scales }

// Shape returns a copy of the original array shape.
func (sa *ScaledArray) Shape() []int {
	out := make([]int, len(sa.shape))
	copy(out, sa.shape)
	return out
}

// Packed returns the packed code buffer. It must not be modified.
func (sa *ScaledArray) Packed() []byte { return sa.packed }

// GlobalScale returns the per-tensor scale of affine variants.
func (sa *ScaledArray) GlobalScale() (float32, bool) {
	return sa.globalScale, sa.hasGlobalScale
}

// Cols is the length of the blocked axis.
func (sa *ScaledArray) Cols() int { return sa.shape[sa.axis] }

// Rows is the number of rows in the reduction view.
func (sa *ScaledArray) Rows() int { return sa.Len() / sa.Cols() }

func (sa *ScaledArray) Len() int {
	n := 1
	for _, d := range sa.shape {
		n *= d
	}
	return n
}

// Code returns the code at (row, col) of the reduction view.
func (sa *ScaledArray) Code(row, col int) uint8 {
	return sa.format.CodeAt(sa.packed, row*sa.Cols()+col)
}

// BlockScale returns the effective multiplier of block (row, b), global scale
// included.
func (sa *ScaledArray) BlockScale(row, b int) float64 {
	s := sa.scales.Value(row, b)
	if sa.hasGlobalScale {
		s *= float64(sa.globalScale)
	}
	return s
}

// WithScales returns a ScaledArray sharing the codes of sa with st as its scale
// tensor. st must describe the same logical blocks.
func (sa *ScaledArray) WithScales(st *scales.ScaleTensor) (*ScaledArray, error) {
	if st.Rows != sa.scales.Rows || st.Cols != sa.scales.Cols || st.Format != sa.scales.Format {
		return nil, fmt.Errorf("codec: scale tensor %dx%d %s does not match %dx%d %s",
			st.Rows, st.Cols, st.Format, sa.scales.Rows, sa.scales.Cols, sa.scales.Format)
	}
	out := *sa
	out.scales = st
	return &out, nil
}

// Swizzled returns sa with its scales in the tiled layout for tile. It is a
// no-op when they already are.
func (sa *ScaledArray) Swizzled(tile scales.Tile) (*ScaledArray, error) {
	if sa.scales.Layout == scales.Swizzled && sa.scales.Tile == tile {
		return sa, nil
	}
	nat, err := sa.Natural()
	if err != nil {
		return nil, err
	}
	st, err := scales.ToSwizzled(nat.scales, tile)
	if err != nil {
		return nil, err
	}
	return sa.WithScales(st)
}

// Natural returns sa with its scales in natural layout.
func (sa *ScaledArray) Natural() (*ScaledArray, error) {
	if sa.scales.Layout == scales.Natural {
		return sa, nil
	}
	st, err := scales.ToNatural(sa.scales)
	if err != nil {
		return nil, err
	}
	return sa.WithScales(st)
}

func (sa *ScaledArray) String() string {
	g := ""
	if sa.hasGlobalScale {
		g = fmt.Sprintf(", global=%g", sa.globalScale)
	}
	return fmt.Sprintf("ScaledArray(%s, shape=%v, axis=%d, bl_sz=%d, scales=%s/%s%s)",
		sa.format, sa.shape, sa.axis, sa.blockSize, sa.scales.Format, sa.scales.Layout, g)
}

// Parts is the exported field set of a ScaledArray, used to rebuild one that
// crossed a process boundary.
type Parts struct {
	Format         format.ElementFormat `cbor:"format"`
	BlockSize      int                  `cbor:"block_size"`
	Axis           int                  `cbor:"axis"`
	Shape          []int                `cbor:"shape"`
	DType          tensor.DType         `cbor:"dtype"`
	Packed         []byte               `cbor:"packed"`
	ScaleFormat    format.ElementFormat `cbor:"scale_format"`
	Scales         []byte               `cbor:"scales"`
	GlobalScale    float32              `cbor:"global_scale,omitempty"`
	HasGlobalScale bool                 `cbor:"has_global_scale,omitempty"`
}

// Parts exports sa with natural-layout scales.
func (sa *ScaledArray) Parts() (Parts, error) {
	nat, err := sa.Natural()
	if err != nil {
		return Parts{}, err
	}
	return Parts{
		Format:         sa.format,
		BlockSize:      sa.blockSize,
		Axis:           sa.axis,
		Shape:          sa.Shape(),
		DType:          sa.dtype,
		Packed:         sa.packed,
		ScaleFormat:    nat.scales.Format,
		Scales:         nat.scales.Codes,
		GlobalScale:    sa.globalScale,
		HasGlobalScale: sa.hasGlobalScale,
	}, nil
}

// FromParts validates p and rebuilds the ScaledArray it describes.
func FromParts(p Parts) (*ScaledArray, error) {
	if _, err := format.Lookup(p.Format); err != nil {
		return nil, err
	}
	if !p.Format.IsElement() {
		return nil, &format.FormatError{Format: p.Format, Reason: "not an element format"}
	}
	if len(p.Shape) == 0 || p.Axis < 0 || p.Axis >= len(p.Shape) {
		return nil, &ShapeError{Shape: p.Shape, Axis: p.Axis, BlockSize: p.BlockSize, Reason: "axis out of range"}
	}
	n := 1
	for _, d := range p.Shape {
		if d <= 0 {
			return nil, &ShapeError{Shape: p.Shape, Axis: p.Axis, BlockSize: p.BlockSize, Reason: "non-positive dimension"}
		}
		n *= d
	}
	if p.BlockSize <= 0 || p.Shape[p.Axis]%p.BlockSize != 0 {
		return nil, &ShapeError{Shape: p.Shape, Axis: p.Axis, BlockSize: p.BlockSize}
	}
	if len(p.Packed) != p.Format.PackedLen(n) {
		return nil, fmt.Errorf("codec: packed buffer holds %d bytes, want %d", len(p.Packed), p.Format.PackedLen(n))
	}
	if p.HasGlobalScale && !validGlobalScale(p.GlobalScale) {
		return nil, &GlobalScaleError{Scale: p.GlobalScale}
	}
	cols := p.Shape[p.Axis]
	st, err := scales.New(p.ScaleFormat, n/cols, cols/p.BlockSize, append([]byte(nil), p.Scales...))
	if err != nil {
		return nil, err
	}
	return &ScaledArray{
		format:         p.Format,
		blockSize:      p.BlockSize,
		axis:           p.Axis,
		shape:          append([]int(nil), p.Shape...),
		dtype:          p.DType,
		packed:         append([]byte(nil), p.Packed...),
		scales:         st,
		globalScale:    p.GlobalScale,
		hasGlobalScale: p.HasGlobalScale,
	}, nil
}
