// Package scales holds per-block scale tensors and the permutation between
// their natural layout and the tiled layout block-scaled GEMM kernels read.
package scales

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/format"
)

// Layout tags the physical ordering of a ScaleTensor.
type Layout int

const (
	Natural Layout = iota
	Swizzled
)

func (l Layout) String() string {
	switch l {
	case Natural:
		return "natural"
	case Swizzled:
		return "swizzled"
	}
	return fmt.Sprintf("layout(%d)", int(l))
}

// Tile describes a swizzle tile. Rows within a tile are split into groups of
// Interleave rows which are laid out interleaved; Interleave == 0 stores the tile
// row-major.
type Tile struct {
	Rows       int
	Cols       int
	Interleave int
}

var (
	// Tile128x4 is the 128x4 scale tile with 32-row interleave used by SM100
	// block-scaled MMA.
	Tile128x4 = Tile{Rows: 128, Cols: 4, Interleave: 32}

	// Tile32x4 is a plain row-major 32x4 tile.
	Tile32x4 = Tile{Rows: 32, Cols: 4}
)

// SupportedTiles lists every tile ToSwizzled accepts.
func SupportedTiles() []Tile {
	return []Tile{Tile128x4, Tile32x4}
}

func (t Tile) String() string {
	if t.Interleave > 0 {
		return fmt.Sprintf("%dx%d/i%d", t.Rows, t.Cols, t.Interleave)
	}
	return fmt.Sprintf("%dx%d", t.Rows, t.Cols)
}

func (t Tile) valid() bool {
	for _, s := range SupportedTiles() {
		if s == t {
			return true
		}
	}
	return false
}

func (t Tile) size() int { return t.Rows * t.Cols }

// offset maps a position inside one tile to its slot.
func (t Tile) offset(r, c int) int {
	if t.Interleave == 0 {
		return r*t.Cols + c
	}
	groups := t.Rows / t.Interleave
	return (r%t.Interleave)*groups*t.Cols + (r/t.Interleave)*t.Cols + c
}

// ScaleTensor holds one scale code per block. Rows and Cols are the logical
// shape; the physical Codes slice may be larger when swizzled, with padded
// slots set to the format's PadCode.
type ScaleTensor struct {
	Format format.ElementFormat
	Rows   int
	Cols   int
	Layout Layout

	// Tile is meaningful only for the swizzled layout.
	Tile  Tile
	Codes []uint8
}

// New builds a natural-layout tensor owning codes.
func New(f format.ElementFormat, rows, cols int, codes []uint8) (*ScaleTensor, error) {
	if !f.IsScale() {
		return nil, &format.FormatError{Format: f, Reason: "not a scale format"}
	}
	if rows <= 0 || cols <= 0 || len(codes) != rows*cols {
		return nil, fmt.Errorf("scales: %d codes do not fill a %dx%d tensor", len(codes), rows, cols)
	}
	return &ScaleTensor{Format: f, Rows: rows, Cols: cols, Layout: Natural, Codes: codes}, nil
}

// LayoutError reports a ScaleTensor passed where another layout was expected.
type LayoutError struct {
	Want Layout
	Got  Layout
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("scales: expected %s layout, got %s", e.Want, e.Got)
}

// Expect returns a LayoutError unless st is in layout l.
func (st *ScaleTensor) Expect(l Layout) error {
	if st.Layout != l {
		return &LayoutError{Want: l, Got: st.Layout}
	}
	return nil
}

func (st *ScaleTensor) paddedDims() (int, int) {
	pr := (st.Rows + st.Tile.Rows - 1) / st.Tile.Rows * st.Tile.Rows
	pc := (st.Cols + st.Tile.Cols - 1) / st.Tile.Cols * st.Tile.Cols
	return pr, pc
}

// index returns the physical position of logical block (r, c).
func (st *ScaleTensor) index(r, c int) int {
	if st.Layout == Natural {
		return r*st.Cols + c
	}
	_, pc := st.paddedDims()
	tilesPerRow := pc / st.Tile.Cols
	tile := (r/st.Tile.Rows)*tilesPerRow + c/st.Tile.Cols
	return tile*st.Tile.size() + st.Tile.offset(r%st.Tile.Rows, c%st.Tile.Cols)
}

// At returns the code of logical block (r, c) in either layout.
func (st *ScaleTensor) At(r, c int) uint8 {
	return st.Codes[st.index(r, c)]
}

// Value decodes the scale of logical block (r, c).
func (st *ScaleTensor) Value(r, c int) float64 {
	return float64(st.Format.Decode(st.At(r, c)))
}

// Clone returns a deep copy.
func (st *ScaleTensor) Clone() *ScaleTensor {
	out := *st
	out.Codes = make([]uint8, len(st.Codes))
	copy(out.Codes, st.Codes)
	return &out
}

// Equal compares logical content, layout and physical codes.
func (st *ScaleTensor) Equal(o *ScaleTensor) bool {
	if st.Format != o.Format || st.Rows != o.Rows || st.Cols != o.Cols ||
		st.Layout != o.Layout || len(st.Codes) != len(o.Codes) {
		return false
	}
	if st.Layout == Swizzled && st.Tile != o.Tile {
		return false
	}
	for i := range st.Codes {
		if st.Codes[i] != o.Codes[i] {
			return false
		}
	}
	return true
}

// ToSwizzled permutes a natural tensor into tile order, padding both dimensions
// up to a multiple of the tile.
func ToSwizzled(st *ScaleTensor, tile Tile) (*ScaleTensor, error) {
	if err := st.Expect(Natural); err != nil {
		return nil, err
	}
	if !tile.valid() {
		return nil, fmt.Errorf("scales: unsupported tile %s", tile)
	}
	out := &ScaleTensor{Format: st.Format, Rows: st.Rows, Cols: st.Cols, Layout: Swizzled, Tile: tile}
	pr, pc := out.paddedDims()
	out.Codes = make([]uint8, pr*pc)
	if pad := st.Format.Traits().PadCode; pad != 0 {
		for i := range out.Codes {
			out.Codes[i] = pad
		}
	}
	for r := 0; r < st.Rows; r++ {
		for c := 0; c < st.Cols; c++ {
			out.Codes[out.index(r, c)] = st.Codes[r*st.Cols+c]
		}
	}
	swizzleOps.WithLabelValues("to_swizzled").Inc()
	return out, nil
}

// ToNatural inverts ToSwizzled and drops the padding.
func ToNatural(st *ScaleTensor) (*ScaleTensor, error) {
	if err := st.Expect(Swizzled); err != nil {
		return nil, err
	}
	out := &ScaleTensor{Format: st.Format, Rows: st.Rows, Cols: st.Cols, Layout: Natural,
		Codes: make([]uint8, st.Rows*st.Cols)}
	for r := 0; r < st.Rows; r++ {
		for c := 0; c < st.Cols; c++ {
			out.Codes[r*st.Cols+c] = st.At(r, c)
		}
	}
	swizzleOps.WithLabelValues("to_natural").Inc()
	return out, nil
}
