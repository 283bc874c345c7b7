package dispatch

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-quiver/internal/codec"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/scales"
	"github.com/23skdu/longbow-quiver/internal/simd"
)

// All kernels compute lhs · rhsᵀ over the reduction views and return a
// row-major m x n float64 buffer, m = lhs.Rows(), n = rhs.Rows().

// numWorkers defines the default parallelism for the row-partitioned kernels.
var numWorkers = runtime.NumCPU()

// forEachRowSlab splits [0, m) into contiguous slabs and runs fn on each in its
// own goroutine. Every output row is written by exactly one slab.
func forEachRowSlab(ctx context.Context, m int, fn func(lo, hi int) error) error {
	workers := numWorkers
	if workers > m {
		workers = m
	}
	if workers < 1 {
		workers = 1
	}
	rowsPerWorker := (m + workers - 1) / workers
	g, ctx := errgroup.WithContext(ctx)
	for lo := 0; lo < m; lo += rowsPerWorker {
		hi := lo + rowsPerWorker
		if hi > m {
			hi = m
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(lo, hi)
		})
	}
	return g.Wait()
}

// runEmulated decodes both operands and hands them to the dense backend.
func runEmulated(backend device.Backend, lhs, rhs *codec.ScaledArray) ([]float64, error) {
	a := codec.DecodeView(lhs)
	b := codec.DecodeView(rhs)
	return backend.GemmNT(a, b, lhs.Rows(), rhs.Rows(), lhs.Cols())
}

// decodeRow dequantizes one reduction-view row of sa into dst.
func decodeRow(sa *codec.ScaledArray, table []float32, r int, dst []float64) {
	bs := sa.BlockSize()
	for b := 0; b < len(dst)/bs; b++ {
		s := sa.BlockScale(r, b)
		for i := b * bs; i < (b+1)*bs; i++ {
			dst[i] = float64(table[sa.Code(r, i)]) * s
		}
	}
}

// runCompiled is the fused path: lhs rows are dequantized on the fly, one
// scratch row per worker, and dotted against the decoded rhs.
func runCompiled(ctx context.Context, backend device.Backend, lhs, rhs *codec.ScaledArray) ([]float64, error) {
	m, n, k := lhs.Rows(), rhs.Rows(), lhs.Cols()
	w := codec.DecodeView(rhs)
	out := make([]float64, m*n)
	table := lhs.Format().Table()
	err := forEachRowSlab(ctx, m, func(lo, hi int) error {
		row := backend.GetBuffer(k)
		defer backend.PutBuffer(row)
		for i := lo; i < hi; i++ {
			decodeRow(lhs, table, i, row)
			for j := 0; j < n; j++ {
				out[i*n+j] = simd.DotProduct(row, w[j*k:(j+1)*k])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// blockOperand is an operand unpacked for the block-scaled kernel.
type blockOperand struct {
	values []float64 // element values, unscaled
	scales []float64 // rows x blocks, global scale folded in
}

func unpackOperand(sa *codec.ScaledArray, spec KernelSpec) (blockOperand, error) {
	st := sa.Scales()
	if err := st.Expect(scales.Swizzled); err != nil {
		return blockOperand{}, err
	}
	if st.Tile != spec.Tile {
		return blockOperand{}, fmt.Errorf("dispatch: %s reads %s scale tiles, got %s", spec.Variant, spec.Tile, st.Tile)
	}
	table := sa.Format().Table()
	codes := sa.Format().Unpack(sa.Packed(), sa.Len())
	op := blockOperand{values: make([]float64, len(codes))}
	for i, c := range codes {
		op.values[i] = float64(table[c])
	}
	rows, nb := sa.Rows(), sa.Cols()/sa.BlockSize()
	op.scales = make([]float64, rows*nb)
	for r := 0; r < rows; r++ {
		for b := 0; b < nb; b++ {
			op.scales[r*nb+b] = sa.BlockScale(r, b)
		}
	}
	return op, nil
}

// runBlockScaled mirrors a block-scaled MMA: each block's code products are
// accumulated unscaled, then the block partial is multiplied by both block
// scales. Scales must arrive swizzled in the kernel's tile.
func runBlockScaled(ctx context.Context, spec KernelSpec, lhs, rhs *codec.ScaledArray) ([]float64, error) {
	if rhs.Scales().Format != spec.ScaleFormat {
		return nil, fmt.Errorf("dispatch: %s kernel reads %s block scales, rhs has %s",
			spec.Variant, spec.ScaleFormat, rhs.Scales().Format)
	}
	a, err := unpackOperand(lhs, spec)
	if err != nil {
		return nil, err
	}
	b, err := unpackOperand(rhs, spec)
	if err != nil {
		return nil, err
	}
	m, n, k := lhs.Rows(), rhs.Rows(), lhs.Cols()
	bs := spec.BlockSize
	nb := k / bs
	out := make([]float64, m*n)
	err = forEachRowSlab(ctx, m, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			arow := a.values[i*k : (i+1)*k]
			for j := 0; j < n; j++ {
				brow := b.values[j*k : (j+1)*k]
				var acc float64
				for blk := 0; blk < nb; blk++ {
					partial := simd.DotProduct(arow[blk*bs:(blk+1)*bs], brow[blk*bs:(blk+1)*bs])
					acc += partial * a.scales[i*nb+blk] * b.scales[j*nb+blk]
				}
				out[i*n+j] = acc
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
