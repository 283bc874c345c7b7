package device

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// Backend runs dense float64 GEMMs and lends scratch buffers.
type Backend interface {
	Name() string

	// GemmNT returns C = A · Bᵀ for row-major A (m x k) and B (n x k).
	GemmNT(a, b []float64, m, n, k int) ([]float64, error)

	// GetBuffer returns a zeroed buffer of length n, pooled when possible.
	GetBuffer(n int) []float64

	// PutBuffer hands a buffer back to the pool.
	PutBuffer(buf []float64)
}

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

// minRowsPerWorker keeps tiny GEMMs on one goroutine.
const minRowsPerWorker = 16

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) GetBuffer(n int) []float64 {
	if v, ok := b.pool.Get().(*[]float64); ok && cap(*v) >= n {
		poolHits.Inc()
		buf := (*v)[:n]
		clear(buf)
		return buf
	}
	poolMisses.Inc()
	return make([]float64, n)
}

func (b *CPUBackend) PutBuffer(buf []float64) {
	if cap(buf) == 0 {
		return
	}
	b.pool.Put(&buf)
}

// GemmNT partitions the rows of A across workers; each slab is a blas64 GEMM
// against the whole of B.
func (b *CPUBackend) GemmNT(a, bm []float64, m, n, k int) ([]float64, error) {
	if m <= 0 || n <= 0 || k <= 0 {
		return nil, fmt.Errorf("device: invalid gemm dims m=%d n=%d k=%d", m, n, k)
	}
	if len(a) != m*k || len(bm) != n*k {
		return nil, fmt.Errorf("device: gemm operand sizes %d, %d do not match m=%d n=%d k=%d", len(a), len(bm), m, n, k)
	}
	start := time.Now()
	c := make([]float64, m*n)
	rhs := blas64.General{Rows: n, Cols: k, Stride: k, Data: bm}

	workers := numWorkers
	if w := m / minRowsPerWorker; w < workers {
		workers = w
	}
	if workers < 1 {
		workers = 1
	}
	rowsPerWorker := (m + workers - 1) / workers

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if startRow >= m {
			break
		}
		if endRow > m {
			endRow = m
		}
		g.Go(func() error {
			rows := endRow - startRow
			lhs := blas64.General{Rows: rows, Cols: k, Stride: k, Data: a[startRow*k : endRow*k]}
			out := blas64.General{Rows: rows, Cols: n, Stride: n, Data: c[startRow*n : endRow*n]}
			blas64.Gemm(blas.NoTrans, blas.Trans, 1, lhs, rhs, 0, out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	gemmDuration.WithLabelValues(b.Name()).Observe(time.Since(start).Seconds())
	return c, nil
}
