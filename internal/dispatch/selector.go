package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-quiver/internal/codec"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

var tracer = otel.Tracer("quiver-dispatch")

// CapabilitySource yields the capability snapshot a decision is made against.
// *device.Detector and device.StaticProber-backed detectors satisfy it.
type CapabilitySource interface {
	Capability() device.Capability
}

// FixedCapability is a CapabilitySource that never probes.
type FixedCapability device.Capability

func (f FixedCapability) Capability() device.Capability { return device.Capability(f) }

// Selector routes quantized matmuls. It holds no mutable state and is safe
// for concurrent use.
type Selector struct {
	caps          CapabilitySource
	backend       device.Backend
	allowFallback bool
}

// Option configures a Selector.
type Option func(*Selector)

// WithFallback permits degrading an unusable accelerated kernel to Emulated.
func WithFallback(allow bool) Option {
	return func(s *Selector) { s.allowFallback = allow }
}

// WithBackend sets the dense backend of the emulated kernel.
func WithBackend(b device.Backend) Option {
	return func(s *Selector) { s.backend = b }
}

// NewSelector builds a Selector reading capability from caps, or from
// device.DefaultDetector when caps is nil.
func NewSelector(caps CapabilitySource, opts ...Option) *Selector {
	s := &Selector{caps: caps}
	if s.caps == nil {
		s.caps = device.DefaultDetector
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.backend == nil {
		s.backend = device.NewCPUBackend()
	}
	return s
}

func (s *Selector) AllowFallback() bool { return s.allowFallback }

// Capability returns the snapshot the next decision will use.
func (s *Selector) Capability() device.Capability { return s.caps.Capability() }

// Result is the output of one matmul plus how it was produced.
type Result struct {
	// Output is lhs.Rows() x rhs.Rows() in the dtype of lhs.
	Output *tensor.Array

	Kernel   KernelChoice
	Fallback bool
	Reason   string
}

// Matmul computes lhs · rhsᵀ over the reduction views, adds bias (length
// rhs.Rows(), may be nil) in float64 and rounds to lhs's dtype.
func (s *Selector) Matmul(ctx context.Context, lhs, rhs *codec.ScaledArray, bias *tensor.Array, choice KernelChoice) (*Result, error) {
	return s.run(ctx, lhs, rhs, bias, choice, Forward)
}

// MatmulGrad is Matmul for a gradient GEMM. Kernels that only implement the
// forward orientation are rejected or degraded.
func (s *Selector) MatmulGrad(ctx context.Context, lhs, rhs *codec.ScaledArray, choice KernelChoice) (*Result, error) {
	return s.run(ctx, lhs, rhs, nil, choice, Backward)
}

func (s *Selector) run(ctx context.Context, lhs, rhs *codec.ScaledArray, bias *tensor.Array, choice KernelChoice, o Orientation) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Selector.Matmul", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	if lhs == nil || rhs == nil {
		return nil, errors.New("dispatch: nil operand")
	}
	m, n, k := lhs.Rows(), rhs.Rows(), lhs.Cols()
	span.SetAttributes(
		attribute.String("requested", choice.String()),
		attribute.String("orientation", o.String()),
		attribute.Int("m", m),
		attribute.Int("n", n),
		attribute.Int("k", k),
	)
	if rhs.Cols() != k {
		err := fmt.Errorf("dispatch: reduction lengths differ: lhs %d, rhs %d", k, rhs.Cols())
		span.RecordError(err)
		return nil, err
	}
	if bias != nil && bias.Len() != n {
		err := fmt.Errorf("dispatch: bias has %d elements, want %d", bias.Len(), n)
		span.RecordError(err)
		return nil, err
	}

	plan := Plan{
		LHS:           lhs.Format(),
		RHS:           rhs.Format(),
		BlockSize:     lhs.BlockSize(),
		ScaleFormat:   lhs.Scales().Format,
		Requested:     choice,
		Orientation:   o,
		Compiled:      InCompiledGraph(ctx),
		AllowFallback: s.allowFallback,
	}
	if choice.Kind == Vendor {
		plan.Capability = s.caps.Capability()
		if rhs.BlockSize() != lhs.BlockSize() {
			err := fmt.Errorf("dispatch: block sizes differ: lhs %d, rhs %d", lhs.BlockSize(), rhs.BlockSize())
			span.RecordError(err)
			return nil, err
		}
	}
	d, err := Select(plan)
	if err != nil {
		var capErr *CapabilityError
		if errors.As(err, &capErr) {
			capabilityErrors.WithLabelValues(choice.String()).Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if d.Fallback {
		kernelFallbacks.WithLabelValues(choice.String(), o.String()).Inc()
		span.AddEvent("fallback", trace.WithAttributes(attribute.String("reason", d.Reason)))
		log.Warn().
			Str("requested", choice.String()).
			Str("selected", d.Kernel.String()).
			Str("orientation", o.String()).
			Str("reason", d.Reason).
			Msg("Accelerated kernel unavailable, falling back to emulated")
	}
	kernelSelections.WithLabelValues(choice.String(), d.Kernel.String()).Inc()
	span.SetAttributes(
		attribute.String("kernel", d.Kernel.String()),
		attribute.Bool("fallback", d.Fallback),
	)

	start := time.Now()
	var out []float64
	switch d.Kernel.Kind {
	case Emulated:
		out, err = runEmulated(s.backend, lhs, rhs)
	case Compiled:
		out, err = runCompiled(ctx, s.backend, lhs, rhs)
	case Vendor:
		out, err = runBlockScaled(ctx, *d.Spec, lhs, rhs)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	matmulDuration.WithLabelValues(d.Kernel.String()).Observe(time.Since(start).Seconds())

	res := make([]float32, m*n)
	var bv []float32
	if bias != nil {
		bv = bias.Data()
	}
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			v := out[i*n+j]
			if bv != nil {
				v += float64(bv[j])
			}
			res[i*n+j] = float32(v)
		}
	}
	output, err := tensor.FromOwned(lhs.DType(), []int{m, n}, res)
	if err != nil {
		return nil, err
	}
	return &Result{Output: output, Kernel: d.Kernel, Fallback: d.Fallback, Reason: d.Reason}, nil
}
