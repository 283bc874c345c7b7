// Package linear runs a dense linear transform y = x·Wᵀ + b on block-scaled
// operands according to a recipe, and defines the quantization policy of its
// gradient.
package linear

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/23skdu/longbow-quiver/internal/cache"
	"github.com/23skdu/longbow-quiver/internal/codec"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/dispatch"
	"github.com/23skdu/longbow-quiver/internal/format"
	"github.com/23skdu/longbow-quiver/internal/observer"
	"github.com/23skdu/longbow-quiver/internal/recipe"
	"github.com/23skdu/longbow-quiver/internal/scales"
	"github.com/23skdu/longbow-quiver/internal/simd"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

var tracer = otel.Tracer("quiver-linear")

var (
	// ErrInferenceOnly is returned by Backward for recipes without a gradient
	// policy.
	ErrInferenceOnly = errors.New("linear: recipe defines no backward pass")

	// ErrNotCalibrating is returned by Freeze without a preceding Calibrate.
	ErrNotCalibrating = errors.New("linear: no calibration in progress")
)

// QuantizeForRecipe encodes a for role r of cfg along axis, with the scale
// layout and per-tensor scale the recipe asks for. Gradients get the layout of
// the backward kernel, everything else that of the forward kernel.
func QuantizeForRecipe(a *tensor.Array, cfg recipe.Config, r recipe.Role, axis int) (*codec.ScaledArray, error) {
	o := dispatch.Forward
	if r == recipe.Gradient {
		o = dispatch.Backward
	}
	return quantize(a, cfg, r, axis, o, nil)
}

// quantize is QuantizeForRecipe with an explicit orientation and an optional
// static global scale.
func quantize(a *tensor.Array, cfg recipe.Config, r recipe.Role, axis int, o dispatch.Orientation, static *float32) (*codec.ScaledArray, error) {
	f := cfg.FormatFor(r)
	if f == format.Invalid {
		return nil, fmt.Errorf("linear: recipe %s has no %s format", cfg.Name, r)
	}
	opts := []codec.Option{codec.WithScaleFormat(cfg.ScaleFormat)}
	if cfg.PerTensorScale {
		g := codec.PerTensorAmaxToScale(float32(codec.FiniteAbsMax(a.Data())))
		if static != nil {
			g = *static
		}
		opts = append(opts, codec.WithGlobalScale(g))
	}
	if cfg.LayoutFor(o) == scales.Swizzled {
		opts = append(opts, codec.WithSwizzledScales(cfg.Tile))
	}
	return codec.Encode(a, f, cfg.BlockSize, axis, opts...)
}

// Saved is what Forward keeps for Backward.
type Saved struct {
	input   *tensor.Array // 2-D view of the forward input
	inShape []int

	// Kernel and Fallback report how the forward GEMM ran.
	Kernel   dispatch.KernelChoice
	Fallback bool
}

// Linear holds a high-precision weight and quantizes per call.
type Linear struct {
	mu       sync.RWMutex
	weight   *tensor.Array // out x in
	bias     *tensor.Array // out, may be nil
	cfg      recipe.Config
	selector *dispatch.Selector
	backend  device.Backend
	weights  cache.ArrayCache

	calibMu     sync.Mutex
	calib       observer.Observer
	staticScale *float32
}

// Option configures a Linear.
type Option func(*Linear)

// WithSelector routes the GEMMs through s.
func WithSelector(s *dispatch.Selector) Option {
	return func(l *Linear) { l.selector = s }
}

// WithBackend sets the dense backend of weight-only recipes.
func WithBackend(b device.Backend) Option {
	return func(l *Linear) { l.backend = b }
}

// WithCache stores quantized weights in c.
func WithCache(c cache.ArrayCache) Option {
	return func(l *Linear) { l.weights = c }
}

// New builds a Linear from weight (out x in) and an optional bias (out).
func New(weight, bias *tensor.Array, cfg recipe.Config, opts ...Option) (*Linear, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Linear{cfg: cfg}
	for _, opt := range opts {
		opt(l)
	}
	if l.backend == nil {
		l.backend = device.NewCPUBackend()
	}
	if l.selector == nil {
		l.selector = dispatch.NewSelector(nil, dispatch.WithBackend(l.backend))
	}
	if l.weights == nil {
		l.weights = cache.NewMapCache()
	}
	if err := l.setParams(weight, bias); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Linear) setParams(weight, bias *tensor.Array) error {
	if weight == nil || weight.Rank() != 2 {
		return fmt.Errorf("linear: weight must be rank 2")
	}
	if bias != nil && bias.Len() != weight.Dim(0) {
		return fmt.Errorf("linear: bias has %d elements, weight has %d rows", bias.Len(), weight.Dim(0))
	}
	if weight.Dim(1)%l.cfg.BlockSize != 0 {
		return &codec.ShapeError{Shape: weight.Shape(), Axis: 1, BlockSize: l.cfg.BlockSize}
	}
	l.weight, l.bias = weight, bias
	l.weights.Clear()
	return nil
}

// SetWeight replaces the parameters and drops every cached quantized weight.
func (l *Linear) SetWeight(weight, bias *tensor.Array) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.setParams(weight, bias)
}

func (l *Linear) InFeatures() int  { return l.weight.Dim(1) }
func (l *Linear) OutFeatures() int { return l.weight.Dim(0) }
func (l *Linear) Recipe() recipe.Config { return l.cfg }

func (l *Linear) String() string {
	return fmt.Sprintf("Linear(in_features=%d, out_features=%d, bias=%t, recipe=%s)",
		l.InFeatures(), l.OutFeatures(), l.bias != nil, l.cfg)
}

// quantizedWeight returns the weight encoded along axis for orientation o,
// from the cache when the weight is unchanged. Callers hold l.mu.
func (l *Linear) quantizedWeight(axis int, o dispatch.Orientation) (*codec.ScaledArray, error) {
	key := fmt.Sprintf("%s/axis%d/%s", recipe.Weight, axis, l.cfg.LayoutFor(o))
	if sa, ok := l.weights.Get(key); ok {
		return sa, nil
	}
	sa, err := quantize(l.weight, l.cfg, recipe.Weight, axis, o, nil)
	if err != nil {
		return nil, err
	}
	l.weights.Put(key, sa)
	return sa, nil
}

// flatten views x as rows x in.
func (l *Linear) flatten(x *tensor.Array) (*tensor.Array, error) {
	if x.Rank() == 0 || x.Dim(x.Rank()-1) != l.InFeatures() {
		return nil, fmt.Errorf("linear: input shape %v does not end in %d features", x.Shape(), l.InFeatures())
	}
	in := l.InFeatures()
	return x.Reshape(x.Len()/in, in)
}

// Forward computes x·Wᵀ + b. x may have any rank; its last dimension must be
// the input feature count. The output has x's dtype.
func (l *Linear) Forward(ctx context.Context, x *tensor.Array) (*tensor.Array, *Saved, error) {
	ctx, span := tracer.Start(ctx, "Linear.Forward")
	defer span.End()
	span.SetAttributes(attribute.String("recipe", l.cfg.Name))

	l.mu.RLock()
	defer l.mu.RUnlock()

	x2, err := l.flatten(x)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	static, err := l.observe(x2)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	var out *tensor.Array
	saved := &Saved{input: x2, inShape: x.Shape(), Kernel: dispatch.EmulatedKernel()}
	if l.cfg.Mode == recipe.WeightOnly {
		out, err = l.denseForward(x2)
	} else {
		var res *dispatch.Result
		res, err = l.quantizedForward(ctx, x2, static)
		if res != nil {
			out, saved.Kernel, saved.Fallback = res.Output, res.Kernel, res.Fallback
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	span.SetAttributes(
		attribute.String("kernel", saved.Kernel.String()),
		attribute.Bool("fallback", saved.Fallback),
	)

	outShape := x.Shape()
	outShape[len(outShape)-1] = l.OutFeatures()
	out, err = out.Reshape(outShape...)
	if err != nil {
		return nil, nil, err
	}
	return out, saved, nil
}

func (l *Linear) quantizedForward(ctx context.Context, x2 *tensor.Array, static *float32) (*dispatch.Result, error) {
	xq, err := quantize(x2, l.cfg, recipe.Activation, 1, dispatch.Forward, static)
	if err != nil {
		return nil, err
	}
	wq, err := l.quantizedWeight(1, dispatch.Forward)
	if err != nil {
		return nil, err
	}
	return l.selector.Matmul(ctx, xq, wq, l.bias, l.cfg.Kernel)
}

// denseForward multiplies the high-precision activation with the dequantized
// weight.
func (l *Linear) denseForward(x2 *tensor.Array) (*tensor.Array, error) {
	wq, err := l.quantizedWeight(1, dispatch.Forward)
	if err != nil {
		return nil, err
	}
	m, n, k := x2.Dim(0), l.OutFeatures(), l.InFeatures()
	c, err := l.backend.GemmNT(x2.Float64s(), codec.DecodeView(wq), m, n, k)
	if err != nil {
		return nil, err
	}
	return finish(c, l.bias, m, n, x2.DType())
}

// finish adds bias in float64 and rounds to dtype.
func finish(c []float64, bias *tensor.Array, m, n int, dtype tensor.DType) (*tensor.Array, error) {
	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			v := c[i*n+j]
			if bias != nil {
				v += float64(bias.Data()[j])
			}
			out[i*n+j] = float32(v)
		}
	}
	return tensor.FromOwned(dtype, []int{m, n}, out)
}

// Backward returns the gradients of the input, the weight and the bias (nil
// without bias) given the gradient of the output.
//
// The output gradient is quantized in the gradient format twice: along the
// output features for the input gradient, and along the rows for the weight
// gradient. Both GEMMs run the recipe's BackwardKernel.
func (l *Linear) Backward(ctx context.Context, saved *Saved, grad *tensor.Array) (dx, dW, db *tensor.Array, err error) {
	ctx, span := tracer.Start(ctx, "Linear.Backward")
	defer span.End()
	span.SetAttributes(
		attribute.String("recipe", l.cfg.Name),
		attribute.String("kernel", l.cfg.BackwardKernel.String()),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if !l.cfg.Training {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrInferenceOnly, l.cfg.Name)
	}
	if saved == nil {
		return nil, nil, nil, errors.New("linear: nil saved state")
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	m, n := saved.input.Dim(0), l.OutFeatures()
	if grad.Len() != m*n || grad.Dim(grad.Rank()-1) != n {
		return nil, nil, nil, fmt.Errorf("linear: gradient shape %v does not match output rows %d x %d", grad.Shape(), m, n)
	}
	g2, err := grad.Reshape(m, n)
	if err != nil {
		return nil, nil, nil, err
	}
	kernel := l.cfg.BackwardKernel

	// dx = g · W: g blocked along n, W blocked along its rows.
	gq, err := quantize(g2, l.cfg, recipe.Gradient, 1, dispatch.Backward, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	wq, err := l.quantizedWeight(0, dispatch.Backward)
	if err != nil {
		return nil, nil, nil, err
	}
	res, err := l.selector.MatmulGrad(ctx, gq, wq, kernel)
	if err != nil {
		return nil, nil, nil, err
	}
	if dx, err = res.Output.Reshape(saved.inShape...); err != nil {
		return nil, nil, nil, err
	}

	// dW = gᵀ · x: both blocked along the m rows.
	gtq, err := quantize(g2, l.cfg, recipe.Gradient, 0, dispatch.Backward, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	xtq, err := quantize(saved.input, l.cfg, recipe.Activation, 0, dispatch.Backward, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	res, err = l.selector.MatmulGrad(ctx, gtq, xtq, kernel)
	if err != nil {
		return nil, nil, nil, err
	}
	dW = res.Output.AsType(l.weight.DType())

	if l.bias != nil {
		sum := make([]float64, n)
		row := make([]float64, n)
		for i := 0; i < m; i++ {
			simd.Widen(row, g2.Data()[i*n:(i+1)*n])
			simd.VecAdd(sum, row)
		}
		vals := make([]float32, n)
		for j, v := range sum {
			vals[j] = float32(v)
		}
		if db, err = tensor.FromOwned(l.bias.DType(), []int{n}, vals); err != nil {
			return nil, nil, nil, err
		}
	}
	return dx, dW, db, nil
}
