package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/23skdu/longbow-quiver/internal/codec"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/dispatch"
	"github.com/23skdu/longbow-quiver/internal/linear"
	"github.com/23skdu/longbow-quiver/internal/recipe"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

type demoShape struct {
	M, K, N int
}

// demoReport is the outcome of one forward and backward pass through a
// quantized linear layer, measured against the dense product.
type demoReport struct {
	Recipe     recipe.Config
	Shape      demoShape
	Capability device.Capability
	Kernel     dispatch.KernelChoice
	Fallback   bool
	Forward    time.Duration
	Backward   time.Duration
	YSQNR      float64
	DXSQNR     float64
	DWSQNR     float64
	HasGrad    bool
}

// runDemo pushes a random bf16 batch through a Linear built from cfg and
// returns the report together with the quantized weight.
func runDemo(ctx context.Context, cfg recipe.Config, sel *dispatch.Selector, s demoShape, seed int64) (*demoReport, *codec.ScaledArray, error) {
	rng := rand.New(rand.NewSource(seed))
	x := tensor.Randn(rng, tensor.BFloat16, s.M, s.K)
	w := tensor.Randn(rng, tensor.BFloat16, s.N, s.K)
	b := tensor.Randn(rng, tensor.BFloat16, s.N)

	l, err := linear.New(w, b, cfg, linear.WithSelector(sel))
	if err != nil {
		return nil, nil, err
	}

	r := &demoReport{Recipe: cfg, Shape: s, Capability: sel.Capability()}
	backend := device.NewCPUBackend()

	start := time.Now()
	y, saved, err := l.Forward(ctx, x)
	if err != nil {
		return nil, nil, err
	}
	r.Forward = time.Since(start)
	r.Kernel, r.Fallback = saved.Kernel, saved.Fallback

	yRef, err := denseNT(backend, x, w, b)
	if err != nil {
		return nil, nil, err
	}
	if r.YSQNR, err = tensor.SQNR(yRef, y); err != nil {
		return nil, nil, err
	}

	if cfg.Training {
		g := tensor.Randn(rng, tensor.BFloat16, s.M, s.N)
		start = time.Now()
		dx, dW, _, err := l.Backward(ctx, saved, g)
		if err != nil {
			return nil, nil, err
		}
		r.Backward = time.Since(start)
		r.HasGrad = true

		wt, err := w.Transpose2D()
		if err != nil {
			return nil, nil, err
		}
		dxRef, err := denseNT(backend, g, wt, nil)
		if err != nil {
			return nil, nil, err
		}
		gt, err := g.Transpose2D()
		if err != nil {
			return nil, nil, err
		}
		xt, err := x.Transpose2D()
		if err != nil {
			return nil, nil, err
		}
		dWRef, err := denseNT(backend, gt, xt, nil)
		if err != nil {
			return nil, nil, err
		}
		if r.DXSQNR, err = tensor.SQNR(dxRef, dx); err != nil {
			return nil, nil, err
		}
		if r.DWSQNR, err = tensor.SQNR(dWRef, dW); err != nil {
			return nil, nil, err
		}
	}

	weight, err := linear.QuantizeForRecipe(w, cfg, recipe.Weight, 1)
	if err != nil {
		return nil, nil, err
	}
	return r, weight, nil
}

// denseNT is a · bᵀ (+ bias) in float64, rounded to a's dtype.
func denseNT(backend device.Backend, a, b, bias *tensor.Array) (*tensor.Array, error) {
	m, k, n := a.Dim(0), a.Dim(1), b.Dim(0)
	c, err := backend.GemmNT(a.Float64s(), b.Float64s(), m, n, k)
	if err != nil {
		return nil, err
	}
	out := make([]float32, m*n)
	for i := range out {
		v := c[i]
		if bias != nil {
			v += float64(bias.Data()[i%n])
		}
		out[i] = float32(v)
	}
	return tensor.FromOwned(a.DType(), []int{m, n}, out)
}

// Write prints the report with locale-aware number formatting.
func (r *demoReport) Write(w io.Writer) error {
	p := message.NewPrinter(language.English)
	lines := []struct {
		key string
		val string
	}{
		{"recipe", r.Recipe.String()},
		{"device", r.Capability.String()},
		{"shape", p.Sprintf("m=%d k=%d n=%d", r.Shape.M, r.Shape.K, r.Shape.N)},
		{"elements", p.Sprintf("%d", r.Shape.M*r.Shape.K+r.Shape.N*r.Shape.K)},
		{"kernel", r.Kernel.String()},
		{"fallback", fmt.Sprint(r.Fallback)},
		{"forward", r.Forward.Round(time.Microsecond).String()},
		{"y sqnr", p.Sprintf("%.2f dB", r.YSQNR)},
	}
	if r.HasGrad {
		lines = append(lines,
			struct{ key, val string }{"backward", r.Backward.Round(time.Microsecond).String()},
			struct{ key, val string }{"dx sqnr", p.Sprintf("%.2f dB", r.DXSQNR)},
			struct{ key, val string }{"dW sqnr", p.Sprintf("%.2f dB", r.DWSQNR)},
		)
	}
	for _, l := range lines {
		if _, err := p.Fprintf(w, "%-10s %s\n", l.key, l.val); err != nil {
			return err
		}
	}
	return nil
}

// writeInventory lists the recipe presets and the registered vendor kernels.
func writeInventory(w io.Writer) error {
	p := message.NewPrinter(language.English)
	if _, err := p.Fprintf(w, "recipes:\n"); err != nil {
		return err
	}
	for _, n := range recipe.Names() {
		cfg, err := recipe.FromName(n)
		if err != nil {
			return err
		}
		if _, err := p.Fprintf(w, "  %s\n", cfg); err != nil {
			return err
		}
	}
	if _, err := p.Fprintf(w, "kernels:\n"); err != nil {
		return err
	}
	for _, spec := range dispatch.Registered() {
		if _, err := p.Fprintf(w, "  %s\n", spec); err != nil {
			return err
		}
	}
	return nil
}
