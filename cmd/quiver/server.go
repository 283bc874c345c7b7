package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-quiver/internal/codec"
	"github.com/23skdu/longbow-quiver/internal/dispatch"
	"github.com/23skdu/longbow-quiver/internal/format"
	"github.com/23skdu/longbow-quiver/internal/scales"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

var (
	elementsQuantized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_server_elements_quantized_total",
		Help: "The total number of elements quantized over HTTP",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_request_duration_seconds",
		Help:    "Time spent serving HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

type FlightClientInterface interface {
	PutScaledArray(ctx context.Context, name string, sa *codec.ScaledArray) error
	Close() error
}

// quantizeRequest is the CBOR body of /quantize. Empty format names pick the
// MX defaults (e4m3 elements, e8m0 scales, block 32, last axis).
type quantizeRequest struct {
	Data        []float32 `cbor:"data"`
	Shape       []int     `cbor:"shape"`
	DType       string    `cbor:"dtype,omitempty"`
	Format      string    `cbor:"format,omitempty"`
	ScaleFormat string    `cbor:"scale_format,omitempty"`
	BlockSize   int       `cbor:"block_size,omitempty"`
	Axis        *int      `cbor:"axis,omitempty"`
	GlobalScale float32   `cbor:"global_scale,omitempty"`
	Dataset     string    `cbor:"dataset,omitempty"`
}

type dequantizeResponse struct {
	Data  []float32 `cbor:"data"`
	Shape []int     `cbor:"shape"`
	DType string    `cbor:"dtype"`
}

type kernelInfo struct {
	Variant       string `cbor:"variant"`
	LHS           string `cbor:"lhs"`
	RHS           string `cbor:"rhs"`
	BlockSize     int    `cbor:"block_size"`
	ScaleFormat   string `cbor:"scale_format"`
	MinCapability string `cbor:"min_capability"`
	Tile          string `cbor:"tile"`
	Backward      bool   `cbor:"backward"`
	Available     bool   `cbor:"available"`
}

type capabilityResponse struct {
	Capability    string       `cbor:"capability"`
	AllowFallback bool         `cbor:"allow_fallback"`
	Kernels       []kernelInfo `cbor:"kernels"`
}

type Server struct {
	selector     *dispatch.Selector
	flightClient FlightClientInterface
	sem          *semaphore.Weighted
	maxInflight  int64
}

func NewServer(sel *dispatch.Selector, fc FlightClientInterface, maxInflight int64) *Server {
	return &Server{
		selector:     sel,
		flightClient: fc,
		sem:          semaphore.NewWeighted(maxInflight),
		maxInflight:  maxInflight,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/quantize", s.handleQuantize)
	mux.HandleFunc("/dequantize", s.handleDequantize)
	mux.HandleFunc("/capability", s.handleCapability)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, sel *dispatch.Selector, fc FlightClientInterface, maxInflight int64) {
	srv := NewServer(sel, fc, maxInflight)

	log.Info().Str("addr", addr).Msg("Starting Quiver Server")
	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("quiver-server")

func observe(endpoint string) func() {
	start := time.Now()
	return func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func writeCBOR(w http.ResponseWriter, v any) {
	data, err := cbor.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("CBOR encode: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// statusFor maps library errors onto HTTP status codes.
func statusFor(err error) int {
	var fe *format.FormatError
	var se *codec.ShapeError
	var le *scales.LayoutError
	var ge *codec.GlobalScaleError
	switch {
	case errors.As(err, &fe), errors.As(err, &se), errors.As(err, &le), errors.As(err, &ge):
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}

func (r *quantizeRequest) options() (format.ElementFormat, int, int, []codec.Option, tensor.DType, error) {
	f, bs, axis := format.E4M3, 32, len(r.Shape)-1
	dtype := tensor.Float32
	var opts []codec.Option
	var err error

	if r.Format != "" {
		if f, err = format.Parse(r.Format); err != nil {
			return 0, 0, 0, nil, 0, err
		}
	}
	if r.ScaleFormat != "" {
		sf, err := format.Parse(r.ScaleFormat)
		if err != nil {
			return 0, 0, 0, nil, 0, err
		}
		opts = append(opts, codec.WithScaleFormat(sf))
	}
	if r.BlockSize != 0 {
		bs = r.BlockSize
	}
	if r.Axis != nil {
		axis = *r.Axis
	}
	if r.GlobalScale != 0 {
		opts = append(opts, codec.WithGlobalScale(r.GlobalScale))
	}
	if r.DType != "" {
		if dtype, err = tensor.ParseDType(r.DType); err != nil {
			return 0, 0, 0, nil, 0, err
		}
	}
	return f, bs, axis, opts, dtype, nil
}

func (s *Server) handleQuantize(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleQuantize")
	defer span.End()
	defer observe("quantize")()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req quantizeRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	f, bs, axis, opts, dtype, err := req.options()
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	a, err := tensor.New(dtype, req.Shape, req.Data)
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	span.SetAttributes(
		attribute.String("format", f.String()),
		attribute.Int("block_size", bs),
		attribute.Int("elements", a.Len()),
	)

	// Admission control by element count.
	weight := int64(a.Len())
	if weight > s.maxInflight {
		http.Error(w, fmt.Sprintf("array of %d elements exceeds the %d element limit", weight, s.maxInflight), http.StatusRequestEntityTooLarge)
		return
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	sa, err := codec.Encode(a, f, bs, axis, opts...)
	s.sem.Release(weight)
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	elementsQuantized.Add(float64(weight))

	if s.flightClient != nil && req.Dataset != "" {
		if err := s.flightClient.PutScaledArray(ctx, req.Dataset, sa); err != nil {
			log.Error().Err(err).Str("dataset", req.Dataset).Msg("Error forwarding to Flight server")
			http.Error(w, fmt.Sprintf("forwarding failed: %v", err), http.StatusBadGateway)
			return
		}
	}

	parts, err := sa.Parts()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeCBOR(w, parts)
}

func (s *Server) handleDequantize(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "handleDequantize")
	defer span.End()
	defer observe("dequantize")()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var parts codec.Parts
	if err := cbor.NewDecoder(r.Body).Decode(&parts); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	sa, err := codec.FromParts(parts)
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	a, err := codec.Decode(sa)
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeCBOR(w, dequantizeResponse{Data: a.Values(), Shape: a.Shape(), DType: a.DType().String()})
}

func (s *Server) handleCapability(w http.ResponseWriter, r *http.Request) {
	defer observe("capability")()

	c := s.selector.Capability()
	resp := capabilityResponse{Capability: c.String(), AllowFallback: s.selector.AllowFallback()}
	for _, spec := range dispatch.Registered() {
		resp.Kernels = append(resp.Kernels, kernelInfo{
			Variant:       string(spec.Variant),
			LHS:           spec.LHS.String(),
			RHS:           spec.RHS.String(),
			BlockSize:     spec.BlockSize,
			ScaleFormat:   spec.ScaleFormat.String(),
			MinCapability: spec.MinCapability.String(),
			Tile:          spec.Tile.String(),
			Backward:      spec.Backward,
			Available:     c.AtLeast(spec.MinCapability),
		})
	}
	writeCBOR(w, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
