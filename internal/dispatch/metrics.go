package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_dispatch_selections_total",
		Help: "Total number of matmuls by requested and selected kernel",
	}, []string{"requested", "selected"})

	kernelFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_dispatch_fallbacks_total",
		Help: "Total number of accelerated matmuls degraded to the emulated kernel",
	}, []string{"requested", "orientation"})

	capabilityErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_dispatch_capability_errors_total",
		Help: "Total number of matmuls rejected for insufficient device capability",
	}, []string{"requested"})

	matmulDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_dispatch_matmul_duration_seconds",
		Help:    "Time spent in one quantized matmul by selected kernel",
		Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
	}, []string{"kernel"})
)
