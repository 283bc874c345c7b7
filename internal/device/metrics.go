package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_cpu_pool_hits_total",
		Help: "Total number of successful scratch buffer pool retrievals",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_cpu_pool_misses_total",
		Help: "Total number of scratch buffer pool misses (allocations)",
	})

	gemmDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_backend_gemm_duration_seconds",
		Help:    "Time spent in dense GEMM by backend",
		Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
	}, []string{"backend"})

	capabilityProbes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_device_capability_probes_total",
		Help: "Total number of device capability probes (cache misses)",
	})

	detectedCapability = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_device_capability",
		Help: "Detected compute capability as major*10+minor, 0 when none",
	})
)
