package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_array_cache_hits_total",
		Help: "Total number of quantized array cache hits",
	})

	misses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_array_cache_misses_total",
		Help: "Total number of quantized array cache misses",
	})

	entries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_array_cache_entries",
		Help: "Number of quantized arrays currently cached",
	})
)
