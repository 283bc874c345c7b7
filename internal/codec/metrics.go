package codec

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	encodedElements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_codec_encoded_elements_total",
		Help: "Total number of elements block-quantized, by element format",
	}, []string{"format"})

	encodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_codec_encode_duration_seconds",
		Help:    "Time spent encoding one array",
		Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
	}, []string{"format"})
)
