package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	flightRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_flight_requests_total",
		Help: "Flight client calls by operation and outcome (ok, error, rejected)",
	}, []string{"op", "outcome"})

	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_flight_breaker_state",
		Help: "Flight client circuit breaker state (0 closed, 1 open, 2 half-open)",
	})
)
