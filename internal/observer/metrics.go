package observer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var observations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quiver_observer_observations_total",
	Help: "Total number of arrays folded into calibration observers, by policy",
}, []string{"policy"})
