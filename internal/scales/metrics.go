package scales

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var swizzleOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quiver_scale_layout_transforms_total",
	Help: "Total number of scale tensor layout transforms by direction",
}, []string{"direction"})
