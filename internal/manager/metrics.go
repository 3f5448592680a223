package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	managerLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ngptd",
			Subsystem: "manager",
			Name:      "loads_total",
			Help:      "Checkpoint load attempts by outcome",
		},
		[]string{"outcome"},
	)

	managerEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ngptd",
			Subsystem: "manager",
			Name:      "evictions_total",
			Help:      "Instances evicted to fit the memory budget",
		},
	)
)

func init() {
	prometheus.MustRegister(managerLoadsTotal, managerEvictionsTotal)
}
