package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Engine Prometheus metrics.
var (
	ScopedOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scopedb",
			Name:      "scoped_operations_total",
			Help:      "Total number of scoped collection operations",
		},
		[]string{"op", "result"}, // result: "ok" / "error" / "rejected"
	)

	PatternObservationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scopedb",
			Name:      "pattern_observations_total",
			Help:      "Read shapes observed by the query pattern tracker",
		},
	)

	PatternRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "scopedb",
			Name:      "pattern_records",
			Help:      "Query pattern records currently held in the LRU",
		},
	)

	AutoIndexTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scopedb",
			Name:      "auto_index_total",
			Help:      "Automatic index requests by outcome",
		},
		[]string{"result"}, // "scheduled" / "claimed_elsewhere" / "covered" / "skipped" / "error"
	)

	BuildTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scopedb",
			Name:      "index_build_tasks_total",
			Help:      "Index build tasks by kind and terminal result",
		},
		[]string{"kind", "result"},
	)

	BuildTaskStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "scopedb",
			Name:      "index_build_tasks_states",
			Help:      "Index build tasks currently in each state",
		},
		[]string{"status"},
	)

	BuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scopedb",
			Name:      "index_build_duration_seconds",
			Help:      "Time from task submission to a terminal state",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"kind"},
	)
)

var engineMetricsOnce sync.Once

// RegisterEngineMetrics registers Prometheus engine metrics. Concurrent and repeated
// calls register once.
func RegisterEngineMetrics() {
	engineMetricsOnce.Do(func() {
		prometheus.MustRegister(
			ScopedOpsTotal,
			PatternObservationsTotal,
			PatternRecords,
			AutoIndexTotal,
			BuildTasksTotal,
			BuildTaskStates,
			BuildDuration,
		)
	})
}
