package history

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storedRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nodewatch_history_records",
			Help: "Number of snapshots in the historical store after the last merge",
		},
	)

	mergeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodewatch_history_merge_duration_seconds",
			Help:    "Duration of a historical store merge, including the file rewrite",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	mergeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodewatch_history_merge_errors_total",
			Help: "Total number of failed merges by phase",
		},
		[]string{"phase"},
	)
)
