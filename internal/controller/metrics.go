package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodewatch_fetch_total",
			Help: "Total number of transport fetches by result",
		},
		[]string{"result"},
	)

	fetchShared = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nodewatch_fetch_shared_total",
			Help: "Total number of fetch calls served by another caller's in-flight fetch",
		},
	)

	fetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodewatch_fetch_duration_seconds",
			Help:    "Duration of the transport round trip",
			Buckets: prometheus.DefBuckets,
		},
	)

	refreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodewatch_refresh_total",
			Help: "Total number of refresh cycles by result",
		},
		[]string{"result"},
	)

	currentNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nodewatch_current_nodes",
			Help: "Number of nodes in the last fetched batch",
		},
	)

	lastRefresh = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nodewatch_last_refresh_timestamp_seconds",
			Help: "Unix time of the last successful refresh",
		},
	)
)
