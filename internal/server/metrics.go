package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconcileEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cnapi",
			Subsystem: "reconcile",
			Name:      "events_total",
			Help:      "Node events handled by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	reconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cnapi",
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Time spent reconciling one node event",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)
