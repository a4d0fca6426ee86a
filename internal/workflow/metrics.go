package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cnapi",
			Subsystem: "workflow",
			Name:      "jobs_total",
			Help:      "Finished workflow jobs by workflow and final execution state",
		},
		[]string{"workflow", "execution"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cnapi",
			Subsystem: "workflow",
			Name:      "task_duration_seconds",
			Help:      "Wall time of workflow tasks including retries",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
		},
		[]string{"task"},
	)
)
