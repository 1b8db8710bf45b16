package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipdr_jobs_submitted_total",
		Help: "Jobs accepted into the queue by type",
	}, []string{"type"})

	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipdr_jobs_finished_total",
		Help: "Jobs reaching a terminal state by type and status",
	}, []string{"type", "status"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ipdr_job_duration_seconds",
		Help:    "Run time of jobs from start to completion",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~45min
	}, []string{"type", "status"})

	jobsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ipdr_jobs_queued",
		Help: "Jobs waiting for a worker",
	})

	jobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ipdr_jobs_running",
		Help: "Jobs currently executing",
	})
)
