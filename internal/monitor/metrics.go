package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the execution pipeline.
type Metrics struct {
	Registry *prometheus.Registry

	JobsTotal        *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	ActiveJobs       prometheus.Gauge
	QueueRedelivered prometheus.Counter
	QueueParked      prometheus.Counter
	EnqueuedTotal    prometheus.Counter
	RequestsInFlight prometheus.Gauge
	CodeSizeBytes    prometheus.Histogram
	OutputSizeBytes  prometheus.Histogram
}

// NewMetrics creates and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "runbox",
				Name:      "jobs_total",
				Help:      "Execution jobs processed, by language and terminal status.",
			},
			[]string{"language", "status"},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "runbox",
				Name:      "job_duration_seconds",
				Help:      "Wall-clock duration from lease to terminal outcome.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"language"},
		),

		ActiveJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "runbox",
				Name:      "active_jobs",
				Help:      "Jobs currently held by worker consumers.",
			},
		),

		QueueRedelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "runbox",
				Name:      "queue_redelivered_total",
				Help:      "Stale leases reclaimed and redelivered.",
			},
		),

		QueueParked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "runbox",
				Name:      "queue_parked_total",
				Help:      "Jobs retained after exhausting the retry budget.",
			},
		),

		EnqueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "runbox",
				Name:      "enqueued_total",
				Help:      "Jobs handed to the queue by the producer.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "runbox",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "runbox",
				Name:      "code_size_bytes",
				Help:      "Size of submitted source text in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "runbox",
				Name:      "output_size_bytes",
				Help:      "Size of captured execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.JobDuration,
		m.ActiveJobs,
		m.QueueRedelivered,
		m.QueueParked,
		m.EnqueuedTotal,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordJob records metrics for one job reaching a terminal state.
func (m *Metrics) RecordJob(language, status string, durationSec float64) {
	m.JobsTotal.WithLabelValues(language, status).Inc()
	m.JobDuration.WithLabelValues(language).Observe(durationSec)
}
