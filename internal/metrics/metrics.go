// Package metrics provides Prometheus metrics for the bundle pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Registry metrics
	Resequences *prometheus.CounterVec

	// Job metrics
	JobTransitions *prometheus.CounterVec
	JobsReaped     *prometheus.CounterVec

	// Stamping metrics
	PagesStamped   prometheus.Counter
	StampingErrors *prometheus.CounterVec

	// Timing metrics
	BundleBuildDuration *prometheus.HistogramVec

	// Storage metrics
	StorageRetries *prometheus.CounterVec

	// Pipeline metrics
	QueueDepth prometheus.Gauge

	registry *prometheus.Registry
}

// New registers every metric on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "exhibit_bundler"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Resequences: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resequences_total",
				Help:      "Resequence calls by outcome (applied, noop, rejected)",
			},
			[]string{"outcome"},
		),
		JobTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bundle_job_transitions_total",
				Help:      "Bundle job status transitions",
			},
			[]string{"to", "reason"},
		),
		JobsReaped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bundle_jobs_reaped_total",
				Help:      "Jobs failed or requeued by the reaper",
			},
			[]string{"action"},
		),
		PagesStamped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pages_stamped_total",
				Help:      "Pages that received a Bates label",
			},
		),
		StampingErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stamping_errors_total",
				Help:      "Documents that could not be stamped, by stamping mode",
			},
			[]string{"mode"},
		),
		BundleBuildDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bundle_build_duration_seconds",
				Help:      "Time from claim to a terminal status",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"status"},
		),
		StorageRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_retries_total",
				Help:      "Document store operations retried after a transient failure",
			},
			[]string{"op"},
		),
		QueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Bundle jobs waiting for a worker",
			},
		),
		registry: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Resequenced(outcome string) {
	if m == nil {
		return
	}
	m.Resequences.WithLabelValues(outcome).Inc()
}

func (m *Metrics) JobTransition(to, reason string) {
	if m == nil {
		return
	}
	m.JobTransitions.WithLabelValues(to, reason).Inc()
}

func (m *Metrics) Reaped(action string) {
	if m == nil {
		return
	}
	m.JobsReaped.WithLabelValues(action).Inc()
}

func (m *Metrics) Stamped(pages int) {
	if m == nil {
		return
	}
	m.PagesStamped.Add(float64(pages))
}

func (m *Metrics) StampingFailed(mode string) {
	if m == nil {
		return
	}
	m.StampingErrors.WithLabelValues(mode).Inc()
}

func (m *Metrics) BuildFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.BundleBuildDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) StorageRetried(op string) {
	if m == nil {
		return
	}
	m.StorageRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
