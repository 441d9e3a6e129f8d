package monitoring

import (
	"net/http"
	"time"

	"github.com/DataInsightAutomation/trainingFramework/core/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "finetune"

	kindLabel   = "kind"
	statusLabel = "status"
)

// MetricsExporter records job lifecycle metrics for Prometheus
type MetricsExporter struct {
	registry  *prometheus.Registry
	submitted *prometheus.CounterVec
	finished  *prometheus.CounterVec
	running   *prometheus.GaugeVec
	duration  *prometheus.HistogramVec
}

// NewMetricsExporter creates an exporter backed by its own registry
func NewMetricsExporter() *MetricsExporter {
	m := &MetricsExporter{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_submitted_total",
				Help:      "number of jobs accepted for execution",
			},
			[]string{kindLabel},
		),
		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_finished_total",
				Help:      "number of jobs that reached a terminal status",
			},
			[]string{kindLabel, statusLabel},
		),
		running: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_running",
				Help:      "jobs currently executing",
			},
			[]string{kindLabel},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "wall time from RUNNING to a terminal status",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			},
			[]string{kindLabel},
		),
	}

	m.registry.MustRegister(
		m.submitted,
		m.finished,
		m.running,
		m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// JobSubmitted counts an accepted submission
func (m *MetricsExporter) JobSubmitted(kind models.JobKind) {
	m.submitted.With(prometheus.Labels{kindLabel: string(kind)}).Inc()
}

func (m *MetricsExporter) JobStarted(kind models.JobKind) {
	m.running.With(prometheus.Labels{kindLabel: string(kind)}).Inc()
}

func (m *MetricsExporter) JobFinished(kind models.JobKind, status models.JobStatus, elapsed time.Duration) {
	m.running.With(prometheus.Labels{kindLabel: string(kind)}).Dec()
	m.finished.With(prometheus.Labels{kindLabel: string(kind), statusLabel: string(status)}).Inc()
	m.duration.With(prometheus.Labels{kindLabel: string(kind)}).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format
func (m *MetricsExporter) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
