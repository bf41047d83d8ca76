// Package metrics exposes Prometheus collectors for repair runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "greenloop"

// Metrics holds the collectors for one process. Each instance owns its own
// registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	jobsSubmitted prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	activeJobs    prometheus.Gauge
	events        *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	iterations    prometheus.Histogram
	indexSymbols  prometheus.Gauge
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		jobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Repair jobs submitted",
		}),
		jobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Repair jobs finished, by job status and run outcome",
		}, []string{"status", "outcome"}),
		activeJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Repair jobs currently running",
		}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "events_total",
			Help:      "Job events emitted, by event type",
		}, []string{"type"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall time of repair runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"outcome"}),
		iterations: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "iterations",
			Help:      "Iterations used per repair run",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		indexSymbols: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "symbols",
			Help:      "Symbols in the most recently built index",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// JobStarted records a submitted job that began running.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsSubmitted.Inc()
	m.activeJobs.Inc()
}

// JobFinished records the end of a job.
func (m *Metrics) JobFinished(status, outcome string, iterations int, d time.Duration) {
	if m == nil {
		return
	}
	m.activeJobs.Dec()
	m.jobsFinished.WithLabelValues(status, outcome).Inc()
	m.runDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if iterations > 0 {
		m.iterations.Observe(float64(iterations))
	}
}

// Event counts one emitted event.
func (m *Metrics) Event(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// IndexBuilt records the size of a freshly built index.
func (m *Metrics) IndexBuilt(symbols int) {
	if m == nil {
		return
	}
	m.indexSymbols.Set(float64(symbols))
}
