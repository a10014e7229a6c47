// Package metrics holds the prometheus collectors for the orchestration core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	histogramBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600}
)

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	sessionDials    *prometheus.CounterVec
	sessionReuse    prometheus.Counter
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	retries         prometheus.Counter
	deployments     *prometheus.CounterVec
	deployDuration  prometheus.Histogram
	issuances       *prometheus.CounterVec
	tasksInFlight   prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.sessionDials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxyops",
		Subsystem: "ssh",
		Name:      "dials_total",
		Help:      "SSH connection attempts by result",
	}, []string{"result"})

	m.sessionReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxyops",
		Subsystem: "ssh",
		Name:      "session_reuse_total",
		Help:      "Cached sessions returned after a successful liveness probe",
	})

	m.commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxyops",
		Subsystem: "remote",
		Name:      "commands_total",
		Help:      "Remote commands by timeout class and outcome",
	}, []string{"class", "outcome"})

	m.commandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "proxyops",
		Subsystem: "remote",
		Name:      "command_duration_seconds",
		Help:      "Latency distribution of remote commands",
		Buckets:   histogramBuckets,
	}, []string{"class"})

	m.retries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxyops",
		Subsystem: "ssh",
		Name:      "retries_total",
		Help:      "Connection attempts retried after a retryable failure",
	})

	m.deployments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxyops",
		Subsystem: "deploy",
		Name:      "deployments_total",
		Help:      "Deployment requests by final status",
	}, []string{"status"})

	m.deployDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "proxyops",
		Subsystem: "deploy",
		Name:      "duration_seconds",
		Help:      "Duration of background deployment work",
		Buckets:   histogramBuckets,
	})

	m.issuances = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxyops",
		Subsystem: "certs",
		Name:      "issuances_total",
		Help:      "Certificate issuance runs by result",
	}, []string{"result"})

	m.tasksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "proxyops",
		Subsystem: "task",
		Name:      "in_flight",
		Help:      "Background tasks currently running",
	})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionDials, m.sessionReuse, m.commandsTotal, m.commandDuration, m.retries,
		m.deployments, m.deployDuration, m.issuances, m.tasksInFlight,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionDialed(result string) {
	if m == nil {
		return
	}
	m.sessionDials.WithLabelValues(result).Inc()
}

func (m *Metrics) SessionReused() {
	if m == nil {
		return
	}
	m.sessionReuse.Inc()
}

func (m *Metrics) Retried() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) CommandFinished(class, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(class, outcome).Inc()
	m.commandDuration.WithLabelValues(class).Observe(d.Seconds())
}

func (m *Metrics) DeploymentFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.deployments.WithLabelValues(status).Inc()
	if d > 0 {
		m.deployDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) IssuanceFinished(result string) {
	if m == nil {
		return
	}
	m.issuances.WithLabelValues(result).Inc()
}

func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksInFlight.Inc()
}

func (m *Metrics) TaskDone() {
	if m == nil {
		return
	}
	m.tasksInFlight.Dec()
}
