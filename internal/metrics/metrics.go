// Package metrics holds the Prometheus collectors for the isolate pool and
// the dispatcher. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scriptd"

// Metrics implements the pool and dispatcher metric hooks.
type Metrics struct {
	isolates         *prometheus.GaugeVec
	generation       prometheus.Gauge
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	replacements     prometheus.Counter
	replaceFailures  prometheus.Counter
	reloads          *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.isolates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "isolates",
			Help:      "Isolates in the live generation by state",
		},
		[]string{"state"},
	)

	m.generation = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation",
			Help:      "Number of the live isolate generation",
		},
	)

	m.dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatched requests by route and outcome",
		},
		[]string{"route", "outcome"},
	)

	m.dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from route match to response",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	m.replacements = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "isolate_replacements_total",
			Help:      "Isolates disposed after a timeout or fault and rebuilt",
		},
	)

	m.replaceFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "isolate_replacement_failures_total",
			Help:      "Failed attempts to build a replacement isolate",
		},
	)

	m.reloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Generation reloads by result",
		},
		[]string{"result"},
	)

	m.registry.MustRegister(
		m.isolates,
		m.generation,
		m.dispatchTotal,
		m.dispatchDuration,
		m.replacements,
		m.replaceFailures,
		m.reloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetIsolates records the idle and busy counts of the live generation.
func (m *Metrics) SetIsolates(idle, busy int) {
	if m == nil {
		return
	}
	m.isolates.WithLabelValues("idle").Set(float64(idle))
	m.isolates.WithLabelValues("busy").Set(float64(busy))
}

// SetGeneration records the live generation number.
func (m *Metrics) SetGeneration(gen uint64) {
	if m == nil {
		return
	}
	m.generation.Set(float64(gen))
}

// Replaced counts one isolate replacement.
func (m *Metrics) Replaced() {
	if m == nil {
		return
	}
	m.replacements.Inc()
}

// ReplaceFailed counts one failed replacement attempt.
func (m *Metrics) ReplaceFailed() {
	if m == nil {
		return
	}
	m.replaceFailures.Inc()
}

// Reloaded counts one reload attempt.
func (m *Metrics) Reloaded(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reloads.WithLabelValues(result).Inc()
}

// Dispatched records one dispatch.
func (m *Metrics) Dispatched(route, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(route, outcome).Inc()
	m.dispatchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
