// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keygate"

// Metrics groups keygate's collectors on a private registry. All methods are
// safe to call on a nil receiver, which records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	decisions        *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec
	usageWrites      *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
	providerDuration prometheus.Histogram
	breakerState     prometheus.Gauge
	keysIssued       prometheus.Counter
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "decisions_total",
			Help:      "Total number of API key validation decisions by outcome",
		},
		[]string{"outcome"},
	)
	m.decisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "decision_duration_seconds",
			Help:      "API key validation duration in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"outcome"},
	)
	m.usageWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "writes_total",
			Help:      "Total number of usage log writes by sink and result",
		},
		[]string{"sink", "result"},
	)
	m.providerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "requests_total",
			Help:      "Total number of exchange-rate provider calls by result",
		},
		[]string{"result"},
	)
	m.providerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "request_duration_seconds",
			Help:      "Exchange-rate provider call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
	m.breakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "circuit_breaker_state",
			Help:      "Provider circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
	m.keysIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "issued_total",
			Help:      "Total number of API keys issued",
		},
	)

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.decisions,
		m.decisionDuration,
		m.usageWrites,
		m.providerRequests,
		m.providerDuration,
		m.breakerState,
		m.keysIssued,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveDecision records one gateway decision.
func (m *Metrics) ObserveDecision(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome).Inc()
	m.decisionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveUsageWrite records one usage log write attempt.
func (m *Metrics) ObserveUsageWrite(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.usageWrites.WithLabelValues(sink, result).Inc()
}

// ObserveProvider records one exchange-rate provider call.
func (m *Metrics) ObserveProvider(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(result).Inc()
	m.providerDuration.Observe(d.Seconds())
}

// SetBreakerState records the provider circuit breaker state.
func (m *Metrics) SetBreakerState(state int) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(state))
}

// KeyIssued counts one issued API key.
func (m *Metrics) KeyIssued() {
	if m == nil {
		return
	}
	m.keysIssued.Inc()
}
