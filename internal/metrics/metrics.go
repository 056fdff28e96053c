// Package metrics records Prometheus counters and histograms for gateway
// calls, token exchanges and orchestrator outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "magiccat"

const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatewayCalls    *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	tokenExchanges  *prometheus.CounterVec
	actionOutcomes  *prometheus.CounterVec
	pendingDeletes  prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New creates and registers the collectors on reg. Pass a fresh
// prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Total number of calendar gateway calls.",
		}, []string{"backend", "operation", "result"}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Calendar gateway call duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"backend", "operation"}),
		tokenExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_exchanges_total",
			Help:      "Total number of access token exchanges.",
		}, []string{"result"}),
		actionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_outcomes_total",
			Help:      "Orchestrator actions by outcome kind.",
		}, []string{"action", "outcome"}),
		pendingDeletes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_deletions",
			Help:      "Deletion proposals awaiting confirmation.",
		}),
		gatherer: reg,
	}
	reg.MustRegister(m.gatewayCalls, m.gatewayDuration, m.tokenExchanges, m.actionOutcomes, m.pendingDeletes)
	return m
}

// RecordGatewayCall records one gateway round trip.
func (m *Metrics) RecordGatewayCall(backend, operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.gatewayCalls.WithLabelValues(backend, operation, result).Inc()
	m.gatewayDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordTokenExchange records one credential exchange attempt.
func (m *Metrics) RecordTokenExchange(err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.tokenExchanges.WithLabelValues(result).Inc()
}

// RecordOutcome records an orchestrator action and its result kind.
func (m *Metrics) RecordOutcome(action, outcome string) {
	if m == nil {
		return
	}
	m.actionOutcomes.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) PendingDeletionAdded() {
	if m == nil {
		return
	}
	m.pendingDeletes.Inc()
}

func (m *Metrics) PendingDeletionCleared() {
	if m == nil {
		return
	}
	m.pendingDeletes.Dec()
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
