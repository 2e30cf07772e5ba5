package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the Prometheus instruments for the trust layer. All
// counters are safe for concurrent use on the validation hot path.
type Metrics struct {
	registry *prometheus.Registry

	Decisions   *prometheus.CounterVec
	Rejections  *prometheus.CounterVec
	RiskFlags   *prometheus.CounterVec
	Quarantines prometheus.Counter
	CodesIssued prometheus.Counter
	Bindings    prometheus.Gauge
}

// New constructs and registers the trust layer instruments on a private
// registry so tests never collide on the global default.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trust",
			Name:      "decisions_total",
			Help:      "Validation decisions by pipeline stage and outcome.",
		}, []string{"stage", "outcome"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trust",
			Name:      "rejections_total",
			Help:      "Rejected messages by rejection code.",
		}, []string{"code"}),
		Quarantines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trust",
			Name:      "quarantines_total",
			Help:      "Connections placed into temporary quarantine.",
		}),
		CodesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trust",
			Name:      "lobby_codes_issued_total",
			Help:      "Secure lobby codes issued.",
		}),
		RiskFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trust",
			Name:      "risk_flags_total",
			Help:      "Suspicious behaviours flagged into the risk model, by pattern.",
		}, []string{"pattern"}),
		Bindings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trust",
			Name:      "active_bindings",
			Help:      "Connections currently bound to a player identity.",
		}),
	}
	registry.MustRegister(m.Decisions, m.Rejections, m.RiskFlags, m.Quarantines, m.CodesIssued, m.Bindings)
	return m
}

// ObserveDecision records a pipeline stage outcome.
func (m *Metrics) ObserveDecision(stage string, valid bool) {
	if m == nil {
		return
	}
	outcome := "accept"
	if !valid {
		outcome = "reject"
	}
	m.Decisions.WithLabelValues(stage, outcome).Inc()
}

// ObserveRejection records a rejection by code.
func (m *Metrics) ObserveRejection(code string) {
	if m == nil || code == "" {
		return
	}
	m.Rejections.WithLabelValues(code).Inc()
}

// ObserveFlag records a flagged suspicious pattern.
func (m *Metrics) ObserveFlag(pattern string) {
	if m == nil || pattern == "" {
		return
	}
	m.RiskFlags.WithLabelValues(pattern).Inc()
}

// Handler exposes the registry over HTTP for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
