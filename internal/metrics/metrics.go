// Package metrics provides Prometheus instrumentation for ruleproxy.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ruleproxy"

// Metrics holds the proxy's collectors.
type Metrics struct {
	SessionsActive prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec
	ConnectsTotal  *prometheus.CounterVec
	RelayBytes     *prometheus.CounterVec
	RuleReloads    *prometheus.CounterVec
	RulesLoaded    *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New registers the proxy's collectors with reg. If reg is nil, a fresh
// registry is used.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of client sessions currently being served",
		}),
		SessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Client sessions by request mode and outcome",
		}, []string{"mode", "result"}),
		ConnectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Upstream connect attempts by connector scheme and result",
		}, []string{"scheme", "result"}),
		RelayBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Bytes relayed by direction",
		}, []string{"direction"}),
		RuleReloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_reloads_total",
			Help:      "Rule file (re)loads by result",
		}, []string{"result"}),
		RulesLoaded: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_loaded",
			Help:      "Number of effective rules in the current snapshot, including the catch-all",
		}, []string{"path"}),
		gatherer: reg,
	}
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// SessionFinished decrements the active session gauge and records the
// session's mode ("connect", "plain" or "invalid") and result.
func (m *Metrics) SessionFinished(mode, result string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) Connect(scheme string, err error) {
	if m == nil {
		return
	}
	m.ConnectsTotal.WithLabelValues(scheme, resultLabel(err)).Inc()
}

func (m *Metrics) Relayed(upstream, downstream int64) {
	if m == nil {
		return
	}
	m.RelayBytes.WithLabelValues("upstream").Add(float64(upstream))
	m.RelayBytes.WithLabelValues("downstream").Add(float64(downstream))
}

func (m *Metrics) RulesReloaded(path string, count int, err error) {
	if m == nil {
		return
	}
	m.RuleReloads.WithLabelValues(resultLabel(err)).Inc()
	if err == nil {
		m.RulesLoaded.WithLabelValues(path).Set(float64(count))
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
