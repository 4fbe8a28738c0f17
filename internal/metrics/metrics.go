// Package metrics holds the prometheus collectors for security relevant events.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dpop_auth"

// Metrics groups the server's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	tokensIssued    *prometheus.CounterVec
	proofsRejected  *prometheus.CounterVec
	reuseDetected   prometheus.Counter
	sessionsRevoked prometheus.Counter
	keysRotated     *prometheus.CounterVec
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Token responses issued, by grant type.",
		}, []string{"grant_type"}),
		proofsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dpop_proofs_rejected_total",
			Help:      "DPoP proofs rejected, by reason.",
		}, []string{"reason"}),
		reuseDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_reuse_detected_total",
			Help:      "Refresh token reuse detections that revoked a family.",
		}),
		sessionsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_revoked_total",
			Help:      "Sessions moved to the revoked state.",
		}),
		keysRotated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signing_keys_rotated_total",
			Help:      "Signing keys generated, by tenant.",
		}, []string{"tenant_id"}),
	}
	m.registry.MustRegister(
		m.tokensIssued,
		m.proofsRejected,
		m.reuseDetected,
		m.sessionsRevoked,
		m.keysRotated,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) TokenIssued(grantType string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(grantType).Inc()
}

func (m *Metrics) ProofRejected(reason string) {
	if m == nil {
		return
	}
	m.proofsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ReuseDetected() {
	if m == nil {
		return
	}
	m.reuseDetected.Inc()
}

func (m *Metrics) SessionsRevoked(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsRevoked.Add(float64(n))
}

func (m *Metrics) KeyRotated(tenantID string) {
	if m == nil {
		return
	}
	m.keysRotated.WithLabelValues(tenantID).Inc()
}
