// Package metrics provides Prometheus metrics for siliconchat
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	CompletionRequestsTotal *prometheus.CounterVec
	CompletionDuration      prometheus.Histogram
	TokensChargedTotal      prometheus.Counter
	QuotaDeniedTotal        prometheus.Counter
	SessionsActive          prometheus.Gauge
	SessionResolutionsTotal *prometheus.CounterVec
	PersistFailuresTotal    prometheus.Counter
	AffectionBumpsTotal     prometheus.Counter
	PokesSuppressedTotal    prometheus.Counter
}

// NewMetrics creates and registers all metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		CompletionRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siliconchat_completion_requests_total",
				Help: "Completion requests by outcome (ok, degraded, malformed)",
			},
			[]string{"outcome"},
		),
		CompletionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "siliconchat_completion_duration_seconds",
			Help:    "Wall-clock duration of completion requests including retries",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		TokensChargedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "siliconchat_tokens_charged_total",
			Help: "Tokens charged to user quotas",
		}),
		QuotaDeniedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "siliconchat_quota_denied_total",
			Help: "Requests refused because the user quota was exhausted",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "siliconchat_sessions_active",
			Help: "Conversations held in the session registry",
		}),
		SessionResolutionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siliconchat_session_resolutions_total",
				Help: "Session resolutions by source (cache, restored, fresh)",
			},
			[]string{"source"},
		),
		PersistFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "siliconchat_persist_failures_total",
			Help: "Conversation store reads and writes that failed and were swallowed",
		}),
		AffectionBumpsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "siliconchat_affection_bumps_total",
			Help: "Affection level increments",
		}),
		PokesSuppressedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "siliconchat_pokes_suppressed_total",
			Help: "Poke events dropped by the cooldown",
		}),
	}
}

func (m *Metrics) ObserveCompletion(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CompletionRequestsTotal.WithLabelValues(outcome).Inc()
	m.CompletionDuration.Observe(d.Seconds())
}

func (m *Metrics) ChargeTokens(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensChargedTotal.Add(float64(n))
}

func (m *Metrics) QuotaDenied() {
	if m == nil {
		return
	}
	m.QuotaDeniedTotal.Inc()
}

func (m *Metrics) SessionResolved(source string, active int) {
	if m == nil {
		return
	}
	m.SessionResolutionsTotal.WithLabelValues(source).Inc()
	m.SessionsActive.Set(float64(active))
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.PersistFailuresTotal.Inc()
}

func (m *Metrics) AffectionBumped() {
	if m == nil {
		return
	}
	m.AffectionBumpsTotal.Inc()
}

func (m *Metrics) PokeSuppressed() {
	if m == nil {
		return
	}
	m.PokesSuppressedTotal.Inc()
}
