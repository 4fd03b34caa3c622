package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveCompletion("ok", 120*time.Millisecond)
	m.ObserveCompletion("degraded", time.Second)
	m.ChargeTokens(8)
	m.ChargeTokens(-3)
	m.QuotaDenied()
	m.SessionResolved("fresh", 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompletionRequestsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompletionRequestsTotal.WithLabelValues("degraded")))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.TokensChargedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuotaDeniedTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SessionsActive))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCompletion("ok", time.Second)
		m.ChargeTokens(1)
		m.QuotaDenied()
		m.SessionResolved("cache", 1)
		m.PersistFailed()
		m.AffectionBumped()
		m.PokeSuppressed()
	})
}
