package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

func TestCountersRecord(t *testing.T) {
	m := newTestMetrics()
	m.ResolutionsTotal.WithLabelValues(OutcomeMatched).Inc()
	m.ResolutionsTotal.WithLabelValues(OutcomeMatched).Inc()
	m.ResolutionsTotal.WithLabelValues(OutcomeNoMatch).Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ResolutionsTotal.WithLabelValues(OutcomeMatched)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResolutionsTotal.WithLabelValues(OutcomeNoMatch)))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := newTestMetrics()
	m.CacheHitsTotal.Inc()
	m.CircuitBreakerState.WithLabelValues("bikes").Set(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "bike_cache_hits_total 1")
	assert.Contains(t, string(body), `circuit_breaker_state{name="bikes"} 1`)
}

func TestIndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		newTestMetrics()
		newTestMetrics()
	})
}
