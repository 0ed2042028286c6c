package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMetrics_Counters(t *testing.T) {
	m := NewMemoryMetrics(context.Background())
	defer m.Close()

	require.NoError(t, m.IncrementCounter(AdmissionFailedAttempts, map[string]string{"reason": "banned"}))
	require.NoError(t, m.AddCounter(AdmissionFailedAttempts, 2, map[string]string{"reason": "banned"}))
	require.NoError(t, m.IncrementCounter(AdmissionFailedAttempts, map[string]string{"reason": "rate"}))

	v, err := m.GetCounter(AdmissionFailedAttempts, map[string]string{"reason": "banned"})
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	v, _ = m.GetCounter(AdmissionFailedAttempts, map[string]string{"reason": "rate"})
	assert.Equal(t, 1.0, v)

	assert.Error(t, m.AddCounter(ErrorsTotal, -1, nil))
}

func TestMemoryMetrics_Gauges(t *testing.T) {
	m := NewMemoryMetrics(context.Background())
	defer m.Close()

	require.NoError(t, m.SetGauge(ConnectionsActive, 4, nil))
	require.NoError(t, m.SetGauge(ConnectionsActive, 3, nil))
	v, err := m.GetGauge(ConnectionsActive, nil)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	// 未设置的 gauge 返回 0
	v, _ = m.GetGauge(BreakerState, map[string]string{"name": "geo-lookup"})
	assert.Equal(t, 0.0, v)
	assert.NoError(t, m.ObserveHistogram(PairingConfirmDuration, 0.1, nil))
}

func TestBuildKey_LabelOrder(t *testing.T) {
	a := buildKey("x", map[string]string{"b": "2", "a": "1"})
	b := buildKey("x", map[string]string{"a": "1", "b": "2"})
	assert.Equal(t, a, b)
	assert.Equal(t, "x{a=1,b=2}", a)
	assert.Equal(t, "x", buildKey("x", nil))
}

func TestPrometheusMetrics(t *testing.T) {
	p := NewPrometheusMetrics(context.Background(), "signage")
	defer p.Close()

	labels := map[string]string{"name": "pairing-confirm", "result": "success"}
	require.NoError(t, p.IncrementCounter(BreakerRequests, labels))
	require.NoError(t, p.IncrementCounter(BreakerRequests, labels))
	require.NoError(t, p.SetGauge(BreakerState, 2, map[string]string{"name": "pairing-confirm"}))
	require.NoError(t, p.ObserveHistogram(PairingConfirmDuration, 0.02, nil))

	v, err := p.GetCounter(BreakerRequests, labels)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)

	g, err := p.GetGauge(BreakerState, map[string]string{"name": "pairing-confirm"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, g)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `signage_breaker_requests_total{name="pairing-confirm",result="success"} 2`)
	assert.Contains(t, string(body), "signage_pairing_confirm_duration_seconds_bucket")
}
