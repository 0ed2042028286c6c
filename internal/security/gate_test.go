package security

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "signage-core/internal/core/errors"
	"signage-core/internal/core/metrics"
	"signage-core/internal/core/storage/memory"
	"signage-core/internal/utils/timeutil"
)

func newTestGate(t *testing.T, cfg Config, opts GateOptions) (*Gate, *timeutil.ManualClock) {
	clock := timeutil.NewManualClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	opts.Clock = clock
	opts.NoSweeper = true
	g, err := NewGate(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g, clock
}

func TestNormalizeIP(t *testing.T) {
	assert.Equal(t, "10.0.0.1", NormalizeIP("10.0.0.1:5432"))
	assert.Equal(t, "10.0.0.1", NormalizeIP("::ffff:10.0.0.1"))
	assert.Equal(t, "::1", NormalizeIP("[::1]:8080"))
	assert.Equal(t, "203.0.113.7", NormalizeIP("203.0.113.7"))
}

func TestGate_MaxConnectionsPerIP(t *testing.T) {
	m := metrics.NewMemoryMetrics(context.Background())
	defer m.Close()
	g, _ := newTestGate(t, Config{MaxConnectionsPerIP: 5}, GateOptions{Metrics: m})

	remotes := make([]Remote, 0, 5)
	for i := 0; i < 5; i++ {
		r := NewRemote("198.51.100.4:4000", fmt.Sprintf("sock-%d", i), "device")
		require.NoError(t, g.ValidateConnection(r))
		remotes = append(remotes, r)
	}

	// 第 6 个连接被拒绝
	err := g.ValidateConnection(NewRemote("198.51.100.4:4010", "sock-6", "device"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, coreerrors.ErrAdmissionRejected))

	// 其他 IP 不受影响
	assert.NoError(t, g.ValidateConnection(NewRemote("198.51.100.5:1", "other", "device")))

	// 断开一个后可以重新连接
	g.RemoveConnection(remotes[2])
	assert.NoError(t, g.ValidateConnection(NewRemote("198.51.100.4:4011", "sock-7", "device")))

	assert.Equal(t, int64(1), g.FailedAttempts())
	v, _ := m.GetCounter(metrics.AdmissionFailedAttempts, map[string]string{"reason": ReasonTooManyConns})
	assert.Equal(t, 1.0, v)
	active, _ := m.GetGauge(metrics.ConnectionsActive, nil)
	assert.Equal(t, 6.0, active)
}

func TestGate_EventRateWindow(t *testing.T) {
	g, clock := newTestGate(t, Config{MaxEventsPerMinute: 3}, GateOptions{})
	r := NewRemote("203.0.113.9:1", "s1", "controller")

	for i := 0; i < 3; i++ {
		require.NoError(t, g.ValidateEvent(r))
	}
	assert.Error(t, g.ValidateEvent(r))

	// 窗口重置后恢复
	clock.Advance(61 * time.Second)
	assert.NoError(t, g.ValidateEvent(r))
	assert.Equal(t, int64(1), g.FailedAttempts())
}

func TestGate_BannedIP(t *testing.T) {
	store := memory.New(context.Background())
	defer store.Close()

	g, clock := newTestGate(t, Config{}, GateOptions{BanStore: store})
	require.NoError(t, g.BanIP("192.0.2.0/24", 10*time.Minute, "abuse"))

	r := NewRemote("192.0.2.55:80", "s", "device")
	assert.Error(t, g.ValidateConnection(r))
	assert.Error(t, g.ValidateEvent(r))

	// 持久化后新实例可以加载
	reloaded := NewBanList(store, clock)
	banned, reason := reloaded.IsBanned("192.0.2.1")
	assert.True(t, banned)
	assert.Equal(t, "abuse", reason)

	// 过期后放行并在清理时移除
	clock.Advance(11 * time.Minute)
	assert.NoError(t, g.ValidateConnection(r))
	g.Sweep()
	assert.Equal(t, 0, g.Bans().Len())
	all, _ := store.GetAllHash(banListKey)
	assert.Empty(t, all)

	assert.Error(t, g.BanIP("not-an-ip", 0, "x"))
}

func TestGate_AutoBan(t *testing.T) {
	g, _ := newTestGate(t, Config{MaxEventsPerMinute: 1, AutoBanThreshold: 2, AutoBanDuration: time.Hour}, GateOptions{})
	r := NewRemote("203.0.113.20", "s", "device")

	require.NoError(t, g.ValidateEvent(r))
	assert.Error(t, g.ValidateEvent(r))
	assert.Error(t, g.ValidateEvent(r))

	banned, _ := g.Bans().IsBanned("203.0.113.20")
	assert.True(t, banned)
	assert.Error(t, g.ValidateConnection(r))
}

func TestGate_ValidatePayload(t *testing.T) {
	g, _ := newTestGate(t, Config{MaxPayloadSize: 64}, GateOptions{})
	r := NewRemote("203.0.113.1", "s", "controller")

	assert.NoError(t, g.ValidatePayload(r, map[string]string{"code": "ABC123", "description": "lobby screen"}))
	assert.Error(t, g.ValidatePayload(r, map[string]string{"html": "<script>alert(1)</script>"}))
	assert.Error(t, g.ValidatePayload(r, `{"img":"x" onerror=alert(1)}`))
	assert.Error(t, g.ValidatePayload(r, map[string]string{"blob": string(make([]byte, 100))}))
	assert.NoError(t, g.ValidatePayload(r, nil))
}

func TestGate_InvalidPattern(t *testing.T) {
	_, err := NewGate(context.Background(), Config{SuspiciousPatterns: []string{"("}}, GateOptions{NoSweeper: true})
	assert.Error(t, err)
}

type stubLocator struct {
	loc   *GeoLocation
	err   error
	calls int32
}

func (s *stubLocator) Locate(ctx context.Context, ip string) (*GeoLocation, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.loc, s.err
}

func geoConfig() Config {
	cfg := DefaultConfig()
	cfg.Geo.Enabled = true
	return cfg
}

func TestGate_ValidateGeography(t *testing.T) {
	ctx := context.Background()
	r := NewRemote("8.8.8.8:443", "s", "device")

	// 允许的国家且距离在范围内
	g, _ := newTestGate(t, geoConfig(), GateOptions{Geo: &stubLocator{loc: &GeoLocation{CountryCode: "US", City: "Los Angeles", Latitude: 34.05, Longitude: -118.24}}})
	assert.NoError(t, g.ValidateGeography(ctx, r))

	// 国家不在允许列表
	g, _ = newTestGate(t, geoConfig(), GateOptions{Geo: &stubLocator{loc: &GeoLocation{CountryCode: "BR", Latitude: -23.55, Longitude: -46.63}}})
	assert.Error(t, g.ValidateGeography(ctx, r))

	// 国家允许但距离过远（东京距旧金山约 8000km）
	g, _ = newTestGate(t, geoConfig(), GateOptions{Geo: &stubLocator{loc: &GeoLocation{CountryCode: "JP", Latitude: 35.68, Longitude: 139.69}}})
	assert.Error(t, g.ValidateGeography(ctx, r))
}

func TestGate_ValidateGeography_FailOpen(t *testing.T) {
	ctx := context.Background()
	stub := &stubLocator{err: errors.New("lookup service down")}
	g, _ := newTestGate(t, geoConfig(), GateOptions{Geo: stub})

	assert.NoError(t, g.ValidateGeography(ctx, NewRemote("8.8.8.8", "s", "device")))
	assert.Equal(t, int64(0), g.FailedAttempts())

	// 内网地址不查询
	assert.NoError(t, g.ValidateGeography(ctx, NewRemote("10.1.2.3", "s", "device")))
	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.calls))

	// 未启用时不查询
	disabled, _ := newTestGate(t, Config{}, GateOptions{Geo: stub})
	assert.NoError(t, disabled.ValidateGeography(ctx, NewRemote("8.8.8.8", "s", "device")))
	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.calls))
}

func TestGate_SweepAndStats(t *testing.T) {
	g, clock := newTestGate(t, Config{}, GateOptions{})
	r := NewRemote("203.0.113.30", "s", "device")

	require.NoError(t, g.ValidateConnection(r))
	require.NoError(t, g.ValidateEvent(r))

	stats := g.Stats()
	assert.Equal(t, 1, stats.ActiveConnections)
	assert.Equal(t, 1, stats.TrackedIPs)

	clock.Advance(2 * time.Minute)
	g.Sweep()
	assert.Equal(t, 0, g.Stats().TrackedIPs)

	g.RemoveConnection(r)
	assert.Equal(t, 0, g.ActiveConnections())
}

func TestHTTPGeoLocator(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"country_code":"CA","city":"Toronto","latitude":43.65,"longitude":-79.38}`))
	}))
	defer srv.Close()

	loc := NewHTTPGeoLocator(GeoConfig{LookupURL: srv.URL + "/%s/json/"})
	got, err := loc.Locate(context.Background(), "8.8.4.4")
	require.NoError(t, err)
	assert.Equal(t, "CA", got.CountryCode)
	assert.Equal(t, "Toronto", got.City)

	// 第二次命中缓存
	_, err = loc.Locate(context.Background(), "8.8.4.4")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestHTTPGeoLocator_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	loc := NewHTTPGeoLocator(GeoConfig{LookupURL: srv.URL + "/%s"})
	_, err := loc.Locate(context.Background(), "1.1.1.1")
	assert.Error(t, err)
}

func TestHaversineKm(t *testing.T) {
	// 旧金山到洛杉矶约 559km
	d := HaversineKm(37.7749, -122.4194, 34.0522, -118.2437)
	assert.InDelta(t, 559, d, 5)
	assert.InDelta(t, 0, HaversineKm(1, 1, 1, 1), 1e-9)
}
