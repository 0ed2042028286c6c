// Package security 实现连接与事件的准入控制
//
// Gate 在任何配对逻辑之前执行以下独立检查：
//   - 封禁 IP（精确 / CIDR）
//   - 单 IP 并发连接数
//   - 单 IP 每分钟事件数
//   - 负载大小与可疑内容
//   - 可选的地理位置策略（查询失败时放行）
//
// 被拒绝的连接或事件只返回 ADMISSION_REJECTED，原因只进入日志和指标。
package security

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"signage-core/internal/breaker"
	"signage-core/internal/core/dispose"
	coreerrors "signage-core/internal/core/errors"
	corelog "signage-core/internal/core/log"
	"signage-core/internal/core/metrics"
	"signage-core/internal/core/storage"
	"signage-core/internal/utils/timeutil"
)

// 拒绝原因（仅用于日志与指标标签）
const (
	ReasonBanned            = "banned"
	ReasonTooManyConns      = "too_many_connections"
	ReasonEventRate         = "event_rate"
	ReasonPayloadTooLarge   = "payload_too_large"
	ReasonSuspiciousContent = "suspicious_content"
	ReasonMalformed         = "malformed"
	ReasonCountry           = "country"
	ReasonDistance          = "distance"
)

const eventWindow = time.Minute

// Remote 连接来源
type Remote struct {
	IP         string
	SocketID   string
	ClientType string
}

// NewRemote 从 "host:port" 或裸 IP 构造来源
func NewRemote(addr, socketID, clientType string) Remote {
	return Remote{IP: NormalizeIP(addr), SocketID: socketID, ClientType: clientType}
}

// NormalizeIP 去掉端口与 IPv4-mapped 前缀
func NormalizeIP(addr string) string {
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
		return ip.String()
	}
	return host
}

// eventCounter 单 IP 的事件计数窗口
type eventCounter struct {
	windowStart time.Time
	count       int
	rejections  int
}

// GateStats 准入统计
type GateStats struct {
	ActiveConnections int   `json:"active_connections"`
	TrackedIPs        int   `json:"tracked_ips"`
	FailedAttempts    int64 `json:"failed_attempts"`
	BannedEntries     int   `json:"banned_entries"`
}

// Gate 准入控制
//
// 职责：
//   - 维护每 IP 连接数与事件窗口计数
//   - 管理封禁列表
//   - 周期清理过期计数与封禁（默认每 60 秒）
type Gate struct {
	*dispose.ServiceBase

	config   Config
	clock    timeutil.Clock
	bans     *BanList
	screener *payloadScreener
	geo      GeoLocator
	breakers *breaker.Registry
	metrics  metrics.Metrics

	connections map[string]int
	events      map[string]*eventCounter
	mu          sync.Mutex

	failedAttempts atomic.Int64
}

// GateOptions 依赖注入
type GateOptions struct {
	Clock     timeutil.Clock
	BanStore  storage.HashStore
	Geo       GeoLocator
	Breakers  *breaker.Registry
	Metrics   metrics.Metrics
	NoSweeper bool // 不启动后台清理（测试中手动调用 Sweep）
}

// NewGate 创建准入控制
func NewGate(ctx context.Context, cfg Config, opts GateOptions) (*Gate, error) {
	d := DefaultConfig()
	if cfg.MaxConnectionsPerIP <= 0 {
		cfg.MaxConnectionsPerIP = d.MaxConnectionsPerIP
	}
	if cfg.MaxEventsPerMinute <= 0 {
		cfg.MaxEventsPerMinute = d.MaxEventsPerMinute
	}
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = d.MaxPayloadSize
	}
	if cfg.SuspiciousPatterns == nil {
		cfg.SuspiciousPatterns = d.SuspiciousPatterns
	}
	if cfg.AutoBanDuration <= 0 {
		cfg.AutoBanDuration = d.AutoBanDuration
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}

	screener, err := newPayloadScreener(cfg.MaxPayloadSize, cfg.SuspiciousPatterns)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeConfigError, "invalid admission config")
	}

	clock := opts.Clock
	if clock == nil {
		clock = timeutil.Real()
	}
	geo := opts.Geo
	if geo == nil && cfg.Geo.Enabled {
		geo = NewHTTPGeoLocator(cfg.Geo)
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.DefaultConfig(), nil, opts.Metrics)
	}

	g := &Gate{
		ServiceBase: dispose.NewService("AdmissionGate", ctx),
		config:      cfg,
		clock:       clock,
		bans:        NewBanList(opts.BanStore, clock),
		screener:    screener,
		geo:         geo,
		breakers:    breakers,
		metrics:     opts.Metrics,
		connections: make(map[string]int),
		events:      make(map[string]*eventCounter),
	}

	if !opts.NoSweeper {
		go g.sweepLoop()
	}
	return g, nil
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 检查
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// ValidateConnection 检查封禁与并发连接数，通过后占用一个连接名额
func (g *Gate) ValidateConnection(remote Remote) error {
	if banned, _ := g.bans.IsBanned(remote.IP); banned {
		return g.reject(remote, ReasonBanned)
	}

	g.mu.Lock()
	current := g.connections[remote.IP]
	if current >= g.config.MaxConnectionsPerIP {
		g.mu.Unlock()
		return g.reject(remote, ReasonTooManyConns)
	}
	g.connections[remote.IP] = current + 1
	g.mu.Unlock()

	g.recordConnections()
	return nil
}

// RemoveConnection 释放连接名额
func (g *Gate) RemoveConnection(remote Remote) {
	g.mu.Lock()
	if n := g.connections[remote.IP]; n > 1 {
		g.connections[remote.IP] = n - 1
	} else {
		delete(g.connections, remote.IP)
	}
	g.mu.Unlock()

	g.recordConnections()
}

// ValidateEvent 检查单 IP 每分钟事件数
func (g *Gate) ValidateEvent(remote Remote) error {
	if banned, _ := g.bans.IsBanned(remote.IP); banned {
		return g.reject(remote, ReasonBanned)
	}

	now := g.clock.Now()
	autoBan := false

	g.mu.Lock()
	counter, ok := g.events[remote.IP]
	if !ok || now.Sub(counter.windowStart) >= eventWindow {
		counter = &eventCounter{windowStart: now}
		g.events[remote.IP] = counter
	}
	if counter.count >= g.config.MaxEventsPerMinute {
		counter.rejections++
		if g.config.AutoBanThreshold > 0 && counter.rejections == g.config.AutoBanThreshold {
			autoBan = true
		}
		g.mu.Unlock()

		if autoBan {
			if err := g.bans.Ban(remote.IP, g.config.AutoBanDuration, "event rate exceeded"); err != nil {
				corelog.Warnf("AdmissionGate: auto-ban of %s failed: %v", remote.IP, err)
			}
		}
		return g.reject(remote, ReasonEventRate)
	}
	counter.count++
	g.mu.Unlock()
	return nil
}

// ValidatePayload 检查负载大小与可疑内容
func (g *Gate) ValidatePayload(remote Remote, payload interface{}) error {
	if reason := g.screener.screen(payload); reason != "" {
		return g.reject(remote, reason)
	}
	return nil
}

// ValidateGeography 可选地理位置策略
//
// 查询失败（超时、熔断、服务不可用）按放行处理：
// 地理服务故障不应阻断正常设备，这是可用性优先的明确策略。
func (g *Gate) ValidateGeography(ctx context.Context, remote Remote) error {
	if !g.config.Geo.Enabled || g.geo == nil {
		return nil
	}
	if isPrivateIP(remote.IP) {
		return nil
	}

	timeout := g.config.Geo.LookupTimeout
	if timeout <= 0 {
		timeout = DefaultGeoConfig().LookupTimeout
	}
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	loc := breaker.ExecuteWithFallback(lookupCtx, g.breakers, breaker.ResourceGeoLookup,
		func(ctx context.Context) (*GeoLocation, error) {
			return g.geo.Locate(ctx, remote.IP)
		},
		func(_ context.Context, cause error) *GeoLocation {
			corelog.Warnf("AdmissionGate: geo lookup for %s unavailable, allowing: %v", remote.IP, cause)
			return nil
		},
	)
	if loc == nil {
		return nil
	}

	if !g.countryAllowed(loc.CountryCode) {
		corelog.Warnf("AdmissionGate: connection from blocked country %s (%s)", loc.CountryCode, remote.IP)
		return g.reject(remote, ReasonCountry)
	}

	distance := HaversineKm(loc.Latitude, loc.Longitude, g.config.Geo.ReferenceLat, g.config.Geo.ReferenceLon)
	if g.config.Geo.MaxDistanceKm > 0 && distance > g.config.Geo.MaxDistanceKm {
		corelog.Warnf("AdmissionGate: connection from %s, %s is %.0fkm away (%s)", loc.City, loc.CountryCode, distance, remote.IP)
		return g.reject(remote, ReasonDistance)
	}
	return nil
}

func (g *Gate) countryAllowed(code string) bool {
	if len(g.config.Geo.AllowedCountries) == 0 {
		return true
	}
	for _, c := range g.config.Geo.AllowedCountries {
		if strings.EqualFold(c, code) {
			return true
		}
	}
	return false
}

// reject 记录失败次数并返回不带原因的拒绝错误
func (g *Gate) reject(remote Remote, reason string) error {
	g.failedAttempts.Add(1)
	corelog.WithFields(map[string]interface{}{
		corelog.FieldRemoteIP: remote.IP,
		corelog.FieldSocketID: remote.SocketID,
	}).Debugf("AdmissionGate: rejected (%s)", reason)

	if g.metrics != nil {
		_ = g.metrics.IncrementCounter(metrics.AdmissionFailedAttempts, map[string]string{"reason": reason})
	}
	return coreerrors.ErrAdmissionRejected
}

func (g *Gate) recordConnections() {
	if g.metrics == nil {
		return
	}
	_ = g.metrics.SetGauge(metrics.ConnectionsActive, float64(g.ActiveConnections()), nil)
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 封禁管理
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// BanIP 封禁 IP 或 CIDR
func (g *Gate) BanIP(ip string, duration time.Duration, reason string) error {
	return g.bans.Ban(ip, duration, reason)
}

// UnbanIP 解除封禁
func (g *Gate) UnbanIP(ip string) {
	g.bans.Unban(ip)
}

// Bans 返回封禁列表
func (g *Gate) Bans() *BanList {
	return g.bans
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 统计与清理
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// FailedAttempts 返回累计拒绝次数
func (g *Gate) FailedAttempts() int64 {
	return g.failedAttempts.Load()
}

// ActiveConnections 返回当前连接总数
func (g *Gate) ActiveConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, n := range g.connections {
		total += n
	}
	return total
}

// Stats 返回准入统计
func (g *Gate) Stats() GateStats {
	g.mu.Lock()
	total := 0
	for _, n := range g.connections {
		total += n
	}
	tracked := len(g.events)
	g.mu.Unlock()

	return GateStats{
		ActiveConnections: total,
		TrackedIPs:        tracked,
		FailedAttempts:    g.failedAttempts.Load(),
		BannedEntries:     g.bans.Len(),
	}
}

// Sweep 清理过期事件窗口与封禁条目
func (g *Gate) Sweep() {
	now := g.clock.Now()

	g.mu.Lock()
	removed := 0
	for ip, counter := range g.events {
		if now.Sub(counter.windowStart) >= eventWindow {
			delete(g.events, ip)
			removed++
		}
	}
	for ip, n := range g.connections {
		if n <= 0 {
			delete(g.connections, ip)
		}
	}
	g.mu.Unlock()

	expired := g.bans.RemoveExpired()
	if removed > 0 || expired > 0 {
		corelog.Debugf("AdmissionGate: swept %d event windows, %d expired bans", removed, expired)
	}
}

func (g *Gate) sweepLoop() {
	ticker := time.NewTicker(g.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.Ctx().Done():
			corelog.Debugf("AdmissionGate: sweep task stopped")
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}
