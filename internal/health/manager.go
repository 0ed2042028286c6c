package health

import (
	"context"
	"runtime"
	"sync"
	"time"

	"signage-core/internal/breaker"
	"signage-core/internal/core/dispose"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 健康状态管理
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// HealthStatus 健康状态
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"   // 健康，可以接受新连接
	HealthStatusDegraded  HealthStatus = "degraded"  // 降级，仍接受连接
	HealthStatusDraining  HealthStatus = "draining"  // 排空中，不接受新连接，但处理现有连接
	HealthStatusUnhealthy HealthStatus = "unhealthy" // 不健康，不可用
)

const (
	DefaultErrorThreshold  = 1000
	DefaultMemoryThreshold = 0.9
)

// ConnectionStats 实时连接统计
type ConnectionStats struct {
	Active      int   `json:"active"`
	Devices     int   `json:"devices"`
	Controllers int   `json:"controllers"`
	Errors      int64 `json:"errors"`
}

// MemoryStats 内存快照
type MemoryStats struct {
	HeapAlloc uint64  `json:"heap_alloc"`
	HeapSys   uint64  `json:"heap_sys"`
	Ratio     float64 `json:"ratio"`
}

// HealthInfo 健康信息
type HealthInfo struct {
	Status            HealthStatus       `json:"status"`
	Connections       ConnectionStats    `json:"connections"`
	Errors            int64              `json:"errors"`
	Memory            MemoryStats        `json:"memory"`
	Uptime            int64              `json:"uptime_seconds"`
	Breakers          []breaker.Stats    `json:"breakers"`
	Components        []*ComponentHealth `json:"components,omitempty"`
	NodeID            string             `json:"node_id,omitempty"`
	Version           string             `json:"version,omitempty"`
	Details           map[string]string  `json:"details,omitempty"`
	LastStatusChange  time.Time          `json:"last_status_change"`
	AcceptingNewConns bool               `json:"accepting_new_connections"`
}

// StatsProvider 提供连接统计的接口（实时 hub 实现）
type StatsProvider interface {
	ConnectionStats() ConnectionStats
}

// BreakerProvider 提供熔断器快照
type BreakerProvider interface {
	AllStats() []breaker.Stats
}

// Thresholds 降级阈值
type Thresholds struct {
	ErrorCount  int64   `yaml:"error_count"`
	MemoryRatio float64 `yaml:"memory_ratio"`
}

// HealthManager 健康状态管理器
//
// 职责：
// 1. 管理服务器健康状态（healthy/degraded/draining/unhealthy）
// 2. 汇总连接数、错误数、内存、熔断器状态供 /health 使用
// 3. 在优雅关闭时将状态切换为draining，提前摘除节点
//
// degraded 不是存储的状态，而是每次查询时根据阈值计算得出
type HealthManager struct {
	mu sync.RWMutex

	status           HealthStatus
	startTime        time.Time
	lastStatusChange time.Time
	nodeID           string
	version          string
	details          map[string]string
	thresholds       Thresholds

	statsProvider   StatsProvider
	breakerProvider BreakerProvider
	components      *CompositeHealthChecker
	readMemory      func() MemoryStats

	*dispose.ServiceBase
}

// NewHealthManager 创建健康状态管理器
func NewHealthManager(nodeID, version string, parentCtx context.Context) *HealthManager {
	now := time.Now()

	return &HealthManager{
		ServiceBase:      dispose.NewService("HealthManager", parentCtx),
		status:           HealthStatusHealthy,
		startTime:        now,
		lastStatusChange: now,
		nodeID:           nodeID,
		version:          version,
		details:          make(map[string]string),
		thresholds: Thresholds{
			ErrorCount:  DefaultErrorThreshold,
			MemoryRatio: DefaultMemoryThreshold,
		},
		readMemory: readRuntimeMemory,
	}
}

// SetStatsProvider 设置统计信息提供者
func (m *HealthManager) SetStatsProvider(provider StatsProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statsProvider = provider
}

// SetBreakerProvider 设置熔断器快照来源
func (m *HealthManager) SetBreakerProvider(provider BreakerProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakerProvider = provider
}

// SetComponentChecker 设置依赖探测器
func (m *HealthManager) SetComponentChecker(c *CompositeHealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = c
}

// SetThresholds 设置降级阈值，零值字段保持默认
func (m *HealthManager) SetThresholds(t Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ErrorCount > 0 {
		m.thresholds.ErrorCount = t.ErrorCount
	}
	if t.MemoryRatio > 0 {
		m.thresholds.MemoryRatio = t.MemoryRatio
	}
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 状态管理
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// GetStatus 获取当前存储的健康状态（不含降级计算）
func (m *HealthManager) GetStatus() HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *HealthManager) setStatus(status HealthStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != status {
		m.status = status
		m.lastStatusChange = time.Now()
	}
}

// IsDraining 是否在排空中
func (m *HealthManager) IsDraining() bool {
	return m.GetStatus() == HealthStatusDraining
}

// IsAcceptingConnections 是否接受新连接
//
// draining 和 unhealthy 时拒绝新连接，degraded 仍然接受
func (m *HealthManager) IsAcceptingConnections() bool {
	return m.GetStatus() == HealthStatusHealthy
}

// MarkDraining 标记为排空中（优雅关闭）
func (m *HealthManager) MarkDraining() {
	m.setStatus(HealthStatusDraining)
}

// MarkUnhealthy 标记为不健康
func (m *HealthManager) MarkUnhealthy(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status = HealthStatusUnhealthy
	m.lastStatusChange = time.Now()
	m.details["unhealthy_reason"] = reason
}

// SetDetail 设置详细信息
func (m *HealthManager) SetDetail(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.details[key] = value
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 健康信息
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// GetHealthInfo 获取完整健康信息
func (m *HealthManager) GetHealthInfo(ctx context.Context) *HealthInfo {
	m.mu.RLock()
	status := m.status
	stats := m.statsProvider
	breakers := m.breakerProvider
	components := m.components
	thresholds := m.thresholds
	readMemory := m.readMemory
	info := &HealthInfo{
		Uptime:           int64(time.Since(m.startTime).Seconds()),
		NodeID:           m.nodeID,
		Version:          m.version,
		Details:          make(map[string]string, len(m.details)),
		LastStatusChange: m.lastStatusChange,
	}
	for k, v := range m.details {
		info.Details[k] = v
	}
	m.mu.RUnlock()

	// 外部提供者可能持有自己的锁，不在 m.mu 下调用
	if stats != nil {
		info.Connections = stats.ConnectionStats()
		info.Errors = info.Connections.Errors
	}
	if breakers != nil {
		info.Breakers = breakers.AllStats()
	}
	if info.Breakers == nil {
		info.Breakers = []breaker.Stats{}
	}
	info.Memory = readMemory()

	componentDown := false
	if components != nil {
		info.Components = components.CheckAll(ctx)
		for _, c := range info.Components {
			if c.Status != ComponentStatusHealthy {
				componentDown = true
			}
		}
	}

	if status == HealthStatusHealthy {
		if info.Errors > thresholds.ErrorCount ||
			info.Memory.Ratio > thresholds.MemoryRatio ||
			componentDown {
			status = HealthStatusDegraded
		}
	}
	info.Status = status
	info.AcceptingNewConns = status == HealthStatusHealthy || status == HealthStatusDegraded
	return info
}

func readRuntimeMemory() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := MemoryStats{HeapAlloc: ms.HeapAlloc, HeapSys: ms.HeapSys}
	if ms.HeapSys > 0 {
		stats.Ratio = float64(ms.HeapAlloc) / float64(ms.HeapSys)
	}
	return stats
}
