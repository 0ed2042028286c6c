package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"signage-core/internal/core/dispose"
)

// MemoryMetrics 内存指标实现（单节点运行，无外部依赖）
type MemoryMetrics struct {
	*dispose.ResourceBase

	counters map[string]float64
	gauges   map[string]float64
	mu       sync.RWMutex
}

// NewMemoryMetrics 创建内存指标收集器
func NewMemoryMetrics(parentCtx context.Context) *MemoryMetrics {
	return &MemoryMetrics{
		ResourceBase: dispose.NewResourceBase("MemoryMetrics", parentCtx),
		counters:     make(map[string]float64),
		gauges:       make(map[string]float64),
	}
}

// IncrementCounter 增加计数器
func (m *MemoryMetrics) IncrementCounter(name string, labels map[string]string) error {
	return m.AddCounter(name, 1, labels)
}

// AddCounter 增加计数器指定值
func (m *MemoryMetrics) AddCounter(name string, value float64, labels map[string]string) error {
	if value < 0 {
		return fmt.Errorf("counter %s cannot decrease", name)
	}
	key := buildKey(name, labels)
	m.mu.Lock()
	m.counters[key] += value
	m.mu.Unlock()
	return nil
}

// GetCounter 获取计数器值
func (m *MemoryMetrics) GetCounter(name string, labels map[string]string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[buildKey(name, labels)], nil
}

// SetGauge 设置 Gauge 值
func (m *MemoryMetrics) SetGauge(name string, value float64, labels map[string]string) error {
	m.mu.Lock()
	m.gauges[buildKey(name, labels)] = value
	m.mu.Unlock()
	return nil
}

// GetGauge 获取 Gauge 值
func (m *MemoryMetrics) GetGauge(name string, labels map[string]string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gauges[buildKey(name, labels)], nil
}

// ObserveHistogram Memory 实现不支持 Histogram，静默忽略
func (m *MemoryMetrics) ObserveHistogram(name string, value float64, labels map[string]string) error {
	return nil
}

// Close 关闭指标收集器
func (m *MemoryMetrics) Close() error {
	return m.CloseWithError()
}

// buildKey 构建指标键名，标签按键名排序
func buildKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := sortedLabelNames(labels)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}

func sortedLabelNames(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
