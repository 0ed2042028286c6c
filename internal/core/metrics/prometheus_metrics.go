package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"signage-core/internal/core/dispose"
)

// PrometheusMetrics Prometheus 指标实现
// 指标向量在首次使用时按 (name, 排序后的标签名) 注册到私有 Registry
type PrometheusMetrics struct {
	*dispose.ResourceBase

	namespace  string
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.Mutex
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics(parentCtx context.Context, namespace string) *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &PrometheusMetrics{
		ResourceBase: dispose.NewResourceBase("PrometheusMetrics", parentCtx),
		namespace:    namespace,
		registry:     reg,
		counters:     make(map[string]*prometheus.CounterVec),
		gauges:       make(map[string]*prometheus.GaugeVec),
		histograms:   make(map[string]*prometheus.HistogramVec),
	}
}

// Handler 返回 /metrics 处理器
func (p *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry 返回底层 Registry
func (p *PrometheusMetrics) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusMetrics) counterVec(name string, labels map[string]string) (*prometheus.CounterVec, error) {
	names := sortedLabelNames(labels)
	key := buildKey(name, namesAsLabels(names))

	p.mu.Lock()
	defer p.mu.Unlock()
	if vec, ok := p.counters[key]; ok {
		return vec, nil
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      fmt.Sprintf("Counter %s", name),
	}, names)
	if err := p.registry.Register(vec); err != nil {
		return nil, fmt.Errorf("register counter %s: %w", name, err)
	}
	p.counters[key] = vec
	return vec, nil
}

func (p *PrometheusMetrics) gaugeVec(name string, labels map[string]string) (*prometheus.GaugeVec, error) {
	names := sortedLabelNames(labels)
	key := buildKey(name, namesAsLabels(names))

	p.mu.Lock()
	defer p.mu.Unlock()
	if vec, ok := p.gauges[key]; ok {
		return vec, nil
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      fmt.Sprintf("Gauge %s", name),
	}, names)
	if err := p.registry.Register(vec); err != nil {
		return nil, fmt.Errorf("register gauge %s: %w", name, err)
	}
	p.gauges[key] = vec
	return vec, nil
}

func (p *PrometheusMetrics) histogramVec(name string, labels map[string]string) (*prometheus.HistogramVec, error) {
	names := sortedLabelNames(labels)
	key := buildKey(name, namesAsLabels(names))

	p.mu.Lock()
	defer p.mu.Unlock()
	if vec, ok := p.histograms[key]; ok {
		return vec, nil
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      fmt.Sprintf("Histogram %s", name),
		Buckets:   prometheus.DefBuckets,
	}, names)
	if err := p.registry.Register(vec); err != nil {
		return nil, fmt.Errorf("register histogram %s: %w", name, err)
	}
	p.histograms[key] = vec
	return vec, nil
}

// IncrementCounter 增加计数器
func (p *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) error {
	return p.AddCounter(name, 1, labels)
}

// AddCounter 增加计数器指定值
func (p *PrometheusMetrics) AddCounter(name string, value float64, labels map[string]string) error {
	if value < 0 {
		return fmt.Errorf("counter %s cannot decrease", name)
	}
	vec, err := p.counterVec(name, labels)
	if err != nil {
		return err
	}
	vec.With(prometheus.Labels(labels)).Add(value)
	return nil
}

// GetCounter 获取计数器当前值
func (p *PrometheusMetrics) GetCounter(name string, labels map[string]string) (float64, error) {
	vec, err := p.counterVec(name, labels)
	if err != nil {
		return 0, err
	}
	var m dto.Metric
	if err := vec.With(prometheus.Labels(labels)).Write(&m); err != nil {
		return 0, err
	}
	return m.GetCounter().GetValue(), nil
}

// SetGauge 设置 Gauge 值
func (p *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) error {
	vec, err := p.gaugeVec(name, labels)
	if err != nil {
		return err
	}
	vec.With(prometheus.Labels(labels)).Set(value)
	return nil
}

// GetGauge 获取 Gauge 值
func (p *PrometheusMetrics) GetGauge(name string, labels map[string]string) (float64, error) {
	vec, err := p.gaugeVec(name, labels)
	if err != nil {
		return 0, err
	}
	var m dto.Metric
	if err := vec.With(prometheus.Labels(labels)).Write(&m); err != nil {
		return 0, err
	}
	return m.GetGauge().GetValue(), nil
}

// ObserveHistogram 记录 Histogram 值
func (p *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) error {
	vec, err := p.histogramVec(name, labels)
	if err != nil {
		return err
	}
	vec.With(prometheus.Labels(labels)).Observe(value)
	return nil
}

// Close 关闭指标收集器
func (p *PrometheusMetrics) Close() error {
	return p.CloseWithError()
}

func namesAsLabels(names []string) map[string]string {
	m := make(map[string]string, len(names))
	for _, n := range names {
		m[n] = ""
	}
	return m
}
