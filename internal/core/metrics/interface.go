// Package metrics 提供计数器/仪表/直方图的统一收集接口
//
// 默认使用内存实现；配置 metrics.type=prometheus 时切换到 Prometheus，
// 并通过 GET /metrics 暴露。
package metrics

// Metrics 指标收集接口
type Metrics interface {
	// Counter 操作
	IncrementCounter(name string, labels map[string]string) error
	AddCounter(name string, value float64, labels map[string]string) error
	GetCounter(name string, labels map[string]string) (float64, error)

	// Gauge 操作
	SetGauge(name string, value float64, labels map[string]string) error
	GetGauge(name string, labels map[string]string) (float64, error)

	// Histogram 操作（内存实现忽略）
	ObserveHistogram(name string, value float64, labels map[string]string) error

	// 关闭指标收集器
	Close() error
}

// 指标名称
const (
	AdmissionFailedAttempts = "admission_failed_attempts_total"
	ConnectionsActive       = "connections_active"
	PairingCodesIssued      = "pairing_codes_issued_total"
	PairingConfirmations    = "pairing_confirmations_total"
	PairingConfirmDuration  = "pairing_confirm_duration_seconds"
	BreakerState            = "breaker_state"
	BreakerRequests         = "breaker_requests_total"
	ErrorsTotal             = "errors_total"
)
