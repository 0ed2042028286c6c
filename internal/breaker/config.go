package breaker

import "time"

// 内置资源名
const (
	ResourcePairingConfirm = "pairing-confirm"
	ResourceGeoLookup      = "geo-lookup"
)

// Config 单个资源的熔断参数
type Config struct {
	FailureThreshold uint32        `yaml:"failure_threshold"` // 窗口内失败次数达到该值即熔断
	ResetTimeout     time.Duration `yaml:"reset_timeout"`     // OPEN 持续时间，之后进入 HALF_OPEN
	SuccessThreshold uint32        `yaml:"success_threshold"` // HALF_OPEN 下连续成功该次数后恢复
	FailureWindow    time.Duration `yaml:"failure_window"`    // CLOSED 状态下的计数窗口
}

// DefaultConfig 默认熔断参数
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 3,
		FailureWindow:    60 * time.Second,
	}
}

// withDefaults 用默认值补齐零值字段
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	return c
}
