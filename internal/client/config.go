package client

import (
	"time"

	"signage-core/internal/pairing"
)

// ClientConfig 显示端 / 控制端配置
// 设备凭据不写入配置文件，由 CredentialStore 单独持久化
type ClientConfig struct {
	// 服务端实时通道地址，例如 "ws://localhost:3001/ws"
	ServerURL string `yaml:"server_url"`

	// device 或 controller
	ClientType   string `yaml:"client_type"`
	ControllerID string `yaml:"controller_id,omitempty"` // 仅控制端

	// 设备信息（仅设备端，DeviceID 为空时由服务端分配）
	DeviceID string `yaml:"device_id,omitempty"`
	Nickname string `yaml:"nickname,omitempty"`

	// 凭据文件路径，为空时使用内存存储
	CredentialFile string `yaml:"credential_file,omitempty"`

	DialTimeout time.Duration   `yaml:"dial_timeout"`
	Reconnect   ReconnectConfig `yaml:"reconnect"`
	Heartbeat   HeartbeatConfig `yaml:"heartbeat"`
	Pairing     FlowConfig      `yaml:"pairing"`

	Log LogConfig `yaml:"log"`
}

// ReconnectConfig 重连配置
// 第 n 次重试的延迟为 min(BaseDelay*n, MaxDelay)，超过 MaxAttempts 后进入离线状态
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
	HistorySize int           `yaml:"history_size"` // 诊断信息中保留的重试时间点数量
}

// HeartbeatConfig 应用层心跳配置
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// FlowConfig 设备端配对流程配置
// ERROR 后第 n 次重试延迟为 RetryBaseDelay*RetryFactor^n，上限 RetryMaxDelay
type FlowConfig struct {
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	RetryFactor    float64       `yaml:"retry_factor"`
	AutoRestart    bool          `yaml:"auto_restart"` // 配对码过期后自动重新取码
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`  // 日志文件路径，为空时输出到 stderr
}

// DefaultClientConfig 默认配置
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ServerURL:   "ws://localhost:3001/ws",
		ClientType:  pairing.ClientTypeDevice,
		DialTimeout: 15 * time.Second,
		Reconnect: ReconnectConfig{
			BaseDelay:   5 * time.Second,
			MaxDelay:    60 * time.Second,
			MaxAttempts: 10,
			HistorySize: 20,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 25 * time.Second,
			Timeout:  10 * time.Second,
		},
		Pairing: FlowConfig{
			RetryBaseDelay: 5 * time.Second,
			RetryMaxDelay:  30 * time.Second,
			RetryFactor:    1.5,
			AutoRestart:    true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// applyDefaults 补齐未设置的字段
func (c *ClientConfig) applyDefaults() {
	def := DefaultClientConfig()
	if c.ServerURL == "" {
		c.ServerURL = def.ServerURL
	}
	if c.ClientType == "" {
		c.ClientType = def.ClientType
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = def.Reconnect.BaseDelay
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = def.Reconnect.MaxDelay
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	if c.Reconnect.HistorySize <= 0 {
		c.Reconnect.HistorySize = def.Reconnect.HistorySize
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = def.Heartbeat.Interval
	}
	if c.Heartbeat.Timeout <= 0 {
		c.Heartbeat.Timeout = def.Heartbeat.Timeout
	}
	if c.Pairing.RetryBaseDelay <= 0 {
		c.Pairing.RetryBaseDelay = def.Pairing.RetryBaseDelay
	}
	if c.Pairing.RetryMaxDelay <= 0 {
		c.Pairing.RetryMaxDelay = def.Pairing.RetryMaxDelay
	}
	if c.Pairing.RetryFactor < 1 {
		c.Pairing.RetryFactor = def.Pairing.RetryFactor
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}
