package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"signage-core/internal/breaker"
	"signage-core/internal/broker"
	corelog "signage-core/internal/core/log"
	redisstorage "signage-core/internal/core/storage/redis"
	"signage-core/internal/health"
	"signage-core/internal/httpservice"
	"signage-core/internal/pairing"
	"signage-core/internal/realtime"
	"signage-core/internal/security"
)

const (
	StorageTypeMemory = "memory"
	StorageTypeRedis  = "redis"

	MetricsTypeMemory     = "memory"
	MetricsTypePrometheus = "prometheus"

	// 生产环境必须替换的默认签名密钥
	insecureDefaultSecret = "change-me-signage-device-secret"
	minSecretLength       = 16
)

// ServerConfig 节点配置
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	ShutdownMessage string        `yaml:"shutdown_message"` // 广播给客户端的 server-shutdown 文案
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Type  string              `yaml:"type"` // memory / redis
	Redis redisstorage.Config `yaml:"redis"`
}

// MessageBrokerConfig 消息代理配置
type MessageBrokerConfig struct {
	Type  string                    `yaml:"type"` // memory / redis
	Redis *broker.RedisBrokerConfig `yaml:"redis"`
	// 为 redis 且未单独配置地址时复用存储层的 Redis 连接
	ShareStorageClient bool `yaml:"share_storage_client"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Type      string `yaml:"type"` // memory / prometheus
	Namespace string `yaml:"namespace"`
}

// PairingConfig 配对协议配置
type PairingConfig struct {
	Store  pairing.StoreConfig  `yaml:"store"`
	Tokens pairing.TokenConfig  `yaml:"tokens"`
	Engine pairing.EngineConfig `yaml:"engine"`
}

// BreakersConfig 熔断器配置，resources 按资源名覆盖默认值
type BreakersConfig struct {
	Defaults  breaker.Config            `yaml:"defaults"`
	Resources map[string]breaker.Config `yaml:"resources"`
}

// HealthConfig 健康检查配置
type HealthConfig struct {
	Thresholds   health.Thresholds `yaml:"thresholds"`
	ProbeTimeout time.Duration     `yaml:"probe_timeout"`
}

// Config 应用配置
type Config struct {
	Server        ServerConfig                  `yaml:"server"`
	Log           corelog.Config                `yaml:"log"`
	Storage       StorageConfig                 `yaml:"storage"`
	MessageBroker MessageBrokerConfig           `yaml:"message_broker"`
	Metrics       MetricsConfig                 `yaml:"metrics"`
	Pairing       PairingConfig                 `yaml:"pairing"`
	Admission     security.Config               `yaml:"admission"`
	Breakers      BreakersConfig                `yaml:"breakers"`
	Health        HealthConfig                  `yaml:"health"`
	HTTP          httpservice.HTTPServiceConfig `yaml:"http"`
	Realtime      realtime.HubConfig            `yaml:"realtime"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		corelog.Warnf("Config file %s not found, using defaults", configPath)
		config := GetDefaultConfig()
		// 即使没有配置文件也应用环境变量
		ApplyEnvOverrides(config)
		if err := ValidateConfig(config); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// 在默认配置上解析，未出现的字段保持默认值
	config := GetDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	// 环境变量优先级高于配置文件
	ApplyEnvOverrides(config)

	if config.Log.Output == corelog.OutputFile && config.Log.File != "" {
		logDir := filepath.Dir(config.Log.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %q: %w", logDir, err)
		}
	}

	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	corelog.Infof("Config loaded from %s", configPath)
	return config, nil
}

// ValidateConfig 验证配置并补齐缺省值
func ValidateConfig(config *Config) error {
	if err := validateStorageConfig(&config.Storage); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}
	if err := validateBrokerConfig(config); err != nil {
		return fmt.Errorf("invalid message_broker config: %w", err)
	}

	if config.Server.NodeID == "" {
		config.Server.NodeID = "node-001"
	}
	if config.Server.ShutdownMessage == "" {
		config.Server.ShutdownMessage = "Server is shutting down"
	}
	if config.Server.ShutdownTimeout <= 0 {
		config.Server.ShutdownTimeout = 10 * time.Second
	}

	switch config.Metrics.Type {
	case "":
		config.Metrics.Type = MetricsTypeMemory
	case MetricsTypeMemory, MetricsTypePrometheus:
	default:
		return fmt.Errorf("invalid metrics type: %s", config.Metrics.Type)
	}
	if config.Metrics.Namespace == "" {
		config.Metrics.Namespace = "signage"
	}

	// 签名密钥
	secret := config.Pairing.Tokens.Secret
	if secret == "" {
		return fmt.Errorf("pairing.tokens.secret is required")
	}
	if len(secret) < minSecretLength {
		return fmt.Errorf("pairing.tokens.secret must be at least %d characters", minSecretLength)
	}
	if secret == insecureDefaultSecret {
		corelog.Warnf("Config: using the default device token secret, set SIGNAGE_JWT_SECRET in production")
	}

	if config.Pairing.Store.CodeLength != 0 &&
		(config.Pairing.Store.CodeLength < pairing.MinCodeLength || config.Pairing.Store.CodeLength > pairing.MaxCodeLength) {
		return fmt.Errorf("pairing.store.code_length must be between %d and %d",
			pairing.MinCodeLength, pairing.MaxCodeLength)
	}
	if config.Pairing.Store.CodeTTL < 0 {
		return fmt.Errorf("pairing.store.code_ttl must not be negative")
	}

	if config.Admission.Geo.Enabled && !strings.Contains(config.Admission.Geo.LookupURL, "%s") {
		return fmt.Errorf("admission.geo.lookup_url must contain a %%s placeholder")
	}

	if config.HTTP.ListenAddr == "" {
		config.HTTP.ListenAddr = httpservice.DefaultHTTPServiceConfig().ListenAddr
	}
	auth := config.HTTP.Modules.PairingAPI.AdminAuth
	if auth.Type == "bearer" && auth.Secret == "" {
		return fmt.Errorf("http.modules.pairing_api.admin_auth.secret is required for bearer auth")
	}

	if config.Health.ProbeTimeout <= 0 {
		config.Health.ProbeTimeout = 2 * time.Second
	}
	return nil
}

// validateStorageConfig 验证存储配置
func validateStorageConfig(config *StorageConfig) error {
	switch config.Type {
	case "":
		config.Type = StorageTypeMemory
	case StorageTypeMemory:
	case StorageTypeRedis:
		if config.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when storage type is redis")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be %s or %s)",
			config.Type, StorageTypeMemory, StorageTypeRedis)
	}
	return nil
}

func validateBrokerConfig(config *Config) error {
	mb := &config.MessageBroker
	switch broker.BrokerType(mb.Type) {
	case "":
		mb.Type = string(broker.BrokerTypeMemory)
	case broker.BrokerTypeMemory:
	case broker.BrokerTypeRedis:
		hasAddrs := mb.Redis != nil && len(mb.Redis.Addrs) > 0
		canShare := mb.ShareStorageClient && config.Storage.Type == StorageTypeRedis
		if !hasAddrs && !canShare {
			return fmt.Errorf("redis.addrs is required unless share_storage_client is set with redis storage")
		}
	default:
		return fmt.Errorf("invalid broker type: %s", mb.Type)
	}
	return nil
}

// GetDefaultConfig 获取默认配置（单节点，内存存储）
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			NodeID:          "node-001",
			ShutdownMessage: "Server is shutting down",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: corelog.Config{
			Level:  "info",
			Format: corelog.FormatText,
			Output: corelog.OutputStdout,
		},
		Storage: StorageConfig{
			Type: StorageTypeMemory,
		},
		MessageBroker: MessageBrokerConfig{
			Type: string(broker.BrokerTypeMemory),
		},
		Metrics: MetricsConfig{
			Type:      MetricsTypeMemory,
			Namespace: "signage",
		},
		Pairing: PairingConfig{
			Store: pairing.DefaultStoreConfig(),
			Tokens: pairing.TokenConfig{
				Secret: insecureDefaultSecret,
			},
			Engine: pairing.EngineConfig{
				PairingURL:    "http://localhost:3000/pair",
				SweepInterval: pairing.DefaultSweepInterval,
			},
		},
		Admission: security.DefaultConfig(),
		Breakers: BreakersConfig{
			Defaults: breaker.DefaultConfig(),
		},
		Health: HealthConfig{
			Thresholds: health.Thresholds{
				ErrorCount:  health.DefaultErrorThreshold,
				MemoryRatio: health.DefaultMemoryThreshold,
			},
			ProbeTimeout: 2 * time.Second,
		},
		HTTP:     *httpservice.DefaultHTTPServiceConfig(),
		Realtime: realtime.DefaultHubConfig(),
	}
}
