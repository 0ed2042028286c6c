package server

import (
	"os"
	"strconv"
	"strings"

	"signage-core/internal/broker"
	corelog "signage-core/internal/core/log"
)

// ApplyEnvOverrides 应用环境变量覆盖配置
// 环境变量优先级高于配置文件
func ApplyEnvOverrides(config *Config) {
	// HTTP / 实时通道监听地址
	if v := os.Getenv("SIGNAGE_LISTEN_ADDR"); v != "" {
		config.HTTP.ListenAddr = v
	}

	// 设备令牌签名密钥
	if v := os.Getenv("SIGNAGE_JWT_SECRET"); v != "" {
		config.Pairing.Tokens.Secret = v
	}

	// Web 端配对地址
	if v := os.Getenv("WEB_URL"); v != "" {
		config.Pairing.Engine.PairingURL = strings.TrimRight(v, "/") + "/pair"
	}

	// Storage配置
	if v := os.Getenv("STORAGE_TYPE"); v != "" {
		config.Storage.Type = v
	}
	if v := os.Getenv("STORAGE_REDIS_ADDR"); v != "" {
		config.Storage.Redis.Addr = v
	}
	if v := os.Getenv("STORAGE_REDIS_PASSWORD"); v != "" {
		config.Storage.Redis.Password = v
	}
	if v := os.Getenv("STORAGE_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			config.Storage.Redis.DB = db
		}
	}

	// MessageBroker配置
	if v := os.Getenv("MESSAGE_BROKER_TYPE"); v != "" {
		config.MessageBroker.Type = v
	}
	if v := os.Getenv("MESSAGE_BROKER_REDIS_ADDR"); v != "" {
		if config.MessageBroker.Redis == nil {
			config.MessageBroker.Redis = &broker.RedisBrokerConfig{}
		}
		config.MessageBroker.Redis.Addrs = splitList(v)
	}
	if v := os.Getenv("MESSAGE_BROKER_REDIS_PASSWORD"); v != "" {
		if config.MessageBroker.Redis == nil {
			config.MessageBroker.Redis = &broker.RedisBrokerConfig{}
		}
		config.MessageBroker.Redis.Password = v
	}

	// NODE_ID
	if v := os.Getenv("NODE_ID"); v != "" {
		config.Server.NodeID = v
	}

	// Metrics 配置
	if v := os.Getenv("METRICS_TYPE"); v != "" {
		config.Metrics.Type = v
	}

	// Log配置
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		config.Log.Format = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		config.Log.Output = corelog.OutputFile
		config.Log.File = v
	}

	// 地理位置策略
	if v := os.Getenv("GEO_ENABLED"); v != "" {
		config.Admission.Geo.Enabled = parseBool(v)
	}
	if v := os.Getenv("GEO_ALLOWED_COUNTRIES"); v != "" {
		config.Admission.Geo.AllowedCountries = splitList(v)
	}

	// 管理路由认证
	if v := os.Getenv("SIGNAGE_ADMIN_TOKEN"); v != "" {
		config.HTTP.Modules.PairingAPI.AdminAuth.Type = "bearer"
		config.HTTP.Modules.PairingAPI.AdminAuth.Secret = v
	}
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

// splitList 解析逗号分隔的列表
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
