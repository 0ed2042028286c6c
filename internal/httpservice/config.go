package httpservice

import "time"

// HTTPServiceConfig HTTP 服务配置
type HTTPServiceConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`

	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes int64         `yaml:"max_header_bytes"`
	MaxBodySize    int64         `yaml:"max_body_size"` // 请求体上限（字节），0 表示不限制

	// 模块配置
	Modules ModulesConfig `yaml:"modules"`

	// 通用配置
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ModulesConfig 模块配置
type ModulesConfig struct {
	PairingAPI PairingAPIModuleConfig `yaml:"pairing_api"`
}

// PairingAPIModuleConfig 配对旁路 API 模块配置
type PairingAPIModuleConfig struct {
	Enabled    bool       `yaml:"enabled"`
	ListActive bool       `yaml:"list_active"` // 是否开放 GET /pairing/active
	AdminAuth  AuthConfig `yaml:"admin_auth"`  // 管理类路由（列表、撤销）的认证
}

// AuthConfig 认证配置
type AuthConfig struct {
	Type   string `yaml:"type"`   // bearer / none
	Secret string `yaml:"secret"` // Bearer 令牌
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// RateLimitConfig 按来源 IP 的限流配置
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxClients        int           `yaml:"max_clients"` // 同时跟踪的 IP 数
	IdleTTL           time.Duration `yaml:"idle_ttl"`    // IP 空闲多久后释放限流器
}

// DefaultHTTPServiceConfig 返回默认配置
func DefaultHTTPServiceConfig() *HTTPServiceConfig {
	return &HTTPServiceConfig{
		Enabled:        true,
		ListenAddr:     "0.0.0.0:3001",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		MaxBodySize:    64 * 1024,
		Modules: ModulesConfig{
			PairingAPI: PairingAPIModuleConfig{
				Enabled:    true,
				ListActive: true,
				AdminAuth: AuthConfig{
					Type: "none",
				},
			},
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 10,
			Burst:             20,
			MaxClients:        10000,
			IdleTTL:           10 * time.Minute,
		},
	}
}
