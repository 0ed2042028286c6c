package security

import "time"

// Config 准入控制配置
type Config struct {
	MaxConnectionsPerIP int           `yaml:"max_connections_per_ip"`
	MaxEventsPerMinute  int           `yaml:"max_events_per_minute"`
	MaxPayloadSize      int           `yaml:"max_payload_size"`
	SuspiciousPatterns  []string      `yaml:"suspicious_patterns"`
	AutoBanThreshold    int           `yaml:"auto_ban_threshold"` // 单个窗口内事件超限次数，0 表示不自动封禁
	AutoBanDuration     time.Duration `yaml:"auto_ban_duration"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	Geo                 GeoConfig     `yaml:"geo"`
}

// GeoConfig 地理位置策略配置
type GeoConfig struct {
	Enabled          bool          `yaml:"enabled"`
	AllowedCountries []string      `yaml:"allowed_countries"`
	ReferenceLat     float64       `yaml:"reference_lat"`
	ReferenceLon     float64       `yaml:"reference_lon"`
	MaxDistanceKm    float64       `yaml:"max_distance_km"`
	LookupURL        string        `yaml:"lookup_url"` // 含一个 %s 占位符
	LookupTimeout    time.Duration `yaml:"lookup_timeout"`
	CacheSize        int           `yaml:"cache_size"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

// DefaultSuspiciousPatterns 默认可疑内容特征（脚本注入）
var DefaultSuspiciousPatterns = []string{
	`(?i)<script`,
	`(?i)javascript:`,
	`(?i)data:text/html`,
	`(?i)vbscript:`,
	`(?i)onload\s*=`,
	`(?i)onerror\s*=`,
}

// DefaultConfig 默认准入控制配置
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerIP: 5,
		MaxEventsPerMinute:  60,
		MaxPayloadSize:      10 * 1024 * 1024,
		SuspiciousPatterns:  append([]string(nil), DefaultSuspiciousPatterns...),
		AutoBanThreshold:    0,
		AutoBanDuration:     15 * time.Minute,
		SweepInterval:       time.Minute,
		Geo:                 DefaultGeoConfig(),
	}
}

// DefaultGeoConfig 默认地理位置策略（默认关闭）
func DefaultGeoConfig() GeoConfig {
	return GeoConfig{
		Enabled:          false,
		AllowedCountries: []string{"US", "CA", "GB", "DE", "FR", "JP"},
		ReferenceLat:     37.7749,
		ReferenceLon:     -122.4194,
		MaxDistanceKm:    5000,
		LookupURL:        "https://ipapi.co/%s/json/",
		LookupTimeout:    3 * time.Second,
		CacheSize:        1000,
		CacheTTL:         time.Hour,
	}
}
