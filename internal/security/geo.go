package security

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"signage-core/internal/version"
)

const earthRadiusKm = 6371.0

// GeoLocation 地理位置查询结果
type GeoLocation struct {
	CountryCode string  `json:"country_code"`
	City        string  `json:"city"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// GeoLocator IP 地理位置查询接口
type GeoLocator interface {
	Locate(ctx context.Context, ip string) (*GeoLocation, error)
}

// HTTPGeoLocator 基于 HTTP 接口的地理位置查询
// 结果缓存在带过期的 LRU 中，同一 IP 的并发查询合并为一次请求
type HTTPGeoLocator struct {
	urlPattern string
	client     *http.Client
	cache      *expirable.LRU[string, *GeoLocation]
	sf         singleflight.Group
}

// NewHTTPGeoLocator 创建地理位置查询器
func NewHTTPGeoLocator(cfg GeoConfig) *HTTPGeoLocator {
	d := DefaultGeoConfig()
	if cfg.LookupURL == "" {
		cfg.LookupURL = d.LookupURL
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = d.LookupTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = d.CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = d.CacheTTL
	}
	return &HTTPGeoLocator{
		urlPattern: cfg.LookupURL,
		client:     &http.Client{Timeout: cfg.LookupTimeout},
		cache:      expirable.NewLRU[string, *GeoLocation](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// Locate 查询 IP 所在位置
func (g *HTTPGeoLocator) Locate(ctx context.Context, ip string) (*GeoLocation, error) {
	if loc, ok := g.cache.Get(ip); ok {
		return loc, nil
	}

	v, err, _ := g.sf.Do(ip, func() (interface{}, error) {
		loc, err := g.query(ctx, ip)
		if err != nil {
			return nil, err
		}
		g.cache.Add(ip, loc)
		return loc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*GeoLocation), nil
}

func (g *HTTPGeoLocator) query(ctx context.Context, ip string) (*GeoLocation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(g.urlPattern, ip), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent("server"))

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo lookup %s: %w", ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo lookup %s: unexpected status %d", ip, resp.StatusCode)
	}

	var loc GeoLocation
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return nil, fmt.Errorf("geo lookup %s: decode: %w", ip, err)
	}
	if loc.CountryCode == "" {
		return nil, fmt.Errorf("geo lookup %s: empty country", ip)
	}
	return &loc, nil
}

// HaversineKm 计算两点间大圆距离（公里）
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// isPrivateIP 判断是否是内网或回环地址
func isPrivateIP(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
