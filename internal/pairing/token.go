package pairing

import (
	"fmt"
	"time"

	coreerrors "signage-core/internal/core/errors"
	"signage-core/internal/utils/timeutil"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultTokenIssuer   = "signage-core"
	DefaultTokenAudience = "signage-display"
	DefaultTokenTTL      = 365 * 24 * time.Hour
)

// TokenConfig 设备令牌配置
type TokenConfig struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	Audience string        `yaml:"audience"`
	TTL      time.Duration `yaml:"ttl"`
}

// DeviceClaims 设备令牌声明
// Subject 为设备ID，ControllerID 为完成配对的控制端
type DeviceClaims struct {
	ControllerID string `json:"ctl"`
	jwt.RegisteredClaims
}

// DeviceID 返回设备ID
func (c *DeviceClaims) DeviceID() string { return c.Subject }

// TokenIssuer 设备令牌签发与校验
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	clock    timeutil.Clock
}

// NewTokenIssuer 创建令牌签发器，secret 不能为空
func NewTokenIssuer(cfg TokenConfig, clock timeutil.Clock) (*TokenIssuer, error) {
	if cfg.Secret == "" {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "device token secret is required")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultTokenIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultTokenAudience
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTokenTTL
	}
	if clock == nil {
		clock = timeutil.Real()
	}
	return &TokenIssuer{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TTL,
		clock:    clock,
	}, nil
}

// Issue 为设备签发令牌
func (t *TokenIssuer) Issue(deviceID, controllerID string) (string, time.Time, error) {
	now := t.clock.Now()
	expiresAt := now.Add(t.ttl)

	claims := &DeviceClaims{
		ControllerID: controllerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   deviceID,
			Audience:  []string{t.audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign device token failed: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate 校验令牌，失败统一返回 UNAUTHORIZED
func (t *TokenIssuer) Validate(tokenString string) (*DeviceClaims, error) {
	if tokenString == "" {
		return nil, coreerrors.New(coreerrors.CodeUnauthorized, "device token is empty")
	}

	claims := &DeviceClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithIssuer(t.issuer),
		jwt.WithAudience(t.audience),
		jwt.WithTimeFunc(t.clock.Now),
	)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeUnauthorized, "invalid device token")
	}
	if !token.Valid || claims.Subject == "" {
		return nil, coreerrors.New(coreerrors.CodeUnauthorized, "invalid device token")
	}
	return claims, nil
}
