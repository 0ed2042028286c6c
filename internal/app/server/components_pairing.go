package server

import (
	"context"
	"fmt"

	corelog "signage-core/internal/core/log"
	"signage-core/internal/pairing"
	"signage-core/internal/security"
)

// ============================================================================
// SecurityComponent - 准入控制组件
// ============================================================================

// SecurityComponent 连接与事件准入
type SecurityComponent struct {
	BaseComponent
}

func (c *SecurityComponent) Name() string {
	return "Security"
}

func (c *SecurityComponent) Initialize(ctx context.Context, deps *Dependencies) error {
	if deps.Storage == nil {
		return fmt.Errorf("storage is required")
	}

	cfg := deps.Config.Admission
	opts := security.GateOptions{
		Clock:    deps.Clock,
		BanStore: deps.Storage,
		Breakers: deps.Breakers,
		Metrics:  deps.Metrics,
	}
	if cfg.Geo.Enabled {
		opts.Geo = security.NewHTTPGeoLocator(cfg.Geo)
		corelog.Infof("Security: geo policy enabled, allowed countries=%v", cfg.Geo.AllowedCountries)
	}

	gate, err := security.NewGate(ctx, cfg, opts)
	if err != nil {
		return fmt.Errorf("failed to create admission gate: %w", err)
	}

	deps.Gate = gate
	deps.registerService(NewBaseService("AdmissionGate", closerFunc(gate.CloseWithError)))

	corelog.Infof("Security initialized: max %d connections/IP, %d events/min",
		cfg.MaxConnectionsPerIP, cfg.MaxEventsPerMinute)
	return nil
}

// ============================================================================
// PairingComponent - 配对协议组件
// ============================================================================

// PairingComponent 配对会话存储、设备令牌和协议引擎
type PairingComponent struct {
	BaseComponent
}

func (c *PairingComponent) Name() string {
	return "Pairing"
}

func (c *PairingComponent) Initialize(ctx context.Context, deps *Dependencies) error {
	if deps.Storage == nil {
		return fmt.Errorf("storage is required")
	}

	cfg := deps.Config.Pairing

	store, err := pairing.NewSessionStore(deps.Storage, cfg.Store, deps.Clock)
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}

	tokens, err := pairing.NewTokenIssuer(cfg.Tokens, deps.Clock)
	if err != nil {
		return fmt.Errorf("failed to create token issuer: %w", err)
	}

	engine, err := pairing.NewEngine(ctx, cfg.Engine, pairing.EngineOptions{
		Store:    store,
		Tokens:   tokens,
		Breakers: deps.Breakers,
		Broker:   deps.MessageBroker,
		Metrics:  deps.Metrics,
		Clock:    deps.Clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create pairing engine: %w", err)
	}

	deps.SessionStore = store
	deps.Tokens = tokens
	deps.Engine = engine
	deps.registerService(NewBaseService("PairingEngine", engine))

	corelog.Infof("Pairing initialized: code length=%d, ttl=%s, url=%s",
		cfg.Store.CodeLength, cfg.Store.CodeTTL, cfg.Engine.PairingURL)
	return nil
}
