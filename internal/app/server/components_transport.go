package server

import (
	"context"
	"fmt"

	corelog "signage-core/internal/core/log"
	"signage-core/internal/health"
	"signage-core/internal/httpservice"
	"signage-core/internal/httpservice/modules/pairingapi"
	"signage-core/internal/realtime"
	"signage-core/internal/version"
)

// ============================================================================
// HealthComponent - 健康检查组件
// ============================================================================

// HealthComponent 健康检查组件
type HealthComponent struct {
	BaseComponent
}

func (c *HealthComponent) Name() string {
	return "Health"
}

func (c *HealthComponent) Initialize(ctx context.Context, deps *Dependencies) error {
	cfg := deps.Config.Health

	hm := health.NewHealthManager(deps.Config.Server.NodeID, version.GetShortVersion(), ctx)
	hm.SetThresholds(cfg.Thresholds)
	if deps.Breakers != nil {
		hm.SetBreakerProvider(deps.Breakers)
	}

	checker := health.NewCompositeHealthChecker(cfg.ProbeTimeout)
	if deps.Storage != nil {
		checker.Register("storage", health.NewStorageAdapter(deps.Storage))
	}
	if deps.MessageBroker != nil {
		checker.Register("message_broker", deps.MessageBroker)
	}
	hm.SetComponentChecker(checker)

	deps.HealthManager = hm
	deps.registerService(NewBaseService("HealthManager", closerFunc(hm.CloseWithError)))

	corelog.Infof("Health initialized: node=%s", deps.Config.Server.NodeID)
	return nil
}

// ============================================================================
// RealtimeComponent - 实时通道组件
// ============================================================================

// RealtimeComponent WebSocket 实时通道
type RealtimeComponent struct {
	BaseComponent
}

func (c *RealtimeComponent) Name() string {
	return "Realtime"
}

func (c *RealtimeComponent) Initialize(ctx context.Context, deps *Dependencies) error {
	if deps.Engine == nil {
		return fmt.Errorf("pairing engine is required")
	}

	opts := realtime.HubOptions{
		Engine:  deps.Engine,
		Metrics: deps.Metrics,
	}
	if deps.Gate != nil {
		opts.Gate = deps.Gate
	}
	if deps.HealthManager != nil {
		opts.Readiness = deps.HealthManager
	}

	hub, err := realtime.NewHub(ctx, deps.Config.Realtime, opts)
	if err != nil {
		return fmt.Errorf("failed to create realtime hub: %w", err)
	}

	if deps.HealthManager != nil {
		deps.HealthManager.SetStatsProvider(hub)
	}

	deps.Hub = hub
	deps.registerService(NewBaseService("RealtimeHub", hub))

	corelog.Infof("Realtime initialized: path=%s", hub.Path())
	return nil
}

// ============================================================================
// HTTPComponent - HTTP 服务组件
// ============================================================================

// HTTPComponent 统一 HTTP 入口：实时通道、配对旁路、健康检查、指标
type HTTPComponent struct {
	BaseComponent
}

func (c *HTTPComponent) Name() string {
	return "HTTP"
}

func (c *HTTPComponent) Initialize(ctx context.Context, deps *Dependencies) error {
	cfg := &deps.Config.HTTP
	if !cfg.Enabled {
		return fmt.Errorf("http service must be enabled to serve the realtime channel")
	}

	moduleDeps := &httpservice.ModuleDependencies{
		HealthManager: deps.HealthManager,
	}
	if deps.Engine != nil {
		moduleDeps.Pairing = deps.Engine
	}
	if deps.Gate != nil {
		moduleDeps.Gate = deps.Gate
	}

	svc := httpservice.NewHTTPService(ctx, cfg, moduleDeps)

	if cfg.Modules.PairingAPI.Enabled {
		svc.RegisterModule(pairingapi.NewPairingAPIModule(&cfg.Modules.PairingAPI))
	}
	if deps.Hub != nil {
		svc.Mount(deps.Hub.Path(), deps.Hub)
	}
	if deps.MetricsHandler != nil {
		svc.SetMetricsHandler(deps.MetricsHandler)
	}

	deps.HTTPService = svc
	deps.registerService(NewHTTPServiceAdapter("HTTPService", svc))

	corelog.Infof("HTTP initialized: listen=%s", cfg.ListenAddr)
	return nil
}
