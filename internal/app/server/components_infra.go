package server

import (
	"context"
	"fmt"

	"signage-core/internal/breaker"
	"signage-core/internal/broker"
	corelog "signage-core/internal/core/log"
	"signage-core/internal/core/metrics"
)

// ============================================================================
// StorageComponent - 存储组件
// ============================================================================

// StorageComponent 存储组件
type StorageComponent struct {
	BaseComponent
}

func (c *StorageComponent) Name() string {
	return "Storage"
}

func (c *StorageComponent) Initialize(ctx context.Context, deps *Dependencies) error {
	serverStorage, client, err := createStorage(ctx, &deps.Config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}

	deps.Storage = serverStorage
	deps.RedisClient = client
	deps.registerService(NewBaseService("Storage", serverStorage))

	corelog.Infof("Storage initialized: %s", describeStorage(&deps.Config.Storage))
	return nil
}

// ============================================================================
// MetricsComponent - 指标组件
// ============================================================================

// MetricsComponent 指标组件
type MetricsComponent struct {
	BaseComponent
}

func (c *MetricsComponent) Name() string {
	return "Metrics"
}

func (c *MetricsComponent) Initialize(ctx context.Context, deps *Dependencies) error {
	cfg := deps.Config.Metrics

	switch cfg.Type {
	case MetricsTypePrometheus:
		pm := metrics.NewPrometheusMetrics(ctx, cfg.Namespace)
		deps.Metrics = pm
		deps.MetricsHandler = pm.Handler()
	case MetricsTypeMemory, "":
		deps.Metrics = metrics.NewMemoryMetrics(ctx)
	default:
		return fmt.Errorf("unsupported metrics type: %s", cfg.Type)
	}

	deps.registerService(NewBaseService("Metrics", deps.Metrics))
	corelog.Infof("Metrics initialized: type=%s", cfg.Type)
	return nil
}

// ============================================================================
// MessageBrokerComponent - 消息代理组件
// ============================================================================

// MessageBrokerComponent 跨节点事件投递
type MessageBrokerComponent struct {
	BaseComponent
}

func (c *MessageBrokerComponent) Name() string {
	return "MessageBroker"
}

func (c *MessageBrokerComponent) Initialize(ctx context.Context, deps *Dependencies) error {
	cfg := deps.Config.MessageBroker

	brokerConfig := &broker.BrokerConfig{
		Type:   broker.BrokerType(cfg.Type),
		NodeID: deps.Config.Server.NodeID,
		Redis:  cfg.Redis,
	}
	if brokerConfig.Type == broker.BrokerTypeRedis && cfg.ShareStorageClient && deps.RedisClient != nil {
		brokerConfig.SharedClient = deps.RedisClient
		corelog.Infof("MessageBroker: sharing redis client with storage")
	}

	mb, err := broker.NewMessageBroker(ctx, brokerConfig)
	if err != nil {
		return fmt.Errorf("failed to create message broker: %w", err)
	}

	deps.MessageBroker = mb
	deps.registerService(NewBaseService("MessageBroker", mb))

	corelog.Infof("MessageBroker initialized: type=%s, node=%s", brokerConfig.Type, brokerConfig.NodeID)
	return nil
}

// ============================================================================
// BreakerComponent - 熔断器组件
// ============================================================================

// BreakerComponent 按资源名管理的熔断器
type BreakerComponent struct {
	BaseComponent
}

func (c *BreakerComponent) Name() string {
	return "Breakers"
}

func (c *BreakerComponent) Initialize(ctx context.Context, deps *Dependencies) error {
	cfg := deps.Config.Breakers
	deps.Breakers = breaker.NewRegistry(cfg.Defaults, cfg.Resources, deps.Metrics)

	corelog.Infof("Breakers initialized: %d resource overrides", len(cfg.Resources))
	return nil
}
