package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// BrokerType 消息代理类型
type BrokerType string

const (
	BrokerTypeMemory BrokerType = "memory"
	BrokerTypeRedis  BrokerType = "redis"
)

// BrokerConfig 消息代理配置
type BrokerConfig struct {
	Type   BrokerType `yaml:"type"`    // 类型：memory / redis
	NodeID string     `yaml:"node_id"` // 节点ID

	// Redis 配置；未提供时可通过 SharedClient 复用存储层的连接
	Redis *RedisBrokerConfig `yaml:"redis"`

	SharedClient redis.UniversalClient `yaml:"-"`
}

// NewMessageBroker 创建消息代理
func NewMessageBroker(ctx context.Context, config *BrokerConfig) (MessageBroker, error) {
	if config == nil {
		return nil, fmt.Errorf("broker config is required")
	}

	switch config.Type {
	case BrokerTypeMemory, "":
		return NewMemoryBroker(ctx, config.NodeID), nil

	case BrokerTypeRedis:
		if config.SharedClient != nil {
			return NewRedisBrokerWithClient(ctx, config.SharedClient, config.NodeID), nil
		}
		if config.Redis == nil {
			return nil, fmt.Errorf("redis config is required for redis broker")
		}
		return NewRedisBroker(ctx, config.Redis, config.NodeID)

	default:
		return nil, fmt.Errorf("unsupported broker type: %s", config.Type)
	}
}

// DefaultBrokerConfig 默认配置（单节点内存模式）
func DefaultBrokerConfig(nodeID string) *BrokerConfig {
	return &BrokerConfig{
		Type:   BrokerTypeMemory,
		NodeID: nodeID,
	}
}
