package server

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"signage-core/internal/core/storage"
	"signage-core/internal/core/storage/memory"
	redisstorage "signage-core/internal/core/storage/redis"
)

// createStorage 根据配置创建存储
// redis 存储同时返回底层客户端，供消息代理复用连接
func createStorage(ctx context.Context, config *StorageConfig) (storage.FullStorage, redis.UniversalClient, error) {
	switch config.Type {
	case StorageTypeMemory, "":
		return memory.New(ctx), nil, nil

	case StorageTypeRedis:
		redisConfig := config.Redis
		s, err := redisstorage.New(ctx, &redisConfig)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Client(), nil

	default:
		return nil, nil, fmt.Errorf("unsupported storage type: %s", config.Type)
	}
}

// describeStorage 存储的可读描述（日志和横幅使用）
func describeStorage(config *StorageConfig) string {
	if config.Type == StorageTypeRedis {
		return fmt.Sprintf("Redis (%s, db=%d)", config.Redis.Addr, config.Redis.DB)
	}
	return "Memory"
}
