// Package redis 提供多节点部署使用的 Redis 存储
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"signage-core/internal/core/dispose"
	corelog "signage-core/internal/core/log"
	"signage-core/internal/core/storage"
)

const opTimeout = 5 * time.Second

// Config Redis配置
type Config struct {
	Addr     string `json:"addr" yaml:"addr"`           // Redis地址，如 "localhost:6379"
	Password string `json:"password" yaml:"password"`   // Redis密码
	DB       int    `json:"db" yaml:"db"`               // 数据库编号
	PoolSize int    `json:"pool_size" yaml:"pool_size"` // 连接池大小
}

// Storage Redis存储实现
type Storage struct {
	*dispose.ManagerBase
	client    redis.UniversalClient
	ownClient bool
}

var _ storage.FullStorage = (*Storage)(nil)

// New 创建新的Redis存储并验证连接
func New(parentCtx context.Context, cfg *Config) (*Storage, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(parentCtx, opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := newStorage(parentCtx, client, true)
	corelog.Infof("RedisStorage: connected to Redis at %s, DB: %d", cfg.Addr, cfg.DB)
	return s, nil
}

// NewWithClient 使用已有客户端创建存储，客户端由调用方关闭
func NewWithClient(parentCtx context.Context, client redis.UniversalClient) *Storage {
	return newStorage(parentCtx, client, false)
}

func newStorage(parentCtx context.Context, client redis.UniversalClient, own bool) *Storage {
	s := &Storage{
		ManagerBase: dispose.NewManager("RedisStorage", parentCtx),
		client:      client,
		ownClient:   own,
	}
	s.AddCleanHandler(s.onClose)
	return s
}

func (r *Storage) onClose() error {
	if r.ownClient && r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client 返回底层客户端（供消息代理复用连接）
func (r *Storage) Client() redis.UniversalClient {
	return r.client
}

// Close 关闭存储
func (r *Storage) Close() error {
	return r.CloseWithError()
}

func (r *Storage) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// Set 设置键值对
func (r *Storage) Set(key string, value string, ttl time.Duration) error {
	ctx, cancel := r.opCtx()
	defer cancel()
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		corelog.Errorf("RedisStorage.Set: failed to set key %s: %v", key, err)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Get 获取值
func (r *Storage) Get(key string) (string, error) {
	ctx, cancel := r.opCtx()
	defer cancel()
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", storage.ErrKeyNotFound
		}
		corelog.Errorf("RedisStorage.Get: failed to get key %s: %v", key, err)
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return val, nil
}

// Delete 删除键
func (r *Storage) Delete(key string) error {
	ctx, cancel := r.opCtx()
	defer cancel()
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Exists 检查键是否存在
func (r *Storage) Exists(key string) (bool, error) {
	ctx, cancel := r.opCtx()
	defer cancel()
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}
	return n > 0, nil
}

// Keys 使用 SCAN 按前缀枚举键
func (r *Storage) Keys(prefix string) ([]string, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	keys := make([]string, 0)
	iter := r.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan prefix %s: %w", prefix, err)
	}
	return keys, nil
}
