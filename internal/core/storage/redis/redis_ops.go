package redis

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"signage-core/internal/core/storage"
)

// casScript 当前值等于 ARGV[1] 时写入 ARGV[2]，ARGV[3] 为毫秒 TTL（0 表示不过期）
var casScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false or current ~= ARGV[1] then
	return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ttl)
else
	redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

// SetExpiration 更新过期时间
func (r *Storage) SetExpiration(key string, ttl time.Duration) error {
	ctx, cancel := r.opCtx()
	defer cancel()

	var (
		ok  bool
		err error
	)
	if ttl <= 0 {
		ok, err = r.client.Persist(ctx, key).Result()
		if err == nil && !ok {
			// PERSIST 对无 TTL 的键也返回 0，需要再确认键是否存在
			var n int64
			n, err = r.client.Exists(ctx, key).Result()
			ok = n > 0
		}
	} else {
		ok, err = r.client.PExpire(ctx, key, ttl).Result()
	}
	if err != nil {
		return fmt.Errorf("failed to set expiration for %s: %w", key, err)
	}
	if !ok {
		return storage.ErrKeyNotFound
	}
	return nil
}

// GetExpiration 获取剩余存活时间，永不过期返回 0
func (r *Storage) GetExpiration(key string) (time.Duration, error) {
	ctx, cancel := r.opCtx()
	defer cancel()
	ttl, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get ttl for %s: %w", key, err)
	}
	// go-redis 以 -2 / -1 原样返回键不存在 / 无过期
	switch {
	case ttl == -2:
		return 0, storage.ErrKeyNotFound
	case ttl < 0:
		return 0, nil
	}
	return ttl, nil
}

// SetHash 设置哈希字段
func (r *Storage) SetHash(key string, field string, value string) error {
	ctx, cancel := r.opCtx()
	defer cancel()
	if err := r.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("failed to set hash %s:%s: %w", key, field, err)
	}
	return nil
}

// GetHash 获取哈希字段
func (r *Storage) GetHash(key string, field string) (string, error) {
	ctx, cancel := r.opCtx()
	defer cancel()
	val, err := r.client.HGet(ctx, key, field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", storage.ErrKeyNotFound
		}
		return "", fmt.Errorf("failed to get hash %s:%s: %w", key, field, err)
	}
	return val, nil
}

// GetAllHash 获取所有哈希字段
func (r *Storage) GetAllHash(key string) (map[string]string, error) {
	ctx, cancel := r.opCtx()
	defer cancel()
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get hash %s: %w", key, err)
	}
	return m, nil
}

// DeleteHash 删除哈希字段
func (r *Storage) DeleteHash(key string, field string) error {
	ctx, cancel := r.opCtx()
	defer cancel()
	if err := r.client.HDel(ctx, key, field).Err(); err != nil {
		return fmt.Errorf("failed to delete hash %s:%s: %w", key, field, err)
	}
	return nil
}

// Incr 递增计数器
func (r *Storage) Incr(key string) (int64, error) {
	return r.IncrBy(key, 1)
}

// IncrBy 按指定值递增
func (r *Storage) IncrBy(key string, value int64) (int64, error) {
	ctx, cancel := r.opCtx()
	defer cancel()
	n, err := r.client.IncrBy(ctx, key, value).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to incr %s: %w", key, err)
	}
	return n, nil
}

// SetNX 仅当键不存在时设置
func (r *Storage) SetNX(key string, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.opCtx()
	defer cancel()
	if ttl < 0 {
		ttl = 0
	}
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx %s: %w", key, err)
	}
	return ok, nil
}

// CompareAndSwap 使用 Lua 脚本原子比较并交换
func (r *Storage) CompareAndSwap(key string, oldValue, newValue string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.opCtx()
	defer cancel()
	if ttl < 0 {
		ttl = 0
	}
	n, err := casScript.Run(ctx, r.client, []string{key}, oldValue, newValue, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to cas %s: %w", key, err)
	}
	return n == 1, nil
}
