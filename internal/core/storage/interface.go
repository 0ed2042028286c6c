// Package storage 定义配对会话、封禁列表与计数器共用的键值存储接口
//
// 所有值以字符串保存（结构体由调用方 JSON 编码），
// 使内存实现与 Redis 实现在 CompareAndSwap 比较语义上保持一致。
package storage

import (
	"errors"
	"time"
)

// 存储相关错误
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrClosed      = errors.New("storage closed")
)

// ============================================================================
// 核心接口（所有存储必须实现）
// ============================================================================

// Storage 核心存储接口
type Storage interface {
	// ttl <= 0 表示永不过期
	Set(key string, value string, ttl time.Duration) error
	Get(key string) (string, error)
	Delete(key string) error
	Exists(key string) (bool, error)

	SetExpiration(key string, ttl time.Duration) error
	GetExpiration(key string) (time.Duration, error)

	// Keys 按前缀枚举键（用于后台清扫）
	Keys(prefix string) ([]string, error)

	Close() error
}

// ============================================================================
// 扩展接口
// ============================================================================

// HashStore 哈希操作扩展接口
type HashStore interface {
	SetHash(key string, field string, value string) error
	GetHash(key string, field string) (string, error)
	GetAllHash(key string) (map[string]string, error)
	DeleteHash(key string, field string) error
}

// CounterStore 计数器操作扩展接口
type CounterStore interface {
	Incr(key string) (int64, error)
	IncrBy(key string, value int64) (int64, error)
}

// CASStore 原子操作扩展接口
type CASStore interface {
	SetNX(key string, value string, ttl time.Duration) (bool, error)
	CompareAndSwap(key string, oldValue, newValue string, ttl time.Duration) (bool, error)
}

// FullStorage 完整存储接口，内存与 Redis 实现均满足
type FullStorage interface {
	Storage
	HashStore
	CounterStore
	CASStore
}
