// Package memory 提供单节点部署使用的内存存储
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"signage-core/internal/core/dispose"
	corelog "signage-core/internal/core/log"
	"signage-core/internal/core/storage"
)

// storageItem 存储项
type storageItem struct {
	value      string
	hash       map[string]string
	expiration time.Time // 零值表示永不过期
}

// Storage 内存存储实现
type Storage struct {
	*dispose.ManagerBase
	data map[string]*storageItem
	mu   sync.RWMutex
	now  func() time.Time

	cleanupOnce sync.Once
}

var _ storage.FullStorage = (*Storage)(nil)

// New 创建内存存储
func New(parentCtx context.Context) *Storage {
	m := &Storage{
		ManagerBase: dispose.NewManager("MemoryStorage", parentCtx),
		data:        make(map[string]*storageItem),
		now:         time.Now,
	}
	m.AddCleanHandler(m.onClose)
	return m
}

// SetNowFunc 替换时间源（测试使用）
func (m *Storage) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Storage) onClose() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]*storageItem)
	return nil
}

func (m *Storage) expiredLocked(item *storageItem) bool {
	return !item.expiration.IsZero() && !m.now().Before(item.expiration)
}

func (m *Storage) expirationFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// liveLocked 返回未过期的项，过期项顺带删除（需持有写锁）
func (m *Storage) liveLocked(key string) (*storageItem, bool) {
	item, ok := m.data[key]
	if !ok {
		return nil, false
	}
	if m.expiredLocked(item) {
		delete(m.data, key)
		return nil, false
	}
	return item, true
}

// Set 设置键值对
func (m *Storage) Set(key string, value string, ttl time.Duration) error {
	if m.IsClosed() {
		return storage.ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = &storageItem{value: value, expiration: m.expirationFor(ttl)}
	return nil
}

// Get 获取值
func (m *Storage) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.liveLocked(key)
	if !ok || item.hash != nil {
		return "", storage.ErrKeyNotFound
	}
	return item.value, nil
}

// Delete 删除键
func (m *Storage) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Exists 检查键是否存在
func (m *Storage) Exists(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.liveLocked(key)
	return ok, nil
}

// Keys 按前缀枚举未过期的键
func (m *Storage) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0)
	for k, item := range m.data {
		if strings.HasPrefix(k, prefix) && !m.expiredLocked(item) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close 关闭存储
func (m *Storage) Close() error {
	return m.CloseWithError()
}

// StartCleanup 启动过期键清理（每个实例只启动一次）
func (m *Storage) StartCleanup(interval time.Duration) {
	m.cleanupOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-m.Ctx().Done():
					return
				case <-ticker.C:
					if n := m.CleanupExpired(); n > 0 {
						corelog.Debugf("MemoryStorage: cleaned up %d expired keys", n)
					}
				}
			}
		}()
	})
}

// CleanupExpired 删除所有过期键，返回删除数量
func (m *Storage) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, item := range m.data {
		if m.expiredLocked(item) {
			delete(m.data, k)
			removed++
		}
	}
	return removed
}
