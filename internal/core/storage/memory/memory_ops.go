package memory

import (
	"strconv"
	"time"

	"signage-core/internal/core/storage"
)

// SetExpiration 更新过期时间
func (m *Storage) SetExpiration(key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.liveLocked(key)
	if !ok {
		return storage.ErrKeyNotFound
	}
	item.expiration = m.expirationFor(ttl)
	return nil
}

// GetExpiration 获取剩余存活时间，永不过期返回 0
func (m *Storage) GetExpiration(key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.liveLocked(key)
	if !ok {
		return 0, storage.ErrKeyNotFound
	}
	if item.expiration.IsZero() {
		return 0, nil
	}
	return item.expiration.Sub(m.now()), nil
}

// SetHash 设置哈希字段
func (m *Storage) SetHash(key string, field string, value string) error {
	if m.IsClosed() {
		return storage.ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.liveLocked(key)
	if !ok || item.hash == nil {
		item = &storageItem{hash: make(map[string]string)}
		m.data[key] = item
	}
	item.hash[field] = value
	return nil
}

// GetHash 获取哈希字段
func (m *Storage) GetHash(key string, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.liveLocked(key)
	if !ok || item.hash == nil {
		return "", storage.ErrKeyNotFound
	}
	v, exists := item.hash[field]
	if !exists {
		return "", storage.ErrKeyNotFound
	}
	return v, nil
}

// GetAllHash 获取所有哈希字段，键不存在时返回空 map
func (m *Storage) GetAllHash(key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string]string)
	item, ok := m.liveLocked(key)
	if !ok || item.hash == nil {
		return result, nil
	}
	for k, v := range item.hash {
		result[k] = v
	}
	return result, nil
}

// DeleteHash 删除哈希字段
func (m *Storage) DeleteHash(key string, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.liveLocked(key); ok && item.hash != nil {
		delete(item.hash, field)
		if len(item.hash) == 0 {
			delete(m.data, key)
		}
	}
	return nil
}

// Incr 递增计数器
func (m *Storage) Incr(key string) (int64, error) {
	return m.IncrBy(key, 1)
}

// IncrBy 按指定值递增；新建计数器不过期，已有计数器保留其过期时间
func (m *Storage) IncrBy(key string, value int64) (int64, error) {
	if m.IsClosed() {
		return 0, storage.ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	item, ok := m.liveLocked(key)
	if ok {
		n, err := strconv.ParseInt(item.value, 10, 64)
		if err != nil {
			return 0, err
		}
		current = n
	} else {
		item = &storageItem{}
		m.data[key] = item
	}
	current += value
	item.value = strconv.FormatInt(current, 10)
	return current, nil
}

// SetNX 仅当键不存在时设置
func (m *Storage) SetNX(key string, value string, ttl time.Duration) (bool, error) {
	if m.IsClosed() {
		return false, storage.ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.liveLocked(key); ok {
		return false, nil
	}
	m.data[key] = &storageItem{value: value, expiration: m.expirationFor(ttl)}
	return true, nil
}

// CompareAndSwap 当前值等于 oldValue 时替换为 newValue
func (m *Storage) CompareAndSwap(key string, oldValue, newValue string, ttl time.Duration) (bool, error) {
	if m.IsClosed() {
		return false, storage.ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.liveLocked(key)
	if !ok || item.hash != nil || item.value != oldValue {
		return false, nil
	}
	item.value = newValue
	item.expiration = m.expirationFor(ttl)
	return true, nil
}
