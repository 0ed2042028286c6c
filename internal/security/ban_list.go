package security

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	corelog "signage-core/internal/core/log"
	"signage-core/internal/core/storage"
	"signage-core/internal/utils/timeutil"
)

const banListKey = "signage:security:banned"

// BanRecord 封禁记录
type BanRecord struct {
	IP        string    `json:"ip"`                   // IP地址或CIDR网段
	AddedAt   time.Time `json:"added_at"`             // 添加时间
	ExpiresAt time.Time `json:"expires_at,omitempty"` // 过期时间（零值表示永久）
	Reason    string    `json:"reason"`
}

// BanList IP封禁列表
//
// 职责：
//   - 精确 IP 与 CIDR 网段匹配
//   - 通过 HashStore 持久化（多节点共享 redis 时共用同一份列表）
//   - 过期条目由 Gate 的周期清理移除
type BanList struct {
	store storage.HashStore
	clock timeutil.Clock

	entries map[string]*BanRecord
	mu      sync.RWMutex
}

// NewBanList 创建封禁列表并加载持久化数据；store 可为 nil
func NewBanList(store storage.HashStore, clock timeutil.Clock) *BanList {
	if clock == nil {
		clock = timeutil.Real()
	}
	b := &BanList{
		store:   store,
		clock:   clock,
		entries: make(map[string]*BanRecord),
	}
	if err := b.load(); err != nil {
		corelog.Warnf("BanList: failed to load from storage: %v", err)
	}
	return b
}

// Ban 封禁 IP 或 CIDR；duration <= 0 表示永久
func (b *BanList) Ban(ip string, duration time.Duration, reason string) error {
	if err := validateIPOrCIDR(ip); err != nil {
		return err
	}

	now := b.clock.Now()
	record := &BanRecord{IP: ip, AddedAt: now, Reason: reason}
	if duration > 0 {
		record.ExpiresAt = now.Add(duration)
	}

	b.mu.Lock()
	b.entries[ip] = record
	b.mu.Unlock()

	b.persist(record)
	if duration > 0 {
		corelog.Infof("BanList: banned %s until %s (reason: %s)", ip, record.ExpiresAt.Format(time.RFC3339), reason)
	} else {
		corelog.Warnf("BanList: PERMANENTLY banned %s (reason: %s)", ip, reason)
	}
	return nil
}

// Unban 解除封禁
func (b *BanList) Unban(ip string) {
	b.mu.Lock()
	_, exists := b.entries[ip]
	delete(b.entries, ip)
	b.mu.Unlock()

	if !exists {
		return
	}
	if b.store != nil {
		if err := b.store.DeleteHash(banListKey, ip); err != nil {
			corelog.Warnf("BanList: failed to remove %s from storage: %v", ip, err)
		}
	}
	corelog.Infof("BanList: unbanned %s", ip)
}

// IsBanned 检查 IP 是否被封禁（过期条目视为未封禁）
func (b *BanList) IsBanned(ip string) (bool, string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	record := b.findLocked(ip)
	if record == nil {
		return false, ""
	}
	if !record.ExpiresAt.IsZero() && !b.clock.Now().Before(record.ExpiresAt) {
		return false, ""
	}
	return true, record.Reason
}

// List 返回当前封禁记录副本
func (b *BanList) List() []BanRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]BanRecord, 0, len(b.entries))
	for _, r := range b.entries {
		out = append(out, *r)
	}
	return out
}

// Len 返回封禁条目数
func (b *BanList) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// RemoveExpired 移除过期条目，返回移除数量
func (b *BanList) RemoveExpired() int {
	now := b.clock.Now()

	b.mu.Lock()
	expired := make([]string, 0)
	for ip, record := range b.entries {
		if !record.ExpiresAt.IsZero() && !now.Before(record.ExpiresAt) {
			delete(b.entries, ip)
			expired = append(expired, ip)
		}
	}
	b.mu.Unlock()

	for _, ip := range expired {
		if b.store != nil {
			if err := b.store.DeleteHash(banListKey, ip); err != nil {
				corelog.Warnf("BanList: failed to remove expired %s from storage: %v", ip, err)
			}
		}
		corelog.Debugf("BanList: removed expired entry %s", ip)
	}
	return len(expired)
}

// findLocked 精确匹配优先，其次 CIDR 网段
func (b *BanList) findLocked(ip string) *BanRecord {
	if record, ok := b.entries[ip]; ok {
		return record
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil
	}
	for cidr, record := range b.entries {
		if !strings.Contains(cidr, "/") {
			continue
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if ipNet.Contains(parsed) {
			return record
		}
	}
	return nil
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 持久化
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func (b *BanList) persist(record *BanRecord) {
	if b.store == nil {
		return
	}
	data, err := json.Marshal(record)
	if err != nil {
		corelog.Warnf("BanList: failed to marshal %s: %v", record.IP, err)
		return
	}
	if err := b.store.SetHash(banListKey, record.IP, string(data)); err != nil {
		corelog.Warnf("BanList: failed to save %s to storage: %v", record.IP, err)
	}
}

func (b *BanList) load() error {
	if b.store == nil {
		return nil
	}
	all, err := b.store.GetAllHash(banListKey)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ip, raw := range all {
		var record BanRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			corelog.Warnf("BanList: skipping corrupt entry %s: %v", ip, err)
			continue
		}
		b.entries[ip] = &record
	}
	if len(all) > 0 {
		corelog.Infof("BanList: loaded %d entries from storage", len(b.entries))
	}
	return nil
}

// validateIPOrCIDR 验证IP或CIDR格式
func validateIPOrCIDR(s string) error {
	if strings.Contains(s, "/") {
		if _, _, err := net.ParseCIDR(s); err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", s, err)
		}
		return nil
	}
	if net.ParseIP(s) == nil {
		return fmt.Errorf("invalid IP %q", s)
	}
	return nil
}
