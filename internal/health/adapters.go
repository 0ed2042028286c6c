package health

import (
	"context"
	"fmt"

	"signage-core/internal/core/storage"
)

const probeKey = "signage:health:check"

// StorageAdapter 将 Storage 适配为 Pinger
type StorageAdapter struct {
	storage storage.Storage
}

// NewStorageAdapter 创建存储适配器
func NewStorageAdapter(s storage.Storage) *StorageAdapter {
	return &StorageAdapter{storage: s}
}

// Ping 用一次 Exists 调用检查存储是否可用
func (a *StorageAdapter) Ping(ctx context.Context) error {
	if a.storage == nil {
		return fmt.Errorf("storage is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.storage.Exists(probeKey)
	return err
}
