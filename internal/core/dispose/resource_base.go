package dispose

import (
	"context"

	corelog "signage-core/internal/core/log"
)

// ResourceBase 通用资源管理基类
type ResourceBase struct {
	Dispose
}

// NewResourceBase 创建新的资源基类并绑定父上下文
func NewResourceBase(name string, parentCtx context.Context) *ResourceBase {
	r := &ResourceBase{}
	r.name = name
	r.SetCtx(parentCtx, r.onClose)
	return r
}

func (r *ResourceBase) onClose() error {
	corelog.Debugf("%s: resources cleaned up", r.name)
	return nil
}

// GetName 获取资源名称
func (r *ResourceBase) GetName() string {
	return r.name
}

// ManagerBase 标准管理器基类（持有状态的组件）
type ManagerBase struct {
	*ResourceBase
}

// ServiceBase 标准服务基类（对外提供能力的组件）
type ServiceBase struct {
	*ResourceBase
}

// NewManager 创建标准管理器
func NewManager(name string, parentCtx context.Context) *ManagerBase {
	return &ManagerBase{ResourceBase: NewResourceBase(name, parentCtx)}
}

// NewService 创建标准服务
func NewService(name string, parentCtx context.Context) *ServiceBase {
	return &ServiceBase{ResourceBase: NewResourceBase(name, parentCtx)}
}
