package server

import (
	"context"
	"fmt"

	corelog "signage-core/internal/core/log"
	"signage-core/internal/httpservice"
)

// ============================================================================
// 通用服务适配器
// ============================================================================

// Closeable 定义可关闭的资源接口
type Closeable interface {
	Close() error
}

// closerFunc 将关闭函数适配为 Closeable（用于只暴露 CloseWithError 的组件）
type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

// BaseService 通用服务适配器
// 用于包装各种资源（Storage, Broker, Engine, Hub 等）为统一的服务接口
type BaseService struct {
	name      string
	closeable Closeable                       // 可选：需要关闭的资源
	onStart   func(ctx context.Context) error // 可选：自定义启动逻辑
	onStop    func(ctx context.Context) error // 可选：自定义停止逻辑
}

// NewBaseService 创建通用服务
// name: 服务名称
// closeable: 可关闭的资源（可为 nil）
func NewBaseService(name string, closeable Closeable) *BaseService {
	return &BaseService{
		name:      name,
		closeable: closeable,
	}
}

// WithOnStart 设置自定义启动逻辑（链式调用）
func (s *BaseService) WithOnStart(fn func(ctx context.Context) error) *BaseService {
	s.onStart = fn
	return s
}

// WithOnStop 设置自定义停止逻辑（链式调用）
func (s *BaseService) WithOnStop(fn func(ctx context.Context) error) *BaseService {
	s.onStop = fn
	return s
}

func (s *BaseService) Name() string {
	return s.name
}

func (s *BaseService) Start(ctx context.Context) error {
	if s.onStart != nil {
		return s.onStart(ctx)
	}

	corelog.Debugf("Starting service: %s", s.name)
	return nil
}

func (s *BaseService) Stop(ctx context.Context) error {
	corelog.Infof("Stopping service: %s", s.name)

	if s.onStop != nil {
		if err := s.onStop(ctx); err != nil {
			return err
		}
	}

	if s.closeable != nil {
		if err := s.closeable.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", s.name, err)
		}
	}

	return nil
}

// ============================================================================
// 便捷构造函数
// ============================================================================

// NewHTTPServiceAdapter 创建 HTTP 服务（监听在 Start 时建立）
func NewHTTPServiceAdapter(name string, svc *httpservice.HTTPService) *BaseService {
	return NewBaseService(name, closerFunc(svc.Stop)).WithOnStart(func(ctx context.Context) error {
		return svc.Start()
	})
}
