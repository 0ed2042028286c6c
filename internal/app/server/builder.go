package server

import (
	"context"
	"fmt"

	corelog "signage-core/internal/core/log"
	"signage-core/internal/utils/timeutil"
)

// ============================================================================
// ServerBuilder - 服务器构建器
// ============================================================================

// ServerBuilder 服务器构建器
// 使用 Builder 模式组装服务器，支持自定义组件组合
type ServerBuilder struct {
	config     *Config
	components []Component
	deps       *Dependencies
}

// NewServerBuilder 创建服务器构建器
func NewServerBuilder(config *Config) *ServerBuilder {
	return &ServerBuilder{
		config:     config,
		components: make([]Component, 0),
		deps:       &Dependencies{Config: config},
	}
}

// With 添加组件
func (b *ServerBuilder) With(c Component) *ServerBuilder {
	b.components = append(b.components, c)
	return b
}

// WithClock 替换时钟（测试中使用手动时钟）
func (b *ServerBuilder) WithClock(clock timeutil.Clock) *ServerBuilder {
	b.deps.Clock = clock
	return b
}

// WithDefaults 添加默认组件（按依赖顺序）
// 这是生产环境使用的标准组件组合
func (b *ServerBuilder) WithDefaults() *ServerBuilder {
	return b.
		With(&StorageComponent{}).
		With(&MetricsComponent{}).
		With(&MessageBrokerComponent{}).
		With(&BreakerComponent{}).
		With(&SecurityComponent{}).
		With(&PairingComponent{}).
		With(&HealthComponent{}).
		With(&RealtimeComponent{}).
		With(&HTTPComponent{})
}

// Build 构建服务器
// 按顺序初始化所有组件，任何组件失败都会返回错误，已创建的资源被释放
func (b *ServerBuilder) Build(parentCtx context.Context) (*Server, error) {
	// 初始化日志（在组件初始化之前）
	if err := corelog.Init(&b.config.Log); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if b.deps.Clock == nil {
		b.deps.Clock = timeutil.Real()
	}

	for _, c := range b.components {
		corelog.Debugf("Initializing component: %s", c.Name())

		if err := c.Initialize(parentCtx, b.deps); err != nil {
			stopServices(context.Background(), b.deps.services)
			return nil, NewComponentError(c.Name(), err)
		}

		corelog.Debugf("Component initialized: %s", c.Name())
	}

	return &Server{
		config:     b.config,
		deps:       b.deps,
		components: b.components,
		services:   b.deps.services,
	}, nil
}
