package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"

	"signage-core/internal/breaker"
	"signage-core/internal/broker"
	"signage-core/internal/core/metrics"
	"signage-core/internal/core/storage"
	"signage-core/internal/health"
	"signage-core/internal/httpservice"
	"signage-core/internal/pairing"
	"signage-core/internal/realtime"
	"signage-core/internal/security"
	"signage-core/internal/utils/timeutil"
)

// ============================================================================
// 组件接口定义
// ============================================================================

// Component 服务器组件接口
// 每个组件负责自己的初始化、启动和停止逻辑
type Component interface {
	// Name 返回组件名称（用于日志和错误信息）
	Name() string

	// Initialize 初始化组件，注入依赖
	// 返回 error 表示初始化失败，服务器应该停止启动
	Initialize(ctx context.Context, deps *Dependencies) error

	// Start 启动组件（可选，大部分组件不需要）
	Start() error

	// Stop 停止组件（可选，大部分组件不需要）
	Stop() error
}

// Dependencies 依赖容器
// 组件初始化时从这里获取依赖，初始化完成后将自己的产出注入回来
type Dependencies struct {
	// 配置
	Config *Config

	// 时钟（测试中可替换）
	Clock timeutil.Clock

	// 基础设施层
	Storage     storage.FullStorage
	RedisClient redis.UniversalClient // 仅 redis 存储时非空
	Metrics     metrics.Metrics
	// /metrics 处理器，仅 prometheus 指标时非空
	MetricsHandler http.Handler

	// 消息
	MessageBroker broker.MessageBroker

	// 弹性与安全
	Breakers *breaker.Registry
	Gate     *security.Gate

	// 配对协议
	SessionStore *pairing.SessionStore
	Tokens       *pairing.TokenIssuer
	Engine       *pairing.Engine

	// 实时通道与 HTTP
	Hub           *realtime.Hub
	HealthManager *health.HealthManager
	HTTPService   *httpservice.HTTPService

	// 关闭顺序：后注册的先关闭
	services []*BaseService
}

// registerService 登记需要在关闭时释放的资源
func (d *Dependencies) registerService(s *BaseService) {
	d.services = append(d.services, s)
}

// ============================================================================
// 基础组件实现
// ============================================================================

// BaseComponent 组件基类，提供默认的 Start/Stop 实现
type BaseComponent struct{}

func (BaseComponent) Start() error {
	return nil
}

func (BaseComponent) Stop() error {
	return nil
}

// ============================================================================
// 组件初始化错误
// ============================================================================

// ComponentError 组件初始化错误
type ComponentError struct {
	ComponentName string
	Err           error
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("component %s initialization failed: %v", e.ComponentName, e.Err)
}

func (e *ComponentError) Unwrap() error {
	return e.Err
}

// NewComponentError 创建组件错误
func NewComponentError(name string, err error) *ComponentError {
	return &ComponentError{
		ComponentName: name,
		Err:           err,
	}
}
