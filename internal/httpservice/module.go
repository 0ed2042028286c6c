// Package httpservice 提供统一的 HTTP 服务框架
// 支持模块化设计，各模块自注册路由，独立配置启用/禁用
package httpservice

import (
	"context"

	"github.com/gorilla/mux"

	"signage-core/internal/health"
	"signage-core/internal/pairing"
	"signage-core/internal/security"
)

// HTTPModule HTTP 服务模块接口
type HTTPModule interface {
	// Name 模块名称（用于日志和配置）
	Name() string

	// RegisterRoutes 注册路由到 router
	RegisterRoutes(router *mux.Router)

	// SetDependencies 注入依赖
	SetDependencies(deps *ModuleDependencies)

	// Start 启动模块（可选的后台任务）
	Start() error

	// Stop 停止模块
	Stop() error
}

// ModuleDependencies 模块依赖
type ModuleDependencies struct {
	// Pairing 配对协议引擎
	Pairing PairingAPI

	// Gate 事件准入（可选）
	Gate EventGate

	// HealthManager 健康检查管理器
	HealthManager *health.HealthManager
}

// PairingAPI HTTP 旁路使用的引擎操作
type PairingAPI interface {
	RequestCode(ctx context.Context, socketID string, req pairing.CreateRequest) (*pairing.PairingSession, error)
	PairingURL(code string) string
	Status(ctx context.Context, code string) (*pairing.StatusView, error)
	Complete(ctx context.Context, code, deviceID, controllerID string) (*pairing.PairResult, error)
	ActiveSessions(ctx context.Context) ([]*pairing.PairingSession, error)
	Revoke(ctx context.Context, code string) (*pairing.PairingSession, error)
}

// EventGate 对 HTTP 请求执行与 socket 事件相同的频率和负载检查
type EventGate interface {
	ValidateEvent(remote security.Remote) error
	ValidatePayload(remote security.Remote, payload interface{}) error
}
