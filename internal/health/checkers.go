package health

import (
	"context"
	"sort"
	"time"
)

// ComponentStatus 组件状态
type ComponentStatus string

const (
	ComponentStatusHealthy   ComponentStatus = "healthy"
	ComponentStatusUnhealthy ComponentStatus = "unhealthy" // 不可用
)

// ComponentHealth 组件健康信息
type ComponentHealth struct {
	Name      string          `json:"name"`
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LastCheck time.Time       `json:"last_check"`
}

// Pinger 可探活的依赖（存储、消息代理）
type Pinger interface {
	Ping(ctx context.Context) error
}

// CompositeHealthChecker 组合健康检查器
// 依次探测注册的依赖，每个依赖单独超时
type CompositeHealthChecker struct {
	checkers map[string]Pinger
	timeout  time.Duration
}

// NewCompositeHealthChecker 创建组合健康检查器
func NewCompositeHealthChecker(timeout time.Duration) *CompositeHealthChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &CompositeHealthChecker{
		checkers: make(map[string]Pinger),
		timeout:  timeout,
	}
}

// Register 注册依赖；p 为空时该组件始终报告未配置
func (c *CompositeHealthChecker) Register(name string, p Pinger) {
	c.checkers[name] = p
}

// CheckAll 检查所有注册的组件，按名称排序返回
func (c *CompositeHealthChecker) CheckAll(ctx context.Context) []*ComponentHealth {
	names := make([]string, 0, len(c.checkers))
	for name := range c.checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]*ComponentHealth, 0, len(names))
	for _, name := range names {
		results = append(results, c.check(ctx, name, c.checkers[name]))
	}
	return results
}

func (c *CompositeHealthChecker) check(ctx context.Context, name string, p Pinger) *ComponentHealth {
	h := &ComponentHealth{Name: name, Status: ComponentStatusHealthy, LastCheck: time.Now()}
	if p == nil {
		h.Status = ComponentStatusUnhealthy
		h.Message = name + " not configured"
		return h
	}

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := p.Ping(checkCtx); err != nil {
		h.Status = ComponentStatusUnhealthy
		h.Message = err.Error()
	}
	return h
}
