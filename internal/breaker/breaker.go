// Package breaker 按资源名管理熔断器
//
// 每个外部调用（配对确认、地理位置查询等）通过 ExecuteWithFallback 执行：
// 熔断打开时直接走降级逻辑；超时后只放行一个探测请求；
// 主调用的错误只记录日志，调用方始终拿到降级结果。
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	corelog "signage-core/internal/core/log"
	"signage-core/internal/core/metrics"
)

// State 熔断状态
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrOpen 熔断打开或探测名额已被占用
var ErrOpen = errors.New("circuit breaker is open")

// Stats 熔断器快照
type Stats struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	Requests            uint32    `json:"requests"`
	TotalSuccesses      uint32    `json:"total_successes"`
	TotalFailures       uint32    `json:"total_failures"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	LastStateChange     time.Time `json:"last_state_change,omitempty"`
	Config              Config    `json:"-"`
}

// resource 单个资源的熔断器
type resource struct {
	name    string
	config  Config
	cb      *gobreaker.CircuitBreaker[any]
	probing atomic.Bool

	mu              sync.Mutex
	openedAt        time.Time
	lastStateChange time.Time
}

// Registry 熔断器注册表
type Registry struct {
	defaults  Config
	overrides map[string]Config
	metrics   metrics.Metrics

	mu        sync.RWMutex
	resources map[string]*resource
}

// NewRegistry 创建注册表；overrides 按资源名覆盖默认参数
func NewRegistry(defaults Config, overrides map[string]Config, m metrics.Metrics) *Registry {
	o := make(map[string]Config, len(overrides))
	for name, cfg := range overrides {
		o[name] = cfg.withDefaults()
	}
	return &Registry{
		defaults:  defaults.withDefaults(),
		overrides: o,
		metrics:   m,
		resources: make(map[string]*resource),
	}
}

// Configure 设置资源参数，已存在的熔断器会被重建
func (r *Registry) Configure(name string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[name] = cfg.withDefaults()
	delete(r.resources, name)
}

func (r *Registry) configFor(name string) Config {
	if cfg, ok := r.overrides[name]; ok {
		return cfg
	}
	return r.defaults
}

func (r *Registry) get(name string) *resource {
	r.mu.RLock()
	res, ok := r.resources[name]
	r.mu.RUnlock()
	if ok {
		return res
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok = r.resources[name]; ok {
		return res
	}
	res = r.newResource(name, r.configFor(name))
	r.resources[name] = res
	return res
}

func (r *Registry) newResource(name string, cfg Config) *resource {
	res := &resource{name: name, config: cfg, lastStateChange: time.Now()}
	res.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Interval:    cfg.FailureWindow,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= cfg.FailureThreshold
		},
		IsExcluded: isCallerAbort,
		OnStateChange: func(name string, from, to gobreaker.State) {
			now := time.Now()
			res.mu.Lock()
			res.lastStateChange = now
			if to == gobreaker.StateOpen {
				res.openedAt = now
			}
			res.mu.Unlock()

			corelog.Infof("CircuitBreaker[%s]: %s -> %s", name, toState(from), toState(to))
			r.record(func(m metrics.Metrics) error {
				return m.SetGauge(metrics.BreakerState, stateToFloat(to), map[string]string{"name": name})
			})
		},
	})
	return res
}

// isCallerAbort 调用方主动取消，不计入成功也不计入失败
func isCallerAbort(err error) bool {
	return errors.Is(err, context.Canceled)
}

func (r *Registry) record(fn func(metrics.Metrics) error) {
	if r.metrics == nil {
		return
	}
	if err := fn(r.metrics); err != nil {
		corelog.Debugf("CircuitBreaker: failed to record metric: %v", err)
	}
}

func (r *Registry) countResult(name, result string) {
	r.record(func(m metrics.Metrics) error {
		return m.IncrementCounter(metrics.BreakerRequests, map[string]string{"name": name, "result": result})
	})
}

// Execute 通过熔断器执行 fn，返回原始错误；熔断打开时返回 ErrOpen
func (r *Registry) Execute(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		r.countResult(name, "canceled")
		return nil, err
	}
	res := r.get(name)

	// HALF_OPEN 只允许一个探测请求在途
	if res.cb.State() != gobreaker.StateClosed {
		if !res.probing.CompareAndSwap(false, true) {
			r.countResult(name, "rejected")
			return nil, ErrOpen
		}
		defer res.probing.Store(false)
	}

	result, err := res.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		r.countResult(name, "rejected")
		return nil, ErrOpen
	case isCallerAbort(err):
		r.countResult(name, "canceled")
		return nil, err
	case err != nil:
		r.countResult(name, "failure")
		return nil, err
	}
	r.countResult(name, "success")
	return result, nil
}

// ExecuteWithFallback 执行 primary，失败或熔断时返回 fallback 的结果
// primary 的错误不会向上传播，只记录日志
func ExecuteWithFallback[T any](ctx context.Context, r *Registry, name string,
	primary func(ctx context.Context) (T, error),
	fallback func(ctx context.Context, cause error) T,
) T {
	out, err := r.Execute(ctx, name, func(ctx context.Context) (any, error) {
		return primary(ctx)
	})
	if err != nil {
		if errors.Is(err, ErrOpen) {
			corelog.Debugf("CircuitBreaker[%s]: open, serving fallback", name)
		} else {
			corelog.Warnf("CircuitBreaker[%s]: primary action failed, serving fallback: %v", name, err)
		}
		return fallback(ctx, err)
	}
	v, ok := out.(T)
	if !ok && out != nil {
		corelog.Errorf("CircuitBreaker[%s]: unexpected result type %T", name, out)
		return fallback(ctx, fmt.Errorf("unexpected result type %T", out))
	}
	return v
}

// State 返回资源当前状态
func (r *Registry) State(name string) State {
	return toState(r.get(name).cb.State())
}

// Stats 返回资源统计信息
func (r *Registry) Stats(name string) Stats {
	res := r.get(name)
	state := res.cb.State()
	counts := res.cb.Counts()

	res.mu.Lock()
	defer res.mu.Unlock()
	s := Stats{
		Name:                name,
		State:               toState(state),
		Requests:            counts.Requests,
		TotalSuccesses:      counts.TotalSuccesses,
		TotalFailures:       counts.TotalFailures,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		LastStateChange:     res.lastStateChange,
		Config:              res.config,
	}
	if state != gobreaker.StateClosed {
		s.OpenedAt = res.openedAt
	}
	return s
}

// AllStats 返回所有已创建资源的统计信息，按名称排序
func (r *Registry) AllStats() []Stats {
	names := r.Names()
	out := make([]Stats, 0, len(names))
	for _, n := range names {
		out = append(out, r.Stats(n))
	}
	return out
}

// Reset 将资源恢复为 CLOSED 并清空计数
func (r *Registry) Reset(name string) {
	r.mu.Lock()
	r.resources[name] = r.newResource(name, r.configFor(name))
	r.mu.Unlock()

	corelog.Infof("CircuitBreaker[%s]: reset", name)
	r.record(func(m metrics.Metrics) error {
		return m.SetGauge(metrics.BreakerState, 0, map[string]string{"name": name})
	})
}

// Names 返回已创建的资源名
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.resources))
	for n := range r.resources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func toState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// stateToFloat 状态转换为指标值
func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
