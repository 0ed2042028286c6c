// Package dispose 提供带上下文的资源生命周期管理
//
// 组件通过嵌入 *ServiceBase / *ManagerBase 获得统一的 Ctx()、Close() 语义：
// 父上下文取消或显式 Close 时，清理处理器按注册的逆序执行且只执行一次。
package dispose

import (
	"context"
	"fmt"
	"sync"

	corelog "signage-core/internal/core/log"
)

// DisposeError 清理过程中的错误信息
type DisposeError struct {
	HandlerIndex int
	ResourceName string
	Err          error
}

func (e *DisposeError) Error() string {
	if e.ResourceName != "" {
		return fmt.Sprintf("cleanup resource[%s] handler[%d] failed: %v", e.ResourceName, e.HandlerIndex, e.Err)
	}
	return fmt.Sprintf("cleanup handler[%d] failed: %v", e.HandlerIndex, e.Err)
}

func (e *DisposeError) Unwrap() error {
	return e.Err
}

// DisposeResult 清理结果
type DisposeResult struct {
	Errors         []*DisposeError
	ActualDisposal bool // 本次调用是否实际执行了释放
}

func (r *DisposeResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Disposable 统一的资源释放接口
type Disposable interface {
	Ctx() context.Context
	IsClosed() bool
	CloseWithError() error
}

// Dispose 资源管理结构体
type Dispose struct {
	mu            sync.Mutex
	name          string
	closed        bool
	ctx           context.Context
	cancel        context.CancelFunc
	cleanHandlers []func() error
	errors        []*DisposeError
}

// Ctx 返回资源上下文，Close 之后处于取消状态
func (c *Dispose) Ctx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *Dispose) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetCtx 绑定父上下文，父上下文取消时自动执行清理
func (c *Dispose) SetCtx(parent context.Context, onClose func() error) {
	c.mu.Lock()
	if c.ctx != nil {
		c.mu.Unlock()
		corelog.Warnf("Dispose[%s]: ctx already set", c.name)
		return
	}
	if parent == nil {
		parent = context.Background()
	}
	if onClose != nil {
		c.cleanHandlers = append(c.cleanHandlers, onClose)
	}
	c.ctx, c.cancel = context.WithCancel(parent)
	ctx := c.ctx
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		if result := c.Close(); result.HasErrors() {
			corelog.Errorf("Dispose[%s]: context cancellation cleanup failed with %d errors", c.name, len(result.Errors))
		}
	}()
}

// AddCleanHandler 添加清理处理器；已关闭时立即执行
func (c *Dispose) AddCleanHandler(f func() error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if err := f(); err != nil {
			corelog.Errorf("Dispose[%s]: late cleanup handler failed: %v", c.name, err)
		}
		return
	}
	c.cleanHandlers = append(c.cleanHandlers, f)
	c.mu.Unlock()
}

// Close 关闭并返回清理结果，重复调用返回首次的错误
func (c *Dispose) Close() *DisposeResult {
	c.mu.Lock()
	if c.closed {
		errs := c.errors
		c.mu.Unlock()
		return &DisposeResult{Errors: errs}
	}
	c.closed = true
	handlers := c.cleanHandlers
	c.cleanHandlers = nil
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	result := &DisposeResult{ActualDisposal: true}
	for i := len(handlers) - 1; i >= 0; i-- {
		if err := handlers[i](); err != nil {
			result.Errors = append(result.Errors, &DisposeError{
				HandlerIndex: i,
				ResourceName: c.name,
				Err:          err,
			})
			corelog.Errorf("Dispose[%s]: cleanup handler[%d] failed: %v", c.name, i, err)
		}
	}

	c.mu.Lock()
	c.errors = result.Errors
	c.mu.Unlock()
	return result
}

// CloseWithError 关闭并返回第一个清理错误
func (c *Dispose) CloseWithError() error {
	result := c.Close()
	if result.HasErrors() {
		return result.Errors[0]
	}
	return nil
}

// GetErrors 获取清理过程中的错误
func (c *Dispose) GetErrors() []*DisposeError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}
