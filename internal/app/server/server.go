package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	corelog "signage-core/internal/core/log"
	"signage-core/internal/health"
	"signage-core/internal/pairing"
	"signage-core/internal/realtime"
)

// Server 配对服务节点
type Server struct {
	config     *Config
	deps       *Dependencies
	components []Component
	services   []*BaseService

	mu      sync.Mutex
	stopped bool
}

// New 使用默认组件创建服务器
func New(config *Config, parentCtx context.Context) (*Server, error) {
	return NewServerBuilder(config).WithDefaults().Build(parentCtx)
}

// Start 启动所有组件和服务，任何一步失败都会回滚已启动的服务
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	corelog.Infof("Server: starting node %s", s.config.Server.NodeID)

	for _, c := range s.components {
		if err := c.Start(); err != nil {
			return fmt.Errorf("failed to start component %s: %w", c.Name(), err)
		}
	}

	ctx := context.Background()
	for i, svc := range s.services {
		if err := svc.Start(ctx); err != nil {
			stopServices(ctx, s.services[:i])
			return fmt.Errorf("failed to start service %s: %w", svc.Name(), err)
		}
	}

	corelog.Infof("Server: started, listening on %s", s.Addr())
	return nil
}

// Stop 优雅关闭
//
// 1. 标记排空，健康检查返回 draining，新连接被拒绝
// 2. 向所有在线客户端广播 server-shutdown
// 3. 逆序停止服务，超过 shutdown_timeout 后放弃等待
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	corelog.Infof("Server: shutting down...")

	if s.deps.HealthManager != nil {
		s.deps.HealthManager.MarkDraining()
	}
	if s.deps.Hub != nil {
		s.deps.Hub.Shutdown(s.config.Server.ShutdownMessage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- stopServices(ctx, s.services)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown timed out after %s", s.config.Server.ShutdownTimeout)
		corelog.Errorf("Server: %v", err)
	}

	for i := len(s.components) - 1; i >= 0; i-- {
		if stopErr := s.components[i].Stop(); stopErr != nil {
			corelog.Warnf("Server: failed to stop component %s: %v", s.components[i].Name(), stopErr)
		}
	}

	corelog.Infof("Server: shutdown completed")
	return err
}

// Run 启动服务器并阻塞，直到收到 SIGINT/SIGTERM 或 ctx 取消
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		_ = s.Stop()
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	corelog.Infof("Server: received shutdown signal")
	return s.Stop()
}

// Addr 返回 HTTP 实际监听地址
func (s *Server) Addr() string {
	if s.deps.HTTPService == nil {
		return s.config.HTTP.ListenAddr
	}
	return s.deps.HTTPService.Addr()
}

// NodeID 返回节点ID
func (s *Server) NodeID() string {
	return s.config.Server.NodeID
}

// Engine 返回配对协议引擎
func (s *Server) Engine() *pairing.Engine {
	return s.deps.Engine
}

// Tokens 返回设备令牌签发器
func (s *Server) Tokens() *pairing.TokenIssuer {
	return s.deps.Tokens
}

// Hub 返回实时通道
func (s *Server) Hub() *realtime.Hub {
	return s.deps.Hub
}

// HealthManager 返回健康状态管理器
func (s *Server) HealthManager() *health.HealthManager {
	return s.deps.HealthManager
}

// stopServices 逆序停止服务，返回第一个错误
func stopServices(ctx context.Context, services []*BaseService) error {
	var firstErr error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		start := time.Now()
		if err := svc.Stop(ctx); err != nil {
			corelog.Errorf("Server: failed to stop %s: %v", svc.Name(), err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		corelog.Debugf("Server: %s stopped in %s", svc.Name(), time.Since(start))
	}
	return firstErr
}
