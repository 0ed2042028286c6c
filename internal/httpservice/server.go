package httpservice

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"signage-core/internal/core/dispose"
	corelog "signage-core/internal/core/log"
	"signage-core/internal/health"
)

// HealthResponse 无健康管理器时的简单响应
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// ReadyResponse 就绪检查响应
type ReadyResponse struct {
	Ready  bool   `json:"ready"`
	Status string `json:"status"`
}

type mount struct {
	path    string
	handler http.Handler
}

// HTTPService 统一 HTTP 服务
// 管理所有 HTTP 模块，提供统一的入口
type HTTPService struct {
	*dispose.ManagerBase

	config  *HTTPServiceConfig
	router  *mux.Router
	server  *http.Server
	modules []HTTPModule
	mounts  []mount
	deps    *ModuleDependencies

	// 健康检查
	healthManager *health.HealthManager

	// /metrics 处理器（可选）
	metricsHandler http.Handler

	routesOnce sync.Once
	handler    http.Handler
	listener   net.Listener
}

// NewHTTPService 创建统一 HTTP 服务
func NewHTTPService(ctx context.Context, config *HTTPServiceConfig, deps *ModuleDependencies) *HTTPService {
	if config == nil {
		config = DefaultHTTPServiceConfig()
	}
	if deps == nil {
		deps = &ModuleDependencies{}
	}

	s := &HTTPService{
		ManagerBase:   dispose.NewManager("HTTPService", ctx),
		config:        config,
		router:        mux.NewRouter(),
		modules:       make([]HTTPModule, 0),
		deps:          deps,
		healthManager: deps.HealthManager,
	}

	maxHeaderBytes := int(config.MaxHeaderBytes)
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = 1 << 20 // 默认 1MB
	}
	s.server = &http.Server{
		Addr:           config.ListenAddr,
		ReadTimeout:    durationOr(config.ReadTimeout, 30*time.Second),
		WriteTimeout:   durationOr(config.WriteTimeout, 30*time.Second),
		IdleTimeout:    durationOr(config.IdleTimeout, 120*time.Second),
		MaxHeaderBytes: maxHeaderBytes,
	}

	// 父 context 可能已取消，关闭时使用独立超时
	s.AddCleanHandler(func() error {
		corelog.Infof("HTTPService: shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	})

	return s
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// RegisterModule 注册模块
func (s *HTTPService) RegisterModule(module HTTPModule) {
	if module == nil {
		return
	}

	module.SetDependencies(s.deps)
	s.modules = append(s.modules, module)

	corelog.Infof("HTTPService: registered module %s", module.Name())
}

// Mount 在指定路径挂载外部处理器（如实时通道 /ws）
func (s *HTTPService) Mount(path string, handler http.Handler) {
	s.mounts = append(s.mounts, mount{path: path, handler: handler})
}

// SetMetricsHandler 设置 /metrics 处理器
func (s *HTTPService) SetMetricsHandler(handler http.Handler) {
	s.metricsHandler = handler
}

// Handler 返回完整处理链（首次调用时注册全部路由）
func (s *HTTPService) Handler() http.Handler {
	s.routesOnce.Do(s.setupRoutes)
	return s.handler
}

func (s *HTTPService) setupRoutes() {
	// CORS 包在路由外层，预检请求不需要匹配到具体路由
	s.handler = corsMiddleware(&s.config.CORS)(s.router)

	// 注册通用中间件
	s.router.Use(loggingMiddleware)
	if s.config.MaxBodySize > 0 {
		s.router.Use(bodySizeLimitMiddleware(s.config.MaxBodySize))
	}
	if s.config.RateLimit.Enabled && s.config.RateLimit.RequestsPerSecond > 0 {
		s.router.Use(rateLimitMiddleware(newIPRateLimiter(s.config.RateLimit)))
	}

	// 注册健康检查端点（不需要认证）
	s.registerHealthRoutes()

	if s.metricsHandler != nil {
		s.router.Handle("/metrics", s.metricsHandler).Methods("GET")
	}

	for _, m := range s.mounts {
		s.router.Handle(m.path, m.handler)
	}

	for _, module := range s.modules {
		corelog.Infof("HTTPService: registering routes for module %s", module.Name())
		module.RegisterRoutes(s.router)
	}
}

// Start 启动服务
func (s *HTTPService) Start() error {
	s.server.Handler = s.Handler()

	for _, module := range s.modules {
		if err := module.Start(); err != nil {
			corelog.Errorf("HTTPService: failed to start module %s: %v", module.Name(), err)
			return err
		}
		corelog.Infof("HTTPService: started module %s", module.Name())
	}

	// 先同步监听，端口冲突直接返回错误
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	corelog.Infof("HTTPService: listening on %s", ln.Addr())

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			corelog.Errorf("HTTPService: Serve error: %v", err)
		}
	}()

	s.logEndpoints()
	return nil
}

// Addr 返回实际监听地址（未启动时返回配置地址）
func (s *HTTPService) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.ListenAddr
}

// Stop 停止服务
func (s *HTTPService) Stop() error {
	corelog.Infof("HTTPService: stopping...")

	// 停止各模块（逆序）
	for i := len(s.modules) - 1; i >= 0; i-- {
		module := s.modules[i]
		if err := module.Stop(); err != nil {
			corelog.Warnf("HTTPService: failed to stop module %s: %v", module.Name(), err)
		}
	}

	return s.CloseWithError()
}

// ============================================================================
// 健康检查
// ============================================================================

func (s *HTTPService) registerHealthRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.HandleFunc("/ready", s.handleReady).Methods("GET")
}

// handleHealth 完整健康信息
// healthy 与 degraded 返回 200，draining 与 unhealthy 返回 503
func (s *HTTPService) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthManager == nil {
		RespondJSON(w, http.StatusOK, HealthResponse{
			Status: "ok",
			Time:   time.Now().Format(time.RFC3339),
		})
		return
	}

	info := s.healthManager.GetHealthInfo(r.Context())

	statusCode := http.StatusOK
	switch info.Status {
	case health.HealthStatusDraining, health.HealthStatusUnhealthy:
		statusCode = http.StatusServiceUnavailable
	}
	RespondJSON(w, statusCode, info)
}

// handleHealthz 存活检查，只在进程标记为 unhealthy 时失败
func (s *HTTPService) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.healthManager != nil && s.healthManager.GetStatus() == health.HealthStatusUnhealthy {
		RespondJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status: string(health.HealthStatusUnhealthy),
			Time:   time.Now().Format(time.RFC3339),
		})
		return
	}
	RespondJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().Format(time.RFC3339),
	})
}

// handleReady 就绪检查
func (s *HTTPService) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.healthManager == nil || s.healthManager.IsAcceptingConnections() {
		RespondJSON(w, http.StatusOK, ReadyResponse{
			Ready:  true,
			Status: "accepting_connections",
		})
		return
	}

	RespondJSON(w, http.StatusServiceUnavailable, ReadyResponse{
		Ready:  false,
		Status: string(s.healthManager.GetStatus()),
	})
}

// logEndpoints 打印端点信息
func (s *HTTPService) logEndpoints() {
	addr := s.Addr()
	corelog.Infof("HTTPService: Health endpoints:")
	corelog.Infof("  - GET http://%s/health", addr)
	corelog.Infof("  - GET http://%s/ready", addr)
	if s.metricsHandler != nil {
		corelog.Infof("  - GET http://%s/metrics", addr)
	}
	for _, m := range s.mounts {
		corelog.Infof("HTTPService: mounted %s", m.path)
	}
	for _, module := range s.modules {
		corelog.Infof("HTTPService: Module %s enabled", module.Name())
	}
}

// GetRouter 获取路由器（供测试使用）
func (s *HTTPService) GetRouter() *mux.Router {
	return s.router
}

// GetConfig 获取配置
func (s *HTTPService) GetConfig() *HTTPServiceConfig {
	return s.config
}
