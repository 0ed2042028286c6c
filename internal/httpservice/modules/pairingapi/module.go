// Package pairingapi 配对 HTTP 旁路
// 浏览器或脚本无法使用 WebSocket 时，通过 REST 接口完成取码、查询和确认
package pairingapi

import (
	"net/http"

	"github.com/gorilla/mux"

	coreerrors "signage-core/internal/core/errors"
	corelog "signage-core/internal/core/log"
	"signage-core/internal/httpservice"
	"signage-core/internal/security"
)

// PairingAPIModule 配对 API 模块
type PairingAPIModule struct {
	config *httpservice.PairingAPIModuleConfig
	deps   *httpservice.ModuleDependencies
}

// NewPairingAPIModule 创建模块
func NewPairingAPIModule(config *httpservice.PairingAPIModuleConfig) *PairingAPIModule {
	return &PairingAPIModule{config: config}
}

// Name 返回模块名称
func (m *PairingAPIModule) Name() string {
	return "PairingAPI"
}

// SetDependencies 注入依赖
func (m *PairingAPIModule) SetDependencies(deps *httpservice.ModuleDependencies) {
	m.deps = deps
}

// RegisterRoutes 注册路由
func (m *PairingAPIModule) RegisterRoutes(router *mux.Router) {
	if !m.config.Enabled || m.deps == nil || m.deps.Pairing == nil {
		corelog.Infof("PairingAPIModule: disabled, skipping route registration")
		return
	}

	api := router.PathPrefix("/pairing").Subrouter()
	api.Use(m.admissionMiddleware)

	api.HandleFunc("/request", m.handleRequest).Methods("POST")
	api.HandleFunc("/status/{code}", m.handleStatus).Methods("GET")
	api.HandleFunc("/complete", m.handleComplete).Methods("POST")

	admin := api.NewRoute().Subrouter()
	admin.Use(httpservice.AuthMiddleware(&m.config.AdminAuth))
	if m.config.ListActive {
		admin.HandleFunc("/active", m.handleActive).Methods("GET")
	}
	admin.HandleFunc("/{code}", m.handleRevoke).Methods("DELETE")

	corelog.Infof("PairingAPIModule: registered routes under /pairing")
}

// Start 启动模块
func (m *PairingAPIModule) Start() error {
	return nil
}

// Stop 停止模块
func (m *PairingAPIModule) Stop() error {
	return nil
}

// admissionMiddleware 每个请求按来源 IP 计入事件频率
func (m *PairingAPIModule) admissionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.deps.Gate != nil {
			if err := m.deps.Gate.ValidateEvent(remoteOf(r)); err != nil {
				httpservice.RespondPairingError(w, coreerrors.ErrAdmissionRejected)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func remoteOf(r *http.Request) security.Remote {
	return security.NewRemote(r.RemoteAddr, "", "http")
}
