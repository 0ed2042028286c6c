// Package realtime 实时通道服务端
//
// 设备和控制端通过 WebSocket 连接到 /ws，帧格式为 {"event": "...", "data": {...}}。
// Hub 负责连接准入、帧校验和事件分发，配对语义全部交给 pairing.Engine。
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"signage-core/internal/core/dispose"
	coreerrors "signage-core/internal/core/errors"
	corelog "signage-core/internal/core/log"
	"signage-core/internal/core/metrics"
	"signage-core/internal/health"
	"signage-core/internal/pairing"
	"signage-core/internal/security"
)

const (
	DefaultPath           = "/ws"
	DefaultPongWait       = 60 * time.Second
	DefaultWriteWait      = 10 * time.Second
	DefaultMaxMessageSize = 64 * 1024
	bufferSize            = 4096
)

// HubConfig 实时通道配置
type HubConfig struct {
	Path           string        `yaml:"path"`
	PongWait       time.Duration `yaml:"pong_wait"`
	WriteWait      time.Duration `yaml:"write_wait"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	TrustProxy     bool          `yaml:"trust_proxy"` // 从 X-Forwarded-For 取来源IP
}

// DefaultHubConfig 默认配置
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Path:           DefaultPath,
		PongWait:       DefaultPongWait,
		WriteWait:      DefaultWriteWait,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

func (c HubConfig) withDefaults() HubConfig {
	d := DefaultHubConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

// pingPeriod 必须小于 pongWait
func (c HubConfig) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

// PairingEngine Hub 依赖的引擎操作
type PairingEngine interface {
	SetNotifier(n pairing.Notifier)
	Attach(socketID, clientType, controllerID string)
	DeviceID(socketID string) string
	RequestCode(ctx context.Context, socketID string, req pairing.CreateRequest) (*pairing.PairingSession, error)
	PairRequest(ctx context.Context, socketID, code string) (*pairing.PairResult, error)
	SendContent(ctx context.Context, socketID, deviceID string, content json.RawMessage) error
	Resume(ctx context.Context, socketID, token string) (*pairing.DeviceClaims, error)
	Disconnect(ctx context.Context, socketID string)
}

// Admission 准入检查
type Admission interface {
	ValidateConnection(remote security.Remote) error
	RemoveConnection(remote security.Remote)
	ValidateGeography(ctx context.Context, remote security.Remote) error
	ValidateEvent(remote security.Remote) error
	ValidatePayload(remote security.Remote, payload interface{}) error
}

// Readiness 节点是否接受新连接（排空期间拒绝）
type Readiness interface {
	IsAcceptingConnections() bool
}

// HubOptions Hub 依赖
type HubOptions struct {
	Engine    PairingEngine
	Gate      Admission       // 可选
	Readiness Readiness       // 可选
	Metrics   metrics.Metrics // 可选
}

// Hub WebSocket 连接中心
//
// 职责：
// 1. 升级前执行连接准入和地理位置检查
// 2. 每个入站帧执行事件频率和负载检查，未通过的帧直接丢弃
// 3. 实现 pairing.Notifier，按 socketID 投递出站事件
// 4. 关闭时广播 server-shutdown 并断开所有连接
type Hub struct {
	*dispose.ServiceBase

	cfg       HubConfig
	engine    PairingEngine
	gate      Admission
	readiness Readiness
	metrics   metrics.Metrics
	upgrader  websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*connection
	shutdown    bool

	errors   atomic.Int64
	rejected atomic.Int64
}

// NewHub 创建 Hub 并注册为引擎的事件投递方
func NewHub(ctx context.Context, cfg HubConfig, opts HubOptions) (*Hub, error) {
	if opts.Engine == nil {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "realtime hub requires a pairing engine")
	}

	h := &Hub{
		ServiceBase: dispose.NewService("RealtimeHub", ctx),
		cfg:         cfg.withDefaults(),
		engine:      opts.Engine,
		gate:        opts.Gate,
		readiness:   opts.Readiness,
		metrics:     opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  bufferSize,
			WriteBufferSize: bufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true // 设备端不是浏览器页面，不校验 Origin
			},
		},
		connections: make(map[string]*connection),
	}
	h.AddCleanHandler(func() error {
		h.Shutdown("server closing")
		return nil
	})
	opts.Engine.SetNotifier(h)
	return h, nil
}

// Path 返回挂载路径
func (h *Hub) Path() string {
	return h.cfg.Path
}

// Close 关闭 Hub
func (h *Hub) Close() error {
	return h.CloseWithError()
}

// ============================================================================
// 连接建立
// ============================================================================

// ServeHTTP 处理 WebSocket 升级请求
// GET /ws?clientType=device|controller[&controllerId=...][&token=...]
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.isShutdown() || (h.readiness != nil && !h.readiness.IsAcceptingConnections()) {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	clientType := query.Get("clientType")
	if clientType != pairing.ClientTypeDevice && clientType != pairing.ClientTypeController {
		http.Error(w, "invalid clientType", http.StatusBadRequest)
		return
	}

	socketID := uuid.NewString()
	remote := security.NewRemote(h.remoteAddr(r), socketID, clientType)

	// 拒绝时不返回具体原因
	if h.gate != nil {
		if err := h.gate.ValidateConnection(remote); err != nil {
			h.rejected.Add(1)
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		if err := h.gate.ValidateGeography(r.Context(), remote); err != nil {
			h.gate.RemoveConnection(remote)
			h.rejected.Add(1)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, http.Header{SocketIDHeader: []string{socketID}})
	if err != nil {
		// Upgrade 已写回错误响应
		corelog.ForSocket(socketID, remote.IP).Warnf("RealtimeHub: upgrade failed: %v", err)
		if h.gate != nil {
			h.gate.RemoveConnection(remote)
		}
		return
	}

	conn := newConnection(ws, ConnectionRecord{
		SocketID:      socketID,
		RemoteAddress: remote.IP,
		ClientType:    clientType,
		ControllerID:  query.Get("controllerId"),
		ConnectedAt:   time.Now(),
	}, h.cfg.WriteWait)

	if !h.register(conn) {
		conn.close(websocket.CloseGoingAway, "server shutting down")
		if h.gate != nil {
			h.gate.RemoveConnection(remote)
		}
		return
	}
	h.engine.Attach(socketID, clientType, conn.record.ControllerID)

	corelog.ForSocket(socketID, remote.IP).Infof("RealtimeHub: %s connected", clientType)

	if token := query.Get("token"); token != "" && clientType == pairing.ClientTypeDevice {
		_ = h.resume(conn, token)
	}

	go h.keepalive(conn)
	h.readLoop(conn, remote)
}

func (h *Hub) remoteAddr(r *http.Request) string {
	if h.cfg.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			return strings.TrimSpace(strings.Split(fwd, ",")[0])
		}
	}
	return r.RemoteAddr
}

func (h *Hub) register(conn *connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return false
	}
	h.connections[conn.record.SocketID] = conn
	return true
}

func (h *Hub) unregister(socketID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[socketID]; !ok {
		return false
	}
	delete(h.connections, socketID)
	return true
}

func (h *Hub) isShutdown() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.shutdown
}

// ============================================================================
// 读循环与保活
// ============================================================================

func (h *Hub) readLoop(conn *connection, remote security.Remote) {
	defer h.cleanup(conn, remote)

	ws := conn.conn
	ws.SetReadLimit(h.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				corelog.ForSocket(remote.SocketID, remote.IP).Debugf("RealtimeHub: read error: %v", err)
			}
			return
		}
		// 任何入站帧都说明连接存活
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		if messageType != websocket.TextMessage {
			continue
		}
		h.handleFrame(conn, remote, data)
	}
}

func (h *Hub) keepalive(conn *connection) {
	ticker := time.NewTicker(h.cfg.pingPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-conn.closed:
			return
		case <-h.Ctx().Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				conn.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (h *Hub) cleanup(conn *connection, remote security.Remote) {
	conn.close(websocket.CloseNormalClosure, "")
	if !h.unregister(conn.record.SocketID) {
		return
	}
	if h.gate != nil {
		h.gate.RemoveConnection(remote)
	}
	// Hub 关闭时 Ctx 已取消，断开通知仍需发布给其他节点
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteWait)
	defer cancel()
	h.engine.Disconnect(ctx, conn.record.SocketID)
	corelog.ForSocket(remote.SocketID, remote.IP).Infof("RealtimeHub: %s disconnected", conn.record.ClientType)
}

// ============================================================================
// 帧分发
// ============================================================================

func (h *Hub) handleFrame(conn *connection, remote security.Remote, data []byte) {
	if h.gate != nil {
		if err := h.gate.ValidateEvent(remote); err != nil {
			h.rejected.Add(1)
			return
		}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		h.reply(conn, EventError, ErrorPayload{Reason: coreerrors.ReasonValidationError})
		return
	}

	if h.gate != nil {
		// 按解码后的值检查，\u003c 之类的转义写法同样会被识别
		var decoded interface{}
		_ = decodeData(env.Data, &decoded)
		if err := h.gate.ValidatePayload(remote, decoded); err != nil {
			h.rejected.Add(1)
			return
		}
	}

	if err := h.dispatch(conn, env); err != nil {
		if coreerrors.GetCode(err) == coreerrors.CodeInternal || coreerrors.IsCode(err, coreerrors.CodeStorageError) {
			h.countError()
		}
		corelog.ForSocket(remote.SocketID, remote.IP).Debugf("RealtimeHub: %s failed: %v", env.Event, err)
	}
}

func (h *Hub) dispatch(conn *connection, env Envelope) error {
	ctx := h.Ctx()
	socketID := conn.record.SocketID

	switch env.Event {
	case EventPing:
		h.reply(conn, EventPong, nil)
		return nil

	case EventRequestPairingCode:
		var p RequestCodePayload
		if err := decodeData(env.Data, &p); err != nil {
			return h.fail(conn, coreerrors.Wrap(err, coreerrors.CodeValidationError, "invalid request-pairing-code payload"))
		}
		_, err := h.engine.RequestCode(ctx, socketID, pairing.CreateRequest{
			DeviceID: p.DeviceID,
			Nickname: p.Nickname,
			Metadata: p.Metadata,
		})
		if err != nil {
			return h.fail(conn, err)
		}
		return nil

	case EventPairRequest:
		var p PairRequestPayload
		if err := decodeData(env.Data, &p); err != nil {
			return h.fail(conn, coreerrors.Wrap(err, coreerrors.CodeValidationError, "invalid pair-request payload"))
		}
		// 成功与失败都由引擎投递 pair-success / pair-failed
		_, err := h.engine.PairRequest(ctx, socketID, p.Code)
		return err

	case EventSendContent:
		var p SendContentPayload
		if err := decodeData(env.Data, &p); err != nil || p.DisplayID == "" {
			return h.fail(conn, coreerrors.New(coreerrors.CodeValidationError, "invalid send-content payload"))
		}
		if err := h.engine.SendContent(ctx, socketID, p.DisplayID, p.Content); err != nil {
			return h.fail(conn, err)
		}
		return nil

	case EventResume:
		var p ResumePayload
		if err := decodeData(env.Data, &p); err != nil || p.Token == "" {
			return h.fail(conn, coreerrors.New(coreerrors.CodeUnauthorized, "missing token"))
		}
		return h.resume(conn, p.Token)

	default:
		return h.fail(conn, coreerrors.Newf(coreerrors.CodeValidationError, "unknown event %q", env.Event))
	}
}

// resume 令牌无效时回复 error{Unauthorized}，客户端据此清除凭证
func (h *Hub) resume(conn *connection, token string) error {
	if _, err := h.engine.Resume(h.Ctx(), conn.record.SocketID, token); err != nil {
		return h.fail(conn, err)
	}
	return nil
}

func (h *Hub) fail(conn *connection, err error) error {
	h.reply(conn, EventError, ErrorPayload{Reason: coreerrors.PairingReason(err)})
	return err
}

func (h *Hub) reply(conn *connection, event string, data interface{}) {
	if err := conn.send(event, data); err != nil {
		corelog.WithField(corelog.FieldSocketID, conn.record.SocketID).Debugf("RealtimeHub: write %s failed: %v", event, err)
	}
}

func (h *Hub) countError() {
	h.errors.Add(1)
	if h.metrics != nil {
		_ = h.metrics.IncrementCounter(metrics.ErrorsTotal, nil)
	}
}

// ============================================================================
// Notifier
// ============================================================================

// SendToSocket 向本节点持有的 socket 投递事件，socket 不存在或写失败返回 false
func (h *Hub) SendToSocket(socketID, event string, data interface{}) bool {
	h.mu.RLock()
	conn := h.connections[socketID]
	h.mu.RUnlock()
	if conn == nil {
		return false
	}
	if err := conn.send(event, data); err != nil {
		corelog.WithField(corelog.FieldSocketID, socketID).Debugf("RealtimeHub: deliver %s failed: %v", event, err)
		return false
	}
	return true
}

// Shutdown 广播 server-shutdown 后关闭所有连接，之后拒绝新连接
func (h *Hub) Shutdown(message string) {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return
	}
	h.shutdown = true
	conns := make([]*connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.send(EventServerShutdown, ShutdownPayload{Message: message})
		c.close(websocket.CloseGoingAway, message)
	}
	corelog.Infof("RealtimeHub: shutdown, closed %d connections", len(conns))
}

// ============================================================================
// 统计
// ============================================================================

// Connections 返回当前连接快照
func (h *Hub) Connections() []ConnectionRecord {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	out := make([]ConnectionRecord, 0, len(conns))
	for _, c := range conns {
		rec := c.record
		if rec.ClientType == pairing.ClientTypeDevice {
			rec.BoundDeviceID = h.engine.DeviceID(rec.SocketID)
		}
		out = append(out, rec)
	}
	return out
}

// ConnectionStats 实现 health.StatsProvider
func (h *Hub) ConnectionStats() health.ConnectionStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := health.ConnectionStats{
		Active: len(h.connections),
		Errors: h.errors.Load(),
	}
	for _, c := range h.connections {
		switch c.record.ClientType {
		case pairing.ClientTypeDevice:
			stats.Devices++
		case pairing.ClientTypeController:
			stats.Controllers++
		}
	}
	return stats
}

// RejectedFrames 被准入检查拒绝的连接与帧数量
func (h *Hub) RejectedFrames() int64 {
	return h.rejected.Load()
}
