package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"signage-core/internal/core/dispose"
	coreerrors "signage-core/internal/core/errors"
	corelog "signage-core/internal/core/log"
	"signage-core/internal/pairing"
	"signage-core/internal/realtime"
	"signage-core/internal/utils/timeutil"
	"signage-core/internal/version"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
)

var errHeartbeatTimeout = errors.New("heartbeat timeout")

// Diagnostics 连接诊断信息（只读快照）
type Diagnostics struct {
	ConnectionState    ConnectionState `json:"connectionState"`
	SocketID           string          `json:"socketId,omitempty"`
	RetryCount         int             `json:"retryCount"`
	LastConnectedAt    time.Time       `json:"lastConnectedAt,omitempty"`
	LastDisconnectedAt time.Time       `json:"lastDisconnectedAt,omitempty"`
	LastHeartbeatAt    time.Time       `json:"lastHeartbeatAt,omitempty"`
	LastError          string          `json:"lastError,omitempty"`
	LastErrorAt        time.Time       `json:"lastErrorAt,omitempty"`
	Offline            bool            `json:"offline"`
	RetryHistory       []time.Time     `json:"retryHistory,omitempty"`
}

// ConnectionManagerOptions 可注入的依赖
type ConnectionManagerOptions struct {
	Credentials CredentialStore   // 为空时使用内存存储
	Clock       timeutil.Clock    // 为空时使用系统时钟
	Dialer      *websocket.Dialer // 为空时使用 websocket.DefaultDialer
}

// ConnectionManager 维护到服务端的实时通道
//
// 负责断线重连（线性退避，超过上限进入离线状态）、应用层心跳、
// 诊断信息以及凭据失效处理。每次建立连接都会递增 generation，
// 旧连接上的回调（读循环、心跳）发现 generation 变化后直接放弃。
type ConnectionManager struct {
	*dispose.ManagerBase

	config *ClientConfig
	target *url.URL
	creds  CredentialStore
	clock  timeutil.Clock
	dialer *websocket.Dialer

	mu                 sync.Mutex
	conn               *websocket.Conn
	generation         uint64
	state              ConnectionState
	socketID           string
	attempts           int
	offline            bool
	reconnectTimer     timeutil.Timer
	heartbeatTimer     timeutil.Timer
	pongTimer          timeutil.Timer
	lastConnectedAt    time.Time
	lastDisconnectedAt time.Time
	lastHeartbeatAt    time.Time
	lastError          string
	lastErrorAt        time.Time
	retryHistory       []time.Time

	// gorilla 连接只允许一个并发写者
	writeMu sync.Mutex

	events *dispatcher[Event]
}

// NewConnectionManager 创建连接管理器，不会立即连接
func NewConnectionManager(ctx context.Context, config *ClientConfig, opts ConnectionManagerOptions) (*ConnectionManager, error) {
	if config == nil {
		config = DefaultClientConfig()
	}
	config.applyDefaults()

	if config.ClientType != pairing.ClientTypeDevice && config.ClientType != pairing.ClientTypeController {
		return nil, coreerrors.Newf(coreerrors.CodeConfigError, "invalid client type %q", config.ClientType)
	}
	target, err := parseServerURL(config.ServerURL)
	if err != nil {
		return nil, err
	}

	if opts.Credentials == nil {
		opts.Credentials = NewMemoryCredentialStore()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.Real()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	m := &ConnectionManager{
		ManagerBase: dispose.NewManager("ConnectionManager", ctx),
		config:      config,
		target:      target,
		creds:       opts.Credentials,
		clock:       opts.Clock,
		dialer:      opts.Dialer,
		state:       StateDisconnected,
		events:      newDispatcher[Event](),
	}
	m.AddCleanHandler(m.onClose)
	return m, nil
}

// parseServerURL 接受 ws/wss/http/https，缺省路径为 /ws
func parseServerURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeConfigError, "invalid server url %q", raw)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, coreerrors.Newf(coreerrors.CodeConfigError, "unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, coreerrors.Newf(coreerrors.CodeConfigError, "server url %q has no host", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u, nil
}

// Close 关闭连接管理器，不再重连
func (m *ConnectionManager) Close() error {
	return m.CloseWithError()
}

func (m *ConnectionManager) onClose() error {
	m.mu.Lock()
	ws := m.conn
	m.generation++
	m.conn = nil
	m.socketID = ""
	m.stopTimersLocked()
	changed := m.state != StateDisconnected
	m.state = StateDisconnected
	if ws != nil {
		m.lastDisconnectedAt = m.clock.Now()
	}
	m.mu.Unlock()

	if ws != nil {
		m.closeConn(ws, websocket.CloseNormalClosure, "client closing")
	}
	if changed {
		m.emit(Event{Type: EventStateChanged, State: StateDisconnected})
	}
	corelog.Infof("ConnectionManager: closed")
	return nil
}

// ============================================================================
// 订阅与诊断
// ============================================================================

// Subscribe 订阅状态变化、服务端消息、离线与凭据失效事件
func (m *ConnectionManager) Subscribe(handler func(Event)) Subscription {
	return m.events.subscribe(handler)
}

func (m *ConnectionManager) emit(events ...Event) {
	for _, e := range events {
		m.events.emit(e)
	}
}

// State 当前连接状态
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ClientType device 或 controller
func (m *ConnectionManager) ClientType() string {
	return m.config.ClientType
}

// Credentials 凭据存储，配对流程与连接管理器共用
func (m *ConnectionManager) Credentials() CredentialStore {
	return m.creds
}

// Diagnostics 返回诊断快照
func (m *ConnectionManager) Diagnostics() Diagnostics {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := make([]time.Time, len(m.retryHistory))
	copy(history, m.retryHistory)

	return Diagnostics{
		ConnectionState:    m.state,
		SocketID:           m.socketID,
		RetryCount:         m.attempts,
		LastConnectedAt:    m.lastConnectedAt,
		LastDisconnectedAt: m.lastDisconnectedAt,
		LastHeartbeatAt:    m.lastHeartbeatAt,
		LastError:          m.lastError,
		LastErrorAt:        m.lastErrorAt,
		Offline:            m.offline,
		RetryHistory:       history,
	}
}

func (m *ConnectionManager) recordErrorLocked(err error) {
	if err == nil {
		return
	}
	m.lastError = err.Error()
	m.lastErrorAt = m.clock.Now()
}

// ============================================================================
// 连接
// ============================================================================

// Connect 建立连接，已连接或连接中时直接返回
// 失败时自动进入重连流程，同时把本次错误返回给调用方
func (m *ConnectionManager) Connect(ctx context.Context) error {
	if m.IsClosed() {
		return coreerrors.ErrServiceClosed
	}

	m.mu.Lock()
	switch m.state {
	case StateConnected, StateConnecting:
		m.mu.Unlock()
		return nil
	case StateOffline:
		m.mu.Unlock()
		return coreerrors.New(coreerrors.CodeUnavailable, "connection manager is offline, call Reconnect")
	}
	m.stopReconnectLocked()
	gen := m.beginAttemptLocked()
	m.mu.Unlock()

	m.emit(Event{Type: EventStateChanged, State: StateConnecting})
	return m.dial(ctx, gen)
}

// Reconnect 清零重试计数并重新连接，用于离线状态下的人工恢复
func (m *ConnectionManager) Reconnect(ctx context.Context) error {
	if m.IsClosed() {
		return coreerrors.ErrServiceClosed
	}

	m.mu.Lock()
	m.stopReconnectLocked()
	m.attempts = 0
	m.offline = false
	if m.state == StateOffline || m.state == StateError {
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	corelog.Infof("ConnectionManager: manual reconnect requested")
	return m.Connect(ctx)
}

func (m *ConnectionManager) beginAttemptLocked() uint64 {
	m.generation++
	m.state = StateConnecting
	return m.generation
}

// buildURL 拼接握手参数，设备端有凭据时携带 token
func (m *ConnectionManager) buildURL(cred *Credential) (string, bool) {
	u := *m.target
	q := u.Query()
	q.Set("clientType", m.config.ClientType)
	withToken := false
	switch m.config.ClientType {
	case pairing.ClientTypeController:
		if m.config.ControllerID != "" {
			q.Set("controllerId", m.config.ControllerID)
		}
	case pairing.ClientTypeDevice:
		if cred != nil && cred.Token != "" {
			q.Set("token", cred.Token)
			withToken = true
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), withToken
}

func (m *ConnectionManager) dial(ctx context.Context, gen uint64) error {
	cred, err := m.creds.Load()
	if err != nil {
		corelog.Warnf("ConnectionManager: failed to load credential: %v", err)
		cred = nil
	}
	target, withToken := m.buildURL(cred)

	dialCtx, cancel := context.WithTimeout(ctx, m.config.DialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent(m.config.ClientType))
	ws, resp, err := m.dialer.DialContext(dialCtx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			authErr := coreerrors.Wrap(err, coreerrors.CodeUnauthorized, "handshake rejected")
			m.handleAuthInvalid(gen, authErr)
			return authErr
		}
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		m.onDialFailed(gen, err)
		return coreerrors.Wrap(err, coreerrors.CodeConnectionError, "dial failed")
	}
	ws.SetReadLimit(maxFrameSize)

	m.mu.Lock()
	if gen != m.generation || m.IsClosed() {
		m.mu.Unlock()
		_ = ws.Close()
		return coreerrors.New(coreerrors.CodeConnectionError, "connection attempt superseded")
	}
	m.conn = ws
	m.state = StateConnected
	m.socketID = resp.Header.Get(realtime.SocketIDHeader)
	m.attempts = 0
	m.offline = false
	m.lastConnectedAt = m.clock.Now()
	m.scheduleHeartbeatLocked(gen)
	socketID := m.socketID
	m.mu.Unlock()

	corelog.Infof("ConnectionManager: connected to %s as %s (socket=%s, token=%v)",
		m.target.Host, m.config.ClientType, socketID, withToken)
	m.emit(Event{Type: EventStateChanged, State: StateConnected})

	go m.readLoop(ws, gen)
	return nil
}

func (m *ConnectionManager) onDialFailed(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.generation || m.IsClosed() {
		m.mu.Unlock()
		return
	}
	m.recordErrorLocked(err)
	m.state = StateError
	events := []Event{{Type: EventStateChanged, State: StateError, Err: err}}
	events = append(events, m.scheduleReconnectLocked()...)
	m.mu.Unlock()

	corelog.Warnf("ConnectionManager: connect failed: %v", err)
	m.emit(events...)
}

// handleDrop 处理连接意外断开；ws 已不是当前连接时忽略
func (m *ConnectionManager) handleDrop(ws *websocket.Conn, gen uint64, err error) {
	m.mu.Lock()
	if gen != m.generation || m.conn != ws {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.socketID = ""
	m.stopHeartbeatLocked()
	m.lastDisconnectedAt = m.clock.Now()
	if m.IsClosed() {
		m.state = StateDisconnected
		m.mu.Unlock()
		return
	}
	m.recordErrorLocked(err)
	m.state = StateDisconnected
	events := []Event{{Type: EventStateChanged, State: StateDisconnected, Err: err}}
	events = append(events, m.scheduleReconnectLocked()...)
	m.mu.Unlock()

	corelog.Warnf("ConnectionManager: connection lost: %v", err)
	m.emit(events...)
}

// ============================================================================
// 重连
// ============================================================================

// backoffDelay 第 attempt 次重试的延迟：min(BaseDelay*attempt, MaxDelay)
func (m *ConnectionManager) backoffDelay(attempt int) time.Duration {
	delay := m.config.Reconnect.BaseDelay * time.Duration(attempt)
	if delay > m.config.Reconnect.MaxDelay || delay <= 0 {
		delay = m.config.Reconnect.MaxDelay
	}
	return delay
}

// scheduleReconnectLocked 安排下一次重试，次数耗尽时进入离线状态
func (m *ConnectionManager) scheduleReconnectLocked() []Event {
	if m.IsClosed() || m.reconnectTimer != nil {
		return nil
	}
	if m.attempts >= m.config.Reconnect.MaxAttempts {
		m.offline = true
		m.state = StateOffline
		corelog.Errorf("ConnectionManager: giving up after %d reconnect attempts, offline", m.attempts)
		return []Event{
			{Type: EventStateChanged, State: StateOffline},
			{Type: EventOffline, State: StateOffline},
		}
	}

	m.attempts++
	delay := m.backoffDelay(m.attempts)
	m.reconnectTimer = m.clock.AfterFunc(delay, m.retry)
	corelog.Infof("ConnectionManager: reconnect attempt %d/%d in %v",
		m.attempts, m.config.Reconnect.MaxAttempts, delay)
	return nil
}

func (m *ConnectionManager) retry() {
	m.mu.Lock()
	m.reconnectTimer = nil
	if m.IsClosed() || m.offline || m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return
	}
	m.retryHistory = append(m.retryHistory, m.clock.Now())
	if n := len(m.retryHistory) - m.config.Reconnect.HistorySize; n > 0 {
		m.retryHistory = m.retryHistory[n:]
	}
	gen := m.beginAttemptLocked()
	m.mu.Unlock()

	m.emit(Event{Type: EventStateChanged, State: StateConnecting})
	go func() {
		_ = m.dial(m.Ctx(), gen)
	}()
}

func (m *ConnectionManager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// ============================================================================
// 心跳
// ============================================================================

func (m *ConnectionManager) scheduleHeartbeatLocked(gen uint64) {
	m.heartbeatTimer = m.clock.AfterFunc(m.config.Heartbeat.Interval, func() {
		m.heartbeat(gen)
	})
}

// heartbeat 发送 ping 并等待 pong，超时视为断线
func (m *ConnectionManager) heartbeat(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.conn == nil {
		m.mu.Unlock()
		return
	}
	ws := m.conn
	if m.pongTimer == nil {
		m.pongTimer = m.clock.AfterFunc(m.config.Heartbeat.Timeout, func() {
			m.heartbeatTimeout(ws, gen)
		})
	}
	m.scheduleHeartbeatLocked(gen)
	m.mu.Unlock()

	if err := m.write(ws, realtime.EventPing, nil); err != nil {
		corelog.Warnf("ConnectionManager: failed to send heartbeat: %v", err)
		_ = ws.Close()
	}
}

func (m *ConnectionManager) onPong(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
	m.lastHeartbeatAt = m.clock.Now()
}

func (m *ConnectionManager) heartbeatTimeout(ws *websocket.Conn, gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.pongTimer = nil
	m.mu.Unlock()

	corelog.Warnf("ConnectionManager: no pong within %v, dropping connection", m.config.Heartbeat.Timeout)
	m.handleDrop(ws, gen, errHeartbeatTimeout)
	_ = ws.Close()
}

func (m *ConnectionManager) stopHeartbeatLocked() {
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
}

func (m *ConnectionManager) stopTimersLocked() {
	m.stopReconnectLocked()
	m.stopHeartbeatLocked()
}

// ============================================================================
// 读写
// ============================================================================

func (m *ConnectionManager) readLoop(ws *websocket.Conn, gen uint64) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			m.handleDrop(ws, gen, err)
			return
		}

		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			corelog.Debugf("ConnectionManager: ignoring malformed frame")
			continue
		}

		switch env.Event {
		case realtime.EventPong:
			m.onPong(gen)
			continue
		case realtime.EventError:
			var payload realtime.ErrorPayload
			if json.Unmarshal(env.Data, &payload) == nil && payload.Reason == coreerrors.ReasonUnauthorized {
				m.handleAuthInvalid(gen, coreerrors.ErrUnauthorized)
				return
			}
		}

		m.emit(Event{Type: EventMessage, Message: &Message{Event: env.Event, Data: env.Data}})
	}
}

// Send 发送一帧，未连接时返回连接错误
func (m *ConnectionManager) Send(event string, data interface{}) error {
	m.mu.Lock()
	ws := m.conn
	m.mu.Unlock()

	if ws == nil {
		return coreerrors.New(coreerrors.CodeConnectionError, "not connected")
	}
	return m.write(ws, event, data)
}

func (m *ConnectionManager) write(ws *websocket.Conn, event string, data interface{}) error {
	frame := struct {
		Event string      `json:"event"`
		Data  interface{} `json:"data,omitempty"`
	}{Event: event, Data: data}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(frame); err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeConnectionError, "failed to send %s", event)
	}
	return nil
}

func (m *ConnectionManager) closeConn(ws *websocket.Conn, code int, text string) {
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	_ = ws.Close()
}

// ============================================================================
// 凭据失效
// ============================================================================

// handleAuthInvalid 服务端拒绝凭据：清除凭据、断开且不再重连，由配对流程重新取码
func (m *ConnectionManager) handleAuthInvalid(gen uint64, reason error) {
	if err := m.creds.Clear(); err != nil {
		corelog.Errorf("ConnectionManager: failed to clear credential: %v", err)
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	ws := m.conn
	m.generation++
	m.conn = nil
	m.socketID = ""
	m.stopTimersLocked()
	m.attempts = 0
	m.state = StateDisconnected
	if ws != nil {
		m.lastDisconnectedAt = m.clock.Now()
	}
	m.recordErrorLocked(reason)
	m.mu.Unlock()

	if ws != nil {
		m.closeConn(ws, websocket.CloseNormalClosure, "credential rejected")
	}

	corelog.Warnf("ConnectionManager: credential rejected by server, cleared")
	m.emit(
		Event{Type: EventStateChanged, State: StateDisconnected, Err: reason},
		Event{Type: EventAuthInvalid, Err: reason},
	)
}
