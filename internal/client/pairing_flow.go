package client

import (
	"context"
	"math"
	"sync"
	"time"

	"signage-core/internal/core/dispose"
	corelog "signage-core/internal/core/log"
	"signage-core/internal/pairing"
	"signage-core/internal/realtime"
	"signage-core/internal/utils/timeutil"
)

// Connection 配对流程依赖的连接能力，由 ConnectionManager 实现
type Connection interface {
	Subscribe(handler func(Event)) Subscription
	Connect(ctx context.Context) error
	Send(event string, data interface{}) error
	State() ConnectionState
	Credentials() CredentialStore
}

// PairingFlowOptions 可注入的依赖
type PairingFlowOptions struct {
	Clock     timeutil.Clock
	DeviceID  string // 首次取码使用的设备ID，为空时由服务端分配
	Nickname  string
	ServerURL string // 写入凭据，便于排查
}

// PairingFlow 设备端配对流程
//
// 把连接事件翻译成状态机动作：连接建立后自动取码，配对成功后持久化凭据，
// 凭据失效时清除状态重新取码。已有凭据的设备启动时直接进入 PAIRED。
type PairingFlow struct {
	*dispose.ManagerBase

	conn   Connection
	creds  CredentialStore
	clock  timeutil.Clock
	config FlowConfig
	opts   PairingFlowOptions

	mu          sync.Mutex
	state       ClientPairingState
	failures    int
	retryTimer  timeutil.Timer
	expiryTimer timeutil.Timer
	sub         Subscription
	started     bool

	watchers *dispatcher[ClientPairingState]
}

// NewPairingFlow 创建配对流程
func NewPairingFlow(ctx context.Context, conn Connection, config FlowConfig, opts PairingFlowOptions) *PairingFlow {
	def := DefaultClientConfig().Pairing
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = def.RetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = def.RetryMaxDelay
	}
	if config.RetryFactor < 1 {
		config.RetryFactor = def.RetryFactor
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.Real()
	}

	state := InitialPairingState()
	state.DeviceID = opts.DeviceID

	f := &PairingFlow{
		ManagerBase: dispose.NewManager("PairingFlow", ctx),
		conn:        conn,
		creds:       conn.Credentials(),
		clock:       opts.Clock,
		config:      config,
		opts:        opts,
		state:       state,
		watchers:    newDispatcher[ClientPairingState](),
	}
	f.AddCleanHandler(f.onClose)
	return f
}

// Close 停止流程（不关闭连接）
func (f *PairingFlow) Close() error {
	return f.CloseWithError()
}

func (f *PairingFlow) onClose() error {
	f.mu.Lock()
	sub := f.sub
	f.sub = nil
	f.stopTimersLocked()
	f.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	return nil
}

// Watch 订阅状态变化
func (f *PairingFlow) Watch(handler func(ClientPairingState)) Subscription {
	return f.watchers.subscribe(handler)
}

// State 当前状态快照
func (f *PairingFlow) State() ClientPairingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// dispatch 执行一次状态迁移并通知订阅者
func (f *PairingFlow) dispatch(action Action) ClientPairingState {
	f.mu.Lock()
	prev := f.state
	next := Reduce(prev, action, f.clock.Now())
	f.state = next
	f.mu.Unlock()

	if next != prev {
		corelog.Debugf("PairingFlow: %s %s -> %s", action.actionName(), prev.PairingState, next.PairingState)
		f.watchers.emit(next)
	}
	return next
}

// ============================================================================
// 启动与重置
// ============================================================================

// Start 订阅连接事件并连接；已有凭据时跳过配对
func (f *PairingFlow) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return nil
	}
	f.started = true
	f.mu.Unlock()

	sub := f.conn.Subscribe(f.onEvent)
	f.mu.Lock()
	f.sub = sub
	f.mu.Unlock()

	cred, err := f.creds.Load()
	if err != nil {
		corelog.Warnf("PairingFlow: failed to load credential: %v", err)
	}
	if cred != nil {
		corelog.Infof("PairingFlow: credential found for device %s, skipping pairing", cred.DeviceID)
		f.dispatch(Paired{DeviceID: cred.DeviceID, Token: cred.Token})
	}

	// 连接已建立时不会再收到 CONNECTED 事件
	if f.conn.State() == StateConnected {
		f.onConnected()
		return nil
	}
	if err := f.conn.Connect(ctx); err != nil {
		// 连接管理器会自行重连
		corelog.Warnf("PairingFlow: initial connect failed: %v", err)
	}
	return nil
}

// Restart 放弃当前凭据与配对码，重新取码
func (f *PairingFlow) Restart() {
	if err := f.creds.Clear(); err != nil {
		corelog.Errorf("PairingFlow: failed to clear credential: %v", err)
	}

	f.mu.Lock()
	f.stopTimersLocked()
	f.failures = 0
	f.mu.Unlock()

	f.dispatch(Reset{})
	if f.conn.State() == StateConnected {
		f.requestCode()
	}
}

// ============================================================================
// 事件处理
// ============================================================================

func (f *PairingFlow) onEvent(e Event) {
	if f.IsClosed() {
		return
	}
	switch e.Type {
	case EventStateChanged:
		f.dispatch(ConnectionChanged{State: e.State})
		if e.State == StateConnected {
			f.onConnected()
		}
	case EventMessage:
		f.onMessage(e.Message)
	case EventAuthInvalid:
		f.onAuthInvalid()
	case EventOffline:
		corelog.Errorf("PairingFlow: connection offline, waiting for manual reconnect")
	}
}

func (f *PairingFlow) onConnected() {
	f.mu.Lock()
	st := f.state.PairingState
	retryPending := f.retryTimer != nil
	f.mu.Unlock()

	switch st {
	case PairingPaired:
		return
	case PairingError:
		if retryPending {
			return
		}
	}
	// 新连接上重新取码，服务端按设备只保留最新会话
	f.requestCode()
}

func (f *PairingFlow) onMessage(msg *Message) {
	if msg == nil {
		return
	}

	switch msg.Event {
	case pairing.EventPairingCode:
		var p pairing.PairingCodePayload
		if err := msg.Decode(&p); err != nil {
			corelog.Warnf("PairingFlow: malformed %s: %v", msg.Event, err)
			return
		}
		f.onCode(p)

	case pairing.EventPairTimeout, pairing.EventPairingRevoked:
		var p pairing.CodePayload
		_ = msg.Decode(&p)
		f.onExpired(p.Code)

	case pairing.EventPaired:
		var p pairing.PairedPayload
		if err := msg.Decode(&p); err != nil {
			corelog.Warnf("PairingFlow: malformed %s: %v", msg.Event, err)
			return
		}
		f.onPaired(p)

	case realtime.EventError:
		var p realtime.ErrorPayload
		_ = msg.Decode(&p)
		if f.State().PairingState == PairingRequesting {
			f.onRequestFailed(p.Reason)
		} else {
			corelog.Debugf("PairingFlow: server error %s", p.Reason)
		}

	case pairing.EventResumed:
		corelog.Infof("PairingFlow: session resumed")

	case realtime.EventServerShutdown:
		var p realtime.ShutdownPayload
		_ = msg.Decode(&p)
		corelog.Warnf("PairingFlow: server shutting down: %s", p.Message)
	}
}

func (f *PairingFlow) onCode(p pairing.PairingCodePayload) {
	f.dispatch(CodeReceived{Code: p.Code, DeviceID: p.DeviceID, ExpiresAt: p.ExpiresAt})
	state := f.dispatch(Waiting{})
	if !state.HasCode() {
		return
	}

	code := p.Code
	f.mu.Lock()
	f.failures = 0
	f.stopRetryLocked()
	if f.expiryTimer != nil {
		f.expiryTimer.Stop()
	}
	// 本地兜底，服务端的 pair-timeout 丢失时仍能按时清除配对码
	if !p.ExpiresAt.IsZero() {
		f.expiryTimer = f.clock.AfterFunc(p.ExpiresAt.Sub(f.clock.Now()), func() {
			f.onExpired(code)
		})
	}
	f.mu.Unlock()

	corelog.Infof("PairingFlow: pairing code %s ready (expires %s)", code, p.ExpiresAt.Format(time.RFC3339))
}

func (f *PairingFlow) onExpired(code string) {
	state := f.dispatch(CodeExpired{Code: code})
	if state.PairingState != PairingExpired {
		return
	}

	f.mu.Lock()
	if f.expiryTimer != nil {
		f.expiryTimer.Stop()
		f.expiryTimer = nil
	}
	f.mu.Unlock()

	corelog.Infof("PairingFlow: pairing code expired")
	f.dispatch(Reset{})
	if f.config.AutoRestart && f.conn.State() == StateConnected {
		f.requestCode()
	}
}

func (f *PairingFlow) onPaired(p pairing.PairedPayload) {
	f.mu.Lock()
	f.stopTimersLocked()
	f.failures = 0
	f.mu.Unlock()

	if p.Token != "" {
		cred := &Credential{
			DeviceID:  p.DeviceID,
			Token:     p.Token,
			ServerURL: f.opts.ServerURL,
			PairedAt:  f.clock.Now(),
		}
		if err := f.creds.Save(cred); err != nil {
			corelog.Errorf("PairingFlow: failed to persist credential: %v", err)
		}
	}

	f.dispatch(Paired{DeviceID: p.DeviceID, Token: p.Token})
	corelog.Infof("PairingFlow: paired as device %s", p.DeviceID)
}

// onAuthInvalid 凭据被拒绝，连接管理器已清除凭据并断开
func (f *PairingFlow) onAuthInvalid() {
	f.mu.Lock()
	f.stopTimersLocked()
	f.failures = 0
	f.mu.Unlock()

	f.dispatch(Reset{})
	corelog.Warnf("PairingFlow: credential rejected, restarting pairing")

	// 在事件回调之外重新连接
	go func() {
		if err := f.conn.Connect(f.Ctx()); err != nil {
			corelog.Warnf("PairingFlow: reconnect after credential rejection failed: %v", err)
		}
	}()
}

// ============================================================================
// 取码与重试
// ============================================================================

func (f *PairingFlow) requestCode() {
	if f.IsClosed() {
		return
	}

	f.mu.Lock()
	f.stopRetryLocked()
	f.mu.Unlock()

	state := f.dispatch(RequestCode{})
	if state.PairingState != PairingRequesting {
		// 节流中，到期后再试
		wait := state.ThrottledUntil.Sub(f.clock.Now())
		if wait > 0 {
			corelog.Warnf("PairingFlow: too many attempts, retrying in %v", wait)
			f.mu.Lock()
			f.scheduleRetryLocked(wait)
			f.mu.Unlock()
		}
		return
	}

	payload := realtime.RequestCodePayload{
		DeviceID: state.DeviceID,
		Nickname: f.opts.Nickname,
	}
	if err := f.conn.Send(realtime.EventRequestPairingCode, payload); err != nil {
		f.onRequestFailed(err.Error())
	}
}

func (f *PairingFlow) onRequestFailed(reason string) {
	state := f.dispatch(RequestFailed{Reason: reason})
	if state.PairingState != PairingError {
		return
	}

	f.mu.Lock()
	delay := f.retryDelay(f.failures)
	f.failures++
	f.scheduleRetryLocked(delay)
	f.mu.Unlock()

	corelog.Warnf("PairingFlow: request failed (%s), retrying in %v", reason, delay)
}

// retryDelay 第 n 次失败后的等待：RetryBaseDelay*RetryFactor^n，上限 RetryMaxDelay
func (f *PairingFlow) retryDelay(n int) time.Duration {
	d := float64(f.config.RetryBaseDelay) * math.Pow(f.config.RetryFactor, float64(n))
	if d > float64(f.config.RetryMaxDelay) {
		return f.config.RetryMaxDelay
	}
	return time.Duration(d)
}

func (f *PairingFlow) scheduleRetryLocked(d time.Duration) {
	f.stopRetryLocked()
	var t timeutil.Timer
	t = f.clock.AfterFunc(d, func() {
		f.mu.Lock()
		if f.retryTimer != t {
			f.mu.Unlock()
			return
		}
		f.retryTimer = nil
		f.mu.Unlock()
		// 未连接时由连接建立事件触发取码
		if f.conn.State() == StateConnected {
			f.requestCode()
		}
	})
	f.retryTimer = t
}

func (f *PairingFlow) stopRetryLocked() {
	if f.retryTimer != nil {
		f.retryTimer.Stop()
		f.retryTimer = nil
	}
}

func (f *PairingFlow) stopTimersLocked() {
	f.stopRetryLocked()
	if f.expiryTimer != nil {
		f.expiryTimer.Stop()
		f.expiryTimer = nil
	}
}
