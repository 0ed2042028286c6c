package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"signage-core/internal/breaker"
	"signage-core/internal/broker"
	"signage-core/internal/core/dispose"
	coreerrors "signage-core/internal/core/errors"
	corelog "signage-core/internal/core/log"
	"signage-core/internal/core/metrics"
	"signage-core/internal/utils/timeutil"
)

const DefaultSweepInterval = 60 * time.Second

// EngineConfig 协议引擎配置
type EngineConfig struct {
	// PairingURL 展示给用户的配对地址，包含 %s 时替换为配对码，否则追加 code 查询参数
	PairingURL    string        `yaml:"pairing_url"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// EngineOptions 协议引擎依赖
type EngineOptions struct {
	Store     *SessionStore
	Tokens    *TokenIssuer
	Breakers  *breaker.Registry    // 可选，为空时直接确认
	Broker    broker.MessageBroker // 可选，为空时仅单节点投递
	Metrics   metrics.Metrics      // 可选
	Clock     timeutil.Clock       // 可选，默认系统时钟
	NoSweeper bool                 // 不启动后台清扫（测试中手动调用 Sweep）
}

// PairResult 配对成功的结果
type PairResult struct {
	Session        *PairingSession
	DeviceToken    string
	TokenExpiresAt time.Time
}

// StatusView 配对状态查询结果
type StatusView struct {
	Code        string    `json:"code"`
	Status      string    `json:"status"`
	DeviceID    string    `json:"deviceId"`
	ExpiresAt   time.Time `json:"expiresAt"`
	DeviceToken string    `json:"deviceToken,omitempty"`
}

// EngineStats 引擎运行统计
type EngineStats struct {
	Sockets       int `json:"sockets"`
	Devices       int `json:"devices"`
	Controllers   int `json:"controllers"`
	Bindings      int `json:"bindings"`
	PendingTimers int `json:"pendingTimers"`
}

type socketState struct {
	clientType   string
	deviceID     string
	controllerID string
}

// Engine 配对协议引擎
//
// 职责：
//   - 处理设备的取码请求与控制端的配对请求
//   - 维护设备与控制端的绑定，限定内容下发范围
//   - 配对码到期时通知设备（定时器为主，后台清扫兜底）
//
// 设计：
//   - 不直接依赖 websocket，通过 Notifier 投递事件
//   - 领域事件发布到 MessageBroker，其他节点为自己持有的 socket 转发
//   - 确认操作经过 pairing-confirm 熔断器，存储不可用时返回 ConnectionError
type Engine struct {
	*dispose.ServiceBase

	cfg      EngineConfig
	store    *SessionStore
	tokens   *TokenIssuer
	breakers *breaker.Registry
	broker   broker.MessageBroker
	metrics  metrics.Metrics
	clock    timeutil.Clock

	notifierMu sync.RWMutex
	notifier   Notifier

	mu                sync.RWMutex
	sockets           map[string]*socketState        // socketID -> state
	deviceSockets     map[string]string              // deviceID -> socketID
	controllerSockets map[string]map[string]struct{} // controllerID -> socketIDs
	bindings          map[string]map[string]struct{} // deviceID -> controllerIDs
	timers            map[string]timeutil.Timer      // code -> expiry timer
}

// NewEngine 创建协议引擎
func NewEngine(ctx context.Context, cfg EngineConfig, opts EngineOptions) (*Engine, error) {
	if opts.Store == nil || opts.Tokens == nil {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "pairing engine requires a session store and token issuer")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.Real()
	}

	e := &Engine{
		ServiceBase:       dispose.NewService("PairingEngine", ctx),
		cfg:               cfg,
		store:             opts.Store,
		tokens:            opts.Tokens,
		breakers:          opts.Breakers,
		broker:            opts.Broker,
		metrics:           opts.Metrics,
		clock:             clock,
		sockets:           make(map[string]*socketState),
		deviceSockets:     make(map[string]string),
		controllerSockets: make(map[string]map[string]struct{}),
		bindings:          make(map[string]map[string]struct{}),
		timers:            make(map[string]timeutil.Timer),
	}
	e.AddCleanHandler(e.stopTimers)

	if e.broker != nil {
		if err := e.subscribe(); err != nil {
			e.Close()
			return nil, err
		}
	}
	if !opts.NoSweeper {
		go e.sweepLoop()
	}

	corelog.Infof("PairingEngine: started (sweep interval %s)", cfg.SweepInterval)
	return e, nil
}

// Close 停止引擎
func (e *Engine) Close() error {
	return e.CloseWithError()
}

// SetNotifier 设置事件投递方
func (e *Engine) SetNotifier(n Notifier) {
	e.notifierMu.Lock()
	defer e.notifierMu.Unlock()
	e.notifier = n
}

func (e *Engine) deliver(socketID, event string, data interface{}) bool {
	if socketID == "" {
		return false
	}
	e.notifierMu.RLock()
	n := e.notifier
	e.notifierMu.RUnlock()
	if n == nil {
		return false
	}
	return n.SendToSocket(socketID, event, data)
}

func (e *Engine) record(fn func(metrics.Metrics) error) {
	if e.metrics == nil {
		return
	}
	if err := fn(e.metrics); err != nil {
		corelog.Debugf("PairingEngine: failed to record metric: %v", err)
	}
}

// ============================================================================
// Socket 登记
// ============================================================================

// Attach 登记一个新的 socket；控制端未提供标识时以 socketID 作为控制端ID
func (e *Engine) Attach(socketID, clientType, controllerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := &socketState{clientType: clientType}
	if clientType == ClientTypeController {
		if controllerID == "" {
			controllerID = socketID
		}
		state.controllerID = controllerID
		set := e.controllerSockets[controllerID]
		if set == nil {
			set = make(map[string]struct{})
			e.controllerSockets[controllerID] = set
		}
		set[socketID] = struct{}{}
	}
	e.sockets[socketID] = state
}

// ControllerID 返回 socket 对应的控制端ID
func (e *Engine) ControllerID(socketID string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st := e.sockets[socketID]; st != nil {
		return st.controllerID
	}
	return ""
}

// DeviceID 返回 socket 当前代表的设备ID
func (e *Engine) DeviceID(socketID string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st := e.sockets[socketID]; st != nil {
		return st.deviceID
	}
	return ""
}

// attachDeviceLocked 把设备映射到 socket，同一设备的旧 socket 失去映射
func (e *Engine) attachDeviceLocked(deviceID, socketID string) {
	if prev, ok := e.deviceSockets[deviceID]; ok && prev != socketID {
		if st := e.sockets[prev]; st != nil {
			st.deviceID = ""
		}
	}
	if st := e.sockets[socketID]; st != nil {
		if st.deviceID != "" && st.deviceID != deviceID && e.deviceSockets[st.deviceID] == socketID {
			delete(e.deviceSockets, st.deviceID)
		}
		st.deviceID = deviceID
	}
	e.deviceSockets[deviceID] = socketID
}

func (e *Engine) bindLocked(deviceID, controllerID string) {
	set := e.bindings[deviceID]
	if set == nil {
		set = make(map[string]struct{})
		e.bindings[deviceID] = set
	}
	set[controllerID] = struct{}{}
}

func (e *Engine) deviceSocket(deviceID string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.deviceSockets[deviceID]
}

func (e *Engine) controllerSocketList(controllerID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set := e.controllerSockets[controllerID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// IsBound 设备与控制端是否存在绑定
func (e *Engine) IsBound(deviceID, controllerID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.bindings[deviceID][controllerID]
	return ok
}

// ============================================================================
// 设备取码
// ============================================================================

// RequestCode 为设备签发配对码
// socketID 为空表示来自 HTTP 旁路，此时不投递 pairing-code 事件
func (e *Engine) RequestCode(ctx context.Context, socketID string, req CreateRequest) (*PairingSession, error) {
	if socketID != "" {
		e.mu.RLock()
		st := e.sockets[socketID]
		e.mu.RUnlock()
		if st == nil {
			return nil, coreerrors.Newf(coreerrors.CodeNotFound, "socket %s is not attached", socketID)
		}
		if st.clientType != ClientTypeDevice {
			return nil, coreerrors.New(coreerrors.CodeForbidden, "only devices may request pairing codes")
		}
		if req.DeviceID == "" {
			req.DeviceID = st.deviceID
		}
	}
	if req.DeviceID != "" && !e.claimableDeviceID(ctx, socketID, req.DeviceID) {
		corelog.WithFields(map[string]interface{}{
			corelog.FieldDeviceID: req.DeviceID,
			corelog.FieldSocketID: socketID,
		}).Warnf("PairingEngine: device id already claimed, assigning a new one")
		req.DeviceID = ""
	}

	sess, err := e.store.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	if socketID != "" {
		e.mu.Lock()
		e.attachDeviceLocked(sess.DeviceID, socketID)
		e.mu.Unlock()
	}
	e.scheduleExpiry(sess)
	e.record(func(m metrics.Metrics) error {
		return m.IncrementCounter(metrics.PairingCodesIssued, nil)
	})

	e.deliver(socketID, EventPairingCode, PairingCodePayload{
		Code:       sess.Code,
		DeviceID:   sess.DeviceID,
		ExpiresAt:  sess.ExpiresAt,
		PairingURL: e.PairingURL(sess.Code),
	})
	e.publish(ctx, broker.TopicCodeIssued, broker.CodeIssuedMessage{
		Code:      sess.Code,
		DeviceID:  sess.DeviceID,
		ExpiresAt: sess.ExpiresAt.Unix(),
	})

	corelog.WithFields(map[string]interface{}{
		corelog.FieldCode:     sess.Code,
		corelog.FieldDeviceID: sess.DeviceID,
		corelog.FieldSocketID: socketID,
	}).Infof("PairingEngine: pairing code issued")
	return sess, nil
}

// claimableDeviceID 客户端自带的设备ID能否用于取码
// 在线、已绑定或已配对的设备ID只属于持有它的 socket（取码或令牌恢复得到）
func (e *Engine) claimableDeviceID(ctx context.Context, socketID, deviceID string) bool {
	e.mu.RLock()
	owner, online := e.deviceSockets[deviceID]
	bound := len(e.bindings[deviceID]) > 0
	e.mu.RUnlock()

	if socketID != "" && online && owner == socketID {
		return true
	}
	if online || bound {
		return false
	}

	sess, err := e.store.GetByDevice(ctx, deviceID)
	if err != nil {
		return coreerrors.IsCode(err, coreerrors.CodeNotFound) || coreerrors.IsCode(err, coreerrors.CodeCodeNotFound)
	}
	return sess.Status != StatusPaired
}

// PairingURL 生成配对地址
func (e *Engine) PairingURL(code string) string {
	base := e.cfg.PairingURL
	if base == "" {
		return ""
	}
	if strings.Contains(base, "%s") {
		return fmt.Sprintf(base, url.QueryEscape(code))
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "code=" + url.QueryEscape(code)
}

// ============================================================================
// 控制端配对
// ============================================================================

type confirmOutcome struct {
	session *PairingSession
	err     error
}

// PairRequest 控制端通过 socket 提交配对码
// 成功时向控制端投递 pair-success，失败时投递 pair-failed
func (e *Engine) PairRequest(ctx context.Context, socketID, code string) (*PairResult, error) {
	e.mu.RLock()
	st := e.sockets[socketID]
	e.mu.RUnlock()
	if st == nil || st.clientType != ClientTypeController {
		err := coreerrors.New(coreerrors.CodeForbidden, "only controllers may submit pairing codes")
		e.deliver(socketID, EventPairFailed, FailurePayload{Reason: coreerrors.PairingReason(err)})
		return nil, err
	}

	result, err := e.confirm(ctx, code, st.controllerID)
	if err != nil {
		e.deliver(socketID, EventPairFailed, FailurePayload{Reason: coreerrors.PairingReason(err)})
		return nil, err
	}
	e.deliver(socketID, EventPairSuccess, DevicePayload{DeviceID: result.Session.DeviceID})
	return result, nil
}

// Complete HTTP 旁路的配对确认；deviceID 非空时必须与会话一致
func (e *Engine) Complete(ctx context.Context, code, deviceID, controllerID string) (*PairResult, error) {
	if deviceID != "" {
		sess, err := e.store.Get(ctx, code)
		if err != nil {
			e.countConfirm(err)
			return nil, err
		}
		if sess.DeviceID != deviceID {
			err := coreerrors.New(coreerrors.CodeValidationError, "device id does not match pairing code")
			e.countConfirm(err)
			return nil, err
		}
	}
	return e.confirm(ctx, code, controllerID)
}

func (e *Engine) confirm(ctx context.Context, code, controllerID string) (*PairResult, error) {
	start := time.Now()
	outcome := e.confirmThroughBreaker(ctx, code, controllerID)
	e.record(func(m metrics.Metrics) error {
		return m.ObserveHistogram(metrics.PairingConfirmDuration, time.Since(start).Seconds(), nil)
	})
	e.countConfirm(outcome.err)

	if outcome.err != nil {
		corelog.WithFields(map[string]interface{}{
			corelog.FieldCode:       NormalizeCode(code),
			corelog.FieldController: controllerID,
		}).Infof("PairingEngine: pairing failed: %s", coreerrors.PairingReason(outcome.err))
		return nil, outcome.err
	}

	sess := outcome.session
	token, expiresAt, err := e.tokens.Issue(sess.DeviceID, sess.ControllerID)
	if err != nil {
		corelog.Errorf("PairingEngine: failed to issue token for %s: %v", sess.DeviceID, err)
		return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "failed to issue device token")
	}
	if updated, err := e.store.SetDeviceToken(ctx, sess.Code, token); err != nil {
		corelog.Warnf("PairingEngine: failed to persist token for %s: %v", sess.Code, err)
		sess.DeviceToken = token
	} else {
		sess = updated
	}

	e.cancelExpiry(sess.Code)
	e.mu.Lock()
	e.bindLocked(sess.DeviceID, sess.ControllerID)
	e.mu.Unlock()

	e.deliver(e.deviceSocket(sess.DeviceID), EventPaired, PairedPayload{DeviceID: sess.DeviceID, Token: token})
	e.publish(ctx, broker.TopicPaired, broker.PairedMessage{
		Code:         sess.Code,
		DeviceID:     sess.DeviceID,
		ControllerID: sess.ControllerID,
		Token:        token,
		Timestamp:    e.clock.Now().Unix(),
	})

	corelog.WithFields(map[string]interface{}{
		corelog.FieldCode:       sess.Code,
		corelog.FieldDeviceID:   sess.DeviceID,
		corelog.FieldController: sess.ControllerID,
	}).Infof("PairingEngine: device paired")

	return &PairResult{Session: sess, DeviceToken: token, TokenExpiresAt: expiresAt}, nil
}

// confirmThroughBreaker 只有存储类故障计入熔断，配对业务错误原样返回
func (e *Engine) confirmThroughBreaker(ctx context.Context, code, controllerID string) confirmOutcome {
	primary := func(ctx context.Context) (confirmOutcome, error) {
		sess, err := e.store.Confirm(ctx, code, controllerID)
		if err != nil && !coreerrors.IsPairingError(err) {
			return confirmOutcome{}, err
		}
		return confirmOutcome{session: sess, err: err}, nil
	}

	if e.breakers == nil {
		out, err := primary(ctx)
		if err != nil {
			return confirmOutcome{err: coreerrors.Wrap(err, coreerrors.CodeConnectionError, "pairing confirmation failed")}
		}
		return out
	}

	return breaker.ExecuteWithFallback(ctx, e.breakers, breaker.ResourcePairingConfirm, primary,
		func(_ context.Context, cause error) confirmOutcome {
			return confirmOutcome{err: coreerrors.Wrap(cause, coreerrors.CodeConnectionError, "pairing confirmation unavailable")}
		})
}

func (e *Engine) countConfirm(err error) {
	result := "success"
	if err != nil {
		result = coreerrors.PairingReason(err)
	}
	e.record(func(m metrics.Metrics) error {
		return m.IncrementCounter(metrics.PairingConfirmations, map[string]string{"result": result})
	})
}

// ============================================================================
// 恢复、内容下发、撤销、查询
// ============================================================================

// Resume 设备使用已签发的令牌重新连接，无需重新配对
func (e *Engine) Resume(ctx context.Context, socketID, token string) (*DeviceClaims, error) {
	claims, err := e.tokens.Validate(token)
	if err != nil {
		corelog.WithField(corelog.FieldSocketID, socketID).Warnf("PairingEngine: resume rejected: %v", err)
		return nil, err
	}

	deviceID := claims.DeviceID()
	e.mu.Lock()
	if st := e.sockets[socketID]; st == nil || st.clientType != ClientTypeDevice {
		e.mu.Unlock()
		return nil, coreerrors.New(coreerrors.CodeForbidden, "only devices may resume")
	}
	e.attachDeviceLocked(deviceID, socketID)
	if claims.ControllerID != "" {
		e.bindLocked(deviceID, claims.ControllerID)
	}
	e.mu.Unlock()

	e.deliver(socketID, EventResumed, DevicePayload{DeviceID: deviceID})
	corelog.WithFields(map[string]interface{}{
		corelog.FieldDeviceID: deviceID,
		corelog.FieldSocketID: socketID,
	}).Infof("PairingEngine: device resumed")
	return claims, nil
}

// SendContent 控制端向已绑定的设备下发内容
func (e *Engine) SendContent(ctx context.Context, socketID, deviceID string, content json.RawMessage) error {
	controllerID := e.ControllerID(socketID)
	if controllerID == "" {
		return coreerrors.New(coreerrors.CodeForbidden, "only controllers may send content")
	}
	if !e.IsBound(deviceID, controllerID) {
		return coreerrors.Newf(coreerrors.CodeForbidden, "controller is not paired with display %s", deviceID)
	}

	if e.deliver(e.deviceSocket(deviceID), EventContentUpdate, ContentPayload{Content: content}) {
		return nil
	}
	if e.broker == nil {
		return coreerrors.Newf(coreerrors.CodeNotFound, "display %s is not connected", deviceID)
	}
	e.publish(ctx, broker.TopicDisplayContent, broker.DisplayContentMessage{
		DeviceID:     deviceID,
		ControllerID: controllerID,
		Content:      content,
	})
	return nil
}

// Revoke 撤销仍为 PENDING 的配对码并通知设备
func (e *Engine) Revoke(ctx context.Context, code string) (*PairingSession, error) {
	sess, err := e.store.Revoke(ctx, code)
	if err != nil {
		return nil, err
	}
	e.cancelExpiry(sess.Code)
	e.deliver(e.deviceSocket(sess.DeviceID), EventPairingRevoked, CodePayload{Code: sess.Code})
	e.publish(ctx, broker.TopicRevoked, broker.ExpiredMessage{
		Code:      sess.Code,
		DeviceID:  sess.DeviceID,
		Timestamp: e.clock.Now().Unix(),
	})
	return sess, nil
}

// Status 查询配对状态；令牌仅在已配对时返回
func (e *Engine) Status(ctx context.Context, code string) (*StatusView, error) {
	sess, err := e.store.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	status := sess.EffectiveStatus(e.clock.Now())
	view := &StatusView{
		Code:      sess.Code,
		Status:    strings.ToLower(string(status)),
		DeviceID:  sess.DeviceID,
		ExpiresAt: sess.ExpiresAt,
	}
	if status == StatusPaired {
		view.DeviceToken = sess.DeviceToken
	}
	return view, nil
}

// ActiveSessions 仍有效的配对会话
func (e *Engine) ActiveSessions(ctx context.Context) ([]*PairingSession, error) {
	return e.store.ActiveSessions(ctx)
}

// ============================================================================
// 断开
// ============================================================================

// Disconnect socket 断开
// 已绑定的设备断开时通知其控制端并解除绑定，配对记录本身保留
func (e *Engine) Disconnect(ctx context.Context, socketID string) {
	e.mu.Lock()
	st := e.sockets[socketID]
	if st == nil {
		e.mu.Unlock()
		return
	}
	delete(e.sockets, socketID)

	var (
		deviceID    string
		controllers []string
	)
	switch st.clientType {
	case ClientTypeDevice:
		if st.deviceID != "" && e.deviceSockets[st.deviceID] == socketID {
			deviceID = st.deviceID
			delete(e.deviceSockets, deviceID)
			for ctl := range e.bindings[deviceID] {
				controllers = append(controllers, ctl)
			}
			delete(e.bindings, deviceID)
		}
	case ClientTypeController:
		if set := e.controllerSockets[st.controllerID]; set != nil {
			delete(set, socketID)
			if len(set) == 0 {
				delete(e.controllerSockets, st.controllerID)
			}
		}
	}
	e.mu.Unlock()

	if deviceID == "" || len(controllers) == 0 {
		return
	}

	e.notifyDisplayDisconnected(deviceID, controllers)
	e.publish(ctx, broker.TopicDisplayDisconnected, broker.DisplayDisconnectedMessage{
		DeviceID:      deviceID,
		ControllerIDs: controllers,
		Timestamp:     e.clock.Now().Unix(),
	})
	corelog.WithField(corelog.FieldDeviceID, deviceID).Infof("PairingEngine: display disconnected, notified %d controller(s)", len(controllers))
}

func (e *Engine) notifyDisplayDisconnected(deviceID string, controllers []string) {
	for _, ctl := range controllers {
		for _, sid := range e.controllerSocketList(ctl) {
			e.deliver(sid, EventDisplayDisconnected, DevicePayload{DeviceID: deviceID})
		}
	}
}

// ============================================================================
// 过期
// ============================================================================

func (e *Engine) scheduleExpiry(sess *PairingSession) {
	code := sess.Code
	delay := sess.ExpiresAt.Sub(e.clock.Now())
	timer := e.clock.AfterFunc(delay, func() { e.expire(code) })

	e.mu.Lock()
	if prev, ok := e.timers[code]; ok {
		prev.Stop()
	}
	e.timers[code] = timer
	e.mu.Unlock()
}

func (e *Engine) cancelExpiry(code string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[code]; ok {
		t.Stop()
		delete(e.timers, code)
	}
}

func (e *Engine) expire(code string) {
	e.mu.Lock()
	delete(e.timers, code)
	e.mu.Unlock()

	sess, changed, err := e.store.MarkExpired(e.Ctx(), code)
	if err != nil {
		if !e.IsClosed() {
			corelog.Warnf("PairingEngine: failed to expire %s: %v", code, err)
		}
		return
	}
	if changed {
		e.notifyExpired(sess)
	}
}

// notifyExpired 每个会话只会由首次将其置为 EXPIRED 的一方调用
func (e *Engine) notifyExpired(sess *PairingSession) {
	e.deliver(e.deviceSocket(sess.DeviceID), EventPairTimeout, CodePayload{Code: sess.Code})
	e.publish(e.Ctx(), broker.TopicExpired, broker.ExpiredMessage{
		Code:      sess.Code,
		DeviceID:  sess.DeviceID,
		Timestamp: e.clock.Now().Unix(),
	})
	corelog.WithFields(map[string]interface{}{
		corelog.FieldCode:     sess.Code,
		corelog.FieldDeviceID: sess.DeviceID,
	}).Infof("PairingEngine: pairing code expired")
}

// Sweep 后台清扫：补发遗漏的过期通知并删除超过保留期的会话
func (e *Engine) Sweep(ctx context.Context) (*SweepResult, error) {
	result, err := e.store.Sweep(ctx)
	if result != nil {
		for _, sess := range result.Expired {
			e.cancelExpiry(sess.Code)
			e.notifyExpired(sess)
		}
	}
	return result, err
}

// sweepLoop 定期清理；间隔从上一次清理结束开始计算，慢存储上不会堆积
func (e *Engine) sweepLoop() {
	timer := timeutil.NewSafeTimer(e.cfg.SweepInterval)
	defer timer.Stop()

	for {
		select {
		case <-e.Ctx().Done():
			return
		case <-timer.C():
			if _, err := e.Sweep(e.Ctx()); err != nil && e.Ctx().Err() == nil {
				corelog.Warnf("PairingEngine: sweep failed: %v", err)
			}
			timer.Reset(e.cfg.SweepInterval)
		}
	}
}

func (e *Engine) stopTimers() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for code, t := range e.timers {
		t.Stop()
		delete(e.timers, code)
	}
	return nil
}

// Stats 运行统计
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	bindings := 0
	for _, set := range e.bindings {
		bindings += len(set)
	}
	return EngineStats{
		Sockets:       len(e.sockets),
		Devices:       len(e.deviceSockets),
		Controllers:   len(e.controllerSockets),
		Bindings:      bindings,
		PendingTimers: len(e.timers),
	}
}
