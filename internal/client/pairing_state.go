package client

import (
	"time"
)

// PairingState 设备端配对状态
type PairingState string

const (
	PairingIdle       PairingState = "IDLE"
	PairingRequesting PairingState = "REQUESTING"
	PairingCodeReady  PairingState = "CODE_READY"
	PairingWaiting    PairingState = "WAITING"
	PairingPaired     PairingState = "PAIRED"
	PairingExpired    PairingState = "EXPIRED"
	PairingError      PairingState = "ERROR"
)

const (
	// MaxRetryAttempts 连续取码失败的上限，超过后进入节流
	MaxRetryAttempts = 5
	// ThrottleDuration 节流时长
	ThrottleDuration = 30 * time.Second
)

// ClientPairingState 界面可见的配对状态
// 只能通过 Reduce 修改
type ClientPairingState struct {
	PairingState    PairingState    `json:"pairingState"`
	ConnectionState ConnectionState `json:"connectionState"`
	Code            string          `json:"code,omitempty"`
	CodeExpiresAt   time.Time       `json:"codeExpiresAt,omitempty"`
	DeviceID        string          `json:"deviceId,omitempty"`
	RetryCount      int             `json:"retryCount"`
	ThrottledUntil  time.Time       `json:"throttledUntil,omitempty"`
	LastError       string          `json:"lastError,omitempty"`
}

// InitialPairingState 初始状态
func InitialPairingState() ClientPairingState {
	return ClientPairingState{
		PairingState:    PairingIdle,
		ConnectionState: StateDisconnected,
	}
}

// HasCode 当前是否展示有效的配对码
func (s ClientPairingState) HasCode() bool {
	return s.Code != "" && (s.PairingState == PairingCodeReady || s.PairingState == PairingWaiting)
}

// Throttled 是否处于节流期
func (s ClientPairingState) Throttled(now time.Time) bool {
	return now.Before(s.ThrottledUntil)
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Actions
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// Action 状态机输入
type Action interface {
	actionName() string
}

// RequestCode 发起取码
type RequestCode struct{}

// CodeReceived 收到服务端签发的配对码
type CodeReceived struct {
	Code      string
	DeviceID  string
	ExpiresAt time.Time
}

// Waiting 配对码已展示，等待控制端确认
type Waiting struct{}

// Paired 配对完成
type Paired struct {
	DeviceID string
	Token    string
}

// CodeExpired 配对码过期或被撤销；Code 为空时作用于当前码
type CodeExpired struct {
	Code string
}

// RequestFailed 取码失败
type RequestFailed struct {
	Reason string
}

// Reset 回到 IDLE，唯一能离开 PAIRED 的动作
type Reset struct{}

// ConnectionChanged 连接状态变化
type ConnectionChanged struct {
	State ConnectionState
}

func (RequestCode) actionName() string       { return "RequestCode" }
func (CodeReceived) actionName() string      { return "CodeReceived" }
func (Waiting) actionName() string           { return "Waiting" }
func (Paired) actionName() string            { return "Paired" }
func (CodeExpired) actionName() string       { return "CodeExpired" }
func (RequestFailed) actionName() string     { return "RequestFailed" }
func (Reset) actionName() string             { return "Reset" }
func (ConnectionChanged) actionName() string { return "ConnectionChanged" }

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Reducer
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// Reduce 纯函数状态迁移
//
//	IDLE → REQUESTING → CODE_READY → WAITING → PAIRED
//	                                          ↘ EXPIRED → (Reset) IDLE
//	REQUESTING → ERROR（可重试，连续失败超过上限后节流）
//
// 进入 EXPIRED / ERROR 时立即清除配对码；已到期的码在任何动作前先按过期处理。
// PAIRED 只能通过 Reset 离开。
func Reduce(s ClientPairingState, action Action, now time.Time) ClientPairingState {
	if s.PairingState == "" {
		s.PairingState = PairingIdle
	}
	if s.HasCode() && !s.CodeExpiresAt.IsZero() && !now.Before(s.CodeExpiresAt) {
		s = expire(s)
	}

	switch a := action.(type) {
	case Reset:
		return ClientPairingState{
			PairingState:    PairingIdle,
			ConnectionState: s.ConnectionState,
			DeviceID:        s.DeviceID,
			ThrottledUntil:  s.ThrottledUntil,
		}

	case ConnectionChanged:
		s.ConnectionState = a.State
		if s.PairingState == PairingRequesting && a.State != StateConnected && a.State != StateConnecting {
			s = fail(s, "connection lost")
		}
		return s
	}

	if s.PairingState == PairingPaired {
		return s
	}

	switch a := action.(type) {
	case RequestCode:
		if s.Throttled(now) {
			return s
		}
		if s.RetryCount >= MaxRetryAttempts {
			s = fail(s, "too many attempts")
			s.RetryCount = 0
			s.ThrottledUntil = now.Add(ThrottleDuration)
			return s
		}
		s.PairingState = PairingRequesting
		s.Code = ""
		s.CodeExpiresAt = time.Time{}
		s.LastError = ""
		s.RetryCount++

	case CodeReceived:
		if a.Code == "" {
			return s
		}
		s.PairingState = PairingCodeReady
		s.Code = a.Code
		s.CodeExpiresAt = a.ExpiresAt
		if a.DeviceID != "" {
			s.DeviceID = a.DeviceID
		}
		s.LastError = ""
		s.RetryCount = 0

	case Waiting:
		if s.PairingState == PairingCodeReady {
			s.PairingState = PairingWaiting
		}

	case Paired:
		s.PairingState = PairingPaired
		if a.DeviceID != "" {
			s.DeviceID = a.DeviceID
		}
		s.Code = ""
		s.CodeExpiresAt = time.Time{}
		s.LastError = ""
		s.RetryCount = 0
		s.ThrottledUntil = time.Time{}

	case CodeExpired:
		// 旧码的过期通知不影响新码
		if !s.HasCode() || (a.Code != "" && a.Code != s.Code) {
			return s
		}
		s = expire(s)

	case RequestFailed:
		reason := a.Reason
		if reason == "" {
			reason = "request failed"
		}
		s = fail(s, reason)
	}
	return s
}

func expire(s ClientPairingState) ClientPairingState {
	s.PairingState = PairingExpired
	s.Code = ""
	s.CodeExpiresAt = time.Time{}
	return s
}

func fail(s ClientPairingState, reason string) ClientPairingState {
	s.PairingState = PairingError
	s.Code = ""
	s.CodeExpiresAt = time.Time{}
	s.LastError = reason
	return s
}
