package pairing

import (
	"encoding/json"
	"time"
)

// 客户端类型
const (
	ClientTypeDevice     = "device"
	ClientTypeController = "controller"
)

// 服务端下发的事件
const (
	EventPairingCode         = "pairing-code"
	EventPaired              = "paired"
	EventPairTimeout         = "pair-timeout"
	EventPairingRevoked      = "pairing-revoked"
	EventPairSuccess         = "pair-success"
	EventPairFailed          = "pair-failed"
	EventDisplayDisconnected = "display-disconnected"
	EventContentUpdate       = "content-update"
	EventResumed             = "resumed"
)

// Notifier 向本节点持有的 socket 投递事件
// 返回 false 表示 socket 不在本节点或已断开
type Notifier interface {
	SendToSocket(socketID, event string, data interface{}) bool
}

// PairingCodePayload pairing-code
type PairingCodePayload struct {
	Code       string    `json:"code"`
	DeviceID   string    `json:"deviceId"`
	ExpiresAt  time.Time `json:"expiresAt"`
	PairingURL string    `json:"pairingUrl,omitempty"`
}

// PairedPayload paired
type PairedPayload struct {
	DeviceID string `json:"deviceId"`
	Token    string `json:"token,omitempty"`
}

// CodePayload pair-timeout / pairing-revoked
type CodePayload struct {
	Code string `json:"code"`
}

// DevicePayload pair-success / display-disconnected / resumed
type DevicePayload struct {
	DeviceID string `json:"deviceId"`
}

// FailurePayload pair-failed，reason 取自配对错误原因表
type FailurePayload struct {
	Reason string `json:"reason"`
}

// ContentPayload content-update
type ContentPayload struct {
	Content json.RawMessage `json:"content"`
}
