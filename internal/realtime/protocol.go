package realtime

import (
	"encoding/json"
)

// 客户端发往服务端的事件
const (
	EventRequestPairingCode = "request-pairing-code"
	EventPairRequest        = "pair-request"
	EventSendContent        = "send-content"
	EventResume             = "resume"
	EventPing               = "ping"
)

// 服务端自身产生的事件（配对相关事件由引擎通过 Notifier 投递）
const (
	EventPong           = "pong"
	EventError          = "error"
	EventServerShutdown = "server-shutdown"
)

// SocketIDHeader 握手响应中携带服务端分配的 socket ID
const SocketIDHeader = "X-Socket-Id"

// Envelope 实时通道的帧格式
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RequestCodePayload request-pairing-code 的可选参数
type RequestCodePayload struct {
	DeviceID string            `json:"deviceId,omitempty"`
	Nickname string            `json:"nickname,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PairRequestPayload pair-request 参数
type PairRequestPayload struct {
	Code string `json:"code"`
}

// SendContentPayload send-content 参数
type SendContentPayload struct {
	DisplayID string          `json:"displayId"`
	Content   json.RawMessage `json:"content"`
}

// ResumePayload resume 参数
type ResumePayload struct {
	Token string `json:"token"`
}

// ErrorPayload error 事件
type ErrorPayload struct {
	Reason string `json:"reason"`
}

// ShutdownPayload server-shutdown 事件
type ShutdownPayload struct {
	Message string `json:"message"`
}

func encodeEnvelope(event string, data interface{}) ([]byte, error) {
	frame := struct {
		Event string      `json:"event"`
		Data  interface{} `json:"data,omitempty"`
	}{Event: event, Data: data}
	return json.Marshal(frame)
}

// decodeData 解析可选的 data 字段，缺省时保持零值
func decodeData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
