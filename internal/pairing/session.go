package pairing

import (
	"time"
)

// Status 配对会话状态
type Status string

const (
	StatusPending Status = "PENDING"
	StatusPaired  Status = "PAIRED"
	StatusExpired Status = "EXPIRED"
	StatusRevoked Status = "REVOKED"
)

// IsTerminal 是否为终态
func (s Status) IsTerminal() bool {
	return s != StatusPending
}

// PairingSession 配对会话
//
// 以配对码为主键。PENDING 只能迁移到 PAIRED、EXPIRED、REVOKED 之一，
// 进入终态后不再变化。
type PairingSession struct {
	Code               string            `json:"code"`
	DeviceID           string            `json:"deviceId"`
	ControllerID       string            `json:"controllerId,omitempty"`
	Status             Status            `json:"status"`
	CreatedAt          time.Time         `json:"createdAt"`
	ExpiresAt          time.Time         `json:"expiresAt"`
	PairedAt           time.Time         `json:"pairedAt"`
	ConnectionAttempts int64             `json:"connectionAttempts"`
	Nickname           string            `json:"nickname,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	DeviceToken        string            `json:"deviceToken,omitempty"`
}

// EffectiveStatus 按给定时间计算的状态
// 已过期但尚未被标记的 PENDING 会话视为 EXPIRED
func (s *PairingSession) EffectiveStatus(now time.Time) Status {
	if s.Status == StatusPending && !now.Before(s.ExpiresAt) {
		return StatusExpired
	}
	return s.Status
}

// Clone 深拷贝
func (s *PairingSession) Clone() *PairingSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// CreateRequest 创建配对会话的参数
type CreateRequest struct {
	DeviceID string            `json:"deviceId,omitempty"`
	Nickname string            `json:"nickname,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
