package pairingapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	coreerrors "signage-core/internal/core/errors"
	corelog "signage-core/internal/core/log"
	"signage-core/internal/httpservice"
	"signage-core/internal/pairing"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 请求与响应结构
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// RequestCodeRequest POST /pairing/request
type RequestCodeRequest struct {
	DeviceID string            `json:"deviceId,omitempty"`
	Nickname string            `json:"nickname,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RequestCodeResponse 取码响应
type RequestCodeResponse struct {
	Code       string    `json:"code"`
	DeviceID   string    `json:"deviceId"`
	ExpiresAt  time.Time `json:"expiresAt"`
	PairingURL string    `json:"pairingUrl,omitempty"`
}

// CompleteRequest POST /pairing/complete
type CompleteRequest struct {
	PairingCode  string `json:"pairingCode"`
	DeviceID     string `json:"deviceId,omitempty"`
	ControllerID string `json:"controllerId"`
}

// CompleteResponse 确认响应
type CompleteResponse struct {
	DeviceID       string    `json:"deviceId"`
	DeviceToken    string    `json:"deviceToken"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`
}

// ActiveSession 待配对会话（不含令牌）
type ActiveSession struct {
	Code               string    `json:"code"`
	DeviceID           string    `json:"deviceId"`
	Nickname           string    `json:"nickname,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	ExpiresAt          time.Time `json:"expiresAt"`
	ConnectionAttempts int64     `json:"connectionAttempts"`
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Handlers
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// handleRequest 签发配对码
// POST /pairing/request
func (m *PairingAPIModule) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req RequestCodeRequest
	if !m.decode(w, r, &req) {
		return
	}

	sess, err := m.deps.Pairing.RequestCode(r.Context(), "", pairing.CreateRequest{
		DeviceID: req.DeviceID,
		Nickname: req.Nickname,
		Metadata: req.Metadata,
	})
	if err != nil {
		m.fail(w, "request", err)
		return
	}

	httpservice.RespondSuccess(w, RequestCodeResponse{
		Code:       sess.Code,
		DeviceID:   sess.DeviceID,
		ExpiresAt:  sess.ExpiresAt,
		PairingURL: m.deps.Pairing.PairingURL(sess.Code),
	})
}

// handleStatus 查询配对状态，配对完成后返回设备令牌
// GET /pairing/status/{code}
func (m *PairingAPIModule) handleStatus(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	view, err := m.deps.Pairing.Status(r.Context(), code)
	if err != nil {
		m.fail(w, "status", err)
		return
	}
	httpservice.RespondSuccess(w, view)
}

// handleComplete 控制端通过 HTTP 确认配对
// POST /pairing/complete
func (m *PairingAPIModule) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if !m.decode(w, r, &req) {
		return
	}
	if req.PairingCode == "" || req.ControllerID == "" {
		httpservice.RespondPairingError(w, coreerrors.New(coreerrors.CodeValidationError, "pairingCode and controllerId are required"))
		return
	}

	result, err := m.deps.Pairing.Complete(r.Context(), req.PairingCode, req.DeviceID, req.ControllerID)
	if err != nil {
		m.fail(w, "complete", err)
		return
	}

	httpservice.RespondSuccess(w, CompleteResponse{
		DeviceID:       result.Session.DeviceID,
		DeviceToken:    result.DeviceToken,
		TokenExpiresAt: result.TokenExpiresAt,
	})
}

// handleActive 列出待配对会话
// GET /pairing/active
func (m *PairingAPIModule) handleActive(w http.ResponseWriter, r *http.Request) {
	sessions, err := m.deps.Pairing.ActiveSessions(r.Context())
	if err != nil {
		m.fail(w, "active", err)
		return
	}

	out := make([]ActiveSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, ActiveSession{
			Code:               s.Code,
			DeviceID:           s.DeviceID,
			Nickname:           s.Nickname,
			CreatedAt:          s.CreatedAt,
			ExpiresAt:          s.ExpiresAt,
			ConnectionAttempts: s.ConnectionAttempts,
		})
	}
	httpservice.RespondSuccess(w, out)
}

// handleRevoke 撤销待配对的配对码
// DELETE /pairing/{code}
func (m *PairingAPIModule) handleRevoke(w http.ResponseWriter, r *http.Request) {
	sess, err := m.deps.Pairing.Revoke(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		m.fail(w, "revoke", err)
		return
	}
	httpservice.RespondSuccess(w, map[string]string{
		"code":   sess.Code,
		"status": string(sess.Status),
	})
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 辅助
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// decode 解析 JSON 请求体并执行负载检查，失败时已写回响应
func (m *PairingAPIModule) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return m.screen(w, r, v)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpservice.RespondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		httpservice.RespondPairingError(w, coreerrors.Wrap(err, coreerrors.CodeValidationError, "invalid JSON body"))
		return false
	}
	return m.screen(w, r, v)
}

func (m *PairingAPIModule) screen(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if m.deps.Gate == nil {
		return true
	}
	if err := m.deps.Gate.ValidatePayload(remoteOf(r), v); err != nil {
		httpservice.RespondPairingError(w, err)
		return false
	}
	return true
}

func (m *PairingAPIModule) fail(w http.ResponseWriter, op string, err error) {
	status := httpservice.StatusForError(err)
	if status >= http.StatusInternalServerError {
		corelog.Errorf("PairingAPIModule: %s failed: %v", op, err)
	} else {
		corelog.Debugf("PairingAPIModule: %s rejected: %v", op, err)
	}
	httpservice.RespondPairingError(w, err)
}
