package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestReduce_HappyPath(t *testing.T) {
	s := InitialPairingState()

	s = Reduce(s, RequestCode{}, t0)
	assert.Equal(t, PairingRequesting, s.PairingState)
	assert.Equal(t, 1, s.RetryCount)

	s = Reduce(s, CodeReceived{Code: "ABC123", DeviceID: "dev-1", ExpiresAt: t0.Add(5 * time.Minute)}, t0)
	assert.Equal(t, PairingCodeReady, s.PairingState)
	assert.Equal(t, "ABC123", s.Code)
	assert.Equal(t, "dev-1", s.DeviceID)
	assert.Equal(t, 0, s.RetryCount)
	assert.True(t, s.HasCode())

	s = Reduce(s, Waiting{}, t0)
	assert.Equal(t, PairingWaiting, s.PairingState)

	s = Reduce(s, Paired{DeviceID: "dev-1", Token: "tok"}, t0.Add(time.Minute))
	assert.Equal(t, PairingPaired, s.PairingState)
	assert.Empty(t, s.Code)
	assert.False(t, s.HasCode())
}

func TestReduce_PairedIsSticky(t *testing.T) {
	s := Reduce(InitialPairingState(), Paired{DeviceID: "dev-1"}, t0)
	require.Equal(t, PairingPaired, s.PairingState)

	for _, a := range []Action{
		RequestCode{},
		CodeReceived{Code: "XYZ789"},
		Waiting{},
		CodeExpired{},
		RequestFailed{Reason: "boom"},
	} {
		next := Reduce(s, a, t0)
		assert.Equal(t, PairingPaired, next.PairingState, a.actionName())
		assert.Empty(t, next.Code, a.actionName())
	}

	// 连接状态照常更新
	next := Reduce(s, ConnectionChanged{State: StateDisconnected}, t0)
	assert.Equal(t, PairingPaired, next.PairingState)
	assert.Equal(t, StateDisconnected, next.ConnectionState)

	// 只有 Reset 能离开 PAIRED
	next = Reduce(s, Reset{}, t0)
	assert.Equal(t, PairingIdle, next.PairingState)
	assert.Equal(t, "dev-1", next.DeviceID)
}

func TestReduce_PairedFromAnyState(t *testing.T) {
	states := []ClientPairingState{
		InitialPairingState(),
		{PairingState: PairingRequesting},
		{PairingState: PairingCodeReady, Code: "ABC123"},
		{PairingState: PairingExpired},
		{PairingState: PairingError, LastError: "x"},
	}
	for _, s := range states {
		next := Reduce(s, Paired{DeviceID: "dev-1"}, t0)
		assert.Equal(t, PairingPaired, next.PairingState, string(s.PairingState))
		assert.Empty(t, next.LastError)
	}
}

func TestReduce_ExpiryClearsCode(t *testing.T) {
	ready := Reduce(InitialPairingState(), CodeReceived{Code: "ABC123", ExpiresAt: t0.Add(5 * time.Minute)}, t0)

	// 旧码的通知不影响当前码
	s := Reduce(ready, CodeExpired{Code: "OLD999"}, t0)
	assert.Equal(t, PairingCodeReady, s.PairingState)
	assert.Equal(t, "ABC123", s.Code)

	s = Reduce(ready, CodeExpired{Code: "ABC123"}, t0)
	assert.Equal(t, PairingExpired, s.PairingState)
	assert.Empty(t, s.Code)
	assert.True(t, s.CodeExpiresAt.IsZero())

	// 已到期的码即使没有收到通知也不再展示
	s = Reduce(ready, Waiting{}, t0.Add(301*time.Second))
	assert.Equal(t, PairingExpired, s.PairingState)
	assert.Empty(t, s.Code)

	// 请求中的过期通知属于旧码
	s = Reduce(Reduce(s, Reset{}, t0), RequestCode{}, t0)
	s = Reduce(s, CodeExpired{Code: "ABC123"}, t0)
	assert.Equal(t, PairingRequesting, s.PairingState)
}

func TestReduce_ErrorClearsCode(t *testing.T) {
	s := Reduce(InitialPairingState(), CodeReceived{Code: "ABC123"}, t0)
	s = Reduce(s, RequestCode{}, t0)
	assert.Empty(t, s.Code)

	s = Reduce(s, RequestFailed{Reason: "InternalError"}, t0)
	assert.Equal(t, PairingError, s.PairingState)
	assert.Equal(t, "InternalError", s.LastError)
	assert.Empty(t, s.Code)

	// 重新请求清除错误
	s = Reduce(s, RequestCode{}, t0)
	assert.Equal(t, PairingRequesting, s.PairingState)
	assert.Empty(t, s.LastError)
}

func TestReduce_Throttle(t *testing.T) {
	s := InitialPairingState()
	for i := 1; i <= MaxRetryAttempts; i++ {
		s = Reduce(s, RequestCode{}, t0)
		require.Equal(t, PairingRequesting, s.PairingState)
		require.Equal(t, i, s.RetryCount)
		s = Reduce(s, RequestFailed{Reason: "ConnectionError"}, t0)
	}

	// 超过上限进入节流
	s = Reduce(s, RequestCode{}, t0)
	assert.Equal(t, PairingError, s.PairingState)
	assert.Equal(t, t0.Add(ThrottleDuration), s.ThrottledUntil)
	assert.Equal(t, 0, s.RetryCount)

	// 节流期内保持不变，Reset 也不会解除节流
	assert.Equal(t, s, Reduce(s, RequestCode{}, t0.Add(10*time.Second)))
	reset := Reduce(s, Reset{}, t0)
	assert.Equal(t, PairingIdle, Reduce(reset, RequestCode{}, t0.Add(10*time.Second)).PairingState)

	s = Reduce(s, RequestCode{}, t0.Add(ThrottleDuration))
	assert.Equal(t, PairingRequesting, s.PairingState)
	assert.Equal(t, 1, s.RetryCount)
}

func TestReduce_ConnectionChanged(t *testing.T) {
	requesting := Reduce(InitialPairingState(), RequestCode{}, t0)
	s := Reduce(requesting, ConnectionChanged{State: StateDisconnected}, t0)
	assert.Equal(t, PairingError, s.PairingState)
	assert.Equal(t, "connection lost", s.LastError)

	s = Reduce(requesting, ConnectionChanged{State: StateConnecting}, t0)
	assert.Equal(t, PairingRequesting, s.PairingState)

	// 已展示的码在断线期间仍然有效
	ready := Reduce(InitialPairingState(), CodeReceived{Code: "ABC123", ExpiresAt: t0.Add(time.Minute)}, t0)
	s = Reduce(ready, ConnectionChanged{State: StateDisconnected}, t0)
	assert.Equal(t, "ABC123", s.Code)
	assert.Equal(t, StateDisconnected, s.ConnectionState)
}
