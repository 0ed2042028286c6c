package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signage-core/internal/pairing"
	"signage-core/internal/realtime"
	"signage-core/internal/utils/timeutil"
)

func newTestFlow(t *testing.T, conn Connection, cfg FlowConfig, opts PairingFlowOptions) (*PairingFlow, *stateRecorder) {
	t.Helper()
	flow := NewPairingFlow(context.Background(), conn, cfg, opts)
	t.Cleanup(func() { _ = flow.Close() })

	rec := &stateRecorder{}
	flow.Watch(rec.record)
	return flow, rec
}

func waitPairingState(t *testing.T, flow *PairingFlow, st PairingState) ClientPairingState {
	t.Helper()
	require.Eventually(t, func() bool {
		return flow.State().PairingState == st
	}, waitFor, tick, "pairing state %s not reached", st)
	return flow.State()
}

func requireCodeRequest(t *testing.T, srv *fakeServer) realtime.RequestCodePayload {
	t.Helper()
	env := srv.nextFrame(t)
	require.Equal(t, realtime.EventRequestPairingCode, env.Event)
	var req realtime.RequestCodePayload
	if len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, &req))
	}
	return req
}

func codePayload(clock timeutil.Clock, code, deviceID string) pairing.PairingCodePayload {
	return pairing.PairingCodePayload{
		Code:      code,
		DeviceID:  deviceID,
		ExpiresAt: clock.Now().Add(5 * time.Minute),
	}
}

func TestPairingFlow_RequestsCodeAndPairs(t *testing.T) {
	srv := newFakeServer(t)
	creds := NewMemoryCredentialStore()
	m, _ := newTestManager(t, testConfig(srv.wsURL()), creds, nil)
	clock := newClock()
	flow, rec := newTestFlow(t, m, DefaultClientConfig().Pairing, PairingFlowOptions{
		Clock:     clock,
		DeviceID:  "dev-1",
		Nickname:  "Lobby",
		ServerURL: srv.wsURL(),
	})

	// 1. 连接建立后自动取码
	require.NoError(t, flow.Start(context.Background()))
	req := requireCodeRequest(t, srv)
	assert.Equal(t, "dev-1", req.DeviceID)
	assert.Equal(t, "Lobby", req.Nickname)

	// 2. 收到配对码后进入等待
	srv.push(t, pairing.EventPairingCode, codePayload(clock, "ABC123", "dev-1"))
	st := waitPairingState(t, flow, PairingWaiting)
	assert.Equal(t, "ABC123", st.Code)
	assert.Equal(t, StateConnected, st.ConnectionState)
	_, ok := rec.seen(PairingCodeReady)
	assert.True(t, ok)

	// 3. 配对成功，凭据落盘，本地过期定时器取消
	srv.push(t, pairing.EventPaired, pairing.PairedPayload{DeviceID: "dev-1", Token: "tok-1"})
	st = waitPairingState(t, flow, PairingPaired)
	assert.Empty(t, st.Code)

	cred, err := creds.Load()
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "dev-1", cred.DeviceID)
	assert.Equal(t, "tok-1", cred.Token)
	assert.Equal(t, srv.wsURL(), cred.ServerURL)
	assert.True(t, clock.Now().Equal(cred.PairedAt))
	assert.Equal(t, 0, clock.PendingTimers())
}

func TestPairingFlow_RetryBackoff(t *testing.T) {
	srv := newFakeServer(t)
	m, _ := newTestManager(t, testConfig(srv.wsURL()), nil, nil)
	clock := newClock()
	flow, _ := newTestFlow(t, m, FlowConfig{
		RetryBaseDelay: 5 * time.Second,
		RetryMaxDelay:  30 * time.Second,
		RetryFactor:    1.5,
		AutoRestart:    true,
	}, PairingFlowOptions{Clock: clock})

	require.NoError(t, flow.Start(context.Background()))
	requireCodeRequest(t, srv)

	// 1. 第一次失败，5s 后重试
	srv.push(t, realtime.EventError, realtime.ErrorPayload{Reason: "InternalError"})
	st := waitPairingState(t, flow, PairingError)
	assert.Equal(t, "InternalError", st.LastError)
	require.Eventually(t, func() bool { return clock.PendingTimers() == 1 }, waitFor, tick)

	clock.Advance(4999 * time.Millisecond)
	srv.expectNoFrame(t, 100*time.Millisecond)
	clock.Advance(time.Millisecond)
	requireCodeRequest(t, srv)
	assert.Equal(t, PairingRequesting, flow.State().PairingState)

	// 2. 第二次失败，等待 7.5s
	srv.push(t, realtime.EventError, realtime.ErrorPayload{Reason: "InternalError"})
	waitPairingState(t, flow, PairingError)
	require.Eventually(t, func() bool { return clock.PendingTimers() == 1 }, waitFor, tick)

	clock.Advance(7 * time.Second)
	srv.expectNoFrame(t, 100*time.Millisecond)
	clock.Advance(500 * time.Millisecond)
	requireCodeRequest(t, srv)

	// 3. 成功后清除重试计数
	srv.push(t, pairing.EventPairingCode, codePayload(clock, "XYZ789", "dev-2"))
	st = waitPairingState(t, flow, PairingWaiting)
	assert.Equal(t, 0, st.RetryCount)
	assert.Equal(t, "dev-2", st.DeviceID)
}

func TestPairingFlow_RetryDelay(t *testing.T) {
	f := &PairingFlow{config: FlowConfig{
		RetryBaseDelay: 5 * time.Second,
		RetryMaxDelay:  30 * time.Second,
		RetryFactor:    1.5,
	}}

	assert.Equal(t, 5*time.Second, f.retryDelay(0))
	assert.Equal(t, 7500*time.Millisecond, f.retryDelay(1))
	assert.Equal(t, 11250*time.Millisecond, f.retryDelay(2))
	assert.Equal(t, 30*time.Second, f.retryDelay(5))
}

func TestPairingFlow_LocalExpiryRestarts(t *testing.T) {
	srv := newFakeServer(t)
	m, _ := newTestManager(t, testConfig(srv.wsURL()), nil, nil)
	clock := newClock()
	flow, rec := newTestFlow(t, m, DefaultClientConfig().Pairing, PairingFlowOptions{Clock: clock})

	require.NoError(t, flow.Start(context.Background()))
	requireCodeRequest(t, srv)

	srv.push(t, pairing.EventPairingCode, codePayload(clock, "ABC123", "dev-9"))
	waitPairingState(t, flow, PairingWaiting)
	require.Eventually(t, func() bool { return clock.PendingTimers() == 1 }, waitFor, tick)

	// 服务端通知丢失时按本地到期时间清除配对码并重新取码
	clock.Advance(5 * time.Minute)

	expired, ok := rec.seen(PairingExpired)
	require.True(t, ok)
	assert.Empty(t, expired.Code)

	req := requireCodeRequest(t, srv)
	assert.Equal(t, "dev-9", req.DeviceID)
	assert.Equal(t, PairingRequesting, flow.State().PairingState)
}

func TestPairingFlow_ServerTimeoutWithoutAutoRestart(t *testing.T) {
	srv := newFakeServer(t)
	m, _ := newTestManager(t, testConfig(srv.wsURL()), nil, nil)
	clock := newClock()
	cfg := DefaultClientConfig().Pairing
	cfg.AutoRestart = false
	flow, rec := newTestFlow(t, m, cfg, PairingFlowOptions{Clock: clock})

	require.NoError(t, flow.Start(context.Background()))
	requireCodeRequest(t, srv)
	srv.push(t, pairing.EventPairingCode, codePayload(clock, "ABC123", "dev-1"))
	waitPairingState(t, flow, PairingWaiting)

	// 旧码的超时通知被忽略
	srv.push(t, pairing.EventPairTimeout, pairing.CodePayload{Code: "OLD999"})
	srv.push(t, pairing.EventPairTimeout, pairing.CodePayload{Code: "ABC123"})

	st := waitPairingState(t, flow, PairingIdle)
	assert.Empty(t, st.Code)
	_, ok := rec.seen(PairingExpired)
	assert.True(t, ok)

	srv.expectNoFrame(t, 200*time.Millisecond)
	assert.Equal(t, 0, clock.PendingTimers())
}

func TestPairingFlow_SkipsPairingWithCredential(t *testing.T) {
	srv := newFakeServer(t)
	creds := NewMemoryCredentialStore()
	require.NoError(t, creds.Save(&Credential{DeviceID: "dev-1", Token: "tok-1"}))
	m, _ := newTestManager(t, testConfig(srv.wsURL()), creds, nil)
	flow, _ := newTestFlow(t, m, DefaultClientConfig().Pairing, PairingFlowOptions{Clock: newClock()})

	require.NoError(t, flow.Start(context.Background()))

	st := flow.State()
	assert.Equal(t, PairingPaired, st.PairingState)
	assert.Equal(t, "dev-1", st.DeviceID)

	require.Eventually(t, func() bool { return srv.connCount() == 1 }, waitFor, tick)
	assert.Equal(t, "tok-1", srv.query(0).Get("token"))
	srv.expectNoFrame(t, 200*time.Millisecond)

	// 2. Restart 放弃凭据重新取码
	flow.Restart()
	cred, err := creds.Load()
	require.NoError(t, err)
	assert.Nil(t, cred)
	requireCodeRequest(t, srv)
	assert.Equal(t, PairingRequesting, flow.State().PairingState)
}

func TestPairingFlow_ConnectionLostWhileRequesting(t *testing.T) {
	srv := newFakeServer(t)
	cfg := testConfig(srv.wsURL())
	cfg.Reconnect.BaseDelay = 20 * time.Millisecond
	cfg.Reconnect.MaxDelay = 50 * time.Millisecond
	m, _ := newTestManager(t, cfg, nil, nil)
	flow, rec := newTestFlow(t, m, DefaultClientConfig().Pairing, PairingFlowOptions{Clock: newClock()})

	require.NoError(t, flow.Start(context.Background()))
	requireCodeRequest(t, srv)

	// 1. 请求途中断线
	srv.dropAll()
	require.Eventually(t, func() bool {
		s, ok := rec.seen(PairingError)
		return ok && s.LastError == "connection lost"
	}, waitFor, tick)

	// 2. 重连后重新取码
	require.Eventually(t, func() bool { return srv.connCount() == 2 }, waitFor, tick)
	requireCodeRequest(t, srv)
	assert.Equal(t, PairingRequesting, flow.State().PairingState)
}
