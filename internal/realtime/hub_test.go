package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signage-core/internal/core/storage/memory"
	"signage-core/internal/pairing"
	"signage-core/internal/security"
)

type hubFixture struct {
	hub    *Hub
	gate   *security.Gate
	engine *pairing.Engine
	tokens *pairing.TokenIssuer
	server *httptest.Server
}

func newHubFixture(t *testing.T, gateCfg security.Config) *hubFixture {
	t.Helper()
	ctx := context.Background()

	mem := memory.New(ctx)
	t.Cleanup(func() { _ = mem.Close() })

	store, err := pairing.NewSessionStore(mem, pairing.DefaultStoreConfig(), nil)
	require.NoError(t, err)
	tokens, err := pairing.NewTokenIssuer(pairing.TokenConfig{Secret: "hub-secret"}, nil)
	require.NoError(t, err)

	engine, err := pairing.NewEngine(ctx, pairing.EngineConfig{}, pairing.EngineOptions{
		Store:     store,
		Tokens:    tokens,
		NoSweeper: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	gate, err := security.NewGate(ctx, gateCfg, security.GateOptions{NoSweeper: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = gate.Close() })

	hub, err := NewHub(ctx, HubConfig{}, HubOptions{Engine: engine, Gate: gate})
	require.NoError(t, err)

	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		_ = hub.Close()
		server.Close()
	})
	return &hubFixture{hub: hub, gate: gate, engine: engine, tokens: tokens, server: server}
}

func (f *hubFixture) url(query string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?" + query
}

func (f *hubFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(f.url(query), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *hubFixture) dialStatus(t *testing.T, query string) int {
	t.Helper()
	_, resp, err := websocket.DefaultDialer.Dial(f.url(query), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func send(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	frame, err := encodeEnvelope(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// expect 读取帧直到遇到指定事件，超时失败
func expect(t *testing.T, conn *websocket.Conn, event string, v interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Event != event {
			continue
		}
		if v != nil {
			require.NoError(t, json.Unmarshal(env.Data, v))
		}
		return
	}
}

// next 读取下一帧
func next(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHub_PairingFlow(t *testing.T) {
	f := newHubFixture(t, security.Config{})

	// 设备连接并取码
	device := f.dial(t, "clientType=device")
	send(t, device, EventRequestPairingCode, RequestCodePayload{DeviceID: "dev-1"})

	var issued pairing.PairingCodePayload
	expect(t, device, pairing.EventPairingCode, &issued)
	assert.Equal(t, "dev-1", issued.DeviceID)
	assert.Len(t, issued.Code, pairing.DefaultCodeLength)

	// 控制端提交配对码
	controller := f.dial(t, "clientType=controller&controllerId=ctl-1")
	send(t, controller, EventPairRequest, PairRequestPayload{Code: issued.Code})

	var success pairing.DevicePayload
	expect(t, controller, pairing.EventPairSuccess, &success)
	assert.Equal(t, "dev-1", success.DeviceID)

	var paired pairing.PairedPayload
	expect(t, device, pairing.EventPaired, &paired)
	assert.Equal(t, "dev-1", paired.DeviceID)
	claims, err := f.tokens.Validate(paired.Token)
	require.NoError(t, err)
	assert.Equal(t, "ctl-1", claims.ControllerID)

	// 下发内容
	send(t, controller, EventSendContent, SendContentPayload{
		DisplayID: "dev-1",
		Content:   json.RawMessage(`{"playlist":"lobby"}`),
	})
	var content pairing.ContentPayload
	expect(t, device, pairing.EventContentUpdate, &content)
	assert.JSONEq(t, `{"playlist":"lobby"}`, string(content.Content))

	// 设备断开，控制端收到通知
	require.NoError(t, device.Close())
	var gone pairing.DevicePayload
	expect(t, controller, pairing.EventDisplayDisconnected, &gone)
	assert.Equal(t, "dev-1", gone.DeviceID)
}

func TestHub_PairRequestWrongCode(t *testing.T) {
	f := newHubFixture(t, security.Config{})

	controller := f.dial(t, "clientType=controller")
	send(t, controller, EventPairRequest, PairRequestPayload{Code: "ZZZZZZ"})

	var failed pairing.FailurePayload
	expect(t, controller, pairing.EventPairFailed, &failed)
	assert.Equal(t, "CodeNotFound", failed.Reason)
}

func TestHub_SendContentWithoutBinding(t *testing.T) {
	f := newHubFixture(t, security.Config{})

	controller := f.dial(t, "clientType=controller&controllerId=ctl-2")
	send(t, controller, EventSendContent, SendContentPayload{DisplayID: "dev-x", Content: json.RawMessage(`{}`)})

	var failure ErrorPayload
	expect(t, controller, EventError, &failure)
	assert.Equal(t, "Rejected", failure.Reason)
}

func TestHub_RejectsInvalidClientType(t *testing.T) {
	f := newHubFixture(t, security.Config{})

	assert.Equal(t, http.StatusBadRequest, f.dialStatus(t, "clientType=admin"))
	assert.Equal(t, http.StatusBadRequest, f.dialStatus(t, ""))
}

func TestHub_ConnectionLimit(t *testing.T) {
	f := newHubFixture(t, security.Config{MaxConnectionsPerIP: 1})

	first := f.dial(t, "clientType=device")
	assert.Equal(t, http.StatusTooManyRequests, f.dialStatus(t, "clientType=device"))

	// 断开后名额释放
	require.NoError(t, first.Close())
	assert.Eventually(t, func() bool {
		return f.gate.ActiveConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)
	f.dial(t, "clientType=device")
}

func TestHub_PingPong(t *testing.T) {
	f := newHubFixture(t, security.Config{})

	conn := f.dial(t, "clientType=device")
	send(t, conn, EventPing, nil)
	assert.Equal(t, EventPong, next(t, conn).Event)
}

func TestHub_MalformedAndUnknownFrames(t *testing.T) {
	f := newHubFixture(t, security.Config{})
	conn := f.dial(t, "clientType=device")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	env := next(t, conn)
	assert.Equal(t, EventError, env.Event)
	assert.JSONEq(t, `{"reason":"ValidationError"}`, string(env.Data))

	send(t, conn, "self-destruct", nil)
	env = next(t, conn)
	assert.Equal(t, EventError, env.Event)
	assert.JSONEq(t, `{"reason":"ValidationError"}`, string(env.Data))
}

func TestHub_SuspiciousPayloadDropped(t *testing.T) {
	f := newHubFixture(t, security.Config{})
	conn := f.dial(t, "clientType=controller")

	// 被拒绝的帧没有任何回复，下一帧照常处理
	send(t, conn, EventPairRequest, map[string]string{"code": "<script>alert(1)</script>"})
	send(t, conn, EventPing, nil)

	assert.Equal(t, EventPong, next(t, conn).Event)
	assert.Equal(t, int64(1), f.hub.RejectedFrames())
}

func TestHub_EventRateLimit(t *testing.T) {
	f := newHubFixture(t, security.Config{MaxEventsPerMinute: 2})
	conn := f.dial(t, "clientType=device")

	for i := 0; i < 3; i++ {
		send(t, conn, EventPing, nil)
	}
	assert.Equal(t, EventPong, next(t, conn).Event)
	assert.Equal(t, EventPong, next(t, conn).Event)

	// 第三帧被丢弃，读取超时
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHub_ResumeWithToken(t *testing.T) {
	f := newHubFixture(t, security.Config{})

	token, _, err := f.tokens.Issue("dev-9", "ctl-1")
	require.NoError(t, err)

	conn := f.dial(t, "clientType=device&token="+token)
	var resumed pairing.DevicePayload
	expect(t, conn, pairing.EventResumed, &resumed)
	assert.Equal(t, "dev-9", resumed.DeviceID)

	records := f.hub.Connections()
	require.Len(t, records, 1)
	assert.Equal(t, "dev-9", records[0].BoundDeviceID)
	assert.True(t, f.engine.IsBound("dev-9", "ctl-1"))
}

func TestHub_ResumeInvalidToken(t *testing.T) {
	f := newHubFixture(t, security.Config{})

	conn := f.dial(t, "clientType=device&token=not-a-token")
	var failure ErrorPayload
	expect(t, conn, EventError, &failure)
	assert.Equal(t, "Unauthorized", failure.Reason)

	// resume 帧同样校验
	send(t, conn, EventResume, ResumePayload{Token: "still-wrong"})
	expect(t, conn, EventError, &failure)
	assert.Equal(t, "Unauthorized", failure.Reason)
}

func TestHub_ConnectionStats(t *testing.T) {
	f := newHubFixture(t, security.Config{})

	f.dial(t, "clientType=device")
	f.dial(t, "clientType=controller")
	f.dial(t, "clientType=controller")

	assert.Eventually(t, func() bool {
		s := f.hub.ConnectionStats()
		return s.Active == 3 && s.Devices == 1 && s.Controllers == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_Shutdown(t *testing.T) {
	f := newHubFixture(t, security.Config{})
	conn := f.dial(t, "clientType=device")

	assert.Eventually(t, func() bool {
		return f.hub.ConnectionStats().Active == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.hub.Shutdown("maintenance")

	var msg ShutdownPayload
	expect(t, conn, EventServerShutdown, &msg)
	assert.Equal(t, "maintenance", msg.Message)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)

	// 关闭后拒绝新连接
	assert.Equal(t, http.StatusServiceUnavailable, f.dialStatus(t, "clientType=device"))
}

type notAccepting struct{}

func (notAccepting) IsAcceptingConnections() bool { return false }

func TestHub_RejectsWhileDraining(t *testing.T) {
	f := newHubFixture(t, security.Config{})
	f.hub.readiness = notAccepting{}

	assert.Equal(t, http.StatusServiceUnavailable, f.dialStatus(t, "clientType=device"))
}
