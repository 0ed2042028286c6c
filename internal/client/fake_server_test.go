package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"signage-core/internal/realtime"
)

// fakeServer 可控的实时通道服务端
type fakeServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	hits     atomic.Int32

	mu       sync.Mutex
	status   int // 非 0 时以该状态码拒绝握手
	autoPong bool
	conns    []*fakeConn
	queries  []url.Values

	frames chan realtime.Envelope
}

type fakeConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *fakeConn) send(event string, data interface{}) error {
	frame := map[string]interface{}{"event": event}
	if data != nil {
		frame["data"] = data
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(frame)
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		autoPong: true,
		frames:   make(chan realtime.Envelope, 64),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(func() {
		f.dropAll()
		f.srv.Close()
	})
	return f
}

func (f *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	n := f.hits.Add(1)

	f.mu.Lock()
	status := f.status
	f.mu.Unlock()
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	ws, err := f.upgrader.Upgrade(w, r, http.Header{realtime.SocketIDHeader: []string{fmt.Sprintf("sock-%d", n)}})
	if err != nil {
		return
	}
	conn := &fakeConn{ws: ws}

	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.queries = append(f.queries, r.URL.Query())
	f.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env realtime.Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		f.mu.Lock()
		autoPong := f.autoPong
		f.mu.Unlock()
		if env.Event == realtime.EventPing && autoPong {
			_ = conn.send(realtime.EventPong, nil)
		}

		select {
		case f.frames <- env:
		default:
		}
	}
}

func (f *fakeServer) setStatus(status int) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
}

func (f *fakeServer) setAutoPong(v bool) {
	f.mu.Lock()
	f.autoPong = v
	f.mu.Unlock()
}

func (f *fakeServer) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeServer) query(i int) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[i]
}

// push 向最新的连接推送一帧
func (f *fakeServer) push(t *testing.T, event string, data interface{}) {
	t.Helper()
	f.mu.Lock()
	require.NotEmpty(t, f.conns)
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	require.NoError(t, conn.send(event, data))
}

// dropAll 直接关闭底层连接，模拟网络中断
func (f *fakeServer) dropAll() {
	f.mu.Lock()
	conns := f.conns
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// nextFrame 等待客户端发来的下一帧
func (f *fakeServer) nextFrame(t *testing.T) realtime.Envelope {
	t.Helper()
	select {
	case env := <-f.frames:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return realtime.Envelope{}
	}
}

// eventRecorder 记录连接管理器事件
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) has(typ EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func (r *eventRecorder) messages(event string) []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Message
	for _, e := range r.events {
		if e.Type == EventMessage && e.Message.Event == event {
			out = append(out, e.Message)
		}
	}
	return out
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// expectNoFrame 在 d 内不应收到客户端帧
func (f *fakeServer) expectNoFrame(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case env := <-f.frames:
		t.Fatalf("unexpected client frame %q", env.Event)
	case <-time.After(d):
	}
}

// stateRecorder 记录配对状态变化
type stateRecorder struct {
	mu     sync.Mutex
	states []ClientPairingState
}

func (r *stateRecorder) record(s ClientPairingState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) seen(st PairingState) (ClientPairingState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s.PairingState == st {
			return s, true
		}
	}
	return ClientPairingState{}, false
}
