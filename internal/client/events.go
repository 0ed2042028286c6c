package client

import (
	"encoding/json"
	"sync"

	corelog "signage-core/internal/core/log"
)

// ConnectionState 连接状态
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateError        ConnectionState = "ERROR"
	StateOffline      ConnectionState = "OFFLINE" // 重试次数耗尽，需要人工触发 Reconnect
)

// EventType 连接管理器对外事件类型
type EventType string

const (
	EventStateChanged EventType = "state-changed"
	EventMessage      EventType = "message"
	EventOffline      EventType = "offline"
	EventAuthInvalid  EventType = "auth-invalid"
)

// Message 服务端下发的一帧
type Message struct {
	Event string
	Data  json.RawMessage
}

// Decode 解析 data 字段
func (m *Message) Decode(v interface{}) error {
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Event 连接管理器事件
type Event struct {
	Type    EventType
	State   ConnectionState // EventStateChanged / EventOffline
	Message *Message        // EventMessage
	Err     error
}

// Subscription 订阅句柄，Unsubscribe 之后不会再收到回调
type Subscription interface {
	Unsubscribe()
}

// ============================================================================
// dispatcher
// ============================================================================

// dispatcher 订阅者集合，回调在锁外按订阅顺序同步执行
type dispatcher[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]func(T)
	order    []uint64
}

func newDispatcher[T any]() *dispatcher[T] {
	return &dispatcher[T]{handlers: make(map[uint64]func(T))}
}

func (d *dispatcher[T]) subscribe(handler func(T)) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.handlers[id] = handler
	d.order = append(d.order, id)
	return &subscription[T]{d: d, id: id}
}

func (d *dispatcher[T]) remove(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[id]; !ok {
		return
	}
	delete(d.handlers, id)
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

func (d *dispatcher[T]) snapshot() []func(T) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	result := make([]func(T), 0, len(d.order))
	for _, id := range d.order {
		result = append(result, d.handlers[id])
	}
	return result
}

func (d *dispatcher[T]) len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

func (d *dispatcher[T]) emit(v T) {
	for _, h := range d.snapshot() {
		d.call(h, v)
	}
}

// call 订阅者 panic 不影响其他订阅者
func (d *dispatcher[T]) call(h func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			corelog.Errorf("Client: subscriber panic: %v", r)
		}
	}()
	h(v)
}

type subscription[T any] struct {
	once sync.Once
	d    *dispatcher[T]
	id   uint64
}

func (s *subscription[T]) Unsubscribe() {
	s.once.Do(func() { s.d.remove(s.id) })
}
