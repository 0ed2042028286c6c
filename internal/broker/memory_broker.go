package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signage-core/internal/core/dispose"
	corelog "signage-core/internal/core/log"
)

// MemoryBroker 内存消息代理（单节点，无持久化）
type MemoryBroker struct {
	*dispose.ServiceBase
	subscribers map[string][]chan *Message // topic -> []channel
	mu          sync.RWMutex
	nodeID      string
	closed      bool
}

// NewMemoryBroker 创建内存消息代理
func NewMemoryBroker(parentCtx context.Context, nodeID string) *MemoryBroker {
	broker := &MemoryBroker{
		ServiceBase: dispose.NewService("MemoryBroker", parentCtx),
		subscribers: make(map[string][]chan *Message),
		nodeID:      nodeID,
	}
	broker.AddCleanHandler(broker.shutdown)

	corelog.Infof("MemoryBroker initialized for node: %s", nodeID)
	return broker
}

// NodeID 本节点标识
func (m *MemoryBroker) NodeID() string {
	return m.nodeID
}

// Publish 发布消息到指定主题
func (m *MemoryBroker) Publish(ctx context.Context, topic string, message []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("broker is closed")
	}

	subscribers := m.subscribers[topic]
	if len(subscribers) == 0 {
		// 没有订阅者，消息丢弃（符合 Pub/Sub 语义）
		corelog.Debugf("MemoryBroker: no subscribers for topic %s, message dropped", topic)
		return nil
	}

	msg := &Message{
		Topic:     topic,
		Payload:   message,
		Timestamp: time.Now(),
		NodeID:    m.nodeID,
	}

	sentCount := 0
	for _, ch := range subscribers {
		select {
		case ch <- msg:
			sentCount++
		case <-ctx.Done():
			return ctx.Err()
		default:
			// 订阅者通道满，跳过（避免阻塞）
			corelog.Warnf("MemoryBroker: subscriber channel full for topic %s, skipping", topic)
		}
	}

	corelog.Debugf("MemoryBroker: published message to topic %s, sent to %d/%d subscribers",
		topic, sentCount, len(subscribers))
	return nil
}

// Subscribe 订阅主题，返回消息通道
func (m *MemoryBroker) Subscribe(ctx context.Context, topic string) (<-chan *Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("broker is closed")
	}

	msgChan := make(chan *Message, subscriberBuffer)
	m.subscribers[topic] = append(m.subscribers[topic], msgChan)

	corelog.Infof("MemoryBroker: new subscriber for topic %s (total: %d)",
		topic, len(m.subscribers[topic]))
	return msgChan, nil
}

// Unsubscribe 取消主题的全部订阅
func (m *MemoryBroker) Unsubscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("broker is closed")
	}

	subscribers := m.subscribers[topic]
	if len(subscribers) == 0 {
		return fmt.Errorf("no subscribers for topic: %s", topic)
	}

	for _, ch := range subscribers {
		close(ch)
	}
	delete(m.subscribers, topic)

	corelog.Infof("MemoryBroker: unsubscribed from topic %s", topic)
	return nil
}

// Ping 检查内存消息代理状态（内存 broker 总是健康的）
func (m *MemoryBroker) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("broker is closed")
	}
	return nil
}

// Close 关闭消息代理
func (m *MemoryBroker) Close() error {
	return m.CloseWithError()
}

// shutdown 关闭所有订阅者通道；父上下文取消时同样会被调用
func (m *MemoryBroker) shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for topic, subscribers := range m.subscribers {
		for _, ch := range subscribers {
			close(ch)
		}
		corelog.Debugf("MemoryBroker: closed %d subscribers for topic %s", len(subscribers), topic)
	}
	m.subscribers = make(map[string][]chan *Message)

	corelog.Infof("MemoryBroker closed for node: %s", m.nodeID)
	return nil
}

// GetSubscriberCount 获取订阅者数量（用于测试）
func (m *MemoryBroker) GetSubscriberCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[topic])
}
