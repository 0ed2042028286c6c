package broker

import (
	"context"
	"time"
)

// MessageBroker 消息代理接口（抽象 MQ 能力）
// 多节点共享 Redis 时，用于把配对事件转发到持有对应 socket 的节点
type MessageBroker interface {
	// Publish 发布消息到指定主题
	Publish(ctx context.Context, topic string, message []byte) error

	// Subscribe 订阅主题，返回消息通道
	Subscribe(ctx context.Context, topic string) (<-chan *Message, error)

	// Unsubscribe 取消订阅
	Unsubscribe(ctx context.Context, topic string) error

	// Ping 检查代理是否可用
	Ping(ctx context.Context) error

	// NodeID 本节点标识
	NodeID() string

	// Close 关闭连接
	Close() error
}

// Message 消息结构
type Message struct {
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id"`
}

// IsLocal 是否由指定节点发布
func (m *Message) IsLocal(nodeID string) bool {
	return m.NodeID == nodeID
}

// Topic 常量定义
const (
	TopicCodeIssued          = "pairing.code_issued"  // 配对码签发
	TopicPaired              = "pairing.paired"       // 配对完成
	TopicExpired             = "pairing.expired"      // 配对码过期
	TopicRevoked             = "pairing.revoked"      // 配对码撤销
	TopicDisplayDisconnected = "display.disconnected" // 显示端断开
	TopicDisplayContent      = "display.content"      // 内容下发
	TopicNodeShutdown        = "node.shutdown"        // 节点下线
)

const (
	channelPrefix     = "signage:"
	subscriberBuffer  = 100
	defaultPoolSize   = 100
	connectTimeout    = 5 * time.Second
	receiveRetryPause = 100 * time.Millisecond
)
