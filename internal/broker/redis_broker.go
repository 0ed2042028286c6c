package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"signage-core/internal/core/dispose"
	corelog "signage-core/internal/core/log"

	"github.com/redis/go-redis/v9"
)

// RedisBrokerConfig Redis Broker 配置
type RedisBrokerConfig struct {
	Addrs       []string `yaml:"addrs"`        // Redis 地址列表
	Password    string   `yaml:"password"`     // 密码
	DB          int      `yaml:"db"`           // 数据库编号
	ClusterMode bool     `yaml:"cluster_mode"` // 是否集群模式
	PoolSize    int      `yaml:"pool_size"`    // 连接池大小
}

// RedisBroker Redis 消息代理（基于 Pub/Sub）
type RedisBroker struct {
	*dispose.ServiceBase
	client      redis.UniversalClient // 支持单机和集群
	ownsClient  bool
	pubsub      *redis.PubSub
	subscribers map[string]chan *Message // topic -> channel
	mu          sync.RWMutex
	nodeID      string
	closed      bool
}

// NewRedisBroker 创建 Redis 消息代理
func NewRedisBroker(parentCtx context.Context, config *RedisBrokerConfig, nodeID string) (*RedisBroker, error) {
	if config == nil {
		return nil, fmt.Errorf("redis broker config is required")
	}

	poolSize := config.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	// 创建 Redis 客户端（支持集群和单机）
	var client redis.UniversalClient
	if config.ClusterMode {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    config.Addrs,
			Password: config.Password,
			PoolSize: poolSize,
		})
	} else {
		addr := "localhost:6379"
		if len(config.Addrs) > 0 {
			addr = config.Addrs[0]
		}
		client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.Password,
			DB:       config.DB,
			PoolSize: poolSize,
		})
	}

	pingCtx, pingCancel := context.WithTimeout(parentCtx, connectTimeout)
	defer pingCancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	broker := newRedisBroker(parentCtx, client, nodeID)
	broker.ownsClient = true

	corelog.Infof("RedisBroker initialized for node: %s (cluster_mode: %v)", nodeID, config.ClusterMode)
	return broker, nil
}

// NewRedisBrokerWithClient 复用已有客户端（例如与会话存储共享），关闭时不关闭客户端
func NewRedisBrokerWithClient(parentCtx context.Context, client redis.UniversalClient, nodeID string) *RedisBroker {
	broker := newRedisBroker(parentCtx, client, nodeID)
	corelog.Infof("RedisBroker initialized for node: %s (shared client)", nodeID)
	return broker
}

func newRedisBroker(parentCtx context.Context, client redis.UniversalClient, nodeID string) *RedisBroker {
	broker := &RedisBroker{
		ServiceBase: dispose.NewService("RedisBroker", parentCtx),
		client:      client,
		subscribers: make(map[string]chan *Message),
		nodeID:      nodeID,
	}
	broker.AddCleanHandler(broker.shutdown)
	return broker
}

// NodeID 本节点标识
func (r *RedisBroker) NodeID() string {
	return r.nodeID
}

func (r *RedisBroker) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Publish 发布消息到指定主题
func (r *RedisBroker) Publish(ctx context.Context, topic string, message []byte) error {
	if r.isClosed() {
		return fmt.Errorf("broker is closed")
	}

	// 构造完整消息（包含元数据）
	msg := &Message{
		Topic:     topic,
		Payload:   message,
		Timestamp: time.Now(),
		NodeID:    r.nodeID,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := r.client.Publish(ctx, channelPrefix+topic, data).Err(); err != nil {
		corelog.Errorf("RedisBroker: failed to publish to %s: %v", topic, err)
		return fmt.Errorf("failed to publish to Redis: %w", err)
	}

	corelog.Debugf("RedisBroker: published message to topic %s", topic)
	return nil
}

// Subscribe 订阅主题，返回消息通道；同一主题在本节点只允许一个订阅者
func (r *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan *Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("broker is closed")
	}

	if _, exists := r.subscribers[topic]; exists {
		return nil, fmt.Errorf("already subscribed to topic: %s", topic)
	}

	msgChan := make(chan *Message, subscriberBuffer)
	r.subscribers[topic] = msgChan

	// 首次订阅时创建 PubSub 并启动接收循环
	startLoop := false
	if r.pubsub == nil {
		r.pubsub = r.client.Subscribe(r.Ctx())
		startLoop = true
	}

	if err := r.pubsub.Subscribe(r.Ctx(), channelPrefix+topic); err != nil {
		delete(r.subscribers, topic)
		close(msgChan)
		return nil, fmt.Errorf("failed to subscribe to Redis: %w", err)
	}

	if startLoop {
		go r.receiveLoop(r.pubsub)
	}

	corelog.Infof("RedisBroker: subscribed to topic %s (total topics: %d)", topic, len(r.subscribers))
	return msgChan, nil
}

// receiveLoop 接收 Redis 消息循环
func (r *RedisBroker) receiveLoop(pubsub *redis.PubSub) {
	corelog.Infof("RedisBroker: receive loop started")

	for {
		msg, err := pubsub.ReceiveMessage(r.Ctx())
		if err != nil {
			if r.Ctx().Err() != nil || r.isClosed() {
				corelog.Infof("RedisBroker: receive loop stopped")
				return
			}
			corelog.Errorf("RedisBroker: failed to receive message: %v", err)
			time.Sleep(receiveRetryPause)
			continue
		}

		var message Message
		if err := json.Unmarshal([]byte(msg.Payload), &message); err != nil {
			corelog.Errorf("RedisBroker: failed to unmarshal message: %v", err)
			continue
		}

		r.deliver(&message)
	}
}

// deliver 在读锁内投递，避免与 Unsubscribe/shutdown 关闭通道竞争
func (r *RedisBroker) deliver(message *Message) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, exists := r.subscribers[message.Topic]
	if !exists || r.closed {
		return
	}
	select {
	case ch <- message:
		corelog.Debugf("RedisBroker: delivered message to topic %s", message.Topic)
	default:
		corelog.Warnf("RedisBroker: subscriber channel full for topic %s, dropping message", message.Topic)
	}
}

// Unsubscribe 取消订阅
func (r *RedisBroker) Unsubscribe(ctx context.Context, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("broker is closed")
	}

	ch, exists := r.subscribers[topic]
	if !exists {
		return fmt.Errorf("not subscribed to topic: %s", topic)
	}

	if r.pubsub != nil {
		if err := r.pubsub.Unsubscribe(ctx, channelPrefix+topic); err != nil {
			corelog.Warnf("RedisBroker: failed to unsubscribe from Redis: %v", err)
		}
	}

	close(ch)
	delete(r.subscribers, topic)

	corelog.Infof("RedisBroker: unsubscribed from topic %s", topic)
	return nil
}

// Ping 检查 Redis 连接
func (r *RedisBroker) Ping(ctx context.Context) error {
	if r.isClosed() {
		return fmt.Errorf("broker is closed")
	}
	return r.client.Ping(ctx).Err()
}

// Close 关闭消息代理
func (r *RedisBroker) Close() error {
	return r.CloseWithError()
}

func (r *RedisBroker) shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.pubsub != nil {
		if err := r.pubsub.Close(); err != nil {
			corelog.Warnf("RedisBroker: failed to close pubsub: %v", err)
		}
	}

	for topic, ch := range r.subscribers {
		close(ch)
		corelog.Debugf("RedisBroker: closed subscriber for topic %s", topic)
	}
	r.subscribers = make(map[string]chan *Message)

	if r.ownsClient {
		if err := r.client.Close(); err != nil {
			corelog.Warnf("RedisBroker: failed to close Redis client: %v", err)
		}
	}

	corelog.Infof("RedisBroker closed for node: %s", r.nodeID)
	return nil
}

// GetSubscriberCount 获取订阅者数量（用于测试）
func (r *RedisBroker) GetSubscriberCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, exists := r.subscribers[topic]; !exists {
		return 0
	}
	return 1 // Redis模式下每个topic只有一个本地channel
}
