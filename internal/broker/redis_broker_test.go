package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis 创建一个测试用的 Redis 实例
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisBrokerConfig) {
	mr := miniredis.RunT(t)
	config := &RedisBrokerConfig{
		Addrs:    []string{mr.Addr()},
		PoolSize: 10,
	}
	return mr, config
}

// waitSubscribed 等待 SUBSCRIBE 在服务端生效
func waitSubscribed() {
	time.Sleep(100 * time.Millisecond)
}

func receive(t *testing.T, ch <-chan *Message) *Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	_, config := setupTestRedis(t)
	ctx := context.Background()

	rb, err := NewRedisBroker(ctx, config, "node-1")
	require.NoError(t, err)
	defer rb.Close()

	subChan, err := rb.Subscribe(ctx, TopicCodeIssued)
	require.NoError(t, err)
	waitSubscribed()

	require.NoError(t, rb.Publish(ctx, TopicCodeIssued, []byte(`{"code":"K7XM3P"}`)))

	msg := receive(t, subChan)
	assert.Equal(t, TopicCodeIssued, msg.Topic)
	assert.Equal(t, []byte(`{"code":"K7XM3P"}`), msg.Payload)
	assert.True(t, msg.IsLocal("node-1"))
}

func TestRedisBroker_CrossNode(t *testing.T) {
	_, config := setupTestRedis(t)
	ctx := context.Background()

	rb1, err := NewRedisBroker(ctx, config, "node-1")
	require.NoError(t, err)
	defer rb1.Close()

	rb2, err := NewRedisBroker(ctx, config, "node-2")
	require.NoError(t, err)
	defer rb2.Close()

	// node2 订阅，node1 发布
	subChan2, err := rb2.Subscribe(ctx, TopicPaired)
	require.NoError(t, err)
	waitSubscribed()

	require.NoError(t, rb1.Publish(ctx, TopicPaired, []byte(`{"device_id":"dev-1"}`)))

	msg := receive(t, subChan2)
	assert.Equal(t, "node-1", msg.NodeID)
	assert.False(t, msg.IsLocal(rb2.NodeID()))
}

func TestRedisBroker_DoubleSubscribe(t *testing.T) {
	_, config := setupTestRedis(t)
	ctx := context.Background()

	rb, err := NewRedisBroker(ctx, config, "node-1")
	require.NoError(t, err)
	defer rb.Close()

	_, err = rb.Subscribe(ctx, TopicExpired)
	require.NoError(t, err)

	// 同一 topic 第二次订阅应该失败
	ch, err := rb.Subscribe(ctx, TopicExpired)
	assert.Nil(t, ch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already subscribed")
}

func TestRedisBroker_Unsubscribe(t *testing.T) {
	_, config := setupTestRedis(t)
	ctx := context.Background()

	rb, err := NewRedisBroker(ctx, config, "node-1")
	require.NoError(t, err)
	defer rb.Close()

	ch, err := rb.Subscribe(ctx, TopicRevoked)
	require.NoError(t, err)
	assert.Equal(t, 1, rb.GetSubscriberCount(TopicRevoked))

	require.NoError(t, rb.Unsubscribe(ctx, TopicRevoked))
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, rb.GetSubscriberCount(TopicRevoked))
	assert.Error(t, rb.Unsubscribe(ctx, TopicRevoked))
}

func TestRedisBroker_ConnectionFailure(t *testing.T) {
	config := &RedisBrokerConfig{Addrs: []string{"127.0.0.1:1"}}

	rb, err := NewRedisBroker(context.Background(), config, "node-1")
	assert.Nil(t, rb)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestRedisBroker_MalformedMessage(t *testing.T) {
	mr, config := setupTestRedis(t)
	ctx := context.Background()

	rb, err := NewRedisBroker(ctx, config, "node-1")
	require.NoError(t, err)
	defer rb.Close()

	subChan, err := rb.Subscribe(ctx, TopicPaired)
	require.NoError(t, err)
	waitSubscribed()

	// 直接向频道写入无法解析的内容，broker 应丢弃而不是退出接收循环
	mr.Publish(channelPrefix+TopicPaired, "invalid json {")

	select {
	case msg := <-subChan:
		t.Fatalf("should not receive malformed message, got: %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, rb.Publish(ctx, TopicPaired, []byte("ok")))
	assert.Equal(t, []byte("ok"), receive(t, subChan).Payload)
}

func TestRedisBroker_SharedClientNotClosed(t *testing.T) {
	mr, _ := setupTestRedis(t)
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	mb, err := NewMessageBroker(ctx, &BrokerConfig{Type: BrokerTypeRedis, NodeID: "node-1", SharedClient: client})
	require.NoError(t, err)

	require.NoError(t, mb.Ping(ctx))
	require.NoError(t, mb.Close())
	assert.Error(t, mb.Ping(ctx))

	// 共享客户端仍然可用
	assert.NoError(t, client.Ping(ctx).Err())
}

func TestNewMessageBroker(t *testing.T) {
	ctx := context.Background()

	mb, err := NewMessageBroker(ctx, DefaultBrokerConfig("node-1"))
	require.NoError(t, err)
	defer mb.Close()
	assert.IsType(t, &MemoryBroker{}, mb)

	_, err = NewMessageBroker(ctx, &BrokerConfig{Type: BrokerTypeRedis})
	assert.Error(t, err)

	_, err = NewMessageBroker(ctx, &BrokerConfig{Type: "nats"})
	assert.Error(t, err)
}
