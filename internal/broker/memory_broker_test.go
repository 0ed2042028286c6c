package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBroker_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(ctx, "test-node")
	defer broker.Close()

	msgChan, err := broker.Subscribe(ctx, TopicPaired)
	require.NoError(t, err)

	sent := PairedMessage{
		Code:         "K7XM3P",
		DeviceID:     "dev-1",
		ControllerID: "ctl-1",
		Timestamp:    time.Now().Unix(),
	}
	data, _ := json.Marshal(sent)
	require.NoError(t, broker.Publish(ctx, TopicPaired, data))

	select {
	case msg := <-msgChan:
		assert.Equal(t, TopicPaired, msg.Topic)
		assert.Equal(t, "test-node", msg.NodeID)
		assert.True(t, msg.IsLocal(broker.NodeID()))

		var received PairedMessage
		require.NoError(t, json.Unmarshal(msg.Payload, &received))
		assert.Equal(t, sent, received)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestMemoryBroker_MultipleSubscribers(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(ctx, "test-node")
	defer broker.Close()

	// 创建3个订阅者
	subs := make([]<-chan *Message, 3)
	for i := range subs {
		ch, err := broker.Subscribe(ctx, TopicExpired)
		require.NoError(t, err)
		subs[i] = ch
	}
	assert.Equal(t, 3, broker.GetSubscriberCount(TopicExpired))

	require.NoError(t, broker.Publish(ctx, TopicExpired, []byte("expired")))

	for i, ch := range subs {
		select {
		case msg := <-ch:
			assert.Equal(t, []byte("expired"), msg.Payload)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive message", i)
		}
	}
}

func TestMemoryBroker_PublishWithoutSubscribers(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(ctx, "test-node")
	defer broker.Close()

	// 没有订阅者时消息被丢弃，不报错
	assert.NoError(t, broker.Publish(ctx, TopicCodeIssued, []byte("x")))
}

func TestMemoryBroker_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(ctx, "test-node")
	defer broker.Close()

	ch, err := broker.Subscribe(ctx, TopicDisplayDisconnected)
	require.NoError(t, err)

	require.NoError(t, broker.Unsubscribe(ctx, TopicDisplayDisconnected))
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed")
	assert.Equal(t, 0, broker.GetSubscriberCount(TopicDisplayDisconnected))

	assert.Error(t, broker.Unsubscribe(ctx, TopicDisplayDisconnected))
}

func TestMemoryBroker_Close(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(ctx, "test-node")

	ch, err := broker.Subscribe(ctx, TopicPaired)
	require.NoError(t, err)

	require.NoError(t, broker.Close())
	_, ok := <-ch
	assert.False(t, ok)

	assert.Error(t, broker.Publish(ctx, TopicPaired, []byte("x")))
	assert.Error(t, broker.Ping(ctx))
	_, err = broker.Subscribe(ctx, TopicPaired)
	assert.Error(t, err)

	// 重复关闭无副作用
	assert.NoError(t, broker.Close())
}

func TestMemoryBroker_ParentCancelClosesSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	broker := NewMemoryBroker(ctx, "test-node")

	ch, err := broker.Subscribe(context.Background(), TopicPaired)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed after parent cancel")
	}
}

func TestMemoryBroker_ConcurrentPublish(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(ctx, "test-node")
	defer broker.Close()

	ch, err := broker.Subscribe(ctx, TopicDisplayContent)
	require.NoError(t, err)

	const publishers = 10
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = broker.Publish(ctx, TopicDisplayContent, []byte("content"))
		}()
	}
	wg.Wait()

	assert.Len(t, ch, publishers)
}
