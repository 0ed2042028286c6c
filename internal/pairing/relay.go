package pairing

import (
	"context"
	"encoding/json"

	"signage-core/internal/broker"
	corelog "signage-core/internal/core/log"
)

var relayTopics = []string{
	broker.TopicPaired,
	broker.TopicExpired,
	broker.TopicRevoked,
	broker.TopicDisplayDisconnected,
	broker.TopicDisplayContent,
}

// publish 发布领域事件，失败只记录日志
func (e *Engine) publish(ctx context.Context, topic string, payload interface{}) {
	if e.broker == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		corelog.Errorf("PairingEngine: failed to encode %s event: %v", topic, err)
		return
	}
	if err := e.broker.Publish(ctx, topic, data); err != nil {
		corelog.Warnf("PairingEngine: failed to publish %s: %v", topic, err)
	}
}

func (e *Engine) subscribe() error {
	for _, topic := range relayTopics {
		ch, err := e.broker.Subscribe(e.Ctx(), topic)
		if err != nil {
			return err
		}
		go e.consume(ch)
	}
	return nil
}

func (e *Engine) consume(ch <-chan *broker.Message) {
	for {
		select {
		case <-e.Ctx().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			e.handleMessage(msg)
		}
	}
}

// handleMessage 为本节点持有的 socket 转发其他节点产生的事件
func (e *Engine) handleMessage(msg *broker.Message) {
	if msg.IsLocal(e.broker.NodeID()) {
		return
	}

	var err error
	switch msg.Topic {
	case broker.TopicPaired:
		var m broker.PairedMessage
		if err = json.Unmarshal(msg.Payload, &m); err == nil {
			e.cancelExpiry(m.Code)
			e.mu.Lock()
			_, local := e.deviceSockets[m.DeviceID]
			if local {
				e.bindLocked(m.DeviceID, m.ControllerID)
			}
			e.mu.Unlock()
			if local {
				e.deliver(e.deviceSocket(m.DeviceID), EventPaired, PairedPayload{DeviceID: m.DeviceID, Token: m.Token})
			}
		}

	case broker.TopicExpired:
		var m broker.ExpiredMessage
		if err = json.Unmarshal(msg.Payload, &m); err == nil {
			e.cancelExpiry(m.Code)
			e.deliver(e.deviceSocket(m.DeviceID), EventPairTimeout, CodePayload{Code: m.Code})
		}

	case broker.TopicRevoked:
		var m broker.ExpiredMessage
		if err = json.Unmarshal(msg.Payload, &m); err == nil {
			e.cancelExpiry(m.Code)
			e.deliver(e.deviceSocket(m.DeviceID), EventPairingRevoked, CodePayload{Code: m.Code})
		}

	case broker.TopicDisplayDisconnected:
		var m broker.DisplayDisconnectedMessage
		if err = json.Unmarshal(msg.Payload, &m); err == nil {
			e.mu.Lock()
			// 设备已在本节点重新连接时保留绑定
			if _, local := e.deviceSockets[m.DeviceID]; !local {
				delete(e.bindings, m.DeviceID)
			}
			e.mu.Unlock()
			e.notifyDisplayDisconnected(m.DeviceID, m.ControllerIDs)
		}

	case broker.TopicDisplayContent:
		var m broker.DisplayContentMessage
		if err = json.Unmarshal(msg.Payload, &m); err == nil {
			e.deliver(e.deviceSocket(m.DeviceID), EventContentUpdate, ContentPayload{Content: m.Content})
		}
	}

	if err != nil {
		corelog.Warnf("PairingEngine: dropped malformed %s message from %s: %v", msg.Topic, msg.NodeID, err)
	}
}
