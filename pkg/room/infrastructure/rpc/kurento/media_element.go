package kurento

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lightlink/signaling-service/pkg/room/domain/dto"
)

// MediaElement is any object living on the media server.
type MediaElement struct {
	id string
}

func (me *MediaElement) ID() string { return me.id }

type subscription struct {
	client    *KurentoClient
	object    string
	eventType string
	id        uint64

	mu        sync.Mutex
	cancelled bool
	fn        func(json.RawMessage)
}

// deliver runs the listener unless it was cancelled. Holding mu while the
// listener runs makes Cancel wait for an in-flight delivery.
func (s *subscription) deliver(data json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	s.fn(data)
}

func (s *subscription) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()

	s.client.listenersMu.Lock()
	if byType, ok := s.client.listeners[s.object]; ok {
		delete(byType[s.eventType], s.id)
	}
	s.client.listenersMu.Unlock()
}

// subscribe registers fn for eventType on object, subscribing on the media
// server the first time this event type is requested for the object.
func (c *KurentoClient) subscribe(ctx context.Context, object, eventType string, fn func(json.RawMessage)) (*subscription, error) {
	c.listenersMu.Lock()
	_, subscribed := c.serverSubs[object][eventType]
	c.listenersMu.Unlock()

	if !subscribed {
		result, err := c.Call(ctx, "subscribe", map[string]interface{}{
			"object": object,
			"type":   eventType,
		})
		if err != nil {
			return nil, err
		}

		var response dto.OnSubscribeEventResult
		if err := json.Unmarshal(result, &response); err != nil {
			return nil, errors.Wrap(err, "decode subscribe result")
		}

		c.listenersMu.Lock()
		if c.serverSubs[object] == nil {
			c.serverSubs[object] = make(map[string]string)
		}
		c.serverSubs[object][eventType] = response.Value
		c.listenersMu.Unlock()
	}

	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	c.nextSubID++
	sub := &subscription{
		client:    c,
		object:    object,
		eventType: eventType,
		id:        c.nextSubID,
		fn:        fn,
	}
	if c.listeners[object] == nil {
		c.listeners[object] = make(map[string]map[uint64]*subscription)
	}
	if c.listeners[object][eventType] == nil {
		c.listeners[object][eventType] = make(map[uint64]*subscription)
	}
	c.listeners[object][eventType][sub.id] = sub

	return sub, nil
}

// dropListenersLocked cancels every local listener of object. Callers hold
// listenersMu.
func (c *KurentoClient) dropListenersLocked(object string) {
	for _, byID := range c.listeners[object] {
		for _, sub := range byID {
			sub.mu.Lock()
			sub.cancelled = true
			sub.mu.Unlock()
		}
	}
	delete(c.listeners, object)
}

func (c *KurentoClient) unsubscribe(ctx context.Context, object, subscriptionID string) error {
	_, err := c.Call(ctx, "unsubscribe", map[string]interface{}{
		"object":       object,
		"subscription": subscriptionID,
	})
	return err
}

// releaseElement detaches local listeners, drops the server side
// subscriptions and releases the object.
func (c *KurentoClient) releaseElement(ctx context.Context, object string) error {
	c.listenersMu.Lock()
	c.dropListenersLocked(object)
	serverSubs := c.serverSubs[object]
	delete(c.serverSubs, object)
	c.listenersMu.Unlock()

	for eventType, subscriptionID := range serverSubs {
		if err := c.unsubscribe(ctx, object, subscriptionID); err != nil {
			c.logger.Debug("kurento unsubscribe failed",
				zap.String("object", object), zap.String("type", eventType), zap.Error(err))
		}
	}

	_, err := c.Call(ctx, "release", map[string]interface{}{
		"object": object,
	})
	return err
}
