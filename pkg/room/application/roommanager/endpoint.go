package roommanager

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lightlink/signaling-service/pkg/room/infrastructure/rpc"
)

// endpointHandle is one media engine endpoint plus the event subscriptions
// attached to it. A subscriber link is referenced by both the publisher and
// the subscriber; whichever side goes first releases it.
type endpointHandle struct {
	endpoint rpc.Endpoint

	mu       sync.Mutex
	subs     []rpc.Subscription
	released bool
	once     sync.Once
}

func newEndpointHandle(endpoint rpc.Endpoint) *endpointHandle {
	return &endpointHandle{endpoint: endpoint}
}

// track keeps sub until the handle is released. A subscription that arrives
// after release is cancelled right away.
func (h *endpointHandle) track(sub rpc.Subscription) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		sub.Cancel()
		return
	}
	h.subs = append(h.subs, sub)
	h.mu.Unlock()
}

// release cancels the listeners and then releases the endpoint. It must not
// be called from inside one of the endpoint's own listeners.
func (h *endpointHandle) release(engine rpc.MediaEngine, timeout time.Duration, logger *zap.Logger) {
	h.once.Do(func() {
		h.mu.Lock()
		h.released = true
		subs := h.subs
		h.subs = nil
		h.mu.Unlock()

		for _, sub := range subs {
			sub.Cancel()
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := engine.Release(ctx, h.endpoint); err != nil {
			logger.Warn("release endpoint failed", zap.String("endpoint", h.endpoint.ID()), zap.Error(err))
		}
	})
}
