package kurento

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lightlink/signaling-service/pkg/room/domain/dto"
)

var (
	ErrClientClosed = errors.New("kurento connection closed")
	ErrCallTimeout  = errors.New("kurento call timed out")
)

const (
	DefaultCallTimeout  = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
)

type Options struct {
	CallTimeout  time.Duration
	PingInterval time.Duration
	Logger       *zap.Logger
	// OnDisconnect is invoked once when the media server connection drops.
	OnDisconnect func(err error)
	Dialer       *websocket.Dialer
}

// KurentoClient speaks the Kurento JSON-RPC dialect over a single
// websocket. Responses are matched to callers by request id, "onEvent"
// notifications are fanned out to the listeners registered per object.
type KurentoClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	pending      map[uint64]chan dto.KurentoResponse
	pendingMutex sync.Mutex
	nextID       atomic.Uint64

	sessionMu sync.RWMutex
	sessionID string

	listenersMu sync.Mutex
	listeners   map[string]map[string]map[uint64]*subscription
	serverSubs  map[string]map[string]string // object -> event type -> subscription id
	nextSubID   uint64

	callTimeout  time.Duration
	pingInterval time.Duration
	onDisconnect func(err error)
	logger       *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func NewKurentoClient(ctx context.Context, kurentoURL string, opts Options) (*KurentoClient, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, kurentoURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial kurento %s", kurentoURL)
	}

	client := &KurentoClient{
		conn:         conn,
		pending:      make(map[uint64]chan dto.KurentoResponse),
		listeners:    make(map[string]map[string]map[uint64]*subscription),
		serverSubs:   make(map[string]map[string]string),
		callTimeout:  opts.CallTimeout,
		pingInterval: opts.PingInterval,
		onDisconnect: opts.OnDisconnect,
		logger:       opts.Logger,
		done:         make(chan struct{}),
	}
	if client.callTimeout <= 0 {
		client.callTimeout = DefaultCallTimeout
	}
	if client.logger == nil {
		client.logger = zap.NewNop()
	}

	go client.readMessages()
	if client.pingInterval > 0 {
		go client.keepalive()
	}

	return client, nil
}

func (c *KurentoClient) readMessages() {
	var readErr error
	defer func() {
		c.shutdown(readErr)
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}

		var envelope struct {
			ID     *uint64 `json:"id"`
			Method string  `json:"method"`
		}
		if err := json.Unmarshal(message, &envelope); err != nil {
			c.logger.Warn("undecodable kurento message", zap.Int("size", len(message)), zap.Error(err))
			continue
		}

		switch {
		case envelope.ID != nil:
			var resp dto.KurentoResponse
			if err := json.Unmarshal(message, &resp); err != nil {
				c.logger.Warn("undecodable kurento response", zap.Error(err))
				continue
			}

			c.pendingMutex.Lock()
			if ch, ok := c.pending[resp.ID]; ok {
				ch <- resp
				delete(c.pending, resp.ID)
			}
			c.pendingMutex.Unlock()
		case envelope.Method == "onEvent":
			c.handleKurentoEvent(message)
		default:
			c.logger.Debug("ignored kurento message", zap.String("method", envelope.Method))
		}
	}
}

func (c *KurentoClient) handleKurentoEvent(message []byte) {
	var event dto.KurentoEvent
	if err := json.Unmarshal(message, &event); err != nil {
		c.logger.Warn("undecodable kurento event", zap.Error(err))
		return
	}

	object, eventType := event.Params.Value.Object, event.Params.Value.Type
	c.logger.Debug("kurento event", zap.String("object", object), zap.String("type", eventType))

	c.listenersMu.Lock()
	byType := c.listeners[object][eventType]
	subs := make([]*subscription, 0, len(byType))
	for _, sub := range byType {
		subs = append(subs, sub)
	}
	c.listenersMu.Unlock()

	for _, sub := range subs {
		sub.deliver(event.Params.Value.Data)
	}
}

// Call issues one JSON-RPC request and waits for its response.
func (c *KurentoClient) Call(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	id := c.nextID.Inc()

	if params == nil {
		params = map[string]interface{}{}
	}
	if sessionID := c.session(); sessionID != "" {
		if _, ok := params["sessionId"]; !ok {
			params["sessionId"] = sessionID
		}
	}

	request := struct {
		JSONRPC string                 `json:"jsonrpc"`
		ID      uint64                 `json:"id"`
		Method  string                 `json:"method"`
		Params  map[string]interface{} `json:"params"`
	}{
		JSONRPC: dto.JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}

	msg, err := json.Marshal(request)
	if err != nil {
		return nil, errors.Wrap(err, "marshal kurento request")
	}

	responseChan := make(chan dto.KurentoResponse, 1)

	c.pendingMutex.Lock()
	c.pending[id] = responseChan
	c.pendingMutex.Unlock()
	defer func() {
		c.pendingMutex.Lock()
		delete(c.pending, id)
		c.pendingMutex.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return nil, errors.Wrapf(err, "send kurento %s", method)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case resp := <-responseChan:
		if resp.Error != nil {
			return nil, errors.Wrapf(resp.Error, "kurento %s", method)
		}
		c.rememberSession(resp.Result)
		return resp.Result, nil
	case <-timer.C:
		return nil, errors.Wrapf(ErrCallTimeout, "kurento %s", method)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

func (c *KurentoClient) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *KurentoClient) session() string {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.sessionID
}

func (c *KurentoClient) rememberSession(result json.RawMessage) {
	if len(result) == 0 || c.session() != "" {
		return
	}
	var withSession struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(result, &withSession); err != nil || withSession.SessionID == "" {
		return
	}
	c.sessionMu.Lock()
	if c.sessionID == "" {
		c.sessionID = withSession.SessionID
	}
	c.sessionMu.Unlock()
}

func (c *KurentoClient) keepalive() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
			_, err := c.Call(ctx, "ping", map[string]interface{}{
				"interval": (2 * c.pingInterval).Milliseconds(),
			})
			cancel()
			if err != nil {
				c.logger.Warn("kurento ping failed", zap.Error(err))
			}
		}
	}
}

// Done is closed once the media server connection is gone.
func (c *KurentoClient) Done() <-chan struct{} {
	return c.done
}

func (c *KurentoClient) shutdown(err error) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()

		c.listenersMu.Lock()
		for object := range c.listeners {
			c.dropListenersLocked(object)
		}
		c.listenersMu.Unlock()

		if err != nil {
			c.logger.Warn("kurento connection lost", zap.Error(err))
		}
		if c.onDisconnect != nil {
			c.onDisconnect(err)
		}
	})
}

func (c *KurentoClient) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.shutdown(nil)
	return nil
}
