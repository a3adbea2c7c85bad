package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrConnClosed      = errors.New("connection closed")
	ErrSendBufferFull  = errors.New("send buffer full")
	errUnexpectedFrame = errors.New("binary frames are not supported")
)

const (
	DefaultWriteWait       = 10 * time.Second
	DefaultPongWait        = 60 * time.Second
	DefaultMaxMessageBytes = 2000000
	DefaultSendBuffer      = 256
)

type ConnOptions struct {
	// WriteWait is the time allowed to write one frame.
	WriteWait time.Duration
	// PongWait is the time allowed between two frames from the peer. Pings
	// go out at 9/10 of it.
	PongWait        time.Duration
	MaxMessageBytes int64
	SendBuffer      int
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	return o
}

// Conn wraps one browser websocket. ReadPump owns all reads and WritePump
// owns all writes; Send only queues.
type Conn struct {
	ws     *websocket.Conn
	opts   ConnOptions
	logger *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func NewConn(ws *websocket.Conn, opts ConnOptions, logger *zap.Logger) *Conn {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		ws:     ws,
		opts:   opts,
		logger: logger,
		send:   make(chan []byte, opts.SendBuffer),
	}
}

// Send queues message for the write pump. A slow peer whose buffer is full
// loses the message rather than stalling the caller.
func (c *Conn) Send(message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- message:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops accepting messages. The write pump flushes what is queued,
// sends a close frame and closes the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

// ReadPump hands every text frame to onMessage until the connection fails.
// onMessage runs on the calling goroutine, one frame at a time.
func (c *Conn) ReadPump(onMessage func([]byte)) error {
	c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return err
			}
			return nil
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		if messageType != websocket.TextMessage {
			c.logger.Warn("dropping frame", zap.Int("size", len(message)), zap.Error(errUnexpectedFrame))
			continue
		}
		onMessage(message)
	}
}

// WritePump writes queued messages and keeps the connection alive with
// pings. It closes the socket when it returns; after a write failure later
// sends fail fast.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(c.opts.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				_ = c.Close()
				return
			}
		}
	}
}
