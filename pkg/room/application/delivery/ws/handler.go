package ws

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lightlink/signaling-service/pkg/room/application/roommanager"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/auth"
)

type HandlerOptions struct {
	Conn ConnOptions
	// Tokens, when set, makes a valid ?token= mandatory for the upgrade and
	// restricts joinRoom to the rooms it grants.
	Tokens             *auth.TokenManager
	TakeoverDuplicates bool
	CheckOrigin        func(r *http.Request) bool
	Logger             *zap.Logger
}

// Handler upgrades browser connections and runs one participant per
// connection.
type Handler struct {
	registry *roommanager.Registry
	router   *Router
	upgrader websocket.Upgrader
	opts     HandlerOptions
	logger   *zap.Logger

	mu   sync.Mutex
	live map[*roommanager.Participant]struct{}
	wg   sync.WaitGroup
}

func NewHandler(registry *roommanager.Registry, opts HandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		registry: registry,
		router:   NewRouter(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		opts:   opts,
		logger: logger,
		live:   make(map[*roommanager.Participant]struct{}),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var authorize roommanager.Authorizer
	if h.opts.Tokens != nil {
		claims, err := h.opts.Tokens.Verify(r.URL.Query().Get("token"))
		if err != nil {
			h.logger.Info("rejected upgrade", zap.String("remote", r.RemoteAddr), zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		authorize = func(userID, roomName string) error {
			if !claims.Allows(userID, roomName) {
				return errors.Wrapf(auth.ErrInvalidToken, "token does not grant %s in %s", userID, roomName)
			}
			return nil
		}
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	sessionID := uuid.NewString()
	logger := h.logger.With(zap.String("session", sessionID))
	conn := NewConn(wsConn, h.opts.Conn, logger)
	participant := roommanager.NewParticipant(h.registry, conn, roommanager.ParticipantOptions{
		SessionID:          sessionID,
		Logger:             h.logger,
		Authorize:          authorize,
		TakeoverDuplicates: h.opts.TakeoverDuplicates,
	})
	if !h.track(participant) {
		_ = conn.Close()
		conn.WritePump()
		return
	}
	defer h.untrack(participant)

	logger.Debug("connection opened", zap.String("remote", r.RemoteAddr))
	go conn.WritePump()

	if err := conn.ReadPump(func(message []byte) {
		h.router.Dispatch(participant, message)
	}); err != nil {
		logger.Info("connection lost", zap.Error(err))
	}
	participant.Close()
}

func (h *Handler) track(p *roommanager.Participant) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.live == nil {
		return false
	}
	h.live[p] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(p *roommanager.Participant) {
	h.mu.Lock()
	delete(h.live, p)
	h.mu.Unlock()
	h.wg.Done()
}

// Shutdown refuses new connections, closes every live participant and
// waits for their connections to finish.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	live := make([]*roommanager.Participant, 0, len(h.live))
	for p := range h.live {
		live = append(live, p)
	}
	h.live = nil
	h.mu.Unlock()

	for _, p := range live {
		p.Close()
	}
	h.wg.Wait()
}
