package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/lightlink/signaling-service/pkg/room/application/roommanager"
	"github.com/lightlink/signaling-service/pkg/room/domain/entity"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/auth"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/presence"
)

// HealthService is the service name reported by the health checker.
const HealthService = "signaling"

// HealthChecker is satisfied by the grpc health server.
type HealthChecker interface {
	Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error)
}

type RoomHandler struct {
	registry *roommanager.Registry
	presence presence.Store
	tokens   *auth.TokenManager
	health   HealthChecker
	logger   *zap.Logger
}

// NewRoomHandler builds the HTTP surface. presence, tokens and health may be
// nil; their routes then answer 404 or report serving.
func NewRoomHandler(
	registry *roommanager.Registry,
	presenceStore presence.Store,
	tokens *auth.TokenManager,
	health HealthChecker,
	logger *zap.Logger,
) *RoomHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoomHandler{
		registry: registry,
		presence: presenceStore,
		tokens:   tokens,
		health:   health,
		logger:   logger,
	}
}

// Register mounts the handler's routes on r.
func (h *RoomHandler) Register(r *mux.Router) {
	r.HandleFunc("/healthz", h.HealthHandler).Methods(http.MethodGet)
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/rooms", h.ListRoomsHandler).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{roomID}", h.GetRoomHandler).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{roomID}/presence", h.PresenceHandler).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{roomID}/token", h.TokenHandler).Methods(http.MethodGet)
}

func (h *RoomHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("write response", zap.Error(err))
	}
}

func (h *RoomHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *RoomHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		checked, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
		if err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			resp.Status = healthpb.HealthCheckResponse_UNKNOWN
		} else {
			resp = checked
		}
	}

	body, err := protojson.Marshal(resp)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "encode health")
		return
	}

	status := http.StatusOK
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (h *RoomHandler) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"rooms": h.registry.Rooms()})
}

func (h *RoomHandler) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]

	room, err := h.registry.Room(roomID)
	if errors.Is(err, entity.ErrRoomNotFound) {
		h.writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, room)
}

// PresenceHandler reports the membership mirrored to the presence store,
// which covers every signaling process sharing it.
func (h *RoomHandler) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	if h.presence == nil {
		h.writeError(w, http.StatusNotFound, "presence is not configured")
		return
	}
	roomID := mux.Vars(r)["roomID"]

	members, publishing, err := h.presence.Members(r.Context(), roomID)
	if err != nil {
		h.logger.Warn("presence lookup failed", zap.String("room", roomID), zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "presence unavailable")
		return
	}
	if members == nil {
		members = []string{}
	}
	if publishing == nil {
		publishing = []string{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"room":       roomID,
		"members":    members,
		"publishing": publishing,
	})
}

// TokenHandler issues a join token for the user the gateway authenticated.
func (h *RoomHandler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if h.tokens == nil {
		h.writeError(w, http.StatusNotFound, "tokens are not configured")
		return
	}
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		h.writeError(w, http.StatusUnauthorized, "missing X-User-ID")
		return
	}
	roomID := mux.Vars(r)["roomID"]

	token, err := h.tokens.Issue(userID, roomID)
	if err != nil {
		h.logger.Error("issue token", zap.String("user", userID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "issue token")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"token":   token,
		"channel": entity.RoomChannel(roomID),
	})
}
