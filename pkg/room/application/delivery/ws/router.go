package ws

import (
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lightlink/signaling-service/pkg/room/application/roommanager"
	"github.com/lightlink/signaling-service/pkg/room/domain/dto"
)

// Target is whatever a decoded envelope is addressed to, in practice the
// participant behind the connection.
type Target interface {
	Handler(method string) (roommanager.Handler, bool)
	ReplyError(req *dto.Request, err error)
}

// Router decodes inbound envelopes and hands them to their target's
// handler. Malformed envelopes and unknown methods are logged and dropped;
// the connection stays open.
type Router struct {
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{logger: logger}
}

func (r *Router) Dispatch(target Target, message []byte) {
	var req dto.Request
	if err := json.Unmarshal(message, &req); err != nil {
		r.logger.Warn("malformed envelope", zap.Int("size", len(message)), zap.Error(err))
		return
	}
	if req.Method == "" {
		r.logger.Warn("envelope without method", zap.Int("size", len(message)))
		return
	}

	handler, ok := target.Handler(req.Method)
	if !ok {
		r.logger.Warn("unknown method", zap.String("method", req.Method), zap.Int("size", len(message)))
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked",
				zap.String("method", req.Method), zap.Any("panic", rec), zap.Stack("stack"))
			target.ReplyError(&req, errors.Errorf("%s panicked: %v", req.Method, rec))
		}
	}()

	r.logger.Debug("dispatching", zap.String("method", req.Method))
	handler(&req)
}
