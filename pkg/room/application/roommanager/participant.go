package roommanager

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lightlink/signaling-service/pkg/room/application/tasks"
	"github.com/lightlink/signaling-service/pkg/room/domain/dto"
	"github.com/lightlink/signaling-service/pkg/room/domain/entity"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/rpc"
)

// Connection is the outbound half of one browser connection.
type Connection interface {
	// Send queues message without blocking.
	Send(message []byte) error
	// Close flushes queued messages and closes the connection.
	Close() error
}

// Authorizer decides whether a connection may join roomName as userID.
type Authorizer func(userID, roomName string) error

type ParticipantOptions struct {
	SessionID string
	Logger    *zap.Logger
	// Authorize is consulted on joinRoom when set.
	Authorize Authorizer
	// TakeoverDuplicates lets joinRoom replace a live holder of the same id
	// instead of failing.
	TakeoverDuplicates bool
}

// Participant is the signaling state of one connection. Requests are handed
// in sequentially by the connection's read loop; media engine work runs on
// per-target lanes so the loop never waits for the engine.
type Participant struct {
	registry  *Registry
	engine    rpc.MediaEngine
	conn      Connection
	logger    *zap.Logger
	sessionID string
	authorize Authorizer
	takeover  bool

	id         atomic.String
	roomName   atomic.String
	publishing atomic.Bool
	closed     atomic.Bool

	mu       sync.Mutex
	state    entity.ParticipantState
	endpoint *endpointHandle
	// subscribers are the links fed by endpoint, keyed by subscriber id.
	subscribers map[string]*endpointHandle
	// receiving are the links this participant watches, keyed by sender id.
	// receiving[s] here is subscribers[self] on s.
	receiving  map[string]*endpointHandle
	candidates *entity.CandidateBuffer

	// lanes are keyed by the id a media operation targets: own id for the
	// publishing endpoint, the sender id for subscriber links.
	lanes     *tasks.KeyedQueue
	closeOnce sync.Once
}

func NewParticipant(registry *Registry, conn Connection, opts ParticipantOptions) *Participant {
	logger := opts.Logger
	if logger == nil {
		logger = registry.logger
	}
	return &Participant{
		registry:    registry,
		engine:      registry.engine,
		conn:        conn,
		logger:      logger.With(zap.String("session", opts.SessionID)),
		sessionID:   opts.SessionID,
		authorize:   opts.Authorize,
		takeover:    opts.TakeoverDuplicates,
		state:       entity.StateConnected,
		subscribers: make(map[string]*endpointHandle),
		receiving:   make(map[string]*endpointHandle),
		candidates:  entity.NewCandidateBuffer(),
		lanes:       tasks.NewKeyedQueue(context.Background()),
	}
}

func (p *Participant) ID() string { return p.id.Load() }

func (p *Participant) RoomName() string { return p.roomName.Load() }

func (p *Participant) SessionID() string { return p.sessionID }

func (p *Participant) IsPublishing() bool { return p.publishing.Load() }

func (p *Participant) State() entity.ParticipantState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Participant) log() *zap.Logger {
	if id := p.ID(); id != "" {
		return p.logger.With(zap.String("participant", id), zap.String("room", p.RoomName()))
	}
	return p.logger
}

// Notify sends a one way message to the browser.
func (p *Participant) Notify(method string, params interface{}) {
	p.send(dto.Notification{
		JSONRPC: dto.JSONRPCVersion,
		Method:  method,
		Params:  params,
	})
}

func (p *Participant) send(message interface{}) {
	raw, err := json.Marshal(message)
	if err != nil {
		p.log().Error("marshal outbound message", zap.Error(err))
		return
	}
	if err := p.conn.Send(raw); err != nil {
		p.log().Debug("outbound message dropped", zap.Error(err))
	}
}

// reply answers one request exactly once.
type reply struct {
	p    *Participant
	id   json.RawMessage
	once sync.Once
}

func (p *Participant) newReply(req *dto.Request) *reply {
	var id json.RawMessage
	if req.HasID() {
		id = req.ID
	}
	return &reply{p: p, id: id}
}

func (r *reply) result(v interface{}) {
	r.once.Do(func() {
		if r.id == nil {
			return
		}
		r.p.send(dto.Response{JSONRPC: dto.JSONRPCVersion, ID: r.id, Result: v})
	})
}

func (r *reply) fail(err error) {
	r.once.Do(func() {
		protoErr := entity.AsError(err)
		if protoErr.Code == entity.CodeInternal {
			r.p.log().Error("request failed", zap.Error(err))
		} else {
			r.p.log().Info("request rejected", zap.Int("code", protoErr.Code), zap.Error(err))
		}
		if r.id == nil {
			return
		}
		r.p.send(dto.Response{
			JSONRPC: dto.JSONRPCVersion,
			ID:      r.id,
			Error:   &dto.RPCError{Code: protoErr.Code, Message: protoErr.Message},
		})
	})
}

// ReplyError answers req with err. The router uses it for requests whose
// handler panicked.
func (p *Participant) ReplyError(req *dto.Request, err error) {
	p.newReply(req).fail(err)
}

// submit runs task on the lane of key. A panic inside task is answered as an
// internal error. It reports false when the lanes are already closed.
func (p *Participant) submit(key string, r *reply, task tasks.Task) bool {
	err := p.lanes.Submit(key, func(ctx context.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				p.log().Error("media task panicked", zap.Any("panic", rec), zap.Stack("stack"))
				r.fail(entity.NewError(entity.CodeInternal, nil, "internal error"))
			}
		}()
		task(ctx)
	})
	if err != nil {
		r.fail(entity.ErrParticipantClosed)
		return false
	}
	return true
}

func (p *Participant) releaseHandle(h *endpointHandle) {
	h.release(p.engine, p.registry.releaseTimeout, p.log())
}

// publisherEndpoint returns the current local endpoint or nil.
func (p *Participant) publisherEndpoint() *endpointHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoint
}

// attachSubscriber records the link subscriberID receives this participant's
// stream on. It fails when source is no longer the local endpoint.
func (p *Participant) attachSubscriber(subscriberID string, source, link *endpointHandle) error {
	p.mu.Lock()
	if p.state == entity.StateClosed || p.endpoint != source {
		p.mu.Unlock()
		return entity.ErrTargetUnavailable(p.ID())
	}
	old := p.subscribers[subscriberID]
	p.subscribers[subscriberID] = link
	p.mu.Unlock()

	if old != nil && old != link {
		p.releaseHandle(old)
	}
	return nil
}

func (p *Participant) detachSubscriber(subscriberID string, link *endpointHandle) {
	p.mu.Lock()
	if p.subscribers[subscriberID] == link {
		delete(p.subscribers, subscriberID)
	}
	p.mu.Unlock()
}

// dropReceiving forgets link if it is still the one receiving senderID's
// stream and releases it.
func (p *Participant) dropReceiving(senderID string, link *endpointHandle) {
	p.mu.Lock()
	if p.receiving[senderID] == link {
		delete(p.receiving, senderID)
	}
	p.mu.Unlock()
	p.releaseHandle(link)
}

// dropPublisher releases a former local endpoint together with every link it
// fed.
func (p *Participant) dropPublisher(endpoint *endpointHandle, links map[string]*endpointHandle) {
	self := p.ID()
	if endpoint != nil {
		p.releaseHandle(endpoint)
	}
	for subscriberID, link := range links {
		if peer := p.registry.FindParticipant(subscriberID); peer != nil {
			peer.dropReceiving(self, link)
			continue
		}
		p.releaseHandle(link)
	}
}

// PeerLeft forgets everything shared with peerID. It runs under the registry
// lock, so the engine calls are pushed to the peer's lane.
func (p *Participant) PeerLeft(peerID string) {
	p.mu.Lock()
	receiving := p.receiving[peerID]
	delete(p.receiving, peerID)
	subscriber := p.subscribers[peerID]
	delete(p.subscribers, peerID)
	p.candidates.Discard(peerID)
	p.mu.Unlock()

	if receiving == nil && subscriber == nil {
		return
	}
	release := func(context.Context) {
		for _, link := range []*endpointHandle{receiving, subscriber} {
			if link != nil {
				p.releaseHandle(link)
			}
		}
	}
	if err := p.lanes.Submit(peerID, release); err != nil {
		go release(context.Background())
	}
}

// markPublishing flips the participant live once ICE on endpoint connected.
func (p *Participant) markPublishing(endpoint *endpointHandle) {
	p.mu.Lock()
	if p.endpoint != endpoint || p.state == entity.StateClosed || p.publishing.Load() {
		p.mu.Unlock()
		return
	}
	p.publishing.Store(true)
	p.state = entity.StatePublishing
	p.mu.Unlock()

	p.log().Info("participant is publishing")
	p.registry.BroadcastPublished(p.RoomName(), p.ID())
}

// Close tears the participant down: every endpoint it holds is released,
// it leaves the registry and its room, and the connection is closed. Only
// the first call does anything.
func (p *Participant) Close() {
	p.closeOnce.Do(p.teardown)
}

func (p *Participant) teardown() {
	p.closed.Store(true)
	p.lanes.Close()

	p.mu.Lock()
	p.state = entity.StateClosed
	endpoint, subscribers, receiving := p.endpoint, p.subscribers, p.receiving
	p.endpoint = nil
	p.subscribers = make(map[string]*endpointHandle)
	p.receiving = make(map[string]*endpointHandle)
	p.mu.Unlock()
	p.publishing.Store(false)

	self := p.ID()
	p.dropPublisher(endpoint, subscribers)
	for senderID, link := range receiving {
		if sender := p.registry.FindParticipant(senderID); sender != nil {
			sender.detachSubscriber(self, link)
		}
		p.releaseHandle(link)
	}

	p.registry.Unregister(p)

	if err := p.conn.Close(); err != nil {
		p.log().Debug("close connection", zap.Error(err))
	}
	p.log().Info("participant closed")
}
