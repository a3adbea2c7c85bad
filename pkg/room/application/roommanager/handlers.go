package roommanager

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lightlink/signaling-service/pkg/room/domain/dto"
	"github.com/lightlink/signaling-service/pkg/room/domain/entity"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/rpc"
)

// Methods a browser peer may call.
const (
	MethodPing             = "ping"
	MethodJoinRoom         = "joinRoom"
	MethodLeaveRoom        = "leaveRoom"
	MethodPublishVideo     = "publishVideo"
	MethodOnIceCandidate   = "onIceCandidate"
	MethodReceiveVideoFrom = "receiveVideoFrom"
)

// Handler processes one request. It returns once the request is answered or
// its media work is queued.
type Handler func(req *dto.Request)

// Handler returns the handler for method.
func (p *Participant) Handler(method string) (Handler, bool) {
	switch method {
	case MethodPing:
		return p.handlePing, true
	case MethodJoinRoom:
		return p.handleJoinRoom, true
	case MethodLeaveRoom:
		return p.handleLeaveRoom, true
	case MethodPublishVideo:
		return p.handlePublishVideo, true
	case MethodOnIceCandidate:
		return p.handleOnIceCandidate, true
	case MethodReceiveVideoFrom:
		return p.handleReceiveVideoFrom, true
	default:
		return nil, false
	}
}

func (p *Participant) handlePing(req *dto.Request) {
	r := p.newReply(req)
	if state := p.State(); state == entity.StateClosed {
		r.fail(entity.ErrInvalidState(req.Method, state))
		return
	}
	r.result(dto.ValueResult{Value: "pong"})
}

func (p *Participant) handleJoinRoom(req *dto.Request) {
	r := p.newReply(req)

	var params dto.JoinRoomParams
	if err := decodeParams(req, &params); err != nil {
		r.fail(err)
		return
	}
	if params.Room == "" || params.User == "" {
		r.fail(entity.ErrInvalidParams(errors.New("room and user are required")))
		return
	}
	if state := p.State(); state != entity.StateConnected {
		r.fail(entity.ErrInvalidState(req.Method, state))
		return
	}
	if p.authorize != nil {
		if err := p.authorize(params.User, params.Room); err != nil {
			r.fail(entity.NewError(entity.CodeUnauthorized, err, "not allowed to join room %s", params.Room))
			return
		}
	}

	p.id.Store(params.User)
	p.roomName.Store(params.Room)

	if p.takeover {
		p.registry.Register(p)
	}
	members, err := p.registry.Join(params.Room, p)
	if err != nil {
		if p.takeover {
			p.registry.Unregister(p)
		}
		p.id.Store("")
		p.roomName.Store("")
		r.fail(err)
		return
	}

	p.mu.Lock()
	if p.state == entity.StateConnected {
		p.state = entity.StateJoined
	}
	p.mu.Unlock()

	p.log().Info("participant joined", zap.Int("members", len(members)))
	r.result(dto.ValueResult{Value: members})
}

func (p *Participant) handleLeaveRoom(req *dto.Request) {
	p.newReply(req).result(dto.SessionResult{SessionID: p.sessionID})
	p.Close()
}

func (p *Participant) handlePublishVideo(req *dto.Request) {
	r := p.newReply(req)

	var params dto.PublishVideoParams
	if err := decodeParams(req, &params); err != nil {
		r.fail(err)
		return
	}
	if err := validateOffer(params.SdpOffer); err != nil {
		r.fail(err)
		return
	}
	if state := p.State(); !state.InRoom() {
		r.fail(entity.ErrInvalidState(req.Method, state))
		return
	}

	// The previous endpoint is detached here so candidates trickled for this
	// offer are buffered for the new one instead.
	p.mu.Lock()
	prev := publisherState{endpoint: p.endpoint, links: p.subscribers}
	p.endpoint = nil
	p.subscribers = make(map[string]*endpointHandle)
	prev.publishing = p.publishing.Swap(false)
	if p.state == entity.StatePublishing {
		p.state = entity.StateJoined
	}
	p.mu.Unlock()

	if !p.submit(p.ID(), r, func(ctx context.Context) {
		p.publish(ctx, params.SdpOffer, prev, r)
	}) {
		go p.dropPublisher(prev.endpoint, prev.links)
	}
}

// publisherState is a local endpoint detached from the participant, with the
// links it fed.
type publisherState struct {
	endpoint   *endpointHandle
	links      map[string]*endpointHandle
	publishing bool
}

// publish negotiates a fresh local endpoint after tearing down prev.
func (p *Participant) publish(ctx context.Context, offer string, prev publisherState, r *reply) {
	self, roomName := p.ID(), p.RoomName()

	// An earlier offer queued on this lane may have installed an endpoint
	// after prev was detached.
	p.mu.Lock()
	current := publisherState{endpoint: p.endpoint, links: p.subscribers}
	p.endpoint = nil
	p.subscribers = make(map[string]*endpointHandle)
	current.publishing = p.publishing.Swap(false)
	if p.state == entity.StatePublishing {
		p.state = entity.StateJoined
	}
	p.mu.Unlock()

	for _, old := range []publisherState{prev, current} {
		if old.endpoint != nil || len(old.links) > 0 {
			p.log().Info("renegotiating local endpoint", zap.Int("links", len(old.links)))
			p.dropPublisher(old.endpoint, old.links)
		}
	}
	if prev.publishing || current.publishing {
		p.registry.unpublished(roomName, self)
	}
	if p.State() == entity.StateClosed {
		r.fail(entity.ErrParticipantClosed)
		return
	}

	pipeline, err := p.registry.GetOrCreatePipeline(ctx, roomName)
	if err != nil {
		r.fail(entity.NewError(entity.CodeInternal, err, "media pipeline unavailable"))
		return
	}
	endpoint, err := p.engine.CreateEndpoint(ctx, pipeline)
	if err != nil {
		r.fail(entity.ErrNegotiation("create endpoint", err))
		return
	}
	handle := newEndpointHandle(endpoint)

	p.mu.Lock()
	if p.state == entity.StateClosed {
		p.mu.Unlock()
		p.releaseHandle(handle)
		r.fail(entity.ErrParticipantClosed)
		return
	}
	p.endpoint = handle
	pending := p.candidates.Drain(self)
	p.mu.Unlock()

	abort := func(step string, err error) {
		p.mu.Lock()
		var links map[string]*endpointHandle
		if p.endpoint == handle {
			p.endpoint = nil
			links = p.subscribers
			p.subscribers = make(map[string]*endpointHandle)
		}
		p.mu.Unlock()
		p.dropPublisher(handle, links)
		r.fail(entity.ErrNegotiation(step, err))
	}

	candidates, err := p.engine.OnIceCandidate(ctx, endpoint, func(candidate dto.IceCandidate) {
		p.Notify(MethodIceCandidate, dto.IceCandidateParams{EndpointName: self, IceCandidate: candidate})
	})
	if err != nil {
		abort("subscribe OnIceCandidate", err)
		return
	}
	handle.track(candidates)

	states, err := p.engine.OnIceStateChanged(ctx, endpoint, func(state rpc.IceState) {
		if state == rpc.IceStateConnected {
			p.markPublishing(handle)
		}
	})
	if err != nil {
		abort("subscribe IceComponentStateChanged", err)
		return
	}
	handle.track(states)

	p.flush(ctx, handle, pending)

	answer, err := p.engine.ProcessOffer(ctx, endpoint, offer)
	if err != nil {
		abort("processOffer", err)
		return
	}
	if err := p.engine.GatherCandidates(ctx, endpoint); err != nil {
		abort("gatherCandidates", err)
		return
	}

	r.result(dto.SDPAnswerResult{SdpAnswer: answer, SessionID: p.sessionID})
}

func (p *Participant) handleOnIceCandidate(req *dto.Request) {
	r := p.newReply(req)

	var params dto.OnIceCandidateParams
	if err := decodeParams(req, &params); err != nil {
		r.fail(err)
		return
	}
	if state := p.State(); !state.InRoom() {
		r.fail(entity.ErrInvalidState(req.Method, state))
		return
	}
	target := params.EndpointName
	if target == "" {
		r.fail(entity.ErrInvalidParams(errors.New("endpointName is required")))
		return
	}
	// An empty candidate marks the end of gathering on the browser side.
	if params.Candidate == "" {
		r.result(dto.SessionResult{SessionID: p.sessionID})
		return
	}
	if err := validateCandidate(params.Candidate); err != nil {
		r.fail(err)
		return
	}

	self := p.ID()
	if target != self {
		peer := p.registry.FindParticipant(target)
		if peer == nil || peer.RoomName() != p.RoomName() {
			r.fail(entity.ErrTargetUnavailable(target))
			return
		}
	}

	candidate := params.IceCandidate
	if p.routeCandidate(target, candidate) != nil {
		// Queued behind any pending offer for target, so the endpoint is
		// resolved again when the task runs.
		if err := p.lanes.Submit(target, func(ctx context.Context) {
			if handle := p.routeCandidate(target, candidate); handle != nil {
				p.addCandidate(ctx, handle, candidate)
			}
		}); err != nil {
			p.log().Debug("ice candidate dropped", zap.String("target", target), zap.Error(err))
		}
	} else {
		p.log().Debug("ice candidate buffered", zap.String("target", target))
	}

	r.result(dto.SessionResult{SessionID: p.sessionID})
}

// routeCandidate returns the endpoint negotiating with target. While there
// is none, candidate is buffered and nil is returned.
func (p *Participant) routeCandidate(target string, candidate dto.IceCandidate) *endpointHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	handle := p.receiving[target]
	if target == p.ID() {
		handle = p.endpoint
	}
	if handle == nil {
		p.candidates.Push(target, candidate)
	}
	return handle
}

func (p *Participant) addCandidate(ctx context.Context, handle *endpointHandle, candidate dto.IceCandidate) {
	if err := p.engine.AddIceCandidate(ctx, handle.endpoint, candidate); err != nil {
		p.log().Warn("add ice candidate failed", zap.String("endpoint", handle.endpoint.ID()), zap.Error(err))
	}
}

// flush submits candidates that were buffered before handle existed.
func (p *Participant) flush(ctx context.Context, handle *endpointHandle, pending []dto.IceCandidate) {
	for _, candidate := range pending {
		p.addCandidate(ctx, handle, candidate)
	}
	if len(pending) > 0 {
		p.log().Debug("buffered ice candidates flushed",
			zap.String("endpoint", handle.endpoint.ID()), zap.Int("count", len(pending)))
	}
}

func (p *Participant) handleReceiveVideoFrom(req *dto.Request) {
	r := p.newReply(req)

	var params dto.ReceiveVideoFromParams
	if err := decodeParams(req, &params); err != nil {
		r.fail(err)
		return
	}
	sender := senderID(params.Sender)
	if sender == "" {
		r.fail(entity.ErrInvalidParams(errors.New("sender is required")))
		return
	}
	if err := validateOffer(params.SdpOffer); err != nil {
		r.fail(err)
		return
	}
	if state := p.State(); !state.InRoom() {
		r.fail(entity.ErrInvalidState(req.Method, state))
		return
	}
	if sender == p.ID() {
		r.fail(entity.ErrTargetUnavailable(sender))
		return
	}

	// Detach the current link so candidates for this offer are buffered.
	p.mu.Lock()
	prev := p.receiving[sender]
	delete(p.receiving, sender)
	p.mu.Unlock()

	if !p.submit(sender, r, func(ctx context.Context) {
		p.receive(ctx, sender, params.SdpOffer, prev, r)
	}) && prev != nil {
		go p.releaseReceiving(sender, prev)
	}
}

// releaseReceiving releases a link detached from receiving.
func (p *Participant) releaseReceiving(senderID string, link *endpointHandle) {
	if sender := p.registry.FindParticipant(senderID); sender != nil {
		sender.detachSubscriber(p.ID(), link)
	}
	p.releaseHandle(link)
}

// receive negotiates a link carrying senderID's stream to this participant,
// replacing prev.
func (p *Participant) receive(ctx context.Context, senderID, offer string, prev *endpointHandle, r *reply) {
	self := p.ID()

	if prev != nil {
		p.releaseReceiving(senderID, prev)
	}

	// Candidates buffered for a rejected offer have nowhere to go.
	reject := func(err error) {
		p.mu.Lock()
		p.candidates.Discard(senderID)
		p.mu.Unlock()
		r.fail(err)
	}

	sender := p.registry.FindParticipant(senderID)
	if sender == nil || sender.RoomName() != p.RoomName() || !sender.IsPublishing() {
		reject(entity.ErrTargetUnavailable(senderID))
		return
	}
	source := sender.publisherEndpoint()
	if source == nil {
		reject(entity.ErrTargetUnavailable(senderID))
		return
	}
	pipeline := p.registry.Pipeline(p.RoomName())
	if pipeline == nil {
		reject(entity.NewError(entity.CodeInternal, entity.ErrPipelineUnavailable, "media pipeline unavailable"))
		return
	}

	endpoint, err := p.engine.CreateEndpoint(ctx, pipeline)
	if err != nil {
		reject(entity.ErrNegotiation("create endpoint", err))
		return
	}
	link := newEndpointHandle(endpoint)

	p.mu.Lock()
	if p.state == entity.StateClosed {
		p.mu.Unlock()
		p.releaseHandle(link)
		r.fail(entity.ErrParticipantClosed)
		return
	}
	stale := p.receiving[senderID]
	p.receiving[senderID] = link
	pending := p.candidates.Drain(senderID)
	p.mu.Unlock()

	if stale != nil {
		p.releaseReceiving(senderID, stale)
	}

	abort := func(err error) {
		sender.detachSubscriber(self, link)
		p.dropReceiving(senderID, link)
		r.fail(err)
	}

	if err := sender.attachSubscriber(self, source, link); err != nil {
		abort(err)
		return
	}

	candidates, err := p.engine.OnIceCandidate(ctx, endpoint, func(candidate dto.IceCandidate) {
		p.Notify(MethodIceCandidate, dto.IceCandidateParams{EndpointName: senderID, IceCandidate: candidate})
	})
	if err != nil {
		abort(entity.ErrNegotiation("subscribe OnIceCandidate", err))
		return
	}
	link.track(candidates)

	p.flush(ctx, link, pending)

	answer, err := p.engine.ProcessOffer(ctx, endpoint, offer)
	if err != nil {
		abort(entity.ErrNegotiation("processOffer", err))
		return
	}
	if err := p.engine.Connect(ctx, source.endpoint, endpoint); err != nil {
		abort(entity.ErrNegotiation("connect", err))
		return
	}
	if err := p.engine.GatherCandidates(ctx, endpoint); err != nil {
		abort(entity.ErrNegotiation("gatherCandidates", err))
		return
	}

	p.log().Info("receiving stream", zap.String("sender", senderID))
	r.result(dto.SDPAnswerResult{SdpAnswer: answer, SessionID: p.sessionID})
}
