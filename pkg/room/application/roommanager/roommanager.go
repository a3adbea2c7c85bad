package roommanager

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lightlink/signaling-service/pkg/room/application/eventhandler"
	"github.com/lightlink/signaling-service/pkg/room/application/tasks"
	"github.com/lightlink/signaling-service/pkg/room/domain/dto"
	"github.com/lightlink/signaling-service/pkg/room/domain/entity"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/presence"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/repository"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/rpc"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/ws"
)

// Notifications sent to browser peers.
const (
	MethodParticipantJoined    = "participantJoined"
	MethodParticipantLeft      = "participantLeft"
	MethodParticipantPublished = "participantPublished"
	MethodIceCandidate         = "iceCandidate"
)

// StreamWebcam is the only stream a participant publishes.
const StreamWebcam = "webcam"

const (
	defaultReleaseTimeout = 10 * time.Second
	defaultMirrorTimeout  = 5 * time.Second
)

type Options struct {
	Logger *zap.Logger
	// Presence mirrors membership to an external store. Optional.
	Presence presence.Store
	// Feed publishes room lifecycle events. Optional.
	Feed ws.MessagingServer
	// Events replaces the handler built from Presence and Feed.
	Events eventhandler.EventHandler
	// ReleaseTimeout bounds media engine release calls made during teardown.
	ReleaseTimeout time.Duration
	MirrorTimeout  time.Duration
}

// Registry is the directory of rooms and participants of this process. One
// lock makes register, unregister, join and pipeline bookkeeping atomic with
// respect to each other; media engine calls never run under it.
type Registry struct {
	engine rpc.MediaEngine
	repo   repository.RoomRepository
	events eventhandler.EventHandler
	logger *zap.Logger

	releaseTimeout time.Duration
	mirrorTimeout  time.Duration

	mu sync.Mutex
	// mirror keeps presence and feed updates ordered per room without
	// holding up signaling.
	mirror *tasks.KeyedQueue
}

func NewRegistry(engine rpc.MediaEngine, repo repository.RoomRepository, opts Options) *Registry {
	r := &Registry{
		engine:         engine,
		repo:           repo,
		events:         opts.Events,
		logger:         opts.Logger,
		releaseTimeout: opts.ReleaseTimeout,
		mirrorTimeout:  opts.MirrorTimeout,
		mirror:         tasks.NewKeyedQueue(context.Background()),
	}
	if r.events == nil {
		r.events = eventhandler.NewDefaultEventHandler(opts.Feed, opts.Presence)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.releaseTimeout <= 0 {
		r.releaseTimeout = defaultReleaseTimeout
	}
	if r.mirrorTimeout <= 0 {
		r.mirrorTimeout = defaultMirrorTimeout
	}
	return r
}

// Register makes p the live holder of its id. A previous holder is
// terminated first: its connection is closed, its endpoints are released and
// it leaves its room.
func (r *Registry) Register(p *Participant) {
	for {
		r.mu.Lock()
		prev, err := r.repo.GetMemberByID(p.ID())
		if err != nil || prev == entity.Member(p) {
			r.repo.StoreMember(p)
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		r.logger.Info("replacing participant", zap.String("participant", p.ID()))
		if holder, ok := prev.(*Participant); ok {
			roomName, id := holder.RoomName(), holder.ID()
			holder.Close()
			r.mirrorRoom(roomName, func(ctx context.Context) error {
				return r.events.HandleSessionReplaced(ctx, roomName, id)
			})
		}
		// Close unregisters the holder; anything else is dropped by hand.
		r.mu.Lock()
		r.repo.DeleteMember(p.ID(), prev)
		r.mu.Unlock()
	}
}

// Join adds p to roomName and returns the members that were already there.
// Every other member is told about p before the snapshot is handed back.
func (r *Registry) Join(roomName string, p *Participant) ([]dto.MemberInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.closed.Load() {
		return nil, entity.ErrParticipantClosed
	}
	if holder, err := r.repo.GetMemberByID(p.ID()); err == nil && holder != entity.Member(p) {
		return nil, entity.ErrUserExists(p.ID(), roomName)
	}

	room := r.repo.LoadOrStore(entity.NewRoom(roomName))
	if room.Contains(p.ID()) {
		return nil, entity.ErrUserExists(p.ID(), roomName)
	}

	members := make([]dto.MemberInfo, 0, room.Len())
	for _, m := range room.Members() {
		info := dto.MemberInfo{ID: m.ID(), Streams: []dto.StreamInfo{}}
		if m.IsPublishing() {
			info.Streams = append(info.Streams, dto.StreamInfo{ID: StreamWebcam})
		}
		members = append(members, info)
		m.Notify(MethodParticipantJoined, dto.ParticipantJoinedParams{ID: p.ID()})
	}

	room.Add(p)
	r.repo.StoreMember(p)

	id := p.ID()
	r.mirrorRoom(roomName, func(ctx context.Context) error {
		return r.events.HandleParticipantJoined(ctx, roomName, id)
	})

	return members, nil
}

// Unregister drops p from the id index and from its room, telling the
// remaining members it left. The room pipeline is released once the room is
// empty.
func (r *Registry) Unregister(p *Participant) {
	roomName := p.RoomName()

	r.mu.Lock()
	r.repo.DeleteMember(p.ID(), p)

	var pipeline rpc.Pipeline
	left, roomClosed := false, false
	if room, err := r.repo.GetRoomByName(roomName); err == nil && room.Remove(p) {
		left = true
		for _, m := range room.Members() {
			m.Notify(MethodParticipantLeft, dto.ParticipantLeftParams{Name: p.ID()})
			m.PeerLeft(p.ID())
		}
		if room.Len() == 0 {
			room.Closed = true
			pipeline, room.Pipeline = room.Pipeline, nil
			r.repo.DeleteRoom(roomName)
			roomClosed = true
		}
	}
	r.mu.Unlock()

	if pipeline != nil {
		r.releasePipeline(roomName, pipeline)
	}

	if !left {
		return
	}
	id := p.ID()
	r.mirrorRoom(roomName, func(ctx context.Context) error {
		return r.events.HandleParticipantLeft(ctx, roomName, id, roomClosed)
	})
}

// GetOrCreatePipeline returns the pipeline of roomName, creating it on first
// use. Concurrent callers for one room wait on the room lock, so at most one
// pipeline exists per room.
func (r *Registry) GetOrCreatePipeline(ctx context.Context, roomName string) (rpc.Pipeline, error) {
	r.mu.Lock()
	room, err := r.repo.GetRoomByName(roomName)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	unlock := room.LockPipeline()
	defer unlock()

	r.mu.Lock()
	if room.Pipeline != nil || room.Closed {
		pipeline, closed := room.Pipeline, room.Closed
		r.mu.Unlock()
		if closed {
			return nil, entity.ErrRoomNotFound
		}
		return pipeline, nil
	}
	r.mu.Unlock()

	pipeline, err := r.engine.CreatePipeline(ctx, roomName)
	if err != nil {
		return nil, errors.Wrapf(err, "create pipeline for %s", roomName)
	}

	r.mu.Lock()
	if room.Closed {
		r.mu.Unlock()
		r.releasePipeline(roomName, pipeline)
		return nil, entity.ErrRoomNotFound
	}
	room.Pipeline = pipeline
	r.mu.Unlock()

	r.logger.Info("pipeline created", zap.String("room", roomName), zap.String("pipeline", pipeline.ID()))
	return pipeline, nil
}

func (r *Registry) releasePipeline(roomName string, pipeline rpc.Pipeline) {
	ctx, cancel := context.WithTimeout(context.Background(), r.releaseTimeout)
	defer cancel()
	if err := r.engine.ReleasePipeline(ctx, pipeline); err != nil {
		r.logger.Warn("release pipeline failed", zap.String("room", roomName), zap.Error(err))
	}
}

// Pipeline returns the current pipeline of roomName or nil.
func (r *Registry) Pipeline(roomName string) rpc.Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.repo.GetRoomByName(roomName)
	if err != nil {
		return nil
	}
	return room.Pipeline
}

// BroadcastPublished tells every other member of roomName that
// participantID is now sending its webcam stream.
func (r *Registry) BroadcastPublished(roomName, participantID string) {
	r.mu.Lock()
	room, err := r.repo.GetRoomByName(roomName)
	if err != nil {
		r.mu.Unlock()
		return
	}
	for _, m := range room.Others(participantID) {
		m.Notify(MethodParticipantPublished, dto.ParticipantPublishedParams{
			ID:      participantID,
			Streams: []dto.StreamInfo{{ID: StreamWebcam}},
		})
	}
	r.mu.Unlock()

	r.mirrorRoom(roomName, func(ctx context.Context) error {
		return r.events.HandleParticipantPublished(ctx, roomName, participantID)
	})
}

// unpublished records that participantID stopped publishing.
func (r *Registry) unpublished(roomName, participantID string) {
	r.mirrorRoom(roomName, func(ctx context.Context) error {
		return r.events.HandleParticipantUnpublished(ctx, roomName, participantID)
	})
}

// FindParticipant returns the live participant registered as id or nil.
func (r *Registry) FindParticipant(id string) *Participant {
	member, err := r.repo.GetMemberByID(id)
	if err != nil {
		return nil
	}
	p, _ := member.(*Participant)
	return p
}

// MembersOf returns the members of roomName in join order.
func (r *Registry) MembersOf(roomName string) []*Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.repo.GetRoomByName(roomName)
	if err != nil {
		return []*Participant{}
	}
	members := room.Members()
	out := make([]*Participant, 0, len(members))
	for _, m := range members {
		if p, ok := m.(*Participant); ok {
			out = append(out, p)
		}
	}
	return out
}

// RoomSummary is a point in time view of one room.
type RoomSummary struct {
	Name        string           `json:"name"`
	HasPipeline bool             `json:"hasPipeline"`
	Members     []dto.MemberInfo `json:"members"`
}

func (r *Registry) summarizeLocked(room *entity.Room) RoomSummary {
	summary := RoomSummary{
		Name:        room.Name,
		HasPipeline: room.Pipeline != nil,
		Members:     make([]dto.MemberInfo, 0, room.Len()),
	}
	for _, m := range room.Members() {
		info := dto.MemberInfo{ID: m.ID(), Streams: []dto.StreamInfo{}}
		if m.IsPublishing() {
			info.Streams = append(info.Streams, dto.StreamInfo{ID: StreamWebcam})
		}
		summary.Members = append(summary.Members, info)
	}
	return summary
}

// Rooms returns every active room ordered by name.
func (r *Registry) Rooms() []RoomSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := r.repo.Rooms()
	out := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, r.summarizeLocked(room))
	}
	return out
}

// Room returns the summary of roomName.
func (r *Registry) Room(roomName string) (RoomSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.repo.GetRoomByName(roomName)
	if err != nil {
		return RoomSummary{}, err
	}
	return r.summarizeLocked(room), nil
}

func (r *Registry) mirrorRoom(roomName string, fn func(ctx context.Context) error) {
	err := r.mirror.Submit(roomName, func(parent context.Context) {
		ctx, cancel := context.WithTimeout(parent, r.mirrorTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.logger.Warn("room mirror update failed", zap.String("room", roomName), zap.Error(err))
		}
	})
	if err != nil {
		r.logger.Debug("room mirror closed", zap.String("room", roomName))
	}
}

// Close stops the mirror. Updates still queued run with a cancelled context.
func (r *Registry) Close() {
	r.mirror.Close()
}
