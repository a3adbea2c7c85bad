package entity

import (
	"sync"

	"github.com/lightlink/signaling-service/pkg/room/infrastructure/rpc"
)

// Member is the view a room has of a participant. The room never owns the
// member's lifetime.
type Member interface {
	ID() string
	IsPublishing() bool
	Notify(method string, params interface{})
	// PeerLeft tells the member that another member left the room.
	PeerLeft(peerID string)
}

// Room is a named set of members in join order plus at most one pipeline.
// Membership and Pipeline are guarded by the registry lock; LockPipeline
// serializes pipeline creation for this room only.
type Room struct {
	Name     string
	Pipeline rpc.Pipeline
	// Closed is set once the last member left and the room was dropped from
	// the registry. A pipeline created after that must be released.
	Closed bool

	pipelineMu sync.Mutex
	members    []Member
}

func NewRoom(name string) *Room {
	return &Room{Name: name}
}

// LockPipeline holds off other pipeline creation for this room until the
// returned func is called.
func (r *Room) LockPipeline() (unlock func()) {
	r.pipelineMu.Lock()
	return r.pipelineMu.Unlock
}

func (r *Room) Add(member Member) {
	r.members = append(r.members, member)
}

// Remove drops member and reports whether it was present. Members are
// compared by identity so a newer holder of the same id is left alone.
func (r *Room) Remove(member Member) bool {
	for i, m := range r.members {
		if m == member {
			r.members = append(r.members[:i:i], r.members[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Room) Contains(id string) bool {
	for _, m := range r.members {
		if m.ID() == id {
			return true
		}
	}
	return false
}

// Members returns a copy of the member list in join order.
func (r *Room) Members() []Member {
	out := make([]Member, len(r.members))
	copy(out, r.members)
	return out
}

// Others returns every member except the one with the given id.
func (r *Room) Others(id string) []Member {
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		if m.ID() != id {
			out = append(out, m)
		}
	}
	return out
}

func (r *Room) Len() int {
	return len(r.members)
}
