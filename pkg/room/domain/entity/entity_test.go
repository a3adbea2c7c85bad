package entity

import (
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/lightlink/signaling-service/pkg/room/domain/dto"
)

func TestCandidateBuffer(t *testing.T) {
	b := NewCandidateBuffer()
	for i := 0; i < 3; i++ {
		b.Push("A", dto.IceCandidate{Candidate: fmt.Sprintf("a%d", i)})
	}
	b.Push("B", dto.IceCandidate{Candidate: "b0"})

	if b.Len("A") != 3 || b.Len("B") != 1 || b.Len("C") != 0 {
		t.Fatalf("lengths A=%d B=%d C=%d", b.Len("A"), b.Len("B"), b.Len("C"))
	}

	drained := b.Drain("A")
	for i, c := range drained {
		if c.Candidate != fmt.Sprintf("a%d", i) {
			t.Fatalf("drained %+v out of order", drained)
		}
	}
	if len(drained) != 3 {
		t.Fatalf("drained %d, want 3", len(drained))
	}
	if again := b.Drain("A"); len(again) != 0 {
		t.Fatalf("second drain returned %+v", again)
	}

	b.Discard("B")
	if len(b.Targets()) != 0 {
		t.Fatalf("targets left: %v", b.Targets())
	}
}

type member struct{ id string }

func (m *member) ID() string                 { return m.id }
func (m *member) IsPublishing() bool         { return false }
func (m *member) Notify(string, interface{}) {}
func (m *member) PeerLeft(string)            {}

func TestRoom_Membership(t *testing.T) {
	r := NewRoom("R")
	a, b := &member{"A"}, &member{"B"}
	r.Add(a)
	r.Add(b)

	if !r.Contains("A") || r.Contains("C") || r.Len() != 2 {
		t.Fatalf("membership wrong: %d members", r.Len())
	}
	if others := r.Others("A"); len(others) != 1 || others[0].ID() != "B" {
		t.Fatalf("others = %v", others)
	}

	// A different member with the same id is not the one in the room.
	if r.Remove(&member{"A"}) {
		t.Fatal("removed a look-alike member")
	}
	if !r.Remove(a) || r.Remove(a) {
		t.Fatal("remove is not exact-once")
	}
	if members := r.Members(); len(members) != 1 || members[0] != Member(b) {
		t.Fatalf("members = %v", members)
	}
}

func TestRoom_LockPipeline(t *testing.T) {
	r := NewRoom("R")
	unlock := r.LockPipeline()

	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		r.LockPipeline()()
	}()

	select {
	case <-acquired:
		t.Fatal("second creator entered while the first held the lock")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second creator never entered")
	}
}

func TestAsError(t *testing.T) {
	cause := errors.New("kms down")

	wrapped := errors.Wrap(ErrNegotiation("processOffer", cause), "publish")
	if got := AsError(wrapped); got.Code != CodeNegotiationFailed || !errors.Is(got, cause) {
		t.Fatalf("AsError = %+v", got)
	}

	if got := AsError(cause); got.Code != CodeInternal {
		t.Fatalf("plain error mapped to %d", got.Code)
	}

	if msg := ErrUserExists("A", "R").Error(); msg != "User A already exists in room R" {
		t.Fatalf("message = %q", msg)
	}
}
