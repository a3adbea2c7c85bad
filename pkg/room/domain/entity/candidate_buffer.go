package entity

import "github.com/lightlink/signaling-service/pkg/room/domain/dto"

// CandidateBuffer holds ICE candidates that arrived before the endpoint they
// target exists, one FIFO queue per target participant id.
//
// It is not safe for concurrent use; the owning participant guards it.
type CandidateBuffer struct {
	queues map[string][]dto.IceCandidate
}

func NewCandidateBuffer() *CandidateBuffer {
	return &CandidateBuffer{queues: make(map[string][]dto.IceCandidate)}
}

func (b *CandidateBuffer) Push(targetID string, candidate dto.IceCandidate) {
	b.queues[targetID] = append(b.queues[targetID], candidate)
}

// Drain removes and returns every candidate queued for targetID in arrival
// order. A second Drain for the same target returns nothing.
func (b *CandidateBuffer) Drain(targetID string) []dto.IceCandidate {
	queue := b.queues[targetID]
	delete(b.queues, targetID)
	return queue
}

func (b *CandidateBuffer) Discard(targetID string) {
	delete(b.queues, targetID)
}

func (b *CandidateBuffer) Len(targetID string) int {
	return len(b.queues[targetID])
}

// Targets returns the ids that have pending candidates.
func (b *CandidateBuffer) Targets() []string {
	targets := make([]string, 0, len(b.queues))
	for id := range b.queues {
		targets = append(targets, id)
	}
	return targets
}
