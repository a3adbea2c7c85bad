package entity

type ParticipantState int

const (
	StateConnected ParticipantState = iota
	StateJoined
	StatePublishing
	StateClosed
)

func (s ParticipantState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StatePublishing:
		return "publishing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// InRoom reports whether media operations are allowed in this state.
func (s ParticipantState) InRoom() bool {
	return s == StateJoined || s == StatePublishing
}
