package ws

import "context"

// MessagingServer publishes room lifecycle events to an external pub/sub
// hub so dashboards and other services can follow room activity.
type MessagingServer interface {
	Publish(ctx context.Context, channel string, data interface{}) error
	PublishToRoom(ctx context.Context, roomName string, data interface{}) error
}

// Event is the payload published for every room lifecycle change.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const (
	EventParticipantJoined    = "participant_joined"
	EventParticipantLeft      = "participant_left"
	EventParticipantPublished = "participant_published"
	EventRoomClosed           = "room_closed"
)

type NopMessagingServer struct{}

func (NopMessagingServer) Publish(context.Context, string, interface{}) error { return nil }

func (NopMessagingServer) PublishToRoom(context.Context, string, interface{}) error { return nil }
