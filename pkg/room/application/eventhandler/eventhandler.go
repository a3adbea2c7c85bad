package eventhandler

import (
	"context"

	"github.com/pkg/errors"

	"github.com/lightlink/signaling-service/pkg/room/domain/entity"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/presence"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/ws"
)

// EventSessionReplaced goes to the user channel of a participant whose id
// was taken over by a newer connection.
const EventSessionReplaced = "session_replaced"

// EventHandler receives room lifecycle changes after the registry applied
// them. Calls for one room arrive in order.
type EventHandler interface {
	HandleParticipantJoined(ctx context.Context, roomName, participantID string) error
	HandleParticipantLeft(ctx context.Context, roomName, participantID string, roomClosed bool) error
	HandleParticipantPublished(ctx context.Context, roomName, participantID string) error
	HandleParticipantUnpublished(ctx context.Context, roomName, participantID string) error
	HandleSessionReplaced(ctx context.Context, roomName, participantID string) error
}

// DefaultEventHandler mirrors membership into the presence store and
// publishes the change on the room feed.
type DefaultEventHandler struct {
	messagingServer ws.MessagingServer
	presence        presence.Store
}

func NewDefaultEventHandler(messagingServer ws.MessagingServer, presenceStore presence.Store) *DefaultEventHandler {
	if messagingServer == nil {
		messagingServer = ws.NopMessagingServer{}
	}
	if presenceStore == nil {
		presenceStore = presence.NopStore{}
	}
	return &DefaultEventHandler{
		messagingServer: messagingServer,
		presence:        presenceStore,
	}
}

func (h *DefaultEventHandler) HandleParticipantJoined(ctx context.Context, roomName, participantID string) error {
	if err := h.presence.AddMember(ctx, roomName, participantID); err != nil {
		return errors.Wrap(err, "presence add member")
	}
	return h.publish(ctx, roomName, ws.EventParticipantJoined, map[string]string{"id": participantID})
}

func (h *DefaultEventHandler) HandleParticipantLeft(ctx context.Context, roomName, participantID string, roomClosed bool) error {
	if err := h.presence.RemoveMember(ctx, roomName, participantID); err != nil {
		return errors.Wrap(err, "presence remove member")
	}
	if err := h.publish(ctx, roomName, ws.EventParticipantLeft, map[string]string{"id": participantID}); err != nil {
		return err
	}
	if !roomClosed {
		return nil
	}
	return h.publish(ctx, roomName, ws.EventRoomClosed, map[string]string{"room": roomName})
}

func (h *DefaultEventHandler) HandleParticipantPublished(ctx context.Context, roomName, participantID string) error {
	if err := h.presence.SetPublishing(ctx, roomName, participantID, true); err != nil {
		return errors.Wrap(err, "presence set publishing")
	}
	return h.publish(ctx, roomName, ws.EventParticipantPublished, map[string]string{"id": participantID})
}

// HandleParticipantUnpublished only touches presence; subscribers learn
// about the new stream from the next participant_published.
func (h *DefaultEventHandler) HandleParticipantUnpublished(ctx context.Context, roomName, participantID string) error {
	return errors.Wrap(h.presence.SetPublishing(ctx, roomName, participantID, false), "presence clear publishing")
}

func (h *DefaultEventHandler) HandleSessionReplaced(ctx context.Context, roomName, participantID string) error {
	err := h.messagingServer.Publish(ctx, entity.UserChannel(roomName, participantID), ws.Event{
		Type:    EventSessionReplaced,
		Payload: map[string]string{"id": participantID},
	})
	return errors.Wrapf(err, "publish %s", EventSessionReplaced)
}

func (h *DefaultEventHandler) publish(ctx context.Context, roomName, eventType string, payload interface{}) error {
	err := h.messagingServer.PublishToRoom(ctx, roomName, ws.Event{Type: eventType, Payload: payload})
	return errors.Wrapf(err, "publish %s", eventType)
}
