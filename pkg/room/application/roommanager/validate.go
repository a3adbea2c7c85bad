package roommanager

import (
	"encoding/json"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"

	"github.com/lightlink/signaling-service/pkg/room/domain/dto"
	"github.com/lightlink/signaling-service/pkg/room/domain/entity"
)

func decodeParams(req *dto.Request, v interface{}) error {
	if len(req.Params) == 0 {
		return entity.ErrInvalidParams(errors.New("params are required"))
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return entity.ErrInvalidParams(err)
	}
	return nil
}

// validateOffer rejects offers the media engine could never answer.
func validateOffer(offer string) error {
	if strings.TrimSpace(offer) == "" {
		return entity.ErrInvalidParams(errors.New("sdpOffer is required"))
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(offer)); err != nil {
		return entity.ErrInvalidParams(errors.Wrap(err, "parse sdp offer"))
	}
	if len(desc.MediaDescriptions) == 0 {
		return entity.ErrInvalidParams(errors.New("sdp offer has no media sections"))
	}
	return nil
}

func validateCandidate(raw string) error {
	if _, err := ice.UnmarshalCandidate(strings.TrimPrefix(raw, "candidate:")); err != nil {
		return entity.ErrInvalidParams(errors.Wrap(err, "parse ice candidate"))
	}
	return nil
}

// senderID strips the stream suffix browsers append to publisher ids,
// "alice_webcam" addresses "alice".
func senderID(sender string) string {
	if i := strings.IndexByte(sender, '_'); i >= 0 {
		return sender[:i]
	}
	return sender
}
