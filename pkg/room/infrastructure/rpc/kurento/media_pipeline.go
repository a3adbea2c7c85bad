package kurento

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/lightlink/signaling-service/pkg/room/domain/dto"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/rpc"
)

type MediaPipeline struct {
	MediaElement
	RoomName string
}

func (c *KurentoClient) create(ctx context.Context, elementType string, constructorParams map[string]interface{}) (string, error) {
	if constructorParams == nil {
		constructorParams = map[string]interface{}{}
	}
	result, err := c.Call(ctx, "create", map[string]interface{}{
		"type":              elementType,
		"constructorParams": constructorParams,
		"properties":        map[string]interface{}{},
	})
	if err != nil {
		return "", err
	}

	var response dto.OnCreateMediaElementResult
	if err := json.Unmarshal(result, &response); err != nil {
		return "", errors.Wrapf(err, "decode create %s result", elementType)
	}
	if response.ElementID == "" {
		return "", errors.Errorf("kurento returned no id for %s", elementType)
	}

	return response.ElementID, nil
}

func (c *KurentoClient) CreatePipeline(ctx context.Context, roomName string) (rpc.Pipeline, error) {
	id, err := c.create(ctx, "MediaPipeline", nil)
	if err != nil {
		return nil, errors.Wrapf(err, "create pipeline for room %s", roomName)
	}

	return &MediaPipeline{
		MediaElement: MediaElement{id: id},
		RoomName:     roomName,
	}, nil
}

func (c *KurentoClient) ReleasePipeline(ctx context.Context, pipeline rpc.Pipeline) error {
	return c.releaseElement(ctx, pipeline.ID())
}

func (c *KurentoClient) CreateEndpoint(ctx context.Context, pipeline rpc.Pipeline) (rpc.Endpoint, error) {
	id, err := c.create(ctx, "WebRtcEndpoint", map[string]interface{}{
		"mediaPipeline": pipeline.ID(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "create webrtc endpoint")
	}

	return &WebRTCEndpoint{
		MediaElement: MediaElement{id: id},
		PipelineID:   pipeline.ID(),
	}, nil
}
