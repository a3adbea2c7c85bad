package kurento

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lightlink/signaling-service/pkg/room/domain/dto"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/rpc"
)

const (
	eventOnIceCandidate           = "OnIceCandidate"
	eventIceComponentStateChanged = "IceComponentStateChanged"
)

type WebRTCEndpoint struct {
	MediaElement
	PipelineID string
}

var _ rpc.MediaEngine = (*KurentoClient)(nil)

func (c *KurentoClient) invoke(ctx context.Context, object, operation string, operationParams map[string]interface{}) (json.RawMessage, error) {
	params := map[string]interface{}{
		"object":    object,
		"operation": operation,
	}
	if operationParams != nil {
		params["operationParams"] = operationParams
	}
	return c.Call(ctx, "invoke", params)
}

func (c *KurentoClient) ProcessOffer(ctx context.Context, endpoint rpc.Endpoint, sdpOffer string) (string, error) {
	result, err := c.invoke(ctx, endpoint.ID(), "processOffer", map[string]interface{}{
		"offer": sdpOffer,
	})
	if err != nil {
		return "", err
	}

	var response dto.OnSDPOfferProcessResult
	if err := json.Unmarshal(result, &response); err != nil {
		return "", errors.Wrap(err, "decode processOffer result")
	}

	return response.RemoteSDPOffer, nil
}

func (c *KurentoClient) AddIceCandidate(ctx context.Context, endpoint rpc.Endpoint, candidate dto.IceCandidate) error {
	c.logger.Debug("adding ice candidate",
		zap.String("endpoint", endpoint.ID()), zap.String("candidate", candidate.Candidate))

	_, err := c.invoke(ctx, endpoint.ID(), "addIceCandidate", map[string]interface{}{
		"candidate": map[string]interface{}{
			"__module__":    "kurento",
			"__type__":      "IceCandidate",
			"candidate":     candidate.Candidate,
			"sdpMid":        candidate.SdpMid,
			"sdpMLineIndex": candidate.SdpMLineIndex,
		},
	})
	return err
}

func (c *KurentoClient) GatherCandidates(ctx context.Context, endpoint rpc.Endpoint) error {
	_, err := c.invoke(ctx, endpoint.ID(), "gatherCandidates", nil)
	return err
}

func (c *KurentoClient) Connect(ctx context.Context, source, sink rpc.Endpoint) error {
	_, err := c.invoke(ctx, source.ID(), "connect", map[string]interface{}{
		"sink": sink.ID(),
	})
	return err
}

func (c *KurentoClient) Release(ctx context.Context, endpoint rpc.Endpoint) error {
	return c.releaseElement(ctx, endpoint.ID())
}

func (c *KurentoClient) OnIceCandidate(ctx context.Context, endpoint rpc.Endpoint, fn func(dto.IceCandidate)) (rpc.Subscription, error) {
	sub, err := c.subscribe(ctx, endpoint.ID(), eventOnIceCandidate, func(data json.RawMessage) {
		var event dto.IceCandidateEventData
		if err := json.Unmarshal(data, &event); err != nil {
			c.logger.Warn("undecodable OnIceCandidate event", zap.Error(err))
			return
		}
		fn(dto.IceCandidate{
			Candidate:     event.Candidate.Candidate,
			SdpMid:        event.Candidate.SdpMid,
			SdpMLineIndex: uint(event.Candidate.SdpMLineIndex),
		})
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *KurentoClient) OnIceStateChanged(ctx context.Context, endpoint rpc.Endpoint, fn func(rpc.IceState)) (rpc.Subscription, error) {
	sub, err := c.subscribe(ctx, endpoint.ID(), eventIceComponentStateChanged, func(data json.RawMessage) {
		var event dto.IceComponentStateEventData
		if err := json.Unmarshal(data, &event); err != nil {
			c.logger.Warn("undecodable IceComponentStateChanged event", zap.Error(err))
			return
		}
		fn(rpc.IceState(event.State))
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}
