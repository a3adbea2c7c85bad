package rpc

import (
	"context"

	"github.com/lightlink/signaling-service/pkg/room/domain/dto"
)

// IceState is the ICE component state reported by the media engine.
type IceState string

const (
	IceStateDisconnected IceState = "DISCONNECTED"
	IceStateGathering    IceState = "GATHERING"
	IceStateConnecting   IceState = "CONNECTING"
	IceStateConnected    IceState = "CONNECTED"
	IceStateReady        IceState = "READY"
	IceStateFailed       IceState = "FAILED"
)

// Pipeline is a media routing context scoped to one room.
type Pipeline interface {
	ID() string
}

// Endpoint is one negotiated media path inside a pipeline.
type Endpoint interface {
	ID() string
}

// Subscription is a registered event listener. Cancel detaches it; after
// Cancel returns the listener is never invoked again.
type Subscription interface {
	Cancel()
}

// MediaEngine is the contract the signaling core needs from the external
// media server. All calls block until the engine answers or ctx is done.
type MediaEngine interface {
	CreatePipeline(ctx context.Context, roomName string) (Pipeline, error)
	ReleasePipeline(ctx context.Context, pipeline Pipeline) error

	CreateEndpoint(ctx context.Context, pipeline Pipeline) (Endpoint, error)
	ProcessOffer(ctx context.Context, endpoint Endpoint, sdpOffer string) (string, error)
	AddIceCandidate(ctx context.Context, endpoint Endpoint, candidate dto.IceCandidate) error
	GatherCandidates(ctx context.Context, endpoint Endpoint) error
	Connect(ctx context.Context, source, sink Endpoint) error
	// Release frees the endpoint and cancels every subscription made on it.
	Release(ctx context.Context, endpoint Endpoint) error

	OnIceCandidate(ctx context.Context, endpoint Endpoint, fn func(dto.IceCandidate)) (Subscription, error)
	OnIceStateChanged(ctx context.Context, endpoint Endpoint, fn func(IceState)) (Subscription, error)
}
