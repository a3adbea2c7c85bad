package dto

import "encoding/json"

const JSONRPCVersion = "2.0"

// Request is an inbound envelope from a browser peer. ID is kept raw so it
// can be echoed back exactly as the client sent it.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// HasID reports whether the client expects a response.
func (r *Request) HasID() bool {
	return len(r.ID) > 0 && string(r.ID) != "null"
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type JoinRoomParams struct {
	Room string `json:"room"`
	User string `json:"user"`
}

type PublishVideoParams struct {
	SdpOffer string `json:"sdpOffer"`
}

type OnIceCandidateParams struct {
	EndpointName string `json:"endpointName"`
	IceCandidate
}

type ReceiveVideoFromParams struct {
	Sender   string `json:"sender"`
	SdpOffer string `json:"sdpOffer"`
}

type ValueResult struct {
	Value interface{} `json:"value"`
}

type SDPAnswerResult struct {
	SdpAnswer string `json:"sdpAnswer"`
	SessionID string `json:"sessionId"`
}

type SessionResult struct {
	SessionID string `json:"sessionId"`
}

// MemberInfo describes an existing room member in a joinRoom result.
type MemberInfo struct {
	ID      string       `json:"id"`
	Streams []StreamInfo `json:"streams"`
}

type StreamInfo struct {
	ID string `json:"id"`
}

type ParticipantJoinedParams struct {
	ID string `json:"id"`
}

type ParticipantLeftParams struct {
	Name string `json:"name"`
}

type ParticipantPublishedParams struct {
	ID      string       `json:"id"`
	Streams []StreamInfo `json:"streams"`
}

type IceCandidateParams struct {
	EndpointName string `json:"endpointName"`
	IceCandidate
}
