package dto

import (
	"encoding/json"
	"fmt"
)

// KurentoResponse is a reply from the media server to a request we issued.
type KurentoResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type OnCreateMediaElementResult struct {
	ElementID string `json:"value"`
	SessionID string `json:"sessionId"`
}

type OnSDPOfferProcessResult struct {
	RemoteSDPOffer string `json:"value"`
	SessionID      string `json:"sessionId"`
}

type OnSubscribeEventResult struct {
	Value     string `json:"value"`
	SessionID string `json:"sessionId"`
}

type IceCandidate struct {
	Candidate     string `json:"candidate"`
	SdpMid        string `json:"sdpMid"`
	SdpMLineIndex uint   `json:"sdpMLineIndex"`
}

// KurentoEvent is the "onEvent" notification pushed by the media server for
// every subscribed event type.
type KurentoEvent struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  struct {
		Value struct {
			Object string          `json:"object"`
			Type   string          `json:"type"`
			Data   json.RawMessage `json:"data"`
		} `json:"value"`
	} `json:"params"`
}

// IceCandidateEventData is the data of an OnIceCandidate event.
type IceCandidateEventData struct {
	Source    string `json:"source"`
	Candidate struct {
		Candidate     string `json:"candidate"`
		SdpMid        string `json:"sdpMid"`
		SdpMLineIndex int    `json:"sdpMLineIndex"`
	} `json:"candidate"`
}

// IceComponentStateEventData is the data of an IceComponentStateChanged event.
type IceComponentStateEventData struct {
	Source      string `json:"source"`
	State       string `json:"state"`
	StreamID    int    `json:"streamId"`
	ComponentID int    `json:"componentId"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("kurento error %d: %s", e.Code, e.Message)
}
