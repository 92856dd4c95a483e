// Package protocol implements the Gateway Protocol v3 frame codec (C1):
// parsing and emitting the tagged-union JSON envelope exchanged over the
// WebSocket transport.
package protocol

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxPayloadBytes is the default ceiling enforced on inbound frames.
const MaxPayloadBytes = 25 * 1024 * 1024

// FrameType tags the three wire-level variants.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
)

// RawFrame is the minimal shape needed to discover which variant a message is.
type RawFrame struct {
	Type   FrameType         `json:"type"`
	ID     string            `json:"id,omitempty"`
	Method string            `json:"method,omitempty"`
	Params jsoniter.RawMessage `json:"params,omitempty"`
}

// Request is an inbound client frame.
type Request struct {
	Type   FrameType           `json:"type"`
	ID     string              `json:"id"`
	Method string              `json:"method"`
	Params jsoniter.RawMessage `json:"params,omitempty"`
}

// Response replies to exactly one Request, echoing its ID.
type Response struct {
	Type    FrameType  `json:"type"`
	ID      string     `json:"id"`
	Ok      bool       `json:"ok"`
	Payload any        `json:"payload,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// Event is a server-originated, unsolicited frame.
type Event struct {
	Type         FrameType `json:"type"`
	Event        string    `json:"event"`
	Payload      any       `json:"payload,omitempty"`
	Seq          uint64    `json:"seq,omitempty"`
	StateVersion any       `json:"stateVersion,omitempty"`
}

// ErrorBody is the uniform error shape used in both responses and close reasons.
type ErrorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Details      any    `json:"details,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int    `json:"retryAfterMs,omitempty"`
}

// Error codes, per spec §7.
const (
	ErrInvalidRequest = "INVALID_REQUEST"
	ErrAgentTimeout    = "AGENT_TIMEOUT"
	ErrNotLinked       = "NOT_LINKED"
	ErrNotPaired       = "NOT_PAIRED"
	ErrUnavailable     = "UNAVAILABLE"
)

// WebSocket close codes used by the gateway.
const (
	CloseHandshakeFailure = 1008
	CloseOversizedPayload = 1009
	CloseServerRestart    = 1012
)

// ParseFrame parses a single inbound text message into a Request.
// Any deviation from the {type:"request", id, method} shape is reported as
// an *ErrorBody the caller should send back without closing the socket,
// except where noted by the caller (oversize is handled by the transport
// before this function is reached).
func ParseFrame(data []byte) (*Request, *ErrorBody) {
	var raw RawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ErrorBody{Code: ErrInvalidRequest, Message: "malformed JSON: " + err.Error()}
	}
	if raw.Type == "" {
		return nil, &ErrorBody{Code: ErrInvalidRequest, Message: "missing frame type"}
	}
	if raw.Type != FrameRequest {
		return nil, &ErrorBody{Code: ErrInvalidRequest, Message: "unknown frame type: " + string(raw.Type)}
	}
	if raw.ID == "" {
		return nil, &ErrorBody{Code: ErrInvalidRequest, Message: "request missing id"}
	}
	if raw.Method == "" {
		return nil, &ErrorBody{Code: ErrInvalidRequest, Message: "request missing method"}
	}
	return &Request{Type: FrameRequest, ID: raw.ID, Method: raw.Method, Params: raw.Params}, nil
}

// EncodeResponse serializes a response frame to the wire format.
func EncodeResponse(id string, ok bool, payload any, errBody *ErrorBody) ([]byte, error) {
	return json.Marshal(Response{Type: FrameResponse, ID: id, Ok: ok, Payload: payload, Error: errBody})
}

// NewOK builds a successful response.
func NewOK(id string, payload any) Response {
	return Response{Type: FrameResponse, ID: id, Ok: true, Payload: payload}
}

// NewError builds a failed response.
func NewError(id, code, message string) Response {
	return Response{Type: FrameResponse, ID: id, Ok: false, Error: &ErrorBody{Code: code, Message: message}}
}

// EncodeEvent serializes an event frame to the wire format.
func EncodeEvent(ev Event) ([]byte, error) {
	ev.Type = FrameEvent
	return json.Marshal(ev)
}
