package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking frame changes.
const ProtocolVersion = 3

// Frame kinds on the wire.
const (
	FrameKindRequest  = "req"
	FrameKindResponse = "res"
	FrameKindEvent    = "event"
)

// RequestFrame is a client → server RPC call.
type RequestFrame struct {
	Kind   string          `json:"kind"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is the server's reply to a RequestFrame with the same ID.
type ResponseFrame struct {
	Kind   string      `json:"kind"`
	ID     string      `json:"id"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// EventFrame is a server → client push.
type EventFrame struct {
	Kind    string      `json:"kind"`
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// ErrorInfo carries a structured RPC error.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RPC error codes.
const (
	ErrCodeAuth        = "auth"
	ErrCodeRateLimited = "rate_limited"
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeUnavailable = "unavailable"
	ErrCodeInternal    = "internal"
	ErrCodeExecDenied  = "exec_denied"
)

// NewResponse builds a success response for a request id.
func NewResponse(id string, result interface{}) *ResponseFrame {
	return &ResponseFrame{Kind: FrameKindResponse, ID: id, OK: true, Result: result}
}

// NewErrorResponse builds a failure response for a request id.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Kind: FrameKindResponse,
		ID:   id,
		OK:   false,
		Error: &ErrorInfo{Code: code, Message: message},
	}
}

// NewEvent builds an event frame.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Kind: FrameKindEvent, Name: name, Payload: payload}
}
