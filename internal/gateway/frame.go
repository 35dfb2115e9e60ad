// Package gateway implements the control-plane server: WebSocket
// accept, device handshake, RPC dispatch and broadcast.
package gateway

import (
	"encoding/json"

	"github.com/openclaw/openclaw/internal/clawerr"
)

// Frame types.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// ErrorInfo is the wire form of a failed response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Frame is the control-plane message union. The Type discriminator
// selects which of the remaining fields are meaningful.
type Frame struct {
	Type string `json:"type"`

	// Request
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response
	OK     *bool           `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`

	// Event
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseFrame decodes a frame. An explicit "type" field wins; otherwise
// the type is inferred from the populated fields. Malformed JSON is a
// serialization error, an undecidable shape a protocol error.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, clawerr.Wrap(clawerr.KindSerialization, "parse frame", err)
	}

	switch f.Type {
	case FrameRequest, FrameResponse, FrameEvent:
	case "":
		switch {
		case f.Method != "":
			f.Type = FrameRequest
		case f.Event != "":
			f.Type = FrameEvent
		case f.ID != "" && (f.Result != nil || f.Error != nil || f.OK != nil):
			f.Type = FrameResponse
		default:
			return nil, clawerr.New(clawerr.KindProtocol, "frame shape undecidable")
		}
	default:
		return nil, clawerr.Newf(clawerr.KindProtocol, "unknown frame type %q", f.Type)
	}

	if f.Type == FrameRequest && f.Params == nil {
		f.Params = json.RawMessage("{}")
	}
	return &f, nil
}

// Serialize encodes the frame for the wire.
func (f *Frame) Serialize() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindSerialization, "serialize frame", err)
	}
	return data, nil
}

// NewRequest builds a request frame.
func NewRequest(id, method string, params any) (*Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindSerialization, "encode request params", err)
	}
	return &Frame{Type: FrameRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResponse builds a successful response frame.
func NewResponse(id string, result any) (*Frame, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindSerialization, "encode response result", err)
	}
	ok := true
	return &Frame{Type: FrameResponse, ID: id, OK: &ok, Result: raw}, nil
}

// NewErrorResponse builds a failed response frame from an error. The
// code is the numeric error kind.
func NewErrorResponse(id string, err error) *Frame {
	ok := false
	return &Frame{
		Type: FrameResponse,
		ID:   id,
		OK:   &ok,
		Error: &ErrorInfo{
			Code:    int(clawerr.KindOf(err)),
			Message: err.Error(),
		},
	}
}

// NewEvent builds an event frame.
func NewEvent(event string, payload any) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindSerialization, "encode event payload", err)
	}
	return &Frame{Type: FrameEvent, Event: event, Payload: raw}, nil
}
