package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FrameError describes a malformed WebSocket frame.
type FrameError struct {
	Code    string // INVALID_JSON, MISSING_FIELD, UNKNOWN_TYPE, UNKNOWN_METHOD
	Field   string
	Message string
}

func (e *FrameError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("frame error [%s]: %s (field=%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("frame error [%s]: %s", e.Code, e.Message)
}

func missing(kind, field string) *FrameError {
	return &FrameError{
		Code:    "MISSING_FIELD",
		Field:   field,
		Message: fmt.Sprintf("%s frame missing required %q field", kind, field),
	}
}

func invalid(kind string, err error) *FrameError {
	return &FrameError{Code: "INVALID_JSON", Message: fmt.Sprintf("invalid %s frame JSON: %v", kind, err)}
}

type FrameType string

const (
	FrameTypeReq   FrameType = "req"
	FrameTypeRes   FrameType = "res"
	FrameTypeEvent FrameType = "event"
)

// RequestFrame is sent by a client on /ws.
type RequestFrame struct {
	Type   FrameType       `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers exactly one RequestFrame by ID.
type ResponseFrame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// EventFrame is pushed by the server.
type EventFrame struct {
	Type    FrameType       `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     *int            `json:"seq,omitempty"`
}

type ErrorShape struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable *bool  `json:"retryable,omitempty"`
}

// ParseFrame decodes one frame, dispatching on its "type" field. The result
// is a *RequestFrame, *ResponseFrame or *EventFrame.
func ParseFrame(data []byte) (any, error) {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &FrameError{Code: "INVALID_JSON", Message: fmt.Sprintf("invalid frame JSON: %v", err)}
	}

	switch head.Type {
	case "":
		return nil, &FrameError{Code: "MISSING_FIELD", Field: "type", Message: "frame missing required \"type\" field"}

	case FrameTypeReq:
		var req RequestFrame
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, invalid("request", err)
		}
		if req.ID == "" {
			return nil, missing("request", "id")
		}
		if req.Method == "" {
			return nil, missing("request", "method")
		}
		if bytes.Equal(req.Params, []byte("null")) {
			req.Params = nil
		}
		return &req, nil

	case FrameTypeRes:
		var res ResponseFrame
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, invalid("response", err)
		}
		if res.ID == "" {
			return nil, missing("response", "id")
		}
		return &res, nil

	case FrameTypeEvent:
		var evt EventFrame
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, invalid("event", err)
		}
		if evt.Event == "" {
			return nil, missing("event", "event")
		}
		return &evt, nil

	default:
		return nil, &FrameError{Code: "UNKNOWN_TYPE", Message: fmt.Sprintf("unknown frame type: %q", head.Type)}
	}
}
