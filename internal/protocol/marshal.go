package protocol

import (
	"encoding/json"
	"fmt"
)

func encodePayload(what string, v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &FrameError{Code: "INVALID_JSON", Message: fmt.Sprintf("failed to marshal %s: %v", what, err)}
	}
	return raw, nil
}

// MarshalRequest builds a JSON-encoded request frame.
func MarshalRequest(id, method string, params any) ([]byte, error) {
	if id == "" {
		return nil, missing("request", "id")
	}
	if method == "" {
		return nil, missing("request", "method")
	}
	raw, err := encodePayload("request params", params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(RequestFrame{Type: FrameTypeReq, ID: id, Method: method, Params: raw})
}

// MarshalResponse builds a JSON-encoded response frame.
func MarshalResponse(id string, ok bool, payload any, errShape *ErrorShape) ([]byte, error) {
	if id == "" {
		return nil, missing("response", "id")
	}
	raw, err := encodePayload("response payload", payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ResponseFrame{Type: FrameTypeRes, ID: id, OK: ok, Payload: raw, Error: errShape})
}

// MarshalEvent builds a JSON-encoded event frame.
func MarshalEvent(event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, missing("event", "event")
	}
	raw, err := encodePayload("event payload", payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(EventFrame{Type: FrameTypeEvent, Event: event, Payload: raw})
}
