package protocol

import (
	"encoding/json"
	"fmt"
)

// ServerProtocol is the version advertised in the hello event.
const ServerProtocol = 1

// WebSocket request methods.
const (
	MethodAction         = "action"
	MethodDevicesList    = "devices.list"
	MethodDevicesRefresh = "devices.refresh"
)

// Server-pushed events.
const (
	EventHello         = "hello"
	EventTick          = "tick"
	EventActionOutcome = "action.outcome"
	EventDevices       = "devices.changed"
)

// Methods lists every request method the server accepts.
func Methods() []string {
	return []string{MethodAction, MethodDevicesList, MethodDevicesRefresh}
}

// Events lists every event the server may push.
func Events() []string {
	return []string{EventHello, EventTick, EventActionOutcome, EventDevices}
}

// ActionRequest is the body of POST /api/action and the params of an
// "action" request frame.
type ActionRequest struct {
	Action    string `json:"action"`
	DeviceID  string `json:"device_id"`
	CSRFToken string `json:"csrf_token"`
}

// ActionResponse is the uniform outcome returned for every action request.
type ActionResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Status    string `json:"status,omitempty"`
	Code      string `json:"code,omitempty"`
	CSRFToken string `json:"csrf_token,omitempty"`
}

// DeviceView is a device as shown to operators.
type DeviceView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DeviceStateView combines dispatcher state and interception mode.
type DeviceStateView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	Action       string `json:"action,omitempty"`
	Interception string `json:"interception"`
	LastSuccess  *bool  `json:"last_success,omitempty"`
	LastMessage  string `json:"last_message,omitempty"`
	SinceMs      int64  `json:"since_ms,omitempty"`
}

// Hello is the payload of the first event on a new WebSocket connection.
type Hello struct {
	Protocol       int      `json:"protocol"`
	ConnID         string   `json:"conn_id"`
	Username       string   `json:"username"`
	Role           string   `json:"role"`
	Methods        []string `json:"methods"`
	Events         []string `json:"events"`
	TickIntervalMs int      `json:"tick_interval_ms"`
}

// OutcomeEvent is broadcast after every handled state-changing request.
// It never carries a token.
type OutcomeEvent struct {
	DeviceID string `json:"device_id"`
	Action   string `json:"action"`
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Code     string `json:"code,omitempty"`
	By       string `json:"by,omitempty"`
}

// DecodeActionParams parses the params of an "action" request frame.
func DecodeActionParams(raw json.RawMessage) (ActionRequest, error) {
	var req ActionRequest
	if len(raw) == 0 {
		return req, &FrameError{Code: "MISSING_FIELD", Field: "params", Message: "action request missing params"}
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, &FrameError{Code: "INVALID_JSON", Field: "params", Message: fmt.Sprintf("invalid action params: %v", err)}
	}
	return req, nil
}
