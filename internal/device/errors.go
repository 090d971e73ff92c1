package device

import (
	"errors"
	"fmt"
)

// Code classifies an Error.
type Code string

const (
	CodeForbidden         Code = "FORBIDDEN"
	CodeUnknownDevice     Code = "UNKNOWN_DEVICE"
	CodeDeviceBusy        Code = "DEVICE_BUSY"
	CodeInvalidAction     Code = "INVALID_ACTION"
	CodeDriverUnreachable Code = "DRIVER_UNREACHABLE"
	CodeDriverTimeout     Code = "DRIVER_TIMEOUT"
	CodeDiscovery         Code = "DISCOVERY_ERROR"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Sentinels for errors.Is; matching is by Code only.
var (
	ErrForbidden         = &Error{Code: CodeForbidden}
	ErrUnknownDevice     = &Error{Code: CodeUnknownDevice}
	ErrDeviceBusy        = &Error{Code: CodeDeviceBusy}
	ErrInvalidAction     = &Error{Code: CodeInvalidAction}
	ErrDriverUnreachable = &Error{Code: CodeDriverUnreachable}
	ErrDriverTimeout     = &Error{Code: CodeDriverTimeout}
	ErrDiscovery         = &Error{Code: CodeDiscovery}
	ErrInternal          = &Error{Code: CodeInternal}
)

// Error carries a taxonomy code plus context for logs and callers.
type Error struct {
	Code     Code
	DeviceID string // empty when not device specific
	Message  string // human-readable detail
	Err      error  // underlying cause, if any
}

// NewError builds an Error with a formatted message.
func NewError(code Code, deviceID, format string, args ...any) *Error {
	return &Error{Code: code, DeviceID: deviceID, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around a cause.
func Wrap(code Code, deviceID string, err error) *Error {
	return &Error{Code: code, DeviceID: deviceID, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.DeviceID != "" {
		return fmt.Sprintf("%s [%s]: %s (device=%s)", e.Code.text(), e.Code, msg, e.DeviceID)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Code.text(), e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Retryable reports whether the caller may re-issue the request unchanged.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeDeviceBusy, CodeUnknownDevice, CodeDriverUnreachable, CodeDriverTimeout, CodeDiscovery, CodeInternal:
		return true
	}
	return false
}

// Public is the message shown at the gateway boundary.
func (e *Error) Public() string {
	switch e.Code {
	case CodeDeviceBusy:
		return "device busy"
	case CodeUnknownDevice:
		return "unknown device: " + e.DeviceID
	case CodeForbidden:
		if e.Message != "" {
			return "forbidden: " + e.Message
		}
		return "forbidden"
	case CodeInternal:
		// Causes stay in the logs.
		return "internal error"
	}
	detail := e.Message
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	if detail == "" {
		return e.Code.text()
	}
	return e.Code.text() + ": " + detail
}

func (c Code) text() string {
	switch c {
	case CodeForbidden:
		return "forbidden"
	case CodeUnknownDevice:
		return "unknown device"
	case CodeDeviceBusy:
		return "device busy"
	case CodeInvalidAction:
		return "invalid action"
	case CodeDriverUnreachable:
		return "driver unreachable"
	case CodeDriverTimeout:
		return "driver timeout"
	case CodeDiscovery:
		return "discovery error"
	case CodeInternal:
		return "internal error"
	}
	return string(c)
}

// CodeOf extracts the Code of err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// AsError returns err as an *Error, wrapping foreign errors under fallback.
func AsError(err error, fallback Code, deviceID string) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(fallback, deviceID, err)
}
