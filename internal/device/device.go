package device

import (
	"context"
	"fmt"
)

// Device is a reachable target reported by a Discoverer. Devices are values;
// the registry replaces whole snapshots and never edits one in place.
type Device struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Reachable bool   `json:"reachable"`
	Source    string `json:"source,omitempty"` // "adb", "mdns"
}

// Outcome is the uniform result of any state-changing operation.
type Outcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// OK builds a successful outcome.
func OK(format string, args ...any) Outcome {
	return Outcome{Success: true, Message: fmt.Sprintf(format, args...)}
}

// Failed builds a failed outcome.
func Failed(format string, args ...any) Outcome {
	return Outcome{Success: false, Message: fmt.Sprintf(format, args...)}
}

// InterceptionMode is the per-device MITM toggle.
type InterceptionMode int

const (
	InterceptionDisabled InterceptionMode = iota
	InterceptionEnabled
)

func (m InterceptionMode) String() string {
	if m == InterceptionEnabled {
		return "Enabled"
	}
	return "Disabled"
}

// ModeFor maps a boolean toggle to an InterceptionMode.
func ModeFor(enabled bool) InterceptionMode {
	if enabled {
		return InterceptionEnabled
	}
	return InterceptionDisabled
}

// Discoverer reports the devices currently reachable, in a stable order.
// Implementations return an *Error with CodeDiscovery when the source
// cannot be reached.
type Discoverer interface {
	Discover(ctx context.Context) ([]Device, error)
}

// Driver executes actions against a physical device. Execute must return in
// bounded time; a timeout policy belongs to the implementation. Failures are
// reported as *Error values with CodeDriverUnreachable or CodeDriverTimeout.
//
// SetInterception must be idempotent: enabling an already enabled device
// succeeds without side effects.
type Driver interface {
	Execute(ctx context.Context, deviceID string, action Action) (Outcome, error)
	SetInterception(ctx context.Context, deviceID string, enabled bool) (Outcome, error)
	GetInterception(ctx context.Context, deviceID string) (InterceptionMode, error)
}
