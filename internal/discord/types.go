package discord

import (
	"context"
	"slices"

	"github.com/rvald/devicegw/internal/device"
	"github.com/rvald/devicegw/internal/dispatch"
)

// Roles granted to Discord users.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// DeviceRegistry provides the current device snapshot.
type DeviceRegistry interface {
	List() []device.Device
	Get(id string) (device.Device, bool)
}

// Dispatcher runs catalog actions and reports per-device state.
type Dispatcher interface {
	Dispatch(ctx context.Context, deviceID string, action device.Action) (device.Outcome, error)
	State(deviceID string) dispatch.State
}

// Interception toggles per-device MITM mode.
type Interception interface {
	SetMode(ctx context.Context, deviceID string, enable bool) (device.Outcome, error)
	Mode(deviceID string) device.InterceptionMode
}

// Access maps Discord user ids to roles. An empty Operators list lets
// every user operate devices.
type Access struct {
	Admins    []string
	Operators []string
}

// Role returns the role of userID, or "" when the user may not act.
func (a Access) Role(userID string) string {
	switch {
	case userID == "":
		return ""
	case slices.Contains(a.Admins, userID):
		return RoleAdmin
	case len(a.Operators) == 0 || slices.Contains(a.Operators, userID):
		return RoleOperator
	}
	return ""
}
