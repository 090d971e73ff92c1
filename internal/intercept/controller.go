package intercept

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rvald/devicegw/internal/device"
)

// Runner runs a function under a device's busy-lock. *dispatch.Dispatcher
// satisfies it.
type Runner interface {
	Run(ctx context.Context, deviceID string, action device.Action, fn func(context.Context) (device.Outcome, error)) (device.Outcome, error)
}

// Controller tracks interception mode per device. Toggles go through the
// dispatcher's busy-lock so they never interleave with catalog actions;
// reads use a separate lock and are always available.
type Controller struct {
	runner Runner
	driver device.Driver
	logger *slog.Logger

	mu    sync.RWMutex
	modes map[string]device.InterceptionMode
}

// New creates a controller. All devices start Disabled.
func New(runner Runner, driver device.Driver, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		runner: runner,
		driver: driver,
		logger: logger.With("component", "intercept"),
		modes:  make(map[string]device.InterceptionMode),
	}
}

// SetMode enables or disables interception on a device. Asking for the
// current mode succeeds without touching the device. Fails with
// UNKNOWN_DEVICE or DEVICE_BUSY like a dispatch.
func (c *Controller) SetMode(ctx context.Context, deviceID string, enable bool) (device.Outcome, error) {
	want := device.ModeFor(enable)
	label := device.ActionInterceptionDisable
	if enable {
		label = device.ActionInterceptionEnable
	}

	return c.runner.Run(ctx, deviceID, label, func(ctx context.Context) (device.Outcome, error) {
		if c.Mode(deviceID) == want {
			return device.OK("interception already %s", want), nil
		}

		// The collaborator may have been toggled out of band; trust the
		// device over our bookkeeping before acting.
		current, err := c.driver.GetInterception(ctx, deviceID)
		if err != nil {
			return device.Outcome{}, err
		}
		if current == want {
			c.record(deviceID, want)
			return device.OK("interception already %s", want), nil
		}

		out, err := c.driver.SetInterception(ctx, deviceID, enable)
		if err != nil {
			return device.Outcome{}, err
		}
		if out.Success {
			c.record(deviceID, want)
		}
		return out, nil
	})
}

// Mode returns the tracked interception mode. It never waits on a running
// action.
func (c *Controller) Mode(deviceID string) device.InterceptionMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modes[deviceID]
}

// Modes returns a snapshot of every device with interception Enabled.
func (c *Controller) Modes() map[string]device.InterceptionMode {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]device.InterceptionMode)
	for id, m := range c.modes {
		if m == device.InterceptionEnabled {
			out[id] = m
		}
	}
	return out
}

// Forget logs devices that left the registry while interception was still
// Enabled. The tracked mode is kept; nothing is disabled automatically.
func (c *Controller) Forget(removed []string) {
	for _, id := range removed {
		if c.Mode(id) == device.InterceptionEnabled {
			c.logger.Warn("device disappeared with interception enabled", "device", id)
		}
	}
}

func (c *Controller) record(deviceID string, mode device.InterceptionMode) {
	c.mu.Lock()
	prev := c.modes[deviceID]
	c.modes[deviceID] = mode
	c.mu.Unlock()

	if prev != mode {
		c.logger.Info("interception mode changed", "device", deviceID, "mode", mode.String())
	}
}
