package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rvald/devicegw/internal/device"
)

// Status is the command state of a single device.
type Status string

const (
	StatusIdle     Status = "Idle"
	StatusRunning  Status = "Running"
	StatusCooldown Status = "Cooldown"
)

// State is a point-in-time view of a device's command state.
type State struct {
	Status     Status          `json:"status"`
	Action     device.Action   `json:"action,omitempty"` // set while Running
	LastResult *device.Outcome `json:"last_result,omitempty"`
	Since      time.Time       `json:"since"`
}

// Lookup resolves device ids against the current registry snapshot.
type Lookup interface {
	Get(id string) (device.Device, bool)
}

// Config tunes the dispatcher.
type Config struct {
	// Cooldown keeps a device busy for a while after each action. Zero
	// returns the device to Idle as soon as the driver returns.
	Cooldown time.Duration
	Logger   *slog.Logger
}

// entry is the per-device state; mu guards every field.
type entry struct {
	mu            sync.Mutex
	running       bool
	action        device.Action
	since         time.Time
	cooldownUntil time.Time
	lastResult    *device.Outcome
}

// Dispatcher serializes actions per device. Only the Idle → Running check
// and the Running → Idle release take a device's mutex; the driver call runs
// with the device marked Running so no second action can start. Devices
// never share a lock.
type Dispatcher struct {
	lookup Lookup
	driver device.Driver
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a dispatcher over the given registry view and driver.
func New(lookup Lookup, driver device.Driver, cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		lookup:  lookup,
		driver:  driver,
		cfg:     cfg,
		logger:  logger.With("component", "dispatcher"),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Dispatch runs a catalog action against a device. Precondition failures
// (INVALID_ACTION, UNKNOWN_DEVICE, DEVICE_BUSY) are returned as errors.
// Driver failures are folded into a failed Outcome with a nil error.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID string, action device.Action) (device.Outcome, error) {
	if !action.Valid() {
		return device.Outcome{}, device.NewError(device.CodeInvalidAction, deviceID, "%s", action)
	}
	return d.Run(ctx, deviceID, action, func(ctx context.Context) (device.Outcome, error) {
		return d.driver.Execute(ctx, deviceID, action)
	})
}

// Run executes fn while holding the device's busy-lock, labelled with
// action. Other components that must not interleave with catalog actions
// go through here.
func (d *Dispatcher) Run(ctx context.Context, deviceID string, action device.Action, fn func(context.Context) (device.Outcome, error)) (device.Outcome, error) {
	if _, ok := d.lookup.Get(deviceID); !ok {
		dispatchTotal.WithLabelValues(string(action), "unknown_device").Inc()
		return device.Outcome{}, device.NewError(device.CodeUnknownDevice, deviceID, "not in registry")
	}

	e := d.entry(deviceID)
	if err := d.acquire(e, deviceID, action); err != nil {
		busyTotal.Inc()
		dispatchTotal.WithLabelValues(string(action), "busy").Inc()
		return device.Outcome{}, err
	}

	logger := d.logger.With("device", deviceID, "action", action)
	logger.Debug("action started")

	var out device.Outcome
	start := time.Now()
	defer func() {
		// Always release, even if the driver panics, so a device can never
		// stay Running.
		d.release(e, out)
		driverDuration.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())
	}()

	out = d.invoke(context.WithoutCancel(ctx), deviceID, fn)
	result := "success"
	if !out.Success {
		result = "failure"
	}
	dispatchTotal.WithLabelValues(string(action), result).Inc()
	logger.Info("action finished", "success", out.Success, "message", out.Message,
		"duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

// invoke calls fn and folds driver errors and panics into an Outcome.
func (d *Dispatcher) invoke(ctx context.Context, deviceID string, fn func(context.Context) (device.Outcome, error)) (out device.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("driver panicked", "device", deviceID, "panic", fmt.Sprint(r))
			out = device.Failed("driver unreachable: driver panic: %v", r)
		}
	}()

	res, err := fn(ctx)
	if err != nil {
		derr := device.AsError(err, device.CodeDriverUnreachable, deviceID)
		d.logger.Warn("driver call failed", "device", deviceID, "code", derr.Code, "error", err)
		return device.Outcome{Success: false, Message: derr.Public()}
	}
	return res
}

// State returns the command state of a device. Devices never dispatched to
// report Idle.
func (d *Dispatcher) State(deviceID string) State {
	d.mu.Lock()
	e, ok := d.entries[deviceID]
	d.mu.Unlock()
	if !ok {
		return State{Status: StatusIdle}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := State{Status: StatusIdle, Since: e.since}
	if e.lastResult != nil {
		r := *e.lastResult
		st.LastResult = &r
	}
	switch {
	case e.running:
		st.Status = StatusRunning
		st.Action = e.action
	case d.now().Before(e.cooldownUntil):
		st.Status = StatusCooldown
	}
	return st
}

// entry returns the device's state, creating it on first sight. Entries
// are kept for the life of the process.
func (d *Dispatcher) entry(deviceID string) *entry {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[deviceID]
	if !ok {
		e = &entry{}
		d.entries[deviceID] = e
	}
	return e
}

func (d *Dispatcher) acquire(e *entry, deviceID string, action device.Action) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return device.NewError(device.CodeDeviceBusy, deviceID, "%s is running", e.action)
	}
	now := d.now()
	if now.Before(e.cooldownUntil) {
		return device.NewError(device.CodeDeviceBusy, deviceID, "cooling down for %s", e.cooldownUntil.Sub(now).Round(time.Millisecond))
	}
	e.running = true
	e.action = action
	e.since = now
	return nil
}

func (d *Dispatcher) release(e *entry, out device.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := d.now()
	e.running = false
	e.action = ""
	e.since = now
	e.lastResult = &out
	if d.cfg.Cooldown > 0 {
		e.cooldownUntil = now.Add(d.cfg.Cooldown)
	}
}
