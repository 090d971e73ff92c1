package adb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/rvald/devicegw/internal/device"
)

const defaultTimeout = 30 * time.Second

// DefaultTemplates covers the actions that need nothing beyond stock adb.
// Everything else must be configured by the operator.
func DefaultTemplates() map[device.Action][]string {
	return map[device.Action][]string{
		device.ActionUSBConnect:       {"usb"},
		device.ActionReverseTCP:       {"reverse", "tcp:8080", "tcp:8080"},
		device.ActionConnectionProbeA: {"get-state"},
		device.ActionConnectionProbeB: {"shell", "echo", "ok"},
	}
}

// DriverConfig configures a Driver.
type DriverConfig struct {
	// Templates maps an action to the adb arguments run after "-s <serial>".
	// "{serial}" and "{proxy}" are substituted in every argument.
	Templates map[device.Action][]string
	// Proxy is the host:port written to the device's global http_proxy
	// when interception is enabled.
	Proxy   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Driver executes actions with adb against the device whose serial is the
// device id.
type Driver struct {
	runner    Runner
	templates map[device.Action][]string
	proxy     string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewDriver creates a Driver. Nil Templates means DefaultTemplates.
func NewDriver(runner Runner, cfg DriverConfig) *Driver {
	templates := cfg.Templates
	if templates == nil {
		templates = DefaultTemplates()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		runner:    runner,
		templates: templates,
		proxy:     cfg.Proxy,
		timeout:   timeout,
		logger:    logger.With("component", "adb-driver"),
	}
}

// Execute runs the template configured for action.
func (d *Driver) Execute(ctx context.Context, serial string, action device.Action) (device.Outcome, error) {
	tmpl, ok := d.templates[action]
	if !ok || len(tmpl) == 0 {
		return device.Failed("action %s is not configured", action), nil
	}
	stdout, stderr, err := d.run(ctx, serial, d.expand(tmpl, serial)...)
	if err != nil {
		return d.classify(serial, action, stderr, err)
	}
	if msg := firstLine(stdout, ""); msg != "" {
		return device.OK("%s", msg), nil
	}
	return device.OK("%s completed", action), nil
}

// SetInterception points the device's global HTTP proxy at the configured
// interception proxy, or clears it.
func (d *Driver) SetInterception(ctx context.Context, serial string, enabled bool) (device.Outcome, error) {
	value := ":0"
	if enabled {
		if d.proxy == "" {
			return device.Failed("no interception proxy configured"), nil
		}
		value = d.proxy
	}
	_, stderr, err := d.run(ctx, serial, "shell", "settings", "put", "global", "http_proxy", value)
	if err != nil {
		return d.classify(serial, device.ActionInterceptionEnable, stderr, err)
	}
	if enabled {
		return device.OK("interception enabled via %s", d.proxy), nil
	}
	return device.OK("interception disabled"), nil
}

// GetInterception reads the device's global HTTP proxy setting.
func (d *Driver) GetInterception(ctx context.Context, serial string) (device.InterceptionMode, error) {
	stdout, stderr, err := d.run(ctx, serial, "shell", "settings", "get", "global", "http_proxy")
	if err != nil {
		if _, cerr := d.classify(serial, "", stderr, err); cerr != nil {
			return device.InterceptionDisabled, cerr
		}
		return device.InterceptionDisabled, fmt.Errorf("read http_proxy: %s", firstLine(stderr, err.Error()))
	}
	switch v := strings.TrimSpace(stdout); v {
	case "", "null", ":0":
		return device.InterceptionDisabled, nil
	default:
		return device.InterceptionEnabled, nil
	}
}

func (d *Driver) run(ctx context.Context, serial string, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, err := d.runner.Run(ctx, append([]string{"-s", serial}, args...)...)
	if ctx.Err() != nil && err != nil {
		err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	d.logger.Debug("adb", "serial", serial, "args", args, "duration", time.Since(start), "error", err)
	return stdout, stderr, err
}

func (d *Driver) expand(tmpl []string, serial string) []string {
	r := strings.NewReplacer("{serial}", serial, "{proxy}", d.proxy)
	out := make([]string, len(tmpl))
	for i, arg := range tmpl {
		out[i] = r.Replace(arg)
	}
	return out
}

// classify turns a failed invocation into a driver error when the device
// could not be reached, or a failed outcome when adb ran and said no.
func (d *Driver) classify(serial string, action device.Action, stderr string, err error) (device.Outcome, error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return device.Outcome{}, &device.Error{
			Code:     device.CodeDriverTimeout,
			DeviceID: serial,
			Message:  fmt.Sprintf("adb did not finish within %s", d.timeout),
			Err:      err,
		}
	case errors.Is(err, exec.ErrNotFound):
		return device.Outcome{}, device.Wrap(device.CodeDriverUnreachable, serial, err)
	case unreachable(stderr):
		return device.Outcome{}, &device.Error{
			Code:     device.CodeDriverUnreachable,
			DeviceID: serial,
			Message:  firstLine(stderr, err.Error()),
			Err:      err,
		}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return device.Outcome{}, device.Wrap(device.CodeDriverUnreachable, serial, err)
	}
	d.logger.Warn("adb command failed", "serial", serial, "action", action, "exit", exitErr.ExitCode())
	return device.Failed("%s", firstLine(stderr, err.Error())), nil
}

func unreachable(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, marker := range []string{"device offline", "not found", "no devices/emulators", "unauthorized", "cannot connect to daemon"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
