package adb

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rvald/devicegw/internal/device"
)

// Discoverer lists devices known to the local adb server.
type Discoverer struct {
	runner Runner
	logger *slog.Logger
}

// NewDiscoverer creates a Discoverer. A nil logger uses slog.Default.
func NewDiscoverer(runner Runner, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{runner: runner, logger: logger.With("component", "adb-discovery")}
}

// Discover runs `adb devices -l`. Devices appear in adb's order.
func (d *Discoverer) Discover(ctx context.Context) ([]device.Device, error) {
	stdout, stderr, err := d.runner.Run(ctx, "devices", "-l")
	if err != nil {
		return nil, &device.Error{
			Code:    device.CodeDiscovery,
			Message: fmt.Sprintf("adb devices: %s", firstLine(stderr, err.Error())),
			Err:     err,
		}
	}
	devices := ParseDevices(stdout)
	d.logger.Debug("adb devices", "count", len(devices))
	return devices, nil
}

// ParseDevices parses the output of `adb devices -l`. Lines look like
//
//	R58M123ABC  device usb:1-1 product:beyond1 model:SM_G973F device:beyond1
//
// Only the "device" state counts as reachable; unauthorized and offline
// entries are still listed so operators can see them.
func ParseDevices(out string) []device.Device {
	var devices []device.Device
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || seen[fields[0]] {
			continue
		}
		serial, state := fields[0], fields[1]
		seen[serial] = true

		name := serial
		for _, kv := range fields[2:] {
			if model, ok := strings.CutPrefix(kv, "model:"); ok && model != "" {
				name = strings.ReplaceAll(model, "_", " ")
			}
		}
		devices = append(devices, device.Device{
			ID:        serial,
			Name:      name,
			Reachable: state == "device",
			Source:    "adb",
		})
	}
	return devices
}

func firstLine(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}
