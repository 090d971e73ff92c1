package registry

import (
	"context"
	"fmt"

	"github.com/rvald/devicegw/internal/device"
)

// Chain concatenates the results of several discoverers in order. A failing
// source fails the whole round so the registry keeps its previous snapshot
// instead of silently dropping that source's devices.
func Chain(discoverers ...device.Discoverer) device.Discoverer {
	return chain(discoverers)
}

type chain []device.Discoverer

func (c chain) Discover(ctx context.Context) ([]device.Device, error) {
	var out []device.Device
	for i, d := range c {
		found, err := d.Discover(ctx)
		if err != nil {
			return nil, device.Wrap(device.CodeDiscovery, "", fmt.Errorf("source %d: %w", i, err))
		}
		out = append(out, found...)
	}
	return out, nil
}

// Static is a fixed device list, useful for bench setups without discovery.
type Static []device.Device

func (s Static) Discover(context.Context) ([]device.Device, error) {
	out := make([]device.Device, len(s))
	copy(out, s)
	return out, nil
}
