package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rvald/devicegw/internal/device"
)

// Registry holds the current snapshot of reachable devices. Readers always
// see a complete snapshot; Refresh swaps the whole list at once.
type Registry struct {
	discoverer device.Discoverer
	logger     *slog.Logger

	mu       sync.RWMutex
	devices  []device.Device
	byID     map[string]int // id → index into devices
	lastAt   time.Time
	lastErr  error
	group    singleflight.Group
	onChange []func(added, removed []string)
}

// New creates an empty registry backed by the given discoverer.
func New(d device.Discoverer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		discoverer: d,
		logger:     logger.With("component", "registry"),
		byID:       make(map[string]int),
	}
}

// List returns a copy of the current snapshot in discovery order.
func (r *Registry) List() []device.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]device.Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Get retrieves a device by id from the current snapshot.
func (r *Registry) Get(id string) (device.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.byID[id]
	if !ok {
		return device.Device{}, false
	}
	return r.devices[i], true
}

// LastRefresh returns when the last refresh attempt finished and its error.
func (r *Registry) LastRefresh() (time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastAt, r.lastErr
}

// OnChange registers a callback invoked after a refresh that added or
// removed device ids. Callbacks run outside the registry lock.
func (r *Registry) OnChange(fn func(added, removed []string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Refresh rebuilds the snapshot from the discoverer. Concurrent calls share
// one discovery round. On failure the previous snapshot is kept and a
// DISCOVERY_ERROR is returned.
func (r *Registry) Refresh(ctx context.Context) ([]device.Device, error) {
	v, err, _ := r.group.Do("refresh", func() (any, error) {
		return r.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	devices := v.([]device.Device)
	out := make([]device.Device, len(devices))
	copy(out, devices)
	return out, nil
}

func (r *Registry) refresh(ctx context.Context) ([]device.Device, error) {
	found, err := r.discoverer.Discover(ctx)
	if err != nil {
		derr := device.AsError(err, device.CodeDiscovery, "")
		r.mu.Lock()
		r.lastAt = time.Now()
		r.lastErr = derr
		r.mu.Unlock()
		return nil, derr
	}

	next := make([]device.Device, 0, len(found))
	index := make(map[string]int, len(found))
	for _, d := range found {
		if !d.Reachable || d.ID == "" {
			continue
		}
		if _, dup := index[d.ID]; dup {
			continue
		}
		if d.Name == "" {
			d.Name = d.ID
		}
		index[d.ID] = len(next)
		next = append(next, d)
	}

	r.mu.Lock()
	prev := r.byID
	r.devices = next
	r.byID = index
	r.lastAt = time.Now()
	r.lastErr = nil
	hooks := append([]func(added, removed []string){}, r.onChange...)
	r.mu.Unlock()

	added, removed := diff(prev, index)
	if len(added) > 0 || len(removed) > 0 {
		r.logger.Info("device snapshot changed", "added", added, "removed", removed, "total", len(next))
		for _, fn := range hooks {
			fn(added, removed)
		}
	}
	return next, nil
}

// Poll refreshes the registry every interval until ctx is cancelled.
// Failures are logged; the stale snapshot stays in place.
func (r *Registry) Poll(ctx context.Context, interval time.Duration) {
	if _, err := r.Refresh(ctx); err != nil {
		r.logger.Warn("initial device refresh failed", "error", err)
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Refresh(ctx); err != nil {
				r.logger.Warn("device refresh failed, keeping stale snapshot", "error", err)
			}
		}
	}
}

func diff(prev, next map[string]int) (added, removed []string) {
	for id := range next {
		if _, ok := prev[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}
