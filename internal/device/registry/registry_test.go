package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvald/devicegw/internal/device"
)

type MockDiscoverer struct {
	mu      sync.Mutex
	devices []device.Device
	err     error
	calls   atomic.Int32
	delay   time.Duration
}

func (m *MockDiscoverer) Discover(ctx context.Context) ([]device.Device, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]device.Device, len(m.devices))
	copy(out, m.devices)
	return out, nil
}

func (m *MockDiscoverer) set(devices []device.Device, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = devices
	m.err = err
}

func TestRegistry_RefreshAndList(t *testing.T) {
	disc := &MockDiscoverer{devices: []device.Device{
		{ID: "A", Name: "Pixel", Reachable: true},
		{ID: "B", Name: "Galaxy", Reachable: true},
	}}
	reg := New(disc, nil)

	got, err := reg.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].ID)
	assert.Equal(t, "B", got[1].ID)

	listed := reg.List()
	assert.Equal(t, got, listed)

	d, ok := reg.Get("B")
	assert.True(t, ok)
	assert.Equal(t, "Galaxy", d.Name)
}

func TestRegistry_GetNotFound(t *testing.T) {
	reg := New(&MockDiscoverer{}, nil)
	_, ok := reg.Get("nonexistent")
	assert.False(t, ok)
}

func TestRegistry_DropsUnreachableAndDuplicates(t *testing.T) {
	disc := &MockDiscoverer{devices: []device.Device{
		{ID: "A", Name: "first", Reachable: true},
		{ID: "B", Reachable: false},
		{ID: "A", Name: "second", Reachable: true},
		{ID: "C", Reachable: true},
	}}
	reg := New(disc, nil)
	_, err := reg.Refresh(context.Background())
	require.NoError(t, err)

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].Name)
	assert.Equal(t, "C", list[1].ID)
	assert.Equal(t, "C", list[1].Name, "name falls back to id")
}

func TestRegistry_FailureKeepsStaleSnapshot(t *testing.T) {
	disc := &MockDiscoverer{devices: []device.Device{{ID: "A", Name: "Pixel", Reachable: true}}}
	reg := New(disc, nil)
	_, err := reg.Refresh(context.Background())
	require.NoError(t, err)

	disc.set(nil, errors.New("adb server not running"))
	_, err = reg.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrDiscovery))

	list := reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, "A", list[0].ID)

	_, lastErr := reg.LastRefresh()
	assert.Error(t, lastErr)
}

func TestRegistry_RemovedDeviceDisappears(t *testing.T) {
	disc := &MockDiscoverer{devices: []device.Device{
		{ID: "A", Reachable: true},
		{ID: "B", Reachable: true},
	}}
	reg := New(disc, nil)
	var added, removed []string
	reg.OnChange(func(a, r []string) {
		added = append(added, a...)
		removed = append(removed, r...)
	})

	_, err := reg.Refresh(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, added)

	disc.set([]device.Device{{ID: "B", Reachable: true}}, nil)
	_, err = reg.Refresh(context.Background())
	require.NoError(t, err)

	_, ok := reg.Get("A")
	assert.False(t, ok)
	assert.Equal(t, []string{"A"}, removed)
}

func TestRegistry_ListReturnsCopy(t *testing.T) {
	disc := &MockDiscoverer{devices: []device.Device{{ID: "A", Name: "Pixel", Reachable: true}}}
	reg := New(disc, nil)
	_, err := reg.Refresh(context.Background())
	require.NoError(t, err)

	list := reg.List()
	list[0].Name = "mutated"
	d, _ := reg.Get("A")
	assert.Equal(t, "Pixel", d.Name)
}

func TestRegistry_ConcurrentRefreshCoalesces(t *testing.T) {
	disc := &MockDiscoverer{
		devices: []device.Device{{ID: "A", Reachable: true}},
		delay:   50 * time.Millisecond,
	}
	reg := New(disc, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Refresh(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Less(t, int(disc.calls.Load()), 10)
}

func TestRegistry_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	small := []device.Device{{ID: "A", Reachable: true}}
	large := make([]device.Device, 0, 20)
	for i := 0; i < 20; i++ {
		large = append(large, device.Device{ID: fmt.Sprintf("dev-%d", i), Reachable: true})
	}
	disc := &MockDiscoverer{devices: small}
	reg := New(disc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for i := 0; ctx.Err() == nil; i++ {
			if i%2 == 0 {
				disc.set(large, nil)
			} else {
				disc.set(small, nil)
			}
			reg.Refresh(ctx)
		}
	}()

	for i := 0; i < 500; i++ {
		n := len(reg.List())
		assert.Contains(t, []int{0, 1, 20}, n)
	}
}

func TestRegistry_PollStopsOnCancel(t *testing.T) {
	disc := &MockDiscoverer{devices: []device.Device{{ID: "A", Reachable: true}}}
	reg := New(disc, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		reg.Poll(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return disc.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poll did not stop")
	}
}

func TestChain_ConcatenatesInOrder(t *testing.T) {
	c := Chain(
		Static{{ID: "usb-1", Reachable: true}},
		Static{{ID: "10.0.0.5:5555", Reachable: true}},
	)
	got, err := c.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "usb-1", got[0].ID)
	assert.Equal(t, "10.0.0.5:5555", got[1].ID)
}

func TestChain_AnyFailureFails(t *testing.T) {
	c := Chain(
		Static{{ID: "usb-1", Reachable: true}},
		&MockDiscoverer{err: errors.New("mdns unavailable")},
	)
	_, err := c.Discover(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrDiscovery))
}
