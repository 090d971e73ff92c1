package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvald/devicegw/internal/device"
	"github.com/rvald/devicegw/internal/device/registry"
	"github.com/rvald/devicegw/internal/dispatch"
	"github.com/rvald/devicegw/internal/intercept"
	. "github.com/rvald/devicegw/internal/protocol"
	"github.com/rvald/devicegw/internal/session"
)

// MockDriver answers every action from results (default "<action> done").
// When gate is set, Execute announces itself on started and blocks until
// the gate is closed.
type MockDriver struct {
	mu      sync.Mutex
	results map[device.Action]device.Outcome
	proxy   map[string]bool
	gate    chan struct{}
	started chan string
	calls   atomic.Int32
}

func NewMockDriver() *MockDriver {
	return &MockDriver{
		results: make(map[device.Action]device.Outcome),
		proxy:   make(map[string]bool),
	}
}

func (m *MockDriver) Execute(ctx context.Context, id string, a device.Action) (device.Outcome, error) {
	m.calls.Add(1)
	if m.started != nil {
		m.started <- id
	}
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if out, ok := m.results[a]; ok {
		return out, nil
	}
	return device.OK("%s done", a), nil
}

func (m *MockDriver) SetInterception(ctx context.Context, id string, enabled bool) (device.Outcome, error) {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proxy[id] = enabled
	if enabled {
		return device.OK("MITM enabled"), nil
	}
	return device.OK("MITM disabled"), nil
}

func (m *MockDriver) GetInterception(ctx context.Context, id string) (device.InterceptionMode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return device.ModeFor(m.proxy[id]), nil
}

// MockDiscoverer serves a fixed list or fails with err.
type MockDiscoverer struct {
	mu      sync.Mutex
	devices []device.Device
	err     error
}

func (m *MockDiscoverer) Discover(ctx context.Context) ([]device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return append([]device.Device(nil), m.devices...), nil
}

func (m *MockDiscoverer) set(devices []device.Device, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = devices
	m.err = err
}

type harness struct {
	gw    *Gateway
	store *session.Store
	reg   *registry.Registry
	disp  *dispatch.Dispatcher
	ctl   *intercept.Controller
	drv   *MockDriver
	disc  *MockDiscoverer
}

func pixel() device.Device {
	return device.Device{ID: "A", Name: "Pixel", Reachable: true}
}

func newHarness(t *testing.T, cfg Config, devices ...device.Device) *harness {
	t.Helper()
	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)

	disc := &MockDiscoverer{devices: devices}
	reg := registry.New(disc, nil)
	_, err = reg.Refresh(context.Background())
	require.NoError(t, err)

	drv := NewMockDriver()
	disp := dispatch.New(reg, drv, dispatch.Config{})
	ctl := intercept.New(disp, drv, nil)

	gw := New(cfg, Deps{Registry: reg, Dispatcher: disp, Controller: ctl, Sessions: store})
	return &harness{gw: gw, store: store, reg: reg, disp: disp, ctl: ctl, drv: drv, disc: disc}
}

func (h *harness) login(t *testing.T, role string) string {
	t.Helper()
	sess, err := h.store.Create("op-"+role, role, 0)
	require.NoError(t, err)
	return sess.ID
}

func (h *harness) token(t *testing.T, sessionID string) string {
	t.Helper()
	tok, err := h.store.CurrentToken(sessionID)
	require.NoError(t, err)
	return tok
}

func (h *harness) handle(t *testing.T, sessionID, action, deviceID string) ActionResponse {
	t.Helper()
	return h.gw.Handle(context.Background(), sessionID, ActionRequest{
		Action:    action,
		DeviceID:  deviceID,
		CSRFToken: h.token(t, sessionID),
	})
}

func TestHandle_ActionSucceedsAndConcurrentRequestIsBusy(t *testing.T) {
	h := newHarness(t, Config{}, pixel())
	h.drv.results[device.ActionEnableDebugInterface] = device.OK("ADB enabled")
	h.drv.gate = make(chan struct{})
	h.drv.started = make(chan string, 1)

	first := h.login(t, session.RoleOperator)
	second := h.login(t, session.RoleOperator)
	firstToken := h.token(t, first)

	done := make(chan ActionResponse, 1)
	go func() {
		done <- h.gw.Handle(context.Background(), first, ActionRequest{
			Action:    "enable-debug-interface",
			DeviceID:  "A",
			CSRFToken: firstToken,
		})
	}()
	<-h.drv.started

	busy := h.handle(t, second, "enable-debug-interface", "A")
	assert.False(t, busy.Success)
	assert.Equal(t, "device busy", busy.Message)
	assert.Equal(t, string(device.CodeDeviceBusy), busy.Code)
	assert.NotEmpty(t, busy.CSRFToken, "busy still rotates the token")

	close(h.drv.gate)
	resp := <-done
	assert.True(t, resp.Success)
	assert.Equal(t, "ADB enabled", resp.Message)
	assert.Empty(t, resp.Code)
	assert.Equal(t, dispatch.StatusIdle, h.disp.State("A").Status)
}

func TestHandle_LegacyAliasUnknownDevice(t *testing.T) {
	h := newHarness(t, Config{}, pixel())
	sid := h.login(t, session.RoleOperator)

	resp := h.handle(t, sid, "frp-bypass", "ghost-id")
	assert.False(t, resp.Success)
	assert.Equal(t, "unknown device: ghost-id", resp.Message)
	assert.Equal(t, string(device.CodeUnknownDevice), resp.Code)
	assert.Equal(t, int32(0), h.drv.calls.Load())
}

func TestHandle_CSRFMismatchChangesNothing(t *testing.T) {
	h := newHarness(t, Config{}, pixel())
	sid := h.login(t, session.RoleAdmin)
	before := h.token(t, sid)
	stateBefore := h.disp.State("A")

	for _, action := range []string{"mode-switch", "enable-mitm", "self-destruct"} {
		resp := h.gw.Handle(context.Background(), sid, ActionRequest{
			Action:    action,
			DeviceID:  "A",
			CSRFToken: "stale-token",
		})
		assert.False(t, resp.Success, action)
		assert.Equal(t, string(device.CodeForbidden), resp.Code, action)
		assert.Empty(t, resp.CSRFToken, action)
	}

	assert.Equal(t, before, h.token(t, sid), "token must not rotate")
	assert.Equal(t, stateBefore, h.disp.State("A"))
	assert.Equal(t, device.InterceptionDisabled, h.ctl.Mode("A"))
	assert.Equal(t, int32(0), h.drv.calls.Load())
}

func TestHandle_EmptyTokenIsForbidden(t *testing.T) {
	h := newHarness(t, Config{}, pixel())
	sid := h.login(t, session.RoleOperator)

	resp := h.gw.Handle(context.Background(), sid, ActionRequest{Action: "usb-connect", DeviceID: "A"})
	assert.Equal(t, string(device.CodeForbidden), resp.Code)
}

func TestHandle_TokenIsSingleUse(t *testing.T) {
	h := newHarness(t, Config{}, pixel())
	sid := h.login(t, session.RoleOperator)
	tok := h.token(t, sid)

	req := ActionRequest{Action: "usb-connect", DeviceID: "A", CSRFToken: tok}
	first := h.gw.Handle(context.Background(), sid, req)
	require.True(t, first.Success)
	assert.NotEqual(t, tok, first.CSRFToken)
	assert.Equal(t, first.CSRFToken, h.token(t, sid))

	replay := h.gw.Handle(context.Background(), sid, req)
	assert.Equal(t, string(device.CodeForbidden), replay.Code)
}

func TestHandle_ConcurrentReplayOnlyOneWins(t *testing.T) {
	h := newHarness(t, Config{}, pixel(), device.Device{ID: "B", Name: "B", Reachable: true})
	sid := h.login(t, session.RoleOperator)
	tok := h.token(t, sid)

	var (
		wg        sync.WaitGroup
		forbidden atomic.Int32
		accepted  atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := h.gw.Handle(context.Background(), sid, ActionRequest{Action: "usb-connect", DeviceID: "B", CSRFToken: tok})
			if resp.Code == string(device.CodeForbidden) {
				forbidden.Add(1)
			} else {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(7), forbidden.Load())

	h.gw.locksMu.Lock()
	defer h.gw.locksMu.Unlock()
	assert.Empty(t, h.gw.locks, "session locks are released once no request holds them")
}

// failingRotate is a session store whose token writes fail.
type failingRotate struct {
	*session.Store
}

func (f failingRotate) Rotate(id string) (string, error) {
	return "", errors.New("write sessions.json.tmp: no space left on device")
}

func TestHandle_SessionStoreFailureIsNotForbidden(t *testing.T) {
	h := newHarness(t, Config{}, pixel())
	sid := h.login(t, session.RoleOperator)
	before := h.token(t, sid)

	gw := New(Config{}, Deps{
		Registry:   h.reg,
		Dispatcher: h.disp,
		Controller: h.ctl,
		Sessions:   failingRotate{h.store},
	})
	resp := gw.Handle(context.Background(), sid, ActionRequest{Action: "usb-connect", DeviceID: "A", CSRFToken: before})
	assert.False(t, resp.Success)
	assert.Equal(t, string(device.CodeInternal), resp.Code)
	assert.Equal(t, "internal error", resp.Message)
	assert.Empty(t, resp.CSRFToken)

	assert.Equal(t, before, h.token(t, sid), "token stays usable")
	assert.Equal(t, int32(0), h.drv.calls.Load())

	resp = h.gw.Handle(context.Background(), sid, ActionRequest{Action: "usb-connect", DeviceID: "A", CSRFToken: before})
	assert.True(t, resp.Success, resp.Message)
}

func TestHandle_Unauthenticated(t *testing.T) {
	h := newHarness(t, Config{}, pixel())

	resp := h.gw.Handle(context.Background(), "no-such-session", ActionRequest{Action: "usb-connect", DeviceID: "A"})
	assert.False(t, resp.Success)
	assert.Equal(t, string(device.CodeForbidden), resp.Code)
	assert.Equal(t, "forbidden: not authenticated", resp.Message)

	revoked := h.login(t, session.RoleOperator)
	tok := h.token(t, revoked)
	_, err := h.store.Revoke(revoked)
	require.NoError(t, err)
	resp = h.gw.Handle(context.Background(), revoked, ActionRequest{Action: "usb-connect", DeviceID: "A", CSRFToken: tok})
	assert.Equal(t, string(device.CodeForbidden), resp.Code)
	assert.Equal(t, int32(0), h.drv.calls.Load())
}

func TestHandle_InvalidActionRotatesWithoutTouchingDevices(t *testing.T) {
	h := newHarness(t, Config{}, pixel())
	sid := h.login(t, session.RoleOperator)
	before := h.token(t, sid)

	resp := h.handle(t, sid, "self-destruct", "A")
	assert.False(t, resp.Success)
	assert.Equal(t, "invalid action: self-destruct", resp.Message)
	assert.Equal(t, string(device.CodeInvalidAction), resp.Code)
	assert.NotEqual(t, before, h.token(t, sid))
	assert.Equal(t, int32(0), h.drv.calls.Load())
}

func TestHandle_InternalLabelsAreNotActions(t *testing.T) {
	h := newHarness(t, Config{}, pixel())
	sid := h.login(t, session.RoleAdmin)

	resp := h.handle(t, sid, string(device.ActionInterceptionEnable), "A")
	assert.Equal(t, string(device.CodeInvalidAction), resp.Code)
	assert.Equal(t, device.InterceptionDisabled, h.ctl.Mode("A"))
}

func TestHandle_DriverFailureStillRotates(t *testing.T) {
	h := newHarness(t, Config{}, pixel())
	h.drv.results[device.ActionReverseTCP] = device.Failed("adb: error: closed")
	sid := h.login(t, session.RoleOperator)
	before := h.token(t, sid)

	resp := h.handle(t, sid, "reverseTCP", "A")
	assert.False(t, resp.Success)
	assert.Equal(t, "adb: error: closed", resp.Message)
	assert.NotEqual(t, before, resp.CSRFToken)
	assert.Equal(t, resp.CSRFToken, h.token(t, sid))
}

func TestHandle_InterceptionRequiresAdmin(t *testing.T) {
	h := newHarness(t, Config{}, pixel())
	sid := h.login(t, session.RoleOperator)
	before := h.token(t, sid)

	for _, action := range []string{"enable-mitm", "disable_mitm", "get-mitm-status"} {
		resp := h.handle(t, sid, action, "A")
		assert.Equal(t, string(device.CodeForbidden), resp.Code, action)
		assert.Equal(t, "forbidden: admin role required", resp.Message, action)
	}
	assert.Equal(t, before, h.token(t, sid))
	assert.Equal(t, device.InterceptionDisabled, h.ctl.Mode("A"))
}

func TestHandle_InterceptionToggleAndStatus(t *testing.T) {
	h := newHarness(t, Config{}, pixel())
	sid := h.login(t, session.RoleAdmin)

	for i := 0; i < 2; i++ {
		resp := h.handle(t, sid, "enable-mitm", "A")
		assert.True(t, resp.Success)
	}
	assert.Equal(t, device.InterceptionEnabled, h.ctl.Mode("A"))

	status := h.handle(t, sid, "get_mitm_status", "A")
	assert.True(t, status.Success)
	assert.Equal(t, "Enabled", status.Status)

	resp := h.handle(t, sid, "disable_mitm", "A")
	assert.True(t, resp.Success)
	assert.Equal(t, "MITM disabled", resp.Message)
	assert.Equal(t, "Disabled", h.handle(t, sid, "get-mitm-status", "A").Status)
}

func TestHandle_StatusIsARead(t *testing.T) {
	h := newHarness(t, Config{}, pixel())
	sid := h.login(t, session.RoleAdmin)
	before := h.token(t, sid)

	resp := h.gw.Handle(context.Background(), sid, ActionRequest{Action: "get-mitm-status", DeviceID: "A", CSRFToken: "ignored"})
	assert.True(t, resp.Success)
	assert.Equal(t, "Disabled", resp.Status)
	assert.Empty(t, resp.CSRFToken)
	assert.Equal(t, before, h.token(t, sid))

	none := h.gw.Handle(context.Background(), sid, ActionRequest{Action: "get-mitm-status"})
	assert.True(t, none.Success)
	assert.Equal(t, "No device selected", none.Status)

	ghost := h.gw.Handle(context.Background(), sid, ActionRequest{Action: "get-mitm-status", DeviceID: "ghost-id"})
	assert.False(t, ghost.Success)
	assert.Equal(t, string(device.CodeUnknownDevice), ghost.Code)
}

func TestHandle_ToggleBusyWhileModeSwitchRuns(t *testing.T) {
	h := newHarness(t, Config{}, pixel())
	h.drv.gate = make(chan struct{})
	h.drv.started = make(chan string, 1)
	sid := h.login(t, session.RoleAdmin)
	tok := h.token(t, sid)

	done := make(chan ActionResponse, 1)
	go func() {
		done <- h.gw.Handle(context.Background(), sid, ActionRequest{
			Action:    "mode-switch",
			DeviceID:  "A",
			CSRFToken: tok,
		})
	}()
	<-h.drv.started

	busy := h.handle(t, sid, "disable-mitm", "A")
	assert.False(t, busy.Success)
	assert.Equal(t, string(device.CodeDeviceBusy), busy.Code)

	// Status polling keeps working during the pending action.
	assert.Equal(t, "Disabled", h.handle(t, sid, "get-mitm-status", "A").Status)

	close(h.drv.gate)
	require.True(t, (<-done).Success)

	resp := h.handle(t, sid, "disable-mitm", "A")
	assert.True(t, resp.Success)
}

func TestDevices_ListAndRefresh(t *testing.T) {
	h := newHarness(t, Config{}, pixel())
	sid := h.login(t, session.RoleOperator)

	views, err := h.gw.Devices(context.Background(), sid, false)
	require.NoError(t, err)
	assert.Equal(t, []DeviceView{{ID: "A", Name: "Pixel"}}, views)

	h.disc.set([]device.Device{pixel(), {ID: "B", Name: "Galaxy", Reachable: true}}, nil)
	views, err = h.gw.Devices(context.Background(), sid, true)
	require.NoError(t, err)
	assert.Len(t, views, 2)

	h.disc.set(nil, device.NewError(device.CodeDiscovery, "", "adb server down"))
	views, err = h.gw.Devices(context.Background(), sid, true)
	require.NoError(t, err, "refresh failure falls back to the stale snapshot")
	assert.Len(t, views, 2)

	_, err = h.gw.Devices(context.Background(), "nobody", false)
	assert.True(t, errors.Is(err, device.ErrForbidden))
}

func TestDeviceState(t *testing.T) {
	h := newHarness(t, Config{}, pixel())
	sid := h.login(t, session.RoleOperator)

	view, err := h.gw.DeviceState(sid, "A")
	require.NoError(t, err)
	assert.Equal(t, "Idle", view.Status)
	assert.Equal(t, "Disabled", view.Interception)
	assert.Nil(t, view.LastSuccess)

	require.True(t, h.handle(t, sid, "usb-connect", "A").Success)
	view, err = h.gw.DeviceState(sid, "A")
	require.NoError(t, err)
	require.NotNil(t, view.LastSuccess)
	assert.True(t, *view.LastSuccess)
	assert.Equal(t, "usb-connect done", view.LastMessage)

	_, err = h.gw.DeviceState(sid, "ghost-id")
	assert.True(t, errors.Is(err, device.ErrUnknownDevice))
}

func TestHandle_PublishesOutcomeWithoutToken(t *testing.T) {
	h := newHarness(t, Config{}, pixel())
	sid := h.login(t, session.RoleOperator)

	ws := NewMockWebSocket()
	conn := NewConn(ws, ServerConfig{}, h.gw).WithSession(sid, "op", session.RoleOperator)
	require.NoError(t, h.gw.OnAuthenticated(conn))

	hello := readFrame(t, ws).(*EventFrame)
	assert.Equal(t, EventHello, hello.Event)

	h.handle(t, sid, "usb-connect", "A")

	evt := readFrame(t, ws).(*EventFrame)
	assert.Equal(t, EventActionOutcome, evt.Event)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(evt.Payload, &payload))
	assert.Equal(t, "A", payload["device_id"])
	assert.Equal(t, true, payload["success"])
	assert.NotContains(t, payload, "csrf_token")

	h.gw.OnDisconnected(conn)
	h.handle(t, sid, "usb-connect", "A")
	select {
	case <-ws.Outgoing:
		t.Fatal("disconnected conn must not receive events")
	case <-time.After(50 * time.Millisecond):
	}
}
