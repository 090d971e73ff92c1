package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rvald/devicegw/internal/device"
	"github.com/rvald/devicegw/internal/dispatch"
	"github.com/rvald/devicegw/internal/protocol"
	"github.com/rvald/devicegw/internal/session"
)

// Sessions is the session collaborator. *session.Store satisfies it.
type Sessions interface {
	IsAuthenticated(id string) bool
	Role(id string) string
	CurrentToken(id string) (string, error)
	Rotate(id string) (string, error)
}

// DeviceRegistry is the read side of *registry.Registry plus Refresh.
type DeviceRegistry interface {
	List() []device.Device
	Get(id string) (device.Device, bool)
	Refresh(ctx context.Context) ([]device.Device, error)
}

// Dispatcher runs catalog actions. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, deviceID string, action device.Action) (device.Outcome, error)
	State(deviceID string) dispatch.State
}

// Interception toggles MITM mode. *intercept.Controller satisfies it.
type Interception interface {
	SetMode(ctx context.Context, deviceID string, enable bool) (device.Outcome, error)
	Mode(deviceID string) device.InterceptionMode
}

// Deps are the collaborators a Gateway routes to.
type Deps struct {
	Registry   DeviceRegistry
	Dispatcher Dispatcher
	Controller Interception
	Sessions   Sessions
	Logger     *slog.Logger
}

// Config configures the gateway.
type Config struct {
	Server       ServerConfig
	TickInterval time.Duration
	// AdminRole is the role required for interception actions.
	AdminRole string
}

// Gateway is the request/response boundary. It authenticates sessions,
// enforces the one-time anti-forgery token, routes actions to the
// dispatcher or the interception controller and renders every result as a
// protocol.ActionResponse. It also owns the WebSocket feed.
type Gateway struct {
	config  Config
	deps    Deps
	logger  *slog.Logger
	server  *Server
	started time.Time
	locksMu sync.Mutex
	locks   map[string]*sessionLock
	conns   map[*Conn]bool
	connsMu sync.Mutex
}

// New wires a Gateway and its HTTP server.
func New(config Config, deps Deps) *Gateway {
	if config.AdminRole == "" {
		config.AdminRole = session.RoleAdmin
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Server.Logger == nil {
		config.Server.Logger = logger
	}

	gw := &Gateway{
		config:  config,
		deps:    deps,
		logger:  logger.With("component", "gateway"),
		started: time.Now(),
		locks:   make(map[string]*sessionLock),
		conns:   make(map[*Conn]bool),
	}
	gw.server = NewServer(config.Server, gw)
	return gw
}

// Run starts the HTTP server and tick loop. Blocks until ctx is cancelled.
func (gw *Gateway) Run(ctx context.Context) error {
	if gw.config.TickInterval > 0 {
		go gw.tickLoop(ctx)
	}
	return gw.server.ListenAndServe(ctx)
}

// Server returns the gateway's HTTP server.
func (gw *Gateway) Server() *Server { return gw.server }

// Shutdown notifies feed subscribers and stops the server.
func (gw *Gateway) Shutdown(ctx context.Context) error {
	gw.broadcast("shutdown", nil)
	return gw.server.Shutdown(ctx)
}

// --- action handling ---

type opKind int

const (
	opInvalid opKind = iota
	opDispatch
	opInterceptEnable
	opInterceptDisable
	opInterceptStatus
)

type operation struct {
	kind   opKind
	action device.Action
}

func (op operation) interception() bool {
	return op.kind == opInterceptEnable || op.kind == opInterceptDisable || op.kind == opInterceptStatus
}

// label is the metrics label; free-form names are never used as labels.
func (op operation) label() string {
	switch op.kind {
	case opInvalid:
		return "invalid"
	case opInterceptStatus:
		return "interception-status"
	}
	return string(op.action)
}

func parseOperation(name string) operation {
	switch name {
	case "enable-mitm", "enable_mitm":
		return operation{kind: opInterceptEnable, action: device.ActionInterceptionEnable}
	case "disable-mitm", "disable_mitm":
		return operation{kind: opInterceptDisable, action: device.ActionInterceptionDisable}
	case "get-mitm-status", "get_mitm_status":
		return operation{kind: opInterceptStatus}
	}
	if a, ok := device.ParseAction(name); ok {
		return operation{kind: opDispatch, action: a}
	}
	return operation{kind: opInvalid, action: device.Action(name)}
}

// Handle processes one action request for a session. It never returns an
// error: every failure is rendered into the response. Only FORBIDDEN leaves
// the session token unrotated.
func (gw *Gateway) Handle(ctx context.Context, sessionID string, req protocol.ActionRequest) protocol.ActionResponse {
	if !gw.deps.Sessions.IsAuthenticated(sessionID) {
		return gw.forbidden(sessionID, req, "not authenticated")
	}

	op := parseOperation(req.Action)
	if op.interception() && gw.deps.Sessions.Role(sessionID) != gw.config.AdminRole {
		return gw.forbidden(sessionID, req, "admin role required")
	}

	if op.kind == opInterceptStatus {
		return gw.interceptionStatus(req.DeviceID)
	}

	next, err := gw.consumeToken(sessionID, req.CSRFToken)
	switch {
	case errors.Is(err, errTokenMismatch), errors.Is(err, session.ErrNotFound):
		return gw.forbidden(sessionID, req, "invalid csrf token")
	case err != nil:
		return gw.sessionStoreFailed(sessionID, req, err)
	}

	var (
		out   device.Outcome
		opErr error
	)
	switch op.kind {
	case opDispatch:
		out, opErr = gw.deps.Dispatcher.Dispatch(ctx, req.DeviceID, op.action)
	case opInterceptEnable, opInterceptDisable:
		out, opErr = gw.deps.Controller.SetMode(ctx, req.DeviceID, op.kind == opInterceptEnable)
	default:
		opErr = device.NewError(device.CodeInvalidAction, req.DeviceID, "%s", req.Action)
	}

	resp := render(out, opErr)
	resp.CSRFToken = next
	IncAction(op.label(), resp)

	gw.logger.Info("action handled",
		"session", sessionID,
		"device", req.DeviceID,
		"action", req.Action,
		"success", resp.Success,
		"code", resp.Code,
	)
	gw.broadcast(protocol.EventActionOutcome, protocol.OutcomeEvent{
		DeviceID: req.DeviceID,
		Action:   req.Action,
		Success:  resp.Success,
		Message:  resp.Message,
		Code:     resp.Code,
		By:       sessionID,
	})
	return resp
}

var errTokenMismatch = errors.New("token mismatch")

// consumeToken validates the submitted token and rotates it in the same
// per-session critical section, so a token can be spent only once.
func (gw *Gateway) consumeToken(sessionID, provided string) (string, error) {
	unlock := gw.lockSession(sessionID)
	defer unlock()

	current, err := gw.deps.Sessions.CurrentToken(sessionID)
	if err != nil {
		return "", err
	}
	if !session.VerifyToken(provided, current) {
		return "", errTokenMismatch
	}
	return gw.deps.Sessions.Rotate(sessionID)
}

// sessionLock serialises token checks for one session. Entries live only
// while a request for the session holds or waits on them.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func (gw *Gateway) lockSession(sessionID string) (unlock func()) {
	gw.locksMu.Lock()
	l, ok := gw.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		gw.locks[sessionID] = l
	}
	l.refs++
	gw.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		gw.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(gw.locks, sessionID)
		}
		gw.locksMu.Unlock()
	}
}

func (gw *Gateway) interceptionStatus(deviceID string) protocol.ActionResponse {
	if deviceID == "" {
		return protocol.ActionResponse{Success: true, Message: "No device selected", Status: "No device selected"}
	}
	if _, ok := gw.deps.Registry.Get(deviceID); !ok {
		return render(device.Outcome{}, device.NewError(device.CodeUnknownDevice, deviceID, "not in registry"))
	}
	mode := gw.deps.Controller.Mode(deviceID)
	return protocol.ActionResponse{
		Success: true,
		Message: "interception " + mode.String(),
		Status:  mode.String(),
	}
}

func (gw *Gateway) forbidden(sessionID string, req protocol.ActionRequest, reason string) protocol.ActionResponse {
	IncError("auth")
	gw.logger.Warn("action rejected",
		"session", sessionID,
		"device", req.DeviceID,
		"action", req.Action,
		"reason", reason,
	)
	return render(device.Outcome{}, device.NewError(device.CodeForbidden, req.DeviceID, "%s", reason))
}

// sessionStoreFailed reports a token check that could not complete. The
// session keeps its current token.
func (gw *Gateway) sessionStoreFailed(sessionID string, req protocol.ActionRequest, err error) protocol.ActionResponse {
	IncError("session_store")
	gw.logger.Error("session store failed",
		"session", sessionID,
		"device", req.DeviceID,
		"action", req.Action,
		"error", err,
	)
	return render(device.Outcome{}, device.Wrap(device.CodeInternal, req.DeviceID, err))
}

// render shapes an outcome or error into the uniform response.
func render(out device.Outcome, err error) protocol.ActionResponse {
	if err != nil {
		e := device.AsError(err, device.CodeDriverUnreachable, "")
		return protocol.ActionResponse{Success: false, Message: e.Public(), Code: string(e.Code)}
	}
	return protocol.ActionResponse{Success: out.Success, Message: out.Message}
}

// --- reads ---

// Devices lists reachable devices for an authenticated session. With
// refresh set it re-runs discovery first and falls back to the previous
// snapshot when discovery fails.
func (gw *Gateway) Devices(ctx context.Context, sessionID string, refresh bool) ([]protocol.DeviceView, error) {
	if !gw.deps.Sessions.IsAuthenticated(sessionID) {
		return nil, device.NewError(device.CodeForbidden, "", "not authenticated")
	}

	list := gw.deps.Registry.List()
	if refresh {
		fresh, err := gw.deps.Registry.Refresh(ctx)
		if err != nil {
			gw.logger.Warn("device refresh failed, serving previous snapshot", "error", err)
		} else {
			list = fresh
		}
	}

	views := make([]protocol.DeviceView, 0, len(list))
	for _, d := range list {
		views = append(views, protocol.DeviceView{ID: d.ID, Name: d.Name})
	}
	return views, nil
}

// DeviceState returns the dispatcher state and interception mode of a
// device in the current snapshot.
func (gw *Gateway) DeviceState(sessionID, deviceID string) (protocol.DeviceStateView, error) {
	if !gw.deps.Sessions.IsAuthenticated(sessionID) {
		return protocol.DeviceStateView{}, device.NewError(device.CodeForbidden, deviceID, "not authenticated")
	}
	d, ok := gw.deps.Registry.Get(deviceID)
	if !ok {
		return protocol.DeviceStateView{}, device.NewError(device.CodeUnknownDevice, deviceID, "not in registry")
	}

	st := gw.deps.Dispatcher.State(deviceID)
	view := protocol.DeviceStateView{
		ID:           d.ID,
		Name:         d.Name,
		Status:       string(st.Status),
		Action:       string(st.Action),
		Interception: gw.deps.Controller.Mode(deviceID).String(),
	}
	if !st.Since.IsZero() {
		view.SinceMs = st.Since.UnixMilli()
	}
	if st.LastResult != nil {
		ok := st.LastResult.Success
		view.LastSuccess = &ok
		view.LastMessage = st.LastResult.Message
	}
	return view, nil
}

// --- ConnHandler implementation ---

func (gw *Gateway) OnAuthenticated(conn *Conn) error {
	gw.connsMu.Lock()
	gw.conns[conn] = true
	gw.connsMu.Unlock()

	return conn.SendEvent(protocol.EventHello, protocol.Hello{
		Protocol:       protocol.ServerProtocol,
		ConnID:         conn.ConnID,
		Username:       conn.Username,
		Role:           conn.Role,
		Methods:        protocol.Methods(),
		Events:         protocol.Events(),
		TickIntervalMs: int(gw.config.TickInterval / time.Millisecond),
	})
}

func (gw *Gateway) OnRequest(conn *Conn, req *protocol.RequestFrame) error {
	ctx := conn.Context()

	switch req.Method {
	case protocol.MethodAction:
		params, err := protocol.DecodeActionParams(req.Params)
		if err != nil {
			var fe *protocol.FrameError
			if errors.As(err, &fe) {
				return conn.SendResponse(req.ID, false, nil, &protocol.ErrorShape{Code: fe.Code, Message: fe.Message})
			}
			return err
		}
		resp := gw.Handle(ctx, conn.SessionID, params)
		if resp.Code == string(device.CodeForbidden) || resp.Code == string(device.CodeInternal) {
			return conn.SendResponse(req.ID, false, resp, &protocol.ErrorShape{Code: resp.Code, Message: resp.Message})
		}
		return conn.SendResponse(req.ID, true, resp, nil)

	case protocol.MethodDevicesList, protocol.MethodDevicesRefresh:
		views, err := gw.Devices(ctx, conn.SessionID, req.Method == protocol.MethodDevicesRefresh)
		if err != nil {
			return conn.SendResponse(req.ID, false, nil, errorShape(err))
		}
		return conn.SendResponse(req.ID, true, map[string]any{"devices": views}, nil)

	default:
		IncError("protocol")
		return conn.SendResponse(req.ID, false, nil, &protocol.ErrorShape{
			Code:    "UNKNOWN_METHOD",
			Message: "unknown method: " + req.Method,
		})
	}
}

func (gw *Gateway) OnDisconnected(conn *Conn) {
	gw.connsMu.Lock()
	delete(gw.conns, conn)
	gw.connsMu.Unlock()
}

func errorShape(err error) *protocol.ErrorShape {
	e := device.AsError(err, device.CodeDriverUnreachable, "")
	retryable := e.Retryable()
	return &protocol.ErrorShape{Code: string(e.Code), Message: e.Public(), Retryable: &retryable}
}

// --- tick & broadcast ---

func (gw *Gateway) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(gw.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gw.broadcast(protocol.EventTick, map[string]any{
				"ts":      time.Now().Unix(),
				"devices": len(gw.deps.Registry.List()),
			})
		}
	}
}

// DevicesChanged pushes a registry change to feed subscribers.
func (gw *Gateway) DevicesChanged(added, removed []string) {
	gw.broadcast(protocol.EventDevices, map[string]any{"added": added, "removed": removed})
}

func (gw *Gateway) broadcast(event string, payload any) {
	gw.connsMu.Lock()
	conns := make([]*Conn, 0, len(gw.conns))
	for c := range gw.conns {
		conns = append(conns, c)
	}
	gw.connsMu.Unlock()

	for _, c := range conns {
		if err := c.SendEvent(event, payload); err != nil {
			gw.logger.Debug("feed send failed", "conn", c.ConnID, "event", event, "error", err)
		}
	}
}
