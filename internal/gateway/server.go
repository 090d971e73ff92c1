package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rvald/devicegw/internal/device"
	"github.com/rvald/devicegw/internal/protocol"
	"github.com/rvald/devicegw/internal/session"
)

// ServerConfig holds configuration for the HTTP/WebSocket server.
type ServerConfig struct {
	Port int
	Bind string // "loopback" (127.0.0.1) or "lan" (0.0.0.0)

	// RateLimit is the sustained requests per second across all clients;
	// zero disables limiting. RateBurst defaults to 1 when limiting is on.
	RateLimit float64
	RateBurst int

	RequestTimeout time.Duration
	MaxMessageSize int64
	PongWait       time.Duration
	PingPeriod     time.Duration
	AllowedOrigins []string // empty allows any origin
	Logger         *slog.Logger
}

func (c ServerConfig) maxMessageSize() int64 {
	if c.MaxMessageSize > 0 {
		return c.MaxMessageSize
	}
	return defaultMaxMessageSize
}

func (c ServerConfig) pongWait() time.Duration {
	if c.PongWait > 0 {
		return c.PongWait
	}
	return defaultPongWait
}

func (c ServerConfig) pingPeriod() time.Duration {
	if c.PingPeriod > 0 {
		return c.PingPeriod
	}
	return c.pongWait() * 9 / 10
}

func (c ServerConfig) requestTimeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return 60 * time.Second
}

// sessionDescriber is implemented by *session.Store; it lets the server
// label feed connections with the operator's name.
type sessionDescriber interface {
	Get(id string) (session.Session, error)
}

// Server is the HTTP front of a Gateway: the JSON API, the WebSocket feed,
// health and metrics.
type Server struct {
	config   ServerConfig
	gw       *Gateway
	logger   *slog.Logger
	upgrader websocket.Upgrader
	limiter  *rate.Limiter
	httpSrv  *http.Server
	addr     string
	mu       sync.Mutex
	conns    []*Conn
	connsMu  sync.Mutex
}

// NewServer creates a server bound to gw.
func NewServer(config ServerConfig, gw *Gateway) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config: config,
		gw:     gw,
		logger: logger.With("component", "http"),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	return s
}

// Addr returns the address the server is listening on, or "" if not yet ready.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler builds the routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RecoverJSON)
	r.Use(RequestLogger(s.logger))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", MetricsHandler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Get("/ws", s.handleWS)
		r.Route("/api", func(api chi.Router) {
			api.Use(middleware.Timeout(s.config.requestTimeout()))
			api.Post("/action", s.handleAction)
			api.Get("/actions", s.handleCatalog)
			api.Get("/devices", s.handleDevices)
			api.Post("/devices/refresh", s.handleRefresh)
			api.Get("/devices/{id}", s.handleDeviceState)
		})
	})
	return r
}

// ListenAndServe starts the HTTP server and blocks until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	bindAddr := "127.0.0.1"
	if s.config.Bind == "lan" {
		bindAddr = "0.0.0.0"
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindAddr, s.config.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.httpSrv = srv
	s.mu.Unlock()

	s.logger.Info("listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.closeAllConns()
		srv.Close()
	}()

	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes feed connections and gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeAllConns()
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.config.AllowedOrigins, r.Header.Get("Origin"))
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			IncError("rate_limit")
			writeJSON(w, http.StatusTooManyRequests, protocol.ActionResponse{
				Success: false,
				Message: "rate limited",
				Code:    "RATE_LIMITED",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- handlers ---

const maxBodyBytes = 64 * 1024

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	req, err := decodeActionRequest(w, r)
	if err != nil {
		IncError("protocol")
		writeJSON(w, http.StatusBadRequest, protocol.ActionResponse{
			Success: false,
			Message: "invalid request body",
			Code:    "INVALID_REQUEST",
		})
		return
	}

	id, _ := sessionFromRequest(r)
	resp := s.gw.Handle(r.Context(), id, req)
	status := http.StatusOK
	switch resp.Code {
	case string(device.CodeForbidden):
		status = http.StatusForbidden
	case string(device.CodeInternal):
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if res := Authenticate(s.gw.deps.Sessions, r); !res.OK {
		writeDeviceError(w, device.NewError(device.CodeForbidden, "", "%s", res.Reason))
		return
	}
	writeJSON(w, http.StatusOK, device.Catalog())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	s.listDevices(w, r, false)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.listDevices(w, r, true)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request, refresh bool) {
	id, _ := sessionFromRequest(r)
	views, err := s.gw.Devices(r.Context(), id, refresh)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleDeviceState(w http.ResponseWriter, r *http.Request) {
	id, _ := sessionFromRequest(r)
	view, err := s.gw.DeviceState(id, chi.URLParam(r, "id"))
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"devices":  len(s.gw.deps.Registry.List()),
		"uptime_s": int64(time.Since(s.gw.started).Seconds()),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	auth := Authenticate(s.gw.deps.Sessions, r)
	if !auth.OK {
		IncError("auth")
		writeDeviceError(w, device.NewError(device.CodeForbidden, "", "%s", auth.Reason))
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := NewConn(wsConn, s.config, s.gw)
	username := ""
	if d, ok := s.gw.deps.Sessions.(sessionDescriber); ok {
		if sess, err := d.Get(auth.SessionID); err == nil {
			username = sess.Username
		}
	}
	conn.WithSession(auth.SessionID, username, s.gw.deps.Sessions.Role(auth.SessionID))

	s.connsMu.Lock()
	s.conns = append(s.conns, conn)
	s.connsMu.Unlock()

	conn.Run(r.Context())

	s.removeConn(conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	conns := make([]*Conn, len(s.conns))
	copy(conns, s.conns)
	s.connsMu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
}

func (s *Server) removeConn(conn *Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for i, c := range s.conns {
		if c == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}
