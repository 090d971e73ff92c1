package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rvald/devicegw/internal/protocol"
)

// ConnState represents the lifecycle state of a connection.
type ConnState string

const (
	StateConnecting    ConnState = "connecting"
	StateAuthenticated ConnState = "authenticated"
	StateClosed        ConnState = "closed"
)

const (
	defaultMaxMessageSize = 512 * 1024
	defaultPongWait       = 60 * time.Second
	writeWait             = 10 * time.Second
)

// WebSocket is the subset of *websocket.Conn a Conn needs.
type WebSocket interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// ConnHandler receives lifecycle events from a Conn.
type ConnHandler interface {
	OnAuthenticated(conn *Conn) error
	OnRequest(conn *Conn, req *protocol.RequestFrame) error
	OnDisconnected(conn *Conn)
}

// Conn is one feed subscriber. The session is resolved at upgrade time, so
// a Conn starts authenticated once Run begins; every request it forwards is
// still checked against the session store by the handler.
type Conn struct {
	ws        WebSocket
	config    ServerConfig
	handler   ConnHandler
	State     ConnState
	ConnID    string
	SessionID string
	Username  string
	Role      string
	ctx       context.Context
	mu        sync.Mutex
	writeMu   sync.Mutex
}

// NewConn creates a new connection in the connecting state.
func NewConn(ws WebSocket, config ServerConfig, handler ConnHandler) *Conn {
	return &Conn{
		ws:      ws,
		config:  config,
		handler: handler,
		State:   StateConnecting,
		ConnID:  uuid.NewString(),
		ctx:     context.Background(),
	}
}

// WithSession attaches the session that opened the connection.
func (c *Conn) WithSession(id, username, role string) *Conn {
	c.SessionID = id
	c.Username = username
	c.Role = role
	return c
}

// Context is cancelled when the connection's Run returns.
func (c *Conn) Context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// SendEvent sends an event frame to this connection (thread-safe).
func (c *Conn) SendEvent(event string, payload any) error {
	data, err := protocol.MarshalEvent(event, payload)
	if err != nil {
		return err
	}
	return c.writeMessage(websocket.TextMessage, data)
}

// SendResponse answers a request frame.
func (c *Conn) SendResponse(id string, ok bool, payload any, errShape *protocol.ErrorShape) error {
	data, err := protocol.MarshalResponse(id, ok, payload, errShape)
	if err != nil {
		return err
	}
	return c.writeMessage(websocket.TextMessage, data)
}

func (c *Conn) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		return err
	}
	if messageType == websocket.TextMessage {
		IncMessageOut()
	}
	return nil
}

// Run drives the connection: hello, heartbeat, then the request loop. It
// blocks until the connection is closed or ctx is cancelled.
func (c *Conn) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	defer cancel()
	defer c.shutdown()

	// Close websocket on context cancellation to unblock reads.
	go func() {
		<-ctx.Done()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.config.maxMessageSize())
	pongWait := c.config.pongWait()
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingLoop(ctx)

	c.mu.Lock()
	c.State = StateAuthenticated
	c.mu.Unlock()
	IncConnectedClients()

	if err := c.handler.OnAuthenticated(c); err != nil {
		return
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		IncMessageIn()
		c.processRequest(data)
	}
}

func (c *Conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.pingPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) processRequest(data []byte) {
	frame, err := protocol.ParseFrame(data)
	if err != nil {
		IncError("protocol")
		return
	}

	req, ok := frame.(*protocol.RequestFrame)
	if !ok {
		IncError("protocol")
		return
	}

	if err := c.handler.OnRequest(c, req); err != nil {
		IncError("internal")
		c.SendResponse(req.ID, false, nil, &protocol.ErrorShape{Code: "INTERNAL", Message: err.Error()})
	}
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	wasAuthenticated := c.State == StateAuthenticated
	c.State = StateClosed
	c.mu.Unlock()

	c.ws.Close()

	if wasAuthenticated {
		DecConnectedClients()
		c.handler.OnDisconnected(c)
	}
}
