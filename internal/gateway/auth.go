package gateway

import (
	"net/http"
	"strings"
)

const (
	// SessionHeader carries the session id on API and WebSocket requests.
	SessionHeader = "X-Session-ID"
	// SessionCookie is the fallback for browser clients.
	SessionCookie = "devicegw_session"
)

// AuthResult is the outcome of resolving a request's session.
type AuthResult struct {
	OK        bool
	SessionID string
	Method    string // "header" or "cookie"
	Reason    string // failure reason, empty on success
}

// Authenticate resolves the session carried by r and checks it against the
// session collaborator.
func Authenticate(sessions Sessions, r *http.Request) AuthResult {
	id, method := sessionFromRequest(r)
	if id == "" {
		return AuthResult{OK: false, Reason: "session_missing"}
	}
	if !sessions.IsAuthenticated(id) {
		return AuthResult{OK: false, SessionID: id, Method: method, Reason: "session_invalid"}
	}
	return AuthResult{OK: true, SessionID: id, Method: method}
}

func sessionFromRequest(r *http.Request) (id, method string) {
	if v := strings.TrimSpace(r.Header.Get(SessionHeader)); v != "" {
		return v, "header"
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value, "cookie"
	}
	return "", ""
}
