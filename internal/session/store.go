package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Roles understood by the gateway.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// ErrNotFound is returned for unknown or expired sessions.
var ErrNotFound = errors.New("session not found")

// Session is an authenticated operator session with its anti-forgery token.
type Session struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Role        string `json:"role"`
	Token       string `json:"token"`
	CreatedAtMs int64  `json:"createdAtMs"`
	ExpiresAtMs int64  `json:"expiresAtMs,omitempty"` // 0 = no expiry
	RotatedAtMs int64  `json:"rotatedAtMs,omitempty"`
}

func (s Session) expired(nowMs int64) bool {
	return s.ExpiresAtMs != 0 && nowMs >= s.ExpiresAtMs
}

// Store manages persistent sessions in <stateDir>/sessions.json.
// All methods are concurrency-safe. The file is shared with the sessions
// CLI; a store re-reads it whenever its size or mtime moves.
type Store struct {
	mu       sync.Mutex
	sessions map[string]Session
	stateDir string
	now      func() time.Time
	seenMod  time.Time
	seenSize int64
}

// NewStore loads existing sessions from disk or starts empty.
func NewStore(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &Store{
		stateDir: stateDir,
		sessions: make(map[string]Session),
		now:      time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.markSeen()
	return s, nil
}

// Create starts a session for username with the given role. A zero ttl
// never expires.
func (s *Store) Create(username, role string, ttl time.Duration) (Session, error) {
	if username == "" {
		return Session{}, fmt.Errorf("username is required")
	}
	if role != RoleAdmin && role != RoleOperator {
		return Session{}, fmt.Errorf("invalid role %q (must be %q or %q)", role, RoleAdmin, RoleOperator)
	}

	now := s.now()
	sess := Session{
		ID:          uuid.NewString(),
		Username:    username,
		Role:        role,
		Token:       GenerateToken(),
		CreatedAtMs: now.UnixMilli(),
	}
	if ttl > 0 {
		sess.ExpiresAtMs = now.Add(ttl).UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync()
	s.sessions[sess.ID] = sess
	if err := s.save(); err != nil {
		delete(s.sessions, sess.ID)
		return Session{}, err
	}
	return sess, nil
}

// Get returns a live session by id.
func (s *Store) Get(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync()
	return s.live(id)
}

// List returns all sessions, newest first, including expired ones.
func (s *Store) List() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAtMs > out[j].CreatedAtMs
	})
	return out
}

// Revoke deletes a session. Returns false if it did not exist.
func (s *Store) Revoke(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync()

	sess, ok := s.sessions[id]
	if !ok {
		return false, nil
	}
	delete(s.sessions, id)
	if err := s.save(); err != nil {
		s.sessions[id] = sess
		return false, err
	}
	return true, nil
}

// PruneExpired removes expired sessions and returns how many were removed.
// When the state cannot be written nothing is removed.
func (s *Store) PruneExpired(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync()

	pruned := make(map[string]Session)
	for id, sess := range s.sessions {
		if sess.expired(now.UnixMilli()) {
			pruned[id] = sess
			delete(s.sessions, id)
		}
	}
	if len(pruned) == 0 {
		return 0, nil
	}
	if err := s.save(); err != nil {
		for id, sess := range pruned {
			s.sessions[id] = sess
		}
		return 0, err
	}
	return len(pruned), nil
}

// --- gateway collaborator contract ---

// IsAuthenticated reports whether id names a live session.
func (s *Store) IsAuthenticated(id string) bool {
	_, err := s.Get(id)
	return err == nil
}

// Role returns the session's role, or "" for unknown sessions.
func (s *Store) Role(id string) string {
	sess, err := s.Get(id)
	if err != nil {
		return ""
	}
	return sess.Role
}

// CurrentToken returns the session's current anti-forgery token.
func (s *Store) CurrentToken(id string) (string, error) {
	sess, err := s.Get(id)
	if err != nil {
		return "", err
	}
	return sess.Token, nil
}

// Rotate replaces the session's token and returns the new one. If the new
// token cannot be persisted the old one stays current.
func (s *Store) Rotate(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync()

	prev, err := s.live(id)
	if err != nil {
		return "", err
	}
	sess := prev
	sess.Token = GenerateToken()
	sess.RotatedAtMs = s.now().UnixMilli()
	s.sessions[id] = sess
	if err := s.save(); err != nil {
		s.sessions[id] = prev
		return "", err
	}
	return sess.Token, nil
}

// live must be called with mu held.
func (s *Store) live(id string) (Session, error) {
	sess, ok := s.sessions[id]
	if !ok || sess.expired(s.now().UnixMilli()) {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

// --- persistence ---

const stateFile = "sessions.json"

// save writes the state using an atomic rename. Must be called with mu held.
func (s *Store) save() error {
	target := filepath.Join(s.stateDir, stateFile)
	tmp := target + ".tmp"

	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", stateFile, err)
	}
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", stateFile, err)
	}
	s.markSeen()
	return nil
}

// sync reloads the file if another process rewrote it. A file that cannot
// be read or parsed leaves the in-memory sessions in place. Must be called
// with mu held.
func (s *Store) sync() {
	info, err := os.Stat(filepath.Join(s.stateDir, stateFile))
	if err != nil || (info.ModTime().Equal(s.seenMod) && info.Size() == s.seenSize) {
		return
	}
	prev := s.sessions
	s.sessions = make(map[string]Session)
	if err := s.load(); err != nil {
		s.sessions = prev
		return
	}
	s.seenMod, s.seenSize = info.ModTime(), info.Size()
}

func (s *Store) markSeen() {
	if info, err := os.Stat(filepath.Join(s.stateDir, stateFile)); err == nil {
		s.seenMod, s.seenSize = info.ModTime(), info.Size()
	}
}

func (s *Store) load() error {
	data, err := os.ReadFile(filepath.Join(s.stateDir, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", stateFile, err)
	}
	if err := json.Unmarshal(data, &s.sessions); err != nil {
		return fmt.Errorf("unmarshal %s: %w", stateFile, err)
	}
	if s.sessions == nil {
		s.sessions = make(map[string]Session)
	}
	return nil
}
