// Package server keeps the process-wide presence map in Registry: which
// username currently owns which live session.
package server

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Close codes sent to clients.
const (
	// CloseSuperseded ends a session taken over by a newer login of the same user.
	CloseSuperseded = 4000
	// CloseUnauthorized rejects a connection without a valid token.
	CloseUnauthorized = websocket.ClosePolicyViolation

	reasonSuperseded   = "superseded"
	reasonUnauthorized = "unauthorized"
	reasonShutdown     = "server shutting down"
)

// Registry maps each online username to its single live session. It stores
// routing handles only, never message content. All mutations run under one
// mutex and none of them perform I/O while holding it: evicting a session
// only signals its writer.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	log      *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		log:      log,
	}
}

// Register installs s as the session for username. A session already
// present is closed with the superseded signal and returned. Of two
// concurrent registrations the later one to take the lock wins.
func (r *Registry) Register(username string, s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.sessions[username]
	r.sessions[username] = s
	if previous != nil && previous != s {
		previous.close(CloseSuperseded, reasonSuperseded)
		r.log.Info("Session superseded", "username", username, "old_addr", previous.addr, "new_addr", s.addr)
	} else {
		previous = nil
	}

	r.log.Info("Session registered", "username", username, "addr", s.addr, "online", len(r.sessions))
	return previous
}

// Lookup returns the live session for username. A miss is the ordinary
// "recipient offline" case.
func (r *Registry) Lookup(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[username]
	return s, ok
}

// IsOnline reports whether username has a live session.
func (r *Registry) IsOnline(username string) bool {
	_, ok := r.Lookup(username)
	return ok
}

// Remove deletes the entry for username only if it still points at s, so a
// superseded session closing late cannot evict its replacement.
func (r *Registry) Remove(username string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[username]; !ok || current != s {
		return false
	}
	delete(r.sessions, username)
	r.log.Info("Session removed", "username", username, "addr", s.addr, "online", len(r.sessions))
	return true
}

// Count returns the number of online usernames.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll empties the registry and signals every session to close with
// code. It returns how many sessions were closed.
func (r *Registry) CloseAll(code int, reason string) int {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close(code, reason)
	}
	r.log.Info("Closed all sessions", "count", len(sessions))
	return len(sessions)
}
