package device

import (
	"log/slog"
	"sync"
)

// Registry tracks connected device sessions by user id. One session per
// user: a new connection for the same user replaces the old one.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session

	// onDisconnect fires after a session is removed. The bridge manager
	// uses it to destroy the user's coordinator so no caller is left
	// waiting forever.
	onDisconnect func(userID string)
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Session)}
}

// OnDisconnect registers the disconnect hook.
func (r *Registry) OnDisconnect(fn func(userID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = fn
}

// Register adds a session, closing any previous one for the same user.
func (r *Registry) Register(s Session) {
	r.mu.Lock()
	old := r.sessions[s.UserID()]
	r.sessions[s.UserID()] = s
	r.mu.Unlock()

	if old != nil && old != s {
		slog.Info("device session replaced", "user", s.UserID())
		if closer, ok := old.(interface{ Close() }); ok {
			closer.Close()
		}
	}
	slog.Info("device session registered", "user", s.UserID())
}

// Unregister removes a session if it is still the current one for its user.
func (r *Registry) Unregister(s Session) {
	r.mu.Lock()
	current, ok := r.sessions[s.UserID()]
	if !ok || current != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.UserID())
	hook := r.onDisconnect
	r.mu.Unlock()

	slog.Info("device session unregistered", "user", s.UserID())
	if hook != nil {
		hook(s.UserID())
	}
}

// Get returns the user's session, or nil if the device is offline.
func (r *Registry) Get(userID string) Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	if !ok {
		return nil
	}
	return s
}

// Online reports whether the user has a reachable device session.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

// ShutdownAll notifies every connected device that the server is going
// away and closes the connections. Used during graceful shutdown.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		switch v := s.(type) {
		case interface{ Shutdown() }:
			v.Shutdown()
		case interface{ Close() }:
			v.Close()
		}
	}
}

// Count returns the number of connected sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
