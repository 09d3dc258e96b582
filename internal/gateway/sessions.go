package gateway

import (
	"errors"
	"sync"
	"time"
)

// sessionIdleTTL is how long a transport session may sit idle before a
// further tool call on it is rejected with a reconnect hint.
const sessionIdleTTL = 30 * time.Minute

// ErrSessionExpired means the transport session went idle past its TTL.
// The caller should open a fresh session and retry.
var ErrSessionExpired = errors.New("transport session expired, please reconnect")

// errCredentialMismatch means a known session id presented a different
// credential than the one it was opened with.
var errCredentialMismatch = errors.New("credential does not match session")

type sessionEntry struct {
	credentialHash string
	lastSeen       time.Time
}

// Sessions tracks live transport sessions by their MCP session id so an
// expired session produces a distinct, actionable error instead of a
// generic auth failure.
type Sessions struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewSessions() *Sessions {
	return &Sessions{
		entries: make(map[string]*sessionEntry),
		ttl:     sessionIdleTTL,
		now:     time.Now,
	}
}

// Touch registers or refreshes the session. An entry that sat idle past
// the TTL is dropped and the call fails with ErrSessionExpired; the next
// Touch on that id starts a fresh session.
func (s *Sessions) Touch(sessionID, credentialHash string) error {
	if sessionID == "" {
		// Stateless transports carry no session id; nothing to track.
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.entries[sessionID]
	if !ok {
		s.entries[sessionID] = &sessionEntry{credentialHash: credentialHash, lastSeen: now}
		return nil
	}
	if now.Sub(entry.lastSeen) > s.ttl {
		delete(s.entries, sessionID)
		return ErrSessionExpired
	}
	if entry.credentialHash != credentialHash {
		return errCredentialMismatch
	}
	entry.lastSeen = now
	return nil
}

// Drop forgets a session, e.g. when the transport closes it.
func (s *Sessions) Drop(sessionID string) {
	s.mu.Lock()
	delete(s.entries, sessionID)
	s.mu.Unlock()
}

// Sweep removes entries idle past twice the TTL. Entries between one and
// two TTLs stay so that Touch can still report ErrSessionExpired; Sweep
// only reclaims sessions nobody came back for.
func (s *Sessions) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-2 * s.ttl)
	removed := 0
	for id, entry := range s.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of tracked sessions.
func (s *Sessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
