package gateway

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSessionsTouchAndExpiry(t *testing.T) {
	s := NewSessions()
	now := time.Now()
	s.now = func() time.Time { return now }

	if err := s.Touch("sess-1", "cred-a"); err != nil {
		t.Fatalf("first touch: %v", err)
	}
	if s.Count() != 1 {
		t.Errorf("count = %d", s.Count())
	}

	// Within the TTL the session keeps working.
	now = now.Add(sessionIdleTTL - time.Minute)
	if err := s.Touch("sess-1", "cred-a"); err != nil {
		t.Errorf("touch within ttl: %v", err)
	}

	// Past the TTL the caller gets the reconnect hint, once; the next
	// touch starts a fresh session.
	now = now.Add(sessionIdleTTL + time.Minute)
	if err := s.Touch("sess-1", "cred-a"); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("expected ErrSessionExpired, got %v", err)
	}
	if err := s.Touch("sess-1", "cred-a"); err != nil {
		t.Errorf("re-touch after expiry should start fresh: %v", err)
	}
}

func TestSessionsCredentialMismatch(t *testing.T) {
	s := NewSessions()
	if err := s.Touch("sess-1", "cred-a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Touch("sess-1", "cred-b"); err == nil {
		t.Error("expected error for credential swap on a live session")
	}
}

func TestSessionsStatelessTransport(t *testing.T) {
	s := NewSessions()
	if err := s.Touch("", "cred-a"); err != nil {
		t.Errorf("empty session id must be a no-op, got %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("stateless touch tracked a session")
	}
}

func TestSessionsSweep(t *testing.T) {
	s := NewSessions()
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Touch("abandoned", "cred-a")
	now = now.Add(2*sessionIdleTTL + time.Minute)
	s.Touch("fresh", "cred-b")

	if removed := s.Sweep(); removed != 1 {
		t.Errorf("sweep removed %d, want 1", removed)
	}
	if s.Count() != 1 {
		t.Errorf("count after sweep = %d", s.Count())
	}
}

// A session idle past the TTL but not yet twice the TTL must survive the
// sweep so the owner's next call still gets the reconnect hint instead of
// silently starting a fresh session.
func TestSessionsSweepKeepsExpiryEvidence(t *testing.T) {
	s := NewSessions()
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Touch("sess-1", "cred-a")
	now = now.Add(sessionIdleTTL + 5*time.Minute)

	if removed := s.Sweep(); removed != 0 {
		t.Fatalf("sweep removed %d expired-but-recent entries", removed)
	}
	if err := s.Touch("sess-1", "cred-a"); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("expected ErrSessionExpired after sweep, got %v", err)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	if !rl.Enabled() {
		t.Fatal("limiter should be enabled")
	}

	// Burst of 2 allowed, third immediately denied.
	if !rl.Allow("cred-a") || !rl.Allow("cred-a") {
		t.Fatal("burst should be allowed")
	}
	if rl.Allow("cred-a") {
		t.Error("third immediate request should be limited")
	}

	// Keys are independent.
	if !rl.Allow("cred-b") {
		t.Error("fresh key should have its own bucket")
	}
}

// Allow stamps activity on every request while the cleanup pass reads the
// stamps concurrently; the race detector keeps this honest.
func TestRateLimiterCleanupConcurrentWithAllow(t *testing.T) {
	rl := NewRateLimiter(1000, 10)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := []string{"cred-a", "cred-b"}[w%2]
			for i := 0; i < 200; i++ {
				rl.Allow(key)
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			rl.cleanup()
		}
	}()
	wg.Wait()

	// Active keys survive the cleanup passes.
	if !rl.Allow("cred-a") && !rl.Allow("cred-b") {
		t.Error("active buckets should remain usable after cleanup")
	}
}

func TestRateLimiterCleanupReclaimsIdle(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.Allow("cred-a")

	entry, ok := rl.limiters.Load("cred-a")
	if !ok {
		t.Fatal("bucket should exist after Allow")
	}
	entry.(*limiterEntry).lastSeen.Store(time.Now().Add(-limiterIdle - time.Minute).UnixNano())

	rl.cleanup()
	if _, ok := rl.limiters.Load("cred-a"); ok {
		t.Error("idle bucket should be reclaimed")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.Enabled() {
		t.Error("rps<=0 should disable the limiter")
	}
	for i := 0; i < 100; i++ {
		if !rl.Allow("cred-a") {
			t.Fatal("disabled limiter must always allow")
		}
	}
}
