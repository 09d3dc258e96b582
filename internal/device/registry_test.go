package device

import (
	"context"
	"testing"
)

type stubSession struct {
	userID string
	closed bool
}

func (s *stubSession) UserID() string { return s.userID }

func (s *stubSession) Speak(ctx context.Context, _ string) error { return nil }

func (s *stubSession) ShowMessage(_ string, _ int) {}

func (s *stubSession) ActivateListening() {}

func (s *stubSession) SetResponseCallback(_ func(string)) {}

func (s *stubSession) ClearResponseCallback() {}

func (s *stubSession) Close() { s.closed = true }

func TestRegistryRegisterReplaces(t *testing.T) {
	r := NewRegistry()

	first := &stubSession{userID: "alice"}
	second := &stubSession{userID: "alice"}

	r.Register(first)
	if !r.Online("alice") {
		t.Fatal("alice should be online")
	}

	r.Register(second)
	if !first.closed {
		t.Error("replaced session should be closed")
	}
	if r.Get("alice") != Session(second) {
		t.Error("registry should hold the new session")
	}
	if r.Count() != 1 {
		t.Errorf("count = %d", r.Count())
	}
}

func TestRegistryUnregisterOnlyCurrent(t *testing.T) {
	r := NewRegistry()

	fired := 0
	r.OnDisconnect(func(userID string) { fired++ })

	first := &stubSession{userID: "alice"}
	second := &stubSession{userID: "alice"}
	r.Register(first)
	r.Register(second)

	// The stale connection's unregister must not evict the replacement
	// or fire the disconnect hook.
	r.Unregister(first)
	if !r.Online("alice") {
		t.Error("stale unregister evicted the current session")
	}
	if fired != 0 {
		t.Errorf("hook fired %d times for stale unregister", fired)
	}

	r.Unregister(second)
	if r.Online("alice") {
		t.Error("alice should be offline")
	}
	if fired != 1 {
		t.Errorf("hook fired %d times, want 1", fired)
	}
}

func TestRegistryGetOffline(t *testing.T) {
	r := NewRegistry()
	if sess := r.Get("nobody"); sess != nil {
		t.Errorf("expected nil for offline user, got %v", sess)
	}
}
