package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRecord() *BridgeRequestRecord {
	return &BridgeRequestRecord{
		ID:             GenNewID(),
		CredentialHash: "cred-hash-1",
		UserID:         "alice",
		ConversationID: GenNewID(),
		Message:        "are we still on for lunch?",
	}
}

func TestRequestLifecycleResponded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := newTestRecord()
	if err := s.CreateRequest(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetRequest(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.RespondedAt != nil {
		t.Error("pending row must not have responded_at")
	}

	if err := s.MarkResponded(ctx, rec.ID, "yes, see you at noon"); err != nil {
		t.Fatalf("mark responded: %v", err)
	}

	got, err = s.GetRequest(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusResponded {
		t.Errorf("expected responded, got %s", got.Status)
	}
	if got.Response != "yes, see you at noon" {
		t.Errorf("unexpected response %q", got.Response)
	}
	if got.RespondedAt == nil {
		t.Error("responded row must have responded_at")
	}
}

func TestGuardedTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := newTestRecord()
	if err := s.CreateRequest(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkResponded(ctx, rec.ID, "done"); err != nil {
		t.Fatalf("mark responded: %v", err)
	}

	// A responded row cannot time out or respond twice.
	if err := s.MarkTimeout(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on timeout-after-responded, got %v", err)
	}
	if err := s.MarkResponded(ctx, rec.ID, "again"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double respond, got %v", err)
	}

	got, _ := s.GetRequest(ctx, rec.ID)
	if got.Response != "done" {
		t.Errorf("response overwritten: %q", got.Response)
	}
}

func TestLateResponseLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := newTestRecord()
	if err := s.CreateRequest(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkTimeout(ctx, rec.ID); err != nil {
		t.Fatalf("mark timeout: %v", err)
	}

	// Late response only attaches to a timed-out row.
	if err := s.AttachLateResponse(ctx, rec.ID, "sorry, yes"); err != nil {
		t.Fatalf("attach late response: %v", err)
	}

	got, err := s.GetRequest(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusTimeoutResponded {
		t.Errorf("expected timeout_responded, got %s", got.Status)
	}
	if got.RespondedAt == nil {
		t.Error("timeout_responded row must have responded_at")
	}

	// Attaching twice is rejected.
	if err := s.AttachLateResponse(ctx, rec.ID, "another"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double attach, got %v", err)
	}
}

func TestAttachLateResponseRequiresTimeout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := newTestRecord()
	if err := s.CreateRequest(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.AttachLateResponse(ctx, rec.ID, "too early"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound attaching to pending row, got %v", err)
	}
}

func TestConsumePendingFlipsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	timedOut := newTestRecord()
	answered := newTestRecord()
	other := newTestRecord()
	other.CredentialHash = "someone-else"

	for _, rec := range []*BridgeRequestRecord{timedOut, answered, other} {
		if err := s.CreateRequest(ctx, rec); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.MarkTimeout(ctx, rec.ID); err != nil {
			t.Fatalf("mark timeout: %v", err)
		}
	}
	if err := s.AttachLateResponse(ctx, answered.ID, "late answer"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	to, ans, err := s.ConsumePending(ctx, "cred-hash-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(to) != 1 || to[0].ID != timedOut.ID {
		t.Errorf("expected 1 timed-out row for the credential, got %d", len(to))
	}
	if len(ans) != 1 || ans[0].ID != answered.ID {
		t.Fatalf("expected 1 answered row, got %d", len(ans))
	}
	if ans[0].Response != "late answer" {
		t.Errorf("unexpected response %q", ans[0].Response)
	}

	// The late reply is surfaced exactly once.
	to, ans, err = s.ConsumePending(ctx, "cred-hash-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(ans) != 0 {
		t.Errorf("answered row surfaced twice")
	}
	if len(to) != 1 {
		t.Errorf("plain timeout rows should keep appearing, got %d", len(to))
	}

	got, _ := s.GetRequest(ctx, answered.ID)
	if got.Status != StatusConsumed {
		t.Errorf("expected consumed, got %s", got.Status)
	}
}

func TestPairingCodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := &PairingCode{
		Code:           "123456",
		CredentialHash: "cred-a",
		ExpiresAt:      time.Now().Add(10 * time.Minute),
	}
	if err := s.SaveCode(ctx, code); err != nil {
		t.Fatalf("save code: %v", err)
	}

	// Duplicate code is a conflict, not an overwrite.
	dup := &PairingCode{Code: "123456", CredentialHash: "cred-b", ExpiresAt: code.ExpiresAt}
	if err := s.SaveCode(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on duplicate code, got %v", err)
	}

	got, err := s.GetCode(ctx, "123456")
	if err != nil {
		t.Fatalf("get code: %v", err)
	}
	if got.CredentialHash != "cred-a" {
		t.Errorf("duplicate overwrote original: %s", got.CredentialHash)
	}
	if got.Claimed() {
		t.Error("fresh code must be unclaimed")
	}

	if err := s.ClaimCode(ctx, "123456", "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Single-use: a second claim fails.
	if err := s.ClaimCode(ctx, "123456", "bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second claim, got %v", err)
	}

	got, _ = s.GetCode(ctx, "123456")
	if got.ClaimedBy != "alice" {
		t.Errorf("claimed_by = %q, want alice", got.ClaimedBy)
	}
}

func TestInvalidateCodesSparesClaimed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	claimed := &PairingCode{Code: "111111", CredentialHash: "cred-a", ExpiresAt: time.Now().Add(time.Minute)}
	fresh := &PairingCode{Code: "222222", CredentialHash: "cred-a", ExpiresAt: time.Now().Add(time.Minute)}
	if err := s.SaveCode(ctx, claimed); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCode(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	if err := s.ClaimCode(ctx, "111111", "alice"); err != nil {
		t.Fatal(err)
	}

	if err := s.InvalidateCodes(ctx, "cred-a"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	if _, err := s.GetCode(ctx, "222222"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unclaimed code should be gone, got %v", err)
	}
	if _, err := s.GetCode(ctx, "111111"); err != nil {
		t.Errorf("claimed code should survive invalidation, got %v", err)
	}
}

func TestPairingsUniqueBothWays(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &PairingRecord{CredentialHash: "cred-a", UserID: "alice"}
	if err := s.CreatePairing(ctx, rec); err != nil {
		t.Fatalf("create pairing: %v", err)
	}

	// Same credential, different user.
	if err := s.CreatePairing(ctx, &PairingRecord{CredentialHash: "cred-a", UserID: "bob"}); err == nil {
		t.Error("expected error pairing the same credential twice")
	}
	// Same user, different credential.
	if err := s.CreatePairing(ctx, &PairingRecord{CredentialHash: "cred-b", UserID: "alice"}); err == nil {
		t.Error("expected error pairing the same user twice")
	}

	byCred, err := s.PairingByCredential(ctx, "cred-a")
	if err != nil || byCred.UserID != "alice" {
		t.Errorf("by credential: %v %v", byCred, err)
	}
	byUser, err := s.PairingByUser(ctx, "alice")
	if err != nil || byUser.CredentialHash != "cred-a" {
		t.Errorf("by user: %v %v", byUser, err)
	}

	if err := s.RemovePairing(ctx, "cred-a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := s.PairingByCredential(ctx, "cred-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after removal, got %v", err)
	}
	if err := s.RemovePairing(ctx, "cred-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double removal, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]BridgeRequestStatus{
		{StatusPending, StatusResponded},
		{StatusPending, StatusTimeout},
		{StatusTimeout, StatusTimeoutResponded},
		{StatusTimeoutResponded, StatusConsumed},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Errorf("%s → %s should be allowed", pair[0], pair[1])
		}
	}

	forbidden := [][2]BridgeRequestStatus{
		{StatusResponded, StatusTimeout},
		{StatusResponded, StatusConsumed},
		{StatusTimeout, StatusResponded},
		{StatusConsumed, StatusTimeoutResponded},
		{StatusPending, StatusConsumed},
	}
	for _, pair := range forbidden {
		if CanTransition(pair[0], pair[1]) {
			t.Errorf("%s → %s should be forbidden", pair[0], pair[1])
		}
	}
}
