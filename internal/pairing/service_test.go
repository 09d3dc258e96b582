package pairing

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/voicebridge/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewService(st), st
}

func TestHashCredentialStable(t *testing.T) {
	a := HashCredential("secret-key")
	b := HashCredential("secret-key")
	if a != b {
		t.Error("same credential must hash identically")
	}
	if a == HashCredential("other-key") {
		t.Error("different credentials must hash differently")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if strings.Contains(a, "secret") {
		t.Error("hash must not contain the plaintext")
	}
}

func TestMintCodeFormat(t *testing.T) {
	svc, _ := newTestService(t)

	code, err := svc.MintCode(context.Background(), HashCredential("key-1"))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if !regexp.MustCompile(`^\d{6}$`).MatchString(code.Code) {
		t.Errorf("expected a 6-digit code, got %q", code.Code)
	}
	ttl := time.Until(code.ExpiresAt)
	if ttl < 9*time.Minute || ttl > 11*time.Minute {
		t.Errorf("expected ~10 minute expiry, got %v", ttl)
	}
}

func TestMintCodeInvalidatesPrevious(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	credHash := HashCredential("key-1")

	first, err := svc.MintCode(ctx, credHash)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	second, err := svc.MintCode(ctx, credHash)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := st.GetCode(ctx, first.Code); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("first code should be invalidated, got %v", err)
	}
	if _, err := st.GetCode(ctx, second.Code); err != nil {
		t.Errorf("second code should be live, got %v", err)
	}
}

func TestClaimFlow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	credHash := HashCredential("key-1")

	code, err := svc.MintCode(ctx, credHash)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := svc.Claim(ctx, "alice", code.Code); err != nil {
		t.Fatalf("claim: %v", err)
	}

	userID, err := svc.Resolve(ctx, credHash)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if userID != "alice" {
		t.Errorf("resolved %q, want alice", userID)
	}

	// Single-use.
	if err := svc.Claim(ctx, "bob", code.Code); !errors.Is(err, ErrCodeClaimed) {
		t.Errorf("expected ErrCodeClaimed, got %v", err)
	}
}

func TestClaimUnknownCode(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.Claim(context.Background(), "alice", "000000"); !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("expected ErrCodeInvalid, got %v", err)
	}
}

func TestClaimExpiredCode(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	expired := &store.PairingCode{
		Code:           "987654",
		CredentialHash: HashCredential("key-1"),
		ExpiresAt:      time.Now().Add(-time.Minute),
	}
	if err := st.SaveCode(ctx, expired); err != nil {
		t.Fatal(err)
	}

	if err := svc.Claim(ctx, "alice", "987654"); !errors.Is(err, ErrCodeExpired) {
		t.Errorf("expected ErrCodeExpired, got %v", err)
	}
}

func TestOneActivePairingPerSide(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	code, err := svc.MintCode(ctx, HashCredential("key-1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Claim(ctx, "alice", code.Code); err != nil {
		t.Fatal(err)
	}

	// Paired credential cannot mint another code.
	if _, err := svc.MintCode(ctx, HashCredential("key-1")); !errors.Is(err, ErrAlreadyPaired) {
		t.Errorf("expected ErrAlreadyPaired minting for paired credential, got %v", err)
	}

	// Paired user cannot claim a second credential's code.
	code2, err := svc.MintCode(ctx, HashCredential("key-2"))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Claim(ctx, "alice", code2.Code); !errors.Is(err, ErrAlreadyPaired) {
		t.Errorf("expected ErrAlreadyPaired for paired user, got %v", err)
	}
}

func TestIssueKey(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	key, err := svc.IssueKey(ctx, "alice")
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}
	if !strings.HasPrefix(key, "vbk_") {
		t.Errorf("unexpected key format %q", key)
	}

	userID, err := svc.Resolve(ctx, HashCredential(key))
	if err != nil || userID != "alice" {
		t.Errorf("issued key should resolve to alice, got %q, %v", userID, err)
	}

	if _, err := svc.IssueKey(ctx, "alice"); !errors.Is(err, ErrAlreadyPaired) {
		t.Errorf("expected ErrAlreadyPaired on second issue, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	key, err := svc.IssueKey(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	credHash := HashCredential(key)

	if err := svc.Revoke(ctx, credHash); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.Resolve(ctx, credHash); !errors.Is(err, ErrNotPaired) {
		t.Errorf("expected ErrNotPaired after revoke, got %v", err)
	}
	if err := svc.Revoke(ctx, credHash); !errors.Is(err, ErrNotPaired) {
		t.Errorf("expected ErrNotPaired on double revoke, got %v", err)
	}

	// The credential can pair again after revocation.
	if _, err := svc.MintCode(ctx, credHash); err != nil {
		t.Errorf("revoked credential should mint again: %v", err)
	}
}
