package pairing

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/nextlevelbuilder/voicebridge/internal/store"
)

// CodeTTL is how long a minted pairing code stays redeemable.
const CodeTTL = 10 * time.Minute

// codeMintRetries bounds collision retries when minting a code. Six
// digits gives a million-slot space; collisions are vanishingly rare.
const codeMintRetries = 5

var (
	// ErrAlreadyPaired means the credential or the user already has an
	// active pairing. Exactly one pairing per side at a time.
	ErrAlreadyPaired = errors.New("already paired")
	// ErrCodeInvalid covers unknown codes. Deliberately indistinguishable
	// from a typo so codes cannot be probed.
	ErrCodeInvalid = errors.New("pairing code invalid")
	// ErrCodeExpired means the code existed but its window has passed.
	ErrCodeExpired = errors.New("pairing code expired")
	// ErrCodeClaimed means the code was already redeemed.
	ErrCodeClaimed = errors.New("pairing code already used")
	// ErrNotPaired means the credential has no active pairing.
	ErrNotPaired = errors.New("not paired")
)

// Service mints pairing codes, confirms claims from device owners, and
// resolves caller credentials to user ids.
type Service struct {
	store store.PairingStore
}

func NewService(st store.PairingStore) *Service {
	return &Service{store: st}
}

// HashCredential derives the storage key for a caller credential. Raw
// credentials are never persisted or logged.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// MintCode creates a fresh 6-digit pairing code for the credential,
// invalidating any earlier unclaimed codes so only one is live at a time.
func (s *Service) MintCode(ctx context.Context, credentialHash string) (*store.PairingCode, error) {
	if _, err := s.store.PairingByCredential(ctx, credentialHash); err == nil {
		return nil, ErrAlreadyPaired
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check pairing: %w", err)
	}

	if err := s.store.InvalidateCodes(ctx, credentialHash); err != nil {
		return nil, fmt.Errorf("invalidate old codes: %w", err)
	}

	now := time.Now().UTC()
	for attempt := 0; attempt < codeMintRetries; attempt++ {
		code := &store.PairingCode{
			Code:           randomCode(),
			CredentialHash: credentialHash,
			ExpiresAt:      now.Add(CodeTTL),
			CreatedAt:      now,
		}
		err := s.store.SaveCode(ctx, code)
		if err == nil {
			slog.Info("pairing code minted", "expires_at", code.ExpiresAt)
			return code, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("save code: %w", err)
		}
	}
	return nil, fmt.Errorf("could not mint a unique pairing code")
}

// Claim redeems a code on behalf of the device owner, creating the
// pairing. Called from the device's authenticated session.
func (s *Service) Claim(ctx context.Context, userID, code string) error {
	rec, err := s.store.GetCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return ErrCodeInvalid
	}
	if err != nil {
		return fmt.Errorf("lookup code: %w", err)
	}
	if rec.Claimed() {
		return ErrCodeClaimed
	}
	if rec.Expired(time.Now().UTC()) {
		return ErrCodeExpired
	}

	if _, err := s.store.PairingByUser(ctx, userID); err == nil {
		return ErrAlreadyPaired
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check user pairing: %w", err)
	}
	if _, err := s.store.PairingByCredential(ctx, rec.CredentialHash); err == nil {
		return ErrAlreadyPaired
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check credential pairing: %w", err)
	}

	if err := s.store.ClaimCode(ctx, code, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrCodeClaimed
		}
		return fmt.Errorf("claim code: %w", err)
	}

	err = s.store.CreatePairing(ctx, &store.PairingRecord{
		CredentialHash: rec.CredentialHash,
		UserID:         userID,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("create pairing: %w", err)
	}
	slog.Info("pairing established", "user", userID)
	return nil
}

// Resolve maps a credential hash to its paired user id.
func (s *Service) Resolve(ctx context.Context, credentialHash string) (string, error) {
	rec, err := s.store.PairingByCredential(ctx, credentialHash)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotPaired
	}
	if err != nil {
		return "", fmt.Errorf("resolve pairing: %w", err)
	}
	return rec.UserID, nil
}

// IssueKey pairs a user directly with a freshly generated credential,
// bypassing the code dance. Used by the operator CLI. The plaintext key
// is returned exactly once; only its hash is stored.
func (s *Service) IssueKey(ctx context.Context, userID string) (string, error) {
	if _, err := s.store.PairingByUser(ctx, userID); err == nil {
		return "", ErrAlreadyPaired
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("check user pairing: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	key := "vbk_" + hex.EncodeToString(raw)

	err := s.store.CreatePairing(ctx, &store.PairingRecord{
		CredentialHash: HashCredential(key),
		UserID:         userID,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("create pairing: %w", err)
	}
	slog.Info("credential key issued", "user", userID)
	return key, nil
}

// Revoke removes the credential's pairing.
func (s *Service) Revoke(ctx context.Context, credentialHash string) error {
	if err := s.store.RemovePairing(ctx, credentialHash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotPaired
		}
		return fmt.Errorf("remove pairing: %w", err)
	}
	return nil
}

// List returns all active pairings.
func (s *Service) List(ctx context.Context) ([]store.PairingRecord, error) {
	return s.store.ListPairings(ctx)
}

// randomCode returns a uniformly random 6-digit code, zero-padded.
func randomCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		// crypto/rand failing means the platform is broken.
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return fmt.Sprintf("%06d", n.Int64())
}
