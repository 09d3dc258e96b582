package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// GenNewID generates a new UUID v7 (time-ordered).
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// ErrNotFound is returned when a row does not exist or is not in a state
// that permits the requested transition.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert collides with an existing key,
// e.g. a pairing code that is already live.
var ErrConflict = errors.New("conflict")

// BridgeRequestStatus is the lifecycle state of a bridge request.
type BridgeRequestStatus string

const (
	// StatusPending is the initial state while an exchange is in flight.
	StatusPending BridgeRequestStatus = "pending"
	// StatusResponded means the operator answered before the timeout. Terminal.
	StatusResponded BridgeRequestStatus = "responded"
	// StatusTimeout means the full timeout elapsed unanswered.
	StatusTimeout BridgeRequestStatus = "timeout"
	// StatusTimeoutResponded means a response was attached after timeout.
	StatusTimeoutResponded BridgeRequestStatus = "timeout_responded"
	// StatusConsumed means the late response was delivered once via
	// check_pending. Terminal.
	StatusConsumed BridgeRequestStatus = "consumed"
)

// BridgeRequestRecord is the durable audit row for one bridge exchange.
// It never holds live continuations — only their outcomes.
type BridgeRequestRecord struct {
	ID             uuid.UUID           `json:"id"`
	CredentialHash string              `json:"credential_hash"`
	UserID         string              `json:"user_id"`
	ConversationID uuid.UUID           `json:"conversation_id"`
	Message        string              `json:"message"`
	Response       string              `json:"response,omitempty"`
	Status         BridgeRequestStatus `json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
	RespondedAt    *time.Time          `json:"responded_at,omitempty"`
}

// PairingRecord binds a hashed caller credential to a device-owning user.
type PairingRecord struct {
	CredentialHash string    `json:"credential_hash"`
	UserID         string    `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// PairingCode is a short-lived numeric code minted by the caller and
// confirmed by the device owner. Single-use: once ClaimedBy is set the
// code can never be redeemed again, regardless of expiry.
type PairingCode struct {
	Code           string    `json:"code"`
	CredentialHash string    `json:"credential_hash"`
	ExpiresAt      time.Time `json:"expires_at"`
	ClaimedBy      string    `json:"claimed_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Claimed reports whether the code has already been redeemed.
func (c *PairingCode) Claimed() bool { return c.ClaimedBy != "" }

// Expired reports whether the code has passed its expiry.
func (c *PairingCode) Expired(now time.Time) bool { return now.After(c.ExpiresAt) }

// BridgeRequestStore is the audit/deferred-delivery store for bridge
// requests. Writes are best-effort from the protocol's perspective:
// callers log failures and proceed.
type BridgeRequestStore interface {
	// CreateRequest inserts a new row in status pending.
	CreateRequest(ctx context.Context, rec *BridgeRequestRecord) error
	// MarkResponded transitions pending → responded and sets responded_at.
	MarkResponded(ctx context.Context, id uuid.UUID, response string) error
	// MarkTimeout transitions pending → timeout.
	MarkTimeout(ctx context.Context, id uuid.UUID) error
	// AttachLateResponse transitions timeout → timeout_responded and sets
	// responded_at. Used when a transcript arrives for an already
	// timed-out request id.
	AttachLateResponse(ctx context.Context, id uuid.UUID, response string) error
	// GetRequest fetches a single row by id.
	GetRequest(ctx context.Context, id uuid.UUID) (*BridgeRequestRecord, error)
	// ConsumePending returns the credential's timeout and timeout_responded
	// rows, atomically flipping every returned timeout_responded row to
	// consumed so it is never surfaced twice.
	ConsumePending(ctx context.Context, credentialHash string) (timedOut, answered []BridgeRequestRecord, err error)
}

// PairingStore persists pairings and pairing codes.
type PairingStore interface {
	SaveCode(ctx context.Context, code *PairingCode) error
	GetCode(ctx context.Context, code string) (*PairingCode, error)
	// ClaimCode sets claimed_by iff the code is still unclaimed.
	ClaimCode(ctx context.Context, code, userID string) error
	// InvalidateCodes removes all unclaimed codes for a credential.
	InvalidateCodes(ctx context.Context, credentialHash string) error
	CreatePairing(ctx context.Context, rec *PairingRecord) error
	PairingByCredential(ctx context.Context, credentialHash string) (*PairingRecord, error)
	PairingByUser(ctx context.Context, userID string) (*PairingRecord, error)
	RemovePairing(ctx context.Context, credentialHash string) error
	ListPairings(ctx context.Context) ([]PairingRecord, error)
}
