package bridge

import (
	"errors"

	"github.com/google/uuid"
)

// OutcomeStatus is the terminal result of a notify exchange. Exactly one
// of responded or timeout is delivered per notify call — timeout is a
// normal result ("check back later"), not an error.
type OutcomeStatus string

const (
	OutcomeResponded OutcomeStatus = "responded"
	OutcomeTimeout   OutcomeStatus = "timeout"
)

// Outcome is what a notify call resolves with.
type Outcome struct {
	Status         OutcomeStatus `json:"status"`
	RequestID      uuid.UUID     `json:"request_id"`
	ConversationID uuid.UUID     `json:"conversation_id"`
	Transcript     string        `json:"transcript,omitempty"`
	// Reason qualifies timeout outcomes: "timeout", "session disconnected",
	// or "caller disconnected".
	Reason string `json:"reason,omitempty"`
}

// Errors that prevent starting an exchange. These reject the call fast,
// before any timer is created.
var (
	// ErrBusy means a parked or in-flight exchange already exists for the
	// user. A second concurrent notify is a caller error, not a queued
	// request.
	ErrBusy = errors.New("an exchange is already in progress for this user")
	// ErrDeviceOffline means the user has no reachable device session.
	ErrDeviceOffline = errors.New("device is offline")
	// ErrNothingParked means replay was requested with no parked message.
	ErrNothingParked = errors.New("no parked message")
)
