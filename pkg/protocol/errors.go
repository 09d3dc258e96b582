package protocol

// Stable error codes surfaced to both the device transport and the
// caller-facing tool gateway.
const (
	ErrInvalidRequest = "INVALID_REQUEST"
	ErrUnauthorized   = "UNAUTHORIZED"
	ErrNotFound       = "NOT_FOUND"
	ErrInternal       = "INTERNAL"

	// ErrNotPaired means the caller credential has no active pairing.
	ErrNotPaired = "NOT_PAIRED"
	// ErrAlreadyPaired means the credential or user already has an active pairing.
	ErrAlreadyPaired = "ALREADY_PAIRED"
	// ErrDeviceOffline means the paired user has no reachable device session.
	ErrDeviceOffline = "DEVICE_OFFLINE"
	// ErrExchangeBusy means a parked or in-flight exchange already exists for the user.
	ErrExchangeBusy = "EXCHANGE_IN_PROGRESS"
	// ErrSessionExpired means the transport session id is unknown or expired;
	// the caller must reconnect. Distinct from UNAUTHORIZED.
	ErrSessionExpired = "SESSION_EXPIRED"
	// ErrCodeInvalid means a pairing code is unknown, expired, or already claimed.
	ErrCodeInvalid = "PAIRING_CODE_INVALID"
	// ErrRateLimited means the credential exceeded the request rate limit.
	ErrRateLimited = "RATE_LIMITED"
)
