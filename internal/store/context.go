package store

import "context"

type contextKey string

// CredentialHashKey is the context key for the caller's hashed credential.
const CredentialHashKey contextKey = "voicebridge_credential_hash"

// WithCredentialHash returns a new context carrying the credential hash.
func WithCredentialHash(ctx context.Context, hash string) context.Context {
	return context.WithValue(ctx, CredentialHashKey, hash)
}

// CredentialHashFromContext extracts the credential hash. Returns "" if not set.
func CredentialHashFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(CredentialHashKey).(string); ok {
		return v
	}
	return ""
}
