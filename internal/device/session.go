// Package device manages connected end-user device sessions: speech
// output, visual display, and listening activation over WebSocket.
package device

import "context"

// Session is the bridge coordinator's view of one connected device.
//
// The response callback is a one-shot subscription: activating listening
// arms the next transcript for delivery to the registered callback, which
// fires at most once per activation and is implicitly invalidated by
// installing another.
type Session interface {
	UserID() string

	// Speak asks the device to synthesize and play text. Failures are
	// non-fatal to the protocol; callers log and proceed.
	Speak(ctx context.Context, text string) error

	// ShowMessage displays text on the device for a duration. Fire-and-forget.
	ShowMessage(text string, durationMs int)

	// ActivateListening arms the device's listening capability. The next
	// transcript is delivered to the callback installed via
	// SetResponseCallback.
	ActivateListening()

	// SetResponseCallback installs the one-shot transcript callback,
	// replacing any previous one.
	SetResponseCallback(cb func(transcript string))

	// ClearResponseCallback drops the installed callback so a stray late
	// transcript cannot be misrouted.
	ClearResponseCallback()
}
