package protocol

// Device-bound events pushed by the server.
const (
	// EventSpeak asks the device to synthesize and play text.
	EventSpeak = "bridge.speak"
	// EventShow asks the device to display text for a duration.
	EventShow = "bridge.show"
	// EventListen arms the device's listening capability; the next
	// transcript is delivered via the bridge.transcript method.
	EventListen = "bridge.listen"
	// EventShutdown tells the device the server is going away.
	EventShutdown = "shutdown"
)

// Device-originated RPC methods.
const (
	// MethodConnect authenticates the device session (first frame).
	MethodConnect = "connect"
	// MethodTranscript delivers a transcript after a listen event.
	// An empty text means silence (the device heard nothing).
	MethodTranscript = "bridge.transcript"
	// MethodReady signals the operator wants a parked message replayed.
	MethodReady = "bridge.ready"
	// MethodPairingClaim confirms a caller-minted pairing code from the
	// device owner's authenticated session.
	MethodPairingClaim = "pairing.claim"
	// MethodHealth is a liveness probe.
	MethodHealth = "health"
)

// Payload shapes for device-bound events.

// SpeakPayload carries text for EventSpeak.
type SpeakPayload struct {
	Text string `json:"text"`
}

// ShowPayload carries text and display duration for EventShow.
type ShowPayload struct {
	Text       string `json:"text"`
	DurationMs int    `json:"duration_ms"`
}
