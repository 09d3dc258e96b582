package store

// validTransitions enumerates the allowed status moves. responded and
// consumed are terminal.
var validTransitions = map[BridgeRequestStatus][]BridgeRequestStatus{
	StatusPending:          {StatusResponded, StatusTimeout},
	StatusTimeout:          {StatusTimeoutResponded},
	StatusTimeoutResponded: {StatusConsumed},
}

// CanTransition reports whether a status move is allowed by the
// bridge request lifecycle.
func CanTransition(from, to BridgeRequestStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
