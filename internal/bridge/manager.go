package bridge

import (
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/voicebridge/internal/classify"
	"github.com/nextlevelbuilder/voicebridge/internal/device"
	"github.com/nextlevelbuilder/voicebridge/internal/store"
)

// Manager keys coordinators by user id. Each coordinator is an isolated
// actor: parallelism exists only across users, and nothing outside a
// coordinator mutates its state.
type Manager struct {
	mu     sync.Mutex
	coords map[string]*Coordinator

	devices    *device.Registry
	classifier classify.Classifier
	audit      store.BridgeRequestStore
}

// NewManager creates the coordinator manager and wires device disconnects
// to coordinator destruction.
func NewManager(devices *device.Registry, classifier classify.Classifier, audit store.BridgeRequestStore) *Manager {
	m := &Manager{
		coords:     make(map[string]*Coordinator),
		devices:    devices,
		classifier: classifier,
		audit:      audit,
	}
	devices.OnDisconnect(m.Destroy)
	return m
}

// Coordinator returns the user's coordinator, creating it on first use.
func (m *Manager) Coordinator(userID string) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.coords[userID]
	if !ok {
		c = NewCoordinator(userID, m.devices, m.classifier, m.audit)
		m.coords[userID] = c
		slog.Debug("coordinator created", "user", userID)
	}
	return c
}

// Replay handles the device operator signalling readiness.
func (m *Manager) Replay(userID string) {
	m.mu.Lock()
	c, ok := m.coords[userID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := c.ReplayParked(); err != nil {
		slog.Debug("replay skipped", "user", userID, "error", err)
	}
}

// Destroy resolves any parked request for a disconnected user and drops
// the coordinator. A disconnect must never leave a caller waiting forever.
func (m *Manager) Destroy(userID string) {
	m.mu.Lock()
	c, ok := m.coords[userID]
	if ok {
		delete(m.coords, userID)
	}
	m.mu.Unlock()
	if ok {
		c.Destroy()
	}
}
