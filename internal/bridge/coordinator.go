// Package bridge implements the coordination protocol between a
// tool-calling caller and a single end-user device session. One
// Coordinator per paired user drives each conversational exchange to a
// terminal outcome (responded or timeout) without losing the caller's
// continuation and without allowing two exchanges to run concurrently.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/voicebridge/internal/classify"
	"github.com/nextlevelbuilder/voicebridge/internal/device"
	"github.com/nextlevelbuilder/voicebridge/internal/store"
)

const (
	// DefaultTimeout bounds an exchange when the caller doesn't tune it.
	DefaultTimeout = 10 * time.Minute
	// MinTimeout and MaxTimeout clamp caller-supplied timeouts.
	MinTimeout = 1 * time.Minute
	MaxTimeout = 60 * time.Minute

	// warmWindow is how recently the operator must have answered for a
	// follow-up in the same conversation to skip the announcement turn.
	warmWindow = 30 * time.Second

	// warningThreshold: a warning timer is armed only when the full
	// timeout exceeds it. warningLead is how long before expiry it fires.
	warningThreshold = 4 * time.Minute
	warningLead      = 1 * time.Minute

	showDurationMs = 30_000
)

// Lines spoken to the device operator. The operator always hears an
// explicit reason for a state change.
const (
	announceLine = "You have a message. Want to hear it now?"
	parkedLine   = "No problem. Say ready when you want to hear it."
	repromptLine = "Okay, I'll hold onto it. Say ready when you want to respond."
	warningLine  = "Reminder: you still have a waiting message. It expires in one minute."
	timeoutLine  = "The waiting message has expired. The sender will check back later."
)

// stage is where a live exchange currently is in its state machine.
type stage int

const (
	stageAnnouncing stage = iota
	stageDelivering
)

// parkedRequest is the single in-flight exchange slot. It exists from
// notify start to terminal resolution; parked flips true once the
// operator defers. Never persisted — the audit store only records
// outcomes.
type parkedRequest struct {
	id             uuid.UUID
	message        string
	conversationID uuid.UUID
	deadline       time.Time
	parked         bool

	// result receives exactly one outcome. Buffered so the resolving
	// side never blocks.
	result chan *Outcome

	timeoutTimer *time.Timer
	warningTimer *time.Timer
}

// Coordinator owns one user's bridge session: the conversation state,
// the parked-request slot, and all timers. All mutation goes through the
// coordinator's own methods; external code never touches fields directly.
type Coordinator struct {
	userID     string
	devices    *device.Registry
	classifier classify.Classifier
	audit      store.BridgeRequestStore

	mu               sync.Mutex
	credentialHash   string
	conversationID   uuid.UUID // zero when no conversation is active
	lastResponseTime time.Time
	pending          *parkedRequest
}

// NewCoordinator creates a coordinator for one user.
func NewCoordinator(userID string, devices *device.Registry, classifier classify.Classifier, audit store.BridgeRequestStore) *Coordinator {
	return &Coordinator{
		userID:     userID,
		devices:    devices,
		classifier: classifier,
		audit:      audit,
	}
}

// SetCredentialHash records the caller credential for audit rows.
func (c *Coordinator) SetCredentialHash(hash string) {
	c.mu.Lock()
	c.credentialHash = hash
	c.mu.Unlock()
}

// Notify runs one conversational exchange: announce, deliver, wait for a
// substantive answer. The call blocks until a terminal outcome — possibly
// for the full timeout; that is a deliberate long-lived operation, not a
// bug. Returns ErrBusy or ErrDeviceOffline without starting the state
// machine.
func (c *Coordinator) Notify(ctx context.Context, message string, timeout time.Duration) (*Outcome, error) {
	return c.notify(ctx, message, clampTimeout(timeout))
}

// clampTimeout applies the default and the [MinTimeout, MaxTimeout] bounds.
func clampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultTimeout
	}
	if timeout < MinTimeout {
		return MinTimeout
	}
	if timeout > MaxTimeout {
		return MaxTimeout
	}
	return timeout
}

// notify runs the exchange with an already-validated timeout.
func (c *Coordinator) notify(ctx context.Context, message string, timeout time.Duration) (*Outcome, error) {
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	sess := c.devices.Get(c.userID)
	if sess == nil {
		c.mu.Unlock()
		return nil, ErrDeviceOffline
	}

	// Warm-conversation shortcut: an unchanged conversation answered
	// moments ago skips the announcement turn.
	warm := c.conversationID != uuid.Nil &&
		!c.lastResponseTime.IsZero() &&
		time.Since(c.lastResponseTime) < warmWindow

	if c.conversationID == uuid.Nil {
		c.conversationID = store.GenNewID()
	}

	req := &parkedRequest{
		id:             store.GenNewID(),
		message:        message,
		conversationID: c.conversationID,
		deadline:       time.Now().Add(timeout),
		result:         make(chan *Outcome, 1),
	}
	req.timeoutTimer = time.AfterFunc(timeout, func() {
		c.expire(req.id, "timeout")
	})
	c.pending = req
	credHash := c.credentialHash
	c.mu.Unlock()

	c.auditCreate(req, credHash, message)

	slog.Info("bridge notify started",
		"user", c.userID,
		"request", req.id,
		"conversation", req.conversationID,
		"timeout", timeout,
		"warm", warm,
	)

	if warm {
		go c.deliver(sess, req.id)
	} else {
		go c.announce(sess, req.id)
	}

	select {
	case out := <-req.result:
		return out, nil
	case <-ctx.Done():
		// The caller went away; make sure the slot is released, then
		// collect the (possibly already buffered) outcome.
		c.expire(req.id, "caller disconnected")
		return <-req.result, nil
	}
}

// announce speaks the short fixed announcement and arms listening.
// Speech failures are never fatal — listening is set up regardless.
func (c *Coordinator) announce(sess device.Session, reqID uuid.UUID) {
	if err := sess.Speak(context.Background(), announceLine); err != nil {
		slog.Warn("announce speak failed", "user", c.userID, "error", err)
	}
	c.listen(sess, reqID, stageAnnouncing)
}

// deliver speaks the full message text and arms listening for the answer.
func (c *Coordinator) deliver(sess device.Session, reqID uuid.UUID) {
	c.mu.Lock()
	req := c.pending
	if req == nil || req.id != reqID {
		c.mu.Unlock()
		return
	}
	message := req.message
	c.mu.Unlock()

	sess.ShowMessage(message, showDurationMs)
	if err := sess.Speak(context.Background(), message); err != nil {
		slog.Warn("deliver speak failed", "user", c.userID, "error", err)
	}
	c.listen(sess, reqID, stageDelivering)
}

// listen installs the one-shot transcript callback and activates the
// device's listening capability. Only one callback slot exists; arming a
// new one invalidates any previous subscription.
func (c *Coordinator) listen(sess device.Session, reqID uuid.UUID, st stage) {
	sess.SetResponseCallback(func(transcript string) {
		c.onTranscript(reqID, st, transcript)
	})
	sess.ActivateListening()
}

// onTranscript routes a transcript through the state machine. A stale
// request id means the exchange already resolved; a substantive late
// transcript is then attached to the timed-out audit row instead.
func (c *Coordinator) onTranscript(reqID uuid.UUID, st stage, transcript string) {
	c.mu.Lock()
	req := c.pending
	if req == nil || req.id != reqID {
		c.mu.Unlock()
		c.lateBind(reqID, transcript)
		return
	}
	sess := c.devices.Get(c.userID)
	c.mu.Unlock()

	if sess == nil {
		c.expire(reqID, "session disconnected")
		return
	}

	deferral := c.classifier.IsDeferral(transcript)

	switch st {
	case stageAnnouncing:
		if deferral {
			c.park(sess, reqID, parkedLine)
			return
		}
		// Acceptance or unrecognized both deliver: benefit of the doubt.
		c.deliver(sess, reqID)

	case stageDelivering:
		if deferral {
			c.park(sess, reqID, repromptLine)
			return
		}
		c.resolveResponded(reqID, transcript)
	}
}

// park moves the exchange into the parked state: the caller's
// continuation stays open, and the operator is told how to resume. On a
// re-park (deferral during replay) the existing timers are untouched.
func (c *Coordinator) park(sess device.Session, reqID uuid.UUID, prompt string) {
	c.mu.Lock()
	req := c.pending
	if req == nil || req.id != reqID {
		c.mu.Unlock()
		return
	}
	firstPark := !req.parked
	req.parked = true

	if firstPark && req.warningTimer == nil {
		remaining := time.Until(req.deadline)
		if remaining > warningThreshold {
			req.warningTimer = time.AfterFunc(remaining-warningLead, func() {
				c.warn(reqID)
			})
		}
	}
	c.mu.Unlock()

	slog.Info("bridge request parked", "user", c.userID, "request", reqID, "first", firstPark)

	if err := sess.Speak(context.Background(), prompt); err != nil {
		slog.Warn("park prompt speak failed", "user", c.userID, "error", err)
	}
}

// warn speaks the one-minute-left reminder for a still-parked request.
func (c *Coordinator) warn(reqID uuid.UUID) {
	c.mu.Lock()
	req := c.pending
	if req == nil || req.id != reqID {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	sess := c.devices.Get(c.userID)
	if sess == nil {
		return
	}
	if err := sess.Speak(context.Background(), warningLine); err != nil {
		slog.Warn("warning speak failed", "user", c.userID, "error", err)
	}
}

// ReplayParked re-speaks the parked message after the operator signals
// readiness. A further deferral re-arms the parked state in place; a
// substantive transcript resolves the exchange.
func (c *Coordinator) ReplayParked() error {
	c.mu.Lock()
	req := c.pending
	if req == nil || !req.parked {
		c.mu.Unlock()
		return ErrNothingParked
	}
	reqID := req.id
	c.mu.Unlock()

	sess := c.devices.Get(c.userID)
	if sess == nil {
		return ErrDeviceOffline
	}

	slog.Info("bridge replay", "user", c.userID, "request", reqID)
	go c.deliver(sess, reqID)
	return nil
}

// Speak is the fire-and-forget side channel: announce, display, audit as
// immediately responded. Speech failure is reported but non-fatal.
func (c *Coordinator) Speak(ctx context.Context, message string) error {
	sess := c.devices.Get(c.userID)
	if sess == nil {
		return ErrDeviceOffline
	}

	sess.ShowMessage(message, showDurationMs)
	err := sess.Speak(ctx, message)
	if err != nil {
		slog.Warn("speak failed", "user", c.userID, "error", err)
	}

	c.mu.Lock()
	credHash := c.credentialHash
	convID := c.conversationID
	c.mu.Unlock()
	if convID == uuid.Nil {
		convID = store.GenNewID()
	}

	id := store.GenNewID()
	rec := &store.BridgeRequestRecord{
		ID:             id,
		CredentialHash: credHash,
		UserID:         c.userID,
		ConversationID: convID,
		Message:        message,
	}
	if aerr := c.audit.CreateRequest(ctx, rec); aerr != nil {
		slog.Warn("audit write failed", "request", id, "error", aerr)
	} else if aerr := c.audit.MarkResponded(ctx, id, ""); aerr != nil {
		slog.Warn("audit write failed", "request", id, "error", aerr)
	}
	return err
}

// End closes the conversation: drops any armed transcript callback so a
// stray late transcript cannot start a new exchange, optionally speaks a
// farewell, and clears conversation state. Reports whether the farewell
// was actually delivered.
func (c *Coordinator) End(ctx context.Context, farewell string) bool {
	sess := c.devices.Get(c.userID)

	delivered := false
	if sess != nil {
		sess.ClearResponseCallback()
		if farewell != "" {
			if err := sess.Speak(ctx, farewell); err != nil {
				slog.Warn("farewell speak failed", "user", c.userID, "error", err)
			} else {
				delivered = true
			}
		}
	}

	c.mu.Lock()
	c.conversationID = uuid.Nil
	c.lastResponseTime = time.Time{}
	c.mu.Unlock()

	slog.Info("bridge conversation ended", "user", c.userID, "farewell_delivered", delivered)
	return delivered
}

// Destroy handles the user disconnecting. A parked request is resolved
// with a disconnect-flavored timeout so the caller is never left waiting
// forever; all timers are cancelled.
func (c *Coordinator) Destroy() {
	c.expireAny("session disconnected")
}

// HasPending reports whether an exchange is in flight.
func (c *Coordinator) HasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// --- Resolution ---

// resolveResponded is the happy terminal path. Cancel timers before
// resolving so a concurrently firing timer observes a cleared slot and
// no-ops; the continuation is resumed exactly once.
func (c *Coordinator) resolveResponded(reqID uuid.UUID, transcript string) {
	c.mu.Lock()
	req := c.pending
	if req == nil || req.id != reqID {
		c.mu.Unlock()
		return
	}
	c.clearPendingLocked(req)
	c.lastResponseTime = time.Now()
	c.mu.Unlock()

	if err := c.audit.MarkResponded(context.Background(), req.id, transcript); err != nil {
		slog.Warn("audit write failed", "request", req.id, "error", err)
	}

	slog.Info("bridge request responded", "user", c.userID, "request", req.id)
	req.result <- &Outcome{
		Status:         OutcomeResponded,
		RequestID:      req.id,
		ConversationID: req.conversationID,
		Transcript:     transcript,
	}
}

// expire resolves a specific request with a timeout outcome. Guarded by
// request id so a leaked timer firing after the slot cleared is a no-op.
func (c *Coordinator) expire(reqID uuid.UUID, reason string) {
	c.mu.Lock()
	req := c.pending
	if req == nil || req.id != reqID {
		c.mu.Unlock()
		return
	}
	c.clearPendingLocked(req)
	c.mu.Unlock()

	c.finishTimeout(req, reason)
}

// expireAny resolves whatever request is pending, if any.
func (c *Coordinator) expireAny(reason string) {
	c.mu.Lock()
	req := c.pending
	if req == nil {
		c.mu.Unlock()
		return
	}
	c.clearPendingLocked(req)
	c.mu.Unlock()

	c.finishTimeout(req, reason)
}

func (c *Coordinator) finishTimeout(req *parkedRequest, reason string) {
	if err := c.audit.MarkTimeout(context.Background(), req.id); err != nil {
		slog.Warn("audit write failed", "request", req.id, "error", err)
	}

	// Tell the operator, if the device is still reachable. Best-effort:
	// the outcome is already decided.
	if reason == "timeout" {
		if sess := c.devices.Get(c.userID); sess != nil {
			if err := sess.Speak(context.Background(), timeoutLine); err != nil {
				slog.Warn("timeout notice speak failed", "user", c.userID, "error", err)
			}
		}
	}

	slog.Info("bridge request timed out", "user", c.userID, "request", req.id, "reason", reason)
	req.result <- &Outcome{
		Status:         OutcomeTimeout,
		RequestID:      req.id,
		ConversationID: req.conversationID,
		Reason:         reason,
	}
}

// clearPendingLocked cancels both timers and empties the slot. Must be
// called with c.mu held, before the outcome is sent.
func (c *Coordinator) clearPendingLocked(req *parkedRequest) {
	if req.timeoutTimer != nil {
		req.timeoutTimer.Stop()
	}
	if req.warningTimer != nil {
		req.warningTimer.Stop()
	}
	c.pending = nil
}

// lateBind attaches a substantive transcript that arrived after its
// request already timed out, so check_pending can surface it once.
func (c *Coordinator) lateBind(reqID uuid.UUID, transcript string) {
	if transcript == "" || c.classifier.IsDeferral(transcript) {
		return
	}
	if err := c.audit.AttachLateResponse(context.Background(), reqID, transcript); err != nil {
		slog.Debug("late transcript not attached", "request", reqID, "error", err)
		return
	}
	slog.Info("late response attached", "user", c.userID, "request", reqID)
}

func (c *Coordinator) auditCreate(req *parkedRequest, credHash, message string) {
	rec := &store.BridgeRequestRecord{
		ID:             req.id,
		CredentialHash: credHash,
		UserID:         c.userID,
		ConversationID: req.conversationID,
		Message:        message,
	}
	if err := c.audit.CreateRequest(context.Background(), rec); err != nil {
		slog.Warn("audit write failed", "request", req.id, "error", err)
	}
}
