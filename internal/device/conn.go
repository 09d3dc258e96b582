package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/voicebridge/pkg/protocol"
)

// Hooks are the server-side handlers a Conn dispatches device RPCs to.
type Hooks struct {
	// OnReady fires when the operator signals readiness for a parked message.
	OnReady func(userID string)
	// OnPairingClaim confirms a pairing code from the device owner's
	// authenticated session.
	OnPairingClaim func(ctx context.Context, userID, code string) error
}

// maxWSMessageSize is the maximum allowed WebSocket message size (64KB).
// Transcripts and control frames are small; anything bigger is a bug.
const maxWSMessageSize = 64 * 1024

// Conn is a single connected device session over WebSocket.
type Conn struct {
	id     string
	userID string
	conn   *websocket.Conn
	hooks  Hooks

	// send is never closed; Close signals writePump via done instead, so
	// a concurrent enqueue can never hit a closed channel.
	send chan []byte
	done chan struct{}

	mu       sync.Mutex
	callback func(transcript string) // one-shot transcript callback
	closed   bool
}

// NewConn wraps an authenticated WebSocket connection for the given user.
func NewConn(ws *websocket.Conn, userID string, hooks Hooks) *Conn {
	return &Conn{
		id:     uuid.NewString(),
		userID: userID,
		conn:   ws,
		hooks:  hooks,
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

// Run starts the read and write pumps. It blocks until the connection
// drops, then unregisters from the registry.
func (c *Conn) Run(ctx context.Context, registry *Registry) {
	registry.Register(c)
	go c.writePump()
	c.readPump(ctx)
	registry.Unregister(c)
}

func (c *Conn) readPump(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxWSMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("device read error", "user", c.userID, "error", err)
			}
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		c.handleFrame(ctx, data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handleFrame(ctx context.Context, data []byte) {
	frameType, err := protocol.ParseFrameType(data)
	if err != nil || frameType != protocol.FrameTypeRequest {
		c.sendError("", protocol.ErrInvalidRequest, "expected request frame")
		return
	}

	var req protocol.RequestFrame
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", protocol.ErrInvalidRequest, "malformed request: "+err.Error())
		return
	}

	switch req.Method {
	case protocol.MethodTranscript:
		var params struct {
			Text string `json:"text"`
		}
		if req.Params != nil {
			json.Unmarshal(req.Params, &params)
		}
		c.deliverTranscript(params.Text)
		c.sendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"received": true}))

	case protocol.MethodReady:
		if c.hooks.OnReady != nil {
			c.hooks.OnReady(c.userID)
		}
		c.sendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"acknowledged": true}))

	case protocol.MethodPairingClaim:
		var params struct {
			Code string `json:"code"`
		}
		if req.Params != nil {
			json.Unmarshal(req.Params, &params)
		}
		if c.hooks.OnPairingClaim == nil {
			c.sendError(req.ID, protocol.ErrInternal, "pairing not available")
			return
		}
		if err := c.hooks.OnPairingClaim(ctx, c.userID, params.Code); err != nil {
			c.sendError(req.ID, protocol.ErrCodeInvalid, err.Error())
			return
		}
		c.sendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"paired": true}))

	case protocol.MethodHealth:
		c.sendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"status": "ok"}))

	default:
		c.sendError(req.ID, protocol.ErrInvalidRequest, "unknown method: "+req.Method)
	}
}

// deliverTranscript fires the one-shot callback. Taking the callback
// before invoking it guarantees at-most-once delivery per activation.
func (c *Conn) deliverTranscript(text string) {
	c.mu.Lock()
	cb := c.callback
	c.callback = nil
	c.mu.Unlock()

	if cb == nil {
		slog.Debug("transcript with no armed callback, dropped", "user", c.userID)
		return
	}
	cb(text)
}

// --- Session interface ---

func (c *Conn) UserID() string { return c.userID }

func (c *Conn) Speak(ctx context.Context, text string) error {
	return c.sendEvent(protocol.NewEvent(protocol.EventSpeak, protocol.SpeakPayload{Text: text}))
}

func (c *Conn) ShowMessage(text string, durationMs int) {
	c.sendEvent(protocol.NewEvent(protocol.EventShow, protocol.ShowPayload{Text: text, DurationMs: durationMs}))
}

func (c *Conn) ActivateListening() {
	c.sendEvent(protocol.NewEvent(protocol.EventListen, nil))
}

func (c *Conn) SetResponseCallback(cb func(transcript string)) {
	c.mu.Lock()
	c.callback = cb
	c.mu.Unlock()
}

func (c *Conn) ClearResponseCallback() {
	c.mu.Lock()
	c.callback = nil
	c.mu.Unlock()
}

// --- Wire helpers ---

func (c *Conn) sendEvent(event *protocol.EventFrame) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.enqueue(data)
}

func (c *Conn) sendResponse(resp *protocol.ResponseFrame) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("marshal response failed", "error", err)
		return
	}
	c.enqueue(data)
}

func (c *Conn) sendError(id, code, message string) {
	c.sendResponse(protocol.NewErrorResponse(id, code, message))
}

func (c *Conn) enqueue(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("device session closed")
	}
	c.mu.Unlock()

	select {
	case c.send <- data:
		return nil
	default:
		slog.Warn("device send buffer full, dropping message", "user", c.userID)
		return fmt.Errorf("device send buffer full")
	}
}

// Shutdown tells the device the server is going away, then closes.
func (c *Conn) Shutdown() {
	c.sendEvent(protocol.NewEvent(protocol.EventShutdown, nil))
	c.Close()
}

// Close shuts down the connection.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
}
