package device

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/voicebridge/pkg/protocol"
)

// TokenValidator checks a device's auth token for a user id.
type TokenValidator func(userID, token string) bool

// Server upgrades device WebSocket connections and runs the connect
// handshake before handing the session to the registry.
type Server struct {
	registry *Registry
	validate TokenValidator
	hooks    Hooks
	upgrader websocket.Upgrader
}

func NewServer(registry *Registry, validate TokenValidator, hooks Hooks) *Server {
	return &Server{
		registry: registry,
		validate: validate,
		hooks:    hooks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Devices connect from firmware, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /device — upgrade, handshake, then pump frames.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("device upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	userID, ok := s.handshake(ws)
	if !ok {
		ws.Close()
		return
	}

	conn := NewConn(ws, userID, s.hooks)
	conn.sendResponse(protocol.NewOKResponse("connect", map[string]interface{}{
		"protocol": protocol.ProtocolVersion,
		"user_id":  userID,
		"server": map[string]interface{}{
			"name": "voicebridge",
		},
	}))
	conn.Run(r.Context(), s.registry)
}

// handshake reads the first frame, which must be a connect request with
// valid credential material.
func (s *Server) handshake(ws *websocket.Conn) (string, bool) {
	ws.SetReadLimit(maxWSMessageSize)
	ws.SetReadDeadline(time.Now().Add(10 * time.Second))

	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", false
	}

	var req protocol.RequestFrame
	if err := json.Unmarshal(data, &req); err != nil || req.Method != protocol.MethodConnect {
		writeHandshakeError(ws, req.ID, protocol.ErrInvalidRequest, "first request must be 'connect'")
		return "", false
	}

	var params struct {
		UserID string `json:"user_id"`
		Token  string `json:"token"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	if params.UserID == "" || params.Token == "" {
		writeHandshakeError(ws, req.ID, protocol.ErrUnauthorized, "user_id and token are required")
		return "", false
	}
	if s.validate != nil && !s.validate(params.UserID, params.Token) {
		slog.Warn("device auth failed", "user", params.UserID)
		writeHandshakeError(ws, req.ID, protocol.ErrUnauthorized, "invalid device token")
		return "", false
	}

	return params.UserID, true
}

func writeHandshakeError(ws *websocket.Conn, id, code, message string) {
	data, err := json.Marshal(protocol.NewErrorResponse(id, code, message))
	if err != nil {
		return
	}
	ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	ws.WriteMessage(websocket.TextMessage, data)
}
