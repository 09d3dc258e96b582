package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/voicebridge/internal/bridge"
	"github.com/nextlevelbuilder/voicebridge/internal/pairing"
	"github.com/nextlevelbuilder/voicebridge/internal/store"
	"github.com/nextlevelbuilder/voicebridge/pkg/protocol"
)

// serverName and serverVersion identify this gateway to MCP clients.
const (
	serverName    = "voicebridge"
	serverVersion = "1.0.0"
)

type credentialKey struct{}

// Server is the caller-facing tool gateway. It exposes the bridge
// operations as MCP tools over streamable HTTP.
type Server struct {
	mcp      *server.MCPServer
	streamer *server.StreamableHTTPServer

	pairing  *pairing.Service
	bridges  *bridge.Manager
	audit    store.BridgeRequestStore
	sessions *Sessions
	limiter  *RateLimiter
	tracer   trace.Tracer
}

// NewServer wires the MCP server and its tool handlers.
func NewServer(pairingSvc *pairing.Service, bridges *bridge.Manager, audit store.BridgeRequestStore, limiter *RateLimiter) *Server {
	s := &Server{
		pairing:  pairingSvc,
		bridges:  bridges,
		audit:    audit,
		sessions: NewSessions(),
		limiter:  limiter,
		tracer:   otel.Tracer("voicebridge/gateway"),
	}

	s.mcp = server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools()

	s.streamer = server.NewStreamableHTTPServer(s.mcp,
		server.WithHTTPContextFunc(extractCredential),
	)
	return s
}

// Handler returns the HTTP handler for the MCP endpoint. Requests with
// no credential at all are rejected before the MCP layer, so a session
// can never initialize anonymously.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !hasCredential(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintf(w, `{"error":{"code":%q,"message":"credential required"}}`, protocol.ErrUnauthorized)
			return
		}
		s.streamer.ServeHTTP(w, r)
	})
}

func hasCredential(r *http.Request) bool {
	if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		return true
	}
	return r.Header.Get("X-Bridge-Key") != "" || r.URL.Query().Get("key") != ""
}

// Sessions exposes the transport session tracker for the serve loop's
// periodic sweep.
func (s *Server) Sessions() *Sessions {
	return s.sessions
}

// extractCredential pulls the caller credential from the request and
// stashes it in the context for tool handlers. Accepted sources:
// Authorization: Bearer, the X-Bridge-Key header, and a key query
// parameter, in that order.
func extractCredential(ctx context.Context, r *http.Request) context.Context {
	cred := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		cred = strings.TrimPrefix(auth, "Bearer ")
	}
	if cred == "" {
		cred = r.Header.Get("X-Bridge-Key")
	}
	if cred == "" {
		cred = r.URL.Query().Get("key")
	}
	if cred == "" {
		return ctx
	}
	return context.WithValue(ctx, credentialKey{}, cred)
}

// registerTools declares the six caller-facing tools.
func (s *Server) registerTools() {
	s.addTool(mcp.NewTool("pair",
		mcp.WithDescription("Start pairing this credential with a device. Returns a 6-digit code the device owner confirms on their device. The code expires after 10 minutes."),
	), s.handlePair)

	notifyOpts := []mcp.ToolOption{
		mcp.WithDescription("Send a message to the paired user's device and wait for their spoken reply. Blocks until the user responds or the timeout elapses. On timeout, poll check_pending later for a late reply."),
		mcp.WithString("message", mcp.Required(),
			mcp.Description("The message to speak to the user."),
		),
		mcp.WithNumber("timeout_minutes",
			mcp.Description("How long to wait for a reply, in minutes. Default 10, clamped to 1-60."),
		),
	}
	s.addTool(mcp.NewTool("notify", notifyOpts...), s.handleNotify)
	// continue is an alias of notify for callers resuming a warm conversation.
	s.addTool(mcp.NewTool("continue", notifyOpts...), s.handleNotify)

	s.addTool(mcp.NewTool("speak",
		mcp.WithDescription("Say something on the paired user's device without waiting for a reply."),
		mcp.WithString("message", mcp.Required(),
			mcp.Description("The message to speak."),
		),
	), s.handleSpeak)

	s.addTool(mcp.NewTool("end",
		mcp.WithDescription("End the current conversation. Optionally speaks a farewell first."),
		mcp.WithString("farewell",
			mcp.Description("Optional farewell to speak before ending."),
		),
	), s.handleEnd)

	s.addTool(mcp.NewTool("check_pending",
		mcp.WithDescription("List requests that timed out, including any late replies the user gave after the timeout. Late replies are returned exactly once."),
	), s.handleCheckPending)
}

// guardedHandler is a tool handler that runs after credential, session,
// and rate-limit checks. The context carries the credential hash.
type guardedHandler func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

// addTool registers a tool behind the shared guard: credential
// extraction, transport session bookkeeping, rate limiting, and a trace
// span per call.
func (s *Server) addTool(tool mcp.Tool, h guardedHandler) {
	s.mcp.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := s.tracer.Start(ctx, "tool/"+tool.Name,
			trace.WithAttributes(attribute.String("tool.name", tool.Name)))
		defer span.End()

		cred, _ := ctx.Value(credentialKey{}).(string)
		if cred == "" {
			span.SetStatus(codes.Error, protocol.ErrUnauthorized)
			return toolError(protocol.ErrUnauthorized, "no credential provided; pass it as a Bearer token, the X-Bridge-Key header, or the key query parameter"), nil
		}
		credHash := pairing.HashCredential(cred)

		if err := s.sessions.Touch(sessionIDFromContext(ctx), credHash); err != nil {
			if err == ErrSessionExpired {
				span.SetStatus(codes.Error, protocol.ErrSessionExpired)
				return toolError(protocol.ErrSessionExpired, err.Error()), nil
			}
			span.SetStatus(codes.Error, protocol.ErrUnauthorized)
			return toolError(protocol.ErrUnauthorized, err.Error()), nil
		}

		if s.limiter != nil && !s.limiter.Allow(credHash) {
			span.SetStatus(codes.Error, protocol.ErrRateLimited)
			return toolError(protocol.ErrRateLimited, "too many requests; slow down"), nil
		}

		return h(store.WithCredentialHash(ctx, credHash), req)
	})
}

// sessionIDFromContext returns the MCP transport session id, or "" when
// the transport is stateless.
func sessionIDFromContext(ctx context.Context) string {
	if sess := server.ClientSessionFromContext(ctx); sess != nil {
		return sess.SessionID()
	}
	return ""
}
