package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/voicebridge/internal/bridge"
	"github.com/nextlevelbuilder/voicebridge/internal/pairing"
	"github.com/nextlevelbuilder/voicebridge/internal/store"
	"github.com/nextlevelbuilder/voicebridge/pkg/protocol"
)

// toolError renders a stable error code plus a human-readable hint as a
// tool-level error result. Transport errors are reserved for protocol
// failures; domain failures always come back as results the caller's
// model can read and act on.
func toolError(code, message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", code, message))
}

func toolJSON(v any) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return toolError(protocol.ErrInternal, "encode result: "+err.Error())
	}
	return mcp.NewToolResultText(string(data))
}

func (s *Server) handlePair(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	credHash := store.CredentialHashFromContext(ctx)

	code, err := s.pairing.MintCode(ctx, credHash)
	if errors.Is(err, pairing.ErrAlreadyPaired) {
		userID, rerr := s.pairing.Resolve(ctx, credHash)
		if rerr != nil {
			userID = "unknown"
		}
		return toolJSON(map[string]any{
			"status":  "already_paired",
			"user_id": userID,
		}), nil
	}
	if err != nil {
		slog.Error("pair failed", "error", err)
		return toolError(protocol.ErrInternal, "could not mint a pairing code"), nil
	}

	return toolJSON(map[string]any{
		"status":     "code_issued",
		"code":       code.Code,
		"expires_at": code.ExpiresAt.Format(time.RFC3339),
		"next_step":  "ask the device owner to confirm this code on their device within 10 minutes",
	}), nil
}

func (s *Server) handleNotify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return toolError(protocol.ErrInvalidRequest, err.Error()), nil
	}
	timeoutMin := req.GetFloat("timeout_minutes", 0)

	credHash := store.CredentialHashFromContext(ctx)
	coord, res := s.coordinatorFor(ctx, credHash)
	if res != nil {
		return res, nil
	}

	timeout := time.Duration(timeoutMin * float64(time.Minute))
	outcome, err := coord.Notify(ctx, message, timeout)
	switch {
	case errors.Is(err, bridge.ErrBusy):
		return toolError(protocol.ErrExchangeBusy, "an exchange is already waiting on the user; finish or end it before sending another"), nil
	case errors.Is(err, bridge.ErrDeviceOffline):
		return toolError(protocol.ErrDeviceOffline, "the user's device is not connected right now"), nil
	case err != nil:
		slog.Error("notify failed", "error", err)
		return toolError(protocol.ErrInternal, "exchange failed"), nil
	}

	result := map[string]any{
		"status":          string(outcome.Status),
		"request_id":      outcome.RequestID.String(),
		"conversation_id": outcome.ConversationID.String(),
	}
	if outcome.Status == bridge.OutcomeResponded {
		result["response"] = outcome.Transcript
	} else {
		result["reason"] = outcome.Reason
		result["next_step"] = "the user did not answer in time; call check_pending later to pick up a late reply"
	}
	return toolJSON(result), nil
}

func (s *Server) handleSpeak(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return toolError(protocol.ErrInvalidRequest, err.Error()), nil
	}

	credHash := store.CredentialHashFromContext(ctx)
	coord, res := s.coordinatorFor(ctx, credHash)
	if res != nil {
		return res, nil
	}

	if err := coord.Speak(ctx, message); err != nil {
		if errors.Is(err, bridge.ErrDeviceOffline) {
			return toolError(protocol.ErrDeviceOffline, "the user's device is not connected right now"), nil
		}
		slog.Error("speak failed", "error", err)
		return toolError(protocol.ErrInternal, "speak failed"), nil
	}
	return toolJSON(map[string]any{"status": "spoken"}), nil
}

func (s *Server) handleEnd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	farewell := req.GetString("farewell", "")

	credHash := store.CredentialHashFromContext(ctx)
	coord, res := s.coordinatorFor(ctx, credHash)
	if res != nil {
		return res, nil
	}

	delivered := coord.End(ctx, farewell)
	return toolJSON(map[string]any{
		"status":             "ended",
		"farewell_delivered": delivered,
	}), nil
}

func (s *Server) handleCheckPending(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	credHash := store.CredentialHashFromContext(ctx)

	timedOut, answered, err := s.audit.ConsumePending(ctx, credHash)
	if err != nil {
		slog.Error("check_pending failed", "error", err)
		return toolError(protocol.ErrInternal, "could not read pending requests"), nil
	}

	type pendingItem struct {
		RequestID      string `json:"request_id"`
		ConversationID string `json:"conversation_id"`
		Message        string `json:"message"`
		Response       string `json:"response,omitempty"`
		CreatedAt      string `json:"created_at"`
		RespondedAt    string `json:"responded_at,omitempty"`
	}
	toItem := func(rec store.BridgeRequestRecord) pendingItem {
		item := pendingItem{
			RequestID:      rec.ID.String(),
			ConversationID: rec.ConversationID.String(),
			Message:        rec.Message,
			Response:       rec.Response,
			CreatedAt:      rec.CreatedAt.UTC().Format(time.RFC3339),
		}
		if rec.RespondedAt != nil {
			item.RespondedAt = rec.RespondedAt.UTC().Format(time.RFC3339)
		}
		return item
	}

	result := map[string]any{
		"timed_out":    []pendingItem{},
		"late_replies": []pendingItem{},
	}
	items := make([]pendingItem, 0, len(timedOut))
	for _, rec := range timedOut {
		items = append(items, toItem(rec))
	}
	result["timed_out"] = items

	late := make([]pendingItem, 0, len(answered))
	for _, rec := range answered {
		late = append(late, toItem(rec))
	}
	result["late_replies"] = late

	return toolJSON(result), nil
}

// coordinatorFor resolves the credential to its paired user and returns
// that user's coordinator. The second return value is a ready-made error
// result when resolution fails.
func (s *Server) coordinatorFor(ctx context.Context, credHash string) (*bridge.Coordinator, *mcp.CallToolResult) {
	userID, err := s.pairing.Resolve(ctx, credHash)
	if errors.Is(err, pairing.ErrNotPaired) {
		return nil, toolError(protocol.ErrNotPaired, "this credential is not paired with a device; call the pair tool first")
	}
	if err != nil {
		slog.Error("pairing lookup failed", "error", err)
		return nil, toolError(protocol.ErrInternal, "pairing lookup failed")
	}

	coord := s.bridges.Coordinator(userID)
	coord.SetCredentialHash(credHash)
	return coord, nil
}
