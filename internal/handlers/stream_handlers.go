package handlers

import (
	"fmt"
	"net/http"
	"time"
)

// ─── Operator: live stream access ─────────────────────────────────────────────

// IssueStreamToken mints a short-lived single-use token that authorises
// one WebSocket attach to the server's live stream. Browsers cannot set
// custom headers on WebSocket dials, so the token rides the query string
// of the subsequent connect and is burned on first use.
// POST /api/v1/servers/{id}/ws-token
func (a *API) IssueStreamToken(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("id")
	if _, err := a.Nodes.GetServer(serverID); err != nil {
		JSONError(w, "Server not found", http.StatusNotFound)
		return
	}

	userID := ""
	if sess := a.Sessions.SessionFromRequest(r); sess != nil {
		userID = fmt.Sprintf("%d", sess.UserID)
	}

	tok, err := a.Streams.Issue(serverID, userID, a.StreamTokenTTL)
	if err != nil {
		JSONError(w, "Failed to issue stream token", http.StatusInternalServerError)
		return
	}

	JSONResponse(w, map[string]interface{}{
		"token":     tok.Token,
		"expiresAt": tok.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// ─── Operator: action tokens ──────────────────────────────────────────────────

type actionTokenRequest struct {
	Action string `json:"action"`
}

// CreateActionToken issues a single-use confirmation token for a
// destructive operation, bound to the caller's session.
// POST /api/v1/action-tokens
func (a *API) CreateActionToken(w http.ResponseWriter, r *http.Request) {
	var req actionTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Action == "" {
		JSONError(w, "Missing required field: action", http.StatusBadRequest)
		return
	}

	sess := a.Sessions.SessionFromRequest(r)
	if sess == nil {
		JSONError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	tok, err := a.Actions.Create(sess.Token, req.Action, 5*time.Minute)
	if err != nil {
		JSONError(w, "Failed to create action token", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, tok)
}
