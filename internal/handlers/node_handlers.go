package handlers

import (
	"fmt"
	"log"
	"net/http"
	"strings"

	"helmsman/internal/events"
	"helmsman/internal/signing"
)

// ─── Operator: node management ────────────────────────────────────────────────

// ListNodes returns all enrolled nodes.
// GET /api/v1/nodes
func (a *API) ListNodes(w http.ResponseWriter, r *http.Request) {
	list, err := a.Nodes.ListNodes()
	if err != nil {
		JSONError(w, "Failed to list nodes", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]interface{}{"nodes": list})
}

// GetNode returns a single node.
// GET /api/v1/nodes/{id}
func (a *API) GetNode(w http.ResponseWriter, r *http.Request) {
	node, err := a.Nodes.GetNode(r.PathValue("id"))
	if err != nil {
		JSONError(w, "Node not found", http.StatusNotFound)
		return
	}
	JSONResponse(w, node)
}

type enrollTokenRequest struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

// IssueEnrollToken creates a one-time enrollment token for a new node.
// POST /api/v1/nodes/enroll-token
func (a *API) IssueEnrollToken(w http.ResponseWriter, r *http.Request) {
	var req enrollTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	if req.Name == "" || req.Endpoint == "" {
		JSONError(w, "Missing required fields: name, endpoint", http.StatusBadRequest)
		return
	}

	tok, err := a.Nodes.IssueEnrollToken(req.Name, req.Endpoint, a.EnrollTokenTTL)
	if err != nil {
		log.Printf("[panel] issue enroll token: %v", err)
		JSONError(w, "Failed to issue enrollment token", http.StatusInternalServerError)
		return
	}

	JSONResponse(w, map[string]interface{}{
		"token":      tok.Token,
		"expires_at": tok.ExpiresAt,
	})
}

// DeleteNode removes a node. The caller must present a single-use
// action token bound to their session.
// DELETE /api/v1/nodes/{id}
func (a *API) DeleteNode(w http.ResponseWriter, r *http.Request) {
	if !a.consumeActionToken(w, r, "delete_node") {
		return
	}

	id := r.PathValue("id")
	if err := a.Nodes.DeleteNode(id); err != nil {
		JSONError(w, "Node not found", http.StatusNotFound)
		return
	}
	log.Printf("[panel] node %s deleted", id)
	JSONResponse(w, map[string]string{"status": "deleted"})
}

// consumeActionToken validates the X-Action-Token header for the given
// action, writing the error response itself on failure.
func (a *API) consumeActionToken(w http.ResponseWriter, r *http.Request, action string) bool {
	if a.Actions == nil {
		return true
	}
	sess := a.Sessions.SessionFromRequest(r)
	sessionToken := ""
	if sess != nil {
		sessionToken = sess.Token
	}
	if err := a.Actions.Validate(r.Header.Get("X-Action-Token"), sessionToken, action); err != nil {
		JSONError(w, err.Error(), http.StatusForbidden)
		return false
	}
	return true
}

// ─── Public: node enrollment ──────────────────────────────────────────────────

type enrollRequest struct {
	Token string `json:"token"`
}

// EnrollNode exchanges a one-time enrollment token for a node identity.
// This is the only unauthenticated agent-facing endpoint; everything
// after enrollment is HMAC-signed.
// POST /api/v1/nodes/enroll
func (a *API) EnrollNode(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		JSONError(w, "Missing required field: token", http.StatusBadRequest)
		return
	}

	node, err := a.Nodes.Enroll(req.Token)
	if err != nil {
		JSONError(w, "Invalid or expired enrollment token", http.StatusUnauthorized)
		return
	}

	log.Printf("[panel] node %s (%s) enrolled", node.Name, node.ID)
	a.publish(events.Event{
		Type:     events.NodeEnrolled,
		Severity: events.SeverityInfo,
		NodeID:   node.ID,
		Message:  fmt.Sprintf("node %s enrolled", node.Name),
	})

	JSONResponse(w, map[string]string{
		"node_id": node.ID,
		"secret":  node.Secret,
	})
}

// ─── Signed: agent heartbeat ──────────────────────────────────────────────────

type heartbeatRequest struct {
	AgentVersion string `json:"agent_version"`
}

// Heartbeat records a liveness report from an agent. The request has
// already passed HMAC verification, so the node ID header is trusted.
// POST /api/v1/nodes/heartbeat
func (a *API) Heartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := r.Header.Get(signing.HeaderNodeID)

	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := a.Monitor.MarkSeen(nodeID); err != nil {
		JSONError(w, "Unknown node", http.StatusNotFound)
		return
	}
	JSONResponse(w, map[string]string{"status": "ok"})
}
