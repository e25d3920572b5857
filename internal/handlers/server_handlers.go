package handlers

import (
	"log"
	"net/http"
	"strings"
)

// ─── Operator: server management ──────────────────────────────────────────────

type createServerRequest struct {
	NodeID string `json:"node_id"`
	Name   string `json:"name"`
}

// CreateServer records a game server hosted on a node.
// POST /api/v1/servers
func (a *API) CreateServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.NodeID == "" || req.Name == "" {
		JSONError(w, "Missing required fields: node_id, name", http.StatusBadRequest)
		return
	}

	srv, err := a.Nodes.CreateServer(req.NodeID, req.Name)
	if err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	log.Printf("[panel] server %s (%s) created on node %s", srv.Name, srv.ID, srv.NodeID)
	JSONResponse(w, srv)
}

// ListServers returns all servers, optionally filtered by ?node_id=.
// GET /api/v1/servers
func (a *API) ListServers(w http.ResponseWriter, r *http.Request) {
	list, err := a.Nodes.ListServers(r.URL.Query().Get("node_id"))
	if err != nil {
		JSONError(w, "Failed to list servers", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]interface{}{"servers": list})
}

// GetServer returns a single server.
// GET /api/v1/servers/{id}
func (a *API) GetServer(w http.ResponseWriter, r *http.Request) {
	srv, err := a.Nodes.GetServer(r.PathValue("id"))
	if err != nil {
		JSONError(w, "Server not found", http.StatusNotFound)
		return
	}
	JSONResponse(w, srv)
}

// DeleteServer removes a server record. Requires a single-use action
// token bound to the caller's session.
// DELETE /api/v1/servers/{id}
func (a *API) DeleteServer(w http.ResponseWriter, r *http.Request) {
	if !a.consumeActionToken(w, r, "delete_server") {
		return
	}

	id := r.PathValue("id")
	if err := a.Nodes.DeleteServer(id); err != nil {
		JSONError(w, "Server not found", http.StatusNotFound)
		return
	}
	log.Printf("[panel] server %s deleted", id)
	JSONResponse(w, map[string]string{"status": "deleted"})
}
