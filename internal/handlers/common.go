package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"helmsman/internal/auth"
	"helmsman/internal/events"
	"helmsman/internal/nodes"
	"helmsman/internal/relay"
)

// API bundles the panel services the HTTP handlers operate on.
type API struct {
	Nodes    *nodes.Store
	Monitor  *nodes.Monitor
	Streams  *relay.TokenStore
	Actions  *auth.ActionTokenService
	Sessions *auth.Service
	Bus      *events.Bus

	StreamTokenTTL time.Duration
	EnrollTokenTTL time.Duration
}

// JSONResponse sends a JSON response
func JSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[http] failed to encode JSON response: %v", err)
	}
}

// JSONError sends a JSON error response
func JSONError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func (a *API) publish(e events.Event) {
	if a.Bus != nil {
		a.Bus.Publish(e)
	}
}
