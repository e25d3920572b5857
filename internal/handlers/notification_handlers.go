package handlers

import (
	"database/sql"
	"net/http"
	"strconv"

	"helmsman/internal/notify"
)

// NotificationHandlers serves the notification configuration and history.
type NotificationHandlers struct {
	DB *sql.DB
}

// ListServices returns all configured notification destinations.
// GET /api/v1/notifications/services
func (h *NotificationHandlers) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := notify.ListServices(h.DB)
	if err != nil {
		JSONError(w, "Failed to list notification services", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]interface{}{"services": services})
}

// CreateService adds a notification destination.
// POST /api/v1/notifications/services
func (h *NotificationHandlers) CreateService(w http.ResponseWriter, r *http.Request) {
	var svc notify.NotificationService
	if !decodeJSON(w, r, &svc) {
		return
	}
	if svc.Name == "" || svc.ConfigJSON == "" {
		JSONError(w, "Missing required fields: name, config_json", http.StatusBadRequest)
		return
	}

	id, err := notify.CreateService(h.DB, &svc)
	if err != nil {
		JSONError(w, "Failed to create notification service", http.StatusInternalServerError)
		return
	}
	svc.ID = id
	JSONResponse(w, svc)
}

// DeleteService removes a notification destination.
// DELETE /api/v1/notifications/services/{id}
func (h *NotificationHandlers) DeleteService(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		JSONError(w, "Invalid service ID", http.StatusBadRequest)
		return
	}
	if err := notify.DeleteService(h.DB, id); err != nil {
		JSONError(w, "Notification service not found", http.StatusNotFound)
		return
	}
	JSONResponse(w, map[string]string{"status": "deleted"})
}

// RecentHistory returns the latest notification dispatch records.
// GET /api/v1/notifications/history
func (h *NotificationHandlers) RecentHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	history, err := notify.RecentHistory(h.DB, limit)
	if err != nil {
		JSONError(w, "Failed to load notification history", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]interface{}{"history": history})
}
