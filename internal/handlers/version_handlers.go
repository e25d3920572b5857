package handlers

import (
	"net/http"

	"helmsman/internal/version"
)

// VersionHandlers reports the running release and available updates.
type VersionHandlers struct {
	Checker *version.Checker
}

// Check returns the current version and the latest published release.
// GET /api/v1/version
func (h *VersionHandlers) Check(w http.ResponseWriter, r *http.Request) {
	info, err := h.Checker.Check()
	if err != nil {
		// Update checks are best-effort; still report what we run.
		JSONResponse(w, map[string]string{
			"current_version": h.Checker.Current(),
		})
		return
	}
	JSONResponse(w, info)
}
