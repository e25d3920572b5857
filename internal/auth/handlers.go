package auth

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"
)

// isSecureRequest checks if the request came over HTTPS (directly or via reverse proxy)
func isSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	return strings.EqualFold(proto, "https")
}

func jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Status returns authentication status
func (s *Service) Status(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := s.SessionFromRequest(r)

		var username string
		if sess != nil {
			username = sess.Username
		}

		jsonResponse(w, map[string]interface{}{
			"auth_enabled":  enabled,
			"authenticated": sess != nil,
			"username":      username,
		})
	}
}

// Login handles operator authentication
func (s *Service) Login(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !enabled {
			jsonResponse(w, map[string]interface{}{
				"success": true,
				"message": "Authentication disabled",
			})
			return
		}

		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			jsonError(w, "Invalid request", http.StatusBadRequest)
			return
		}

		userID, err := s.Authenticate(creds.Username, creds.Password)
		if err != nil {
			jsonError(w, "Invalid username or password", http.StatusUnauthorized)
			return
		}

		token, expiresAt, err := s.CreateSession(userID)
		if err != nil {
			jsonError(w, "Failed to create session", http.StatusInternalServerError)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     "session",
			Value:    token,
			Path:     "/",
			Expires:  expiresAt,
			HttpOnly: true,
			Secure:   isSecureRequest(r),
			SameSite: http.SameSiteLaxMode,
		})

		log.Printf("[auth] login: %s", creds.Username)
		jsonResponse(w, map[string]interface{}{
			"success":  true,
			"token":    token,
			"username": creds.Username,
		})
	}
}

// Logout handles operator logout
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) {
	sess := s.SessionFromRequest(r)
	if sess != nil {
		s.DeleteSession(sess.Token)
		log.Printf("[auth] logout: %s", sess.Username)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "session",
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   isSecureRequest(r),
		SameSite: http.SameSiteLaxMode,
	})

	jsonResponse(w, map[string]string{"status": "logged_out"})
}

// HandleChangePassword handles operator password changes
func (s *Service) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r)
	if sess == nil {
		jsonError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if len(req.NewPassword) < 6 {
		jsonError(w, "Password must be at least 6 characters", http.StatusBadRequest)
		return
	}

	if err := s.ChangePassword(sess.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		jsonError(w, err.Error(), http.StatusUnauthorized)
		return
	}

	log.Printf("[auth] password changed: %s", sess.Username)
	jsonResponse(w, map[string]string{"status": "password_changed"})
}
