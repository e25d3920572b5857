package auth

import (
	"context"
	"net/http"
	"strings"
)

// contextKey is the type for context keys in the auth package
type contextKey string

// SessionKey is the context key for session data
const SessionKey contextKey = "session"

// Require checks for a valid operator session before calling next.
// When enabled is false all requests pass through.
func (s *Service) Require(enabled bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !enabled {
			next(w, r)
			return
		}

		sess := s.SessionFromRequest(r)
		if sess == nil {
			http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), SessionKey, sess)
		next(w, r.WithContext(ctx))
	}
}

// SessionFromRequest extracts a session from the request cookie or Authorization header
func (s *Service) SessionFromRequest(r *http.Request) *Session {
	var token string

	if cookie, err := r.Cookie("session"); err == nil {
		token = cookie.Value
	} else if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	}

	return s.GetSession(token)
}

// SessionFromContext extracts the session stored in the request context
func SessionFromContext(r *http.Request) *Session {
	if sess, ok := r.Context().Value(SessionKey).(*Session); ok {
		return sess
	}
	return nil
}
