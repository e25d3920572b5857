package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func setupService(t *testing.T) *Service {
	t.Helper()
	db := setupTokenTestDB(t)
	svc, err := NewService(db)
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter22")
	if err != nil {
		t.Fatal(err)
	}
	if !CheckPassword(hash, "hunter22") {
		t.Error("correct password rejected")
	}
	if CheckPassword(hash, "hunter23") {
		t.Error("wrong password accepted")
	}
}

func TestSessionLifecycle(t *testing.T) {
	svc := setupService(t)
	if err := svc.EnsureAdmin("admin", "secretpw"); err != nil {
		t.Fatal(err)
	}

	userID, err := svc.Authenticate("admin", "secretpw")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if _, err := svc.Authenticate("admin", "wrong"); err == nil {
		t.Error("expected error for wrong password")
	}

	token, expiresAt, err := svc.CreateSession(userID)
	if err != nil {
		t.Fatal(err)
	}
	if time.Until(expiresAt) < 6*24*time.Hour {
		t.Errorf("session expires too soon: %v", expiresAt)
	}

	sess := svc.GetSession(token)
	if sess == nil {
		t.Fatal("expected live session")
	}
	if sess.Username != "admin" {
		t.Errorf("username = %q", sess.Username)
	}

	svc.DeleteSession(token)
	if svc.GetSession(token) != nil {
		t.Error("session survived deletion")
	}
}

func TestExpiredSessionRejected(t *testing.T) {
	svc := setupService(t)
	if err := svc.EnsureAdmin("admin", "secretpw"); err != nil {
		t.Fatal(err)
	}
	userID, _ := svc.Authenticate("admin", "secretpw")

	base := time.Now()
	svc.now = func() time.Time { return base }
	token, _, err := svc.CreateSession(userID)
	if err != nil {
		t.Fatal(err)
	}

	svc.now = func() time.Time { return base.Add(sessionLifetime + time.Minute) }
	if svc.GetSession(token) != nil {
		t.Error("expired session accepted")
	}

	svc.CleanupExpiredSessions()
	var count int
	svc.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count)
	if count != 0 {
		t.Errorf("expected 0 sessions after cleanup, got %d", count)
	}
}

func TestEnsureAdminIdempotent(t *testing.T) {
	svc := setupService(t)
	if err := svc.EnsureAdmin("admin", "pw1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.EnsureAdmin("admin", "pw2"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Authenticate("admin", "pw1"); err != nil {
		t.Error("original password should still work")
	}
}

func TestRequireMiddleware(t *testing.T) {
	svc := setupService(t)
	svc.EnsureAdmin("admin", "secretpw")
	userID, _ := svc.Authenticate("admin", "secretpw")
	token, _, _ := svc.CreateSession(userID)

	handler := svc.Require(true, func(w http.ResponseWriter, r *http.Request) {
		sess := SessionFromContext(r)
		if sess == nil || sess.Username != "admin" {
			t.Error("session missing from context")
		}
		w.WriteHeader(http.StatusOK)
	})

	// No credentials
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/guarded", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", rec.Code)
	}

	// Bearer token
	req := httptest.NewRequest("GET", "/guarded", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("bearer status = %d", rec.Code)
	}

	// Cookie
	req = httptest.NewRequest("GET", "/guarded", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: token})
	rec = httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("cookie status = %d", rec.Code)
	}

	// Disabled auth passes anonymous requests through
	open := svc.Require(false, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec = httptest.NewRecorder()
	open(rec, httptest.NewRequest("GET", "/guarded", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("disabled-auth status = %d", rec.Code)
	}
}
