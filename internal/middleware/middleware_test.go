package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterBurstThenDeny(t *testing.T) {
	rl := NewRateLimiter(3, time.Hour) // effectively no refill during the test
	handler := rl.Limit(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/api/v1/auth/login", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		handler(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d rejected with %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/auth/login", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	handler(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("burst exceeded but status = %d", rec.Code)
	}

	// A different client has its own bucket.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/v1/auth/login", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	handler(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("fresh client rejected with %d", rec.Code)
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  string
	}{
		{"remote addr", func(r *http.Request) { r.RemoteAddr = "192.0.2.7:1234" }, "192.0.2.7"},
		{"x-forwarded-for", func(r *http.Request) {
			r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		}, "203.0.113.9"},
		{"x-real-ip", func(r *http.Request) { r.Header.Set("X-Real-IP", "198.51.100.4") }, "198.51.100.4"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		tt.setup(req)
		if got := extractIP(req); got != tt.want {
			t.Errorf("%s: extractIP = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestCORSReflectsOrigin(t *testing.T) {
	handler := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest("OPTIONS", "/api/v1/nodes", nil)
	req.Header.Set("Origin", "https://panel.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://panel.example" {
		t.Errorf("allow-origin = %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("preflight status = %d", rec.Code)
	}
}
