package agentd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestIdentityRoundTrip(t *testing.T) {
	dir := t.TempDir()

	id := &Identity{NodeID: "node-1", SecretHex: "aabbcc", PanelURL: "http://panel"}
	if err := SaveIdentity(dir, id); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(filepath.Join(dir, identityFile))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("identity file mode = %o, want 600", perm)
	}

	got := LoadIdentity(dir)
	if got == nil {
		t.Fatal("load returned nil")
	}
	if got.NodeID != "node-1" || got.SecretHex != "aabbcc" || got.PanelURL != "http://panel" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

func TestLoadIdentityMissing(t *testing.T) {
	if id := LoadIdentity(t.TempDir()); id != nil {
		t.Errorf("expected nil for unenrolled agent, got %+v", id)
	}
}

func TestIdentitySingleEntryLookup(t *testing.T) {
	id := &Identity{NodeID: "node-1", SecretHex: "00ff"}

	secret, ok := id.Secret("node-1")
	if !ok || len(secret) != 2 {
		t.Errorf("own id lookup = %v, %v", secret, ok)
	}
	if _, ok := id.Secret("node-2"); ok {
		t.Error("foreign node id resolved against single-entry store")
	}
}

func TestEnroll(t *testing.T) {
	panel := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/nodes/enroll" {
			http.NotFound(w, r)
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["token"] != "good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "bad token"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"node_id": "node-42",
			"secret":  "deadbeef",
		})
	}))
	defer panel.Close()

	dir := t.TempDir()
	id, err := Enroll(panel.URL, "good-token", dir)
	if err != nil {
		t.Fatal(err)
	}
	if id.NodeID != "node-42" || id.SecretHex != "deadbeef" {
		t.Errorf("enrolled identity = %+v", id)
	}

	// Persisted for the next start.
	if got := LoadIdentity(dir); got == nil || got.NodeID != "node-42" {
		t.Errorf("identity not persisted: %+v", got)
	}

	// Bad token is surfaced.
	if _, err := Enroll(panel.URL, "bad", t.TempDir()); err == nil {
		t.Error("enrollment with bad token succeeded")
	}
}
