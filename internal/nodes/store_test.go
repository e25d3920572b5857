package nodes

import (
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestCreateAndGetNode(t *testing.T) {
	store := setupStore(t)

	node, err := store.CreateNode("node-a", "http://10.0.0.5:8443")
	if err != nil {
		t.Fatal(err)
	}
	if node.Secret == "" || len(node.Secret) != 64 {
		t.Errorf("secret = %q, want 64 hex chars", node.Secret)
	}

	got, err := store.GetNode(node.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Endpoint != "http://10.0.0.5:8443" || got.Secret != node.Secret {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

func TestIdentityLookup(t *testing.T) {
	store := setupStore(t)
	node, _ := store.CreateNode("node-a", "http://10.0.0.5:8443")

	secret, ok := store.Secret(node.ID)
	if !ok {
		t.Fatal("known node not found")
	}
	if len(secret) != 32 {
		t.Errorf("secret length = %d, want 32 bytes", len(secret))
	}

	if _, ok := store.Secret("nope"); ok {
		t.Error("unknown node resolved a secret")
	}
}

func TestResolveServer(t *testing.T) {
	store := setupStore(t)
	node, _ := store.CreateNode("node-a", "http://10.0.0.5:8443")
	srv, err := store.CreateServer(node.ID, "lobby")
	if err != nil {
		t.Fatal(err)
	}

	target, err := store.Resolve(srv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if target.NodeID != node.ID || target.Endpoint != node.Endpoint {
		t.Errorf("resolved target = %+v", target)
	}
	if len(target.Secret) != 32 {
		t.Errorf("secret length = %d", len(target.Secret))
	}

	if _, err := store.Resolve("missing"); err == nil {
		t.Error("resolving unknown server succeeded")
	}
}

func TestCreateServerRequiresNode(t *testing.T) {
	store := setupStore(t)
	if _, err := store.CreateServer("ghost-node", "lobby"); err == nil {
		t.Error("creating a server on an unknown node succeeded")
	}
}

func TestEnrollmentSingleUse(t *testing.T) {
	store := setupStore(t)

	tok, err := store.IssueEnrollToken("node-b", "http://10.0.0.6:8443", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	node, err := store.Enroll(tok.Token)
	if err != nil {
		t.Fatalf("enroll failed: %v", err)
	}
	if node.Name != "node-b" || node.Endpoint != "http://10.0.0.6:8443" {
		t.Errorf("enrolled node = %+v", node)
	}

	if _, err := store.Enroll(tok.Token); err == nil {
		t.Error("second enrollment with the same token succeeded")
	} else if !strings.Contains(err.Error(), "invalid or expired") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEnrollmentExpiredToken(t *testing.T) {
	store := setupStore(t)
	tok, _ := store.IssueEnrollToken("node-c", "http://10.0.0.7:8443", -time.Second)

	if _, err := store.Enroll(tok.Token); err == nil {
		t.Error("expired enrollment token accepted")
	}
}

func TestStaleNodes(t *testing.T) {
	store := setupStore(t)
	fresh, _ := store.CreateNode("fresh", "http://a")
	stale, _ := store.CreateNode("stale", "http://b")

	now := time.Now()
	store.now = func() time.Time { return now.Add(-10 * time.Minute) }
	store.TouchLastSeen(stale.ID)
	store.now = func() time.Time { return now }
	store.TouchLastSeen(fresh.ID)

	got, err := store.StaleNodes(5 * time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != stale.ID {
		t.Errorf("stale nodes = %+v", got)
	}
}
