package relay

import (
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupTokenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestTokenIssueAndConsume(t *testing.T) {
	store, err := NewTokenStore(setupTokenTestDB(t))
	if err != nil {
		t.Fatal(err)
	}

	tok, err := store.Issue("server-1", "user-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if tok.Token == "" {
		t.Fatal("expected non-empty raw token")
	}
	if tok.ServerID != "server-1" {
		t.Errorf("server id = %q", tok.ServerID)
	}

	if err := store.Consume(tok.Token, "server-1"); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
}

func TestTokenSingleUse(t *testing.T) {
	store, _ := NewTokenStore(setupTokenTestDB(t))
	tok, _ := store.Issue("server-1", "user-1", time.Minute)

	if err := store.Consume(tok.Token, "server-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.Consume(tok.Token, "server-1"); err == nil {
		t.Error("second consume of the same token succeeded")
	}
}

func TestTokenServerMismatch(t *testing.T) {
	store, _ := NewTokenStore(setupTokenTestDB(t))
	tok, _ := store.Issue("server-1", "user-1", time.Minute)

	if err := store.Consume(tok.Token, "server-other"); err == nil {
		t.Fatal("consume with wrong server id succeeded")
	}
	// Mismatched attempt must not burn the token.
	if err := store.Consume(tok.Token, "server-1"); err != nil {
		t.Errorf("correct consume after mismatch failed: %v", err)
	}
}

func TestTokenExpired(t *testing.T) {
	store, _ := NewTokenStore(setupTokenTestDB(t))
	tok, _ := store.Issue("server-1", "user-1", -time.Second)

	if err := store.Consume(tok.Token, "server-1"); err == nil {
		t.Error("expired token consumed")
	}
}

func TestTokenUnknown(t *testing.T) {
	store, _ := NewTokenStore(setupTokenTestDB(t))
	if err := store.Consume("deadbeef", "server-1"); err == nil {
		t.Error("unknown token consumed")
	}
}

// At most one of N concurrent consumers of the same token may succeed.
func TestTokenConcurrentConsumption(t *testing.T) {
	store, _ := NewTokenStore(setupTokenTestDB(t))
	tok, _ := store.Issue("server-1", "user-1", time.Minute)

	var wg sync.WaitGroup
	var successes atomic.Int32
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Consume(tok.Token, "server-1"); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("%d consumers succeeded, want exactly 1", got)
	}
}

func TestTokenCleanupExpired(t *testing.T) {
	db := setupTokenTestDB(t)
	store, _ := NewTokenStore(db)
	store.Issue("server-1", "user-1", -time.Second)
	store.Issue("server-2", "user-1", time.Minute)

	store.CleanupExpired()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM stream_tokens`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("%d tokens remain, want 1", n)
	}
}
