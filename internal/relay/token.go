package relay

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// StreamToken authorises one browser WebSocket session for one server.
// Only the SHA-256 of the raw token is stored; the raw value exists only
// in the issuance response and the upgrade URL.
type StreamToken struct {
	Token     string    `json:"token"` // raw, returned to the caller once
	ServerID  string    `json:"server_id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenStore manages single-use stream tokens backed by SQLite.
type TokenStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewTokenStore creates the store and ensures the schema exists.
func NewTokenStore(db *sql.DB) (*TokenStore, error) {
	s := &TokenStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TokenStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS stream_tokens (
			token_hash TEXT PRIMARY KEY,
			server_id  TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_stream_tokens_expires ON stream_tokens(expires_at);
	`)
	return err
}

// Issue creates a stream token for serverID bound to the requesting user.
func (s *TokenStore) Issue(serverID, userID string, ttl time.Duration) (*StreamToken, error) {
	if serverID == "" {
		return nil, fmt.Errorf("server id is required")
	}

	raw, err := generateRawToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	expiresAt := s.now().UTC().Add(ttl)
	_, err = s.db.Exec(`
		INSERT INTO stream_tokens (token_hash, server_id, user_id, expires_at)
		VALUES (?, ?, ?, ?)`,
		hashToken(raw), serverID, userID, expiresAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}

	return &StreamToken{
		Token:     raw,
		ServerID:  serverID,
		UserID:    userID,
		ExpiresAt: expiresAt,
	}, nil
}

// Consume validates raw against serverID and deletes the record in the
// same statement, so concurrent attempts with the same token linearize to
// at most one success. The delete happens before any proxying starts.
func (s *TokenStore) Consume(raw, serverID string) error {
	res, err := s.db.Exec(`
		DELETE FROM stream_tokens
		WHERE token_hash = ? AND server_id = ? AND expires_at > ?`,
		hashToken(raw), serverID, s.now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("consume token: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume token: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("invalid, expired, or already-used stream token")
	}
	return nil
}

// CleanupExpired removes tokens past their expiry. Called periodically;
// expiry is enforced at consume time regardless.
func (s *TokenStore) CleanupExpired() {
	s.db.Exec(`DELETE FROM stream_tokens WHERE expires_at <= ?`, s.now().UTC().UnixMilli())
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// generateRawToken produces a 32-byte hex-encoded random string.
func generateRawToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
