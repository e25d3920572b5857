package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Destructive operations need a second, short-lived credential on top of
// the session: a handler issues an action token to the session that asked
// for it, the follow-up request presents it, and the first successful
// check consumes it.

// ActionToken authorises exactly one named operation for one session.
type ActionToken struct {
	Token     string    `json:"token"`
	Action    string    `json:"action"`
	SessionID string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ActionTokenService issues and consumes action tokens, persisted next to
// the sessions they are bound to.
type ActionTokenService struct {
	db *sql.DB
}

const actionTokenSchema = `
CREATE TABLE IF NOT EXISTS action_tokens (
	token      TEXT PRIMARY KEY,
	action     TEXT NOT NULL,
	session_id TEXT NOT NULL,
	used       INTEGER NOT NULL DEFAULT 0,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_tokens_expiry ON action_tokens(expires_at);
`

// NewActionTokenService opens the service and ensures its table exists.
func NewActionTokenService(db *sql.DB) (*ActionTokenService, error) {
	if _, err := db.Exec(actionTokenSchema); err != nil {
		return nil, fmt.Errorf("create action_tokens table: %w", err)
	}
	return &ActionTokenService{db: db}, nil
}

// Create issues a token for one action, bound to the given session and
// valid for ttl.
func (s *ActionTokenService) Create(sessionToken, action string, ttl time.Duration) (*ActionToken, error) {
	if sessionToken == "" {
		return nil, fmt.Errorf("action token requires a session")
	}
	if action == "" {
		return nil, fmt.Errorf("action token requires an action")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate action token: %w", err)
	}

	tok := &ActionToken{
		Token:     hex.EncodeToString(raw),
		Action:    action,
		SessionID: sessionToken,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	_, err := s.db.Exec(
		`INSERT INTO action_tokens (token, action, session_id, expires_at) VALUES (?, ?, ?, ?)`,
		tok.Token, tok.Action, tok.SessionID, tok.ExpiresAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("store action token: %w", err)
	}
	return tok, nil
}

// Validate consumes the token if it is live, bound to this session, and
// issued for this action. Consumption is a single conditional UPDATE, so
// two racing requests cannot both win.
func (s *ActionTokenService) Validate(token, sessionToken, action string) error {
	res, err := s.db.Exec(`
		UPDATE action_tokens SET used = 1
		WHERE token = ? AND used = 0 AND expires_at >= ? AND session_id = ? AND action = ?`,
		token, time.Now().UTC().Unix(), sessionToken, action)
	if err != nil {
		return fmt.Errorf("consume action token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return s.rejectReason(token, sessionToken, action)
}

// rejectReason reconstructs why the conditional consume missed, for the
// error surfaced to the client.
func (s *ActionTokenService) rejectReason(token, sessionToken, action string) error {
	var storedAction, storedSession string
	var used int
	var expiresAt int64
	err := s.db.QueryRow(
		`SELECT action, session_id, used, expires_at FROM action_tokens WHERE token = ?`, token).
		Scan(&storedAction, &storedSession, &used, &expiresAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("invalid action token")
	}
	if err != nil {
		return fmt.Errorf("look up action token: %w", err)
	}

	switch {
	case used != 0:
		return fmt.Errorf("action token already consumed")
	case expiresAt < time.Now().UTC().Unix():
		return fmt.Errorf("action token expired")
	case storedSession != sessionToken:
		return fmt.Errorf("action token not bound to this session")
	default:
		return fmt.Errorf("action token does not match action %q", action)
	}
}

// Revoke discards an unused token when the operator backs out of the
// confirmation.
func (s *ActionTokenService) Revoke(token string) error {
	_, err := s.db.Exec(`DELETE FROM action_tokens WHERE token = ?`, token)
	return err
}

// CleanupExpired drops tokens past their expiry.
func (s *ActionTokenService) CleanupExpired() {
	s.db.Exec(`DELETE FROM action_tokens WHERE expires_at < ?`, time.Now().UTC().Unix())
}
