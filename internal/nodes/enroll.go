package nodes

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IssueEnrollToken creates a single-use enrollment token an admin hands
// to a new agent. The endpoint is the URL the panel will dial the agent
// back on once enrolled.
func (s *Store) IssueEnrollToken(name, endpoint string, ttl time.Duration) (*EnrollToken, error) {
	if name == "" || endpoint == "" {
		return nil, fmt.Errorf("name and endpoint are required")
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate enroll token: %w", err)
	}
	raw := hex.EncodeToString(b)

	expiresAt := s.now().UTC().Add(ttl)
	_, err := s.db.Exec(`
		INSERT INTO enroll_tokens (token, name, endpoint, expires_at)
		VALUES (?, ?, ?, ?)`,
		raw, name, endpoint, expiresAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store enroll token: %w", err)
	}

	return &EnrollToken{Token: raw, Name: name, Endpoint: endpoint, ExpiresAt: expiresAt}, nil
}

// Enroll exchanges a valid enrollment token for a new node identity. The
// token row is deleted in the same statement that validates it, so a
// token enrolls at most one node even under concurrent attempts.
func (s *Store) Enroll(rawToken string) (*Node, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var name, endpoint string
	err = tx.QueryRow(`
		DELETE FROM enroll_tokens
		WHERE token = ? AND expires_at > ?
		RETURNING name, endpoint`,
		rawToken, s.now().UTC().UnixMilli()).Scan(&name, &endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid or expired enrollment token")
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	node := &Node{
		ID:         uuid.NewString(),
		Name:       name,
		Endpoint:   endpoint,
		Secret:     secret,
		EnrolledAt: s.now().UTC(),
	}
	_, err = tx.Exec(`
		INSERT INTO nodes (id, name, endpoint, secret, enrolled_at)
		VALUES (?, ?, ?, ?, ?)`,
		node.ID, node.Name, node.Endpoint, node.Secret,
		node.EnrolledAt.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("insert node: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enrollment: %w", err)
	}
	return node, nil
}

// CleanupExpiredEnrollTokens removes enrollment tokens past expiry.
func (s *Store) CleanupExpiredEnrollTokens() {
	s.db.Exec(`DELETE FROM enroll_tokens WHERE expires_at <= ?`, s.now().UTC().UnixMilli())
}
