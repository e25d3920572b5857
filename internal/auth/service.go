package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const sessionLifetime = 7 * 24 * time.Hour

// Session is an authenticated operator session.
type Session struct {
	Token     string
	UserID    int64
	Username  string
	ExpiresAt time.Time
}

// Service manages operator accounts and sessions backed by SQLite.
type Service struct {
	db  *sql.DB
	now func() time.Time
}

// NewService creates the service and ensures the schema exists.
func NewService(db *sql.DB) (*Service, error) {
	s := &Service{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate auth schema: %w", err)
	}
	return s, nil
}

func (s *Service) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			username      TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS sessions (
			token      TEXT PRIMARY KEY,
			user_id    INTEGER NOT NULL,
			expires_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	`)
	return err
}

// HashPassword returns a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether the password matches the stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateToken creates a secure random session token.
func GenerateToken() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

const timeFormat = "2006-01-02 15:04:05"

// Authenticate verifies credentials and returns the user ID, or an error.
func (s *Service) Authenticate(username, password string) (int64, error) {
	var id int64
	var hash string
	err := s.db.QueryRow(
		"SELECT id, password_hash FROM users WHERE username = ?", username,
	).Scan(&id, &hash)
	if err != nil || !CheckPassword(hash, password) {
		return 0, fmt.Errorf("invalid username or password")
	}
	return id, nil
}

// CreateSession creates a new session for a user.
func (s *Service) CreateSession(userID int64) (string, time.Time, error) {
	token := GenerateToken()
	expiresAt := s.now().UTC().Add(sessionLifetime)

	_, err := s.db.Exec(
		"INSERT INTO sessions (token, user_id, expires_at) VALUES (?, ?, ?)",
		token, userID, expiresAt.Format(timeFormat),
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create session: %w", err)
	}
	return token, expiresAt, nil
}

// GetSession retrieves a live session by token, or nil.
func (s *Service) GetSession(token string) *Session {
	if token == "" {
		return nil
	}

	var sess Session
	var expiresAt string
	err := s.db.QueryRow(`
		SELECT s.token, s.user_id, u.username, s.expires_at
		FROM sessions s
		JOIN users u ON s.user_id = u.id
		WHERE s.token = ? AND s.expires_at > ?
	`, token, s.now().UTC().Format(timeFormat)).
		Scan(&sess.Token, &sess.UserID, &sess.Username, &expiresAt)
	if err != nil {
		return nil
	}

	sess.ExpiresAt, _ = time.Parse(timeFormat, expiresAt)
	return &sess
}

// DeleteSession removes a session.
func (s *Service) DeleteSession(token string) {
	s.db.Exec("DELETE FROM sessions WHERE token = ?", token)
}

// CleanupExpiredSessions removes expired sessions.
func (s *Service) CleanupExpiredSessions() {
	s.db.Exec("DELETE FROM sessions WHERE expires_at < ?", s.now().UTC().Format(timeFormat))
}

// EnsureAdmin creates the initial operator account if none exists.
// With an empty password a random one is generated and logged once.
func (s *Service) EnsureAdmin(username, password string) error {
	var count int
	s.db.QueryRow("SELECT COUNT(*) FROM users").Scan(&count)
	if count > 0 {
		return nil
	}

	if password == "" {
		password = GenerateToken()[:12]
		log.Printf("[auth] generated admin password: %s", password)
		log.Printf("[auth] set ADMIN_PASS to use a custom password")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		"INSERT INTO users (username, password_hash) VALUES (?, ?)",
		username, hash,
	)
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	log.Printf("[auth] created admin user: %s", username)
	return nil
}

// ChangePassword updates a user's password after verifying the current one.
func (s *Service) ChangePassword(userID int64, current, next string) error {
	var hash string
	if err := s.db.QueryRow("SELECT password_hash FROM users WHERE id = ?", userID).Scan(&hash); err != nil {
		return fmt.Errorf("user not found")
	}
	if !CheckPassword(hash, current) {
		return fmt.Errorf("current password is incorrect")
	}

	newHash, err := HashPassword(next)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec("UPDATE users SET password_hash = ? WHERE id = ?", newHash, userID); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}
