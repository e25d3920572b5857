package nodes

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"helmsman/internal/relay"
)

// Store is the panel-side registry of enrolled nodes and their servers.
// It doubles as the identity store the panel's verifier uses for
// agent→panel calls and as the server directory the relay resolves
// against.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates the registry and ensures the schema exists.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	statements := []struct {
		label string
		sql   string
	}{
		{"nodes", `
			CREATE TABLE IF NOT EXISTS nodes (
				id           TEXT PRIMARY KEY,
				name         TEXT NOT NULL,
				endpoint     TEXT NOT NULL,
				secret       TEXT NOT NULL,
				enrolled_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
				last_seen_at DATETIME
			);`},
		{"servers", `
			CREATE TABLE IF NOT EXISTS servers (
				id         TEXT PRIMARY KEY,
				node_id    TEXT NOT NULL,
				name       TEXT NOT NULL,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				FOREIGN KEY (node_id) REFERENCES nodes(id) ON DELETE CASCADE
			);`},
		{"servers indexes", `
			CREATE INDEX IF NOT EXISTS idx_servers_node ON servers(node_id);`},
		{"enroll_tokens", `
			CREATE TABLE IF NOT EXISTS enroll_tokens (
				token      TEXT PRIMARY KEY,
				name       TEXT NOT NULL,
				endpoint   TEXT NOT NULL,
				expires_at INTEGER NOT NULL,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);`},
	}

	for _, st := range statements {
		if _, err := s.db.Exec(st.sql); err != nil {
			return fmt.Errorf("migration failed at [%s]: %w", st.label, err)
		}
	}
	return nil
}

// ─── Nodes ────────────────────────────────────────────────────────────────

// CreateNode registers a node with a freshly generated identity.
func (s *Store) CreateNode(name, endpoint string) (*Node, error) {
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
	_, err = s.db.Exec(`
		INSERT INTO nodes (id, name, endpoint, secret, enrolled_at)
		VALUES (?, ?, ?, ?, ?)`,
		node.ID, node.Name, node.Endpoint, node.Secret,
		node.EnrolledAt.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("insert node: %w", err)
	}
	return node, nil
}

// GetNode retrieves a node by ID.
func (s *Store) GetNode(id string) (*Node, error) {
	row := s.db.QueryRow(`
		SELECT id, name, endpoint, secret, enrolled_at, COALESCE(last_seen_at, '')
		FROM nodes WHERE id = ?`, id)
	return scanNode(row)
}

// ListNodes returns all enrolled nodes ordered by name.
func (s *Store) ListNodes() ([]Node, error) {
	rows, err := s.db.Query(`
		SELECT id, name, endpoint, secret, enrolled_at, COALESCE(last_seen_at, '')
		FROM nodes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// TouchLastSeen stamps last_seen_at to now (UTC). Called on every
// verified heartbeat.
func (s *Store) TouchLastSeen(nodeID string) error {
	_, err := s.db.Exec(
		"UPDATE nodes SET last_seen_at = ? WHERE id = ?",
		s.now().UTC().Format(timeFormat), nodeID)
	return err
}

// StaleNodes returns nodes whose last heartbeat is older than cutoff.
func (s *Store) StaleNodes(cutoff time.Duration) ([]Node, error) {
	rows, err := s.db.Query(`
		SELECT id, name, endpoint, secret, enrolled_at, COALESCE(last_seen_at, '')
		FROM nodes
		WHERE last_seen_at IS NOT NULL AND last_seen_at < ?`,
		s.now().UTC().Add(-cutoff).Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("stale nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// DeleteNode removes a node and its servers (ON DELETE CASCADE).
func (s *Store) DeleteNode(id string) error {
	_, err := s.db.Exec("DELETE FROM nodes WHERE id = ?", id)
	return err
}

// Secret implements signing.IdentityStore for agent→panel verification.
func (s *Store) Secret(nodeID string) ([]byte, bool) {
	var secretHex string
	err := s.db.QueryRow("SELECT secret FROM nodes WHERE id = ?", nodeID).Scan(&secretHex)
	if err != nil {
		return nil, false
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, false
	}
	return secret, true
}

// ─── Servers ──────────────────────────────────────────────────────────────

// CreateServer records a workload hosted on the given node.
func (s *Store) CreateServer(nodeID, name string) (*Server, error) {
	if _, err := s.GetNode(nodeID); err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}

	srv := &Server{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		Name:      name,
		CreatedAt: s.now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO servers (id, node_id, name, created_at)
		VALUES (?, ?, ?, ?)`,
		srv.ID, srv.NodeID, srv.Name, srv.CreatedAt.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("insert server: %w", err)
	}
	return srv, nil
}

// GetServer retrieves a server by ID.
func (s *Store) GetServer(id string) (*Server, error) {
	var srv Server
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, node_id, name, created_at FROM servers WHERE id = ?`, id).
		Scan(&srv.ID, &srv.NodeID, &srv.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("server %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get server: %w", err)
	}
	srv.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return &srv, nil
}

// ListServers returns all servers, optionally filtered by node.
func (s *Store) ListServers(nodeID string) ([]Server, error) {
	query := `SELECT id, node_id, name, created_at FROM servers ORDER BY name`
	args := []any{}
	if nodeID != "" {
		query = `SELECT id, node_id, name, created_at FROM servers WHERE node_id = ? ORDER BY name`
		args = append(args, nodeID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var out []Server
	for rows.Next() {
		var srv Server
		var createdAt string
		if err := rows.Scan(&srv.ID, &srv.NodeID, &srv.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		srv.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		out = append(out, srv)
	}
	return out, rows.Err()
}

// DeleteServer removes a server record.
func (s *Store) DeleteServer(id string) error {
	res, err := s.db.Exec(`DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("server %s not found", id)
	}
	return nil
}

// Resolve implements relay.ServerDirectory: server ID → owning node's
// endpoint and identity.
func (s *Store) Resolve(serverID string) (relay.NodeTarget, error) {
	srv, err := s.GetServer(serverID)
	if err != nil {
		return relay.NodeTarget{}, err
	}
	node, err := s.GetNode(srv.NodeID)
	if err != nil {
		return relay.NodeTarget{}, err
	}
	secret, err := hex.DecodeString(node.Secret)
	if err != nil {
		return relay.NodeTarget{}, fmt.Errorf("node %s secret is corrupt", node.ID)
	}
	return relay.NodeTarget{
		NodeID:   node.ID,
		Secret:   secret,
		Endpoint: node.Endpoint,
	}, nil
}

// ─── Scanning helpers ─────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*Node, error) {
	var n Node
	var enrolledAt, lastSeenAt string
	err := row.Scan(&n.ID, &n.Name, &n.Endpoint, &n.Secret, &enrolledAt, &lastSeenAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("node not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan node: %w", err)
	}
	n.EnrolledAt, _ = time.Parse(timeFormat, enrolledAt)
	if lastSeenAt != "" {
		n.LastSeenAt, _ = time.Parse(timeFormat, lastSeenAt)
	}
	return &n, nil
}

// generateSecret produces the node's 32-byte hex-encoded HMAC key.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
