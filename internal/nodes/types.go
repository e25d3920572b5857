package nodes

import "time"

// Node is an enrolled remote execution agent. The secret is issued once
// at enrollment and used only as an HMAC key afterwards.
type Node struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Endpoint   string    `json:"endpoint"` // base URL of the agent API
	Secret     string    `json:"-"`        // hex-encoded shared secret, never serialized
	EnrolledAt time.Time `json:"enrolled_at"`
	LastSeenAt time.Time `json:"last_seen_at,omitempty"`
}

// Server is a workload hosted on a node.
type Server struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"node_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// EnrollToken is a single-use admin-issued token exchanged by a new
// agent for its identity.
type EnrollToken struct {
	Token     string    `json:"token"`
	Name      string    `json:"name"`
	Endpoint  string    `json:"endpoint"`
	ExpiresAt time.Time `json:"expires_at"`
}

const timeFormat = "2006-01-02 15:04:05"
