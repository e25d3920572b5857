package agentd

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
)

const identityFile = "identity.json"

// Identity is the agent's enrolled node identity, persisted to the data
// dir after enrollment and held for the agent's lifetime. The secret is
// received exactly once, at enrollment, and used only as an HMAC key.
type Identity struct {
	NodeID    string `json:"node_id"`
	SecretHex string `json:"secret"`
	PanelURL  string `json:"panel_url"`
}

// LoadIdentity reads the persisted identity. Returns nil if the agent is
// not yet enrolled.
func LoadIdentity(dataDir string) *Identity {
	data, err := os.ReadFile(filepath.Join(dataDir, identityFile))
	if err != nil {
		return nil
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil
	}
	if id.NodeID == "" || id.SecretHex == "" {
		return nil
	}
	return &id
}

// SaveIdentity persists the identity with owner-only permissions.
func SaveIdentity(dataDir string, id *Identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, identityFile), data, 0o600)
}

// SecretBytes decodes the shared secret for signing.
func (id *Identity) SecretBytes() []byte {
	b, _ := hex.DecodeString(id.SecretHex)
	return b
}

// Secret implements signing.IdentityStore. The agent holds exactly one
// identity, so this is a single-entry lookup: the claimed node ID must
// match the enrolled one.
func (id *Identity) Secret(nodeID string) ([]byte, bool) {
	if nodeID != id.NodeID {
		return nil, false
	}
	return id.SecretBytes(), true
}

// IdentityHolder carries the agent's identity and admits swapping one in
// after startup. The HTTP server binds it before enrollment finishes, so
// the health check answers from first boot while every signed lookup
// fails until an identity lands.
type IdentityHolder struct {
	mu sync.RWMutex
	id *Identity
}

// NewIdentityHolder wraps an identity, which may be nil for an agent
// that has not enrolled yet.
func NewIdentityHolder(id *Identity) *IdentityHolder {
	return &IdentityHolder{id: id}
}

// Set installs the identity once enrollment completes.
func (h *IdentityHolder) Set(id *Identity) {
	h.mu.Lock()
	h.id = id
	h.mu.Unlock()
}

// Get returns the current identity, or nil while unenrolled.
func (h *IdentityHolder) Get() *Identity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.id
}

// Secret implements signing.IdentityStore against the held identity.
func (h *IdentityHolder) Secret(nodeID string) ([]byte, bool) {
	id := h.Get()
	if id == nil {
		return nil, false
	}
	return id.Secret(nodeID)
}

// Enroll performs the one-time enrollment handshake: the admin-issued
// token is exchanged for a node identity, which is persisted before
// returning.
func Enroll(panelURL, token, dataDir string) (*Identity, error) {
	payload, _ := json.Marshal(map[string]string{"token": token})
	resp, err := http.Post(panelURL+"/api/v1/nodes/enroll", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("enrollment request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp map[string]string
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("enrollment failed (HTTP %d): %s", resp.StatusCode, errResp["error"])
	}

	var result struct {
		NodeID string `json:"node_id"`
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode enrollment response: %w", err)
	}
	if result.NodeID == "" || result.Secret == "" {
		return nil, fmt.Errorf("enrollment response missing identity")
	}

	id := &Identity{NodeID: result.NodeID, SecretHex: result.Secret, PanelURL: panelURL}
	if err := SaveIdentity(dataDir, id); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	return id, nil
}
