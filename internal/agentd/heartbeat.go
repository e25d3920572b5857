package agentd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"helmsman/internal/signing"
)

const heartbeatPath = "/api/v1/nodes/heartbeat"

// Heartbeat reports this agent to the panel on an interval so the panel
// can track node liveness. Every report is a signed request verified by
// the panel's multi-entry identity store.
type Heartbeat struct {
	identity *Identity
	signer   *signing.Signer
	client   *http.Client
	interval time.Duration
	version  string
}

// NewHeartbeat creates the reporter.
func NewHeartbeat(identity *Identity, interval time.Duration, version string) *Heartbeat {
	return &Heartbeat{
		identity: identity,
		signer:   signing.NewSigner(identity.NodeID, identity.SecretBytes()),
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: interval,
		version:  version,
	}
}

// Run sends heartbeats until ctx is cancelled. Failures are logged and
// retried on the next tick; the panel treats a quiet node as offline.
func (h *Heartbeat) Run(ctx context.Context) {
	h.beat(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	if err := h.send(ctx); err != nil {
		log.Printf("[agent] heartbeat failed: %v", err)
	}
}

func (h *Heartbeat) send(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"agent_version": h.version})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.identity.PanelURL+heartbeatPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = h.signer.Headers(http.MethodPost, heartbeatPath, body)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("panel rejected heartbeat: HTTP %d", resp.StatusCode)
	}
	return nil
}
