package nodes

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"helmsman/internal/events"
)

// Monitor watches node heartbeats and publishes online/offline
// transitions on the event bus.
type Monitor struct {
	store *Store
	bus   *events.Bus
	grace time.Duration

	mu      sync.Mutex
	offline map[string]bool
}

// NewMonitor creates a monitor that marks a node offline after it has
// gone grace without a heartbeat.
func NewMonitor(store *Store, bus *events.Bus, grace time.Duration) *Monitor {
	return &Monitor{
		store:   store,
		bus:     bus,
		grace:   grace,
		offline: make(map[string]bool),
	}
}

// Run sweeps for stale nodes until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.grace / 3
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// MarkSeen records a heartbeat from the node and publishes a recovery
// event if it was previously offline.
func (m *Monitor) MarkSeen(nodeID string) error {
	if err := m.store.TouchLastSeen(nodeID); err != nil {
		return err
	}

	m.mu.Lock()
	wasOffline := m.offline[nodeID]
	delete(m.offline, nodeID)
	m.mu.Unlock()

	if wasOffline && m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      events.NodeOnline,
			Severity:  events.SeverityInfo,
			NodeID:    nodeID,
			Message:   fmt.Sprintf("node %s is back online", nodeID),
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

func (m *Monitor) sweep() {
	stale, err := m.store.StaleNodes(m.grace)
	if err != nil {
		log.Printf("[monitor] stale node sweep: %v", err)
		return
	}

	for _, n := range stale {
		m.mu.Lock()
		already := m.offline[n.ID]
		m.offline[n.ID] = true
		m.mu.Unlock()
		if already {
			continue
		}

		log.Printf("[monitor] node %s (%s) missed heartbeats, marking offline", n.Name, n.ID)
		if m.bus != nil {
			m.bus.Publish(events.Event{
				Type:      events.NodeOffline,
				Severity:  events.SeverityCritical,
				NodeID:    n.ID,
				Message:   fmt.Sprintf("node %s has not sent a heartbeat in %s", n.Name, m.grace),
				Timestamp: time.Now().UTC(),
			})
		}
	}
}
