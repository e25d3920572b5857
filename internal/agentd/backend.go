package agentd

import (
	"context"
	"fmt"
	"sync"
)

// Backend abstracts the container runtime for one workload. The relay
// core only needs log streaming, stdin attachment, and a state probe;
// lifecycle control (create/start/stop) is plain RPC handled elsewhere.
type Backend interface {
	// State returns the workload's current lifecycle state as one of
	// the normalized state strings (unknown/starting/running/stopped/
	// crashed).
	State(ctx context.Context) (string, error)

	// Logs streams log lines until ctx is cancelled. With since > 0
	// only entries at or after that epoch second are delivered and no
	// backlog beyond them is replayed; otherwise up to tail backlog
	// lines are replayed before live ones. The channel closes when the
	// stream ends.
	Logs(ctx context.Context, since int64, tail int) (<-chan string, error)

	// Attach opens a write stream to the workload's standard input.
	// The stream's Done channel closes when the attach handle becomes
	// invalid (typically because the process restarted).
	Attach(ctx context.Context) (ConsoleStream, error)
}

// ConsoleStream is a write-only attachment to a workload's stdin.
type ConsoleStream interface {
	Write(p []byte) error
	Done() <-chan struct{}
	Close() error
}

// Supervisor maps server IDs to their workload backends on this node.
type Supervisor struct {
	mu        sync.RWMutex
	workloads map[string]Backend
}

// NewSupervisor creates an empty workload registry.
func NewSupervisor() *Supervisor {
	return &Supervisor{workloads: make(map[string]Backend)}
}

// Register associates a server ID with its backend.
func (s *Supervisor) Register(serverID string, b Backend) {
	s.mu.Lock()
	s.workloads[serverID] = b
	s.mu.Unlock()
}

// Unregister removes a workload.
func (s *Supervisor) Unregister(serverID string) {
	s.mu.Lock()
	delete(s.workloads, serverID)
	s.mu.Unlock()
}

// Backend looks up the backend for a server.
func (s *Supervisor) Backend(serverID string) (Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.workloads[serverID]
	if !ok {
		return nil, fmt.Errorf("no workload registered for server %s", serverID)
	}
	return b, nil
}
