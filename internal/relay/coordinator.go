package relay

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"helmsman/internal/events"
)

// ServerDirectory resolves a server ID to the agent that runs it. Backed
// by the node registry on the panel.
type ServerDirectory interface {
	Resolve(serverID string) (NodeTarget, error)
}

// Coordinator accepts browser WebSocket upgrades, consumes the one-time
// stream token, resolves the owning node, and hands the connection to a
// ChannelSession.
type Coordinator struct {
	tokens   *TokenStore
	dir      ServerDirectory
	bus      *events.Bus
	cfg      SessionConfig
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewCoordinator creates a coordinator. bus may be nil.
func NewCoordinator(tokens *TokenStore, dir ServerDirectory, bus *events.Bus, cfg SessionConfig) *Coordinator {
	return &Coordinator{
		tokens: tokens,
		dir:    dir,
		bus:    bus,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}
}

// HandleStream is the upgrade handler for the relay endpoint. The token
// is deleted before any proxying starts, so a racing duplicate
// connection can never reuse it.
func (c *Coordinator) HandleStream(w http.ResponseWriter, r *http.Request) {
	serverID := r.URL.Query().Get("serverId")
	token := r.URL.Query().Get("token")

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[relay] upgrade failed: %v", err)
		return
	}

	if serverID == "" || token == "" {
		c.closePolicy(conn, "serverId and token query parameters are required")
		return
	}

	if err := c.tokens.Consume(token, serverID); err != nil {
		c.publish(events.Event{
			Type: events.TokenRejected, Severity: events.SeverityWarning,
			ServerID: serverID, Message: err.Error(),
		})
		c.closePolicy(conn, "stream token rejected")
		return
	}

	target, err := c.dir.Resolve(serverID)
	if err != nil {
		log.Printf("[relay] resolve server %s: %v", serverID, err)
		c.closePolicy(conn, "unknown server")
		return
	}

	sess := NewSession(conn, serverID, target, c.cfg)
	c.track(sess)
	c.publish(events.Event{
		Type: events.SessionOpened, Severity: events.SeverityInfo,
		NodeID: target.NodeID, ServerID: serverID,
		Message: "relay session opened",
	})
	log.Printf("[relay] session %s opened for server %s on node %s", sess.ID, serverID, target.NodeID)

	sess.Run()

	c.untrack(sess)
	c.publish(events.Event{
		Type: events.SessionClosed, Severity: events.SeverityInfo,
		NodeID: target.NodeID, ServerID: serverID,
		Message: "relay session closed",
	})
	log.Printf("[relay] session %s closed", sess.ID)
}

// ActiveSessions returns the number of live relay sessions.
func (c *Coordinator) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// CloseAll tears down every live session, for server shutdown.
func (c *Coordinator) CloseAll() {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (c *Coordinator) track(s *Session) {
	c.mu.Lock()
	c.sessions[s.ID] = s
	c.mu.Unlock()
}

func (c *Coordinator) untrack(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s.ID)
	c.mu.Unlock()
}

func (c *Coordinator) publish(e events.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}

// closePolicy rejects an already-upgraded connection with close code
// 1008 and a human-readable reason.
func (c *Coordinator) closePolicy(conn *websocket.Conn, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(2*time.Second))
	conn.Close()
}
