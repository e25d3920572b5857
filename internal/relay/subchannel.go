package relay

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// channelState is the explicit state of one agent-facing sub-channel.
type channelState int

const (
	stateConnecting channelState = iota
	stateOpen
	stateDisconnected
)

// subChannel runs the reconnect loop for one named agent-facing stream
// (logs, console, or status). Each drop schedules a retry after a fixed
// short delay; the owning session's done channel is checked before every
// dial and before every reconnect sleep, so no loop outlives its session.
type subChannel struct {
	name string
	sess *Session

	// dialPath returns the request path (including query) for the next
	// connection attempt. Called fresh on every attempt so the log
	// channel can fold in its cursor.
	dialPath func() string

	// onMessage handles one inbound frame while the channel is open.
	onMessage func(data []byte)

	mu    sync.Mutex
	conn  *websocket.Conn
	state channelState
}

// run drives the Connecting → Open → Disconnected → (delay) → Connecting
// loop until the session closes. Runs on its own goroutine.
func (c *subChannel) run() {
	for {
		if c.sess.isClosed() {
			return
		}
		c.setState(stateConnecting, nil)

		conn, err := c.sess.dialAgent(c.dialPath())
		if err != nil {
			log.Printf("[relay] session %s: %s channel dial failed: %v", c.sess.ID, c.name, err)
			c.setState(stateDisconnected, nil)
			c.sess.send(agentFrame(c.name, "disconnected"))
			if !c.sess.waitReconnect() {
				return
			}
			continue
		}

		c.setState(stateOpen, conn)
		c.sess.send(agentFrame(c.name, "connected"))

		c.readLoop(conn)

		c.setState(stateDisconnected, nil)
		conn.Close()
		c.sess.send(agentFrame(c.name, "disconnected"))

		if !c.sess.waitReconnect() {
			return
		}
	}
}

// readLoop forwards inbound frames until the connection drops. The read
// deadline spans two keepalive intervals, so a socket that stops
// answering pings fails here and goes back through the reconnect loop.
func (c *subChannel) readLoop(conn *websocket.Conn) {
	pongWait := 2 * c.sess.cfg.PingInterval
	conn.SetReadLimit(1024 * 1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.sess.isClosed() && websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[relay] session %s: %s channel read: %v", c.sess.ID, c.name, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		c.onMessage(data)
	}
}

func (c *subChannel) setState(s channelState, conn *websocket.Conn) {
	c.mu.Lock()
	c.state = s
	c.conn = conn
	c.mu.Unlock()
}

// current returns the open connection, or nil while not connected.
func (c *subChannel) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateOpen {
		return nil
	}
	return c.conn
}

// shutdown closes the current connection if one is open. The reconnect
// loop exits on its next done-channel check.
func (c *subChannel) shutdown() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
			time.Now().Add(2*time.Second))
		conn.Close()
	}
}
