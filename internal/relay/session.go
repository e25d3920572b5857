package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"helmsman/internal/signing"
)

// NodeTarget is the resolved agent endpoint a session relays to.
type NodeTarget struct {
	NodeID   string
	Secret   []byte
	Endpoint string // base URL of the agent API, e.g. "http://10.0.0.5:8443"
}

// SessionConfig tunes the relay timing knobs.
type SessionConfig struct {
	ReconnectDelay time.Duration // delay before re-dialing a dropped sub-channel
	PingInterval   time.Duration // protocol-level keepalive interval
	DialTimeout    time.Duration // sub-socket handshake timeout
	PollInterval   time.Duration // status poll fallback interval
	DefaultTail    int           // log lines requested on first attach
}

// DefaultSessionConfig returns the production timing values.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ReconnectDelay: 850 * time.Millisecond,
		PingInterval:   25 * time.Second,
		DialTimeout:    15 * time.Second,
		PollInterval:   2 * time.Second,
		DefaultTail:    100,
	}
}

const (
	browserReadLimit    = 256 * 1024
	browserPongWait     = 90 * time.Second
	sessionWriteTimeout = 10 * time.Second
)

// Session relays one browser WebSocket to the logs, console, and status
// streams of one workload on one agent. Each sub-channel reconnects
// independently; the browser socket is never resurrected — when it drops
// the whole session tears down.
type Session struct {
	ID       string
	ServerID string

	browser *websocket.Conn
	target  NodeTarget
	signer  *signing.Signer
	cfg     SessionConfig
	client  *http.Client

	// done is the shared cancellation flag: closed exactly once at
	// teardown, checked before every reconnect schedule and dial.
	done      chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex

	cursorMu sync.Mutex
	cursor   LogTailCursor

	// stateSeq orders status updates across the push stream and the
	// poll fallback so a stale poll result cannot overwrite a fresher
	// push value. Poll attempts take their sequence before the request
	// goes out; push updates take theirs at arrival.
	stateMu   sync.Mutex
	stateSeq  uint64
	stateLast uint64

	logs    *subChannel
	console *subChannel
	status  *subChannel

	wg sync.WaitGroup
}

// NewSession wires a session around an accepted browser socket and a
// resolved node target. Call Run to start relaying.
func NewSession(browser *websocket.Conn, serverID string, target NodeTarget, cfg SessionConfig) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		ServerID: serverID,
		browser:  browser,
		target:   target,
		signer:   signing.NewSigner(target.NodeID, target.Secret),
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.DialTimeout},
		done:     make(chan struct{}),
	}

	s.logs = &subChannel{
		name:      "logs",
		sess:      s,
		dialPath:  s.logStreamPath,
		onMessage: s.onLogChunk,
	}
	s.console = &subChannel{
		name:     "console",
		sess:     s,
		dialPath: func() string { return s.serverPath("console/stream") },
		onMessage: func(data []byte) {
			s.send(infoFrame(string(data)))
		},
	}
	s.status = &subChannel{
		name:     "status",
		sess:     s,
		dialPath: func() string { return s.serverPath("status/stream") },
		onMessage: s.onStatusPush,
	}
	return s
}

// Run starts the sub-channel loops and blocks reading the browser socket
// until it closes or errors, then tears the session down. A panic in the
// session's own callbacks tears down this session only.
func (s *Session) Run() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[relay] session %s: panic: %v", s.ID, r)
			s.closeBrowser(websocket.CloseInternalServerErr, "internal error")
		}
		s.Close()
		s.wg.Wait()
	}()

	for _, ch := range []*subChannel{s.logs, s.console, s.status} {
		s.wg.Add(1)
		go func(c *subChannel) {
			defer s.wg.Done()
			c.run()
		}(ch)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollStatusLoop()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pingLoop()
	}()

	s.readBrowser()
}

// Close tears the session down: the done channel first so in-flight
// reconnect timers no-op, then every sub-socket, then the browser
// socket. Each close is attempted even if an earlier one fails.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.logs.shutdown()
		s.console.shutdown()
		s.status.shutdown()
		s.closeBrowser(websocket.CloseNormalClosure, "session closed")
	})
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// waitReconnect sleeps the reconnect delay. Returns false if the session
// closed first, in which case the caller must not dial again.
func (s *Session) waitReconnect() bool {
	timer := time.NewTimer(s.cfg.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-s.done:
		return false
	case <-timer.C:
		return !s.isClosed()
	}
}

// ─── Browser side ─────────────────────────────────────────────────────────

func (s *Session) readBrowser() {
	s.browser.SetReadLimit(browserReadLimit)
	s.browser.SetReadDeadline(time.Now().Add(browserPongWait))
	s.browser.SetPongHandler(func(string) error {
		s.browser.SetReadDeadline(time.Now().Add(browserPongWait))
		return nil
	})

	for {
		_, data, err := s.browser.ReadMessage()
		if err != nil {
			return
		}
		s.browser.SetReadDeadline(time.Now().Add(browserPongWait))

		switch msg := DecodeClientMessage(data); msg.Kind {
		case ClientPing:
			s.send(pongFrame())
		case ClientCmd, ClientRaw:
			s.sendCommand(msg.Data)
		}
	}
}

// send writes one frame to the browser socket. Write failures are left
// to the read loop to detect; logging them here would flood on teardown.
func (s *Session) send(f Frame) {
	if s.isClosed() {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.browser.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
	s.browser.WriteJSON(f)
}

func (s *Session) closeBrowser(code int, reason string) {
	s.browser.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(2*time.Second))
	s.browser.Close()
}

// ─── Agent side ───────────────────────────────────────────────────────────

// dialAgent opens a signed WebSocket to the agent. The upgrade is signed
// exactly like an HTTP GET with an empty body.
func (s *Session) dialAgent(path string) (*websocket.Conn, error) {
	if s.isClosed() {
		return nil, fmt.Errorf("session closed")
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
	conn, _, err := dialer.Dial(wsURL(s.target.Endpoint, path), s.signer.Headers("GET", path, nil))
	if err != nil {
		return nil, err
	}

	// A dial that raced teardown must not leave a live socket behind.
	if s.isClosed() {
		conn.Close()
		return nil, fmt.Errorf("session closed")
	}
	return conn, nil
}

func (s *Session) serverPath(suffix string) string {
	return "/api/v1/servers/" + s.ServerID + "/" + suffix
}

// logStreamPath computes the next log attach request. With a cursor the
// agent is asked for "only events since this point"; the first attach
// requests the configured default tail instead.
func (s *Session) logStreamPath() string {
	s.cursorMu.Lock()
	since, ok := s.cursor.Since()
	s.cursorMu.Unlock()

	base := s.serverPath("logs/stream")
	if ok {
		return fmt.Sprintf("%s?since=%d&tail=0", base, since)
	}
	return fmt.Sprintf("%s?tail=%d", base, s.cfg.DefaultTail)
}

func (s *Session) onLogChunk(data []byte) {
	chunk := string(data)
	s.cursorMu.Lock()
	s.cursor.Observe(chunk)
	s.cursorMu.Unlock()
	s.send(logsFrame(chunk))
}

// sendCommand forwards a browser command to the console sub-socket.
// Commands issued while the console is disconnected are dropped, and the
// browser is told so; there is no queueing for interactive input.
func (s *Session) sendCommand(cmd string) {
	conn := s.console.current()
	if conn == nil {
		s.send(errorFrame("console channel is not connected; command dropped"))
		return
	}

	payload, _ := json.Marshal(Frame{Type: "cmd", Data: cmd})
	conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.send(errorFrame("console write failed; command dropped"))
	}
}

// ─── Status merging ───────────────────────────────────────────────────────

func (s *Session) onStatusPush(data []byte) {
	seq := s.nextStateSeq()
	var msg struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	s.applyState(NormalizeState(msg.State), seq)
}

// pollStatusLoop is the fallback for agents without a status push
// stream; both sources may run at once. The sequence is taken before the
// request leaves, so a response that was in flight when a push update
// arrived loses to it.
func (s *Session) pollStatusLoop() {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			seq := s.nextStateSeq()
			state, err := s.pollStatus()
			if err != nil {
				continue
			}
			s.applyState(state, seq)
		}
	}
}

func (s *Session) pollStatus() (ServerState, error) {
	path := s.serverPath("status")
	req, err := http.NewRequest(http.MethodGet, s.target.Endpoint+path, nil)
	if err != nil {
		return StateUnknown, err
	}
	req.Header = s.signer.Headers("GET", path, nil)

	resp, err := s.client.Do(req)
	if err != nil {
		return StateUnknown, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return StateUnknown, fmt.Errorf("status poll: HTTP %d", resp.StatusCode)
	}

	var msg struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&msg); err != nil {
		return StateUnknown, err
	}
	return NormalizeState(msg.State), nil
}

func (s *Session) nextStateSeq() uint64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.stateSeq++
	return s.stateSeq
}

// applyState forwards a state value to the browser unless a newer update
// already won.
func (s *Session) applyState(state ServerState, seq uint64) {
	s.stateMu.Lock()
	if seq <= s.stateLast {
		s.stateMu.Unlock()
		return
	}
	s.stateLast = seq
	s.stateMu.Unlock()

	s.send(stateFrame(state))
}

// ─── Keepalive ────────────────────────────────────────────────────────────

// pingLoop sends protocol-level pings to the browser socket and every
// open sub-socket, catching half-open connections faster than OS
// timeouts would.
func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(sessionWriteTimeout)
			s.browser.WriteControl(websocket.PingMessage, nil, deadline)
			for _, ch := range []*subChannel{s.logs, s.console, s.status} {
				conn := ch.current()
				if conn == nil {
					continue
				}
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					// A dead write means a half-open socket; closing it
					// fails the channel's read loop, which reconnects.
					log.Printf("[relay] session %s: %s channel ping: %v", s.ID, ch.name, err)
					conn.Close()
				}
			}
		}
	}
}

// wsURL converts the agent's base HTTP URL plus a request path into the
// matching ws/wss URL.
func wsURL(endpoint, path string) string {
	u := endpoint + path
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
