package agentd

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"helmsman/internal/signing"
)

const (
	streamPingInterval  = 25 * time.Second
	streamWriteTimeout  = 10 * time.Second
	statusProbeInterval = time.Second
)

// Server exposes the agent's per-workload stream endpoints, every one of
// them behind HMAC verification. The health check stays reachable even
// before enrollment.
type Server struct {
	sup      *Supervisor
	verifier *signing.Verifier
	upgrader websocket.Upgrader
}

// NewServer builds the agent API around the enrolled identity.
func NewServer(identity signing.IdentityStore, sup *Supervisor) *Server {
	return &Server{
		sup:      sup,
		verifier: signing.NewVerifier(identity, "/health"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Routes returns the agent handler with verification applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /api/v1/servers/{id}/logs/stream", s.handleLogStream)
	mux.HandleFunc("GET /api/v1/servers/{id}/console/stream", s.handleConsoleStream)
	mux.HandleFunc("GET /api/v1/servers/{id}/status/stream", s.handleStatusStream)
	mux.HandleFunc("GET /api/v1/servers/{id}/status", s.handleStatus)
	return s.verifier.Wrap(mux)
}

// ─── Logs ─────────────────────────────────────────────────────────────────

func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	backend, err := s.sup.Backend(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"unknown server"}`, http.StatusNotFound)
		return
	}

	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	tail, _ := strconv.Atoi(r.URL.Query().Get("tail"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	lines, err := backend.Logs(ctx, since, tail)
	if err != nil {
		log.Printf("[agent] log stream for %s: %v", r.PathValue("id"), err)
		return
	}

	go discardReads(conn, cancel)
	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout))
		case line, ok := <-lines:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		}
	}
}

// ─── Console ──────────────────────────────────────────────────────────────

func (s *Server) handleConsoleStream(w http.ResponseWriter, r *http.Request) {
	backend, err := s.sup.Backend(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"unknown server"}`, http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Diagnostics go back over the console socket as plain text; the
	// panel forwards them to the browser as informational messages.
	out := &textWriter{conn: conn}

	loop := NewConsoleAttachLoop(backend, func(msg string) {
		out.writeText(msg)
	})
	defer loop.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Type string `json:"type"`
			Data string `json:"data"`
		}
		cmd := string(data)
		if err := json.Unmarshal(data, &msg); err == nil && msg.Type == "cmd" {
			cmd = msg.Data
		}

		if err := loop.Write([]byte(cmd + "\n")); err != nil {
			out.writeText("command failed: " + err.Error())
		}
	}
}

// textWriter serializes text writes to a stream socket; the attach
// loop's diagnostics and the read loop's errors share it.
type textWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *textWriter) writeText(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	w.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// ─── Status ───────────────────────────────────────────────────────────────

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	backend, err := s.sup.Backend(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"unknown server"}`, http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go discardReads(conn, cancel)

	probe := time.NewTicker(statusProbeInterval)
	defer probe.Stop()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-probe.C:
			state, err := backend.State(ctx)
			if err != nil || state == last {
				continue
			}
			last = state
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(map[string]string{"state": state}); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	backend, err := s.sup.Backend(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"unknown server"}`, http.StatusNotFound)
		return
	}

	state, err := backend.State(r.Context())
	if err != nil {
		http.Error(w, `{"error":"state probe failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"state": state})
}

// discardReads drains a socket whose inbound direction carries nothing
// meaningful, cancelling the stream when the peer goes away.
func discardReads(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
