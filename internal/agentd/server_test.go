package agentd

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"helmsman/internal/signing"
)

func testIdentity() *Identity {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	return &Identity{NodeID: "node-1", SecretHex: hex.EncodeToString(secret)}
}

func setupAgentServer(t *testing.T) (*httptest.Server, *fakeBackend, *signing.Signer) {
	t.Helper()
	identity := testIdentity()

	backend := newFakeBackend()
	sup := NewSupervisor()
	sup.Register("s1", backend)

	srv := httptest.NewServer(NewServer(identity, sup).Routes())
	t.Cleanup(srv.Close)

	return srv, backend, signing.NewSigner(identity.NodeID, identity.SecretBytes())
}

func dialSigned(t *testing.T, srv *httptest.Server, signer *signing.Signer, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http")+path,
		signer.Headers("GET", path, nil))
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestAgentRejectsUnsignedStream(t *testing.T) {
	srv, _, _ := setupAgentServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/servers/s1/logs/stream", nil)
	if err == nil {
		t.Fatal("unsigned upgrade accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", resp)
	}
}

func TestAgentHealthIsExempt(t *testing.T) {
	srv, _, _ := setupAgentServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}

func TestAgentServesHealthBeforeEnrollment(t *testing.T) {
	sup := NewSupervisor()
	holder := NewIdentityHolder(nil)
	srv := httptest.NewServer(NewServer(holder, sup).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health before enrollment = %d", resp.StatusCode)
	}

	// Signed endpoints stay locked: no identity means no secret to
	// verify against, even for well-formed headers.
	identity := testIdentity()
	signer := signing.NewSigner(identity.NodeID, identity.SecretBytes())
	path := "/api/v1/servers/s1/status"
	req, _ := http.NewRequest("GET", srv.URL+path, nil)
	req.Header = signer.Headers("GET", path, nil)

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("pre-enrollment signed request = %d, want 401", resp.StatusCode)
	}

	// Once enrollment lands, the same request verifies.
	sup.Register("s1", newFakeBackend())
	holder.Set(identity)

	req, _ = http.NewRequest("GET", srv.URL+path, nil)
	req.Header = signer.Headers("GET", path, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("post-enrollment signed request = %d, want 200", resp.StatusCode)
	}
}

func TestAgentLogStream(t *testing.T) {
	srv, backend, signer := setupAgentServer(t)

	conn := dialSigned(t, srv, signer, "/api/v1/servers/s1/logs/stream?tail=0")
	backend.lines <- "2026-08-29T10:00:01Z hello from the workload"

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello from the workload") {
		t.Errorf("got %q", data)
	}
}

func TestAgentStatusPoll(t *testing.T) {
	srv, _, signer := setupAgentServer(t)

	path := "/api/v1/servers/s1/status"
	req, _ := http.NewRequest("GET", srv.URL+path, nil)
	req.Header = signer.Headers("GET", path, nil)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var msg struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatalf("bad status body %q: %v", body, err)
	}
	if msg.State != "running" {
		t.Errorf("state = %q", msg.State)
	}
}

func TestAgentStatusStreamPushesChanges(t *testing.T) {
	srv, backend, signer := setupAgentServer(t)

	conn := dialSigned(t, srv, signer, "/api/v1/servers/s1/status/stream")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "running") {
		t.Errorf("first push = %q", data)
	}

	backend.mu.Lock()
	backend.state = "stopped"
	backend.mu.Unlock()

	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "stopped") {
		t.Errorf("second push = %q", data)
	}
}

func TestAgentConsoleStream(t *testing.T) {
	srv, backend, signer := setupAgentServer(t)

	conn := dialSigned(t, srv, signer, "/api/v1/servers/s1/console/stream")
	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"cmd","data":"say hi"}`)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "command to reach stdin", func() bool {
		s := backend.latestStream()
		return s != nil && strings.Contains(s.contents(), "say hi\n")
	})
}

func TestAgentUnknownServer(t *testing.T) {
	srv, _, signer := setupAgentServer(t)

	path := "/api/v1/servers/ghost/status"
	req, _ := http.NewRequest("GET", srv.URL+path, nil)
	req.Header = signer.Headers("GET", path, nil)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
