package agentd

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeStream struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	done chan struct{}
}

func (s *fakeStream) Write(p []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("stream dead")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(p)
	return nil
}

func (s *fakeStream) Done() <-chan struct{} { return s.done }
func (s *fakeStream) Close() error          { return nil }

func (s *fakeStream) contents() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

type fakeBackend struct {
	mu       sync.Mutex
	attaches int
	failing  bool
	streams  []*fakeStream
	state    string
	lines    chan string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{state: "running", lines: make(chan string, 64)}
}

func (b *fakeBackend) State(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, nil
}

func (b *fakeBackend) Logs(ctx context.Context, since int64, tail int) (<-chan string, error) {
	out := make(chan string, 64)
	go func() {
		defer close(out)
		for {
			select {
			case line := <-b.lines:
				select {
				case out <- line:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *fakeBackend) Attach(ctx context.Context) (ConsoleStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attaches++
	if b.failing {
		return nil, fmt.Errorf("engine unavailable")
	}
	s := &fakeStream{done: make(chan struct{})}
	b.streams = append(b.streams, s)
	return s, nil
}

func (b *fakeBackend) attachCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attaches
}

func (b *fakeBackend) latestStream() *fakeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.streams) == 0 {
		return nil
	}
	return b.streams[len(b.streams)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConsoleWriteAttachesOnDemand(t *testing.T) {
	backend := newFakeBackend()
	loop := NewConsoleAttachLoop(backend, func(string) {})
	defer loop.Close()

	if err := loop.Write([]byte("say hello\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitFor(t, "command to land", func() bool {
		s := backend.latestStream()
		return s != nil && strings.Contains(s.contents(), "say hello")
	})
}

func TestConsoleReattachesAfterDetach(t *testing.T) {
	backend := newFakeBackend()
	loop := NewConsoleAttachLoop(backend, func(string) {})
	defer loop.Close()

	waitFor(t, "first attach", func() bool { return backend.attachCount() >= 1 })
	first := backend.latestStream()

	// Simulate the workload restarting.
	close(first.done)

	waitFor(t, "reattach", func() bool { return backend.attachCount() >= 2 })

	if err := loop.Write([]byte("still here\n")); err != nil {
		t.Fatalf("write after reattach: %v", err)
	}
	waitFor(t, "command on new stream", func() bool {
		s := backend.latestStream()
		return s != first && strings.Contains(s.contents(), "still here")
	})
}

func TestConsoleNoReattachAfterClose(t *testing.T) {
	backend := newFakeBackend()
	loop := NewConsoleAttachLoop(backend, func(string) {})

	waitFor(t, "first attach", func() bool { return backend.attachCount() >= 1 })
	stream := backend.latestStream()

	loop.Close()
	close(stream.done)

	count := backend.attachCount()
	time.Sleep(3 * consoleReattachDelay)
	if got := backend.attachCount(); got != count {
		t.Errorf("attach loop outlived close: %d -> %d attaches", count, got)
	}
}

func TestConsoleAttachFailureSurfacedAsDiagnostic(t *testing.T) {
	backend := newFakeBackend()
	backend.failing = true

	var mu sync.Mutex
	var diags []string
	loop := NewConsoleAttachLoop(backend, func(msg string) {
		mu.Lock()
		diags = append(diags, msg)
		mu.Unlock()
	})
	defer loop.Close()

	waitFor(t, "diagnostic", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, d := range diags {
			if strings.Contains(d, "console attach failed") {
				return true
			}
		}
		return false
	})

	if err := loop.Write([]byte("doomed\n")); err == nil {
		t.Error("write succeeded with no attachable stream")
	}
}

func TestConsoleRepeatedAttachFailureSentOnce(t *testing.T) {
	backend := newFakeBackend()
	backend.failing = true

	var mu sync.Mutex
	var diags []string
	loop := NewConsoleAttachLoop(backend, func(msg string) {
		mu.Lock()
		diags = append(diags, msg)
		mu.Unlock()
	})
	defer loop.Close()

	// Several reattach cycles fail the same way; the console hears
	// about the condition once.
	waitFor(t, "repeated attach attempts", func() bool { return backend.attachCount() >= 4 })

	mu.Lock()
	got := len(diags)
	mu.Unlock()
	if got != 1 {
		t.Fatalf("got %d diagnostics for one ongoing failure, want 1: %v", got, diags)
	}

	// Recovery clears the suppression: a later failure is surfaced
	// again.
	backend.mu.Lock()
	backend.failing = false
	backend.mu.Unlock()
	waitFor(t, "recovery attach", func() bool { return backend.latestStream() != nil })

	backend.mu.Lock()
	backend.failing = true
	backend.mu.Unlock()
	close(backend.latestStream().done)

	waitFor(t, "post-recovery failure diagnostic", func() bool {
		mu.Lock()
		defer mu.Unlock()
		failures := 0
		for _, d := range diags {
			if strings.Contains(d, "console attach failed") {
				failures++
			}
		}
		return failures >= 2
	})
}
