package agentd

import (
	"context"
	"strings"
	"testing"
	"time"
)

func collectLines(t *testing.T, ch <-chan string, n int) []string {
	t.Helper()
	var out []string
	timeout := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case line, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, line)
		case <-timeout:
			t.Fatalf("got %d lines, want %d", len(out), n)
		}
	}
	return out
}

func backendWithBacklog(t *testing.T) *ProcessBackend {
	t.Helper()
	b := NewProcessBackend("true")
	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	for i, text := range []string{"one", "two", "three", "four"} {
		at := base.Add(time.Duration(i) * time.Second)
		b.now = func() time.Time { return at }
		b.appendLine(text)
	}
	return b
}

func TestProcessLogsTailReplay(t *testing.T) {
	b := backendWithBacklog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Logs(ctx, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	lines := collectLines(t, ch, 2)
	if !strings.HasSuffix(lines[0], "three") || !strings.HasSuffix(lines[1], "four") {
		t.Errorf("tail replay = %v", lines)
	}
}

func TestProcessLogsSinceReplay(t *testing.T) {
	b := backendWithBacklog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	since := time.Date(2026, 8, 29, 10, 0, 2, 0, time.UTC).Unix()
	ch, err := b.Logs(ctx, since, 0)
	if err != nil {
		t.Fatal(err)
	}
	lines := collectLines(t, ch, 2)
	if !strings.HasSuffix(lines[0], "three") || !strings.HasSuffix(lines[1], "four") {
		t.Errorf("since replay = %v", lines)
	}
}

func TestProcessLogLinesCarryTimestamps(t *testing.T) {
	b := backendWithBacklog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := b.Logs(ctx, 0, 1)
	lines := collectLines(t, ch, 1)

	token := strings.SplitN(lines[0], " ", 2)[0]
	if _, err := time.Parse(time.RFC3339, token); err != nil {
		t.Errorf("line %q does not lead with an RFC3339 timestamp", lines[0])
	}
}

func TestProcessAttachRequiresRunning(t *testing.T) {
	b := NewProcessBackend("true")
	if _, err := b.Attach(context.Background()); err == nil {
		t.Error("attach succeeded with no running process")
	}
}
