package agentd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"time"
)

const logBacklogSize = 2048

// logLine is one captured output line with its arrival time.
type logLine struct {
	at   int64 // epoch seconds
	text string
}

// ProcessBackend runs a workload as a local child process. It is the
// development backend; a container engine backend implements the same
// interface over its API. Output lines are timestamped so the relay's
// log cursor has something to parse.
type ProcessBackend struct {
	name string
	args []string
	dir  string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	state   string
	backlog []logLine // ring of recent lines
	subs    map[chan string]struct{}
	epoch   chan struct{} // closed when the current process exits
	now     func() time.Time
}

// NewProcessBackend prepares a backend for the given command. The
// process starts on the first Start call.
func NewProcessBackend(name string, args ...string) *ProcessBackend {
	return &ProcessBackend{
		name:  name,
		args:  args,
		state: "stopped",
		subs:  make(map[chan string]struct{}),
		now:   time.Now,
	}
}

// SetWorkDir sets the working directory for the workload process.
// Must be called before Start.
func (b *ProcessBackend) SetWorkDir(dir string) {
	b.mu.Lock()
	b.dir = dir
	b.mu.Unlock()
}

// Start launches the workload process.
func (b *ProcessBackend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmd != nil {
		return fmt.Errorf("workload already running")
	}

	cmd := exec.CommandContext(ctx, b.name, b.args...)
	cmd.Dir = b.dir
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start workload: %w", err)
	}

	b.cmd = cmd
	b.stdin = stdin
	b.state = "starting"
	b.epoch = make(chan struct{})

	go b.captureOutput(stdout)
	go b.reap(cmd, b.epoch)
	return nil
}

func (b *ProcessBackend) captureOutput(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	first := true
	for scanner.Scan() {
		if first {
			b.mu.Lock()
			if b.state == "starting" {
				b.state = "running"
			}
			b.mu.Unlock()
			first = false
		}
		b.appendLine(scanner.Text())
	}
}

func (b *ProcessBackend) reap(cmd *exec.Cmd, epoch chan struct{}) {
	err := cmd.Wait()

	b.mu.Lock()
	if b.cmd == cmd {
		if err != nil {
			b.state = "crashed"
		} else {
			b.state = "stopped"
		}
		b.cmd = nil
		b.stdin = nil
	}
	b.mu.Unlock()
	close(epoch)

	if err != nil {
		log.Printf("[agent] workload %s exited: %v", b.name, err)
	}
}

// appendLine timestamps a raw output line, stores it in the backlog
// ring, and fans it out to live subscribers. Slow subscribers drop
// lines rather than stalling the capture loop.
func (b *ProcessBackend) appendLine(raw string) {
	now := b.now().UTC()
	line := now.Format(time.RFC3339) + " " + raw

	b.mu.Lock()
	b.backlog = append(b.backlog, logLine{at: now.Unix(), text: line})
	if len(b.backlog) > logBacklogSize {
		b.backlog = b.backlog[len(b.backlog)-logBacklogSize:]
	}
	for ch := range b.subs {
		select {
		case ch <- line:
		default:
		}
	}
	b.mu.Unlock()
}

// State implements Backend.
func (b *ProcessBackend) State(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, nil
}

// Logs implements Backend. Backlog selection follows the relay's cursor
// contract: since > 0 means "only lines at or after this second", no
// tail replay; otherwise the newest tail lines are replayed first.
func (b *ProcessBackend) Logs(ctx context.Context, since int64, tail int) (<-chan string, error) {
	sub := make(chan string, 256)

	b.mu.Lock()
	var replay []string
	if since > 0 {
		for _, l := range b.backlog {
			if l.at >= since {
				replay = append(replay, l.text)
			}
		}
	} else if tail > 0 {
		start := len(b.backlog) - tail
		if start < 0 {
			start = 0
		}
		for _, l := range b.backlog[start:] {
			replay = append(replay, l.text)
		}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	out := make(chan string, 256)
	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(out)
		}()

		for _, line := range replay {
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case line := <-sub:
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

// Attach implements Backend. The handle goes stale when the process
// exits; Done closes then, and the console loop reattaches to the next
// incarnation.
func (b *ProcessBackend) Attach(ctx context.Context) (ConsoleStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stdin == nil {
		return nil, fmt.Errorf("workload is not running")
	}
	return &processStream{backend: b, stdin: b.stdin, done: b.epoch}, nil
}

type processStream struct {
	backend *ProcessBackend
	stdin   io.Writer
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *processStream) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("console stream closed")
	}
	select {
	case <-s.done:
		return fmt.Errorf("workload exited")
	default:
	}
	_, err := s.stdin.Write(p)
	return err
}

func (s *processStream) Done() <-chan struct{} { return s.done }

// Close marks this handle dead. The underlying stdin pipe stays open
// for other attachments; it belongs to the process, not the handle.
func (s *processStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
