package agentd

import (
	"context"
	"log"
	"sync"
	"time"
)

const consoleReattachDelay = 600 * time.Millisecond

// ConsoleAttachLoop keeps a write stream attached to a workload's stdin
// for one console connection. When the attach handle dies (the workload
// restarted), it reattaches after a short delay; a write while detached
// attaches on demand instead of failing outright. Attach failures are
// surfaced as plain diagnostic text on the console channel, not as
// structured errors.
type ConsoleAttachLoop struct {
	backend Backend
	diag    func(string)

	mu     sync.Mutex
	stream ConsoleStream

	// lastDiag is touched only from the run goroutine.
	lastDiag string

	done      chan struct{}
	closeOnce sync.Once
}

// NewConsoleAttachLoop starts the reattach loop. diag receives
// human-readable attach diagnostics. Call Close when the owning console
// connection ends.
func NewConsoleAttachLoop(backend Backend, diag func(string)) *ConsoleAttachLoop {
	c := &ConsoleAttachLoop{
		backend: backend,
		diag:    diag,
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *ConsoleAttachLoop) run() {
	for {
		if c.closed() {
			return
		}

		stream := c.getStream()
		if stream == nil {
			s, err := c.backend.Attach(context.Background())
			if err != nil {
				c.report("console attach failed: " + err.Error())
				if !c.wait() {
					return
				}
				continue
			}
			c.lastDiag = ""
			// A concurrent write may have attached first.
			if !c.setStreamIfDetached(s) {
				s.Close()
			}
			continue
		}

		select {
		case <-stream.Done():
			c.clearStream(stream)
			stream.Close()
			c.report("console detached; reattaching")
			if !c.wait() {
				return
			}
		case <-c.done:
			return
		}
	}
}

// report forwards a diagnostic to the console once per condition. A
// workload that stays down would otherwise repeat the same line every
// reattach cycle, so repeats go to the log instead.
func (c *ConsoleAttachLoop) report(msg string) {
	if msg == c.lastDiag {
		log.Printf("[agent] %s", msg)
		return
	}
	c.lastDiag = msg
	c.diag(msg)
}

// Write sends a command line to the workload's stdin, attaching first if
// no stream is currently up.
func (c *ConsoleAttachLoop) Write(p []byte) error {
	stream := c.getStream()
	if stream == nil {
		s, err := c.backend.Attach(context.Background())
		if err != nil {
			return err
		}
		if !c.setStreamIfDetached(s) {
			s.Close()
			stream = c.getStream()
		} else {
			stream = s
		}
	}
	if stream == nil {
		// Lost another race; one retry through the fresh stream.
		return c.Write(p)
	}

	if err := stream.Write(p); err != nil {
		c.clearStream(stream)
		stream.Close()
		return err
	}
	return nil
}

// Close stops the loop and detaches. Safe to call more than once.
func (c *ConsoleAttachLoop) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if stream := c.getStream(); stream != nil {
			stream.Close()
		}
	})
}

func (c *ConsoleAttachLoop) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *ConsoleAttachLoop) wait() bool {
	timer := time.NewTimer(consoleReattachDelay)
	defer timer.Stop()
	select {
	case <-c.done:
		return false
	case <-timer.C:
		return !c.closed()
	}
}

func (c *ConsoleAttachLoop) getStream() ConsoleStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *ConsoleAttachLoop) setStreamIfDetached(s ConsoleStream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return false
	}
	c.stream = s
	return true
}

func (c *ConsoleAttachLoop) clearStream(s ConsoleStream) {
	c.mu.Lock()
	if c.stream == s {
		c.stream = nil
	}
	c.mu.Unlock()
}
