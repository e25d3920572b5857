package relay

import (
	"strings"
	"time"
)

// logTimestampLayouts are tried in order against the leading token of
// each log line. Container runtimes emit RFC3339 with or without
// fractional seconds.
var logTimestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// LogTailCursor tracks the newest log timestamp seen on one session's log
// sub-channel, so a reconnecting stream resumes from "since last event"
// instead of replaying the full tail or losing the gap.
//
// Not safe for concurrent use; it is owned by a single sub-channel.
type LogTailCursor struct {
	lastSince int64 // epoch seconds of the newest parsed timestamp
	seen      bool
}

// Observe scans a raw log chunk line-by-line for a leading ISO-8601-like
// timestamp and advances the cursor to the maximum second observed. The
// cursor never regresses on out-of-order lines.
func (c *LogTailCursor) Observe(chunk string) {
	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		token := line
		if i := strings.IndexAny(line, " \t"); i >= 0 {
			token = line[:i]
		}
		sec, ok := parseLogTimestamp(token)
		if !ok {
			continue
		}
		if !c.seen || sec > c.lastSince {
			c.lastSince = sec
			c.seen = true
		}
	}
}

// Since returns the cursor value and whether one exists yet.
func (c *LogTailCursor) Since() (int64, bool) {
	return c.lastSince, c.seen
}

func parseLogTimestamp(token string) (int64, bool) {
	for _, layout := range logTimestampLayouts {
		if ts, err := time.Parse(layout, token); err == nil {
			return ts.Unix(), true
		}
	}
	return 0, false
}
