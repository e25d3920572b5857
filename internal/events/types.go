package events

import "time"

// EventType identifies the kind of event being published.
type EventType string

const (
	// Node lifecycle events
	NodeEnrolled EventType = "node_enrolled"
	NodeOnline   EventType = "node_online"
	NodeOffline  EventType = "node_offline"

	// Relay session events
	SessionOpened   EventType = "session_opened"
	SessionClosed   EventType = "session_closed"
	SessionError    EventType = "session_error"
	TokenRejected   EventType = "token_rejected"
	ChannelDegraded EventType = "channel_degraded"
)

// Severity indicates the urgency of an event.
type Severity int

const (
	SeverityInfo     Severity = 0
	SeverityWarning  Severity = 1
	SeverityCritical Severity = 2
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is the payload published through the bus.
type Event struct {
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	NodeID    string            `json:"node_id,omitempty"`
	ServerID  string            `json:"server_id,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
