package relay

import "encoding/json"

// ─── Browser-facing frame protocol ────────────────────────────────────────

// ServerState is the normalized workload state forwarded to the browser.
type ServerState string

const (
	StateUnknown  ServerState = "unknown"
	StateStarting ServerState = "starting"
	StateRunning  ServerState = "running"
	StateStopped  ServerState = "stopped"
	StateCrashed  ServerState = "crashed"
)

// NormalizeState maps arbitrary backend state strings onto the enum.
func NormalizeState(raw string) ServerState {
	switch ServerState(raw) {
	case StateStarting, StateRunning, StateStopped, StateCrashed:
		return ServerState(raw)
	}
	return StateUnknown
}

// Frame is the wire format for every message the relay sends to the
// browser. Streams are independent; the Type tag is the only multiplexing
// mechanism.
type Frame struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
	Channel string `json:"channel,omitempty"`
	Status  string `json:"status,omitempty"`
}

func logsFrame(data string) Frame  { return Frame{Type: "logs", Data: data} }
func pongFrame() Frame             { return Frame{Type: "pong"} }
func infoFrame(msg string) Frame   { return Frame{Type: "info", Message: msg} }
func errorFrame(msg string) Frame  { return Frame{Type: "error", Message: msg} }
func stateFrame(s ServerState) Frame {
	return Frame{Type: "state", Value: string(s)}
}
func agentFrame(channel, status string) Frame {
	return Frame{Type: "agent", Channel: channel, Status: status}
}

// ─── Inbound browser messages ─────────────────────────────────────────────

// ClientKind discriminates decoded browser messages.
type ClientKind int

const (
	ClientCmd ClientKind = iota
	ClientPing
	ClientRaw // non-JSON frame, treated as a raw command string
)

// ClientMessage is the decoded form of a frame received from the browser.
type ClientMessage struct {
	Kind ClientKind
	Data string
}

// DecodeClientMessage parses a browser frame. Anything that is not valid
// JSON of a known shape falls back to a raw command string rather than an
// error.
func DecodeClientMessage(raw []byte) ClientMessage {
	var msg struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{Kind: ClientRaw, Data: string(raw)}
	}

	switch msg.Type {
	case "cmd":
		return ClientMessage{Kind: ClientCmd, Data: msg.Data}
	case "ping":
		return ClientMessage{Kind: ClientPing}
	default:
		return ClientMessage{Kind: ClientRaw, Data: string(raw)}
	}
}
