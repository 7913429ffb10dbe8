// Package relay implements the live switch at the heart of the service:
// the socket endpoint agents, viewers, and dashboards connect to, the
// registry of live connections and fan-out groups, and the dispatcher that
// realises the per-role event state machines.
//
// Wire protocol: every text message is a JSON envelope {"event","data"}.
// Screen frames travel as binary messages that the relay never parses — an
// agent's binary payload is fanned out to its viewer group byte-for-byte,
// and dropped rather than queued when a viewer cannot keep up.
package relay

import "encoding/json"

// Envelope is the JSON shape of every text message on the socket channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Server- and agent-originated event names. Viewer-originated names live in
// the validate package, which owns their payload constraints.
const (
	EventScreenInfo       = "screen-info"
	EventDisplaysList     = "displays-list"
	EventClipboardContent = "clipboard-content"
	EventAgentStatus      = "agent-status"
	EventMachineStatus    = "machine-status"
	EventStartStreaming   = "start-streaming"
	EventStopStreaming    = "stop-streaming"
	EventKicked           = "kicked"
	EventServerShutdown   = "server-shutdown"
	EventLatencyPing      = "latency-ping"
	EventLatencyPong      = "latency-pong"
)

// AgentStatus tells a viewer group whether their machine's agent is live.
type AgentStatus struct {
	Connected bool `json:"connected"`
}

// MachineStatus is the per-machine lifecycle event sent to a user's group.
type MachineStatus struct {
	MachineID string `json:"machineId"`
	Connected bool   `json:"connected"`
}

// Kicked is sent to a connection displaced by a newer peer with the same
// identity, immediately before it is disconnected.
type Kicked struct {
	Reason string `json:"reason"`
}

// ServerShutdown is broadcast to every socket during graceful drain.
type ServerShutdown struct {
	Message string `json:"message"`
}
