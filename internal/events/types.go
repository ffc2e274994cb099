// Package events defines the event types and payloads flowing through
// the Adjutant event bus.
package events

import (
	"github.com/adjutant-project/adjutant/internal/protocol"
)

// EventType identifies the kind of event emitted through the Bus.
type EventType string

const (
	// Session lifecycle events
	EventSessionConnected EventType = "session_connected"
	EventSessionClosed    EventType = "session_closed"
	EventSessionFailed    EventType = "session_failed"

	// Command execution events
	EventCommandExecuted EventType = "command_executed"
	EventCommandFailed   EventType = "command_failed"

	// Watch scheduler events
	EventWatchResult EventType = "watch_result"

	// Diagnostic listener events
	EventListenerPacket EventType = "listener_packet"

	// System events
	EventConfigLoaded EventType = "config_loaded"
	EventShutdown     EventType = "shutdown"
)

// CommandOutcome classifies how a console command ended. It doubles as
// the history outcome column and the metrics outcome label.
type CommandOutcome int

const (
	OutcomeOK CommandOutcome = iota
	OutcomeTimeout
	OutcomeUnreachable
	OutcomeAuthFailed
	OutcomeProtocolError
	OutcomeSessionBroken
	OutcomeIOError
)

// commandOutcomeStrings maps CommandOutcome values to their lowercase string form.
var commandOutcomeStrings = map[CommandOutcome]string{
	OutcomeOK:            "ok",
	OutcomeTimeout:       "timeout",
	OutcomeUnreachable:   "unreachable",
	OutcomeAuthFailed:    "auth_failed",
	OutcomeProtocolError: "protocol_error",
	OutcomeSessionBroken: "session_broken",
	OutcomeIOError:       "io_error",
}

// String returns the string representation of CommandOutcome.
func (o CommandOutcome) String() string {
	if str, ok := commandOutcomeStrings[o]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes CommandOutcome as a JSON string (e.g. "ok").
func (o CommandOutcome) MarshalJSON() ([]byte, error) {
	return []byte(`"` + o.String() + `"`), nil
}

// Event is a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// SessionPayload describes a session lifecycle change.
type SessionPayload struct {
	Server string `json:"server"`
	Addr   string `json:"addr"`
	Error  string `json:"error,omitempty"`
}

// CommandPayload describes one executed console command.
type CommandPayload struct {
	Server       string         `json:"server"`
	Command      string         `json:"command"`
	Outcome      CommandOutcome `json:"outcome"`
	ResponseSize int            `json:"response_size"`
	DurationMS   int64          `json:"duration_ms"`
	Error        string         `json:"error,omitempty"`
}

// WatchResultPayload carries the output of one scheduled watch command.
type WatchResultPayload struct {
	Server     string `json:"server"`
	Command    string `json:"command"`
	Response   string `json:"response"`
	DurationMS int64  `json:"duration_ms"`
}

// ListenerPacketPayload describes a packet observed by the diagnostic
// listener.
type ListenerPacketPayload struct {
	RemoteAddr string          `json:"remote_addr"`
	Packet     protocol.Packet `json:"packet"`
	Error      string          `json:"error,omitempty"`
}

// ConfigLoadedPayload is emitted once the configuration file is read.
type ConfigLoadedPayload struct {
	Path    string `json:"path"`
	Servers int    `json:"servers"`
}
