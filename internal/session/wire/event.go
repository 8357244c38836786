// Package wire defines the uniform event and control vocabulary of a session.
// Adapters map their protocol frames into Payload values; the supervisor
// assigns sequence numbers and publishes Events; browser-facing consumers and
// the control channel speak these shapes as JSON.
package wire

import (
	"encoding/json"
	"time"
)

// EventType discriminates the event payload.
type EventType string

// Event types (closed set).
const (
	EventSessionInit  EventType = "session:init"
	EventSessionState EventType = "session:state"

	EventAgentText          EventType = "agent:text"
	EventAgentTextDelta     EventType = "agent:text-delta"
	EventAgentThinking      EventType = "agent:thinking"
	EventAgentThinkingDelta EventType = "agent:thinking-delta"
	EventAgentToolStart     EventType = "agent:tool-start"
	EventAgentToolEnd       EventType = "agent:tool-end"
	EventAgentResult        EventType = "agent:result"
	EventAgentActivity      EventType = "agent:activity"
	EventAgentToolApproval  EventType = "agent:tool-approval"
	EventAgentAskUser       EventType = "agent:ask-user"

	EventUserMessage EventType = "user:message"

	EventSystemInfo      EventType = "system:info"
	EventSystemError     EventType = "system:error"
	EventSystemRateLimit EventType = "system:rate-limit"
	EventSystemMcpStatus EventType = "system:mcp-status"

	EventTeamMessage EventType = "team:message"
)

// Payload is an event without identity: the type plus its variant fields.
// Mappers produce Payloads; only the supervisor turns them into Events,
// because sequence assignment must be serialized per session.
type Payload struct {
	Type   EventType
	Fields map[string]any
}

// NewPayload builds a Payload. Fields may be nil for bare events.
func NewPayload(t EventType, fields map[string]any) Payload {
	return Payload{Type: t, Fields: fields}
}

// Info is a convenience constructor for system:info payloads.
func Info(message string) Payload {
	return Payload{Type: EventSystemInfo, Fields: map[string]any{"message": message}}
}

// Error is a convenience constructor for system:error payloads.
func Error(message string) Payload {
	return Payload{Type: EventSystemError, Fields: map[string]any{"message": message}}
}

// Event is one sequenced session event. ID equals the session's eventSeq at
// emission and is the reconnect cursor for subscribers.
type Event struct {
	ID        uint64
	SessionID string
	TS        time.Time
	Type      EventType
	Fields    map[string]any
}

// Flatten returns the wire shape of the event: Fields beside the envelope
// keys in one flat object. Publishers and MarshalJSON share it.
func (e Event) Flatten() map[string]any {
	m := make(map[string]any, len(e.Fields)+4)
	for k, v := range e.Fields {
		m[k] = v
	}
	m["id"] = e.ID
	m["sessionId"] = e.SessionID
	m["ts"] = e.TS.UTC().Format(time.RFC3339Nano)
	m["type"] = string(e.Type)
	return m
}

// MarshalJSON flattens Fields beside the envelope keys.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Flatten())
}

// UnmarshalJSON splits the envelope keys back out of the flat object.
func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if v, ok := m["id"].(float64); ok {
		e.ID = uint64(v)
	}
	if v, ok := m["sessionId"].(string); ok {
		e.SessionID = v
	}
	if v, ok := m["ts"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.TS = ts
		}
	}
	if v, ok := m["type"].(string); ok {
		e.Type = EventType(v)
	}
	delete(m, "id")
	delete(m, "sessionId")
	delete(m, "ts")
	delete(m, "type")
	if len(m) > 0 {
		e.Fields = m
	}
	return nil
}
