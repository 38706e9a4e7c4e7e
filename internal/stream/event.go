package stream

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates the outward event union.
type EventType string

const (
	// EventStart opens a turn. Carries nothing mutable.
	EventStart EventType = "start"

	// EventContent is one additive text delta. Deltas for one assistant
	// message arrive in the exact order they must be concatenated.
	EventContent EventType = "content"

	// EventToolCall is one fully-assembled tool invocation.
	EventToolCall EventType = "tool_call"

	// EventComplete terminates a successful turn. At most one complete
	// or error event ends a turn, and it is always the last event.
	EventComplete EventType = "complete"

	// EventError terminates a failed or blocked turn.
	EventError EventType = "error"
)

// Event is the wire unit of the outward protocol.
type Event struct {
	Type EventType `json:"type"`

	// content
	Text string `json:"text,omitempty"`

	// tool_call
	ToolName   string          `json:"name,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Extra      json.RawMessage `json:"extra,omitempty"`

	// complete
	FinalText       string   `json:"finalText,omitempty"`
	Usage           *Usage   `json:"usage,omitempty"`
	Sources         []Source `json:"sources,omitempty"`
	ServerMessageID string   `json:"serverMessageId,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Usage is the token accounting attached to a complete event.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Source is a citation attached to a completed assistant turn.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

// IsTerminal reports whether the event ends a turn.
func (e Event) IsTerminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// Validate rejects events outside the union.
func (e Event) Validate() error {
	switch e.Type {
	case EventStart, EventContent, EventToolCall, EventComplete, EventError:
		return nil
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
}

// Start returns a turn-opening event.
func Start() Event {
	return Event{Type: EventStart}
}

// Content returns one text delta event.
func Content(text string) Event {
	return Event{Type: EventContent, Text: text}
}

// ToolCall returns one assembled tool invocation event.
func ToolCall(name string, parameters, extra json.RawMessage) Event {
	return Event{Type: EventToolCall, ToolName: name, Parameters: parameters, Extra: extra}
}

// Complete returns the successful terminal event.
func Complete(finalText string, usage Usage, sources []Source, serverMessageID string) Event {
	return Event{
		Type:            EventComplete,
		FinalText:       finalText,
		Usage:           &usage,
		Sources:         sources,
		ServerMessageID: serverMessageID,
	}
}

// Error returns the failed terminal event. Message must already be
// sanitized for end users.
func Error(code, message string) Event {
	return Event{Type: EventError, Code: code, Message: message}
}
