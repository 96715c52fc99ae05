package agent

import (
	"encoding/json"
	"time"

	"github.com/dossierbot/dossier/types"
)

// EventType enumerates the events a run emits, in the order the state table
// produces them.
type EventType string

const (
	EventPlan       EventType = "plan"
	EventDecision   EventType = "decision"
	EventToolResult EventType = "tool_result"
	EventReflection EventType = "reflection"
	EventFinal      EventType = "final"
	EventError      EventType = "error"
)

// Event is one structured progress event of a run. Exactly one event is
// emitted per completed state; ordering is the caller's only progress signal
// and must never be rearranged downstream.
type Event struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id"`
	RunID          string          `json:"run_id"`
	Sequence       int             `json:"sequence"`
	Timestamp      time.Time       `json:"timestamp"`

	// Plan steps, set for EventPlan.
	Plan []string `json:"plan,omitempty"`

	// Chosen action and arguments, set for EventDecision.
	Action string          `json:"action,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`

	// Tool outcome, set for EventToolResult.
	ToolResult *types.ToolResult `json:"tool_result,omitempty"`

	// Reflection verdict ("continue" or "finalize"), set for EventReflection.
	Verdict string `json:"verdict,omitempty"`

	// Final answer text, set for EventFinal.
	Answer string `json:"answer,omitempty"`

	// Status and abort reason, set for EventFinal and EventError.
	Status Status `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// EventSink receives run events synchronously, in emission order. The sink
// owns backpressure; the engine blocks on a slow sink rather than reordering
// or dropping events.
type EventSink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(Event)

// Emit implements EventSink.
func (f SinkFunc) Emit(e Event) { f(e) }
