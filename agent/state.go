// Package agent implements the reasoning engine: an explicit state machine
// driving an LLM through plan, decide, act, observe and reflect steps until a
// finalized answer is produced. Control flow is an enumerated state type and
// a transition function, auditable and testable without dynamic dispatch.
package agent

import (
	"encoding/json"

	"github.com/dossierbot/dossier/memory"
	"github.com/dossierbot/dossier/types"
)

// RunState enumerates the states of one reasoning run.
type RunState string

const (
	StateStart     RunState = "start"
	StatePlan      RunState = "plan"
	StateDecide    RunState = "decide"
	StateAct       RunState = "act"
	StateToolsExec RunState = "tools_exec"
	StateReflect   RunState = "reflect"
	StateFinalize  RunState = "finalize"
)

// Status is the terminal disposition of a run. It only moves forward:
// running -> finalized or running -> aborted, never back.
type Status string

const (
	StatusRunning   Status = "running"
	StatusFinalized Status = "finalized"
	StatusAborted   Status = "aborted"
)

// ActionFinalize is the terminal action a decision may select instead of a
// tool invocation.
const ActionFinalize = "finalize"

// ActionRecord is one completed (or failed) tool invocation within a run.
// Failures are recorded, never dropped: the reflection step must see them.
type ActionRecord struct {
	Action string          `json:"action"`
	Input  json.RawMessage `json:"input,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ConversationState is the mutable record threaded through one run. It is
// created fresh per user turn, mutated exclusively by the engine, and
// discarded once the finalized turn is persisted. Two runs of the same
// conversation never share one.
type ConversationState struct {
	ConversationID   string           `json:"conversation_id"`
	RunID            string           `json:"run_id"`
	UserMessage      string           `json:"user_message"`
	History          []types.Message  `json:"history"`
	Plan             []string         `json:"plan"`
	KnowledgeContext []memory.Passage `json:"knowledge_context"`
	ActionLog        []ActionRecord   `json:"action_log"`
	CurrentAction    string           `json:"current_action"`
	CurrentInput     json.RawMessage  `json:"current_input,omitempty"`
	IterationCount   int              `json:"iteration_count"`
	Status           Status           `json:"status"`

	// Notes carries degraded-quality markers accumulated by fallback paths
	// (decision parse failure, iteration cap). Folded into the final answer.
	Notes []string `json:"notes,omitempty"`

	// FinalAnswer is set when the run reaches finalize.
	FinalAnswer string `json:"final_answer,omitempty"`
}

// validNext defines the transition table of the run state machine.
var validNext = map[RunState][]RunState{
	StateStart:     {StatePlan, StateFinalize},
	StatePlan:      {StateDecide},
	StateDecide:    {StateAct, StateReflect, StateFinalize},
	StateAct:       {StateToolsExec, StateReflect},
	StateToolsExec: {StateReflect},
	StateReflect:   {StateDecide, StateFinalize},
	StateFinalize:  {},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to RunState) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}
