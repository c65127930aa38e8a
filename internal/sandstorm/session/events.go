// Package session drives one sandbox run through its lifecycle and turns the
// agent's raw output into an ordered stream of typed events.
package session

import (
	"encoding/json"
	"time"
)

// EventType classifies an event on a session's stream.
type EventType string

const (
	// EventLifecycle reports a state-machine transition.
	EventLifecycle EventType = "lifecycle"
	// EventAgentMessage carries one JSON object emitted by the agent
	// process, passed through structurally unexamined.
	EventAgentMessage EventType = "agent_message"
	// EventError reports a non-fatal or fatal typed error.
	EventError EventType = "error"
	// EventResult is the final event of a session.
	EventResult EventType = "result"
)

// ErrorKind is the error taxonomy surfaced on event streams.
type ErrorKind string

const (
	ErrorMalformedOutput ErrorKind = "malformed_output"
	ErrorProvision       ErrorKind = "provision"
	ErrorInfra           ErrorKind = "infra"
)

// Event is one immutable record on a session's stream. Events are strictly
// ordered by emission time within a session and consumed at most once per
// subscriber.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	TS        time.Time `json:"ts"`

	// Lifecycle transition, set when Type is EventLifecycle.
	From State `json:"from,omitempty"`
	To   State `json:"to,omitempty"`

	// Message is the raw decoded agent JSON object, set when Type is
	// EventAgentMessage. Unrecognized fields pass through untouched.
	Message json.RawMessage `json:"message,omitempty"`

	// Error details, set when Type is EventError.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`

	// Result, set when Type is EventResult.
	Result *Result `json:"result,omitempty"`
}

// Outcome is the terminal disposition of a session.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeAgentError   Outcome = "agent_error"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeInfraFailure Outcome = "infra_failure"
)

// Result describes how a session ended.
type Result struct {
	Outcome Outcome `json:"outcome"`
	// Subtype is the agent-reported terminal subtype, when the outcome came
	// from the agent.
	Subtype string `json:"subtype,omitempty"`
	// Payload is the agent's structured result object, when present.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Error is a human-readable description for non-success outcomes.
	Error string `json:"error,omitempty"`
}

// Agent-reported terminal subtypes. The agent process marks the end of a run
// with a {"type":"result","subtype":...} line carrying one of these.
const (
	SubtypeSuccess          = "success"
	SubtypeMaxTurns         = "error_max_turns"
	SubtypeExecutionError   = "error_during_execution"
	SubtypeBudgetExceeded   = "error_budget_exceeded"
	SubtypeRetriesExhausted = "error_retries_exhausted"
)

// terminalType is the discriminator value marking an end-of-run line.
const terminalType = "result"

// outcomeForSubtype maps an agent terminal subtype to a session outcome.
// Unknown subtypes on a result line are conservatively agent errors.
func outcomeForSubtype(subtype string) Outcome {
	if subtype == SubtypeSuccess {
		return OutcomeSuccess
	}
	return OutcomeAgentError
}
