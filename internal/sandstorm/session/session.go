package session

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/sandbox"
)

// State is a session lifecycle state.
type State string

const (
	// StateAdmitted means a slot is held but no environment exists yet.
	StateAdmitted State = "admitted"
	// StateProvisioning means backend provisioning is in flight.
	StateProvisioning State = "provisioning"
	// StateRunning means the agent process is executing and the timeout
	// watchdog is armed.
	StateRunning State = "running"
	// StateDraining means a terminal condition was observed but teardown has
	// not completed.
	StateDraining State = "draining"
	// StateTerminated is terminal: environment destroyed, slot released,
	// stream closed.
	StateTerminated State = "terminated"
)

// RunRequest is the immutable input to one session.
type RunRequest struct {
	// Prompt is the opaque task description handed to the agent.
	Prompt string `json:"prompt"`

	// Model selects the agent's model. Empty means the agent's default.
	Model string `json:"model,omitempty"`

	// SystemPrompt overrides the agent's system prompt.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// MaxTurns bounds the agent's turn budget. Zero means unbounded.
	MaxTurns int `json:"max_turns,omitempty"`

	// Timeout is the requested wall-clock budget. Clamped to the configured
	// [min, max] window; zero means the configured default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// OutputSchema is an optional JSON schema the agent's structured result
	// must conform to. Validated as a schema before admission.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	// Agents holds named sub-agent definitions, passed through to the agent
	// process unexamined.
	Agents map[string]json.RawMessage `json:"agents,omitempty"`

	// MCPServers holds auxiliary tool-server endpoint definitions, passed
	// through to the agent process unexamined.
	MCPServers map[string]json.RawMessage `json:"mcp_servers,omitempty"`

	// Files maps sandbox-relative paths to content materialized under the
	// work directory before the agent starts.
	Files map[string][]byte `json:"files,omitempty"`

	// AnthropicAPIKey is the credential injected into the sandbox.
	AnthropicAPIKey string `json:"anthropic_api_key,omitempty"`

	// OpenRouterAPIKey overrides the provider auth token for this request.
	OpenRouterAPIKey string `json:"openrouter_api_key,omitempty"`
}

// Validate checks request invariants that do not depend on configuration.
func (r *RunRequest) Validate() error {
	if r.Prompt == "" {
		return fmt.Errorf("prompt must not be empty")
	}
	if r.MaxTurns < 0 {
		return fmt.Errorf("max_turns must be positive or zero (unbounded), got %d", r.MaxTurns)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	for p := range r.Files {
		if p == "" {
			return fmt.Errorf("file paths must not be empty")
		}
		if path.IsAbs(p) {
			return fmt.Errorf("file path %q must be relative to the work directory", p)
		}
		clean := path.Clean(p)
		if clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("file path %q escapes the work directory", p)
		}
	}
	return nil
}

// Session is the mutable unit of orchestration state for one RunRequest.
// It is owned exclusively by the Manager that created it; nothing outside
// that manager mutates it.
type Session struct {
	ID        string
	Request   RunRequest
	State     State
	Handle    sandbox.Handle
	CreatedAt time.Time
	Deadline  time.Time
}

// newSession creates a Session in the admitted state with its deadline fixed
// at creation + timeout. The timeout must already be clamped.
func newSession(req RunRequest, timeout time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:        uuid.NewString(),
		Request:   req,
		State:     StateAdmitted,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
	}
}
