package api

import (
	"encoding/json"
	"time"

	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/session"
)

// submitRequest is the wire form of a run submission. File contents are
// base64 in transit (encoding/json's []byte convention); the timeout is in
// seconds.
type submitRequest struct {
	Prompt           string                     `json:"prompt"`
	Model            string                     `json:"model,omitempty"`
	SystemPrompt     string                     `json:"system_prompt,omitempty"`
	MaxTurns         int                        `json:"max_turns,omitempty"`
	TimeoutSeconds   int                        `json:"timeout_seconds,omitempty"`
	OutputSchema     json.RawMessage            `json:"output_schema,omitempty"`
	Agents           map[string]json.RawMessage `json:"agents,omitempty"`
	MCPServers       map[string]json.RawMessage `json:"mcp_servers,omitempty"`
	Files            map[string][]byte          `json:"files,omitempty"`
	AnthropicAPIKey  string                     `json:"anthropic_api_key,omitempty"`
	OpenRouterAPIKey string                     `json:"openrouter_api_key,omitempty"`
}

// toRunRequest converts the wire form into the orchestrator's request type.
func (r submitRequest) toRunRequest() session.RunRequest {
	return session.RunRequest{
		Prompt:           r.Prompt,
		Model:            r.Model,
		SystemPrompt:     r.SystemPrompt,
		MaxTurns:         r.MaxTurns,
		Timeout:          time.Duration(r.TimeoutSeconds) * time.Second,
		OutputSchema:     r.OutputSchema,
		Agents:           r.Agents,
		MCPServers:       r.MCPServers,
		Files:            r.Files,
		AnthropicAPIKey:  r.AnthropicAPIKey,
		OpenRouterAPIKey: r.OpenRouterAPIKey,
	}
}
