// Package runner owns everything that goes into a sandbox before the agent
// starts: the embedded runner script, the agent configuration, the Claude
// settings file, credentials, and the request's input files.
package runner

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"path"
	"sort"

	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/sandbox"
)

//go:embed runner.mjs
var runnerScript []byte

const (
	runnerPath      = sandbox.RunnerDir + "/runner.mjs"
	agentConfigPath = sandbox.RunnerDir + "/agent_config.json"
	settingsDir     = sandbox.WorkDir + "/.claude"
	settingsPath    = settingsDir + "/settings.json"

	// gcpCredentialsPath is where Vertex AI service-account credentials are
	// materialized inside the sandbox.
	gcpCredentialsPath = sandbox.WorkDir + "/.config/gcloud/service_account.json"
)

// Command is the argv that starts the agent process inside the sandbox.
func Command() []string {
	return []string{"node", "--no-warnings", runnerPath}
}

// Inputs collects everything materialized into a sandbox for one run.
type Inputs struct {
	// Prompt is the task description.
	Prompt string
	// Model, SystemPrompt, MaxTurns configure the agent query.
	Model        string
	SystemPrompt string
	MaxTurns     int
	// OutputSchema is the desired structured-output JSON schema, if any.
	OutputSchema json.RawMessage
	// Agents and MCPServers are passed through to the agent unexamined.
	Agents     map[string]json.RawMessage
	MCPServers map[string]json.RawMessage
	// Files maps sandbox-relative paths to content placed under the work
	// directory.
	Files map[string][]byte
	// GCPCredentials is the Vertex service-account JSON to upload, if the
	// host is configured for Vertex AI.
	GCPCredentials []byte
}

// agentConfig is the JSON document the runner script reads at startup.
type agentConfig struct {
	Prompt       string                     `json:"prompt"`
	Cwd          string                     `json:"cwd"`
	Model        string                     `json:"model,omitempty"`
	MaxTurns     int                        `json:"max_turns,omitempty"`
	SystemPrompt string                     `json:"system_prompt,omitempty"`
	OutputFormat json.RawMessage            `json:"output_format,omitempty"`
	Agents       map[string]json.RawMessage `json:"agents,omitempty"`
	MCPServers   map[string]json.RawMessage `json:"mcp_servers,omitempty"`
}

// claudeSettings is written to the sandbox so the agent runs non-interactive
// with experimental features off.
var claudeSettings = map[string]any{
	"permissions": map[string]any{"allow": []string{}, "deny": []string{}},
	"env":         map[string]string{"CLAUDE_CODE_DISABLE_EXPERIMENTAL_BETAS": "1"},
	"debug":       map[string]any{"enabled": false},
}

// Install materializes all inputs into the provisioned environment: agent
// settings, credentials, the request's files, the runner script, and the
// agent config. Directories are created before their files.
func Install(ctx context.Context, b sandbox.Backend, handle sandbox.Handle, in Inputs) error {
	settings, err := json.MarshalIndent(claudeSettings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := b.Mkdir(ctx, handle, settingsDir); err != nil {
		return err
	}
	if err := b.WriteFile(ctx, handle, settingsPath, settings); err != nil {
		return err
	}

	if len(in.GCPCredentials) > 0 {
		if err := b.Mkdir(ctx, handle, path.Dir(gcpCredentialsPath)); err != nil {
			return err
		}
		if err := b.WriteFile(ctx, handle, gcpCredentialsPath, in.GCPCredentials); err != nil {
			return err
		}
	}

	if err := installFiles(ctx, b, handle, in.Files); err != nil {
		return err
	}

	if err := b.Mkdir(ctx, handle, sandbox.RunnerDir); err != nil {
		return err
	}
	if err := b.WriteFile(ctx, handle, runnerPath, runnerScript); err != nil {
		return err
	}

	cfg, err := json.Marshal(agentConfig{
		Prompt:       in.Prompt,
		Cwd:          sandbox.WorkDir,
		Model:        in.Model,
		MaxTurns:     in.MaxTurns,
		SystemPrompt: in.SystemPrompt,
		OutputFormat: in.OutputSchema,
		Agents:       in.Agents,
		MCPServers:   in.MCPServers,
	})
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	return b.WriteFile(ctx, handle, agentConfigPath, cfg)
}

// installFiles places request files under the work directory, creating parent
// directories first in sorted order so nested paths resolve deterministically.
func installFiles(ctx context.Context, b sandbox.Backend, handle sandbox.Handle, files map[string][]byte) error {
	dirs := make(map[string]struct{})
	for rel := range files {
		if parent := path.Dir(rel); parent != "." {
			dirs[sandbox.WorkDir+"/"+parent] = struct{}{}
		}
	}

	sortedDirs := make([]string, 0, len(dirs))
	for d := range dirs {
		sortedDirs = append(sortedDirs, d)
	}
	sort.Strings(sortedDirs)
	for _, dir := range sortedDirs {
		if err := b.Mkdir(ctx, handle, dir); err != nil {
			return err
		}
	}

	for rel, content := range files {
		target := sandbox.WorkDir + "/" + rel
		if err := b.WriteFile(ctx, handle, target, content); err != nil {
			return fmt.Errorf("upload %s: %w", rel, err)
		}
	}
	return nil
}
