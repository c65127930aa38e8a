// Package e2b provides a sandbox backend backed by a remote managed sandbox
// service speaking the E2B-style HTTP API.
//
// The service owns isolation mechanics; this client drives it through the
// same narrow capability set as the local Docker backend: create a sandbox
// from a template, write files, stream a command's output, kill the sandbox.
package e2b

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sandstorm-dev/sandstorm/common/retry"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/sandbox"
)

const (
	defaultBaseURL = "https://api.e2b.dev"
	apiTimeout     = 30 * time.Second

	// sdkInstall prepares the agent runtime when the custom template is
	// unavailable and the fallback template was used instead.
	sdkInstall = "mkdir -p /opt/agent-runner && cd /opt/agent-runner && npm init -y && npm install @anthropic-ai/claude-agent-sdk@0.2.42"
)

// Backend implements sandbox.Backend against a remote sandbox service.
type Backend struct {
	baseURL          string
	apiKey           string
	template         string
	fallbackTemplate string

	// apiClient serves bounded control-plane calls. streamClient has no
	// client-side timeout: command output streams for the life of a session.
	apiClient    *http.Client
	streamClient *http.Client
}

// Config holds remote backend settings.
type Config struct {
	// BaseURL overrides the service endpoint. Defaults to the public API.
	BaseURL string
	// APIKey authenticates every request.
	APIKey string
	// Template is the sandbox template with the agent runtime pre-installed.
	Template string
	// FallbackTemplate is used when Template does not exist on the service;
	// the runtime SDK is then installed at create time (slower first run).
	FallbackTemplate string
}

// New creates a remote sandbox backend.
func New(cfg Config) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("e2b: api key is required")
	}
	if cfg.Template == "" {
		return nil, fmt.Errorf("e2b: template is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Backend{
		baseURL:          baseURL,
		apiKey:           cfg.APIKey,
		template:         cfg.Template,
		fallbackTemplate: cfg.FallbackTemplate,
		apiClient:        &http.Client{Timeout: apiTimeout},
		streamClient:     &http.Client{},
	}, nil
}

// Name identifies the backend variant.
func (b *Backend) Name() string { return "e2b" }

// --- wire types ---

type createRequest struct {
	Template       string            `json:"template"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Env            map[string]string `json:"env,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type createResponse struct {
	SandboxID string `json:"sandbox_id"`
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

type commandRequest struct {
	Command string            `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- sandbox.Backend ---

// Ping probes the remote service's health endpoint.
func (b *Backend) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", b.apiKey)
	resp, err := b.apiClient.Do(req)
	if err != nil {
		return fmt.Errorf("e2b ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("e2b ping: status %d", resp.StatusCode)
	}
	return nil
}

// Provision creates a remote sandbox from the configured template, falling
// back to the fallback template (plus a runtime SDK install) when the custom
// template is missing. CPU and memory limits are fixed by the template on
// this substrate; the deadline is enforced service-side via the sandbox
// timeout as well as by the orchestrator's own watchdog.
func (b *Backend) Provision(ctx context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	handle := sandbox.Handle{SessionID: spec.SessionID, Name: sandbox.EnvironmentNameFor(spec.SessionID)}

	timeoutSeconds := int(time.Until(spec.Deadline).Seconds())
	if timeoutSeconds <= 0 {
		return handle, &sandbox.ProvisionError{Backend: "e2b", Reason: "deadline already passed"}
	}

	create := createRequest{
		Template:       b.template,
		TimeoutSeconds: timeoutSeconds,
		Env:            spec.Env,
		Metadata: map[string]string{
			"managed-by": "sandstorm",
			"session-id": spec.SessionID,
			"deadline":   spec.Deadline.UTC().Format(time.RFC3339),
		},
	}

	var created createResponse
	status, err := b.postJSON(ctx, "/sandboxes", create, &created)
	if status == http.StatusNotFound && b.fallbackTemplate != "" {
		slog.Warn("e2b template not found, using fallback",
			"template", b.template, "fallback", b.fallbackTemplate)
		create.Template = b.fallbackTemplate
		status, err = b.postJSON(ctx, "/sandboxes", create, &created)
		if err == nil && status == http.StatusCreated {
			handle.ID = created.SandboxID
			// Fallback template lacks the agent runtime; install it now.
			if err := b.runSync(ctx, handle, sdkInstall); err != nil {
				return handle, &sandbox.ProvisionError{Backend: "e2b", Reason: "install agent runtime", Err: err}
			}
			return handle, nil
		}
	}
	if err != nil {
		return handle, &sandbox.ProvisionError{Backend: "e2b", Reason: "substrate unreachable", Err: err}
	}
	if status != http.StatusCreated {
		return handle, &sandbox.ProvisionError{Backend: "e2b", Reason: fmt.Sprintf("create sandbox: status %d", status)}
	}

	handle.ID = created.SandboxID
	slog.Debug("remote sandbox created", "session_id", spec.SessionID, "sandbox_id", created.SandboxID)
	return handle, nil
}

// Mkdir creates a directory inside the remote sandbox.
func (b *Backend) Mkdir(ctx context.Context, handle sandbox.Handle, path string) error {
	if err := b.runSync(ctx, handle, fmt.Sprintf("mkdir -p %q", path)); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

// WriteFile materializes content at path inside the remote sandbox.
func (b *Backend) WriteFile(ctx context.Context, handle sandbox.Handle, path string, content []byte) error {
	status, err := b.postJSON(ctx, "/sandboxes/"+handle.ID+"/files", writeFileRequest{Path: path, Content: content}, nil)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("write %s: status %d", path, status)
	}
	return nil
}

// Run starts the agent command in the remote sandbox and returns the
// response body as a live stream of the command's standard output.
func (b *Backend) Run(ctx context.Context, handle sandbox.Handle, command []string, env map[string]string) (io.ReadCloser, error) {
	body, err := json.Marshal(commandRequest{
		Command: shellJoin(command),
		Cwd:     sandbox.WorkDir,
		Env:     env,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/sandboxes/"+handle.ID+"/commands/stream", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", b.apiKey)

	resp, err := b.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("start command: %s", decodeError(resp))
	}
	return resp.Body, nil
}

// SignalStop asks the service to interrupt the running command. Best effort.
func (b *Backend) SignalStop(ctx context.Context, handle sandbox.Handle) error {
	if handle.ID == "" {
		return nil
	}
	status, err := b.postJSON(ctx, "/sandboxes/"+handle.ID+"/interrupt", nil, nil)
	if err != nil {
		return fmt.Errorf("interrupt sandbox %s: %w", handle.ID, err)
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return fmt.Errorf("interrupt sandbox %s: status %d", handle.ID, status)
	}
	return nil
}

// Destroy kills the remote sandbox. Transient service errors are retried;
// a sandbox that is already gone is not an error.
func (b *Backend) Destroy(ctx context.Context, handle sandbox.Handle) error {
	if handle.ID == "" {
		return nil
	}
	return retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: time.Second}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.baseURL+"/sandboxes/"+handle.ID, nil)
		if err != nil {
			return err
		}
		req.Header.Set("X-API-Key", b.apiKey)
		resp, err := b.apiClient.Do(req)
		if err != nil {
			return fmt.Errorf("kill sandbox %s: %w", handle.ID, err)
		}
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
			return nil
		default:
			return fmt.Errorf("kill sandbox %s: status %d", handle.ID, resp.StatusCode)
		}
	})
}

// --- internal helpers ---

// runSync executes a short command to completion, discarding output.
func (b *Backend) runSync(ctx context.Context, handle sandbox.Handle, command string) error {
	status, err := b.postJSON(ctx, "/sandboxes/"+handle.ID+"/commands", commandRequest{Command: command}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("command failed: status %d", status)
	}
	return nil
}

// postJSON sends a JSON POST and decodes the response into out when non-nil.
// Returns the HTTP status code alongside any transport or decode error.
func (b *Backend) postJSON(ctx context.Context, path string, body, out any) (int, error) {
	var bodyReader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bodyReader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", b.apiKey)

	resp, err := b.apiClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func decodeError(resp *http.Response) string {
	var e errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return fmt.Sprintf("status %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}

// shellJoin renders an argv as a single quoted shell command; the remote
// service executes commands through a shell.
func shellJoin(argv []string) string {
	var buf bytes.Buffer
	for i, arg := range argv {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(fmt.Sprintf("%q", arg))
	}
	return buf.String()
}
