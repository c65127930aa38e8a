// Package sandbox defines the Backend interface for isolated agent execution
// environments.
package sandbox

import (
	"context"
	"io"
)

// Backend abstracts one isolation substrate (Docker Engine, remote managed
// sandbox service). The orchestration logic above this interface is identical
// for every variant; the active backend is selected by configuration at
// startup.
type Backend interface {
	// Provision creates an isolated environment matching the spec and starts
	// it. The returned handle identifies the environment for all later calls.
	// Fails with a *ProvisionError when the substrate is unreachable, the
	// image or template is missing, or the resource limits are invalid.
	Provision(ctx context.Context, spec Spec) (Handle, error)

	// Mkdir creates a directory (and any missing parents) inside the
	// environment.
	Mkdir(ctx context.Context, handle Handle, path string) error

	// WriteFile materializes content at path inside the environment. Parent
	// directories must already exist.
	WriteFile(ctx context.Context, handle Handle, path string, content []byte) error

	// Run starts the agent process inside the environment and returns a live
	// stream of its combined standard output. The stream yields raw bytes;
	// line framing is the agent's contract with its consumer, not parsed
	// here. Closing the stream does not stop the process.
	Run(ctx context.Context, handle Handle, command []string, env map[string]string) (io.ReadCloser, error)

	// SignalStop asks the running process to terminate. Best effort, bounded
	// by a short internal grace period; it never blocks indefinitely.
	SignalStop(ctx context.Context, handle Handle) error

	// Destroy releases every resource associated with the environment. Safe
	// to call multiple times and on partially initialized handles.
	Destroy(ctx context.Context, handle Handle) error

	// Ping probes the substrate for reachability. Used by the health surface.
	Ping(ctx context.Context) error

	// Name identifies the backend variant ("docker" or "e2b").
	Name() string
}
