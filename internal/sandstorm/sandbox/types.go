// Package sandbox defines shared types for the backend abstraction.
package sandbox

import "time"

// Spec describes how a sandbox environment should be created.
type Spec struct {
	// SessionID is the owning session's identifier. Attached to the
	// environment as a label so the sweeper can find orphans.
	SessionID string
	// Image is the container image (Docker) or template (remote) to use.
	Image string
	// Env holds environment variables injected at creation time.
	Env map[string]string
	// CPULimit is the CPU allocation in whole cores (e.g. "2").
	CPULimit string
	// MemoryLimit is the memory ceiling (e.g. "4g" or "2048m").
	MemoryLimit string
	// NetworkMode selects the network attachment (outbound-only; no ports
	// are ever published).
	NetworkMode string
	// Deadline is the wall-clock instant after which the environment is
	// considered orphaned and eligible for the reconciliation sweep.
	Deadline time.Time
}

// Handle identifies a provisioned environment. Opaque to everything above
// the Backend; ownership transfers to the backend for teardown.
type Handle struct {
	// SessionID is the owning session's identifier.
	SessionID string
	// ID is the backend-native environment ID (container ID or remote
	// sandbox ID). May be empty when provisioning failed before creation.
	ID string
	// Name is the backend-native environment name, when the substrate has
	// one.
	Name string
}

// ManagedEnvironment pairs a live environment's handle with the deadline it
// was provisioned under. Produced by backends that support enumeration, for
// the reconciliation sweep.
type ManagedEnvironment struct {
	Handle   Handle
	Deadline time.Time
}

// WorkDir is the working directory inside every sandbox where request files
// are materialized and the agent process runs.
const WorkDir = "/home/user"

// RunnerDir is the directory inside the sandbox holding the runner script
// and its config.
const RunnerDir = "/opt/agent-runner"

// EnvironmentNameFor returns the backend-native environment name for a
// session ID.
func EnvironmentNameFor(sessionID string) string {
	return "sandstorm-run-" + sessionID
}
