// Package config loads the orchestrator's resource limits configuration.
//
// Limits are read once at startup from a YAML file (limits.yaml) and may be
// overridden by SANDSTORM_* environment variables. Components are configured
// from the resulting Limits value and never re-read it mid-run.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sandstorm-dev/sandstorm/common/environment"
)

// Backend selects the sandbox backend variant.
type Backend string

const (
	BackendDocker Backend = "docker"
	BackendE2B    Backend = "e2b"
)

// Limits holds resource limits and backend settings for sandbox sessions.
type Limits struct {
	// MaxConcurrentAgents bounds the number of concurrently live sandboxes.
	MaxConcurrentAgents int `yaml:"max_concurrent_agents"`

	// CPULimit is the per-sandbox CPU allocation (whole cores, e.g. "2").
	CPULimit string `yaml:"cpu_limit"`

	// MemoryLimit is the per-sandbox memory ceiling (e.g. "4g" or "2048m").
	MemoryLimit string `yaml:"memory_limit"`

	// DefaultTimeout is the session wall-clock budget applied when a request
	// does not specify one.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// MinTimeout and MaxTimeout bound the per-request timeout. Requests
	// outside the window are clamped.
	MinTimeout time.Duration `yaml:"min_timeout"`
	MaxTimeout time.Duration `yaml:"max_timeout"`

	// AcquireWait is how long a submission may block waiting for an
	// admission slot. Zero means fail fast when at capacity.
	AcquireWait time.Duration `yaml:"acquire_wait"`

	// DockerImage is the container image agents run in.
	DockerImage string `yaml:"docker_image"`

	// NetworkMode is the Docker network mode for sandbox containers.
	NetworkMode string `yaml:"network_mode"`

	// E2BTemplate is the remote sandbox template with the agent runtime
	// pre-installed. E2BFallbackTemplate is used when the custom template
	// does not exist (adds a runtime SDK install on create).
	E2BTemplate         string `yaml:"e2b_template"`
	E2BFallbackTemplate string `yaml:"e2b_fallback_template"`

	// SweepInterval is how often the reconciliation sweeper scans for
	// orphaned sandboxes. Zero disables the sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Defaults returns the built-in limits used when no config file is present.
func Defaults() Limits {
	return Limits{
		MaxConcurrentAgents: 5,
		CPULimit:            "2",
		MemoryLimit:         "4g",
		DefaultTimeout:      10 * time.Minute,
		MinTimeout:          30 * time.Second,
		MaxTimeout:          30 * time.Minute,
		DockerImage:         "sandstorm-agent:latest",
		NetworkMode:         "bridge",
		E2BTemplate:         "sandstorm",
		E2BFallbackTemplate: "claude-code",
		SweepInterval:       time.Minute,
	}
}

// Load reads limits from the YAML file at path, applies environment
// overrides, and validates the result. A missing file is not an error: the
// defaults (plus env overrides) are used.
func Load(path string) (Limits, error) {
	limits := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Debug("limits file not found, using defaults", "path", path)
	case err != nil:
		return Limits{}, fmt.Errorf("read limits %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &limits); err != nil {
			return Limits{}, fmt.Errorf("parse limits %s: %w", path, err)
		}
	}

	applyEnvOverrides(&limits)

	if err := limits.Validate(); err != nil {
		return Limits{}, err
	}
	return limits, nil
}

// applyEnvOverrides layers SANDSTORM_* environment variables on top of the
// file-provided values.
func applyEnvOverrides(l *Limits) {
	l.MaxConcurrentAgents = environment.IntOr("SANDSTORM_MAX_CONCURRENT_AGENTS", l.MaxConcurrentAgents)
	l.CPULimit = environment.StringOr("SANDSTORM_CPU_LIMIT", l.CPULimit)
	l.MemoryLimit = environment.StringOr("SANDSTORM_MEMORY_LIMIT", l.MemoryLimit)
	l.DefaultTimeout = environment.DurationOr("SANDSTORM_DEFAULT_TIMEOUT", l.DefaultTimeout)
	l.MinTimeout = environment.DurationOr("SANDSTORM_MIN_TIMEOUT", l.MinTimeout)
	l.MaxTimeout = environment.DurationOr("SANDSTORM_MAX_TIMEOUT", l.MaxTimeout)
	l.AcquireWait = environment.DurationOr("SANDSTORM_ACQUIRE_WAIT", l.AcquireWait)
	l.DockerImage = environment.StringOr("SANDSTORM_DOCKER_IMAGE", l.DockerImage)
	l.NetworkMode = environment.StringOr("SANDSTORM_NETWORK_MODE", l.NetworkMode)
	l.E2BTemplate = environment.StringOr("SANDSTORM_E2B_TEMPLATE", l.E2BTemplate)
	l.E2BFallbackTemplate = environment.StringOr("SANDSTORM_E2B_FALLBACK_TEMPLATE", l.E2BFallbackTemplate)
	l.SweepInterval = environment.DurationOr("SANDSTORM_SWEEP_INTERVAL", l.SweepInterval)
}

// Validate checks the limits for structural correctness.
func (l Limits) Validate() error {
	if l.MaxConcurrentAgents <= 0 {
		return fmt.Errorf("max_concurrent_agents must be positive, got %d", l.MaxConcurrentAgents)
	}
	if l.MinTimeout <= 0 || l.MaxTimeout <= 0 {
		return fmt.Errorf("timeout bounds must be positive (min=%s max=%s)", l.MinTimeout, l.MaxTimeout)
	}
	if l.MinTimeout > l.MaxTimeout {
		return fmt.Errorf("min_timeout %s exceeds max_timeout %s", l.MinTimeout, l.MaxTimeout)
	}
	if l.DefaultTimeout < l.MinTimeout || l.DefaultTimeout > l.MaxTimeout {
		return fmt.Errorf("default_timeout %s outside [%s, %s]", l.DefaultTimeout, l.MinTimeout, l.MaxTimeout)
	}
	if l.DockerImage == "" {
		return fmt.Errorf("docker_image must not be empty")
	}
	return nil
}

// ClampTimeout bounds a requested session timeout to the configured window.
// A zero request gets the default.
func (l Limits) ClampTimeout(requested time.Duration) time.Duration {
	if requested == 0 {
		return l.DefaultTimeout
	}
	if requested < l.MinTimeout {
		return l.MinTimeout
	}
	if requested > l.MaxTimeout {
		return l.MaxTimeout
	}
	return requested
}
