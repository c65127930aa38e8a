// Package reconcile garbage-collects sandbox environments that outlived
// their deadline, e.g. after an orchestrator crash left sessions without a
// supervisor.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/sandbox"
)

// Substrate is the slice of a backend the sweeper needs: enumerate managed
// environments and destroy them. The Docker backend implements it; remote
// substrates enforce their own lifetimes service-side and need no sweep.
type Substrate interface {
	ListManaged(ctx context.Context) ([]sandbox.ManagedEnvironment, error)
	Destroy(ctx context.Context, handle sandbox.Handle) error
}

// Config configures the sweep loop.
type Config struct {
	// Interval is how often to scan. Defaults to 1 minute.
	Interval time.Duration
	// Grace is added past an environment's deadline before it is considered
	// orphaned, leaving the owning session room to finish its own teardown.
	// Defaults to 30 seconds.
	Grace time.Duration
}

// Sweeper periodically destroys managed environments past their deadline.
type Sweeper struct {
	substrate Substrate
	cfg       Config
}

// New creates a Sweeper.
func New(substrate Substrate, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	return &Sweeper{substrate: substrate, cfg: cfg}
}

// Run starts the sweep loop. Blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	slog.Info("sweeper starting", "interval", s.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopping")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				slog.Warn("sweep failed", "err", err)
			}
		}
	}
}

// Sweep runs a single pass: destroy every managed environment whose deadline
// plus grace has passed. Individual destroy failures do not abort the pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	envs, err := s.substrate.ListManaged(ctx)
	if err != nil {
		return fmt.Errorf("list managed environments: %w", err)
	}

	now := time.Now()
	for _, env := range envs {
		if env.Deadline.IsZero() || now.Before(env.Deadline.Add(s.cfg.Grace)) {
			continue
		}
		slog.Warn("destroying orphaned sandbox",
			"session_id", env.Handle.SessionID,
			"deadline", env.Deadline)
		if err := s.substrate.Destroy(ctx, env.Handle); err != nil {
			slog.Warn("destroy orphan failed",
				"session_id", env.Handle.SessionID, "err", err)
		}
	}
	return nil
}
