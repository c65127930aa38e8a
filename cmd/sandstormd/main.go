package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sandstorm-dev/sandstorm/common/environment"
	"github.com/sandstorm-dev/sandstorm/common/version"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/api"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/config"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/orchestrator"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/reconcile"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/sandbox"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/sandbox/docker"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/sandbox/e2b"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/store"
)

func main() {
	fmt.Printf("Sandstorm Orchestrator\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Println()

	setupLogging()

	limits, err := config.Load(environment.StringOr("SANDSTORM_LIMITS_PATH", "limits.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	backend, err := buildBackend(limits)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var runs *store.Store
	if dbPath := environment.StringOr("SANDSTORM_DB_PATH", "sandstorm.db"); dbPath != "off" {
		runs, err = store.New(dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer runs.Close()
	}

	// The admission counter and backend choice live for the process
	// lifetime; nothing is reinitialized per request.
	var recorder orchestrator.Recorder
	if runs != nil {
		recorder = runs
	}
	orch := orchestrator.New(backend, limits, recorder)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if substrate, ok := backend.(reconcile.Substrate); ok && limits.SweepInterval > 0 {
		sweeper := reconcile.New(substrate, reconcile.Config{Interval: limits.SweepInterval})
		go sweeper.Run(ctx)
	}

	var runCounter interface {
		RunCount(ctx context.Context) (int, error)
	}
	if runs != nil {
		runCounter = runs
	}
	server := api.NewServer(environment.StringOr("SANDSTORM_HTTP_ADDR", ":8080"), orch, runCounter)
	if err := server.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer server.Stop()

	slog.Info("orchestrator ready",
		"backend", backend.Name(),
		"max_concurrent_agents", limits.MaxConcurrentAgents)

	<-ctx.Done()
	slog.Info("shutting down")
}

// buildBackend selects the sandbox backend variant from configuration.
func buildBackend(limits config.Limits) (sandbox.Backend, error) {
	switch config.Backend(environment.StringOr("SANDSTORM_BACKEND", string(config.BackendDocker))) {
	case config.BackendE2B:
		apiKey, err := environment.RequiredString("E2B_API_KEY")
		if err != nil {
			return nil, err
		}
		return e2b.New(e2b.Config{
			BaseURL:          environment.StringOr("E2B_BASE_URL", ""),
			APIKey:           apiKey,
			Template:         limits.E2BTemplate,
			FallbackTemplate: limits.E2BFallbackTemplate,
		})
	case config.BackendDocker:
		return docker.New()
	default:
		return nil, fmt.Errorf("unknown SANDSTORM_BACKEND %q", os.Getenv("SANDSTORM_BACKEND"))
	}
}

// setupLogging configures slog from SANDSTORM_LOG_LEVEL.
func setupLogging() {
	level := slog.LevelInfo
	switch environment.StringOr("SANDSTORM_LOG_LEVEL", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
