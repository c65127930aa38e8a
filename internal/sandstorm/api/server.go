// Package api exposes the orchestrator over HTTP: run submission with a
// server-sent event stream per session, plus health and status reads.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sandstorm-dev/sandstorm/common/trace"
	"github.com/sandstorm-dev/sandstorm/common/version"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/admission"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/orchestrator"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// runCounter is the minimal interface the status endpoint needs from the
// run-history store.
type runCounter interface {
	RunCount(ctx context.Context) (int, error)
}

// Server is the orchestrator's HTTP surface.
type Server struct {
	addr      string
	orch      *orchestrator.Orchestrator
	runs      runCounter
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
}

// NewServer creates and configures the HTTP server (does not start it).
// runs may be nil when run history is disabled.
func NewServer(addr string, orch *orchestrator.Orchestrator, runs runCounter) *Server {
	mux := http.NewServeMux()
	s := &Server{
		addr:      addr,
		orch:      orch,
		runs:      runs,
		startedAt: time.Now(),
		mux:       mux,
	}
	mux.HandleFunc("POST /v1/runs", s.handleSubmit)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	return s
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live network listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start begins listening in the background. Blocks until the listener is
// established so the caller knows the port is open before returning.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api server: listen %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler: s,
		// No WriteTimeout: event streams stay open for the life of a
		// session. Sessions carry their own deadlines.
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("api server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("api server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("api server shutdown error", "err", err)
		}
	}()

	return nil
}

// Stop shuts down the HTTP server.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("api server shutdown error", "err", err)
	}
}

// handleSubmit admits a run and streams its events until the terminal
// result. Client disconnect cancels the session.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	traceID := trace.GenerateID()
	ctx := trace.WithTraceID(r.Context(), traceID)

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	run, err := s.orch.Submit(ctx, req.toRunRequest())
	switch {
	case errors.Is(err, admission.ErrAtCapacity):
		writeError(w, http.StatusTooManyRequests, "at capacity, try again later")
		return
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	slog.Info("run submitted", "trace_id", traceID, "session_id", run.ID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		run.Cancel()
		drain(run)
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering
	w.Header().Set("X-Session-ID", run.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Warn("serialize event failed", "session_id", run.ID, "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				// Client went away mid-write.
				run.Cancel()
				drain(run)
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				run.Cancel()
				drain(run)
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			slog.Info("client disconnected, cancelling session",
				"trace_id", traceID, "session_id", run.ID)
			run.Cancel()
			drain(run)
			return
		}
	}
}

// drain consumes remaining events after cancellation so the session's
// manager is never blocked on an abandoned stream.
func drain(run *orchestrator.Run) {
	for range run.Events() {
	}
}

// healthResponse is returned by GET /healthz.
type healthResponse struct {
	Status string `json:"status"`
	orchestrator.Health
	Version string `json:"version"`
}

// statusResponse is returned by GET /status.
type statusResponse struct {
	Status string `json:"status"`
	orchestrator.Health
	Version    string    `json:"version"`
	Commit     string    `json:"commit"`
	StartedAt  time.Time `json:"started_at"`
	UptimeSecs float64   `json:"uptime_seconds"`
	RunCount   int       `json:"run_count"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.orch.Healthcheck(r.Context())
	status := "ok"
	if !health.BackendReachable {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  status,
		Health:  health,
		Version: version.Version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	health := s.orch.Healthcheck(r.Context())
	status := "ok"
	if !health.BackendReachable {
		status = "degraded"
	}

	runCount := 0
	if s.runs != nil {
		if n, err := s.runs.RunCount(r.Context()); err == nil {
			runCount = n
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:     status,
		Health:     health,
		Version:    version.Version,
		Commit:     version.GitCommit,
		StartedAt:  s.startedAt,
		UptimeSecs: time.Since(s.startedAt).Seconds(),
		RunCount:   runCount,
	})
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: failed to encode JSON response", "err", err)
	}
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
