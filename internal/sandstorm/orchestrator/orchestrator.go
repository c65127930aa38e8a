// Package orchestrator is the public entry point for sandboxed agent runs:
// it admits requests under the concurrency ceiling, hands each one to a
// session lifecycle manager, and exposes the health surface.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/admission"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/config"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/runner"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/sandbox"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/session"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/store"
)

// ErrInvalidRequest marks a request rejected before admission. Surfaces
// synchronously from Submit.
var ErrInvalidRequest = errors.New("invalid run request")

// Recorder persists terminated runs. Satisfied by *store.Store; may be nil.
type Recorder interface {
	RecordRun(ctx context.Context, rec store.RunRecord) error
}

// Orchestrator coordinates admission, session lifecycle, and the backend.
// It holds no per-run state: everything about one run lives in its session.
type Orchestrator struct {
	limits    config.Limits
	backend   sandbox.Backend
	admission *admission.Controller
	recorder  Recorder
}

// New creates an orchestrator. The backend and limits are fixed for the
// process lifetime. recorder may be nil to disable run history.
func New(backend sandbox.Backend, limits config.Limits, recorder Recorder) *Orchestrator {
	return &Orchestrator{
		limits:    limits,
		backend:   backend,
		admission: admission.New(limits.MaxConcurrentAgents),
		recorder:  recorder,
	}
}

// Run is one submitted session as seen by the caller: a live, single-pass,
// cancellable event stream.
type Run struct {
	// ID is the session identifier.
	ID string

	events <-chan session.Event
	cancel func()
}

// Events returns the session's ordered event stream. The channel closes
// after the terminal result; consumers must drain it.
func (r *Run) Events() <-chan session.Event { return r.events }

// Cancel requests cooperative cancellation of the session. The environment
// is destroyed and the admission slot released even when cancellation races
// a near-simultaneous result.
func (r *Run) Cancel() { r.cancel() }

// Submit validates and admits a request, then starts its session. Admission
// failures (admission.ErrAtCapacity) and validation failures surface
// synchronously; every later failure arrives as an event on the returned
// stream, never as an error that could affect another session.
func (o *Orchestrator) Submit(ctx context.Context, req session.RunRequest) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(req.OutputSchema) > 0 {
		if _, err := jsonschema.CompileString("output_schema.json", string(req.OutputSchema)); err != nil {
			return nil, fmt.Errorf("%w: output_schema: %v", ErrInvalidRequest, err)
		}
	}

	// Read credentials eagerly so a missing key file fails the request here
	// instead of a half-provisioned sandbox.
	gcpCreds, err := runner.LoadGCPCredentials()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	slot, err := o.admission.AcquireWait(ctx, o.limits.AcquireWait)
	if err != nil {
		return nil, err
	}

	timeout := o.limits.ClampTimeout(req.Timeout)
	mgr := session.NewManager(req, timeout, session.ManagerOptions{
		Backend:        o.backend,
		Limits:         o.limits,
		Slot:           slot,
		GCPCredentials: gcpCreds,
	})

	slog.Info("session admitted",
		"session_id", mgr.ID(),
		"backend", o.backend.Name(),
		"timeout", timeout,
		"capacity_used", o.admission.Used(),
		"capacity_total", o.admission.Capacity())

	// The session outlives the Submit call; its lifetime is bounded by its
	// own deadline and by Run.Cancel, not by the submitter's context.
	go func() {
		result := mgr.Run(context.Background())
		o.record(mgr.ID(), mgr.CreatedAt(), result)
	}()

	return &Run{ID: mgr.ID(), events: mgr.Events(), cancel: mgr.Cancel}, nil
}

// Health is the orchestrator's liveness snapshot.
type Health struct {
	CapacityUsed     int  `json:"capacity_used"`
	CapacityTotal    int  `json:"capacity_total"`
	BackendReachable bool `json:"backend_reachable"`
}

// Healthcheck reports current admission occupancy and backend reachability.
// Pure read, no side effects.
func (o *Orchestrator) Healthcheck(ctx context.Context) Health {
	h := Health{
		CapacityUsed:  o.admission.Used(),
		CapacityTotal: o.admission.Capacity(),
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	h.BackendReachable = o.backend.Ping(probeCtx) == nil
	return h
}

// record persists a terminated run, best effort.
func (o *Orchestrator) record(sessionID string, createdAt time.Time, result session.Result) {
	if o.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := o.recorder.RecordRun(ctx, store.RunRecord{
		SessionID:  sessionID,
		Backend:    o.backend.Name(),
		Outcome:    string(result.Outcome),
		Subtype:    result.Subtype,
		Error:      result.Error,
		CreatedAt:  createdAt.UTC(),
		FinishedAt: time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("record run failed", "session_id", sessionID, "err", err)
	}
}
