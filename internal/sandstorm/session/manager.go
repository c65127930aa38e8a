package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sandstorm-dev/sandstorm/common/redact"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/admission"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/config"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/runner"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/sandbox"
)

const (
	// eventBuffer is the per-session event channel capacity. A consumer that
	// falls further behind than this loses intermediate agent messages (with
	// a warning); terminal results are never dropped.
	eventBuffer = 256

	// teardownTimeout bounds every backend call made during draining so a
	// wedged substrate cannot hang the session.
	teardownTimeout = 30 * time.Second

	// lateResultGrace is how long the drain path peeks at the stream for a
	// late terminal result after the outcome is already fixed. Diagnostic
	// only; the outcome never changes.
	lateResultGrace = 100 * time.Millisecond
)

// Manager owns one Session and drives it from admission to termination. All
// session state is confined to the manager's goroutine; the only shared
// touchpoints are the events channel and Cancel.
type Manager struct {
	backend sandbox.Backend
	limits  config.Limits
	slot    *admission.Slot
	gcpCred []byte

	// secrets are the request credentials, scrubbed from every error string
	// before it reaches the event stream or the run history.
	secrets []string

	session *Session
	events  chan Event

	cancelOnce sync.Once
	cancelCh   chan struct{}

	// mu guards state transitions so a stale trigger (late watchdog, second
	// cancel) observed after a terminal decision is a no-op.
	mu      sync.Mutex
	outcome Outcome

	destroyOnce sync.Once
}

// ManagerOptions collects the dependencies for one session manager.
type ManagerOptions struct {
	Backend sandbox.Backend
	Limits  config.Limits
	Slot    *admission.Slot
	// GCPCredentials is Vertex service-account JSON read eagerly by the
	// facade, empty when Vertex is not configured.
	GCPCredentials []byte
}

// NewManager creates a manager for one admitted request. The timeout must
// already be clamped to the configured window.
func NewManager(req RunRequest, timeout time.Duration, opts ManagerOptions) *Manager {
	return &Manager{
		backend:  opts.Backend,
		limits:   opts.Limits,
		slot:     opts.Slot,
		gcpCred:  opts.GCPCredentials,
		secrets:  []string{req.AnthropicAPIKey, req.OpenRouterAPIKey},
		session:  newSession(req, timeout),
		events:   make(chan Event, eventBuffer),
		cancelCh: make(chan struct{}),
	}
}

// ID returns the session identifier.
func (m *Manager) ID() string { return m.session.ID }

// CreatedAt returns the session's creation timestamp.
func (m *Manager) CreatedAt() time.Time { return m.session.CreatedAt }

// Events returns the session's event stream. It is closed after the terminal
// result; consumers must drain it.
func (m *Manager) Events() <-chan Event { return m.events }

// Cancel requests cooperative cancellation. Safe to call at any time, from
// any goroutine, any number of times.
func (m *Manager) Cancel() {
	m.cancelOnce.Do(func() { close(m.cancelCh) })
}

// Run drives the session to a terminal outcome. It blocks until the
// environment is destroyed and the slot released, and returns the final
// result. Run must be called exactly once.
func (m *Manager) Run(ctx context.Context) (result Result) {
	// Slot release and stream closure are unconditional, surviving panics in
	// the lifecycle logic so one session's failure never dents the ceiling
	// or wedges its consumer.
	defer close(m.events)
	defer m.slot.Release()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("session panic", "session_id", m.session.ID, "panic", r)
			m.destroy()
			result = m.finish(Result{Outcome: OutcomeInfraFailure, Error: "internal failure"}, true)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.cancelCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	return m.run(runCtx)
}

func (m *Manager) run(ctx context.Context) Result {
	env := runner.BuildEnv(m.session.Request.AnthropicAPIKey, m.session.Request.OpenRouterAPIKey)
	if len(m.gcpCred) > 0 {
		for k, v := range runner.GCPCredentialsEnv() {
			env[k] = v
		}
	}

	// ── Provisioning ──
	m.transition(StateProvisioning)

	handle, err := m.backend.Provision(ctx, sandbox.Spec{
		SessionID:   m.session.ID,
		Image:       m.limits.DockerImage,
		Env:         env,
		CPULimit:    m.limits.CPULimit,
		MemoryLimit: m.limits.MemoryLimit,
		NetworkMode: m.limits.NetworkMode,
		Deadline:    m.session.Deadline,
	})
	m.session.Handle = handle
	// The handle may be partially initialized on error; destroy collects
	// whatever exists, exactly once, on every path out of this function.
	defer m.destroy()

	if err != nil {
		m.transition(StateDraining)
		if ctx.Err() != nil {
			return m.finish(Result{Outcome: OutcomeCancelled, Error: "cancelled during provisioning"}, true)
		}
		m.emit(Event{Type: EventError, ErrorKind: ErrorProvision, Error: err.Error()})
		return m.finish(Result{Outcome: OutcomeInfraFailure, Error: err.Error()}, true)
	}

	if err := runner.Install(ctx, m.backend, handle, runner.Inputs{
		Prompt:         m.session.Request.Prompt,
		Model:          m.session.Request.Model,
		SystemPrompt:   m.session.Request.SystemPrompt,
		MaxTurns:       m.session.Request.MaxTurns,
		OutputSchema:   m.session.Request.OutputSchema,
		Agents:         m.session.Request.Agents,
		MCPServers:     m.session.Request.MCPServers,
		Files:          m.session.Request.Files,
		GCPCredentials: m.gcpCred,
	}); err != nil {
		m.transition(StateDraining)
		if ctx.Err() != nil {
			return m.finish(Result{Outcome: OutcomeCancelled, Error: "cancelled during provisioning"}, true)
		}
		m.emit(Event{Type: EventError, ErrorKind: ErrorInfra, Error: err.Error()})
		return m.finish(Result{Outcome: OutcomeInfraFailure, Error: err.Error()}, true)
	}

	// ── Running ──
	stream, err := m.backend.Run(ctx, handle, runner.Command(), env)
	if err != nil {
		m.transition(StateDraining)
		if ctx.Err() != nil {
			return m.finish(Result{Outcome: OutcomeCancelled, Error: "cancelled before agent start"}, true)
		}
		m.emit(Event{Type: EventError, ErrorKind: ErrorInfra, Error: err.Error()})
		return m.finish(Result{Outcome: OutcomeInfraFailure, Error: err.Error()}, true)
	}
	defer stream.Close()

	m.transition(StateRunning)
	slog.Info("agent started",
		"session_id", m.session.ID,
		"backend", m.backend.Name(),
		"model", m.session.Request.Model,
		"deadline", m.session.Deadline)

	return m.consume(ctx, stream)
}

// consume multiplexes the agent's output into events until a terminal
// condition: an agent-reported result, the watchdog deadline, caller
// cancellation, or the stream closing silently.
func (m *Manager) consume(ctx context.Context, stream io.ReadCloser) Result {
	watchdog := time.NewTimer(time.Until(m.session.Deadline))
	defer watchdog.Stop()

	lines := make(chan streamLine, 16)
	// scanDone releases the scanner goroutine when this function returns.
	// Lines it buffered past the terminal decision are discarded rather than
	// parked on a channel nobody reads.
	scanDone := make(chan struct{})
	defer close(scanDone)
	go scanStream(stream, lines, scanDone)

	for {
		// The watchdog wins a race against an already-queued line: a bounded
		// wall-clock budget beats a result the caller has not seen yet.
		select {
		case <-watchdog.C:
			return m.timeoutResult(stream, lines)
		default:
		}

		select {
		case <-watchdog.C:
			return m.timeoutResult(stream, lines)

		case <-ctx.Done():
			m.transition(StateDraining)
			m.signalStop()
			return m.finish(Result{Outcome: OutcomeCancelled, Error: "cancelled by caller"}, true)

		case line, ok := <-lines:
			if !ok {
				// Stream closed without a terminal subtype: the process
				// exited silently or crashed. Never a success.
				m.transition(StateDraining)
				return m.finish(Result{Outcome: OutcomeInfraFailure, Error: "agent stream ended without a result"}, true)
			}

			if line.parseErr != nil {
				// One corrupted line must not cost the run.
				m.emit(Event{Type: EventError, ErrorKind: ErrorMalformedOutput, Error: line.parseErr.Error() + ": " + line.text})
				continue
			}

			if terminal := parseTerminal(line.raw); terminal != nil {
				// Do not wait for the process to exit; some agents hang
				// after reporting completion.
				m.transition(StateDraining)
				return m.finish(*terminal, true)
			}

			m.emit(Event{Type: EventAgentMessage, Message: line.raw})
		}
	}
}

// timeoutResult handles the watchdog path: drain briefly for diagnostics,
// stop the process, and fix the outcome as a timeout.
func (m *Manager) timeoutResult(stream io.ReadCloser, lines <-chan streamLine) Result {
	m.transition(StateDraining)
	m.logLateResult(lines)
	stream.Close()
	m.signalStop()
	return m.finish(Result{
		Outcome: OutcomeTimeout,
		Error:   "session deadline exceeded",
	}, true)
}

// logLateResult records, for diagnostics only, a terminal result that lost
// the race against the watchdog. The session outcome stays fixed.
func (m *Manager) logLateResult(lines <-chan streamLine) {
	grace := time.After(lateResultGrace)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line.parseErr == nil {
				if terminal := parseTerminal(line.raw); terminal != nil {
					slog.Debug("terminal result arrived after deadline",
						"session_id", m.session.ID, "subtype", terminal.Subtype)
					return
				}
			}
		case <-grace:
			return
		}
	}
}

// finish destroys the environment, moves the session to Terminated, and
// emits the terminal result as the stream's final event.
func (m *Manager) finish(result Result, emitResult bool) Result {
	m.mu.Lock()
	if m.session.State == StateTerminated {
		// A second trigger already terminated the session; keep the first
		// outcome.
		result = Result{Outcome: m.outcome}
		m.mu.Unlock()
		return result
	}
	m.outcome = result.Outcome
	m.mu.Unlock()

	result.Error = redact.String(result.Error, m.secrets...)

	m.destroy()

	m.mu.Lock()
	m.session.State = StateTerminated
	m.mu.Unlock()

	if emitResult {
		m.emitResult(Event{Type: EventResult, Result: &result})
	}

	slog.Info("session terminated",
		"session_id", m.session.ID,
		"outcome", result.Outcome,
		"subtype", result.Subtype,
		"duration", time.Since(m.session.CreatedAt).Round(time.Millisecond))
	return result
}

// destroy tears down the environment exactly once, regardless of which
// trigger fired. Failures are logged and swallowed: the reconciliation sweep
// is the backstop, and the slot is released either way.
func (m *Manager) destroy() {
	m.destroyOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := m.backend.Destroy(ctx, m.session.Handle); err != nil {
			slog.Warn("sandbox destroy failed, sweeper will collect it",
				"session_id", m.session.ID, "err", err)
		}
	})
}

// signalStop asks the agent process to terminate. Best effort and bounded.
func (m *Manager) signalStop() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := m.backend.SignalStop(ctx, m.session.Handle); err != nil {
		slog.Debug("signal stop failed", "session_id", m.session.ID, "err", err)
	}
}

// transition moves the session to a new state and emits a lifecycle event.
// No-op when the session already reached a terminal decision.
func (m *Manager) transition(to State) {
	m.mu.Lock()
	if m.session.State == StateTerminated || m.session.State == to {
		m.mu.Unlock()
		return
	}
	from := m.session.State
	m.session.State = to
	m.mu.Unlock()

	m.emit(Event{Type: EventLifecycle, From: from, To: to})
}

// emit delivers a non-terminal event in arrival order. When the consumer has
// fallen eventBuffer behind, the event is dropped with a warning rather than
// wedging the session.
func (m *Manager) emit(ev Event) {
	ev.SessionID = m.session.ID
	ev.TS = time.Now().UTC()
	ev.Error = redact.String(ev.Error, m.secrets...)
	select {
	case m.events <- ev:
	default:
		slog.Warn("event buffer full, dropping event",
			"session_id", m.session.ID, "type", ev.Type)
	}
}

// emitResult delivers the terminal event, waiting out a slow consumer up to
// the teardown budget so the final record is not lost to a full buffer.
func (m *Manager) emitResult(ev Event) {
	ev.SessionID = m.session.ID
	ev.TS = time.Now().UTC()
	select {
	case m.events <- ev:
	case <-time.After(teardownTimeout):
		slog.Warn("consumer gone, terminal result undelivered", "session_id", m.session.ID)
	}
}
