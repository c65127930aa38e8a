package session_test

import (
	"context"
	"errors"
	"io"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/admission"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/config"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/sandbox"
	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/session"
)

// fakeBackend satisfies sandbox.Backend for lifecycle tests. Its Run stream
// replays scripted output and can be told to hang open afterwards, modeling
// an agent process that never exits.
type fakeBackend struct {
	provisionErr   error
	provisionDelay time.Duration
	runErr         error
	output         string
	hangAfter      bool

	mu            sync.Mutex
	writtenPaths  []string
	provisionSpec sandbox.Spec

	destroyCalls atomic.Int32
	stopCalls    atomic.Int32
}

func (f *fakeBackend) Name() string                   { return "fake" }
func (f *fakeBackend) Ping(context.Context) error     { return nil }

func (f *fakeBackend) Provision(ctx context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	f.mu.Lock()
	f.provisionSpec = spec
	f.mu.Unlock()

	handle := sandbox.Handle{SessionID: spec.SessionID, ID: "env-" + spec.SessionID}
	if f.provisionDelay > 0 {
		select {
		case <-time.After(f.provisionDelay):
		case <-ctx.Done():
			return handle, ctx.Err()
		}
	}
	if f.provisionErr != nil {
		return sandbox.Handle{SessionID: spec.SessionID}, f.provisionErr
	}
	return handle, nil
}

func (f *fakeBackend) Mkdir(ctx context.Context, handle sandbox.Handle, path string) error {
	return ctx.Err()
}

func (f *fakeBackend) WriteFile(ctx context.Context, handle sandbox.Handle, path string, content []byte) error {
	f.mu.Lock()
	f.writtenPaths = append(f.writtenPaths, path)
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeBackend) Run(ctx context.Context, handle sandbox.Handle, command []string, env map[string]string) (io.ReadCloser, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	stream := &fakeStream{done: make(chan struct{})}
	if f.hangAfter {
		stream.Reader = io.MultiReader(strings.NewReader(f.output), &hangReader{done: stream.done})
	} else {
		stream.Reader = strings.NewReader(f.output)
	}
	return stream, nil
}

func (f *fakeBackend) SignalStop(ctx context.Context, handle sandbox.Handle) error {
	f.stopCalls.Add(1)
	return nil
}

func (f *fakeBackend) Destroy(ctx context.Context, handle sandbox.Handle) error {
	f.destroyCalls.Add(1)
	return nil
}

// fakeStream replays a reader; Close releases any hanging read.
type fakeStream struct {
	io.Reader
	done      chan struct{}
	closeOnce sync.Once
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// hangReader blocks until released, then reports EOF.
type hangReader struct{ done chan struct{} }

func (h *hangReader) Read([]byte) (int, error) {
	<-h.done
	return 0, io.EOF
}

func testLimits() config.Limits {
	limits := config.Defaults()
	limits.MaxConcurrentAgents = 1
	return limits
}

// startManager runs a manager to completion, returning the final result and
// every event delivered on its stream.
func startManager(t *testing.T, backend *fakeBackend, req session.RunRequest, timeout time.Duration) (session.Result, []session.Event, *admission.Controller) {
	t.Helper()

	ctrl := admission.New(1)
	slot, err := ctrl.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire slot: %v", err)
	}

	mgr := session.NewManager(req, timeout, session.ManagerOptions{
		Backend: backend,
		Limits:  testLimits(),
		Slot:    slot,
	})

	var events []session.Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range mgr.Events() {
			events = append(events, ev)
		}
	}()

	result := mgr.Run(context.Background())
	wg.Wait()
	return result, events, ctrl
}

func defaultRequest() session.RunRequest {
	return session.RunRequest{Prompt: "do the thing"}
}

func TestRunSuccess(t *testing.T) {
	backend := &fakeBackend{
		output: `{"type":"system","subtype":"init"}
{"type":"assistant","message":"working on it"}
{"type":"result","subtype":"success","result":{"answer":42}}
`,
	}

	result, events, ctrl := startManager(t, backend, defaultRequest(), time.Minute)

	if result.Outcome != session.OutcomeSuccess {
		t.Fatalf("outcome = %q, want success", result.Outcome)
	}
	if result.Subtype != session.SubtypeSuccess {
		t.Fatalf("subtype = %q, want success", result.Subtype)
	}
	if got := backend.destroyCalls.Load(); got != 1 {
		t.Fatalf("destroy calls = %d, want 1", got)
	}
	if got := ctrl.Used(); got != 0 {
		t.Fatalf("slot not released: used = %d", got)
	}

	// The terminal result is the final event; agent messages precede it in
	// arrival order.
	last := events[len(events)-1]
	if last.Type != session.EventResult {
		t.Fatalf("final event type = %q, want result", last.Type)
	}
	var agentMessages int
	for _, ev := range events {
		if ev.Type == session.EventAgentMessage {
			agentMessages++
		}
	}
	if agentMessages != 2 {
		t.Fatalf("agent messages = %d, want 2", agentMessages)
	}
}

func TestRunAgentErrorSubtype(t *testing.T) {
	tests := []struct {
		name    string
		subtype string
	}{
		{"max turns", session.SubtypeMaxTurns},
		{"execution error", session.SubtypeExecutionError},
		{"budget exceeded", session.SubtypeBudgetExceeded},
		{"retries exhausted", session.SubtypeRetriesExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{
				output: `{"type":"result","subtype":"` + tt.subtype + `","error":"agent failed"}` + "\n",
			}
			result, _, _ := startManager(t, backend, defaultRequest(), time.Minute)

			if result.Outcome != session.OutcomeAgentError {
				t.Fatalf("outcome = %q, want agent_error", result.Outcome)
			}
			if result.Subtype != tt.subtype {
				t.Fatalf("subtype = %q, want %q", result.Subtype, tt.subtype)
			}
			if got := backend.destroyCalls.Load(); got != 1 {
				t.Fatalf("destroy calls = %d, want 1", got)
			}
		})
	}
}

func TestRunSilentStreamEndIsInfraFailure(t *testing.T) {
	backend := &fakeBackend{
		output: `{"type":"system","subtype":"init"}` + "\n",
	}

	result, _, _ := startManager(t, backend, defaultRequest(), time.Minute)

	if result.Outcome != session.OutcomeInfraFailure {
		t.Fatalf("outcome = %q, want infra_failure", result.Outcome)
	}
}

func TestRunMalformedLineDoesNotAbortSession(t *testing.T) {
	backend := &fakeBackend{
		output: `{"type":"system","subtype":"init"}
not json at all
{"type":"result","subtype":"success"}
`,
	}

	result, events, _ := startManager(t, backend, defaultRequest(), time.Minute)

	if result.Outcome != session.OutcomeSuccess {
		t.Fatalf("outcome = %q, want success", result.Outcome)
	}

	var malformed int
	for _, ev := range events {
		if ev.Type == session.EventError && ev.ErrorKind == session.ErrorMalformedOutput {
			malformed++
		}
	}
	if malformed != 1 {
		t.Fatalf("malformed error events = %d, want 1", malformed)
	}
}

func TestRunTimeout(t *testing.T) {
	backend := &fakeBackend{hangAfter: true}

	start := time.Now()
	result, events, ctrl := startManager(t, backend, defaultRequest(), 150*time.Millisecond)
	elapsed := time.Since(start)

	if result.Outcome != session.OutcomeTimeout {
		t.Fatalf("outcome = %q, want timeout", result.Outcome)
	}
	if elapsed < 100*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("terminated after %s, want ≈150ms", elapsed)
	}
	if got := backend.stopCalls.Load(); got == 0 {
		t.Fatal("expected SignalStop on timeout")
	}
	if got := backend.destroyCalls.Load(); got != 1 {
		t.Fatalf("destroy calls = %d, want 1", got)
	}
	if got := ctrl.Used(); got != 0 {
		t.Fatalf("slot not released: used = %d", got)
	}

	// Exactly one result event, and nothing after it.
	var resultIdx = -1
	for i, ev := range events {
		if ev.Type == session.EventResult {
			if resultIdx != -1 {
				t.Fatal("multiple result events")
			}
			resultIdx = i
		}
	}
	if resultIdx != len(events)-1 {
		t.Fatalf("result event at index %d of %d, want last", resultIdx, len(events))
	}
}

func TestTerminalResultBeforeDeadlineIsNotTimeout(t *testing.T) {
	backend := &fakeBackend{
		output:    `{"type":"result","subtype":"success"}` + "\n",
		hangAfter: true, // process lingers after reporting completion
	}

	result, _, _ := startManager(t, backend, defaultRequest(), time.Minute)

	if result.Outcome != session.OutcomeSuccess {
		t.Fatalf("outcome = %q, want success", result.Outcome)
	}
}

func TestCancelDuringRunning(t *testing.T) {
	backend := &fakeBackend{hangAfter: true}

	ctrl := admission.New(1)
	slot, err := ctrl.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire slot: %v", err)
	}

	mgr := session.NewManager(defaultRequest(), time.Minute, session.ManagerOptions{
		Backend: backend,
		Limits:  testLimits(),
		Slot:    slot,
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		mgr.Cancel()
	}()

	done := make(chan session.Result, 1)
	go func() {
		done <- mgr.Run(context.Background())
	}()
	go func() {
		for range mgr.Events() {
		}
	}()

	select {
	case result := <-done:
		if result.Outcome != session.OutcomeCancelled {
			t.Fatalf("outcome = %q, want cancelled", result.Outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not unwind the session")
	}

	if got := backend.stopCalls.Load(); got == 0 {
		t.Fatal("expected SignalStop on cancel")
	}
	if got := backend.destroyCalls.Load(); got != 1 {
		t.Fatalf("destroy calls = %d, want 1", got)
	}
	if got := ctrl.Used(); got != 0 {
		t.Fatalf("slot not released: used = %d", got)
	}
}

func TestCancelDuringProvisioning(t *testing.T) {
	backend := &fakeBackend{provisionDelay: 5 * time.Second}

	ctrl := admission.New(1)
	slot, err := ctrl.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire slot: %v", err)
	}

	mgr := session.NewManager(defaultRequest(), time.Minute, session.ManagerOptions{
		Backend: backend,
		Limits:  testLimits(),
		Slot:    slot,
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		mgr.Cancel()
	}()

	var events []session.Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range mgr.Events() {
			events = append(events, ev)
		}
	}()

	start := time.Now()
	result := mgr.Run(context.Background())
	wg.Wait()

	if result.Outcome != session.OutcomeCancelled {
		t.Fatalf("outcome = %q, want cancelled", result.Outcome)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancel during provisioning took %s", elapsed)
	}

	// The stream records the provisioning session winding down before the
	// terminal result.
	var sawDraining bool
	for _, ev := range events {
		if ev.Type == session.EventLifecycle &&
			ev.From == session.StateProvisioning && ev.To == session.StateDraining {
			sawDraining = true
		}
	}
	if !sawDraining {
		t.Fatal("expected a provisioning to draining lifecycle event")
	}
	// Even a partial environment is destroyed, and the slot comes back.
	if got := backend.destroyCalls.Load(); got != 1 {
		t.Fatalf("destroy calls = %d, want 1", got)
	}
	if got := ctrl.Used(); got != 0 {
		t.Fatalf("slot not released: used = %d", got)
	}
}

func TestProvisionFailureIsInfraFailure(t *testing.T) {
	backend := &fakeBackend{
		provisionErr: &sandbox.ProvisionError{Backend: "fake", Reason: "image missing"},
	}

	result, events, ctrl := startManager(t, backend, defaultRequest(), time.Minute)

	if result.Outcome != session.OutcomeInfraFailure {
		t.Fatalf("outcome = %q, want infra_failure", result.Outcome)
	}
	if got := ctrl.Used(); got != 0 {
		t.Fatalf("slot not released: used = %d", got)
	}

	var sawProvisionError bool
	for _, ev := range events {
		if ev.Type == session.EventError && ev.ErrorKind == session.ErrorProvision {
			sawProvisionError = true
		}
	}
	if !sawProvisionError {
		t.Fatal("expected a provision error event")
	}
}

func TestNoGoroutineLeakFromTrailingOutput(t *testing.T) {
	// An agent that keeps writing after its terminal result must not strand
	// the stream scanner on a channel nobody reads.
	var output strings.Builder
	output.WriteString(`{"type":"result","subtype":"success"}` + "\n")
	for i := 0; i < 200; i++ {
		output.WriteString(`{"type":"assistant","message":"after the end"}` + "\n")
	}

	before := runtime.NumGoroutine()

	for i := 0; i < 10; i++ {
		backend := &fakeBackend{output: output.String()}
		result, _, _ := startManager(t, backend, defaultRequest(), time.Minute)
		if result.Outcome != session.OutcomeSuccess {
			t.Fatalf("outcome = %q, want success", result.Outcome)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before+2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("goroutines grew from %d to %d", before, runtime.NumGoroutine())
}

func TestCredentialsRedactedFromErrors(t *testing.T) {
	const apiKey = "sk-ant-very-secret-key"
	backend := &fakeBackend{
		provisionErr: errors.New("provision failed: env ANTHROPIC_API_KEY=" + apiKey),
	}

	req := defaultRequest()
	req.AnthropicAPIKey = apiKey
	result, events, _ := startManager(t, backend, req, time.Minute)

	if strings.Contains(result.Error, apiKey) {
		t.Fatalf("result error leaks the api key: %q", result.Error)
	}
	if !strings.Contains(result.Error, "[REDACTED]") {
		t.Fatalf("result error not redacted: %q", result.Error)
	}
	for _, ev := range events {
		if strings.Contains(ev.Error, apiKey) {
			t.Fatalf("event leaks the api key: %q", ev.Error)
		}
	}
}

func TestCancelAfterTerminationIsNoOp(t *testing.T) {
	backend := &fakeBackend{
		output: `{"type":"result","subtype":"success"}` + "\n",
	}

	ctrl := admission.New(1)
	slot, _ := ctrl.Acquire(context.Background())
	mgr := session.NewManager(defaultRequest(), time.Minute, session.ManagerOptions{
		Backend: backend,
		Limits:  testLimits(),
		Slot:    slot,
	})
	go func() {
		for range mgr.Events() {
		}
	}()

	result := mgr.Run(context.Background())
	if result.Outcome != session.OutcomeSuccess {
		t.Fatalf("outcome = %q, want success", result.Outcome)
	}

	mgr.Cancel() // stale trigger after Terminated
	mgr.Cancel()

	if got := backend.destroyCalls.Load(); got != 1 {
		t.Fatalf("destroy calls = %d, want 1", got)
	}
}

func TestRunnerInputsMaterialized(t *testing.T) {
	backend := &fakeBackend{
		output: `{"type":"result","subtype":"success"}` + "\n",
	}

	req := defaultRequest()
	req.Files = map[string][]byte{
		"src/main.py": []byte("print('hi')"),
		"README.md":   []byte("# readme"),
	}

	result, _, _ := startManager(t, backend, req, time.Minute)
	if result.Outcome != session.OutcomeSuccess {
		t.Fatalf("outcome = %q, want success", result.Outcome)
	}

	wantPaths := map[string]bool{
		"/home/user/.claude/settings.json":    false,
		"/home/user/src/main.py":              false,
		"/home/user/README.md":                false,
		"/opt/agent-runner/runner.mjs":        false,
		"/opt/agent-runner/agent_config.json": false,
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	for _, p := range backend.writtenPaths {
		if _, ok := wantPaths[p]; ok {
			wantPaths[p] = true
		}
	}
	for p, seen := range wantPaths {
		if !seen {
			t.Errorf("expected %s to be written", p)
		}
	}
}
