package flow_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beamflow/beamflow/flow"
	"github.com/beamflow/beamflow/flow/emit"
	"github.com/beamflow/beamflow/flow/store"
)

func init() {
	// Millisecond backoff so retry tests finish quickly.
	if err := flow.RegisterPolicy("fast", flow.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Exponent:    2,
	}); err != nil {
		panic(err)
	}
}

// testStep is a configurable step for engine tests.
type testStep struct {
	execute  func(ctx context.Context, s flow.State) (flow.State, error)
	validate func(s flow.State) error
	policy   string
	timeout  time.Duration
	comp     func(ctx context.Context, cc flow.CompContext) error
	compMeta flow.CompMetadata

	executions atomic.Int32
}

func (t *testStep) Validate(s flow.State) error {
	if t.validate != nil {
		return t.validate(s)
	}
	return nil
}

func (t *testStep) Execute(ctx context.Context, s flow.State) (flow.State, error) {
	t.executions.Add(1)
	if t.execute != nil {
		return t.execute(ctx, s)
	}
	return s, nil
}

func (t *testStep) PolicyName() string {
	if t.policy == "" {
		return "fast"
	}
	return t.policy
}

func (t *testStep) StepTimeout() time.Duration { return t.timeout }

func (t *testStep) Compensate(ctx context.Context, cc flow.CompContext) error {
	if t.comp != nil {
		return t.comp(ctx, cc)
	}
	return nil
}

func (t *testStep) CompensationMetadata() flow.CompMetadata { return t.compMeta }

// fakeInjector injects a scripted fault a limited number of times.
type fakeInjector struct {
	mu        sync.Mutex
	fault     string
	remaining int
	compFail  atomic.Bool
}

func (f *fakeInjector) ShouldFail(workflowID, fault string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fault == f.fault && f.remaining != 0 {
		if f.remaining > 0 {
			f.remaining--
		}
		return true
	}
	return false
}

func (f *fakeInjector) LatencyDelay() time.Duration { return 0 }

func (f *fakeInjector) ConsumeCompensationFailure() bool {
	return f.compFail.CompareAndSwap(true, false)
}

func newTestEngine(t *testing.T, options ...flow.Option) (*flow.Supervisor, *store.MemStore, *emit.Bus) {
	t.Helper()
	st := store.NewMemStore()
	bus := emit.NewBus()
	options = append([]flow.Option{
		flow.WithDLQSweepInterval(0), // sweeper off unless a test wants it
		flow.WithDefaultStepTimeout(2 * time.Second),
		flow.WithDefaultCompensationTimeout(2 * time.Second),
	}, options...)
	sup := flow.NewSupervisor(st, bus, options...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
		bus.Close()
	})
	return sup, st, bus
}

func waitStatus(t *testing.T, sup *flow.Supervisor, id string, want store.WorkflowStatus) flow.WorkflowSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := sup.GetState(context.Background(), id)
		if err == nil && snap.Status == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, err := sup.GetState(context.Background(), id)
	t.Fatalf("workflow %s never reached %s (last: %+v, err=%v)", id, want, snap, err)
	return flow.WorkflowSnapshot{}
}

func appendLog(name string) func(ctx context.Context, s flow.State) (flow.State, error) {
	return func(_ context.Context, s flow.State) (flow.State, error) {
		log, _ := s["log"].(string)
		if log != "" {
			log += ","
		}
		s["log"] = log + name
		return s, nil
	}
}

func TestWorkflowHappyPath(t *testing.T) {
	sup, st, _ := newTestEngine(t)

	reg := flow.NewRegistry()
	s1 := &testStep{execute: appendLog("s1")}
	s2 := &testStep{execute: appendLog("s2")}
	s3 := &testStep{execute: appendLog("s3")}
	reg.MustRegister("step.one", s1)
	reg.MustRegister("step.two", s2)
	reg.MustRegister("step.three", s3)

	if err := sup.RegisterDefinition(linearGraph(t), reg); err != nil {
		t.Fatalf("RegisterDefinition() error = %v", err)
	}

	id, err := sup.StartWorkflow(context.Background(), "linear", "wf-happy", flow.State{"order": "o-1"})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	snap := waitStatus(t, sup, id, store.StatusCompleted)
	if snap.State["log"] != "s1,s2,s3" {
		t.Errorf("state log = %v, want s1,s2,s3", snap.State["log"])
	}
	if snap.State["order"] != "o-1" {
		t.Errorf("initial state lost: %v", snap.State)
	}
	if snap.TotalSteps != 3 {
		t.Errorf("TotalSteps = %d, want 3", snap.TotalSteps)
	}
	for _, s := range []*testStep{s1, s2, s3} {
		if n := s.executions.Load(); n != 1 {
			t.Errorf("step executed %d times, want 1", n)
		}
	}

	events, err := st.EventsByWorkflow(context.Background(), id)
	if err != nil {
		t.Fatalf("EventsByWorkflow() error = %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no events recorded")
	}
	if events[0].Type != emit.WorkflowStarted {
		t.Errorf("first event = %s, want workflow_started", events[0].Type)
	}
	if events[len(events)-1].Type != emit.WorkflowCompleted {
		t.Errorf("last event = %s, want workflow_completed", events[len(events)-1].Type)
	}
	started, completed := 0, 0
	for _, ev := range events {
		switch ev.Type {
		case emit.StepStarted:
			started++
		case emit.StepCompleted:
			completed++
		}
	}
	if started != 3 || completed != 3 {
		t.Errorf("step events = %d started / %d completed, want 3/3", started, completed)
	}
}

func TestWorkflowBranchDefault(t *testing.T) {
	sup, _, _ := newTestEngine(t)

	reg := flow.NewRegistry()
	high := &testStep{execute: appendLog("high")}
	low := &testStep{execute: appendLog("low")}
	medium := &testStep{execute: appendLog("medium")}
	reg.MustRegister("handle.high", high)
	reg.MustRegister("handle.low", low)
	reg.MustRegister("handle.medium", medium)

	if err := sup.RegisterDefinition(branchGraph(t), reg); err != nil {
		t.Fatalf("RegisterDefinition() error = %v", err)
	}

	t.Run("label match", func(t *testing.T) {
		id, err := sup.StartWorkflow(context.Background(), "routed", "wf-high", flow.State{"level": "high"})
		if err != nil {
			t.Fatalf("StartWorkflow() error = %v", err)
		}
		snap := waitStatus(t, sup, id, store.StatusCompleted)
		if snap.State["log"] != "high" {
			t.Errorf("log = %v, want high arm", snap.State["log"])
		}
	})

	t.Run("default arm", func(t *testing.T) {
		id, err := sup.StartWorkflow(context.Background(), "routed", "wf-medium", flow.State{"level": "medium"})
		if err != nil {
			t.Fatalf("StartWorkflow() error = %v", err)
		}
		snap := waitStatus(t, sup, id, store.StatusCompleted)
		if snap.State["log"] != "medium" {
			t.Errorf("log = %v, want default arm", snap.State["log"])
		}
	})
}

func TestWorkflowRetryTransient(t *testing.T) {
	sup, st, _ := newTestEngine(t)

	var failures atomic.Int32
	failures.Store(2)
	flaky := &testStep{
		execute: func(_ context.Context, s flow.State) (flow.State, error) {
			if failures.Add(-1) >= 0 {
				return nil, flow.Failf("service_unavailable", "downstream flapping")
			}
			s["done"] = true
			return s, nil
		},
	}

	reg := flow.NewRegistry()
	reg.MustRegister("flaky", flaky)

	g, err := flow.NewBuilder("retry").
		Start("start").Step("s", "flaky").End("e").
		Edge("start", "s").Edge("s", "e").Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := sup.RegisterDefinition(g, reg); err != nil {
		t.Fatalf("RegisterDefinition() error = %v", err)
	}

	id, err := sup.StartWorkflow(context.Background(), "retry", "wf-retry", flow.State{})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	snap := waitStatus(t, sup, id, store.StatusCompleted)
	if snap.State["done"] != true {
		t.Errorf("state = %v, want done=true", snap.State)
	}
	if n := flaky.executions.Load(); n != 3 {
		t.Errorf("executions = %d, want 3 (two failures + success)", n)
	}

	events, _ := st.EventsByWorkflow(context.Background(), id)
	retries, stepFailed := 0, 0
	for _, ev := range events {
		switch ev.Type {
		case emit.RetryScheduled:
			retries++
		case emit.StepFailed:
			stepFailed++
		}
	}
	if retries != 2 {
		t.Errorf("retry_scheduled events = %d, want 2", retries)
	}
	if stepFailed != 2 {
		t.Errorf("step_failed events = %d, want 2", stepFailed)
	}

	// Each attempt has its own ledger key; the failed ones stay failed.
	for attempt, want := range map[int]store.LedgerStatus{
		1: store.LedgerFailed,
		2: store.LedgerFailed,
		3: store.LedgerCompleted,
	} {
		entry, err := st.GetIdempotency(context.Background(), flow.IdempotencyKey(id, "flaky", attempt))
		if err != nil {
			t.Fatalf("ledger attempt %d: %v", attempt, err)
		}
		if entry.Status != want {
			t.Errorf("ledger attempt %d = %s, want %s", attempt, entry.Status, want)
		}
	}
}

func TestWorkflowSagaCompensation(t *testing.T) {
	sup, st, _ := newTestEngine(t)

	var mu sync.Mutex
	var compensated []string
	recComp := func(name string) func(context.Context, flow.CompContext) error {
		return func(_ context.Context, cc flow.CompContext) error {
			mu.Lock()
			defer mu.Unlock()
			compensated = append(compensated, name)
			if cc.FailureReason != "fraud_detected" {
				t.Errorf("FailureReason = %q, want fraud_detected", cc.FailureReason)
			}
			return nil
		}
	}

	stepA := &testStep{execute: appendLog("a"), comp: recComp("a")}
	stepB := &testStep{execute: appendLog("b"), comp: recComp("b")}
	stepC := &testStep{
		execute: func(context.Context, flow.State) (flow.State, error) {
			return nil, flow.Failf("fraud_detected", "card flagged")
		},
	}

	reg := flow.NewRegistry()
	reg.MustRegister("a", stepA)
	reg.MustRegister("b", stepB)
	reg.MustRegister("c", stepC)

	g, err := flow.NewBuilder("saga").
		Start("start").Step("na", "a").Step("nb", "b").Step("nc", "c").End("e").
		Edge("start", "na").Edge("na", "nb").Edge("nb", "nc").Edge("nc", "e").Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := sup.RegisterDefinition(g, reg); err != nil {
		t.Fatalf("RegisterDefinition() error = %v", err)
	}

	id, err := sup.StartWorkflow(context.Background(), "saga", "wf-saga", flow.State{})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	snap := waitStatus(t, sup, id, store.StatusFailed)
	if snap.Error == "" {
		t.Error("failed workflow has empty error")
	}

	mu.Lock()
	order := append([]string(nil), compensated...)
	mu.Unlock()
	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Errorf("compensation order = %v, want [b a] (reverse completion)", order)
	}

	// Permanent failure: no retries.
	if n := stepC.executions.Load(); n != 1 {
		t.Errorf("failing step executed %d times, want 1", n)
	}

	entries, err := st.DeadLettersByWorkflow(context.Background(), id)
	if err != nil {
		t.Fatalf("DeadLettersByWorkflow() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("DLQ entries = %d, want 1", len(entries))
	}
	entry := entries[0]
	if entry.Type != store.TypeWorkflowFailed {
		t.Errorf("DLQ type = %s, want workflow_failed", entry.Type)
	}
	if entry.ErrorClass != string(flow.ClassPermanent) {
		t.Errorf("DLQ class = %s, want permanent", entry.ErrorClass)
	}
	if entry.NextRetryAt != nil {
		t.Error("permanent failure scheduled for auto-retry")
	}

	events, _ := st.EventsByWorkflow(context.Background(), id)
	compStarted := 0
	for _, ev := range events {
		if ev.Type == emit.CompensationStarted {
			compStarted++
		}
	}
	if compStarted != 2 {
		t.Errorf("compensation_started events = %d, want 2", compStarted)
	}
}

func TestWorkflowCrashResume(t *testing.T) {
	inj := &fakeInjector{fault: flow.FaultCrash, remaining: 1}
	sup, st, _ := newTestEngine(t, flow.WithInjector(inj))

	reg := flow.NewRegistry()
	s1 := &testStep{execute: appendLog("s1")}
	s2 := &testStep{execute: appendLog("s2")}
	s3 := &testStep{execute: appendLog("s3")}
	reg.MustRegister("step.one", s1)
	reg.MustRegister("step.two", s2)
	reg.MustRegister("step.three", s3)

	if err := sup.RegisterDefinition(linearGraph(t), reg); err != nil {
		t.Fatalf("RegisterDefinition() error = %v", err)
	}

	id, err := sup.StartWorkflow(context.Background(), "linear", "wf-crash", flow.State{})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	snap := waitStatus(t, sup, id, store.StatusCompleted)
	if snap.State["log"] != "s1,s2,s3" {
		t.Errorf("log = %v, want all steps exactly once", snap.State["log"])
	}
	// The crash fired before the first step executed; after restart the
	// ledger shows the pending attempt and each step still runs once.
	total := s1.executions.Load() + s2.executions.Load() + s3.executions.Load()
	if total != 3 {
		t.Errorf("total executions = %d, want 3", total)
	}

	events, _ := st.EventsByWorkflow(context.Background(), id)
	injected := 0
	for _, ev := range events {
		if ev.Type == emit.ChaosInjected {
			injected++
		}
	}
	if injected != 1 {
		t.Errorf("chaos_injected events = %d, want 1", injected)
	}
}

func TestWorkflowChaosErrorRecovery(t *testing.T) {
	inj := &fakeInjector{fault: flow.FaultError, remaining: 1}
	sup, st, _ := newTestEngine(t, flow.WithInjector(inj))

	reg := flow.NewRegistry()
	reg.MustRegister("step.one", &testStep{})
	reg.MustRegister("step.two", &testStep{})
	reg.MustRegister("step.three", &testStep{})

	if err := sup.RegisterDefinition(linearGraph(t), reg); err != nil {
		t.Fatalf("RegisterDefinition() error = %v", err)
	}

	id, err := sup.StartWorkflow(context.Background(), "linear", "wf-chaos-err", flow.State{})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}
	waitStatus(t, sup, id, store.StatusCompleted)

	// The injected transient error was retried and the step eventually
	// succeeded: that's a recovery.
	events, _ := st.EventsByWorkflow(context.Background(), id)
	recovered := false
	for _, ev := range events {
		if ev.Type == emit.ChaosRecovered {
			recovered = true
		}
	}
	if !recovered {
		t.Error("no chaos_recovered event after surviving injected error")
	}
}

func TestStopWorkflowWithCompensation(t *testing.T) {
	sup, st, _ := newTestEngine(t)

	gate := make(chan struct{})
	var mu sync.Mutex
	var compensated []string

	s1 := &testStep{
		execute: appendLog("s1"),
		comp: func(context.Context, flow.CompContext) error {
			mu.Lock()
			defer mu.Unlock()
			compensated = append(compensated, "s1")
			return nil
		},
	}
	s2 := &testStep{
		execute: func(_ context.Context, s flow.State) (flow.State, error) {
			<-gate
			return s, nil
		},
	}
	s3 := &testStep{execute: appendLog("s3")}

	reg := flow.NewRegistry()
	reg.MustRegister("step.one", s1)
	reg.MustRegister("step.two", s2)
	reg.MustRegister("step.three", s3)

	if err := sup.RegisterDefinition(linearGraph(t), reg); err != nil {
		t.Fatalf("RegisterDefinition() error = %v", err)
	}

	id, err := sup.StartWorkflow(context.Background(), "linear", "wf-stop", flow.State{})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	// Wait for s2 to be in flight, queue the stop, then release s2.
	deadline := time.Now().Add(2 * time.Second)
	for s2.executions.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if err := sup.StopWorkflow(context.Background(), id, flow.StopOptions{Compensate: true}); err != nil {
		t.Fatalf("StopWorkflow() error = %v", err)
	}
	close(gate)

	snap := waitStatus(t, sup, id, store.StatusFailed)
	if snap.Error == "" {
		t.Error("stopped workflow has empty error")
	}
	if s3.executions.Load() != 0 {
		t.Error("step after stop still executed")
	}

	mu.Lock()
	gotComp := len(compensated)
	mu.Unlock()
	if gotComp != 1 {
		t.Errorf("compensations = %d, want 1 (s1)", gotComp)
	}

	entries, _ := st.DeadLettersByWorkflow(context.Background(), id)
	if len(entries) != 1 {
		t.Fatalf("DLQ entries = %d, want 1", len(entries))
	}
	// Cancellation is terminal-class: archived, never auto-retried.
	if entries[0].Status != store.DLQArchived {
		t.Errorf("DLQ status = %s, want archived", entries[0].Status)
	}
}

func TestLedgerShortCircuit(t *testing.T) {
	sup, st, _ := newTestEngine(t)

	only := &testStep{execute: appendLog("ran")}
	reg := flow.NewRegistry()
	reg.MustRegister("only", only)

	g, err := flow.NewBuilder("single").
		Start("start").Step("s", "only").End("e").
		Edge("start", "s").Edge("s", "e").Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := sup.RegisterDefinition(g, reg); err != nil {
		t.Fatalf("RegisterDefinition() error = %v", err)
	}

	// Pretend attempt 1 already completed before a crash.
	const id = "wf-cached"
	key := flow.IdempotencyKey(id, "only", 1)
	now := time.Now().UTC()
	tx, err := st.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := tx.PutIdempotency(flow.CompletedEntry(key, now, now, map[string]any{"cached": true})); err != nil {
		t.Fatalf("PutIdempotency() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if _, err := sup.StartWorkflow(context.Background(), "single", id, flow.State{}); err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	snap := waitStatus(t, sup, id, store.StatusCompleted)
	if only.executions.Load() != 0 {
		t.Errorf("step executed %d times, want 0 (cached attempt)", only.executions.Load())
	}
	if snap.State["cached"] != true {
		t.Errorf("cached result not applied: %v", snap.State)
	}
	if _, ran := snap.State["ran"]; ran {
		t.Error("step side effect present despite ledger skip")
	}
}

func TestWorkflowValidationFailure(t *testing.T) {
	sup, _, _ := newTestEngine(t)

	picky := &testStep{
		validate: func(s flow.State) error {
			if _, ok := s["email"]; !ok {
				return flow.Failf("missing_email", "no email in state")
			}
			return nil
		},
	}
	reg := flow.NewRegistry()
	reg.MustRegister("picky", picky)

	g, err := flow.NewBuilder("validated").
		Start("start").Step("s", "picky").End("e").
		Edge("start", "s").Edge("s", "e").Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := sup.RegisterDefinition(g, reg); err != nil {
		t.Fatalf("RegisterDefinition() error = %v", err)
	}

	id, err := sup.StartWorkflow(context.Background(), "validated", "wf-invalid", flow.State{})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	// Recoverable: not retried, straight to failed.
	waitStatus(t, sup, id, store.StatusFailed)
	if n := picky.executions.Load(); n != 0 {
		t.Errorf("Execute ran %d times despite validation failure", n)
	}
}

func TestStepTimeoutIsTransient(t *testing.T) {
	sup, _, _ := newTestEngine(t)

	var calls atomic.Int32
	slow := &testStep{
		timeout: 20 * time.Millisecond,
		execute: func(ctx context.Context, s flow.State) (flow.State, error) {
			if calls.Add(1) == 1 {
				<-ctx.Done() // first attempt hangs past the deadline
				return nil, ctx.Err()
			}
			return s, nil
		},
	}
	reg := flow.NewRegistry()
	reg.MustRegister("slow", slow)

	g, err := flow.NewBuilder("timed").
		Start("start").Step("s", "slow").End("e").
		Edge("start", "s").Edge("s", "e").Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := sup.RegisterDefinition(g, reg); err != nil {
		t.Fatalf("RegisterDefinition() error = %v", err)
	}

	id, err := sup.StartWorkflow(context.Background(), "timed", "wf-timeout", flow.State{})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	waitStatus(t, sup, id, store.StatusCompleted)
	if n := calls.Load(); n != 2 {
		t.Errorf("attempts = %d, want 2 (timeout then success)", n)
	}
}

func TestIdempotencyKeyInjected(t *testing.T) {
	sup, _, _ := newTestEngine(t)

	var seen atomic.Value
	s := &testStep{
		execute: func(_ context.Context, st flow.State) (flow.State, error) {
			key, _ := st[flow.KeyIdempotency].(string)
			seen.Store(key)
			return st, nil
		},
	}
	reg := flow.NewRegistry()
	reg.MustRegister("observer", s)

	g, err := flow.NewBuilder("keyed").
		Start("start").Step("s", "observer").End("e").
		Edge("start", "s").Edge("s", "e").Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := sup.RegisterDefinition(g, reg); err != nil {
		t.Fatalf("RegisterDefinition() error = %v", err)
	}

	id, err := sup.StartWorkflow(context.Background(), "keyed", "wf-keyed", flow.State{})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	snap := waitStatus(t, sup, id, store.StatusCompleted)
	want := flow.IdempotencyKey(id, "observer", 1)
	if got, _ := seen.Load().(string); got != want {
		t.Errorf("injected key = %q, want %q", got, want)
	}
	// The reserved key never leaks into persisted state.
	if _, leaked := snap.State[flow.KeyIdempotency]; leaked {
		t.Error("idempotency key leaked into final state")
	}
}

func TestRetryExhaustionFails(t *testing.T) {
	sup, st, _ := newTestEngine(t)

	always := &testStep{
		execute: func(context.Context, flow.State) (flow.State, error) {
			return nil, flow.Failf("service_unavailable", "permanently flapping")
		},
	}
	reg := flow.NewRegistry()
	reg.MustRegister("always-down", always)

	g, err := flow.NewBuilder("exhaust").
		Start("start").Step("s", "always-down").End("e").
		Edge("start", "s").Edge("s", "e").Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := sup.RegisterDefinition(g, reg); err != nil {
		t.Fatalf("RegisterDefinition() error = %v", err)
	}

	id, err := sup.StartWorkflow(context.Background(), "exhaust", "wf-exhaust", flow.State{})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	waitStatus(t, sup, id, store.StatusFailed)
	// The fast policy allows 3 attempts.
	if n := always.executions.Load(); n != 3 {
		t.Errorf("executions = %d, want 3", n)
	}

	entries, _ := st.DeadLettersByWorkflow(context.Background(), id)
	if len(entries) != 1 {
		t.Fatalf("DLQ entries = %d, want 1", len(entries))
	}
	if entries[0].ErrorClass != string(flow.ClassTransient) {
		t.Errorf("DLQ class = %s, want transient", entries[0].ErrorClass)
	}
	if entries[0].NextRetryAt == nil {
		t.Error("transient DLQ entry has no retry schedule")
	}
}

func TestDeadLetterCarriesOriginalParams(t *testing.T) {
	sup, st, _ := newTestEngine(t)

	upgrade := &testStep{
		execute: func(_ context.Context, s flow.State) (flow.State, error) {
			s["plan"] = "upgraded"
			return s, nil
		},
	}
	reject := &testStep{
		execute: func(context.Context, flow.State) (flow.State, error) {
			return nil, flow.Failf("fraud_detected", "card flagged")
		},
	}

	reg := flow.NewRegistry()
	reg.MustRegister("upgrade", upgrade)
	reg.MustRegister("reject", reject)

	g, err := flow.NewBuilder("audited").
		Start("start").Step("n1", "upgrade").Step("n2", "reject").End("e").
		Edge("start", "n1").Edge("n1", "n2").Edge("n2", "e").Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := sup.RegisterDefinition(g, reg); err != nil {
		t.Fatalf("RegisterDefinition() error = %v", err)
	}

	initial := flow.State{"plan": "basic", "password": "hunter2"}
	id, err := sup.StartWorkflow(context.Background(), "audited", "wf-params", initial)
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}
	waitStatus(t, sup, id, store.StatusFailed)

	entries, err := st.DeadLettersByWorkflow(context.Background(), id)
	if err != nil {
		t.Fatalf("DeadLettersByWorkflow() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("DLQ entries = %d, want 1", len(entries))
	}
	entry := entries[0]

	// Context is the state at failure time; OriginalParams is the state
	// the workflow was started with, before any step touched it.
	if entry.Context["plan"] != "upgraded" {
		t.Errorf("context plan = %v, want upgraded", entry.Context["plan"])
	}
	if entry.OriginalParams["plan"] != "basic" {
		t.Errorf("original params plan = %v, want basic", entry.OriginalParams["plan"])
	}
	for name, m := range map[string]map[string]any{
		"context":         entry.Context,
		"original params": entry.OriginalParams,
	} {
		if _, present := m["password"]; present {
			t.Errorf("secret survived sanitization in %s", name)
		}
	}
}

func TestLedgerRecordsNumericTypeChange(t *testing.T) {
	sup, st, _ := newTestEngine(t)

	recount := &testStep{
		execute: func(_ context.Context, s flow.State) (flow.State, error) {
			// Same printed value, different dynamic type. A rehydrated
			// actor replays the ledger result, so the change must be
			// captured.
			s["count"] = float64(1)
			return s, nil
		},
	}
	reg := flow.NewRegistry()
	reg.MustRegister("recount", recount)

	g, err := flow.NewBuilder("typed").
		Start("start").Step("s", "recount").End("e").
		Edge("start", "s").Edge("s", "e").Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := sup.RegisterDefinition(g, reg); err != nil {
		t.Fatalf("RegisterDefinition() error = %v", err)
	}

	id, err := sup.StartWorkflow(context.Background(), "typed", "wf-typed", flow.State{"count": int(1)})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}
	waitStatus(t, sup, id, store.StatusCompleted)

	entry, err := st.GetIdempotency(context.Background(), flow.IdempotencyKey(id, "recount", 1))
	if err != nil {
		t.Fatalf("GetIdempotency() error = %v", err)
	}
	got, present := entry.Result["count"]
	if !present {
		t.Fatalf("ledger result = %v, want count recorded", entry.Result)
	}
	if _, isFloat := got.(float64); !isFloat {
		t.Errorf("ledger result count = %T, want float64", got)
	}
}

func TestTerminalStatusImmutableAfterRun(t *testing.T) {
	sup, st, _ := newTestEngine(t)

	reg := flow.NewRegistry()
	reg.MustRegister("noop", &testStep{})
	g, err := flow.NewBuilder("once").
		Start("start").Step("s", "noop").End("e").
		Edge("start", "s").Edge("s", "e").Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := sup.RegisterDefinition(g, reg); err != nil {
		t.Fatalf("RegisterDefinition() error = %v", err)
	}

	id, err := sup.StartWorkflow(context.Background(), "once", "wf-final", flow.State{})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}
	waitStatus(t, sup, id, store.StatusCompleted)

	row, err := st.GetWorkflow(context.Background(), id)
	if err != nil {
		t.Fatalf("GetWorkflow() error = %v", err)
	}
	row.Status = store.StatusRunning
	tx, _ := st.Begin(context.Background())
	_ = tx.PutWorkflow(row)
	if err := tx.Commit(); !errors.Is(err, store.ErrTerminalStatus) {
		t.Errorf("Commit() error = %v, want ErrTerminalStatus", err)
	}
}
