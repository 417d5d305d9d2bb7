package flow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/beamflow/beamflow/flow"
	"github.com/beamflow/beamflow/flow/emit"
	"github.com/beamflow/beamflow/flow/store"
)

func TestRegisterDefinitionValidatesSteps(t *testing.T) {
	sup, _, _ := newTestEngine(t)

	reg := flow.NewRegistry()
	reg.MustRegister("step.one", &testStep{})
	// step.two and step.three missing

	err := sup.RegisterDefinition(linearGraph(t), reg)
	if !errors.Is(err, flow.ErrNotRegistered) {
		t.Errorf("RegisterDefinition() error = %v, want ErrNotRegistered", err)
	}
}

func TestRegisterDefinitionDuplicate(t *testing.T) {
	sup, _, _ := newTestEngine(t)

	reg := flow.NewRegistry()
	reg.MustRegister("step.one", &testStep{})
	reg.MustRegister("step.two", &testStep{})
	reg.MustRegister("step.three", &testStep{})

	if err := sup.RegisterDefinition(linearGraph(t), reg); err != nil {
		t.Fatalf("first RegisterDefinition() error = %v", err)
	}
	if err := sup.RegisterDefinition(linearGraph(t), reg); err == nil {
		t.Error("duplicate RegisterDefinition() = nil, want error")
	}
}

func TestStartWorkflowUnknownDefinition(t *testing.T) {
	sup, _, _ := newTestEngine(t)

	_, err := sup.StartWorkflow(context.Background(), "no-such-def", "", flow.State{})
	if !errors.Is(err, flow.ErrUnknownDefinition) {
		t.Errorf("StartWorkflow() error = %v, want ErrUnknownDefinition", err)
	}
}

func TestStartWorkflowIdempotent(t *testing.T) {
	sup, _, _ := newTestEngine(t)

	gate := make(chan struct{})
	blocking := &testStep{
		execute: func(_ context.Context, s flow.State) (flow.State, error) {
			<-gate
			return s, nil
		},
	}
	reg := flow.NewRegistry()
	reg.MustRegister("block", blocking)

	g, err := flow.NewBuilder("blocked").
		Start("start").Step("s", "block").End("e").
		Edge("start", "s").Edge("s", "e").Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := sup.RegisterDefinition(g, reg); err != nil {
		t.Fatalf("RegisterDefinition() error = %v", err)
	}

	id1, err := sup.StartWorkflow(context.Background(), "blocked", "wf-dup", flow.State{})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}
	id2, err := sup.StartWorkflow(context.Background(), "blocked", "wf-dup", flow.State{})
	if err != nil {
		t.Errorf("second StartWorkflow() error = %v, want idempotent nil", err)
	}
	if id1 != id2 {
		t.Errorf("ids differ: %q vs %q", id1, id2)
	}
	if sup.Len() != 1 {
		t.Errorf("Len() = %d, want 1", sup.Len())
	}

	close(gate)
	waitStatus(t, sup, id1, store.StatusCompleted)
}

func TestStartWorkflowAtCapacity(t *testing.T) {
	sup, _, _ := newTestEngine(t, flow.WithMaxConcurrentWorkflows(1))

	gate := make(chan struct{})
	blocking := &testStep{
		execute: func(_ context.Context, s flow.State) (flow.State, error) {
			<-gate
			return s, nil
		},
	}
	reg := flow.NewRegistry()
	reg.MustRegister("block", blocking)

	g, err := flow.NewBuilder("capped").
		Start("start").Step("s", "block").End("e").
		Edge("start", "s").Edge("s", "e").Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := sup.RegisterDefinition(g, reg); err != nil {
		t.Fatalf("RegisterDefinition() error = %v", err)
	}

	first, err := sup.StartWorkflow(context.Background(), "capped", "", flow.State{})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	_, err = sup.StartWorkflow(context.Background(), "capped", "", flow.State{})
	if !errors.Is(err, flow.ErrAtCapacity) {
		t.Errorf("StartWorkflow() error = %v, want ErrAtCapacity", err)
	}

	close(gate)
	waitStatus(t, sup, first, store.StatusCompleted)

	// Capacity frees up once the actor exits.
	deadline := time.Now().Add(2 * time.Second)
	for sup.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	// The shared gate is already closed, so this run sails through.
	after, err := sup.StartWorkflow(context.Background(), "capped", "wf-after", flow.State{})
	if err != nil {
		t.Fatalf("StartWorkflow() after capacity freed: %v", err)
	}
	waitStatus(t, sup, after, store.StatusCompleted)
}

func TestGetStateLiveAndStored(t *testing.T) {
	sup, _, _ := newTestEngine(t)

	reg := flow.NewRegistry()
	reg.MustRegister("noop", &testStep{})
	g, err := flow.NewBuilder("stateful").
		Start("start").Step("s", "noop").End("e").
		Edge("start", "s").Edge("s", "e").Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := sup.RegisterDefinition(g, reg); err != nil {
		t.Fatalf("RegisterDefinition() error = %v", err)
	}

	id, err := sup.StartWorkflow(context.Background(), "stateful", "wf-state", flow.State{"k": "v"})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}
	snap := waitStatus(t, sup, id, store.StatusCompleted)

	// Actor is gone; this snapshot came from storage.
	if snap.DefinitionID != "stateful" || snap.State["k"] != "v" {
		t.Errorf("stored snapshot = %+v", snap)
	}

	_, err = sup.GetState(context.Background(), "no-such-workflow")
	if !errors.Is(err, flow.ErrWorkflowNotFound) {
		t.Errorf("GetState(missing) error = %v, want ErrWorkflowNotFound", err)
	}
}

func TestSupervisorRestartExhaustion(t *testing.T) {
	// Injector crashes the actor on every step entry, forever.
	inj := &fakeInjector{fault: flow.FaultCrash, remaining: -1}
	sup, st, _ := newTestEngine(t,
		flow.WithInjector(inj),
		flow.WithRestartPolicy(2, time.Minute),
	)

	reg := flow.NewRegistry()
	reg.MustRegister("noop", &testStep{})
	g, err := flow.NewBuilder("doomed").
		Start("start").Step("s", "noop").End("e").
		Edge("start", "s").Edge("s", "e").Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := sup.RegisterDefinition(g, reg); err != nil {
		t.Fatalf("RegisterDefinition() error = %v", err)
	}

	id, err := sup.StartWorkflow(context.Background(), "doomed", "wf-doomed", flow.State{"job": "nightly"})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	waitStatus(t, sup, id, store.StatusFailed)

	deadline := time.Now().Add(5 * time.Second)
	var entries []store.DeadLetter
	for time.Now().Before(deadline) {
		entries, _ = st.DeadLettersByWorkflow(context.Background(), id)
		if len(entries) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(entries) != 1 {
		t.Fatalf("DLQ entries = %d, want 1 critical failure", len(entries))
	}
	if entries[0].Type != store.TypeCriticalFailure {
		t.Errorf("DLQ type = %s, want critical_failure", entries[0].Type)
	}
	if entries[0].OriginalParams["job"] != "nightly" {
		t.Errorf("DLQ original params = %v, want the initial state", entries[0].OriginalParams)
	}

	// Escalation is a terminal failure like any other: the audit trail
	// must show it.
	events, _ := st.EventsByWorkflow(context.Background(), id)
	var failed *emit.Event
	for i := range events {
		if events[i].Type == emit.WorkflowFailed {
			failed = &events[i]
		}
	}
	if failed == nil {
		t.Fatal("no workflow_failed event after crash escalation")
	}
	if failed.Data["error"] == nil || failed.Data["error_class"] == nil {
		t.Errorf("workflow_failed data = %v, want error and error_class", failed.Data)
	}
}

func TestShutdownStopsActors(t *testing.T) {
	st := store.NewMemStore()
	sup := flow.NewSupervisor(st, nil, flow.WithDLQSweepInterval(0))

	reg := flow.NewRegistry()
	reg.MustRegister("noop", &testStep{})
	g, err := flow.NewBuilder("shut").
		Start("start").Step("s", "noop").End("e").
		Edge("start", "s").Edge("s", "e").Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := sup.RegisterDefinition(g, reg); err != nil {
		t.Fatalf("RegisterDefinition() error = %v", err)
	}
	if _, err := sup.StartWorkflow(context.Background(), "shut", "", flow.State{}); err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	if _, err := sup.StartWorkflow(context.Background(), "shut", "", flow.State{}); !errors.Is(err, flow.ErrSupervisorClosed) {
		t.Errorf("StartWorkflow() after shutdown error = %v, want ErrSupervisorClosed", err)
	}
}
