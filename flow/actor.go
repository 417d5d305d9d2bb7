package flow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/beamflow/beamflow/flow/emit"
	"github.com/beamflow/beamflow/flow/store"
)

// storageAttempts is how many times an actor retries a failed storage
// write before crashing and letting the supervisor restart it.
const storageAttempts = 3

// WorkflowSnapshot is a point-in-time copy of a workflow's execution
// state, returned by GetState.
type WorkflowSnapshot struct {
	ID            string
	DefinitionID  string
	Status        store.WorkflowStatus
	State         State
	CurrentNodeID string
	TotalSteps    int
	Error         string
}

type msgKind int

const (
	msgStop msgKind = iota
	msgState
)

type actorMsg struct {
	kind       msgKind
	compensate bool
	reply      chan WorkflowSnapshot
}

// actor owns a single workflow: it is the only writer of the
// workflow's row and the only goroutine executing its steps. All
// interaction goes through the mailbox, so the actor never needs a
// lock around its execution state.
type actor struct {
	id       string
	graph    *Graph
	registry *Registry
	store    store.Store
	bus      *emit.Bus
	ledger   *Ledger
	dlq      *DLQ
	opts     Options

	mailbox chan actorMsg
	onExit  func(id string, err error)

	// goroutine-local execution state
	row      store.Workflow
	saga     sagaLog
	stopping bool
	injected map[string]string // nodeID -> injected fault awaiting recovery
}

func newActor(id string, g *Graph, reg *Registry, st store.Store, bus *emit.Bus, dlq *DLQ, opts Options, onExit func(string, error)) *actor {
	return &actor{
		id:       id,
		graph:    g,
		registry: reg,
		store:    st,
		bus:      bus,
		ledger:   NewLedger(st),
		dlq:      dlq,
		opts:     opts,
		mailbox:  make(chan actorMsg, 16),
		onExit:   onExit,
		injected: make(map[string]string),
	}
}

// send delivers a message to the actor, failing when the mailbox is
// full. The mailbox is never closed, so a message to a finished actor
// is simply never read.
func (a *actor) send(msg actorMsg) bool {
	select {
	case a.mailbox <- msg:
		return true
	default:
		return false
	}
}

// run is the actor goroutine. It loads the workflow row, resumes from
// wherever the row says execution stood, and drives the graph one
// node at a time until a terminal status, a stop message, or a crash.
func (a *actor) run() {
	var exitErr error
	defer func() {
		if r := recover(); r != nil {
			exitErr = fmt.Errorf("actor %s: panic: %v", a.id, r)
		}
		a.onExit(a.id, exitErr)
	}()

	ctx := context.Background()
	if err := a.load(ctx); err != nil {
		exitErr = err
		return
	}

	switch a.row.Status {
	case store.StatusPending:
		a.begin(ctx)
	case store.StatusRunning:
		// Resume where the crashed run stood.
		if a.row.CurrentNodeID == "" {
			a.row.CurrentNodeID = a.graph.Start()
		}
	case store.StatusCompensating:
		// The rollback was interrupted. The saga log died with the old
		// actor; finish the failure bookkeeping so the row reaches a
		// terminal status.
		a.finishFailed(ctx, Failf("service_unavailable", "compensation interrupted by restart"))
		return
	default:
		// Terminal. Nothing to do.
		return
	}

	for {
		if !a.drainMailbox() {
			return
		}

		node, ok := a.graph.Node(a.row.CurrentNodeID)
		if !ok {
			exitErr = fmt.Errorf("actor %s: current node %q not in graph", a.id, a.row.CurrentNodeID)
			return
		}

		switch node.Kind {
		case KindEnd:
			a.finishCompleted(ctx)
			return
		case KindStart, KindJoin:
			a.advance(ctx, node, nil)
		case KindBranch:
			trans, err := a.graph.Next(node.ID, a.row.State)
			if err != nil {
				exitErr = err
				return
			}
			a.persistAdvance(ctx, trans.NodeID, a.row.State, a.event(emit.BranchTaken, node.ID, map[string]any{
				"label":       trans.Label,
				"via_default": trans.ViaDefault,
			}))
		case KindStep:
			done, err := a.executeStepNode(ctx, node)
			if err != nil {
				a.failWorkflow(ctx, node, err, false)
				return
			}
			if done {
				return // stopped mid-step
			}
		}
	}
}

// load reads the workflow row, retrying transient storage failures.
func (a *actor) load(ctx context.Context) error {
	var err error
	for i := 0; i < storageAttempts; i++ {
		a.row, err = a.store.GetWorkflow(ctx, a.id)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("actor %s: %w", a.id, ErrWorkflowNotFound)
		}
		time.Sleep(time.Duration(i+1) * 50 * time.Millisecond)
	}
	return fmt.Errorf("actor %s: load: %w", a.id, err)
}

// begin transitions pending -> running and records workflow_started.
func (a *actor) begin(ctx context.Context) {
	now := time.Now().UTC()
	a.row.Status = store.StatusRunning
	a.row.StartedAt = &now
	a.row.CurrentNodeID = a.graph.Start()
	a.row.UpdatedAt = now

	ev := a.event(emit.WorkflowStarted, "", map[string]any{
		"definition_id": a.row.DefinitionID,
	})
	a.mustCommit(ctx, func(tx store.Tx) error {
		if err := tx.PutWorkflow(a.row); err != nil {
			return err
		}
		return tx.AppendEvent(ev)
	})
	a.publish(ev)
}

// drainMailbox handles queued messages without blocking. Returns
// false when the actor should exit.
func (a *actor) drainMailbox() bool {
	for {
		select {
		case msg := <-a.mailbox:
			if !a.handle(context.Background(), msg) {
				return false
			}
		default:
			return !a.stopping
		}
	}
}

// handle processes one mailbox message. Returns false to exit.
func (a *actor) handle(ctx context.Context, msg actorMsg) bool {
	switch msg.kind {
	case msgState:
		msg.reply <- WorkflowSnapshot{
			ID:            a.row.ID,
			DefinitionID:  a.row.DefinitionID,
			Status:        a.row.Status,
			State:         cloneState(a.row.State),
			CurrentNodeID: a.row.CurrentNodeID,
			TotalSteps:    a.row.TotalSteps,
			Error:         a.row.Error,
		}
		return true
	case msgStop:
		a.stopping = true
		if msg.compensate {
			a.failWorkflow(ctx, Node{}, Failf("workflow_cancelled", "stopped by operator"), true)
		}
		return false
	}
	return true
}

// advance moves past a non-executing node (start, join).
func (a *actor) advance(ctx context.Context, node Node, ev *emit.Event) {
	trans, err := a.graph.Next(node.ID, a.row.State)
	if err != nil {
		panic(err) // graph was validated; this is a bug
	}
	var evs []emit.Event
	if ev != nil {
		evs = append(evs, *ev)
	}
	a.persistAdvance(ctx, trans.NodeID, a.row.State, evs...)
}

// persistAdvance commits the new position and state together with any
// events, then publishes them.
func (a *actor) persistAdvance(ctx context.Context, nextNode string, state State, evs ...emit.Event) {
	a.row.CurrentNodeID = nextNode
	a.row.State = state
	a.row.UpdatedAt = time.Now().UTC()
	row := a.row
	a.mustCommit(ctx, func(tx store.Tx) error {
		if err := tx.PutWorkflow(row); err != nil {
			return err
		}
		for _, ev := range evs {
			if err := tx.AppendEvent(ev); err != nil {
				return err
			}
		}
		return nil
	})
	for _, ev := range evs {
		a.publish(ev)
	}
}

// executeStepNode runs a step node's attempt loop: ledger check,
// chaos injection, execution under timeout, retry with backoff, and
// finally either an advance or a step failure. Returns done=true when
// a stop message interrupted the loop.
func (a *actor) executeStepNode(ctx context.Context, node Node) (done bool, failure error) {
	step, err := a.registry.Resolve(node.StepID)
	if err != nil {
		return false, err
	}
	policy := policyFor(step)
	timeout := a.stepTimeout(step)

	attempt := 1
	for {
		key := IdempotencyKey(a.id, node.StepID, attempt)
		decision, err := a.ledger.Check(ctx, key)
		if err != nil {
			panic(err) // storage is down; crash and let the supervisor restart
		}

		switch decision.Action {
		case LedgerSkip:
			// This exact attempt already completed before a crash.
			// Apply the cached result and move on without executing.
			state := cloneState(a.row.State)
			for k, v := range decision.Result {
				state[k] = v
			}
			a.recordStepSuccess(ctx, node, state, attempt, true)
			return false, nil

		case LedgerFailed:
			// The attempt failed before the crash; its budget is spent.
			if attempt >= policy.MaxAttempts {
				return false, Failf("unknown", "attempt %d already failed: %s", attempt, decision.Error)
			}
			attempt++
			continue
		}

		resumed := decision.Action == LedgerResume
		now := time.Now().UTC()
		started := a.event(emit.StepStarted, node.ID, map[string]any{
			"step":    node.StepID,
			"attempt": attempt,
			"resumed": resumed,
		})
		a.mustCommit(ctx, func(tx store.Tx) error {
			if err := tx.AppendEvent(started); err != nil {
				return err
			}
			if resumed {
				return nil // pending entry already on record
			}
			return tx.PutIdempotency(PendingEntry(key, now))
		})
		a.publish(started)

		startedAt := time.Now()
		state, execErr := a.runAttempt(ctx, node, step, key, timeout)
		a.opts.Metrics.StepExecuted(node.StepID, time.Since(startedAt))

		if execErr == nil {
			a.mustCommitLedger(ctx, CompletedEntry(key, now, time.Now().UTC(), diffState(a.row.State, state)))
			a.recordStepSuccess(ctx, node, state, attempt, false)
			return false, nil
		}

		a.mustCommitLedger(ctx, FailedEntry(key, now, time.Now().UTC(), execErr))
		class := Classify(execErr)
		failed := a.event(emit.StepFailed, node.ID, map[string]any{
			"step":        node.StepID,
			"attempt":     attempt,
			"error":       execErr.Error(),
			"error_class": string(class),
		})
		a.mustCommit(ctx, func(tx store.Tx) error { return tx.AppendEvent(failed) })
		a.publish(failed)

		if !policy.ShouldRetry(class) || attempt >= policy.MaxAttempts {
			if attempt >= policy.MaxAttempts && policy.ShouldRetry(class) {
				execErr = fmt.Errorf("%w: %w", ErrMaxAttemptsExceeded, execErr)
			}
			return false, execErr
		}

		delay := policy.Backoff(attempt)
		scheduled := a.event(emit.RetryScheduled, node.ID, map[string]any{
			"step":     node.StepID,
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
		})
		a.mustCommit(ctx, func(tx store.Tx) error { return tx.AppendEvent(scheduled) })
		a.publish(scheduled)
		a.opts.Metrics.RetryScheduled(node.StepID)

		if stopped := a.waitRetry(ctx, delay); stopped {
			return true, nil
		}
		attempt++
	}
}

// runAttempt executes one attempt: chaos gate, idempotency key
// injection, validation, then the timed Execute.
func (a *actor) runAttempt(ctx context.Context, node Node, step Step, key string, timeout time.Duration) (State, error) {
	if fault := a.chaosGate(ctx, node); fault != "" {
		switch fault {
		case FaultCrash:
			panic(fmt.Sprintf("chaos: injected crash at %s", node.ID))
		case FaultTimeout:
			return nil, Failf("step_timeout", "injected timeout at %s", node.ID)
		case FaultError:
			return nil, Failf("service_unavailable", "injected failure at %s", node.ID)
		}
	}

	state := cloneState(a.row.State)
	state[KeyIdempotency] = key

	if err := step.Validate(state); err != nil {
		return nil, err
	}
	return executeWithTimeout(ctx, step, state, timeout)
}

// chaosGate samples the injector at step entry and records the
// injected fault for recovery accounting. The injection lands in the
// audit log before the fault fires, so even a crash leaves a trace.
// Latency faults delay here and return empty (execution proceeds).
func (a *actor) chaosGate(ctx context.Context, node Node) string {
	inj := a.opts.Injector
	if inj == nil {
		return ""
	}
	for _, fault := range []string{FaultCrash, FaultTimeout, FaultError, FaultLatency} {
		if !inj.ShouldFail(a.id, fault) {
			continue
		}
		ev := a.event(emit.ChaosInjected, node.ID, map[string]any{"fault": fault})
		a.mustCommit(ctx, func(tx store.Tx) error { return tx.AppendEvent(ev) })
		a.publishChaos(ev)
		a.publish(ev)
		if fault == FaultLatency {
			time.Sleep(inj.LatencyDelay())
			return ""
		}
		a.injected[node.ID] = fault
		return fault
	}
	return ""
}

// recordStepSuccess advances past a completed step: saga log, events,
// row update, and chaos recovery accounting when a previously injected
// fault was survived.
func (a *actor) recordStepSuccess(ctx context.Context, node Node, state State, attempt int, fromCache bool) {
	delete(state, KeyIdempotency)
	a.saga.record(node.StepID, node.ID, state)

	evs := []emit.Event{a.event(emit.StepCompleted, node.ID, map[string]any{
		"step":       node.StepID,
		"attempt":    attempt,
		"from_cache": fromCache,
	})}

	if fault, ok := a.injected[node.ID]; ok {
		delete(a.injected, node.ID)
		rec := a.event(emit.ChaosRecovered, node.ID, map[string]any{"fault": fault})
		a.publishChaos(rec)
		evs = append(evs, rec)
		a.opts.Metrics.ChaosRecovery(fault)
	}

	trans, err := a.graph.Next(node.ID, state)
	if err != nil {
		panic(err)
	}
	a.row.TotalSteps++
	a.persistAdvance(ctx, trans.NodeID, state, evs...)
}

// waitRetry blocks for the backoff delay while staying responsive to
// the mailbox. Returns true when a stop interrupted the wait.
func (a *actor) waitRetry(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return false
		case msg := <-a.mailbox:
			if !a.handle(ctx, msg) {
				return true
			}
		}
	}
}

// failWorkflow runs the failure path: compensation of completed steps
// (unless the failure is terminal-class), then the terminal failed
// status and a DLQ entry.
func (a *actor) failWorkflow(ctx context.Context, node Node, failure error, forceCompensate bool) {
	class := Classify(failure)
	reason := Reason(failure)

	compensate := a.saga.len() > 0 && (forceCompensate || class != ClassTerminal)
	if compensate {
		a.row.Status = store.StatusCompensating
		a.row.UpdatedAt = time.Now().UTC()
		row := a.row
		a.mustCommit(ctx, func(tx store.Tx) error { return tx.PutWorkflow(row) })

		failures := a.saga.compensate(ctx, a.registry, a.opts, a.id, reason, func(nodeID string, started bool, compErr error) {
			typ := emit.CompensationStarted
			data := map[string]any{}
			if !started {
				typ = emit.CompensationCompleted
				if compErr != nil {
					typ = emit.CompensationFailed
					data["error"] = compErr.Error()
				}
			}
			ev := a.event(typ, nodeID, data)
			a.mustCommit(ctx, func(tx store.Tx) error { return tx.AppendEvent(ev) })
			a.publish(ev)
		})

		for _, cf := range failures {
			if !cf.Critical {
				continue
			}
			_, _ = a.dlq.Enqueue(ctx, DeadLetterInput{
				Type:           store.TypeCompensationFailed,
				WorkflowID:     a.id,
				WorkflowModule: a.row.DefinitionID,
				FailedStep:     cf.StepID,
				Failure:        cf.Err,
				Context:        a.row.State,
				OriginalParams: a.row.OriginalParams,
			})
		}
	}

	a.finishFailed(ctx, failure)

	_, _ = a.dlq.Enqueue(ctx, DeadLetterInput{
		Type:           store.TypeWorkflowFailed,
		WorkflowID:     a.id,
		WorkflowModule: a.row.DefinitionID,
		FailedStep:     node.StepID,
		Failure:        failure,
		Context:        a.row.State,
		OriginalParams: a.row.OriginalParams,
	})
}

// finishFailed commits the terminal failed status and its event.
func (a *actor) finishFailed(ctx context.Context, failure error) {
	now := time.Now().UTC()
	a.row.Status = store.StatusFailed
	a.row.CompletedAt = &now
	a.row.Error = failure.Error()
	a.row.UpdatedAt = now

	ev := a.event(emit.WorkflowFailed, "", map[string]any{
		"error":       failure.Error(),
		"error_class": string(Classify(failure)),
	})
	row := a.row
	a.mustCommit(ctx, func(tx store.Tx) error {
		if err := tx.PutWorkflow(row); err != nil {
			return err
		}
		return tx.AppendEvent(ev)
	})
	a.publish(ev)
	a.opts.Metrics.WorkflowFinished("failed")
}

// finishCompleted commits the terminal completed status and its event.
func (a *actor) finishCompleted(ctx context.Context) {
	now := time.Now().UTC()
	a.row.Status = store.StatusCompleted
	a.row.CompletedAt = &now
	a.row.UpdatedAt = now

	ev := a.event(emit.WorkflowCompleted, "", map[string]any{
		"total_steps": a.row.TotalSteps,
	})
	row := a.row
	a.mustCommit(ctx, func(tx store.Tx) error {
		if err := tx.PutWorkflow(row); err != nil {
			return err
		}
		return tx.AppendEvent(ev)
	})
	a.publish(ev)
	a.opts.Metrics.WorkflowFinished("completed")
}

// stepTimeout resolves the attempt deadline for a step.
func (a *actor) stepTimeout(s Step) time.Duration {
	if h, ok := s.(TimeoutHinter); ok {
		if d := h.StepTimeout(); d > 0 {
			return d
		}
	}
	return a.opts.DefaultStepTimeout
}

// mustCommit applies a write batch, retrying transient storage
// failures and crashing the actor when storage stays down.
func (a *actor) mustCommit(ctx context.Context, fn func(tx store.Tx) error) {
	var err error
	for i := 0; i < storageAttempts; i++ {
		err = a.tryCommit(ctx, fn)
		if err == nil {
			return
		}
		time.Sleep(time.Duration(i+1) * 50 * time.Millisecond)
	}
	panic(fmt.Sprintf("actor %s: storage unavailable: %v", a.id, err))
}

func (a *actor) tryCommit(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := a.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *actor) mustCommitLedger(ctx context.Context, entry store.Idempotency) {
	a.mustCommit(ctx, func(tx store.Tx) error { return tx.PutIdempotency(entry) })
}

// event builds a bus/audit event for this workflow.
func (a *actor) event(typ emit.EventType, nodeID string, data map[string]any) emit.Event {
	return emit.Event{
		ID:         uuid.NewString(),
		WorkflowID: a.id,
		Type:       typ,
		NodeID:     nodeID,
		Data:       data,
		Timestamp:  time.Now().UTC(),
	}
}

func (a *actor) publish(ev emit.Event) {
	if a.bus != nil {
		a.bus.Publish(emit.WorkflowTopic(a.id), ev)
	}
}

func (a *actor) publishChaos(ev emit.Event) {
	if a.bus != nil {
		a.bus.Publish(emit.TopicChaos, ev)
	}
}

// diffState returns the keys of after that differ from before: the
// step's net effect, cached in the ledger for replay on resume.
func diffState(before, after State) map[string]any {
	diff := make(map[string]any)
	for k, v := range after {
		if k == KeyIdempotency {
			continue
		}
		prev, existed := before[k]
		if !existed || !equalValue(prev, v) {
			diff[k] = v
		}
	}
	return diff
}

func equalValue(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
