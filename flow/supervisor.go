package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beamflow/beamflow/flow/emit"
	"github.com/beamflow/beamflow/flow/store"
)

// definition pairs a validated graph with the registry resolving its
// step references.
type definition struct {
	graph    *Graph
	registry *Registry
}

// handle tracks a live actor and its restart history.
type handle struct {
	definitionID string
	act          *actor
	restarts     []time.Time
}

// Supervisor owns the actor registry: it spawns one actor per
// workflow, restarts crashed actors with rehydration from storage,
// and escalates workflows that crash repeatedly to the DLQ.
//
// Typical wiring:
//
//	st := store.NewMemStore()
//	bus := emit.NewBus()
//	sup := flow.NewSupervisor(st, bus,
//	    flow.WithMaxConcurrentWorkflows(500),
//	)
//	defer sup.Shutdown(context.Background())
//
//	sup.RegisterDefinition(graph, registry)
//	id, err := sup.StartWorkflow(ctx, "order-fulfillment", "", initial)
type Supervisor struct {
	store store.Store
	bus   *emit.Bus
	opts  Options
	dlq   *DLQ

	mu     sync.Mutex
	defs   map[string]*definition
	actors map[string]*handle
	closed bool
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor over the given store and bus and
// starts the DLQ retry sweeper.
func NewSupervisor(st store.Store, bus *emit.Bus, options ...Option) *Supervisor {
	opts := DefaultOptions()
	for _, o := range options {
		o(&opts)
	}

	s := &Supervisor{
		store:  st,
		bus:    bus,
		opts:   opts,
		defs:   make(map[string]*definition),
		actors: make(map[string]*handle),
	}
	s.dlq = NewDLQ(st, bus, opts)
	s.dlq.Start(s)
	return s
}

// DLQ returns the supervisor's dead letter queue for operator use.
func (s *Supervisor) DLQ() *DLQ { return s.dlq }

// RegisterDefinition makes a workflow definition startable.
//
// Every step ID the graph references must already be present in the
// registry; a dangling reference fails here, before any workflow can
// start.
func (s *Supervisor) RegisterDefinition(g *Graph, reg *Registry) error {
	if g == nil {
		return fmt.Errorf("graph is required")
	}
	if reg == nil {
		return fmt.Errorf("registry is required")
	}
	for _, stepID := range g.StepIDs() {
		if !reg.Has(stepID) {
			return fmt.Errorf("definition %q: step %q: %w", g.ID(), stepID, ErrNotRegistered)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSupervisorClosed
	}
	if _, dup := s.defs[g.ID()]; dup {
		return fmt.Errorf("definition %q: already registered", g.ID())
	}
	s.defs[g.ID()] = &definition{graph: g, registry: reg}
	return nil
}

// StartWorkflow starts a workflow of the given definition.
//
// An empty workflowID gets a generated UUID. Starting an ID that is
// already live is idempotent and returns the same ID without error.
// Returns ErrAtCapacity when the concurrent workflow limit is
// reached, ErrUnknownDefinition for an unregistered definition.
func (s *Supervisor) StartWorkflow(ctx context.Context, definitionID, workflowID string, initial State) (string, error) {
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSupervisorClosed
	}
	if _, live := s.actors[workflowID]; live {
		s.mu.Unlock()
		return workflowID, nil
	}
	if len(s.actors) >= s.opts.MaxConcurrentWorkflows {
		s.mu.Unlock()
		return "", ErrAtCapacity
	}
	def, ok := s.defs[definitionID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("definition %q: %w", definitionID, ErrUnknownDefinition)
	}
	// Reserve the slot before the storage round-trip.
	h := &handle{definitionID: definitionID}
	s.actors[workflowID] = h
	s.mu.Unlock()

	if err := s.ensureRow(ctx, workflowID, definitionID, initial); err != nil {
		s.mu.Lock()
		delete(s.actors, workflowID)
		s.mu.Unlock()
		return "", err
	}

	s.spawn(h, workflowID, def)
	s.opts.Metrics.WorkflowStarted()
	return workflowID, nil
}

// ensureRow persists the pending row for a new workflow; an existing
// row (restart case) is reused as-is.
func (s *Supervisor) ensureRow(ctx context.Context, workflowID, definitionID string, initial State) error {
	_, err := s.store.GetWorkflow(ctx, workflowID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("start workflow %q: %w", workflowID, err)
	}

	now := time.Now().UTC()
	row := store.Workflow{
		ID:             workflowID,
		DefinitionID:   definitionID,
		Status:         store.StatusPending,
		State:          cloneState(initial),
		OriginalParams: cloneState(initial),
		InsertedAt:     now,
		UpdatedAt:      now,
	}
	if row.State == nil {
		row.State = State{}
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("start workflow %q: %w", workflowID, err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := tx.PutWorkflow(row); err != nil {
		return fmt.Errorf("start workflow %q: %w", workflowID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("start workflow %q: %w", workflowID, err)
	}
	return nil
}

// spawn creates the actor goroutine for a reserved handle.
func (s *Supervisor) spawn(h *handle, workflowID string, def *definition) {
	act := newActor(workflowID, def.graph, def.registry, s.store, s.bus, s.dlq, s.opts, s.actorExited)
	h.act = act
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		act.run()
	}()
}

// actorExited is the exit callback every actor reports through.
//
// A clean exit removes the actor. A crash consults the restart
// budget: within SupervisorRestartWindow the actor is restarted (the
// new actor rehydrates from the workflow row) up to
// SupervisorMaxRestarts times; beyond that the workflow is declared a
// critical failure, its row forced to failed, and a critical_failure
// DLQ entry recorded.
func (s *Supervisor) actorExited(workflowID string, exitErr error) {
	s.mu.Lock()
	h, ok := s.actors[workflowID]
	if !ok {
		s.mu.Unlock()
		return
	}

	if exitErr == nil || s.closed {
		delete(s.actors, workflowID)
		s.mu.Unlock()
		return
	}

	// Prune restarts outside the window, then decide.
	cutoff := time.Now().Add(-s.opts.SupervisorRestartWindow)
	kept := h.restarts[:0]
	for _, ts := range h.restarts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	h.restarts = kept

	if len(h.restarts) >= s.opts.SupervisorMaxRestarts {
		delete(s.actors, workflowID)
		s.mu.Unlock()
		s.escalateCrash(workflowID, h.definitionID, exitErr)
		return
	}

	h.restarts = append(h.restarts, time.Now())
	def := s.defs[h.definitionID]
	s.spawn(h, workflowID, def)
	s.mu.Unlock()
}

// escalateCrash handles a workflow that exhausted its restart budget.
// The failed row and its workflow_failed event land in one transaction,
// the same shape a failing actor writes on its own.
func (s *Supervisor) escalateCrash(workflowID, definitionID string, exitErr error) {
	ctx := context.Background()

	row, err := s.store.GetWorkflow(ctx, workflowID)
	if err == nil && !row.Status.Terminal() {
		now := time.Now().UTC()
		row.Status = store.StatusFailed
		row.CompletedAt = &now
		row.Error = exitErr.Error()
		row.UpdatedAt = now
		ev := emit.Event{
			ID:         uuid.NewString(),
			WorkflowID: workflowID,
			Type:       emit.WorkflowFailed,
			Data: map[string]any{
				"error":       exitErr.Error(),
				"error_class": string(Classify(exitErr)),
			},
			Timestamp: now,
		}
		if tx, txErr := s.store.Begin(ctx); txErr == nil {
			if tx.PutWorkflow(row) == nil && tx.AppendEvent(ev) == nil && tx.Commit() == nil {
				if s.bus != nil {
					s.bus.Publish(emit.WorkflowTopic(workflowID), ev)
				}
			} else {
				_ = tx.Rollback()
			}
		}
	}

	_, _ = s.dlq.Enqueue(ctx, DeadLetterInput{
		Type:           store.TypeCriticalFailure,
		WorkflowID:     workflowID,
		WorkflowModule: definitionID,
		Failure:        exitErr,
		Context:        row.State,
		OriginalParams: row.OriginalParams,
	})
	s.opts.Metrics.WorkflowFinished("failed")
}

// StopOptions controls StopWorkflow.
type StopOptions struct {
	// Compensate rolls back completed steps before stopping. Without
	// it the actor exits and the row stays resumable.
	Compensate bool
}

// StopWorkflow asks a live workflow's actor to stop.
func (s *Supervisor) StopWorkflow(ctx context.Context, workflowID string, opts StopOptions) error {
	s.mu.Lock()
	h, ok := s.actors[workflowID]
	s.mu.Unlock()
	if !ok || h.act == nil {
		return fmt.Errorf("stop %q: %w", workflowID, ErrWorkflowNotFound)
	}
	if !h.act.send(actorMsg{kind: msgStop, compensate: opts.Compensate}) {
		return fmt.Errorf("stop %q: mailbox full", workflowID)
	}
	return nil
}

// GetState returns a snapshot of a workflow's execution state: from
// the live actor when one exists, otherwise from storage.
func (s *Supervisor) GetState(ctx context.Context, workflowID string) (WorkflowSnapshot, error) {
	s.mu.Lock()
	h, live := s.actors[workflowID]
	s.mu.Unlock()

	if live && h.act != nil {
		reply := make(chan WorkflowSnapshot, 1)
		if h.act.send(actorMsg{kind: msgState, reply: reply}) {
			select {
			case snap := <-reply:
				return snap, nil
			case <-time.After(time.Second):
				// Actor busy in a long step; fall through to storage.
			case <-ctx.Done():
				return WorkflowSnapshot{}, ctx.Err()
			}
		}
	}

	row, err := s.store.GetWorkflow(ctx, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		return WorkflowSnapshot{}, fmt.Errorf("state %q: %w", workflowID, ErrWorkflowNotFound)
	}
	if err != nil {
		return WorkflowSnapshot{}, fmt.Errorf("state %q: %w", workflowID, err)
	}
	return WorkflowSnapshot{
		ID:            row.ID,
		DefinitionID:  row.DefinitionID,
		Status:        row.Status,
		State:         row.State,
		CurrentNodeID: row.CurrentNodeID,
		TotalSteps:    row.TotalSteps,
		Error:         row.Error,
	}, nil
}

// LiveWorkflows returns the IDs of workflows with a live actor, in
// sorted order. Chaos targeting samples from this list.
func (s *Supervisor) LiveWorkflows() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.actors))
	for id := range s.actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RestartWorkflow re-runs a failed workflow for a DLQ retry.
//
// Terminal rows are immutable, so a retry is a fresh run: a new
// workflow ID derived from the original, seeded with the failed run's
// last state.
func (s *Supervisor) RestartWorkflow(ctx context.Context, workflowID string) error {
	row, err := s.store.GetWorkflow(ctx, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("restart %q: %w", workflowID, ErrWorkflowNotFound)
	}
	if err != nil {
		return fmt.Errorf("restart %q: %w", workflowID, err)
	}

	if !row.Status.Terminal() {
		// The original run is still live or resumable; bring its actor
		// back instead of forking a new run.
		s.mu.Lock()
		_, live := s.actors[workflowID]
		s.mu.Unlock()
		if live {
			return nil
		}
		_, err = s.StartWorkflow(ctx, row.DefinitionID, workflowID, row.State)
		return err
	}

	retryID := fmt.Sprintf("%s.retry-%d", workflowID, time.Now().UnixNano())
	_, err = s.StartWorkflow(ctx, row.DefinitionID, retryID, row.State)
	return err
}

// Len returns the number of live actors.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}

// Shutdown stops the DLQ sweeper, asks every live actor to stop, and
// waits for them to exit or the context to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	handles := make([]*handle, 0, len(s.actors))
	for _, h := range s.actors {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	s.dlq.Stop()
	for _, h := range handles {
		if h.act != nil {
			h.act.send(actorMsg{kind: msgStop})
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
