package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/beamflow/beamflow/flow/emit"
)

// MemStore is an in-memory implementation of Store.
//
// It keeps the four tables in maps guarded by a single RWMutex.
// Designed for:
//   - Testing and development
//   - Single-process workflows
//   - Short-lived workflows where persistence isn't required
//
// Transactions stage writes in memory and apply them atomically under
// the write lock on Commit, validating the storage invariants first.
//
// Limitations:
//   - Data is lost when the process terminates
//   - Memory usage grows with event history
//
// For durable deployments use SQLiteStore or MySQLStore.
type MemStore struct {
	mu          sync.RWMutex
	workflows   map[string]Workflow
	events      map[string][]emit.Event // workflowID -> events, append order
	eventIDs    map[string]struct{}     // event ID uniqueness
	idempotency map[string]Idempotency
	deadLetters map[string]DeadLetter
	closed      bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows:   make(map[string]Workflow),
		events:      make(map[string][]emit.Event),
		eventIDs:    make(map[string]struct{}),
		idempotency: make(map[string]Idempotency),
		deadLetters: make(map[string]DeadLetter),
	}
}

// memTx stages writes until Commit.
type memTx struct {
	store *MemStore

	workflows   []Workflow
	events      []emit.Event
	idempotency []Idempotency
	deadLetters []DeadLetter

	done bool
}

// Begin opens a staged write transaction.
func (m *MemStore) Begin(_ context.Context) (Tx, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return &memTx{store: m}, nil
}

// PutWorkflow stages a workflow row write.
func (t *memTx) PutWorkflow(wf Workflow) error {
	t.workflows = append(t.workflows, wf)
	return nil
}

// AppendEvent stages an event append.
func (t *memTx) AppendEvent(ev emit.Event) error {
	t.events = append(t.events, ev)
	return nil
}

// PutIdempotency stages a ledger entry write.
func (t *memTx) PutIdempotency(entry Idempotency) error {
	t.idempotency = append(t.idempotency, entry)
	return nil
}

// PutDeadLetter stages a DLQ entry write.
func (t *memTx) PutDeadLetter(entry DeadLetter) error {
	t.deadLetters = append(t.deadLetters, entry)
	return nil
}

// Commit validates the staged writes against the storage invariants and
// applies them atomically under the write lock.
func (t *memTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	// Validate everything before touching state.
	for _, wf := range t.workflows {
		if prev, ok := s.workflows[wf.ID]; ok {
			if prev.Status.Terminal() && prev.Status != wf.Status {
				return ErrTerminalStatus
			}
		}
	}
	seen := make(map[string]struct{}, len(t.events))
	for _, ev := range t.events {
		if _, dup := s.eventIDs[ev.ID]; dup {
			return ErrDuplicateEvent
		}
		if _, dup := seen[ev.ID]; dup {
			return ErrDuplicateEvent
		}
		seen[ev.ID] = struct{}{}
	}
	for _, entry := range t.idempotency {
		if prev, ok := s.idempotency[entry.Key]; ok {
			if prev.Status != LedgerPending && entry.Status == LedgerPending {
				return ErrLedgerRegression
			}
		}
	}

	// Apply.
	for _, wf := range t.workflows {
		s.workflows[wf.ID] = cloneWorkflow(wf)
	}
	for _, ev := range t.events {
		s.eventIDs[ev.ID] = struct{}{}
		s.events[ev.WorkflowID] = append(s.events[ev.WorkflowID], ev)
	}
	for _, entry := range t.idempotency {
		s.idempotency[entry.Key] = entry
	}
	for _, entry := range t.deadLetters {
		s.deadLetters[entry.ID] = entry
	}
	return nil
}

// Rollback discards the staged writes.
func (t *memTx) Rollback() error {
	t.done = true
	return nil
}

// GetWorkflow retrieves a workflow row by primary key.
func (m *MemStore) GetWorkflow(_ context.Context, id string) (Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wf, ok := m.workflows[id]
	if !ok {
		return Workflow{}, ErrNotFound
	}
	return cloneWorkflow(wf), nil
}

// WorkflowsByStatus scans the status index.
func (m *MemStore) WorkflowsByStatus(_ context.Context, status WorkflowStatus) ([]Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Workflow
	for _, wf := range m.workflows {
		if wf.Status == status {
			result = append(result, cloneWorkflow(wf))
		}
	}
	sortWorkflows(result)
	return result, nil
}

// WorkflowsByDefinition scans the definition index.
func (m *MemStore) WorkflowsByDefinition(_ context.Context, definitionID string) ([]Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Workflow
	for _, wf := range m.workflows {
		if wf.DefinitionID == definitionID {
			result = append(result, cloneWorkflow(wf))
		}
	}
	sortWorkflows(result)
	return result, nil
}

// EventsByWorkflow returns a workflow's events in append order.
func (m *MemStore) EventsByWorkflow(_ context.Context, workflowID string) ([]emit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events[workflowID]
	result := make([]emit.Event, len(events))
	copy(result, events)
	return result, nil
}

// EventsByType scans the event type index across all workflows.
func (m *MemStore) EventsByType(_ context.Context, eventType emit.EventType) ([]emit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []emit.Event
	for _, events := range m.events {
		for _, ev := range events {
			if ev.Type == eventType {
				result = append(result, ev)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// CountEvents returns the number of events recorded for a workflow.
func (m *MemStore) CountEvents(_ context.Context, workflowID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events[workflowID]), nil
}

// GetIdempotency retrieves a ledger entry by key.
func (m *MemStore) GetIdempotency(_ context.Context, key string) (Idempotency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.idempotency[key]
	if !ok {
		return Idempotency{}, ErrNotFound
	}
	return entry, nil
}

// GetDeadLetter retrieves a DLQ entry by primary key.
func (m *MemStore) GetDeadLetter(_ context.Context, id string) (DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.deadLetters[id]
	if !ok {
		return DeadLetter{}, ErrNotFound
	}
	return entry, nil
}

// DeadLettersByStatus scans the DLQ status index.
func (m *MemStore) DeadLettersByStatus(_ context.Context, status DeadLetterStatus) ([]DeadLetter, error) {
	return m.filterDeadLetters(func(d DeadLetter) bool { return d.Status == status })
}

// DeadLettersByClass scans the DLQ error-class index.
func (m *MemStore) DeadLettersByClass(_ context.Context, errorClass string) ([]DeadLetter, error) {
	return m.filterDeadLetters(func(d DeadLetter) bool { return d.ErrorClass == errorClass })
}

// DeadLettersByWorkflow scans the DLQ workflow index.
func (m *MemStore) DeadLettersByWorkflow(_ context.Context, workflowID string) ([]DeadLetter, error) {
	return m.filterDeadLetters(func(d DeadLetter) bool { return d.WorkflowID == workflowID })
}

// DueDeadLetters returns pending entries due for retry at or before now.
func (m *MemStore) DueDeadLetters(_ context.Context, now time.Time) ([]DeadLetter, error) {
	return m.filterDeadLetters(func(d DeadLetter) bool {
		return d.Status == DLQPending && d.NextRetryAt != nil && !d.NextRetryAt.After(now)
	})
}

// CountDeadLetters counts DLQ entries with the given status.
func (m *MemStore) CountDeadLetters(_ context.Context, status DeadLetterStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, entry := range m.deadLetters {
		if entry.Status == status {
			count++
		}
	}
	return count, nil
}

// Close marks the store closed; further operations fail with ErrClosed.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemStore) filterDeadLetters(match func(DeadLetter) bool) ([]DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []DeadLetter
	for _, entry := range m.deadLetters {
		if match(entry) {
			result = append(result, entry)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// cloneWorkflow deep-copies the state maps so callers can't mutate
// committed rows through shared references.
func cloneWorkflow(wf Workflow) Workflow {
	wf.State = cloneMap(wf.State)
	wf.OriginalParams = cloneMap(wf.OriginalParams)
	return wf
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortWorkflows(list []Workflow) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}
