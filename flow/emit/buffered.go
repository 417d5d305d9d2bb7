package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// This emitter captures all events and provides query capabilities for
// execution history analysis. Events are organized by workflow ID for
// efficient retrieval and filtering.
//
// Features:
//   - Thread-safe concurrent access
//   - Query by workflow ID with optional filtering
//   - Filter by node ID and event type
//   - Clear events by workflow ID or all events
//
// Use cases:
//   - Development and debugging
//   - Testing and validation
//   - Post-execution analysis
//
// Warning: This emitter stores all events in memory. For long-running
// deployments with high event volume, use a persistent sink or clear
// periodically.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	bus.Attach(emitter)
//
//	// ... run workflows ...
//
//	history := emitter.History("wf-1")
//	failures := emitter.HistoryWithFilter("wf-1", emit.HistoryFilter{Type: emit.StepFailed})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // workflowID -> events
}

// HistoryFilter specifies criteria for filtering execution history.
//
// All filter fields are optional. When multiple fields are set, they
// are combined with AND logic (all conditions must match).
type HistoryFilter struct {
	NodeID string    // Filter by node ID (empty = no filter)
	Type   EventType // Filter by event type (empty = no filter)
}

// NewBufferedEmitter creates a new in-memory event capture sink.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
//
// Events are organized by workflow ID. Thread-safe.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.WorkflowID] = append(b.events[event.WorkflowID], event)
}

// History retrieves all events for a specific workflow in emit order.
//
// Returns an empty slice if no events exist for the workflow. The
// returned slice is a copy and safe to modify.
func (b *BufferedEmitter) History(workflowID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[workflowID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// HistoryWithFilter retrieves filtered events for a specific workflow.
//
// Applies the provided filter criteria; all set conditions must match.
// Returns events in emit order; empty slice if nothing matches.
func (b *BufferedEmitter) HistoryWithFilter(workflowID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Event, 0)
	for _, event := range b.events[workflowID] {
		if filter.NodeID != "" && event.NodeID != filter.NodeID {
			continue
		}
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Count returns the number of stored events for a workflow.
func (b *BufferedEmitter) Count(workflowID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events[workflowID])
}

// Clear removes stored events.
//
// If workflowID is non-empty, clears only that workflow's events.
// If workflowID is empty, clears everything.
func (b *BufferedEmitter) Clear(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if workflowID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, workflowID)
}
