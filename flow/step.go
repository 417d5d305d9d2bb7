package flow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// KeyIdempotency is the reserved state key under which the engine
// injects the current attempt's idempotency key before Execute runs.
// Steps calling external services pass it along so a re-executed
// attempt deduplicates downstream.
const KeyIdempotency = "idempotency_key"

// Step is a unit of workflow work.
//
// The engine calls Validate before Execute on every attempt. Validate
// checks preconditions against the state without side effects; a
// validation error is classified like any other failure (typically
// recoverable). Execute performs the work and returns the state to
// carry forward.
//
// Execute must honor ctx cancellation: the engine derives a deadline
// from the step timeout and abandons the attempt when it fires.
//
// A step may additionally implement:
//   - Compensator: to undo its effects during a saga rollback
//   - PolicyNamer: to select a named retry policy
//   - Reexecutable: to declare its re-execution contract
type Step interface {
	// Validate checks preconditions against the state.
	Validate(state State) error

	// Execute performs the step's work and returns the updated state.
	Execute(ctx context.Context, state State) (State, error)
}

// StepFunc adapts a function to the Step interface with a nil
// Validate.
//
// Example:
//
//	registry.Register("notify.send", flow.StepFunc(func(ctx context.Context, s flow.State) (flow.State, error) {
//	    // ... send notification ...
//	    return s, nil
//	}))
type StepFunc func(ctx context.Context, state State) (State, error)

// Validate always passes.
func (f StepFunc) Validate(State) error { return nil }

// Execute calls the wrapped function.
func (f StepFunc) Execute(ctx context.Context, state State) (State, error) {
	return f(ctx, state)
}

// CompMetadata declares how a step's compensation behaves.
type CompMetadata struct {
	// Timeout bounds a single compensation attempt. Zero means the
	// engine default.
	Timeout time.Duration

	// Retryable allows one retry of a failed compensation before it is
	// recorded as failed.
	Retryable bool

	// Critical escalates a failed compensation to the DLQ as a
	// compensation_failed entry. Non-critical failures are logged and
	// the rollback continues.
	Critical bool
}

// CompContext is what a compensation handler receives: enough to undo
// the original effect without re-reading engine internals.
type CompContext struct {
	// WorkflowID identifies the workflow being rolled back.
	WorkflowID string

	// StepID and NodeID identify the completed step being undone.
	StepID string
	NodeID string

	// State is the workflow state snapshot taken when the step
	// completed.
	State State

	// FailureReason is the reason of the failure that triggered the
	// rollback.
	FailureReason string
}

// Compensator is implemented by steps whose effects must be undone
// when a later step fails permanently. Compensations run in reverse
// completion order.
type Compensator interface {
	// Compensate undoes the step's effect.
	Compensate(ctx context.Context, cc CompContext) error

	// CompensationMetadata declares timeout and escalation behavior.
	CompensationMetadata() CompMetadata
}

// PolicyNamer is implemented by steps selecting a named retry policy.
// Steps without it use the default policy.
type PolicyNamer interface {
	// PolicyName returns a registered policy name, e.g. "aggressive".
	PolicyName() string
}

// ReexecMode declares what happens when a step attempt is re-executed
// after a crash that lost the completion record.
type ReexecMode string

// Re-execution modes.
const (
	// ReexecAlways means the step is naturally idempotent or harmless
	// to repeat. This is the default for steps not implementing
	// Reexecutable.
	ReexecAlways ReexecMode = "always"

	// ReexecWithKey means the step deduplicates via the injected
	// idempotency key; re-execution is safe only when the key reaches
	// the downstream service.
	ReexecWithKey ReexecMode = "with_key"
)

// Reexecutable is implemented by steps declaring their re-execution
// contract explicitly.
type Reexecutable interface {
	Reexecution() ReexecMode
}

// TimeoutHinter is implemented by steps declaring their own attempt
// timeout instead of the engine default.
type TimeoutHinter interface {
	StepTimeout() time.Duration
}

// reexecMode resolves a step's re-execution contract.
func reexecMode(s Step) ReexecMode {
	if r, ok := s.(Reexecutable); ok {
		return r.Reexecution()
	}
	return ReexecAlways
}

// Registry maps step IDs to Step implementations.
//
// A registry is shared by workflow definitions: graphs reference steps
// by ID and the supervisor resolves them at registration time, so a
// missing step is caught before any workflow starts.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewRegistry creates an empty step registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register adds a step under the given ID.
//
// Registration fails for an empty ID, a nil step, a duplicate ID, or a
// step declaring an unknown re-execution mode.
func (r *Registry) Register(id string, s Step) error {
	if id == "" {
		return fmt.Errorf("step id is required")
	}
	if s == nil {
		return fmt.Errorf("step %q: step is nil", id)
	}
	switch reexecMode(s) {
	case ReexecAlways, ReexecWithKey:
	default:
		return fmt.Errorf("step %q: unknown re-execution mode %q", id, reexecMode(s))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.steps[id]; dup {
		return fmt.Errorf("step %q: already registered", id)
	}
	r.steps[id] = s
	return nil
}

// MustRegister is Register that panics on error. Intended for
// program-startup registration where a failure is a coding bug.
func (r *Registry) MustRegister(id string, s Step) {
	if err := r.Register(id, s); err != nil {
		panic(err)
	}
}

// Resolve looks up a step by ID.
func (r *Registry) Resolve(id string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.steps[id]
	if !ok {
		return nil, fmt.Errorf("step %q: %w", id, ErrNotRegistered)
	}
	return s, nil
}

// Has reports whether a step ID is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.steps[id]
	return ok
}

// IDs returns the registered step IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.steps))
	for id := range r.steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
