// Package store provides persistence for BEAMFlow workflow state over
// four logical tables: Workflow, Event, Idempotency and DeadLetter.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/beamflow/beamflow/flow/emit"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEvent is returned when appending an event whose ID is
// already present. Events are append-only and immutable.
var ErrDuplicateEvent = errors.New("duplicate event id")

// ErrLedgerRegression is returned when an idempotency key would move
// from completed/failed back to pending. A ledger key never regresses.
var ErrLedgerRegression = errors.New("idempotency key cannot regress to pending")

// ErrTerminalStatus is returned when a write would change the status of
// a workflow that already reached completed or failed.
var ErrTerminalStatus = errors.New("workflow status is terminal")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// WorkflowStatus is the lifecycle state of a workflow row.
//
// Legal transitions: pending → running → {completed | failed |
// compensating}; compensating → {completed | failed}. Completed and
// failed are terminal.
type WorkflowStatus string

// Workflow statuses.
const (
	StatusPending      WorkflowStatus = "pending"
	StatusRunning      WorkflowStatus = "running"
	StatusCompleted    WorkflowStatus = "completed"
	StatusFailed       WorkflowStatus = "failed"
	StatusCompensating WorkflowStatus = "compensating"
)

// Terminal reports whether the status permits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Workflow is a row of the Workflow table (primary key ID).
//
// The row is exclusively owned by the workflow's actor while the actor
// is alive; it is retained forever for audit (logical end is a terminal
// status, never deletion).
//
// OriginalParams is the initial state snapshot taken at start, before
// any step mutated State. DLQ entries carry it so operators see the
// inputs the workflow was started with.
type Workflow struct {
	ID             string         `json:"id"`
	DefinitionID   string         `json:"definition_id"`
	Status         WorkflowStatus `json:"status"`
	State          map[string]any `json:"state"`
	OriginalParams map[string]any `json:"original_params,omitempty"`
	CurrentNodeID  string         `json:"current_node_id"`
	TotalSteps     int            `json:"total_steps"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Error          string         `json:"error,omitempty"`
	InsertedAt     time.Time      `json:"inserted_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// LedgerStatus is the state of an idempotency ledger entry.
//
// Transitions: absent → pending → {completed | failed}. Overwriting is
// allowed only from pending.
type LedgerStatus string

// Ledger entry statuses.
const (
	LedgerPending   LedgerStatus = "pending"
	LedgerCompleted LedgerStatus = "completed"
	LedgerFailed    LedgerStatus = "failed"
)

// Idempotency is a row of the Idempotency table (primary key Key,
// formatted "workflow_id:step_id:attempt").
type Idempotency struct {
	Key         string         `json:"key"`
	Status      LedgerStatus   `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// DeadLetterType categorizes how a workflow ended up in the DLQ.
type DeadLetterType string

// Dead letter entry types.
const (
	TypeWorkflowFailed     DeadLetterType = "workflow_failed"
	TypeCompensationFailed DeadLetterType = "compensation_failed"
	TypeCriticalFailure    DeadLetterType = "critical_failure"
)

// DeadLetterStatus is the processing state of a DLQ entry.
type DeadLetterStatus string

// Dead letter statuses.
const (
	DLQPending   DeadLetterStatus = "pending"
	DLQRetrying  DeadLetterStatus = "retrying"
	DLQResolved  DeadLetterStatus = "resolved"
	DLQAbandoned DeadLetterStatus = "abandoned"
	DLQArchived  DeadLetterStatus = "archived"
)

// DeadLetter is a row of the DeadLetter table (primary key ID, with
// secondary indexes on Status, ErrorClass and WorkflowID).
//
// Context and OriginalParams are stored sanitized: secret fields
// dropped, long string values truncated.
type DeadLetter struct {
	ID             string           `json:"id"`
	Type           DeadLetterType   `json:"type"`
	Status         DeadLetterStatus `json:"status"`
	WorkflowID     string           `json:"workflow_id"`
	WorkflowModule string           `json:"workflow_module,omitempty"`
	FailedStep     string           `json:"failed_step,omitempty"`
	Error          string           `json:"error"`
	ErrorClass     string           `json:"error_class"`
	Context        map[string]any   `json:"context,omitempty"`
	OriginalParams map[string]any   `json:"original_params,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	RetryCount     int              `json:"retry_count"`
	NextRetryAt    *time.Time       `json:"next_retry_at,omitempty"`
	Resolution     string           `json:"resolution,omitempty"`
}

// Tx is a transactional write batch over the four tables.
//
// Writes are atomic: either all staged operations apply on Commit, or
// none do. Implementations enforce the storage invariants at write or
// commit time:
//   - AppendEvent refuses duplicate event IDs (events are append-only)
//   - PutIdempotency refuses regressions to pending
//   - PutWorkflow refuses status changes on terminal rows
type Tx interface {
	// PutWorkflow inserts or updates a workflow row.
	PutWorkflow(wf Workflow) error

	// AppendEvent appends an immutable event row.
	AppendEvent(ev emit.Event) error

	// PutIdempotency inserts or updates a ledger entry.
	PutIdempotency(entry Idempotency) error

	// PutDeadLetter inserts or updates a DLQ entry.
	PutDeadLetter(entry DeadLetter) error

	// Commit applies all staged writes atomically.
	Commit() error

	// Rollback discards all staged writes. Safe after Commit (no-op).
	Rollback() error
}

// Store provides transactional writes and indexed reads over the four
// logical tables.
//
// Implementations:
//   - MemStore: in-memory maps (tests, single-process demos)
//   - SQLiteStore: single-file database via modernc.org/sqlite
//   - MySQLStore: production relational backend
//
// Read methods see committed data only. Write conflicts on the same
// Workflow row cannot occur in practice because only the owning actor
// writes a given row.
type Store interface {
	// Begin opens a write transaction.
	Begin(ctx context.Context) (Tx, error)

	// GetWorkflow retrieves a workflow row by primary key.
	// Returns ErrNotFound if the row doesn't exist.
	GetWorkflow(ctx context.Context, id string) (Workflow, error)

	// WorkflowsByStatus scans the workflow status index.
	WorkflowsByStatus(ctx context.Context, status WorkflowStatus) ([]Workflow, error)

	// WorkflowsByDefinition scans the workflow definition index.
	WorkflowsByDefinition(ctx context.Context, definitionID string) ([]Workflow, error)

	// EventsByWorkflow returns a workflow's events in append order.
	EventsByWorkflow(ctx context.Context, workflowID string) ([]emit.Event, error)

	// EventsByType scans the event type index across all workflows.
	EventsByType(ctx context.Context, eventType emit.EventType) ([]emit.Event, error)

	// CountEvents returns the number of events recorded for a workflow.
	CountEvents(ctx context.Context, workflowID string) (int, error)

	// GetIdempotency retrieves a ledger entry by key.
	// Returns ErrNotFound if the key has never been written.
	GetIdempotency(ctx context.Context, key string) (Idempotency, error)

	// GetDeadLetter retrieves a DLQ entry by primary key.
	GetDeadLetter(ctx context.Context, id string) (DeadLetter, error)

	// DeadLettersByStatus scans the DLQ status index.
	DeadLettersByStatus(ctx context.Context, status DeadLetterStatus) ([]DeadLetter, error)

	// DeadLettersByClass scans the DLQ error-class index.
	DeadLettersByClass(ctx context.Context, errorClass string) ([]DeadLetter, error)

	// DeadLettersByWorkflow scans the DLQ workflow index.
	DeadLettersByWorkflow(ctx context.Context, workflowID string) ([]DeadLetter, error)

	// DueDeadLetters returns pending entries whose NextRetryAt is at or
	// before now. Used by the DLQ retry sweeper.
	DueDeadLetters(ctx context.Context, now time.Time) ([]DeadLetter, error)

	// CountDeadLetters counts DLQ entries with the given status.
	CountDeadLetters(ctx context.Context, status DeadLetterStatus) (int, error)

	// Close releases the store's resources.
	Close() error
}

// ValidTransition reports whether a workflow status change is legal.
// Writing the same status is always allowed (row updates mid-state).
func ValidTransition(from, to WorkflowStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCompensating
	case StatusCompensating:
		return to == StatusCompleted || to == StatusFailed
	default:
		// completed / failed are terminal
		return false
	}
}
