package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beamflow/beamflow/flow/store"
)

// IdempotencyKey formats the ledger key for a step attempt.
//
// One key per (workflow, step, attempt): a retry is a new attempt with
// a new key, so the ledger distinguishes "this exact attempt already
// ran" from "this step failed before".
func IdempotencyKey(workflowID, stepID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", workflowID, stepID, attempt)
}

// LedgerAction tells the actor what to do with a step attempt after
// consulting the ledger.
type LedgerAction int

// Ledger decisions.
const (
	// LedgerFresh: no entry exists, run the attempt.
	LedgerFresh LedgerAction = iota

	// LedgerResume: a pending entry exists from a crashed run.
	// Re-execute under the step's re-execution contract; the pending
	// entry is reused, not rewritten.
	LedgerResume

	// LedgerSkip: the attempt already completed. Apply the cached
	// result and advance without executing.
	LedgerSkip

	// LedgerFailed: the attempt already failed. Move to the retry
	// decision without executing.
	LedgerFailed
)

// LedgerDecision is the outcome of a ledger check.
type LedgerDecision struct {
	Action LedgerAction

	// Result is the cached step result for LedgerSkip.
	Result map[string]any

	// Error is the recorded failure message for LedgerFailed.
	Error string
}

// Ledger consults the idempotency table to decide whether a step
// attempt should run, resume, or be skipped. Entry writes happen in
// the actor's transactions together with the matching events, so an
// attempt's bookkeeping is atomic with its audit trail.
type Ledger struct {
	store store.Store
}

// NewLedger creates a Ledger over the given store.
func NewLedger(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// Check resolves the decision for an attempt key.
func (l *Ledger) Check(ctx context.Context, key string) (LedgerDecision, error) {
	entry, err := l.store.GetIdempotency(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return LedgerDecision{Action: LedgerFresh}, nil
	}
	if err != nil {
		return LedgerDecision{}, fmt.Errorf("ledger check %q: %w", key, err)
	}

	switch entry.Status {
	case store.LedgerPending:
		return LedgerDecision{Action: LedgerResume}, nil
	case store.LedgerCompleted:
		return LedgerDecision{Action: LedgerSkip, Result: entry.Result}, nil
	case store.LedgerFailed:
		return LedgerDecision{Action: LedgerFailed, Error: entry.Error}, nil
	default:
		return LedgerDecision{}, fmt.Errorf("ledger check %q: unknown status %q", key, entry.Status)
	}
}

// PendingEntry builds the entry recorded before an attempt executes.
func PendingEntry(key string, now time.Time) store.Idempotency {
	return store.Idempotency{
		Key:       key,
		Status:    store.LedgerPending,
		StartedAt: now,
	}
}

// CompletedEntry builds the entry recorded when an attempt succeeds.
// The result map caches whatever the attempt needs replayed on a
// ledger skip.
func CompletedEntry(key string, startedAt, now time.Time, result map[string]any) store.Idempotency {
	return store.Idempotency{
		Key:         key,
		Status:      store.LedgerCompleted,
		StartedAt:   startedAt,
		CompletedAt: &now,
		Result:      result,
	}
}

// FailedEntry builds the entry recorded when an attempt fails.
func FailedEntry(key string, startedAt, now time.Time, failure error) store.Idempotency {
	return store.Idempotency{
		Key:         key,
		Status:      store.LedgerFailed,
		StartedAt:   startedAt,
		CompletedAt: &now,
		Error:       failure.Error(),
	}
}
