package flow

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/beamflow/beamflow/flow/emit"
	"github.com/beamflow/beamflow/flow/store"
)

// secretKeys are state/context keys whose values never reach the DLQ.
// Matching is case-insensitive on the whole key.
var secretKeys = map[string]struct{}{
	"password":      {},
	"secret":        {},
	"token":         {},
	"api_key":       {},
	"authorization": {},
	"credit_card":   {},
	"ssn":           {},
}

// maxSanitizedString bounds string values stored in DLQ context maps.
const maxSanitizedString = 512

// truncationMarker is appended to truncated string values.
const truncationMarker = "...[truncated]"

// Sanitize returns a copy of the map safe to persist in a DLQ entry:
// secret keys are dropped and long string values truncated. Nested
// maps are sanitized recursively.
func Sanitize(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, secret := secretKeys[strings.ToLower(k)]; secret {
			continue
		}
		switch val := v.(type) {
		case string:
			if len(val) > maxSanitizedString {
				cut := maxSanitizedString
				for cut > 0 && !utf8.RuneStart(val[cut]) {
					cut--
				}
				val = val[:cut] + truncationMarker
			}
			out[k] = val
		case map[string]any:
			out[k] = Sanitize(val)
		default:
			out[k] = v
		}
	}
	return out
}

// AutoRetryable reports whether the DLQ retries the class without
// human intervention.
func AutoRetryable(class Class) bool {
	return class == ClassTransient || class == ClassUnknown
}

// ForceRetryable reports whether an operator may retry the class at
// all. Terminal failures are never retried.
func ForceRetryable(class Class) bool {
	return class != ClassTerminal
}

// DeadLetterInput describes a failure to record in the DLQ.
type DeadLetterInput struct {
	Type           store.DeadLetterType
	WorkflowID     string
	WorkflowModule string
	FailedStep     string
	Failure        error
	Context        map[string]any
	OriginalParams map[string]any
	Metadata       map[string]any
}

// DLQ manages the dead letter queue: enqueueing classified failures,
// scheduling automatic retries, and operator resolution.
//
// The retry sweeper is a single goroutine scanning for due entries on
// an interval; it asks the Restarter (the supervisor) to bring the
// failed workflow back. Every state change publishes to the
// "dlq:updates" topic.
type DLQ struct {
	store   store.Store
	bus     *emit.Bus
	opts    Options
	metrics *Metrics

	mu        sync.Mutex
	restarter Restarter
	stopCh    chan struct{}
	stopped   bool
	wg        sync.WaitGroup
}

// Restarter restarts a failed workflow for a DLQ retry. Implemented
// by the supervisor.
type Restarter interface {
	RestartWorkflow(ctx context.Context, workflowID string) error
}

// NewDLQ creates a DLQ over the given store and bus. The sweeper does
// not run until Start is called with a restarter.
func NewDLQ(s store.Store, bus *emit.Bus, opts Options) *DLQ {
	return &DLQ{
		store:   s,
		bus:     bus,
		opts:    opts,
		metrics: opts.Metrics,
		stopCh:  make(chan struct{}),
	}
}

// BuildEntry classifies the failure and constructs the DLQ row,
// sanitized and scheduled. It does not persist: the caller stages it
// in its own transaction so the enqueue is atomic with the workflow's
// failure bookkeeping.
func (d *DLQ) BuildEntry(in DeadLetterInput, now time.Time) store.DeadLetter {
	class := Classify(in.Failure)
	errMsg := ""
	if in.Failure != nil {
		errMsg = in.Failure.Error()
	}

	entry := store.DeadLetter{
		ID:             uuid.NewString(),
		Type:           in.Type,
		Status:         store.DLQPending,
		WorkflowID:     in.WorkflowID,
		WorkflowModule: in.WorkflowModule,
		FailedStep:     in.FailedStep,
		Error:          errMsg,
		ErrorClass:     string(class),
		Context:        Sanitize(in.Context),
		OriginalParams: Sanitize(in.OriginalParams),
		Metadata:       Sanitize(in.Metadata),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	switch {
	case class == ClassTerminal:
		// Never retried, not even by hand. Straight to the archive.
		entry.Status = store.DLQArchived
	case class == ClassTransient:
		next := now.Add(d.retryDelay(0))
		entry.NextRetryAt = &next
	}
	return entry
}

// Enqueue classifies, sanitizes and persists a failure in its own
// transaction, then announces it.
func (d *DLQ) Enqueue(ctx context.Context, in DeadLetterInput) (store.DeadLetter, error) {
	entry := d.BuildEntry(in, time.Now().UTC())

	tx, err := d.store.Begin(ctx)
	if err != nil {
		return store.DeadLetter{}, fmt.Errorf("dlq enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := tx.PutDeadLetter(entry); err != nil {
		return store.DeadLetter{}, fmt.Errorf("dlq enqueue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return store.DeadLetter{}, fmt.Errorf("dlq enqueue: %w", err)
	}

	d.announce(entry, emit.DLQEnqueued)
	d.metrics.DeadLetterEnqueued(string(entry.Type), entry.ErrorClass)
	return entry, nil
}

// retryDelay computes the delay before the next automatic retry:
// min(base * 3^retryCount, max).
func (d *DLQ) retryDelay(retryCount int) time.Duration {
	base := d.opts.DLQBaseRetry
	if base <= 0 {
		base = 5 * time.Minute
	}
	max := d.opts.DLQMaxRetry
	if max <= 0 {
		max = 12 * time.Hour
	}
	delay := float64(base) * math.Pow(3, float64(retryCount))
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}

// Retry forces a retry of a DLQ entry regardless of its schedule.
// Terminal-class entries cannot be retried.
func (d *DLQ) Retry(ctx context.Context, id string) error {
	entry, err := d.store.GetDeadLetter(ctx, id)
	if err != nil {
		return fmt.Errorf("dlq retry %q: %w", id, err)
	}
	if !ForceRetryable(Class(entry.ErrorClass)) {
		return fmt.Errorf("dlq retry %q: class %s is not retryable", id, entry.ErrorClass)
	}
	return d.attemptRetry(ctx, entry)
}

// Resolve marks an entry handled with the given resolution note.
func (d *DLQ) Resolve(ctx context.Context, id, resolution string) error {
	return d.transition(ctx, id, store.DLQResolved, resolution)
}

// Abandon marks an entry as given up on.
func (d *DLQ) Abandon(ctx context.Context, id, resolution string) error {
	return d.transition(ctx, id, store.DLQAbandoned, resolution)
}

func (d *DLQ) transition(ctx context.Context, id string, status store.DeadLetterStatus, resolution string) error {
	entry, err := d.store.GetDeadLetter(ctx, id)
	if err != nil {
		return fmt.Errorf("dlq %s %q: %w", status, id, err)
	}
	entry.Status = status
	entry.Resolution = resolution
	entry.NextRetryAt = nil
	entry.UpdatedAt = time.Now().UTC()
	if err := d.put(ctx, entry); err != nil {
		return fmt.Errorf("dlq %s %q: %w", status, id, err)
	}
	d.announce(entry, emit.DLQUpdated)
	return nil
}

// Start launches the retry sweeper against the given restarter. A
// zero sweep interval disables the sweeper.
func (d *DLQ) Start(r Restarter) {
	d.mu.Lock()
	d.restarter = r
	d.mu.Unlock()

	if d.opts.DLQSweepInterval <= 0 {
		return
	}
	d.wg.Add(1)
	go d.sweep()
}

// Stop halts the sweeper and waits for it to exit.
func (d *DLQ) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.stopCh)
	d.mu.Unlock()
	d.wg.Wait()
}

// sweep scans for due entries on the configured interval.
func (d *DLQ) sweep() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.opts.DLQSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case now := <-ticker.C:
			d.sweepOnce(context.Background(), now.UTC())
		}
	}
}

// sweepOnce retries every entry whose schedule has come due.
func (d *DLQ) sweepOnce(ctx context.Context, now time.Time) {
	due, err := d.store.DueDeadLetters(ctx, now)
	if err != nil {
		return
	}
	for _, entry := range due {
		_ = d.attemptRetry(ctx, entry)
	}
}

// attemptRetry marks the entry retrying and asks the restarter to
// bring the workflow back. A restart failure reschedules the entry
// with a bumped retry count.
func (d *DLQ) attemptRetry(ctx context.Context, entry store.DeadLetter) error {
	d.mu.Lock()
	r := d.restarter
	d.mu.Unlock()
	if r == nil {
		return fmt.Errorf("dlq retry %q: no restarter attached", entry.ID)
	}

	now := time.Now().UTC()
	entry.Status = store.DLQRetrying
	entry.RetryCount++
	entry.NextRetryAt = nil
	entry.UpdatedAt = now
	if err := d.put(ctx, entry); err != nil {
		return err
	}
	d.announce(entry, emit.DLQUpdated)

	if err := r.RestartWorkflow(ctx, entry.WorkflowID); err != nil {
		// Back to pending; transient entries get a new slot.
		entry.Status = store.DLQPending
		entry.UpdatedAt = time.Now().UTC()
		if Class(entry.ErrorClass) == ClassTransient {
			next := entry.UpdatedAt.Add(d.retryDelay(entry.RetryCount))
			entry.NextRetryAt = &next
		}
		_ = d.put(ctx, entry)
		d.announce(entry, emit.DLQUpdated)
		return fmt.Errorf("dlq retry %q: restart: %w", entry.ID, err)
	}
	return nil
}

func (d *DLQ) put(ctx context.Context, entry store.DeadLetter) error {
	tx, err := d.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := tx.PutDeadLetter(entry); err != nil {
		return err
	}
	return tx.Commit()
}

// announce publishes an entry change to the dlq:updates topic.
func (d *DLQ) announce(entry store.DeadLetter, typ emit.EventType) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(emit.TopicDLQ, emit.Event{
		ID:         uuid.NewString(),
		WorkflowID: entry.WorkflowID,
		Type:       typ,
		NodeID:     entry.FailedStep,
		Data: map[string]any{
			"dlq_id":      entry.ID,
			"type":        string(entry.Type),
			"status":      string(entry.Status),
			"error_class": entry.ErrorClass,
			"retry_count": entry.RetryCount,
		},
		Timestamp: time.Now().UTC(),
	})
}
