package flow

import (
	"context"
	"time"
)

// compRecord is one entry of the saga log: a step that completed and
// may need undoing.
type compRecord struct {
	StepID   string
	NodeID   string
	Snapshot State // state as of step completion
}

// compFailure reports a compensation that did not succeed.
type compFailure struct {
	StepID   string
	NodeID   string
	Err      error
	Critical bool
}

// sagaLog accumulates completed steps in completion order. It belongs
// to a single actor goroutine, so no locking.
type sagaLog struct {
	records []compRecord
}

func (l *sagaLog) record(stepID, nodeID string, snapshot State) {
	l.records = append(l.records, compRecord{
		StepID:   stepID,
		NodeID:   nodeID,
		Snapshot: cloneState(snapshot),
	})
}

func (l *sagaLog) len() int { return len(l.records) }

// compensate walks the saga log in reverse completion order, undoing
// each completed step that implements Compensator.
//
// Failure handling per step:
//   - Retryable metadata allows exactly one retry of the attempt
//   - Critical metadata escalates a final failure to the caller, who
//     records a compensation_failed DLQ entry
//   - Non-critical failures are reported but the walk continues: a
//     later step's refund still runs when an earlier release fails
//
// The emit callback publishes compensation lifecycle events; the walk
// itself stays free of bus and store concerns for testability.
func (l *sagaLog) compensate(
	ctx context.Context,
	registry *Registry,
	opts Options,
	workflowID, failureReason string,
	emitFn func(nodeID string, started bool, failure error),
) []compFailure {
	var failures []compFailure

	for i := len(l.records) - 1; i >= 0; i-- {
		rec := l.records[i]
		step, err := registry.Resolve(rec.StepID)
		if err != nil {
			// Registry changed under a live workflow. Treat as critical:
			// the effect exists and nothing can undo it.
			failures = append(failures, compFailure{StepID: rec.StepID, NodeID: rec.NodeID, Err: err, Critical: true})
			continue
		}
		comp, ok := step.(Compensator)
		if !ok {
			continue
		}

		meta := comp.CompensationMetadata()
		timeout := meta.Timeout
		if timeout <= 0 {
			timeout = opts.DefaultCompensationTimeout
		}

		cc := CompContext{
			WorkflowID:    workflowID,
			StepID:        rec.StepID,
			NodeID:        rec.NodeID,
			State:         cloneState(rec.Snapshot),
			FailureReason: failureReason,
		}

		emitFn(rec.NodeID, true, nil)

		err = l.runCompensation(ctx, comp, cc, timeout, opts.Injector)
		if err != nil && meta.Retryable {
			err = l.runCompensation(ctx, comp, cc, timeout, opts.Injector)
		}

		emitFn(rec.NodeID, false, err)
		opts.Metrics.CompensationRun(compOutcome(err))

		if err != nil {
			failures = append(failures, compFailure{
				StepID:   rec.StepID,
				NodeID:   rec.NodeID,
				Err:      err,
				Critical: meta.Critical,
			})
		}
	}
	return failures
}

// runCompensation executes one compensation attempt under its timeout,
// honoring the armed one-shot injection flag.
func (l *sagaLog) runCompensation(ctx context.Context, comp Compensator, cc CompContext, timeout time.Duration, inj Injector) error {
	if inj != nil && inj.ConsumeCompensationFailure() {
		return Failf("service_unavailable", "injected compensation failure")
	}

	compCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- comp.Compensate(compCtx, cc) }()

	select {
	case err := <-done:
		return err
	case <-compCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Failf("timeout", "compensation exceeded %v", timeout)
	}
}

func compOutcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "completed"
}

// cloneState shallow-copies a state map so later mutation doesn't leak
// into saga snapshots.
func cloneState(s State) State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
