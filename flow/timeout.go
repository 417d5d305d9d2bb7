package flow

import (
	"context"
	"time"
)

// stepResult carries the outcome of an Execute call across the timeout
// goroutine boundary.
type stepResult struct {
	state State
	err   error
}

// executeWithTimeout runs a step's Execute under a deadline.
//
// The step receives a context that is cancelled when the deadline
// fires, and well-behaved steps return promptly. A step that ignores
// its context is abandoned: its goroutine keeps running but the
// result is discarded, and the attempt fails with a "step_timeout"
// transient error.
func executeWithTimeout(ctx context.Context, s Step, state State, timeout time.Duration) (State, error) {
	if timeout <= 0 {
		return s.Execute(ctx, state)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan stepResult, 1)
	go func() {
		out, err := s.Execute(execCtx, state)
		done <- stepResult{state: out, err: err}
	}()

	select {
	case res := <-done:
		return res.state, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			// Outer cancellation (actor stopping), not a step timeout.
			return nil, ctx.Err()
		}
		return nil, Failf("step_timeout", "step exceeded %v", timeout)
	}
}
