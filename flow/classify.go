package flow

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class is the error classification driving retry, compensation and
// DLQ scheduling decisions.
//
// Classes form a severity ladder:
//   - ClassTransient: infrastructure hiccups, safe to retry as-is
//   - ClassRecoverable: bad data or state a human could fix, then retry
//   - ClassPermanent: business rule rejection, retrying cannot help
//   - ClassTerminal: corruption or cancellation, do not touch again
//   - ClassUnknown: unclassified, treated conservatively as retryable
type Class string

// Error classes.
const (
	ClassTransient   Class = "transient"
	ClassRecoverable Class = "recoverable"
	ClassPermanent   Class = "permanent"
	ClassTerminal    Class = "terminal"
	ClassUnknown     Class = "unknown"
)

// classByReason maps well-known failure reasons to classes. Steps fail
// with a ClassifiedError carrying one of these reasons (or their own).
var classByReason = map[string]Class{
	// Infrastructure faults clear up on their own.
	"timeout":             ClassTransient,
	"step_timeout":        ClassTransient,
	"service_unavailable": ClassTransient,
	"connection_refused":  ClassTransient,
	"rate_limited":        ClassTransient,

	// Missing or malformed inputs a human can repair.
	"missing_email": ClassRecoverable,
	"invalid_input": ClassRecoverable,

	// Business rejections; retrying produces the same answer.
	"fraud_detected": ClassPermanent,
	"unauthorized":   ClassPermanent,

	// Do not retry, do not compensate further.
	"data_corrupted":     ClassTerminal,
	"workflow_cancelled": ClassTerminal,
}

// ClassifiedError is an error carrying an explicit failure reason and
// classification. Steps return it to control retry behavior precisely;
// plain errors fall back to structural classification in Classify.
type ClassifiedError struct {
	// Reason is a stable machine-readable failure code, e.g.
	// "service_unavailable" or "fraud_detected".
	Reason string

	// Class overrides the reason table when set.
	Class Class

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Cause)
	}
	return e.Reason
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// Failf builds a ClassifiedError with the given reason and a formatted
// cause message.
func Failf(reason string, format string, args ...any) error {
	return &ClassifiedError{Reason: reason, Cause: fmt.Errorf(format, args...)}
}

// Fail builds a ClassifiedError wrapping err under the given reason.
func Fail(reason string, err error) error {
	return &ClassifiedError{Reason: reason, Cause: err}
}

// Classify determines the Class of an error.
//
// Resolution order:
//  1. A ClassifiedError's explicit Class field
//  2. The reason lookup table for a ClassifiedError's Reason
//  3. Structural rules: context deadline/cancel, net timeouts
//  4. ClassUnknown
//
// Classify(nil) returns the empty class.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		if ce.Class != "" {
			return ce.Class
		}
		if class, ok := classByReason[ce.Reason]; ok {
			return class
		}
		return ClassUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ClassTerminal
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	return ClassUnknown
}

// Reason extracts the failure reason from an error, or "unknown" when
// the error carries none.
func Reason(err error) string {
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Reason != "" {
		return ce.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "unknown"
}
