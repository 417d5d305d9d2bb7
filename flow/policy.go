package flow

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy controls automatic retry of failed step attempts.
//
// The delay before attempt n (1-based) is:
//
//	min(MaxDelay, BaseDelay * Exponent^(n-1)) * (1 ± Jitter)
//
// Jitter spreads retries of concurrently failing workflows so they
// don't hammer a recovering dependency in lockstep.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget including the first
	// execution. Must be >= 1.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Exponent is the backoff multiplier per attempt. Must be >= 1.
	Exponent float64

	// Jitter is the random spread as a fraction of the delay, in
	// [0, 1). 0.2 means ±20%.
	Jitter float64

	// Retryable decides whether a failure class is worth retrying.
	// Nil means the default: transient and unknown are retryable.
	Retryable func(Class) bool
}

// Validate checks the policy fields for consistency.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("retry policy: base delay must be >= 0, got %v", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry policy: max delay %v < base delay %v", p.MaxDelay, p.BaseDelay)
	}
	if p.Exponent < 1 {
		return fmt.Errorf("retry policy: exponent must be >= 1, got %v", p.Exponent)
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("retry policy: jitter must be in [0, 1), got %v", p.Jitter)
	}
	return nil
}

// Backoff computes the delay before the given retry attempt (1-based:
// attempt 1 is the first retry).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Exponent, float64(attempt-1))
	if max := float64(p.MaxDelay); delay > max {
		delay = max
	}
	if p.Jitter > 0 {
		// uniform in [-Jitter, +Jitter]
		delay *= 1 + (rand.Float64()*2-1)*p.Jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether the failure class is retryable under
// this policy.
func (p RetryPolicy) ShouldRetry(class Class) bool {
	if p.Retryable != nil {
		return p.Retryable(class)
	}
	return class == ClassTransient || class == ClassUnknown
}

// Named retry policies. Steps select one via PolicyNamer; an unknown
// name falls back to "default".
var policies = map[string]RetryPolicy{
	"default": {
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Exponent:    2,
		Jitter:      0.2,
	},
	"conservative": {
		MaxAttempts: 2,
		BaseDelay:   5 * time.Second,
		MaxDelay:    60 * time.Second,
		Exponent:    2,
		Jitter:      0.1,
	},
	"aggressive": {
		MaxAttempts: 8,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Exponent:    2,
		Jitter:      0.3,
	},
	"email": {
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    5 * time.Minute,
		Exponent:    3,
		Jitter:      0.2,
	},
}

var policyMu sync.RWMutex

// PolicyByName returns the named retry policy, falling back to the
// default policy for unknown names.
func PolicyByName(name string) RetryPolicy {
	policyMu.RLock()
	defer policyMu.RUnlock()
	if p, ok := policies[name]; ok {
		return p
	}
	return policies["default"]
}

// RegisterPolicy installs or replaces a named retry policy. Steps
// select it via PolicyNamer.
func RegisterPolicy(name string, p RetryPolicy) error {
	if name == "" {
		return fmt.Errorf("retry policy: name is required")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	policyMu.Lock()
	defer policyMu.Unlock()
	policies[name] = p
	return nil
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() RetryPolicy {
	policyMu.RLock()
	defer policyMu.RUnlock()
	return policies["default"]
}

// policyFor resolves the retry policy of a step.
func policyFor(s Step) RetryPolicy {
	if n, ok := s.(PolicyNamer); ok {
		return PolicyByName(n.PolicyName())
	}
	return DefaultPolicy()
}
