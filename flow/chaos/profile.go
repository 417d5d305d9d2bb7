// Package chaos injects faults into running workflows to verify the
// engine's recovery behavior: crashes, timeouts, errors and latency at
// step boundaries, plus a one-shot compensation failure.
//
// Injection is probabilistic and profile-driven. The monkey refuses to
// enable in production.
package chaos

import (
	"fmt"
	"time"
)

// Profile configures injection pressure.
type Profile struct {
	// Name labels the profile in audit events.
	Name string

	// CrashProbability is the per-step chance of an actor panic.
	CrashProbability float64

	// TimeoutProbability is the per-step chance of a simulated step
	// timeout.
	TimeoutProbability float64

	// ErrorProbability is the per-step chance of a transient error.
	ErrorProbability float64

	// LatencyProbability is the per-step chance of added latency.
	LatencyProbability float64

	// LatencyMin and LatencyMax bound the injected delay.
	LatencyMin time.Duration
	LatencyMax time.Duration

	// TickInterval is how often the monkey proactively targets live
	// workflows. 0 disables the tick loop; only per-step sampling
	// applies.
	TickInterval time.Duration

	// MaxEventsPerTick bounds how many workflows one tick targets.
	MaxEventsPerTick int
}

// Validate checks the profile's fields.
func (p Profile) Validate() error {
	for _, prob := range []struct {
		name  string
		value float64
	}{
		{"crash", p.CrashProbability},
		{"timeout", p.TimeoutProbability},
		{"error", p.ErrorProbability},
		{"latency", p.LatencyProbability},
	} {
		if prob.value < 0 || prob.value > 1 {
			return fmt.Errorf("chaos profile %q: %s probability must be in [0, 1], got %v", p.Name, prob.name, prob.value)
		}
	}
	if p.LatencyMin < 0 || p.LatencyMax < p.LatencyMin {
		return fmt.Errorf("chaos profile %q: latency range [%v, %v] is invalid", p.Name, p.LatencyMin, p.LatencyMax)
	}
	if p.MaxEventsPerTick < 0 {
		return fmt.Errorf("chaos profile %q: max events per tick must be >= 0", p.Name)
	}
	return nil
}

// Gentle injects rare, mild faults. Safe for long soak tests.
func Gentle() Profile {
	return Profile{
		Name:               "gentle",
		CrashProbability:   0.005,
		TimeoutProbability: 0.01,
		ErrorProbability:   0.02,
		LatencyProbability: 0.05,
		LatencyMin:         50 * time.Millisecond,
		LatencyMax:         500 * time.Millisecond,
		TickInterval:       30 * time.Second,
		MaxEventsPerTick:   1,
	}
}

// Moderate injects enough faults to exercise every recovery path in a
// short run.
func Moderate() Profile {
	return Profile{
		Name:               "moderate",
		CrashProbability:   0.02,
		TimeoutProbability: 0.05,
		ErrorProbability:   0.08,
		LatencyProbability: 0.10,
		LatencyMin:         100 * time.Millisecond,
		LatencyMax:         2 * time.Second,
		TickInterval:       10 * time.Second,
		MaxEventsPerTick:   3,
	}
}

// Aggressive injects heavy faults. Expect most workflows to hit at
// least one.
func Aggressive() Profile {
	return Profile{
		Name:               "aggressive",
		CrashProbability:   0.10,
		TimeoutProbability: 0.15,
		ErrorProbability:   0.20,
		LatencyProbability: 0.25,
		LatencyMin:         500 * time.Millisecond,
		LatencyMax:         5 * time.Second,
		TickInterval:       3 * time.Second,
		MaxEventsPerTick:   10,
	}
}
