package flow

import "time"

// Options configures the supervisor and the actors it spawns.
type Options struct {
	// MaxConcurrentWorkflows bounds the number of live actors.
	// StartWorkflow returns ErrAtCapacity beyond it. 0 means the
	// default.
	MaxConcurrentWorkflows int

	// DefaultStepTimeout bounds a step attempt when the step's policy
	// doesn't say otherwise.
	DefaultStepTimeout time.Duration

	// DefaultCompensationTimeout bounds a compensation attempt when
	// its metadata doesn't say otherwise.
	DefaultCompensationTimeout time.Duration

	// SupervisorMaxRestarts is the number of actor restarts tolerated
	// within SupervisorRestartWindow before the workflow is declared a
	// critical failure.
	SupervisorMaxRestarts   int
	SupervisorRestartWindow time.Duration

	// DLQSweepInterval is how often the retry sweeper scans for due
	// entries. 0 disables the sweeper.
	DLQSweepInterval time.Duration

	// DLQBaseRetry and DLQMaxRetry bound the DLQ retry schedule:
	// next_retry_at = now + min(DLQBaseRetry * 3^retry_count,
	// DLQMaxRetry).
	DLQBaseRetry time.Duration
	DLQMaxRetry  time.Duration

	// Environment names the deployment environment ("dev", "staging",
	// "prod"). Chaos injection refuses to enable in "prod".
	Environment string

	// Metrics receives engine counters and histograms. Nil disables
	// instrumentation.
	Metrics *Metrics

	// Injector injects faults at step boundaries. Nil disables
	// injection.
	Injector Injector
}

// Fault names an Injector can be asked about.
const (
	FaultCrash   = "crash"
	FaultTimeout = "timeout"
	FaultError   = "error"
	FaultLatency = "latency"
)

// Injector decides fault injection at step boundaries. The chaos
// package provides the production implementation; tests use fakes.
type Injector interface {
	// ShouldFail reports whether to inject the named fault into the
	// workflow right now. Must be cheap: it runs on every step entry.
	ShouldFail(workflowID, fault string) bool

	// LatencyDelay returns the artificial delay to add when a latency
	// fault fires.
	LatencyDelay() time.Duration

	// ConsumeCompensationFailure pops the one-shot
	// compensation-failure flag, reporting whether the next
	// compensation attempt should fail.
	ConsumeCompensationFailure() bool
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentWorkflows:     1000,
		DefaultStepTimeout:         30 * time.Second,
		DefaultCompensationTimeout: 30 * time.Second,
		SupervisorMaxRestarts:      3,
		SupervisorRestartWindow:    30 * time.Second,
		DLQSweepInterval:           time.Minute,
		DLQBaseRetry:               5 * time.Minute,
		DLQMaxRetry:                12 * time.Hour,
		Environment:                "dev",
	}
}

// Option mutates Options.
type Option func(*Options)

// WithMaxConcurrentWorkflows bounds the number of live actors.
func WithMaxConcurrentWorkflows(n int) Option {
	return func(o *Options) { o.MaxConcurrentWorkflows = n }
}

// WithDefaultStepTimeout sets the fallback step attempt timeout.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(o *Options) { o.DefaultStepTimeout = d }
}

// WithDefaultCompensationTimeout sets the fallback compensation
// timeout.
func WithDefaultCompensationTimeout(d time.Duration) Option {
	return func(o *Options) { o.DefaultCompensationTimeout = d }
}

// WithRestartPolicy sets the actor restart budget.
func WithRestartPolicy(maxRestarts int, window time.Duration) Option {
	return func(o *Options) {
		o.SupervisorMaxRestarts = maxRestarts
		o.SupervisorRestartWindow = window
	}
}

// WithDLQSweepInterval sets the retry sweeper cadence. 0 disables it.
func WithDLQSweepInterval(d time.Duration) Option {
	return func(o *Options) { o.DLQSweepInterval = d }
}

// WithDLQRetrySchedule bounds the DLQ retry backoff.
func WithDLQRetrySchedule(base, max time.Duration) Option {
	return func(o *Options) {
		o.DLQBaseRetry = base
		o.DLQMaxRetry = max
	}
}

// WithEnvironment names the deployment environment.
func WithEnvironment(env string) Option {
	return func(o *Options) { o.Environment = env }
}

// WithMetrics attaches engine instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithInjector attaches a fault injector.
func WithInjector(inj Injector) Option {
	return func(o *Options) { o.Injector = inj }
}
