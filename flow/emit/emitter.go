package emit

// Emitter receives and processes lifecycle events from workflow
// execution.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, syslog
//   - Distributed tracing: OpenTelemetry
//   - In-memory capture for tests and dashboards
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down workflow execution
//   - Thread-safe: May be called concurrently from multiple actors
//   - Resilient: Handle failures gracefully (never crash a workflow)
type Emitter interface {
	// Emit delivers one event to the configured backend.
	//
	// Emit should not block workflow execution and should not panic.
	// Errors are handled internally; event delivery is best-effort.
	Emit(event Event)
}
