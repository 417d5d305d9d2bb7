package emit

import "time"

// EventType identifies the kind of lifecycle event carried on the bus.
//
// The engine emits exactly one event per observable transition. Events
// for a given workflow are appended in the order the owning actor
// produces them; across workflows there is no ordering guarantee.
type EventType string

// Workflow lifecycle event types.
const (
	WorkflowStarted   EventType = "workflow_started"
	WorkflowCompleted EventType = "workflow_completed"
	WorkflowFailed    EventType = "workflow_failed"

	StepStarted   EventType = "step_started"
	StepCompleted EventType = "step_completed"
	StepFailed    EventType = "step_failed"

	CompensationStarted   EventType = "compensation_started"
	CompensationCompleted EventType = "compensation_completed"
	CompensationFailed    EventType = "compensation_failed"

	RetryScheduled EventType = "retry_scheduled"
	DLQEnqueued    EventType = "dlq_enqueued"

	BranchTaken EventType = "branch_taken"

	ChaosInjected  EventType = "chaos_injected"
	ChaosRecovered EventType = "chaos_recovered"
	DLQUpdated     EventType = "dlq_updated"
)

// Well-known bus topics.
const (
	// TopicAllWorkflows is the firehose: subscribers receive every event
	// published to any workflows:{id} topic.
	TopicAllWorkflows = "workflows:*"

	// TopicChaos carries fault-injection audit events.
	TopicChaos = "chaos:events"

	// TopicDLQ carries dead-letter queue state changes.
	TopicDLQ = "dlq:updates"
)

// WorkflowTopic returns the per-workflow topic name for the given
// workflow ID ("workflows:{id}").
func WorkflowTopic(workflowID string) string {
	return "workflows:" + workflowID
}

// Event is a single observability event emitted during workflow
// execution.
//
// Events double as the persisted audit log (the Event table) and as the
// in-process bus payload. They are append-only: once emitted, an event
// is never mutated.
type Event struct {
	// ID is the event's unique identifier (a UUID assigned at emit time).
	ID string `json:"id"`

	// WorkflowID identifies the workflow that produced this event.
	WorkflowID string `json:"workflow_id"`

	// Type is the lifecycle event type.
	Type EventType `json:"event_type"`

	// NodeID identifies the graph node the event relates to.
	// Empty for workflow-level events.
	NodeID string `json:"node_id,omitempty"`

	// Data carries structured, event-type-specific payload fields.
	// Common keys:
	//   - "attempt": step attempt number
	//   - "error": stringified error
	//   - "label": branch label taken
	//   - "delay_ms": scheduled retry delay
	//   - "error_class": DLQ classification
	Data map[string]any `json:"data,omitempty"`

	// Timestamp records when the event was emitted.
	Timestamp time.Time `json:"timestamp"`
}
