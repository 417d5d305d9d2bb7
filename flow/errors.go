package flow

import "errors"

// Sentinel errors returned by the engine. Use errors.Is to test for
// them since they may be wrapped with additional context.
var (
	// ErrUnknownDefinition is returned when starting a workflow whose
	// definition ID was never registered with the supervisor.
	ErrUnknownDefinition = errors.New("unknown workflow definition")

	// ErrNotRegistered is returned when a graph references a step ID
	// that is not present in the step registry.
	ErrNotRegistered = errors.New("step not registered")

	// ErrWorkflowNotFound is returned when addressing a workflow ID the
	// supervisor does not know.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrAtCapacity is returned by StartWorkflow when the configured
	// concurrent workflow limit is reached.
	ErrAtCapacity = errors.New("supervisor at capacity")

	// ErrMaxAttemptsExceeded is returned when a step has consumed its
	// retry budget.
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")

	// ErrSupervisorClosed is returned by operations on a stopped
	// supervisor.
	ErrSupervisorClosed = errors.New("supervisor is closed")
)

// Graph construction errors returned by Builder.Build.
var (
	// ErrEmptyGraph indicates a graph with no nodes.
	ErrEmptyGraph = errors.New("graph has no nodes")

	// ErrNoStartNode indicates a graph without exactly one start node.
	ErrNoStartNode = errors.New("graph must have exactly one start node")

	// ErrNoEndNode indicates a graph without at least one end node.
	ErrNoEndNode = errors.New("graph must have at least one end node")

	// ErrDuplicateNode indicates two nodes declared with the same ID.
	ErrDuplicateNode = errors.New("duplicate node id")

	// ErrDanglingEdge indicates an edge referencing a missing node.
	ErrDanglingEdge = errors.New("edge references missing node")

	// ErrUnreachableNode indicates a node not reachable from start.
	ErrUnreachableNode = errors.New("node unreachable from start")

	// ErrNoPathToEnd indicates a node from which no end node can be
	// reached.
	ErrNoPathToEnd = errors.New("no path to an end node")

	// ErrCycle indicates the graph contains a cycle.
	ErrCycle = errors.New("graph contains a cycle")

	// ErrMissingDefault indicates a branch node without a default edge.
	ErrMissingDefault = errors.New("branch node requires a default edge")

	// ErrBranchDegree indicates a branch node with fewer than two
	// outgoing edges.
	ErrBranchDegree = errors.New("branch node requires at least two outgoing edges")
)
