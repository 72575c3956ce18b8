package emit

// Event represents an observability event emitted during workflow
// orchestration.
//
// Events cover the orchestrator's externally observable behavior:
//   - Workflow start
//   - Absorption of externally produced commits
//   - Worker process spawn and exit
//   - Yield registration and satisfaction
//   - Workflow completion and cancellation
//
// Events are emitted to an Emitter which can log to stdout/stderr, send to
// OpenTelemetry, store in time-series databases, or trigger alerts.
type Event struct {
	// WorkflowID identifies the workflow that emitted this event.
	WorkflowID string

	// NodeID identifies the node involved, when the event is node-scoped.
	// Empty for workflow-level events (start, complete, cancel).
	NodeID string

	// Msg is a short machine-matchable description of the event, such as
	// "workflow_start", "node_spawn", "yield_registered", or
	// "workflow_complete".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "trigger": execute trigger reason
	//   - "yield_id": yield identifier
	//   - "status": node terminal status
	//   - "error": error details
	Meta map[string]interface{}
}
