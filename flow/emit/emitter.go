// Package emit provides event emission and observability for workflow
// orchestration.
package emit

import "context"

// Emitter receives and processes observability events from the orchestrator.
//
// Emitters enable pluggable observability backends:
// - Logging: stdout, files, syslog.
// - Distributed tracing: OpenTelemetry, Jaeger, Zipkin.
// - Analytics and alerting pipelines.
//
// Implementations should be:
// - Non-blocking: the orchestrator emits from its event loop.
// - Thread-safe: workers may emit concurrently with the loop.
// - Resilient: a failing backend must not crash the workflow.
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Emit must not block orchestration and must not panic. If the backend
	// is unavailable or slow, events should be buffered, dropped with
	// internal logging, or sent asynchronously.
	Emit(event Event)

	// EmitBatch sends multiple events in a single operation.
	//
	// Batching amortizes backend round-trips when draining buffered events.
	// Implementations should process events in order and handle partial
	// failures gracefully. Returns an error only on catastrophic failures;
	// individual event failures should be logged and swallowed.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush ensures all buffered events are sent to the backend.
	//
	// Call before shutdown and at workflow completion. Implementations
	// should respect context cancellation and be safe to call repeatedly.
	Flush(ctx context.Context) error
}
