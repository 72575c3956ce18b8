package emit

import "context"

// NullEmitter implements Emitter by discarding all events.
//
// Use when observability is not desired: deployments that only want the
// orchestrator's structured logs, or tests that don't inspect events.
type NullEmitter struct{}

// NewNullEmitter creates an emitter that discards all events. Safe for
// concurrent use and has zero overhead.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit discards the event.
func (n *NullEmitter) Emit(_ Event) {}

// EmitBatch discards the events.
func (n *NullEmitter) EmitBatch(_ context.Context, _ []Event) error { return nil }

// Flush does nothing.
func (n *NullEmitter) Flush(_ context.Context) error { return nil }
