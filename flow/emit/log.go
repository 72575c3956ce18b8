package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter implements Emitter by writing structured output to a writer.
//
// Supports two output modes:
// - Text mode (default): human-readable key=value lines.
// - JSON mode: machine-readable JSON, one event per line.
//
// Example text output:
//
//	[node_spawn] workflow=wf-001 node=fetch
//
// Example JSON output:
//
//	{"workflow_id":"wf-001","node_id":"fetch","msg":"node_spawn"}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a new LogEmitter writing to the given writer. A nil
// writer defaults to os.Stdout. When jsonMode is true events are emitted as
// single-line JSON objects.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one event to the configured writer. Write errors are swallowed;
// observability must not fail the workflow.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.write(event)
}

func (l *LogEmitter) write(event Event) {
	if l.jsonMode {
		payload := struct {
			WorkflowID string                 `json:"workflow_id"`
			NodeID     string                 `json:"node_id,omitempty"`
			Msg        string                 `json:"msg"`
			Meta       map[string]interface{} `json:"meta,omitempty"`
		}{event.WorkflowID, event.NodeID, event.Msg, event.Meta}
		b, err := json.Marshal(payload)
		if err != nil {
			return
		}
		_, _ = l.writer.Write(append(b, '\n'))
		return
	}

	line := fmt.Sprintf("[%s] workflow=%s", event.Msg, event.WorkflowID)
	if event.NodeID != "" {
		line += " node=" + event.NodeID
	}
	for k, v := range event.Meta {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	_, _ = fmt.Fprintln(l.writer, line)
}

// EmitBatch writes events in order.
func (l *LogEmitter) EmitBatch(ctx context.Context, events []Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.write(ev)
	}
	return nil
}

// Flush is a no-op; writes are unbuffered.
func (l *LogEmitter) Flush(_ context.Context) error { return nil }
