// Package worker defines the contract between the orchestrator and the
// pluggable node runtimes, plus the node types shipped with the runtime.
//
// A worker executes exactly one node step. During the step it may read the
// workflow's data rows, submit commits under fresh operation ids, and yield:
// a durable request to run a set of child nodes and wait for all of them to
// terminate. The orchestrator keeps scheduling other work while a worker is
// parked inside its yield.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/flowgraph-go/flow/record"
	"github.com/dshills/flowgraph-go/flow/store"
)

// Result is the terminal value of one node step.
//
// Success=false marks the node completed_failure with Error persisted as the
// node's result row. Output is persisted as the success payload.
type Result struct {
	Success bool
	Output  any
	Error   string
}

// YieldOutcome is what a parked worker receives once every child of its
// yield has terminated. RunNodeResults maps child node id to the data id of
// that child's result row.
type YieldOutcome struct {
	OK             bool
	RunNodeResults map[string]string
	AllCompleted   bool
}

// Env is the capability set handed to a worker for one step.
//
// The funcs are wired by the orchestrator at spawn time; workers never touch
// orchestrator state directly.
type Env struct {
	// WorkflowID and NodeID identify the step.
	WorkflowID string
	NodeID     string

	// Node is the node row as observed before the spawn. Inputs added by a
	// later commit only affect future spawns.
	Node record.Node

	// Path is the ancestor chain of this node, root first. Empty for nodes
	// launched outside any yield.
	Path []string

	// Store provides scoped reads over the workflow's rows.
	Store store.Store

	// Submit commits the command list under a fresh operation id and
	// notifies the orchestrator so it can absorb the results. Returns the
	// operation id.
	Submit func(ctx context.Context, cmds []record.Command) (string, error)

	// Yield persists a yield request for the given child node ids and parks
	// the worker until every child has terminated. The children must already
	// exist (typically created by a preceding Submit in the same step).
	Yield func(ctx context.Context, runNodes []string) (YieldOutcome, error)
}

// Input returns the latest node.input row for the given key, or false when
// none exists.
func (e Env) Input(ctx context.Context, key string) (record.Data, bool, error) {
	rows, err := e.Store.ListData(ctx, e.WorkflowID, store.DataFilter{
		Types:  []record.DataType{record.DataNodeInput},
		NodeID: e.NodeID,
		Key:    key,
	})
	if err != nil {
		return record.Data{}, false, err
	}
	if len(rows) == 0 {
		return record.Data{}, false, nil
	}
	return rows[len(rows)-1], true, nil
}

// Inputs returns the latest node.input row per key, decoded from JSON where
// possible (undecodable content degrades to the raw string).
func (e Env) Inputs(ctx context.Context) (map[string]any, error) {
	rows, err := e.Store.ListData(ctx, e.WorkflowID, store.DataFilter{
		Types:  []record.DataType{record.DataNodeInput},
		NodeID: e.NodeID,
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(rows))
	for _, row := range rows {
		var v any
		if err := json.Unmarshal(row.Content, &v); err != nil {
			v = string(row.Content)
		}
		out[row.Key] = v
	}
	return out, nil
}

// Worker executes one node step.
//
// A returned error is equivalent to Result{Success: false} with the error's
// message; it additionally marks the exit abnormal for observability.
type Worker interface {
	Run(ctx context.Context, env Env) (Result, error)
}

// Func adapts a plain function to the Worker interface.
type Func func(ctx context.Context, env Env) (Result, error)

// Run implements Worker.
func (f Func) Run(ctx context.Context, env Env) (Result, error) {
	return f(ctx, env)
}

// Factory constructs a Worker for one node. Node types are resolved by name
// at spawn time; the factory may inspect the node's config.
type Factory func(node record.Node) (Worker, error)

// Registry maps node type names to worker factories.
//
// Thread-safety: Register and New are safe for concurrent use, though
// registration normally happens once at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs a factory for a node type name, replacing any previous
// registration.
func (r *Registry) Register(typeName string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeName] = factory
}

// RegisterFunc installs a Func worker shared by every node of the type.
func (r *Registry) RegisterFunc(typeName string, fn Func) {
	r.Register(typeName, func(record.Node) (Worker, error) { return fn, nil })
}

// New constructs a worker for the node's type. Unknown types return an error
// naming the registered types.
func (r *Registry) New(node record.Node) (Worker, error) {
	r.mu.RLock()
	factory, ok := r.factories[node.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no worker registered for node type %q (registered: %v)", node.Type, r.Types())
	}
	return factory(node)
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
