// Package flow provides the orchestrator runtime for persistent,
// hierarchical dataflow graphs: a pure scheduler, a durable workflow-state
// manager with crash recovery, and a supervising event loop.
package flow

import (
	"sort"

	"github.com/dshills/flowgraph-go/flow/proc"
	"github.com/dshills/flowgraph-go/flow/record"
)

// YieldInfo is the in-memory view of one live yield.
//
// PendingChildren tracks each child's current status; a yield is satisfiable
// once no entry is still pending. Results maps completed children to the data
// id of their result row. ChildPath is the ancestor chain of the yielding
// node, root first, including the yielding node itself.
type YieldInfo struct {
	YieldID         string
	ReplyTo         string
	PendingChildren map[string]record.NodeStatus
	Results         map[string]string
	ChildPath       []string
}

// Satisfiable reports whether every child has left the pending state.
func (y YieldInfo) Satisfiable() bool {
	for _, status := range y.PendingChildren {
		if status == record.NodePending {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (y YieldInfo) Clone() YieldInfo {
	out := YieldInfo{
		YieldID:   y.YieldID,
		ReplyTo:   y.ReplyTo,
		ChildPath: append([]string(nil), y.ChildPath...),
	}
	if y.PendingChildren != nil {
		out.PendingChildren = make(map[string]record.NodeStatus, len(y.PendingChildren))
		for k, v := range y.PendingChildren {
			out.PendingChildren[k] = v
		}
	}
	if y.Results != nil {
		out.Results = make(map[string]string, len(y.Results))
		for k, v := range y.Results {
			out.Results[k] = v
		}
	}
	return out
}

// InputTracker holds the per-node input contracts and input availability.
//
// Requirements contains only nodes that declared a contract. Available flips
// to true per (node, key) when at least one node.input row with that key
// exists; rows are append-only, so availability never reverts.
type InputTracker struct {
	Requirements map[string]record.InputContract
	Available    map[string]map[string]bool
}

// NewInputTracker creates an empty tracker.
func NewInputTracker() InputTracker {
	return InputTracker{
		Requirements: make(map[string]record.InputContract),
		Available:    make(map[string]map[string]bool),
	}
}

// HasContract reports whether the node declared input requirements.
func (t InputTracker) HasContract(nodeID string) bool {
	_, ok := t.Requirements[nodeID]
	return ok
}

// Satisfied reports whether every required key of the node's contract is
// available. Nodes without a contract are vacuously satisfied.
func (t InputTracker) Satisfied(nodeID string) bool {
	contract, ok := t.Requirements[nodeID]
	if !ok {
		return true
	}
	avail := t.Available[nodeID]
	for _, key := range contract.Required {
		if !avail[key] {
			return false
		}
	}
	return true
}

// AnyAvailable reports whether at least one input row exists for the node.
func (t InputTracker) AnyAvailable(nodeID string) bool {
	return len(t.Available[nodeID]) > 0
}

// MarkAvailable flips availability for a (node, key) pair.
func (t InputTracker) MarkAvailable(nodeID, key string) {
	m, ok := t.Available[nodeID]
	if !ok {
		m = make(map[string]bool)
		t.Available[nodeID] = m
	}
	m[key] = true
}

// Clone returns a deep copy.
func (t InputTracker) Clone() InputTracker {
	out := NewInputTracker()
	for k, v := range t.Requirements {
		out.Requirements[k] = record.InputContract{
			Required: append([]string(nil), v.Required...),
			Optional: append([]string(nil), v.Optional...),
		}
	}
	for node, keys := range t.Available {
		m := make(map[string]bool, len(keys))
		for k, v := range keys {
			m[k] = v
		}
		out.Available[node] = m
	}
	return out
}

// Snapshot is the immutable view of workflow state consumed by the
// scheduler. The scheduler never mutates it; the orchestrator builds a fresh
// one per decision.
type Snapshot struct {
	WorkflowID        string
	Nodes             map[string]record.Node
	ActiveYields      map[string]YieldInfo
	ActiveProcesses   map[string]proc.PID
	Inputs            InputTracker
	HasWorkflowOutput bool
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		WorkflowID:        s.WorkflowID,
		Nodes:             make(map[string]record.Node, len(s.Nodes)),
		ActiveYields:      make(map[string]YieldInfo, len(s.ActiveYields)),
		ActiveProcesses:   make(map[string]proc.PID, len(s.ActiveProcesses)),
		Inputs:            s.Inputs.Clone(),
		HasWorkflowOutput: s.HasWorkflowOutput,
	}
	for id, n := range s.Nodes {
		n.Metadata = record.CloneMetadata(n.Metadata)
		out.Nodes[id] = n
	}
	for id, y := range s.ActiveYields {
		out.ActiveYields[id] = y.Clone()
	}
	for id, pid := range s.ActiveProcesses {
		out.ActiveProcesses[id] = pid
	}
	return out
}

// sortedKeys returns map keys in lexical order for deterministic scans.
func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
