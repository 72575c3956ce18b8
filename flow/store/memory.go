package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/flowgraph-go/flow/record"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for:
//   - Testing and development
//   - Short-lived workflows where persistence isn't required
//
// MemStore is thread-safe and honors the same commit semantics as the
// database-backed stores, including idempotent operation replay. Data is lost
// when the process terminates; recovery tests exercise it by constructing a
// fresh runtime over the same MemStore instance.
type MemStore struct {
	mu        sync.RWMutex
	workflows map[string]record.Workflow
	nodes     map[string]map[string]record.Node // workflowID -> nodeID -> node
	data      map[string][]record.Data          // workflowID -> rows in insert order
	ops       map[string][]record.CommandResult // workflowID+"\x00"+opID -> results
	closed    bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows: make(map[string]record.Workflow),
		nodes:     make(map[string]map[string]record.Node),
		data:      make(map[string][]record.Data),
		ops:       make(map[string][]record.CommandResult),
	}
}

func opKey(workflowID, operationID string) string {
	return workflowID + "\x00" + operationID
}

// CreateWorkflow inserts a workflow row.
func (m *MemStore) CreateWorkflow(_ context.Context, wf record.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, exists := m.workflows[wf.WorkflowID]; exists {
		return fmt.Errorf("workflow %s already exists", wf.WorkflowID)
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	if wf.UpdatedAt.IsZero() {
		wf.UpdatedAt = now
	}
	if wf.Status == "" {
		wf.Status = record.WorkflowPending
	}
	wf.Metadata = record.CloneMetadata(wf.Metadata)
	m.workflows[wf.WorkflowID] = wf
	return nil
}

// GetWorkflow retrieves a workflow row.
func (m *MemStore) GetWorkflow(_ context.Context, workflowID string) (record.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return record.Workflow{}, ErrClosed
	}
	wf, ok := m.workflows[workflowID]
	if !ok {
		return record.Workflow{}, ErrNotFound
	}
	wf.Metadata = record.CloneMetadata(wf.Metadata)
	return wf, nil
}

// ListNodes returns all node rows of a workflow, ordered by creation time.
func (m *MemStore) ListNodes(_ context.Context, workflowID string) ([]record.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	byID := m.nodes[workflowID]
	out := make([]record.Node, 0, len(byID))
	for _, n := range byID {
		n.Metadata = record.CloneMetadata(n.Metadata)
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListData returns the workflow's data rows passing the filter in insert order.
func (m *MemStore) ListData(_ context.Context, workflowID string, filter DataFilter) ([]record.Data, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []record.Data
	for _, d := range m.data[workflowID] {
		if filter.Match(d) {
			d.Metadata = record.CloneMetadata(d.Metadata)
			out = append(out, d)
		}
	}
	return out, nil
}

// GetData retrieves one data row by id.
func (m *MemStore) GetData(_ context.Context, workflowID, dataID string) (record.Data, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return record.Data{}, ErrClosed
	}
	for _, d := range m.data[workflowID] {
		if d.DataID == dataID {
			d.Metadata = record.CloneMetadata(d.Metadata)
			return d, nil
		}
	}
	return record.Data{}, ErrNotFound
}

// Commit atomically applies the command list under the operation id.
//
// Commands are staged against copies of the workflow's maps; only a fully
// successful application is swapped in, so a mid-list failure leaves the
// store untouched. Replaying a recorded operation id returns the recorded
// results without re-applying.
func (m *MemStore) Commit(_ context.Context, workflowID, operationID string, cmds []record.Command) ([]record.CommandResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if operationID == "" {
		return nil, fmt.Errorf("operation id is required")
	}
	if recorded, ok := m.ops[opKey(workflowID, operationID)]; ok {
		return recorded, nil
	}
	wf, ok := m.workflows[workflowID]
	if !ok {
		return nil, ErrNotFound
	}

	// Stage on copies so a failed command leaves nothing applied.
	stagedWF := wf
	stagedWF.Metadata = record.CloneMetadata(wf.Metadata)
	stagedNodes := make(map[string]record.Node, len(m.nodes[workflowID]))
	for id, n := range m.nodes[workflowID] {
		n.Metadata = record.CloneMetadata(n.Metadata)
		stagedNodes[id] = n
	}
	stagedData := append([]record.Data(nil), m.data[workflowID]...)

	now := time.Now().UTC()
	results := make([]record.CommandResult, 0, len(cmds))
	for i, cmd := range cmds {
		switch cmd.Type {
		case record.CmdCreateNode:
			n := cmd.CreateNode.Node
			if n.NodeID == "" {
				n.NodeID = uuid.NewString()
			}
			if _, exists := stagedNodes[n.NodeID]; exists {
				return nil, fmt.Errorf("command %d: node %s already exists", i, n.NodeID)
			}
			n.WorkflowID = workflowID
			if n.Status == "" {
				n.Status = record.NodePending
			}
			n.CreatedAt = now
			n.UpdatedAt = now
			stagedNodes[n.NodeID] = n
			copied := n
			results = append(results, record.CommandResult{Type: cmd.Type, Node: &copied})

		case record.CmdUpdateNode:
			u := cmd.UpdateNode
			n, exists := stagedNodes[u.NodeID]
			if !exists {
				return nil, fmt.Errorf("command %d: node %s %w", i, u.NodeID, ErrNotFound)
			}
			if u.Status != nil {
				n.Status = *u.Status
			}
			if u.Metadata != nil {
				n.Metadata = record.MergeMetadata(n.Metadata, u.Metadata)
			}
			if u.Config != nil {
				n.Config = *u.Config
			}
			n.UpdatedAt = now
			stagedNodes[u.NodeID] = n
			copied := n
			results = append(results, record.CommandResult{Type: cmd.Type, Node: &copied})

		case record.CmdDeleteNode:
			if _, exists := stagedNodes[cmd.DeleteNode.NodeID]; !exists {
				return nil, fmt.Errorf("command %d: node %s %w", i, cmd.DeleteNode.NodeID, ErrNotFound)
			}
			delete(stagedNodes, cmd.DeleteNode.NodeID)
			results = append(results, record.CommandResult{Type: cmd.Type, DeletedNodeID: cmd.DeleteNode.NodeID})

		case record.CmdUpdateWorkflow:
			u := cmd.UpdateWorkflow
			if u.Status != nil {
				stagedWF.Status = *u.Status
			}
			if u.Metadata != nil {
				stagedWF.Metadata = record.MergeMetadata(stagedWF.Metadata, u.Metadata)
			}
			stagedWF.UpdatedAt = now
			copied := stagedWF
			results = append(results, record.CommandResult{Type: cmd.Type, Workflow: &copied})

		case record.CmdCreateData:
			c := cmd.CreateData
			d := record.Data{
				DataID:        c.DataID,
				WorkflowID:    workflowID,
				NodeID:        c.NodeID,
				Type:          c.Type,
				Discriminator: c.Discriminator,
				Key:           c.Key,
				Content:       c.Content,
				ContentType:   c.ContentType,
				Metadata:      record.CloneMetadata(c.Metadata),
				CreatedAt:     now,
			}
			if d.DataID == "" {
				d.DataID = uuid.NewString()
			}
			if d.ContentType == "" {
				d.ContentType = record.ContentTypeJSON
			}
			stagedData = append(stagedData, d)
			copied := d
			results = append(results, record.CommandResult{Type: cmd.Type, Data: &copied})

		case record.CmdApplyCommit:
			recorded, ok := m.ops[opKey(workflowID, cmd.ApplyCommit.OperationID)]
			if !ok {
				return nil, fmt.Errorf("command %d: commit %s %w", i, cmd.ApplyCommit.OperationID, ErrNotFound)
			}
			results = append(results, record.CommandResult{Type: cmd.Type, Applied: recorded})

		default:
			return nil, fmt.Errorf("command %d: unknown command type %q", i, cmd.Type)
		}
	}

	m.workflows[workflowID] = stagedWF
	m.nodes[workflowID] = stagedNodes
	m.data[workflowID] = stagedData
	m.ops[opKey(workflowID, operationID)] = results
	return results, nil
}

// GetCommit returns the recorded results of a committed operation.
func (m *MemStore) GetCommit(_ context.Context, workflowID, operationID string) ([]record.CommandResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	results, ok := m.ops[opKey(workflowID, operationID)]
	if !ok {
		return nil, ErrNotFound
	}
	return results, nil
}

// Close marks the store closed. Subsequent calls return ErrClosed.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
