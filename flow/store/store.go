// Package store provides durable persistence backends for workflow, node,
// and data rows.
package store

import (
	"context"
	"errors"

	"github.com/dshills/flowgraph-go/flow/record"
)

// ErrNotFound is returned when a requested workflow, node, data row, or
// recorded commit does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned when the store has been closed.
var ErrClosed = errors.New("store is closed")

// DataFilter scopes a ListData call. Zero-value fields do not filter.
type DataFilter struct {
	// Types restricts results to the given data types.
	Types []record.DataType

	// NodeID restricts results to rows addressed to one node.
	NodeID string

	// Key restricts results to rows carrying the given key.
	Key string
}

// Match reports whether a row passes the filter.
func (f DataFilter) Match(d record.Data) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if d.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.NodeID != "" && d.NodeID != f.NodeID {
		return false
	}
	if f.Key != "" && d.Key != f.Key {
		return false
	}
	return true
}

// Store is the durable store contract the orchestrator runtime depends on.
//
// The runtime assumes nothing about the storage engine beyond:
//   - Atomic multi-row commit: all commands in one Commit land or none do.
//   - Idempotent replay: committing an already-recorded operation id returns
//     the recorded results without re-applying the commands.
//   - Point and range reads over the three logical tables (workflows, nodes,
//     data).
//
// Implementations in this package:
//   - MemStore: in-memory maps (testing, prototyping).
//   - SQLiteStore: single-file database via modernc.org/sqlite.
//   - MySQLStore: MySQL/MariaDB via go-sql-driver/mysql.
//   - PostgresStore: PostgreSQL via uptrace/bun.
//
// All implementations are safe for concurrent use; each workflow's
// orchestrator addresses only its own rows, so cross-workflow locking is
// delegated to the commit primitive.
type Store interface {
	// CreateWorkflow inserts a workflow row. Workflows are created by the
	// embedding application; the orchestrator only updates them.
	CreateWorkflow(ctx context.Context, wf record.Workflow) error

	// GetWorkflow retrieves a workflow row. Returns ErrNotFound if absent.
	GetWorkflow(ctx context.Context, workflowID string) (record.Workflow, error)

	// ListNodes returns all node rows of a workflow.
	ListNodes(ctx context.Context, workflowID string) ([]record.Node, error)

	// ListData returns the workflow's data rows passing the filter, ordered
	// by creation time ascending.
	ListData(ctx context.Context, workflowID string, filter DataFilter) ([]record.Data, error)

	// GetData retrieves one data row by id. Returns ErrNotFound if absent.
	GetData(ctx context.Context, workflowID, dataID string) (record.Data, error)

	// Commit atomically applies an ordered command list under the given
	// operation id and returns one result per command.
	//
	// Replaying a committed operation id returns the recorded results
	// without re-applying. This is what makes worker commits and recovery
	// commits safe under at-least-once delivery.
	Commit(ctx context.Context, workflowID, operationID string, cmds []record.Command) ([]record.CommandResult, error)

	// GetCommit returns the recorded results of a previously committed
	// operation. Returns ErrNotFound for unknown operation ids.
	GetCommit(ctx context.Context, workflowID, operationID string) ([]record.CommandResult, error)

	// Close releases the store's resources.
	Close() error
}
