package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/flowgraph-go/flow/record"
)

// Shared row plumbing for the database/sql backed stores (SQLite, MySQL).
// Both dialects accept ? placeholders, so everything below is dialect-free;
// only the migration DDL differs per backend.
//
// Timestamps are stored as RFC3339Nano strings to sidestep driver-specific
// time parsing. JSON columns (metadata, config, commit results) are stored as
// text.

type rowQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode json column: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) map[string]any {
	if s == "" || s == "null" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func sqlCreateWorkflow(ctx context.Context, q rowQuerier, wf record.Workflow) error {
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
	meta, err := encodeJSON(wf.Metadata)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO workflows (workflow_id, actor_id, type, status, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wf.WorkflowID, wf.ActorID, wf.Type, string(wf.Status), meta, encodeTime(wf.CreatedAt), encodeTime(wf.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

func sqlGetWorkflow(ctx context.Context, q rowQuerier, workflowID string) (record.Workflow, error) {
	row := q.QueryRowContext(ctx,
		`SELECT workflow_id, actor_id, type, status, metadata, created_at, updated_at
		 FROM workflows WHERE workflow_id = ?`, workflowID)
	var wf record.Workflow
	var status, meta, created, updated string
	err := row.Scan(&wf.WorkflowID, &wf.ActorID, &wf.Type, &status, &meta, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Workflow{}, ErrNotFound
	}
	if err != nil {
		return record.Workflow{}, fmt.Errorf("failed to query workflow: %w", err)
	}
	wf.Status = record.WorkflowStatus(status)
	wf.Metadata = decodeMetadata(meta)
	wf.CreatedAt = decodeTime(created)
	wf.UpdatedAt = decodeTime(updated)
	return wf, nil
}

func scanNode(rows *sql.Rows) (record.Node, error) {
	var n record.Node
	var status, meta, config, created, updated string
	if err := rows.Scan(&n.NodeID, &n.WorkflowID, &n.ParentNodeID, &n.Type, &status, &meta, &config, &created, &updated); err != nil {
		return record.Node{}, fmt.Errorf("failed to scan node: %w", err)
	}
	n.Status = record.NodeStatus(status)
	n.Metadata = decodeMetadata(meta)
	if config != "" && config != "null" {
		if err := json.Unmarshal([]byte(config), &n.Config); err != nil {
			return record.Node{}, fmt.Errorf("failed to decode node config: %w", err)
		}
	}
	n.CreatedAt = decodeTime(created)
	n.UpdatedAt = decodeTime(updated)
	return n, nil
}

const nodeColumns = `node_id, workflow_id, parent_node_id, type, status, metadata, config, created_at, updated_at`

func sqlListNodes(ctx context.Context, q rowQuerier, workflowID string) ([]record.Node, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE workflow_id = ? ORDER BY created_at, node_id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []record.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func sqlGetNode(ctx context.Context, q rowQuerier, workflowID, nodeID string) (record.Node, bool, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE workflow_id = ? AND node_id = ?`, workflowID, nodeID)
	if err != nil {
		return record.Node{}, false, fmt.Errorf("failed to query node: %w", err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return record.Node{}, false, rows.Err()
	}
	n, err := scanNode(rows)
	return n, err == nil, err
}

const dataColumns = `data_id, workflow_id, node_id, type, discriminator, data_key, content, content_type, metadata, created_at`

func scanData(rows *sql.Rows) (record.Data, error) {
	var d record.Data
	var dtype, meta, created string
	if err := rows.Scan(&d.DataID, &d.WorkflowID, &d.NodeID, &dtype, &d.Discriminator, &d.Key, &d.Content, &d.ContentType, &meta, &created); err != nil {
		return record.Data{}, fmt.Errorf("failed to scan data row: %w", err)
	}
	d.Type = record.DataType(dtype)
	d.Metadata = decodeMetadata(meta)
	d.CreatedAt = decodeTime(created)
	return d, nil
}

func sqlListData(ctx context.Context, q rowQuerier, workflowID string, filter DataFilter) ([]record.Data, error) {
	// Filtering happens in Go; the data table is scoped per workflow and the
	// filter combinations are small.
	rows, err := q.QueryContext(ctx,
		`SELECT `+dataColumns+` FROM data WHERE workflow_id = ? ORDER BY seq`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query data rows: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []record.Data
	for rows.Next() {
		d, err := scanData(rows)
		if err != nil {
			return nil, err
		}
		if filter.Match(d) {
			out = append(out, d)
		}
	}
	return out, rows.Err()
}

func sqlGetData(ctx context.Context, q rowQuerier, workflowID, dataID string) (record.Data, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+dataColumns+` FROM data WHERE workflow_id = ? AND data_id = ?`, workflowID, dataID)
	if err != nil {
		return record.Data{}, fmt.Errorf("failed to query data row: %w", err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return record.Data{}, err
		}
		return record.Data{}, ErrNotFound
	}
	return scanData(rows)
}

func sqlSelectCommit(ctx context.Context, q rowQuerier, workflowID, operationID string) ([]record.CommandResult, bool, error) {
	row := q.QueryRowContext(ctx,
		`SELECT results FROM operations WHERE workflow_id = ? AND operation_id = ?`, workflowID, operationID)
	var blob string
	err := row.Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query operation: %w", err)
	}
	var results []record.CommandResult
	if err := json.Unmarshal([]byte(blob), &results); err != nil {
		return nil, false, fmt.Errorf("failed to decode operation results: %w", err)
	}
	return results, true, nil
}

// sqlCommit runs the shared commit protocol inside one transaction: replay
// check, ordered command application, then the operation journal insert.
func sqlCommit(ctx context.Context, db *sql.DB, workflowID, operationID string, cmds []record.Command) ([]record.CommandResult, error) {
	if operationID == "" {
		return nil, fmt.Errorf("operation id is required")
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin commit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if recorded, ok, err := sqlSelectCommit(ctx, tx, workflowID, operationID); err != nil {
		return nil, err
	} else if ok {
		return recorded, nil
	}

	if _, err := sqlGetWorkflow(ctx, tx, workflowID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	results := make([]record.CommandResult, 0, len(cmds))
	for i, cmd := range cmds {
		res, err := sqlApplyCommand(ctx, tx, workflowID, cmd, now)
		if err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
		results = append(results, res)
	}

	blob, err := encodeJSON(results)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO operations (workflow_id, operation_id, results, created_at)
		 VALUES (?, ?, ?, ?)`,
		workflowID, operationID, blob, encodeTime(now)); err != nil {
		return nil, fmt.Errorf("failed to record operation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return results, nil
}

func sqlApplyCommand(ctx context.Context, tx *sql.Tx, workflowID string, cmd record.Command, now time.Time) (record.CommandResult, error) {
	switch cmd.Type {
	case record.CmdCreateNode:
		n := cmd.CreateNode.Node
		if n.NodeID == "" {
			n.NodeID = uuid.NewString()
		}
		n.WorkflowID = workflowID
		if n.Status == "" {
			n.Status = record.NodePending
		}
		n.CreatedAt = now
		n.UpdatedAt = now
		meta, err := encodeJSON(n.Metadata)
		if err != nil {
			return record.CommandResult{}, err
		}
		config, err := encodeJSON(n.Config)
		if err != nil {
			return record.CommandResult{}, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (`+nodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.NodeID, n.WorkflowID, n.ParentNodeID, n.Type, string(n.Status), meta, config,
			encodeTime(n.CreatedAt), encodeTime(n.UpdatedAt)); err != nil {
			return record.CommandResult{}, fmt.Errorf("failed to insert node %s: %w", n.NodeID, err)
		}
		return record.CommandResult{Type: cmd.Type, Node: &n}, nil

	case record.CmdUpdateNode:
		u := cmd.UpdateNode
		n, ok, err := sqlGetNode(ctx, tx, workflowID, u.NodeID)
		if err != nil {
			return record.CommandResult{}, err
		}
		if !ok {
			return record.CommandResult{}, fmt.Errorf("node %s %w", u.NodeID, ErrNotFound)
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
		meta, err := encodeJSON(n.Metadata)
		if err != nil {
			return record.CommandResult{}, err
		}
		config, err := encodeJSON(n.Config)
		if err != nil {
			return record.CommandResult{}, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE nodes SET status = ?, metadata = ?, config = ?, updated_at = ?
			 WHERE workflow_id = ? AND node_id = ?`,
			string(n.Status), meta, config, encodeTime(n.UpdatedAt), workflowID, u.NodeID); err != nil {
			return record.CommandResult{}, fmt.Errorf("failed to update node %s: %w", u.NodeID, err)
		}
		return record.CommandResult{Type: cmd.Type, Node: &n}, nil

	case record.CmdDeleteNode:
		res, err := tx.ExecContext(ctx,
			`DELETE FROM nodes WHERE workflow_id = ? AND node_id = ?`, workflowID, cmd.DeleteNode.NodeID)
		if err != nil {
			return record.CommandResult{}, fmt.Errorf("failed to delete node %s: %w", cmd.DeleteNode.NodeID, err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 0 {
			return record.CommandResult{}, fmt.Errorf("node %s %w", cmd.DeleteNode.NodeID, ErrNotFound)
		}
		return record.CommandResult{Type: cmd.Type, DeletedNodeID: cmd.DeleteNode.NodeID}, nil

	case record.CmdUpdateWorkflow:
		u := cmd.UpdateWorkflow
		wf, err := sqlGetWorkflow(ctx, tx, workflowID)
		if err != nil {
			return record.CommandResult{}, err
		}
		if u.Status != nil {
			wf.Status = *u.Status
		}
		if u.Metadata != nil {
			wf.Metadata = record.MergeMetadata(wf.Metadata, u.Metadata)
		}
		wf.UpdatedAt = now
		meta, err := encodeJSON(wf.Metadata)
		if err != nil {
			return record.CommandResult{}, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflows SET status = ?, metadata = ?, updated_at = ? WHERE workflow_id = ?`,
			string(wf.Status), meta, encodeTime(wf.UpdatedAt), workflowID); err != nil {
			return record.CommandResult{}, fmt.Errorf("failed to update workflow: %w", err)
		}
		return record.CommandResult{Type: cmd.Type, Workflow: &wf}, nil

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
			Metadata:      c.Metadata,
			CreatedAt:     now,
		}
		if d.DataID == "" {
			d.DataID = uuid.NewString()
		}
		if d.ContentType == "" {
			d.ContentType = record.ContentTypeJSON
		}
		meta, err := encodeJSON(d.Metadata)
		if err != nil {
			return record.CommandResult{}, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO data (`+dataColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.DataID, d.WorkflowID, d.NodeID, string(d.Type), d.Discriminator, d.Key, d.Content,
			d.ContentType, meta, encodeTime(d.CreatedAt)); err != nil {
			return record.CommandResult{}, fmt.Errorf("failed to insert data row %s: %w", d.DataID, err)
		}
		return record.CommandResult{Type: cmd.Type, Data: &d}, nil

	case record.CmdApplyCommit:
		recorded, ok, err := sqlSelectCommit(ctx, tx, workflowID, cmd.ApplyCommit.OperationID)
		if err != nil {
			return record.CommandResult{}, err
		}
		if !ok {
			return record.CommandResult{}, fmt.Errorf("commit %s %w", cmd.ApplyCommit.OperationID, ErrNotFound)
		}
		return record.CommandResult{Type: cmd.Type, Applied: recorded}, nil

	default:
		return record.CommandResult{}, fmt.Errorf("unknown command type %q", cmd.Type)
	}
}
