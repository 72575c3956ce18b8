package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/dshills/flowgraph-go/flow/record"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps all three logical tables plus the operation journal in a
// single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process orchestrators
//   - Local workflows requiring crash recovery
//
// SQLiteStore uses WAL mode for concurrent reads and wraps every Commit in a
// transaction, so an orchestrator killed mid-commit leaves either all of the
// commit's rows or none of them.
//
// Schema:
//   - workflows: one row per workflow
//   - nodes: graph vertices, keyed (workflow_id, node_id)
//   - data: append-only typed blobs
//   - operations: commit journal keyed by operation id (idempotent replay)
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./dev.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically creates the schema, enables WAL mode, and sets a
// busy timeout so concurrent orchestrators on the same file do not fail fast
// on lock contention.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			workflow_id TEXT PRIMARY KEY,
			actor_id    TEXT NOT NULL DEFAULT '',
			type        TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			metadata    TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS nodes (
			node_id        TEXT NOT NULL,
			workflow_id    TEXT NOT NULL,
			parent_node_id TEXT NOT NULL DEFAULT '',
			type           TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			metadata       TEXT NOT NULL DEFAULT '',
			config         TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			PRIMARY KEY (workflow_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS data (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			data_id       TEXT NOT NULL,
			workflow_id   TEXT NOT NULL,
			node_id       TEXT NOT NULL DEFAULT '',
			type          TEXT NOT NULL,
			discriminator TEXT NOT NULL DEFAULT '',
			data_key      TEXT NOT NULL DEFAULT '',
			content       BLOB,
			content_type  TEXT NOT NULL DEFAULT '',
			metadata      TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,
			UNIQUE (workflow_id, data_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_data_workflow_type ON data (workflow_id, type)`,
		`CREATE TABLE IF NOT EXISTS operations (
			workflow_id  TEXT NOT NULL,
			operation_id TEXT NOT NULL,
			results      TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			PRIMARY KEY (workflow_id, operation_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// CreateWorkflow inserts a workflow row.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf record.Workflow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return sqlCreateWorkflow(ctx, s.db, wf)
}

// GetWorkflow retrieves a workflow row.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, workflowID string) (record.Workflow, error) {
	if err := s.checkOpen(); err != nil {
		return record.Workflow{}, err
	}
	return sqlGetWorkflow(ctx, s.db, workflowID)
}

// ListNodes returns all node rows of a workflow.
func (s *SQLiteStore) ListNodes(ctx context.Context, workflowID string) ([]record.Node, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return sqlListNodes(ctx, s.db, workflowID)
}

// ListData returns the workflow's data rows passing the filter.
func (s *SQLiteStore) ListData(ctx context.Context, workflowID string, filter DataFilter) ([]record.Data, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return sqlListData(ctx, s.db, workflowID, filter)
}

// GetData retrieves one data row by id.
func (s *SQLiteStore) GetData(ctx context.Context, workflowID, dataID string) (record.Data, error) {
	if err := s.checkOpen(); err != nil {
		return record.Data{}, err
	}
	return sqlGetData(ctx, s.db, workflowID, dataID)
}

// Commit atomically applies the command list under the operation id.
func (s *SQLiteStore) Commit(ctx context.Context, workflowID, operationID string, cmds []record.Command) ([]record.CommandResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return sqlCommit(ctx, s.db, workflowID, operationID, cmds)
}

// GetCommit returns the recorded results of a committed operation.
func (s *SQLiteStore) GetCommit(ctx context.Context, workflowID, operationID string) ([]record.CommandResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	results, ok, err := sqlSelectCommit(ctx, s.db, workflowID, operationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return results, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
