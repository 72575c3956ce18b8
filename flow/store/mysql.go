package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dshills/flowgraph-go/flow/record"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Production workflows requiring persistence
//   - Long-running workflows that survive orchestrator restarts
//   - Audit trails over the commit journal
//
// MySQLStore uses connection pooling and wraps every Commit in a transaction.
//
// Security note: never hardcode credentials. Read the DSN from the
// environment:
//
//	dsn := os.Getenv("MYSQL_DSN")
//	st, err := store.NewMySQLStore(dsn)
type MySQLStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN format is the go-sql-driver format:
//
//	user:password@tcp(localhost:3306)/workflows
//
// The store verifies the connection, configures pooling, and creates the
// schema if it does not exist.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			workflow_id VARCHAR(191) PRIMARY KEY,
			actor_id    VARCHAR(191) NOT NULL DEFAULT '',
			type        VARCHAR(191) NOT NULL DEFAULT '',
			status      VARCHAR(32) NOT NULL,
			metadata    MEDIUMTEXT,
			created_at  VARCHAR(64) NOT NULL,
			updated_at  VARCHAR(64) NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS nodes (
			node_id        VARCHAR(191) NOT NULL,
			workflow_id    VARCHAR(191) NOT NULL,
			parent_node_id VARCHAR(191) NOT NULL DEFAULT '',
			type           VARCHAR(191) NOT NULL DEFAULT '',
			status         VARCHAR(32) NOT NULL,
			metadata       MEDIUMTEXT,
			config         MEDIUMTEXT,
			created_at     VARCHAR(64) NOT NULL,
			updated_at     VARCHAR(64) NOT NULL,
			PRIMARY KEY (workflow_id, node_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS data (
			seq           BIGINT AUTO_INCREMENT PRIMARY KEY,
			data_id       VARCHAR(191) NOT NULL,
			workflow_id   VARCHAR(191) NOT NULL,
			node_id       VARCHAR(191) NOT NULL DEFAULT '',
			type          VARCHAR(64) NOT NULL,
			discriminator VARCHAR(64) NOT NULL DEFAULT '',
			data_key      VARCHAR(191) NOT NULL DEFAULT '',
			content       MEDIUMBLOB,
			content_type  VARCHAR(191) NOT NULL DEFAULT '',
			metadata      MEDIUMTEXT,
			created_at    VARCHAR(64) NOT NULL,
			UNIQUE KEY uniq_workflow_data (workflow_id, data_id),
			KEY idx_data_workflow_type (workflow_id, type)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS operations (
			workflow_id  VARCHAR(191) NOT NULL,
			operation_id VARCHAR(191) NOT NULL,
			results      MEDIUMTEXT NOT NULL,
			created_at   VARCHAR(64) NOT NULL,
			PRIMARY KEY (workflow_id, operation_id)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// CreateWorkflow inserts a workflow row.
func (s *MySQLStore) CreateWorkflow(ctx context.Context, wf record.Workflow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return sqlCreateWorkflow(ctx, s.db, wf)
}

// GetWorkflow retrieves a workflow row.
func (s *MySQLStore) GetWorkflow(ctx context.Context, workflowID string) (record.Workflow, error) {
	if err := s.checkOpen(); err != nil {
		return record.Workflow{}, err
	}
	return sqlGetWorkflow(ctx, s.db, workflowID)
}

// ListNodes returns all node rows of a workflow.
func (s *MySQLStore) ListNodes(ctx context.Context, workflowID string) ([]record.Node, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return sqlListNodes(ctx, s.db, workflowID)
}

// ListData returns the workflow's data rows passing the filter.
func (s *MySQLStore) ListData(ctx context.Context, workflowID string, filter DataFilter) ([]record.Data, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return sqlListData(ctx, s.db, workflowID, filter)
}

// GetData retrieves one data row by id.
func (s *MySQLStore) GetData(ctx context.Context, workflowID, dataID string) (record.Data, error) {
	if err := s.checkOpen(); err != nil {
		return record.Data{}, err
	}
	return sqlGetData(ctx, s.db, workflowID, dataID)
}

// Commit atomically applies the command list under the operation id.
func (s *MySQLStore) Commit(ctx context.Context, workflowID, operationID string, cmds []record.Command) ([]record.CommandResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return sqlCommit(ctx, s.db, workflowID, operationID, cmds)
}

// GetCommit returns the recorded results of a committed operation.
func (s *MySQLStore) GetCommit(ctx context.Context, workflowID, operationID string) ([]record.CommandResult, error) {
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

// Close closes the underlying connection pool.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
