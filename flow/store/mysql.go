package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/beamflow/beamflow/flow/emit"
	_ "github.com/go-sql-driver/mysql"
)

// selectIdempotencyMySQL quotes the reserved column name.
const selectIdempotencyMySQL = "SELECT `key`, status, started_at, completed_at, result, error FROM idempotency"

// MySQLStore is a MySQL implementation of Store.
//
// It keeps the four tables in a MySQL/MariaDB database. Designed for:
//   - Production deployments with multiple engine processes
//   - High-availability setups with replicated databases
//   - Teams already operating MySQL infrastructure
//
// Requires MySQL 5.7+ or MariaDB 10.2+ (JSON column support).
//
// Timestamps are stored as RFC3339Nano strings in VARCHAR columns so
// behavior matches SQLiteStore without parseTime DSN configuration.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// MySQLConfig holds connection settings for MySQLStore.
type MySQLConfig struct {
	// DSN is the data source name, e.g.
	// "user:password@tcp(localhost:3306)/beamflow"
	DSN string

	// MaxOpenConns limits the connection pool size (default 25).
	MaxOpenConns int

	// MaxIdleConns limits idle connections (default 5).
	MaxIdleConns int

	// ConnMaxLifetime limits connection reuse (default 5m).
	ConnMaxLifetime time.Duration
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The store migrates the schema on open and verifies connectivity with
// a ping.
//
// Example:
//
//	st, err := store.NewMySQLStore(store.MySQLConfig{
//	    DSN: "beamflow:secret@tcp(db:3306)/beamflow",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewMySQLStore(cfg MySQLConfig) (*MySQLStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("mysql store: DSN is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
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

// createTables migrates the four-table schema.
func (s *MySQLStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id VARCHAR(255) PRIMARY KEY,
			definition_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			state JSON NOT NULL,
			original_params JSON,
			current_node_id VARCHAR(255) NOT NULL DEFAULT '',
			total_steps INT NOT NULL DEFAULT 0,
			started_at VARCHAR(64),
			completed_at VARCHAR(64),
			error TEXT,
			inserted_at VARCHAR(64) NOT NULL,
			updated_at VARCHAR(64) NOT NULL,
			INDEX idx_workflows_status (status),
			INDEX idx_workflows_definition (definition_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS events (
			id VARCHAR(255) PRIMARY KEY,
			workflow_id VARCHAR(255) NOT NULL,
			event_type VARCHAR(64) NOT NULL,
			node_id VARCHAR(255) NOT NULL DEFAULT '',
			data JSON,
			timestamp VARCHAR(64) NOT NULL,
			INDEX idx_events_workflow (workflow_id),
			INDEX idx_events_type (event_type)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		"CREATE TABLE IF NOT EXISTS idempotency (" +
			"`key` VARCHAR(512) PRIMARY KEY," +
			"status VARCHAR(32) NOT NULL," +
			"started_at VARCHAR(64) NOT NULL," +
			"completed_at VARCHAR(64)," +
			"result JSON," +
			"error TEXT," +
			"INDEX idx_idempotency_status (status)" +
			") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",

		`CREATE TABLE IF NOT EXISTS dead_letters (
			id VARCHAR(255) PRIMARY KEY,
			type VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			workflow_id VARCHAR(255) NOT NULL,
			workflow_module VARCHAR(255) NOT NULL DEFAULT '',
			failed_step VARCHAR(255) NOT NULL DEFAULT '',
			error TEXT,
			error_class VARCHAR(32) NOT NULL,
			context JSON,
			original_params JSON,
			metadata JSON,
			created_at VARCHAR(64) NOT NULL,
			updated_at VARCHAR(64) NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			next_retry_at VARCHAR(64),
			resolution TEXT,
			INDEX idx_dlq_status (status),
			INDEX idx_dlq_type (type),
			INDEX idx_dlq_class (error_class),
			INDEX idx_dlq_workflow (workflow_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}

// Begin opens a write transaction.
func (s *MySQLStore) Begin(ctx context.Context) (Tx, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqlTx{ctx: ctx, tx: tx, dialect: "mysql"}, nil
}

// GetWorkflow retrieves a workflow row by primary key.
func (s *MySQLStore) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	return scanWorkflowRow(s.db.QueryRowContext(ctx, selectWorkflow+` WHERE id = ?`, id))
}

// WorkflowsByStatus scans the status index.
func (s *MySQLStore) WorkflowsByStatus(ctx context.Context, status WorkflowStatus) ([]Workflow, error) {
	return queryWorkflows(ctx, s.db, selectWorkflow+` WHERE status = ? ORDER BY id`, string(status))
}

// WorkflowsByDefinition scans the definition index.
func (s *MySQLStore) WorkflowsByDefinition(ctx context.Context, definitionID string) ([]Workflow, error) {
	return queryWorkflows(ctx, s.db, selectWorkflow+` WHERE definition_id = ? ORDER BY id`, definitionID)
}

// EventsByWorkflow returns a workflow's events in append order.
func (s *MySQLStore) EventsByWorkflow(ctx context.Context, workflowID string) ([]emit.Event, error) {
	return queryEvents(ctx, s.db, selectEvent+` WHERE workflow_id = ? ORDER BY timestamp, id`, workflowID)
}

// EventsByType scans the event type index.
func (s *MySQLStore) EventsByType(ctx context.Context, eventType emit.EventType) ([]emit.Event, error) {
	return queryEvents(ctx, s.db, selectEvent+` WHERE event_type = ? ORDER BY timestamp, id`, string(eventType))
}

// CountEvents returns the number of events recorded for a workflow.
func (s *MySQLStore) CountEvents(ctx context.Context, workflowID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE workflow_id = ?`, workflowID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// GetIdempotency retrieves a ledger entry by key.
func (s *MySQLStore) GetIdempotency(ctx context.Context, key string) (Idempotency, error) {
	return scanIdempotencyRow(s.db.QueryRowContext(ctx, selectIdempotencyMySQL+" WHERE `key` = ?", key))
}

// GetDeadLetter retrieves a DLQ entry by primary key.
func (s *MySQLStore) GetDeadLetter(ctx context.Context, id string) (DeadLetter, error) {
	return scanDeadLetterRow(s.db.QueryRowContext(ctx, selectDeadLetter+` WHERE id = ?`, id))
}

// DeadLettersByStatus scans the DLQ status index.
func (s *MySQLStore) DeadLettersByStatus(ctx context.Context, status DeadLetterStatus) ([]DeadLetter, error) {
	return queryDeadLetters(ctx, s.db, selectDeadLetter+` WHERE status = ? ORDER BY created_at`, string(status))
}

// DeadLettersByClass scans the DLQ error-class index.
func (s *MySQLStore) DeadLettersByClass(ctx context.Context, errorClass string) ([]DeadLetter, error) {
	return queryDeadLetters(ctx, s.db, selectDeadLetter+` WHERE error_class = ? ORDER BY created_at`, errorClass)
}

// DeadLettersByWorkflow scans the DLQ workflow index.
func (s *MySQLStore) DeadLettersByWorkflow(ctx context.Context, workflowID string) ([]DeadLetter, error) {
	return queryDeadLetters(ctx, s.db, selectDeadLetter+` WHERE workflow_id = ? ORDER BY created_at`, workflowID)
}

// DueDeadLetters returns pending entries due for retry at or before now.
func (s *MySQLStore) DueDeadLetters(ctx context.Context, now time.Time) ([]DeadLetter, error) {
	return queryDeadLetters(ctx, s.db,
		selectDeadLetter+` WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ? ORDER BY next_retry_at`,
		string(DLQPending), encodeTime(now))
}

// CountDeadLetters counts DLQ entries with the given status.
func (s *MySQLStore) CountDeadLetters(ctx context.Context, status DeadLetterStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE status = ?`, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return count, nil
}

// Close closes the database connection. Double-close is a no-op.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *MySQLStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()
	return s.db.PingContext(ctx)
}
