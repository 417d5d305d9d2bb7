package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/beamflow/beamflow/flow/emit"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps the four tables in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments needing durability
//   - Prototyping before migrating to MySQL
//
// The store uses WAL mode for concurrent reads and real transactions
// for the engine's atomic row/event/ledger writes.
//
// Schema (auto-migrated on open):
//   - workflows: workflow rows, indexed by status and definition_id
//   - events: append-only audit log, indexed by workflow_id and event_type
//   - idempotency: step execution ledger keyed "wfid:step:attempt"
//   - dead_letters: DLQ entries, indexed by status, error_class, workflow_id
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./beamflow.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically creates the database file, migrates the
// schema, enables WAL mode and sets a 5s busy timeout.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./beamflow.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
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

// createTables migrates the four-table schema.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			status TEXT NOT NULL,
			state TEXT NOT NULL,
			original_params TEXT NOT NULL DEFAULT '{}',
			current_node_id TEXT NOT NULL DEFAULT '',
			total_steps INTEGER NOT NULL DEFAULT 0,
			started_at TEXT,
			completed_at TEXT,
			error TEXT NOT NULL DEFAULT '',
			inserted_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_definition ON workflows(definition_id)`,

		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			node_id TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL DEFAULT '{}',
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_workflow ON events(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type)`,

		`CREATE TABLE IF NOT EXISTS idempotency (
			key TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			result TEXT,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_status ON idempotency(status)`,

		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			workflow_module TEXT NOT NULL DEFAULT '',
			failed_step TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			error_class TEXT NOT NULL,
			context TEXT,
			original_params TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_retry_at TEXT,
			resolution TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_status ON dead_letters(status)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_type ON dead_letters(type)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_class ON dead_letters(error_class)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_workflow ON dead_letters(workflow_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}

// sqlTx wraps a database transaction and enforces the storage
// invariants via pre-reads inside the same transaction.
type sqlTx struct {
	ctx     context.Context
	tx      *sql.Tx
	dialect string // "sqlite" or "mysql"
	done    bool
}

// Begin opens a write transaction.
func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
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
	return &sqlTx{ctx: ctx, tx: tx, dialect: "sqlite"}, nil
}

// PutWorkflow inserts or updates a workflow row, rejecting status
// changes on terminal rows.
func (t *sqlTx) PutWorkflow(wf Workflow) error {
	var prevStatus string
	err := t.tx.QueryRowContext(t.ctx, `SELECT status FROM workflows WHERE id = ?`, wf.ID).Scan(&prevStatus)
	switch {
	case err == sql.ErrNoRows:
		// insert
	case err != nil:
		return fmt.Errorf("failed to read workflow status: %w", err)
	default:
		prev := WorkflowStatus(prevStatus)
		if prev.Terminal() && prev != wf.Status {
			return ErrTerminalStatus
		}
	}

	stateJSON, err := marshalMap(wf.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	paramsJSON, err := marshalMap(wf.OriginalParams)
	if err != nil {
		return fmt.Errorf("failed to marshal original params: %w", err)
	}

	query := `
		INSERT INTO workflows
		(id, definition_id, status, state, original_params, current_node_id, total_steps,
		 started_at, completed_at, error, inserted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			definition_id = excluded.definition_id,
			status = excluded.status,
			state = excluded.state,
			original_params = excluded.original_params,
			current_node_id = excluded.current_node_id,
			total_steps = excluded.total_steps,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error = excluded.error,
			updated_at = excluded.updated_at
	`
	if t.dialect == "mysql" {
		query = `
			INSERT INTO workflows
			(id, definition_id, status, state, original_params, current_node_id, total_steps,
			 started_at, completed_at, error, inserted_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				definition_id = VALUES(definition_id),
				status = VALUES(status),
				state = VALUES(state),
				original_params = VALUES(original_params),
				current_node_id = VALUES(current_node_id),
				total_steps = VALUES(total_steps),
				started_at = VALUES(started_at),
				completed_at = VALUES(completed_at),
				error = VALUES(error),
				updated_at = VALUES(updated_at)
		`
	}

	_, err = t.tx.ExecContext(t.ctx, query,
		wf.ID, wf.DefinitionID, string(wf.Status), stateJSON, paramsJSON, wf.CurrentNodeID, wf.TotalSteps,
		encodeNullTime(wf.StartedAt), encodeNullTime(wf.CompletedAt), wf.Error,
		encodeTime(wf.InsertedAt), encodeTime(wf.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to put workflow: %w", err)
	}
	return nil
}

// AppendEvent appends an immutable event row. Duplicate IDs fail on the
// primary key constraint.
func (t *sqlTx) AppendEvent(ev emit.Event) error {
	dataJSON, err := marshalMap(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO events (id, workflow_id, event_type, node_id, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.WorkflowID, string(ev.Type), ev.NodeID, dataJSON, encodeTime(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDuplicateEvent, err)
	}
	return nil
}

// PutIdempotency inserts or updates a ledger entry, rejecting a
// regression to pending.
func (t *sqlTx) PutIdempotency(entry Idempotency) error {
	readQuery := `SELECT status FROM idempotency WHERE key = ?`
	if t.dialect == "mysql" {
		readQuery = "SELECT status FROM idempotency WHERE `key` = ?"
	}
	var prevStatus string
	err := t.tx.QueryRowContext(t.ctx, readQuery, entry.Key).Scan(&prevStatus)
	switch {
	case err == sql.ErrNoRows:
		// insert
	case err != nil:
		return fmt.Errorf("failed to read ledger status: %w", err)
	default:
		if LedgerStatus(prevStatus) != LedgerPending && entry.Status == LedgerPending {
			return ErrLedgerRegression
		}
	}

	resultJSON, err := marshalMap(entry.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger result: %w", err)
	}

	query := `
		INSERT INTO idempotency (key, status, started_at, completed_at, result, error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			result = excluded.result,
			error = excluded.error
	`
	if t.dialect == "mysql" {
		query = `
			INSERT INTO idempotency (` + "`key`" + `, status, started_at, completed_at, result, error)
			VALUES (?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				status = VALUES(status),
				completed_at = VALUES(completed_at),
				result = VALUES(result),
				error = VALUES(error)
		`
	}

	_, err = t.tx.ExecContext(t.ctx, query,
		entry.Key, string(entry.Status), encodeTime(entry.StartedAt),
		encodeNullTime(entry.CompletedAt), resultJSON, entry.Error)
	if err != nil {
		return fmt.Errorf("failed to put ledger entry: %w", err)
	}
	return nil
}

// PutDeadLetter inserts or updates a DLQ entry.
func (t *sqlTx) PutDeadLetter(entry DeadLetter) error {
	contextJSON, err := marshalMap(entry.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}
	paramsJSON, err := marshalMap(entry.OriginalParams)
	if err != nil {
		return fmt.Errorf("failed to marshal original params: %w", err)
	}
	metaJSON, err := marshalMap(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO dead_letters
		(id, type, status, workflow_id, workflow_module, failed_step, error, error_class,
		 context, original_params, metadata, created_at, updated_at, retry_count, next_retry_at, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			error_class = excluded.error_class,
			context = excluded.context,
			updated_at = excluded.updated_at,
			retry_count = excluded.retry_count,
			next_retry_at = excluded.next_retry_at,
			resolution = excluded.resolution
	`
	if t.dialect == "mysql" {
		query = `
			INSERT INTO dead_letters
			(id, type, status, workflow_id, workflow_module, failed_step, error, error_class,
			 context, original_params, metadata, created_at, updated_at, retry_count, next_retry_at, resolution)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				status = VALUES(status),
				error = VALUES(error),
				error_class = VALUES(error_class),
				context = VALUES(context),
				updated_at = VALUES(updated_at),
				retry_count = VALUES(retry_count),
				next_retry_at = VALUES(next_retry_at),
				resolution = VALUES(resolution)
		`
	}

	_, err = t.tx.ExecContext(t.ctx, query,
		entry.ID, string(entry.Type), string(entry.Status), entry.WorkflowID,
		entry.WorkflowModule, entry.FailedStep, entry.Error, entry.ErrorClass,
		contextJSON, paramsJSON, metaJSON,
		encodeTime(entry.CreatedAt), encodeTime(entry.UpdatedAt),
		entry.RetryCount, encodeNullTime(entry.NextRetryAt), entry.Resolution)
	if err != nil {
		return fmt.Errorf("failed to put dead letter: %w", err)
	}
	return nil
}

// Commit applies the transaction.
func (t *sqlTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback discards the transaction. Safe after Commit.
func (t *sqlTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

// GetWorkflow retrieves a workflow row by primary key.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	return scanWorkflowRow(s.db.QueryRowContext(ctx, selectWorkflow+` WHERE id = ?`, id))
}

// WorkflowsByStatus scans the status index.
func (s *SQLiteStore) WorkflowsByStatus(ctx context.Context, status WorkflowStatus) ([]Workflow, error) {
	return queryWorkflows(ctx, s.db, selectWorkflow+` WHERE status = ? ORDER BY id`, string(status))
}

// WorkflowsByDefinition scans the definition index.
func (s *SQLiteStore) WorkflowsByDefinition(ctx context.Context, definitionID string) ([]Workflow, error) {
	return queryWorkflows(ctx, s.db, selectWorkflow+` WHERE definition_id = ? ORDER BY id`, definitionID)
}

// EventsByWorkflow returns a workflow's events in append order.
func (s *SQLiteStore) EventsByWorkflow(ctx context.Context, workflowID string) ([]emit.Event, error) {
	return queryEvents(ctx, s.db, selectEvent+` WHERE workflow_id = ? ORDER BY timestamp, id`, workflowID)
}

// EventsByType scans the event type index.
func (s *SQLiteStore) EventsByType(ctx context.Context, eventType emit.EventType) ([]emit.Event, error) {
	return queryEvents(ctx, s.db, selectEvent+` WHERE event_type = ? ORDER BY timestamp, id`, string(eventType))
}

// CountEvents returns the number of events recorded for a workflow.
func (s *SQLiteStore) CountEvents(ctx context.Context, workflowID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE workflow_id = ?`, workflowID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// GetIdempotency retrieves a ledger entry by key.
func (s *SQLiteStore) GetIdempotency(ctx context.Context, key string) (Idempotency, error) {
	return scanIdempotencyRow(s.db.QueryRowContext(ctx, selectIdempotency+` WHERE key = ?`, key))
}

// GetDeadLetter retrieves a DLQ entry by primary key.
func (s *SQLiteStore) GetDeadLetter(ctx context.Context, id string) (DeadLetter, error) {
	return scanDeadLetterRow(s.db.QueryRowContext(ctx, selectDeadLetter+` WHERE id = ?`, id))
}

// DeadLettersByStatus scans the DLQ status index.
func (s *SQLiteStore) DeadLettersByStatus(ctx context.Context, status DeadLetterStatus) ([]DeadLetter, error) {
	return queryDeadLetters(ctx, s.db, selectDeadLetter+` WHERE status = ? ORDER BY created_at`, string(status))
}

// DeadLettersByClass scans the DLQ error-class index.
func (s *SQLiteStore) DeadLettersByClass(ctx context.Context, errorClass string) ([]DeadLetter, error) {
	return queryDeadLetters(ctx, s.db, selectDeadLetter+` WHERE error_class = ? ORDER BY created_at`, errorClass)
}

// DeadLettersByWorkflow scans the DLQ workflow index.
func (s *SQLiteStore) DeadLettersByWorkflow(ctx context.Context, workflowID string) ([]DeadLetter, error) {
	return queryDeadLetters(ctx, s.db, selectDeadLetter+` WHERE workflow_id = ? ORDER BY created_at`, workflowID)
}

// DueDeadLetters returns pending entries due for retry at or before now.
func (s *SQLiteStore) DueDeadLetters(ctx context.Context, now time.Time) ([]DeadLetter, error) {
	return queryDeadLetters(ctx, s.db,
		selectDeadLetter+` WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ? ORDER BY next_retry_at`,
		string(DLQPending), encodeTime(now))
}

// CountDeadLetters counts DLQ entries with the given status.
func (s *SQLiteStore) CountDeadLetters(ctx context.Context, status DeadLetterStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE status = ?`, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return count, nil
}

// Close closes the database connection. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Shared row scanning between the SQL backends.

const selectWorkflow = `
	SELECT id, definition_id, status, state, original_params, current_node_id, total_steps,
	       started_at, completed_at, error, inserted_at, updated_at
	FROM workflows`

const selectEvent = `
	SELECT id, workflow_id, event_type, node_id, data, timestamp
	FROM events`

const selectIdempotency = `
	SELECT key, status, started_at, completed_at, result, error
	FROM idempotency`

const selectDeadLetter = `
	SELECT id, type, status, workflow_id, workflow_module, failed_step, error, error_class,
	       context, original_params, metadata, created_at, updated_at, retry_count, next_retry_at, resolution
	FROM dead_letters`

type rowScanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanWorkflowRow(row rowScanner) (Workflow, error) {
	var (
		wf                     Workflow
		status                 string
		stateJSON              string
		paramsJSON             sql.NullString
		startedAt, completedAt sql.NullString
		insertedAt, updatedAt  string
	)
	err := row.Scan(&wf.ID, &wf.DefinitionID, &status, &stateJSON, &paramsJSON, &wf.CurrentNodeID,
		&wf.TotalSteps, &startedAt, &completedAt, &wf.Error, &insertedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Workflow{}, ErrNotFound
	}
	if err != nil {
		return Workflow{}, fmt.Errorf("failed to scan workflow: %w", err)
	}

	wf.Status = WorkflowStatus(status)
	if wf.State, err = unmarshalMap(stateJSON); err != nil {
		return Workflow{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if paramsJSON.Valid && paramsJSON.String != "" && paramsJSON.String != "{}" {
		if wf.OriginalParams, err = unmarshalMap(paramsJSON.String); err != nil {
			return Workflow{}, fmt.Errorf("failed to unmarshal original params: %w", err)
		}
	}
	if wf.StartedAt, err = decodeNullTime(startedAt); err != nil {
		return Workflow{}, err
	}
	if wf.CompletedAt, err = decodeNullTime(completedAt); err != nil {
		return Workflow{}, err
	}
	if wf.InsertedAt, err = decodeTime(insertedAt); err != nil {
		return Workflow{}, err
	}
	if wf.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

func queryWorkflows(ctx context.Context, db querier, query string, args ...any) ([]Workflow, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []Workflow
	for rows.Next() {
		wf, err := scanWorkflowRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, wf)
	}
	return result, rows.Err()
}

func queryEvents(ctx context.Context, db querier, query string, args ...any) ([]emit.Event, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []emit.Event
	for rows.Next() {
		var (
			ev        emit.Event
			eventType string
			dataJSON  string
			timestamp string
		)
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &eventType, &ev.NodeID, &dataJSON, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = emit.EventType(eventType)
		if ev.Data, err = unmarshalMap(dataJSON); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
		if ev.Timestamp, err = decodeTime(timestamp); err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func scanIdempotencyRow(row rowScanner) (Idempotency, error) {
	var (
		entry       Idempotency
		status      string
		startedAt   string
		completedAt sql.NullString
		resultJSON  sql.NullString
	)
	err := row.Scan(&entry.Key, &status, &startedAt, &completedAt, &resultJSON, &entry.Error)
	if err == sql.ErrNoRows {
		return Idempotency{}, ErrNotFound
	}
	if err != nil {
		return Idempotency{}, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	entry.Status = LedgerStatus(status)
	if entry.StartedAt, err = decodeTime(startedAt); err != nil {
		return Idempotency{}, err
	}
	if entry.CompletedAt, err = decodeNullTime(completedAt); err != nil {
		return Idempotency{}, err
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if entry.Result, err = unmarshalMap(resultJSON.String); err != nil {
			return Idempotency{}, fmt.Errorf("failed to unmarshal ledger result: %w", err)
		}
	}
	return entry, nil
}

func scanDeadLetterRow(row rowScanner) (DeadLetter, error) {
	var (
		entry                   DeadLetter
		typ, status             string
		contextJSON, paramsJSON sql.NullString
		metaJSON                sql.NullString
		createdAt, updatedAt    string
		nextRetryAt             sql.NullString
	)
	err := row.Scan(&entry.ID, &typ, &status, &entry.WorkflowID, &entry.WorkflowModule,
		&entry.FailedStep, &entry.Error, &entry.ErrorClass,
		&contextJSON, &paramsJSON, &metaJSON,
		&createdAt, &updatedAt, &entry.RetryCount, &nextRetryAt, &entry.Resolution)
	if err == sql.ErrNoRows {
		return DeadLetter{}, ErrNotFound
	}
	if err != nil {
		return DeadLetter{}, fmt.Errorf("failed to scan dead letter: %w", err)
	}

	entry.Type = DeadLetterType(typ)
	entry.Status = DeadLetterStatus(status)
	if contextJSON.Valid && contextJSON.String != "" {
		if entry.Context, err = unmarshalMap(contextJSON.String); err != nil {
			return DeadLetter{}, fmt.Errorf("failed to unmarshal context: %w", err)
		}
	}
	if paramsJSON.Valid && paramsJSON.String != "" {
		if entry.OriginalParams, err = unmarshalMap(paramsJSON.String); err != nil {
			return DeadLetter{}, fmt.Errorf("failed to unmarshal original params: %w", err)
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if entry.Metadata, err = unmarshalMap(metaJSON.String); err != nil {
			return DeadLetter{}, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if entry.CreatedAt, err = decodeTime(createdAt); err != nil {
		return DeadLetter{}, err
	}
	if entry.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return DeadLetter{}, err
	}
	if entry.NextRetryAt, err = decodeNullTime(nextRetryAt); err != nil {
		return DeadLetter{}, err
	}
	return entry, nil
}

func queryDeadLetters(ctx context.Context, db querier, query string, args ...any) ([]DeadLetter, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []DeadLetter
	for rows.Next() {
		entry, err := scanDeadLetterRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// Time and map encoding shared between the SQL backends. Times are
// stored as RFC3339Nano strings so both drivers behave identically
// without parseTime configuration.

// timeLayout is RFC3339 with fixed-width nanoseconds. Due-entry scans
// compare next_retry_at strings lexicographically, which is only
// correct when every timestamp has the same width.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encodeNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func decodeNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := decodeTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
