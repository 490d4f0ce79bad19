// Package persistence is the durable task store: a single sqlite
// database holding tasks, approvals, the task event mirror, and the
// audit log. All state transitions are atomic and append an event row
// in the same transaction.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/basket/planrun/internal/bus"
	"github.com/basket/planrun/internal/shared"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "planrun-v1-2026-08-task-runtime"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Sentinel errors callers branch on.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Task states. Lowercase strings, stored verbatim.
const (
	StateQueued          = "queued"
	StateRunning         = "running"
	StateWaitingApproval = "waiting_approval"
	StateCompleted       = "completed"
	StateFailed          = "failed"
	StateCanceled        = "canceled"
)

var allowedTransitions = map[string]map[string]struct{}{
	StateQueued: {
		StateRunning:  {},
		StateCanceled: {},
	},
	StateRunning: {
		StateWaitingApproval: {},
		StateCompleted:       {},
		StateFailed:          {},
		StateCanceled:        {},
		StateQueued:          {}, // Lease reap requeue.
	},
	StateWaitingApproval: {
		StateRunning:  {},
		StateFailed:   {},
		StateCanceled: {},
	},
}

// Task is one row of the tasks table.
type Task struct {
	ID              string         `json:"id"`
	State           string         `json:"state"`
	PlanHash        string         `json:"plan_hash"`
	PlanPath        string         `json:"plan_path"`
	BundlePath      string         `json:"bundle_path"`
	CurrentStep     int            `json:"current_step"`
	CheckpointID    *string        `json:"checkpoint_id,omitempty"`
	NextCheckpoint  *string        `json:"next_checkpoint,omitempty"`
	LockedBy        string         `json:"locked_by,omitempty"`
	LockedAt        *time.Time     `json:"locked_at,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
	Error           string         `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Approval is one recorded approval. A nil CheckpointID approves the
// whole plan and matches only tasks waiting at a nil gate.
type Approval struct {
	ID           string    `json:"id"`
	PlanHash     string    `json:"plan_hash"`
	CheckpointID *string   `json:"checkpoint_id,omitempty"`
	ApprovedAt   time.Time `json:"approved_at"`
	ApprovedBy   string    `json:"approved_by"`
}

// TaskEvent is one row of the task_events mirror.
type TaskEvent struct {
	EventID   int64     `json:"event_id"`
	TaskID    string    `json:"task_id"`
	Event     string    `json:"event"`
	StateFrom string    `json:"state_from,omitempty"`
	StateTo   string    `json:"state_to"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

// NewTaskID returns a fresh task id.
func NewTaskID() string {
	return "tsk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewApprovalID returns a fresh approval id.
func NewApprovalID() string {
	return "apr_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL CHECK(state IN ('queued', 'running', 'waiting_approval', 'completed', 'failed', 'canceled')),
			plan_hash TEXT NOT NULL,
			plan_path TEXT NOT NULL,
			bundle_path TEXT NOT NULL,
			current_step INTEGER NOT NULL DEFAULT 0,
			checkpoint_id TEXT,
			next_checkpoint TEXT,
			locked_by TEXT,
			locked_at DATETIME,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			plan_hash TEXT NOT NULL,
			checkpoint_id TEXT,
			approved_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			approved_by TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			event TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			worker_id TEXT,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			policy_version TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_plan_hash ON tasks(plan_hash);`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_lookup ON approvals(plan_hash, checkpoint_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionV1, schemaChecksumV1); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func canTransition(from, to string) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, from, to, event, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	workerID := shared.WorkerID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event, state_from, state_to, worker_id, payload_json, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, CURRENT_TIMESTAMP);
	`, taskID, event, from, to, workerID, payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTx moves a task between states when its current state is in
// allowedFrom, recording the event row in the same transaction. Returns
// false without error when the task is missing or the CAS loses.
func (s *Store) transitionTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []string,
	to string,
	event string,
	payload string,
) (from string, ok bool, err error) {
	var current string
	if err := tx.QueryRowContext(ctx, `
		SELECT state FROM tasks WHERE id = ?;
	`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return current, false, nil
	}
	if !canTransition(current, to) {
		return current, false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET state = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?;
	`, to, taskID, current)
	if err != nil {
		return current, false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return current, false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return current, false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, current, to, event, payload); err != nil {
		return current, false, err
	}
	return current, true, nil
}

func (s *Store) publishStateChange(taskID, from, to string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		OldStatus: from,
		NewStatus: to,
	})
	switch to {
	case StateCompleted:
		s.bus.Publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{TaskID: taskID, OldStatus: from, NewStatus: to})
	case StateFailed:
		s.bus.Publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{TaskID: taskID, OldStatus: from, NewStatus: to})
	}
}

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var checkpointID, nextCheckpoint, lockedBy, errMsg sql.NullString
	var lockedAt sql.NullTime
	var cancelRequested int
	var metadataJSON string
	if err := scanFn(
		&task.ID,
		&task.State,
		&task.PlanHash,
		&task.PlanPath,
		&task.BundlePath,
		&task.CurrentStep,
		&checkpointID,
		&nextCheckpoint,
		&lockedBy,
		&lockedAt,
		&cancelRequested,
		&errMsg,
		&metadataJSON,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	if checkpointID.Valid {
		v := checkpointID.String
		task.CheckpointID = &v
	}
	if nextCheckpoint.Valid {
		v := nextCheckpoint.String
		task.NextCheckpoint = &v
	}
	task.LockedBy = lockedBy.String
	if lockedAt.Valid {
		t := lockedAt.Time
		task.LockedAt = &t
	}
	task.CancelRequested = cancelRequested != 0
	task.Error = errMsg.String
	task.Metadata = decodeMetadata(metadataJSON)
	return nil
}

const taskColumns = `id, state, plan_hash, plan_path, bundle_path, current_step,
	checkpoint_id, next_checkpoint, locked_by, locked_at, cancel_requested,
	error, metadata_json, created_at, updated_at`

// Backup writes a consistent copy of the database to destPath using
// VACUUM INTO, which does not block concurrent readers or writers.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}
