package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/planrun/internal/shared"
)

func encodeMetadata(metadata map[string]any) string {
	if len(metadata) == 0 {
		return "{}"
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMetadata(raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

// CreateTask inserts a queued task and records the task_created and
// task_queued events in the same transaction. The task's ID is filled
// in when empty.
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = NewTaskID()
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, state, plan_hash, plan_path, bundle_path, metadata_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, task.ID, StateQueued, task.PlanHash, task.PlanPath, task.BundlePath, encodeMetadata(task.Metadata)); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, task.ID, "", StateQueued, "task_created", ""); err != nil {
			return err
		}
		if err := s.appendTaskEventTx(ctx, tx, task.ID, "", StateQueued, "task_queued", ""); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create tx: %w", err)
		}
		task.State = StateQueued
		return nil
	})
}

// GetTask returns a task by id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &task, nil
}

// ListTasks returns tasks ordered oldest first, optionally filtered by
// state.
func (s *Store) ListTasks(ctx context.Context, state string, limit, offset int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if state == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			ORDER BY created_at ASC, rowid ASC LIMIT ? OFFSET ?;
		`, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE state = ?
			ORDER BY created_at ASC, rowid ASC LIMIT ? OFFSET ?;
		`, state, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CountTasksByState returns task counts keyed by state.
func (s *Store) CountTasksByState(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// ClaimNextQueued atomically claims the oldest queued task for workerID,
// moving it to running and taking the lease. Returns nil when the queue
// is empty.
func (s *Store) ClaimNextQueued(ctx context.Context, workerID string) (*Task, error) {
	ctx = shared.WithWorkerID(ctx, workerID)
	var result *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var task Task
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE state = ?
			ORDER BY created_at ASC, rowid ASC
			LIMIT 1;
		`, StateQueued)
		if scanErr := scanTask(row.Scan, &task); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				_ = tx.Rollback()
				result = nil
				return nil
			}
			return fmt.Errorf("select queued task: %w", scanErr)
		}

		from, ok, err := s.transitionTx(ctx, tx, task.ID,
			[]string{StateQueued}, StateRunning, "task_claimed", "")
		if err != nil {
			return fmt.Errorf("claim transition: %w", err)
		}
		if !ok {
			_ = tx.Rollback()
			result = nil
			return nil
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET locked_by = ?, locked_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND state = ?;
		`, workerID, now, task.ID, StateRunning); err != nil {
			return fmt.Errorf("set claim lease: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		task.State = StateRunning
		task.LockedBy = workerID
		task.LockedAt = &now
		result = &task
		s.publishStateChange(task.ID, from, StateRunning)
		return nil
	})
	return result, err
}

// ClaimWaiting resumes a waiting_approval task for workerID via CAS.
// Returns false when another worker won the race or the task moved on.
func (s *Store) ClaimWaiting(ctx context.Context, taskID, workerID string) (bool, error) {
	ctx = shared.WithWorkerID(ctx, workerID)
	claimed := false
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin resume tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		from, ok, err := s.transitionTx(ctx, tx, taskID,
			[]string{StateWaitingApproval}, StateRunning, "task_resumed", "")
		if err != nil {
			return fmt.Errorf("resume transition: %w", err)
		}
		if !ok {
			_ = tx.Rollback()
			claimed = false
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET locked_by = ?, locked_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND state = ?;
		`, workerID, time.Now().UTC(), taskID, StateRunning); err != nil {
			return fmt.Errorf("set resume lease: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit resume tx: %w", err)
		}
		claimed = true
		s.publishStateChange(taskID, from, StateRunning)
		return nil
	})
	return claimed, err
}

// AdvanceStep records that the worker holding the lease finished step-1
// and is moving to step. Returns ErrConflict when the task is no longer
// running under this worker at the expected step.
func (s *Store) AdvanceStep(ctx context.Context, taskID, workerID string, step int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET current_step = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ? AND locked_by = ? AND current_step = ?;
	`, step, taskID, StateRunning, workerID, step-1)
	if err != nil {
		return fmt.Errorf("advance step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance step rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("advance task %s to step %d: %w", taskID, step, ErrConflict)
	}
	return nil
}

// SetWaitingApproval pauses a running task at an approval gate. The
// checkpoint is nil for whole-plan gates. The lease is released so any
// worker may resume the task once an approval lands.
func (s *Store) SetWaitingApproval(ctx context.Context, taskID string, checkpoint *string, step int) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin pause tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		payload := "{}"
		if checkpoint != nil {
			b, _ := json.Marshal(map[string]string{"checkpoint_id": *checkpoint})
			payload = string(b)
		}
		from, ok, err := s.transitionTx(ctx, tx, taskID,
			[]string{StateRunning}, StateWaitingApproval, "task_waiting_approval", payload)
		if err != nil {
			return fmt.Errorf("pause transition: %w", err)
		}
		if !ok {
			return fmt.Errorf("pause task %s: %w", taskID, ErrConflict)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET checkpoint_id = ?, next_checkpoint = ?, current_step = ?,
				locked_by = NULL, locked_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND state = ?;
		`, checkpoint, checkpoint, step, taskID, StateWaitingApproval); err != nil {
			return fmt.Errorf("set pause gate: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit pause tx: %w", err)
		}
		s.publishStateChange(taskID, from, StateWaitingApproval)
		return nil
	})
}

// ClearGate clears the pending gate after a task resumes. A running
// task is not paused at any checkpoint, so checkpoint_id goes too.
func (s *Store) ClearGate(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET next_checkpoint = NULL, checkpoint_id = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, taskID); err != nil {
		return fmt.Errorf("clear gate: %w", err)
	}
	return nil
}

// CompleteTask moves a running task to completed and releases the lease.
func (s *Store) CompleteTask(ctx context.Context, taskID string, step int) error {
	return s.finishTask(ctx, taskID, StateCompleted, "task_completed", "", step)
}

// FailTask moves a running or waiting task to failed with a redacted
// error message and releases the lease.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg string) error {
	return s.finishTask(ctx, taskID, StateFailed, "task_failed", shared.Redact(errMsg), -1)
}

// CancelTask moves a queued, waiting, or running task to canceled.
func (s *Store) CancelTask(ctx context.Context, taskID string) error {
	return s.finishTask(ctx, taskID, StateCanceled, "task_canceled", "", -1)
}

func (s *Store) finishTask(ctx context.Context, taskID, to, event, errMsg string, step int) error {
	var allowedFrom []string
	switch to {
	case StateCompleted:
		allowedFrom = []string{StateRunning}
	case StateFailed:
		allowedFrom = []string{StateRunning, StateWaitingApproval}
	case StateCanceled:
		allowedFrom = []string{StateQueued, StateRunning, StateWaitingApproval}
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		payload := ""
		if errMsg != "" {
			b, _ := json.Marshal(map[string]string{"error": errMsg})
			payload = string(b)
		}
		from, ok, err := s.transitionTx(ctx, tx, taskID, allowedFrom, to, event, payload)
		if err != nil {
			return fmt.Errorf("finish transition: %w", err)
		}
		if !ok {
			return fmt.Errorf("finish task %s as %s: %w", taskID, to, ErrConflict)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET locked_by = NULL, locked_at = NULL,
				error = CASE WHEN ? != '' THEN ? ELSE error END,
				current_step = CASE WHEN ? >= 0 THEN ? ELSE current_step END,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, errMsg, errMsg, step, step, taskID); err != nil {
			return fmt.Errorf("finalize task: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit finish tx: %w", err)
		}
		s.publishStateChange(taskID, from, to)
		return nil
	})
}

// RequeueTask returns a running task to the queue, releasing its lease.
// Used when a worker cannot take the advisory path locks. current_step
// is preserved.
func (s *Store) RequeueTask(ctx context.Context, taskID, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		payload, _ := json.Marshal(map[string]string{"reason": reason})
		from, ok, err := s.transitionTx(ctx, tx, taskID,
			[]string{StateRunning}, StateQueued, "task_state_changed", string(payload))
		if err != nil {
			return fmt.Errorf("requeue transition: %w", err)
		}
		if !ok {
			return fmt.Errorf("requeue task %s: %w", taskID, ErrConflict)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET locked_by = NULL, locked_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, taskID); err != nil {
			return fmt.Errorf("clear requeued lease: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit requeue tx: %w", err)
		}
		s.publishStateChange(taskID, from, StateQueued)
		return nil
	})
}

// RequestCancel flags a task for cooperative cancellation. The worker
// observes the flag between steps and stops. Returns false when the
// task is already terminal.
func (s *Store) RequestCancel(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state IN (?, ?, ?);
	`, taskID, StateQueued, StateRunning, StateWaitingApproval)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("request cancel rows affected: %w", err)
	}
	return affected == 1, nil
}

// IsCancelRequested reads the cooperative cancel flag.
func (s *Store) IsCancelRequested(ctx context.Context, taskID string) (bool, error) {
	var flag int
	if err := s.db.QueryRowContext(ctx, `
		SELECT cancel_requested FROM tasks WHERE id = ?;
	`, taskID).Scan(&flag); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag != 0, nil
}

// ReapExpiredLeases requeues running tasks whose lease is older than
// leaseTimeout. current_step is preserved so the resumed run skips
// completed steps.
func (s *Store) ReapExpiredLeases(ctx context.Context, leaseTimeout time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-leaseTimeout)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE state = ? AND locked_at IS NOT NULL AND locked_at < ?;
	`, StateRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("select expired leases: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired lease: %w", err)
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var reaped int64
	for _, taskID := range stale {
		err := retryOnBusy(ctx, 5, func() error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin reap tx: %w", err)
			}
			defer func() { _ = tx.Rollback() }()

			from, ok, err := s.transitionTx(ctx, tx, taskID,
				[]string{StateRunning}, StateQueued, "task_state_changed", `{"reason":"lease_expired"}`)
			if err != nil {
				return fmt.Errorf("reap transition: %w", err)
			}
			if !ok {
				return nil
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET locked_by = NULL, locked_at = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, taskID); err != nil {
				return fmt.Errorf("clear reaped lease: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit reap tx: %w", err)
			}
			reaped++
			s.publishStateChange(taskID, from, StateQueued)
			return nil
		})
		if err != nil {
			return reaped, err
		}
	}
	return reaped, nil
}

// ListTaskEvents returns the event mirror for a task in append order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event, COALESCE(state_from, ''), state_to,
			COALESCE(worker_id, ''), payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var events []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.Event, &ev.StateFrom,
			&ev.StateTo, &ev.WorkerID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
