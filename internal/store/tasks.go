package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidemill/loom/internal/bus"
	"github.com/tidemill/loom/internal/graph"
)

// CreateRun registers a run id. Idempotent.
func (s *Store) CreateRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id) VALUES (?) ON CONFLICT(id) DO NOTHING;
	`, runID)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// CompleteRun marks a run terminal.
func (s *Store) CompleteRun(ctx context.Context, runID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, status, runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// InsertTask persists a freshly added task and appends its creation event.
func (s *Store) InsertTask(ctx context.Context, runID string, t *graph.Task) error {
	blockedBy, err := json.Marshal(t.BlockedBy)
	if err != nil {
		return fmt.Errorf("marshal blocked_by: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin insert task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (run_id, id, subject, owner, status, blocked_by, attempt, max_attempts, deadline_seconds)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, runID, t.ID, t.Subject, t.Owner, string(t.Status), string(blockedBy), t.Attempt, t.MaxAttempts, t.DeadlineSeconds); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, runID, t.ID, "task.created", "", t.Status, "{}"); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// RecordTransition persists a committed transition: the task row is updated
// to the graph's view, an event is appended, and the bus is notified after
// commit. The ordering invariant lives here: a predecessor's completion is
// durable before any dependent is marked ready by the caller.
func (s *Store) RecordTransition(ctx context.Context, runID string, t *graph.Task, from graph.Status, eventType string) error {
	resultJSON := sql.NullString{}
	if t.Result != nil {
		raw, err := json.Marshal(t.Result)
		if err != nil {
			return fmt.Errorf("marshal result ref: %w", err)
		}
		resultJSON = sql.NullString{String: string(raw), Valid: true}
	}
	errorJSON := sql.NullString{}
	if t.Err != nil {
		raw, err := json.Marshal(t.Err)
		if err != nil {
			return fmt.Errorf("marshal failure record: %w", err)
		}
		errorJSON = sql.NullString{String: string(raw), Valid: true}
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, result_json = ?, error_json = ?, attempt = ?, updated_at = CURRENT_TIMESTAMP
			WHERE run_id = ? AND id = ?;
		`, string(t.Status), resultJSON, errorJSON, t.Attempt, runID, t.ID)
		if err != nil {
			return fmt.Errorf("update task transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("transition %s: task not found", t.ID)
		}
		payload := "{}"
		if t.Err != nil && errorJSON.Valid {
			payload = errorJSON.String
		}
		if err := s.appendTaskEventTx(ctx, tx, runID, t.ID, eventType, from, t.Status, payload); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	if s.bus != nil {
		reason := ""
		if t.Err != nil {
			reason = t.Err.Error()
		}
		s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			RunID:     runID,
			TaskID:    t.ID,
			OldStatus: string(from),
			NewStatus: string(t.Status),
			Reason:    reason,
		})
	}
	return nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, runID, taskID, eventType string, from, to graph.Status, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (run_id, task_id, event_type, state_from, state_to, payload_json)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?);
	`, runID, taskID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// GetTask loads one task. Returns nil when absent.
func (s *Store) GetTask(ctx context.Context, runID, taskID string) (*graph.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject, owner, status, blocked_by, result_json, error_json,
		       attempt, max_attempts, deadline_seconds, created_at, updated_at
		FROM tasks
		WHERE run_id = ? AND id = ?;
	`, runID, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// ListTasks loads every task of a run.
func (s *Store) ListTasks(ctx context.Context, runID string) ([]*graph.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, owner, status, blocked_by, result_json, error_json,
		       attempt, max_attempts, deadline_seconds, created_at, updated_at
		FROM tasks
		WHERE run_id = ?
		ORDER BY created_at ASC, id ASC;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*graph.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*graph.Task, error) {
	var (
		t          graph.Task
		status     string
		blockedBy  string
		resultJSON sql.NullString
		errorJSON  sql.NullString
		createdAt  time.Time
		updatedAt  time.Time
	)
	if err := row.Scan(&t.ID, &t.Subject, &t.Owner, &status, &blockedBy, &resultJSON, &errorJSON,
		&t.Attempt, &t.MaxAttempts, &t.DeadlineSeconds, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Status = graph.Status(status)
	t.CreatedAt = createdAt
	t.UpdatedAt = updatedAt
	if err := json.Unmarshal([]byte(blockedBy), &t.BlockedBy); err != nil {
		return nil, fmt.Errorf("unmarshal blocked_by: %w", err)
	}
	if resultJSON.Valid {
		t.Result = &graph.ResultRef{}
		if err := json.Unmarshal([]byte(resultJSON.String), t.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result ref: %w", err)
		}
	}
	if errorJSON.Valid {
		t.Err = &graph.FailureRecord{}
		if err := json.Unmarshal([]byte(errorJSON.String), t.Err); err != nil {
			return nil, fmt.Errorf("unmarshal failure record: %w", err)
		}
	}
	return &t, nil
}

// Counts returns the per-status totals for a run.
func (s *Store) Counts(ctx context.Context, runID string) (graph.Counts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1) FROM tasks WHERE run_id = ? GROUP BY status;
	`, runID)
	if err != nil {
		return graph.Counts{}, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()

	var c graph.Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return graph.Counts{}, fmt.Errorf("scan counts: %w", err)
		}
		switch graph.Status(status) {
		case graph.StatusPending, graph.StatusBlocked:
			c.Pending += n
		case graph.StatusReady:
			c.Ready += n
		case graph.StatusInProgress:
			c.InProgress += n
		case graph.StatusCompleted:
			c.Completed += n
		case graph.StatusFailed:
			c.Failed += n
		case graph.StatusCancelled:
			c.Cancelled += n
		}
	}
	return c, rows.Err()
}

// RecoverInProgress demotes tasks left IN_PROGRESS by an interrupted
// coordinator back to READY so they are retried, and returns their ids.
func (s *Store) RecoverInProgress(ctx context.Context, runID string) ([]string, error) {
	var recovered []string
	err := retryOnBusy(ctx, 5, func() error {
		recovered = recovered[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin recovery tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks WHERE run_id = ? AND status = 'IN_PROGRESS';
		`, runID)
		if err != nil {
			return fmt.Errorf("select in-progress tasks: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan in-progress id: %w", err)
			}
			recovered = append(recovered, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("in-progress rows: %w", err)
		}

		for _, id := range recovered {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'READY', updated_at = CURRENT_TIMESTAMP
				WHERE run_id = ? AND id = ?;
			`, runID, id); err != nil {
				return fmt.Errorf("requeue task %s: %w", id, err)
			}
			if err := s.appendTaskEventTx(ctx, tx, runID, id, "task.recovered", graph.StatusInProgress, graph.StatusReady, "{}"); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return recovered, nil
}

// KVSet stores a small keyed value (checkpoint bookkeeping).
func (s *Store) KVSet(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value;
	`, key, val)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet reads a keyed value; empty string when absent.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?;`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kv get: %w", err)
	}
	return val, nil
}

// PruneTaskEvents deletes events recorded before the cutoff and returns the
// number removed. Retention sweeps call this; task rows are never pruned.
func (s *Store) PruneTaskEvents(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM task_events WHERE created_at < ?;
		`, before.UTC().Format("2006-01-02 15:04:05"))
		if err != nil {
			return fmt.Errorf("prune task_events: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

// EventCount returns the number of task events recorded for a run.
func (s *Store) EventCount(ctx context.Context, runID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM task_events WHERE run_id = ?;
	`, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("event count: %w", err)
	}
	return n, nil
}
