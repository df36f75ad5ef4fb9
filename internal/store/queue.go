package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/kronklabs/kronk/pkg/models"
)

const taskColumns = `id, type, payload, priority, status, retry_count, max_retries,
	error, result, created_at, started_at, completed_at, next_attempt_at`

// EnqueueTask inserts a new pending task.
func (s *Store) EnqueueTask(ctx context.Context, t *models.QueueTask) error {
	payload, err := marshalJSON(t.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_queue (id, type, payload, priority, status, retry_count,
			max_retries, created_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Type, payload, t.Priority, string(t.Status), t.RetryCount,
		t.MaxRetries, fmtTime(t.CreatedAt), nextAttemptValue(t.NextAttemptAt))
	return mapSQLError(err)
}

// ClaimNextTask atomically transitions the highest-priority eligible pending
// task to running and returns it. Eligible means status pending, type in
// types, and any retry hold-off elapsed. Returns ErrNotFound when nothing is
// claimable.
func (s *Store) ClaimNextTask(ctx context.Context, now time.Time, types []string) (*models.QueueTask, error) {
	if len(types) == 0 {
		return nil, ErrNotFound
	}
	typeSet := "("
	args := []any{}
	for i, tp := range types {
		if i > 0 {
			typeSet += ","
		}
		typeSet += "?"
		args = append(args, tp)
	}
	typeSet += ")"
	args = append(args, fmtTime(now))

	for {
		row := s.db.QueryRowContext(ctx, `
			SELECT id FROM task_queue
			WHERE status = 'pending' AND type IN `+typeSet+`
			  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			ORDER BY priority DESC, created_at ASC, rowid ASC
			LIMIT 1`, args...)

		var id string
		if err := row.Scan(&id); err != nil {
			return nil, mapSQLError(err)
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE task_queue SET status = 'running', started_at = ?
			WHERE id = ? AND status = 'pending'`, fmtTime(now), id)
		if err != nil {
			return nil, mapSQLError(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race to another worker; pick again.
			continue
		}
		return s.GetTask(ctx, id)
	}
}

// CompleteTask marks a running task completed with its result.
func (s *Store) CompleteTask(ctx context.Context, id string, result any, now time.Time) error {
	resultJSON, err := marshalJSON(result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE task_queue SET status = 'completed', result = ?, error = NULL,
			completed_at = ? WHERE id = ?`,
		resultJSON, fmtTime(now), id)
	return mapSQLError(err)
}

// FailTask marks a task permanently failed.
func (s *Store) FailTask(ctx context.Context, id string, errMsg string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_queue SET status = 'failed', error = ?, completed_at = ?
		WHERE id = ?`, errMsg, fmtTime(now), id)
	return mapSQLError(err)
}

// RetryTask returns a failed attempt to pending with an incremented retry
// count and a hold-off before the next claim.
func (s *Store) RetryTask(ctx context.Context, id string, errMsg string, nextAttempt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_queue SET status = 'pending', retry_count = retry_count + 1,
			error = ?, started_at = NULL, next_attempt_at = ?
		WHERE id = ?`, errMsg, fmtTime(nextAttempt), id)
	return mapSQLError(err)
}

// CancelTask cancels a pending task and reports whether it did. A task that
// exists but is running or terminal is left untouched and reported false;
// a missing id returns ErrNotFound.
func (s *Store) CancelTask(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_queue SET status = 'cancelled', completed_at = ?
		WHERE id = ? AND status = 'pending'`, fmtTime(now), id)
	if err != nil {
		return false, mapSQLError(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	row := s.db.QueryRowContext(ctx, `SELECT status FROM task_queue WHERE id = ?`, id)
	var status string
	if err := row.Scan(&status); err != nil {
		return false, mapSQLError(err)
	}
	return false, nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*models.QueueTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task_queue WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns tasks, optionally filtered by status, newest first.
func (s *Store) ListTasks(ctx context.Context, status models.TaskStatus, limit int) ([]*models.QueueTask, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + taskColumns + ` FROM task_queue`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var out []*models.QueueTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// QueueStats counts tasks per status.
func (s *Store) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM task_queue GROUP BY status`)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var stats models.QueueStats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch models.TaskStatus(status) {
		case models.TaskPending:
			stats.Pending = n
		case models.TaskRunning:
			stats.Running = n
		case models.TaskCompleted:
			stats.Completed = n
		case models.TaskFailed:
			stats.Failed = n
		case models.TaskCancelled:
			stats.Cancelled = n
		}
	}
	return &stats, rows.Err()
}

// CleanupTasks deletes terminal tasks completed before the cutoff and
// returns how many were removed.
func (s *Store) CleanupTasks(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM task_queue
		WHERE status IN ('completed','failed','cancelled')
		  AND completed_at IS NOT NULL AND completed_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, mapSQLError(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetRunningTasks returns tasks stranded in running (for example by a
// crash) to pending. Called once at startup.
func (s *Store) ResetRunningTasks(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_queue SET status = 'pending', started_at = NULL
		WHERE status = 'running'`)
	if err != nil {
		return 0, mapSQLError(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanTask(row rowScanner) (*models.QueueTask, error) {
	var t models.QueueTask
	var status, createdAt string
	var payload, errMsg, result, startedAt, completedAt, nextAttemptAt sql.NullString

	err := row.Scan(&t.ID, &t.Type, &payload, &t.Priority, &status,
		&t.RetryCount, &t.MaxRetries, &errMsg, &result,
		&createdAt, &startedAt, &completedAt, &nextAttemptAt)
	if err != nil {
		return nil, mapSQLError(err)
	}

	t.Status = models.TaskStatus(status)
	t.Payload = unmarshalMap(payload)
	t.Error = errMsg.String
	if result.Valid && result.String != "" {
		var v any
		if json.Unmarshal([]byte(result.String), &v) == nil {
			t.Result = v
		}
	}
	t.CreatedAt = parseTime(createdAt)
	t.StartedAt = parseTimePtr(startedAt)
	t.CompletedAt = parseTimePtr(completedAt)
	if nextAttemptAt.Valid && nextAttemptAt.String != "" {
		t.NextAttemptAt = parseTime(nextAttemptAt.String)
	}
	return &t, nil
}

func nextAttemptValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}
