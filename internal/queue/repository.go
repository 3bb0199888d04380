package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Repository is the analysis_queue store in queue.db.
//
// It only records state; it never decides to retry. A task left in_progress by a crash
// stays there until an external watchdog calls ResetStale.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

const taskColumns = `id, analysis_type, target_key, target_kind, target_fund, target_date,
	status, priority, created_at, started_at, completed_at, retry_count, error_message, permanent`

// NewRepository creates a new queue repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "analysis_queue").Logger(),
		now: time.Now,
	}
}

// Enqueue inserts a pending task unless one already exists for (analysisType, target).
// Returns created=false when the task already existed, whatever its status.
func (r *Repository) Enqueue(ctx context.Context, analysisType string, target Target, priority int) (bool, error) {
	if analysisType == "" {
		return false, fmt.Errorf("analysis type is required")
	}
	if err := target.Validate(); err != nil {
		return false, err
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO analysis_queue
		(analysis_type, target_key, target_kind, target_fund, target_date, status, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(analysis_type, target_key) DO NOTHING
	`, analysisType, target.Key(), string(target.Kind), target.FundID, target.Date,
		string(StatusPending), priority, r.now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to enqueue %s %s: %w", analysisType, target.Key(), err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read enqueue result: %w", err)
	}

	if n > 0 {
		r.log.Debug().Str("analysis_type", analysisType).Str("target", target.Key()).Int("priority", priority).Msg("Task enqueued")
	}
	return n > 0, nil
}

// DequeueBatch returns up to limit pending or failed tasks ordered by priority (highest first),
// then creation time (oldest first). Permanently failed tasks are excluded.
// It does not change any task status.
func (r *Repository) DequeueBatch(ctx context.Context, analysisType string, limit int) ([]Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM analysis_queue
		WHERE analysis_type = ?
		  AND status IN (?, ?)
		  AND permanent = 0
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?
	`, analysisType, string(StatusPending), string(StatusFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query backlog: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// Get returns a task by id
func (r *Repository) Get(ctx context.Context, id int64) (*Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM analysis_queue WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %d: %w", id, err)
	}
	return task, nil
}

// MarkStarted moves a pending or failed task to in_progress
func (r *Repository) MarkStarted(ctx context.Context, id int64) error {
	return r.transition(ctx, id, []Status{StatusPending, StatusFailed}, `
		UPDATE analysis_queue
		SET status = ?, started_at = ?, completed_at = NULL
		WHERE id = ? AND status IN (?, ?)
	`, string(StatusInProgress), r.now().Unix(), id, string(StatusPending), string(StatusFailed))
}

// MarkCompleted moves an in_progress task to completed and clears its error message
func (r *Repository) MarkCompleted(ctx context.Context, id int64) error {
	return r.transition(ctx, id, []Status{StatusInProgress}, `
		UPDATE analysis_queue
		SET status = ?, completed_at = ?, error_message = ''
		WHERE id = ? AND status = ?
	`, string(StatusCompleted), r.now().Unix(), id, string(StatusInProgress))
}

// MarkFailed moves a task that is not completed to failed, increments retry_count and stores
// the truncated error message. There is no retry ceiling here; consumers decide.
// Errors wrapped with Permanent also exclude the task from DequeueBatch.
func (r *Repository) MarkFailed(ctx context.Context, id int64, taskErr error) error {
	msg := "unknown error"
	if taskErr != nil {
		msg = taskErr.Error()
	}
	permanent := 0
	if IsPermanent(taskErr) {
		permanent = 1
	}

	return r.transition(ctx, id, []Status{StatusPending, StatusInProgress, StatusFailed}, `
		UPDATE analysis_queue
		SET status = ?, completed_at = ?, retry_count = retry_count + 1, error_message = ?, permanent = ?
		WHERE id = ? AND status != ?
	`, string(StatusFailed), r.now().Unix(), truncateMessage(msg), permanent, id, string(StatusCompleted))
}

// Requeue moves a failed task back to pending, including permanently failed ones.
// retry_count is preserved.
func (r *Repository) Requeue(ctx context.Context, id int64) error {
	return r.transition(ctx, id, []Status{StatusFailed}, `
		UPDATE analysis_queue
		SET status = ?, permanent = 0, started_at = NULL, completed_at = NULL
		WHERE id = ? AND status = ?
	`, string(StatusPending), id, string(StatusFailed))
}

// ResetStale moves in_progress tasks started more than olderThan ago back to pending.
// Only the watchdog job calls this; it returns the number of tasks reset.
func (r *Repository) ResetStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := r.now().Add(-olderThan).Unix()

	result, err := r.db.ExecContext(ctx, `
		UPDATE analysis_queue
		SET status = ?, started_at = NULL
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
	`, string(StatusPending), string(StatusInProgress), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale tasks: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reset result: %w", err)
	}
	if n > 0 {
		r.log.Warn().Int64("count", n).Dur("older_than", olderThan).Msg("Reset stale in_progress tasks")
	}
	return n, nil
}

// List returns tasks of an analysis type, optionally filtered by status, newest first
func (r *Repository) List(ctx context.Context, analysisType string, status Status, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + taskColumns + ` FROM analysis_queue WHERE analysis_type = ?`
	args := []interface{}{analysisType}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// GetStats counts tasks per status for an analysis type
func (r *Repository) GetStats(ctx context.Context, analysisType string) (*Stats, error) {
	stats := &Stats{AnalysisType: analysisType}

	rows, err := r.db.QueryContext(ctx, `
		SELECT status, permanent, COUNT(*) FROM analysis_queue
		WHERE analysis_type = ?
		GROUP BY status, permanent
	`, analysisType)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var permanent, count int
		if err := rows.Scan(&status, &permanent, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			stats.Pending += count
		case StatusInProgress:
			stats.InProgress += count
		case StatusCompleted:
			stats.Completed += count
		case StatusFailed:
			stats.Failed += count
			if permanent == 1 {
				stats.Permanent += count
			}
		}
	}
	return stats, rows.Err()
}

// PurgeCompleted deletes completed tasks finished before the cutoff
func (r *Repository) PurgeCompleted(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM analysis_queue WHERE status = ? AND completed_at < ?
	`, string(StatusCompleted), before.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge completed tasks: %w", err)
	}
	return result.RowsAffected()
}

// transition runs a guarded UPDATE and distinguishes a missing task from a disallowed transition
func (r *Repository) transition(ctx context.Context, id int64, from []Status, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task %d: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n > 0 {
		return nil
	}

	task, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: task %d is %s, expected one of %v", ErrInvalidTransition, id, task.Status, from)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var kind, status string
	var createdAt int64
	var startedAt, completedAt sql.NullInt64
	var permanent int

	if err := s.Scan(
		&t.ID, &t.AnalysisType, &t.TargetKey, &kind, &t.Target.FundID, &t.Target.Date,
		&status, &t.Priority, &createdAt, &startedAt, &completedAt, &t.RetryCount, &t.ErrorMessage, &permanent,
	); err != nil {
		return nil, err
	}

	t.Target.Kind = TargetKind(kind)
	t.Status = Status(status)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	if startedAt.Valid {
		ts := time.Unix(startedAt.Int64, 0).UTC()
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0).UTC()
		t.CompletedAt = &ts
	}
	t.Permanent = permanent == 1
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}
