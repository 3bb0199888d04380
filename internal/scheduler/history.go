package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ExecutionStatus is the status of one execution record
type ExecutionStatus string

const (
	StatusRunning ExecutionStatus = "running"
	StatusSuccess ExecutionStatus = "success"
	StatusFailure ExecutionStatus = "failure"
)

// DefaultRunningStaleAfter bounds how long a running record without a terminal
// record counts as a live execution. A process that died mid-job stops blocking
// its job once this much time has passed.
const DefaultRunningStaleAfter = 6 * time.Hour

// Execution is one append-only row of job_executions
type Execution struct {
	StartedAt  time.Time       `json:"started_at"`
	RecordedAt time.Time       `json:"recorded_at"`
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	JobName    string          `json:"job_name"`
	Status     ExecutionStatus `json:"status"`
	Message    string          `json:"message"`
	Duration   time.Duration   `json:"duration"`
}

// History is the execution history log in jobs.db.
// A run writes a running record at start and a success or failure record with the
// same run_id at the end; rows are never updated.
type History struct {
	db         *sql.DB
	now        func() time.Time
	log        zerolog.Logger
	staleAfter time.Duration
}

// NewHistory creates a history over the jobs database.
// A non-positive staleAfter treats every unfinished running record as live.
func NewHistory(db *sql.DB, staleAfter time.Duration, log zerolog.Logger) *History {
	return &History{
		db:         db,
		now:        time.Now,
		staleAfter: staleAfter,
		log:        log.With().Str("repo", "job_history").Logger(),
	}
}

// RecordStart appends a running record and returns the new run id
func (h *History) RecordStart(ctx context.Context, jobName string) (string, time.Time, error) {
	runID := uuid.New().String()
	started := h.now()

	_, err := h.db.ExecContext(ctx, `
		INSERT INTO job_executions (id, run_id, job_name, status, started_at, duration_ms, message, recorded_at)
		VALUES (?, ?, ?, ?, ?, 0, '', ?)
	`, uuid.New().String(), runID, jobName, string(StatusRunning), started.Unix(), started.Unix())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to record start of %s: %w", jobName, err)
	}
	return runID, started, nil
}

// RecordFinish appends the terminal record of a run
func (h *History) RecordFinish(ctx context.Context, jobName, runID string, started time.Time, status ExecutionStatus, message string) error {
	if status == StatusRunning {
		return fmt.Errorf("terminal status required, got %s", status)
	}
	recorded := h.now()
	duration := recorded.Sub(started)

	_, err := h.db.ExecContext(ctx, `
		INSERT INTO job_executions (id, run_id, job_name, status, started_at, duration_ms, message, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), runID, jobName, string(status), started.Unix(), duration.Milliseconds(), message, recorded.Unix())
	if err != nil {
		return fmt.Errorf("failed to record finish of %s: %w", jobName, err)
	}
	return nil
}

// IsRunning reports whether jobName has a running record with no terminal record for
// the same run, started within the stale bound
func (h *History) IsRunning(ctx context.Context, jobName string) (bool, error) {
	_, running, err := h.AnyRunning(ctx, []string{jobName})
	return running, err
}

// AnyRunning returns the first of names that is currently running
func (h *History) AnyRunning(ctx context.Context, names []string) (string, bool, error) {
	if len(names) == 0 {
		return "", false, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	args := make([]interface{}, 0, len(names)+1)
	for _, n := range names {
		args = append(args, n)
	}

	var since int64
	if h.staleAfter > 0 {
		since = h.now().Add(-h.staleAfter).Unix()
	}
	args = append(args, since)

	query := `
		SELECT r.job_name FROM job_executions r
		WHERE r.job_name IN (` + placeholders + `)
		  AND r.status = 'running'
		  AND r.started_at >= ?
		  AND NOT EXISTS (
			SELECT 1 FROM job_executions t
			WHERE t.run_id = r.run_id AND t.status != 'running'
		  )
		ORDER BY r.started_at DESC
		LIMIT 1
	`

	var name string
	err := h.db.QueryRowContext(ctx, query, args...).Scan(&name)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query running jobs: %w", err)
	}
	return name, true, nil
}

// Recent returns the newest records, optionally filtered by job name
func (h *History) Recent(ctx context.Context, jobName string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, run_id, job_name, status, started_at, duration_ms, message, recorded_at
		FROM job_executions
	`
	args := []interface{}{}
	if jobName != "" {
		query += " WHERE job_name = ?"
		args = append(args, jobName)
	}
	query += " ORDER BY recorded_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution history: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		var status string
		var started, recorded, durationMs int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.JobName, &status, &started, &durationMs, &e.Message, &recorded); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.Status = ExecutionStatus(status)
		e.StartedAt = time.Unix(started, 0).UTC()
		e.RecordedAt = time.Unix(recorded, 0).UTC()
		e.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of records for jobName
func (h *History) Count(ctx context.Context, jobName string) (int, error) {
	var n int
	err := h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_executions WHERE job_name = ?", jobName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return n, nil
}

// Prune deletes records recorded before the cutoff
func (h *History) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := h.db.ExecContext(ctx, "DELETE FROM job_executions WHERE recorded_at < ?", before.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune execution history: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		h.log.Info().Int64("deleted", n).Time("before", before).Msg("Pruned execution history")
	}
	return n, nil
}
