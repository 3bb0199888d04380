package retry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fundwatch/internal/database"
)

// Repository stores retry entries in jobs.db
type Repository struct {
	db  *sql.DB
	now func() time.Time
	log zerolog.Logger
}

// NewRepository creates a new retry repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		now: time.Now,
		log: log.With().Str("repo", "retry").Logger(),
	}
}

const entryColumns = `id, job_name, target_date, entity_id, entity_type, status, retry_count,
	failure_reason, created_at, last_attempt_at`

// Record upserts a pending entry for f. A pending entry gets the new reason; a resolved
// entry starts over as pending. Retrying and abandoned entries are left untouched.
func (r *Repository) Record(ctx context.Context, f Failure) error {
	if f.JobName == "" || f.EntityID == "" || f.EntityType == "" {
		return fmt.Errorf("incomplete retry identity: %+v", f)
	}
	now := r.now().Unix()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO retry_entries (job_name, target_date, entity_id, entity_type, status,
			retry_count, failure_reason, created_at, last_attempt_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?)
		ON CONFLICT (job_name, target_date, entity_id, entity_type) DO UPDATE SET
			failure_reason = excluded.failure_reason,
			last_attempt_at = excluded.last_attempt_at,
			retry_count = CASE WHEN retry_entries.status = 'resolved' THEN 0 ELSE retry_entries.retry_count END,
			status = 'pending'
		WHERE retry_entries.status IN ('pending', 'resolved')
	`, f.JobName, f.TargetDate, f.EntityID, f.EntityType, truncateReason(f.Reason), now, now)
	if err != nil {
		return fmt.Errorf("failed to record retry for %s/%s: %w", f.JobName, f.EntityID, err)
	}

	r.log.Debug().
		Str("job", f.JobName).
		Str("entity", f.EntityID).
		Str("date", f.TargetDate).
		Msg("Recorded failure for retry")
	return nil
}

// GetPending returns pending entries with retry_count < maxRetries whose last attempt is
// within maxAgeDays, least recently attempted first, capped at limit
func (r *Repository) GetPending(ctx context.Context, maxRetries, maxAgeDays, limit int) ([]Entry, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if maxAgeDays <= 0 {
		maxAgeDays = DefaultMaxAgeDays
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	cutoff := r.now().AddDate(0, 0, -maxAgeDays).Unix()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM retry_entries
		WHERE status = 'pending' AND retry_count < ? AND last_attempt_at >= ?
		ORDER BY last_attempt_at ASC, id ASC
		LIMIT ?
	`, maxRetries, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending retries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Get returns one entry by id
func (r *Repository) Get(ctx context.Context, id int64) (*Entry, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM retry_entries WHERE id = ?", id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get retry entry %d: %w", id, err)
	}
	return e, nil
}

// Claim moves a pending entry to retrying
func (r *Repository) Claim(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE retry_entries SET status = 'retrying', last_attempt_at = ?
		WHERE id = ? AND status = 'pending'
	`, r.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to claim retry entry %d: %w", id, err)
	}
	return r.checkTransition(ctx, res, id, StatusRetrying)
}

// Resolve moves a retrying entry to resolved
func (r *Repository) Resolve(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE retry_entries SET status = 'resolved', last_attempt_at = ?
		WHERE id = ? AND status = 'retrying'
	`, r.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve retry entry %d: %w", id, err)
	}
	return r.checkTransition(ctx, res, id, StatusResolved)
}

// Fail records a failed attempt of a retrying entry. The entry returns to pending with
// retry_count+1, or is abandoned once retry_count+1 reaches maxRetries.
func (r *Repository) Fail(ctx context.Context, id int64, reason string, maxRetries int) (Status, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	var next Status
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var status string
		var count int
		err := tx.QueryRowContext(ctx, "SELECT status, retry_count FROM retry_entries WHERE id = ?", id).Scan(&status, &count)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %d", ErrEntryNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read retry entry %d: %w", id, err)
		}
		if Status(status) != StatusRetrying {
			return fmt.Errorf("%w: %d is %s, cannot fail", ErrInvalidTransition, id, status)
		}

		next = StatusPending
		if count+1 >= maxRetries {
			next = StatusAbandoned
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE retry_entries
			SET status = ?, retry_count = retry_count + 1, failure_reason = ?, last_attempt_at = ?
			WHERE id = ?
		`, string(next), truncateReason(reason), r.now().Unix(), id)
		if err != nil {
			return fmt.Errorf("failed to update retry entry %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

// ResetStuck returns entries left in retrying longer than olderThan to pending
func (r *Repository) ResetStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := r.now().Add(-olderThan).Unix()
	res, err := r.db.ExecContext(ctx, `
		UPDATE retry_entries SET status = 'pending'
		WHERE status = 'retrying' AND last_attempt_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck retries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Warn().Int64("count", n).Msg("Reset stuck retry entries to pending")
	}
	return n, nil
}

// List returns entries, newest attempt first. An empty status lists all.
func (r *Repository) List(ctx context.Context, status Status, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT " + entryColumns + " FROM retry_entries"
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY last_attempt_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// PurgeTerminal deletes resolved and abandoned entries last touched before the cutoff
func (r *Repository) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM retry_entries
		WHERE status IN ('resolved', 'abandoned') AND last_attempt_at < ?
	`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge retry entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *Repository) checkTransition(ctx context.Context, res sql.Result, id int64, to Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	e, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %d is %s, cannot move to %s", ErrInvalidTransition, id, e.Status, to)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	var e Entry
	var status string
	var created, attempted int64
	err := s.Scan(&e.ID, &e.JobName, &e.TargetDate, &e.EntityID, &e.EntityType, &status,
		&e.RetryCount, &e.FailureReason, &created, &attempted)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.CreatedAt = time.Unix(created, 0).UTC()
	e.LastAttemptAt = time.Unix(attempted, 0).UTC()
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan retry entry: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating retry entries: %w", err)
	}
	return out, nil
}
