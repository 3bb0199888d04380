// Package holdings stores fund registry entries, holdings snapshots and the change ledger.
package holdings

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fundwatch/internal/database"
	"github.com/aristath/fundwatch/internal/domain"
)

// SnapshotRepository handles holding_snapshots in holdings.db
type SnapshotRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *sql.DB, log zerolog.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		db:  db,
		log: log.With().Str("repo", "holding_snapshots").Logger(),
	}
}

// Upsert stores snapshot rows. Re-ingesting the same (date, fund, holding) overwrites the
// row with the new values, so same-day re-runs are idempotent.
func (r *SnapshotRepository) Upsert(ctx context.Context, rows []domain.HoldingSnapshot) error {
	if len(rows) == 0 {
		return nil
	}

	now := time.Now().Unix()
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO holding_snapshots
			(snapshot_date, fund_id, holding_id, shares, weight_percent, market_value, ingested_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(snapshot_date, fund_id, holding_id) DO UPDATE SET
				shares = excluded.shares,
				weight_percent = excluded.weight_percent,
				market_value = excluded.market_value,
				ingested_at = excluded.ingested_at
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare snapshot upsert: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx,
				row.Date, row.FundID, row.HoldingID,
				row.Shares, row.WeightPercent, row.MarketValue, now,
			); err != nil {
				return fmt.Errorf("failed to upsert snapshot row %s/%s/%s: %w", row.FundID, row.Date, row.HoldingID, err)
			}
		}
		return nil
	})
}

// GetSnapshot returns every holding of a fund on a date, ordered by holding id.
// The read is never page-limited: the diff engine relies on receiving the complete set.
func (r *SnapshotRepository) GetSnapshot(ctx context.Context, fundID, date string) ([]domain.HoldingSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT snapshot_date, fund_id, holding_id, shares, weight_percent, market_value
		FROM holding_snapshots
		WHERE fund_id = ? AND snapshot_date = ?
		ORDER BY holding_id ASC
	`, fundID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	defer rows.Close()

	var out []domain.HoldingSnapshot
	for rows.Next() {
		var s domain.HoldingSnapshot
		if err := rows.Scan(&s.Date, &s.FundID, &s.HoldingID, &s.Shares, &s.WeightPercent, &s.MarketValue); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot rows: %w", err)
	}

	return out, nil
}

// GetPreviousDate returns the latest snapshot date of a fund strictly before the given date,
// or "" when there is none
func (r *SnapshotRepository) GetPreviousDate(ctx context.Context, fundID, before string) (string, error) {
	var date sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(snapshot_date) FROM holding_snapshots
		WHERE fund_id = ? AND snapshot_date < ?
	`, fundID, before).Scan(&date)
	if err != nil {
		return "", fmt.Errorf("failed to query previous snapshot date: %w", err)
	}
	return date.String, nil
}

// GetLatestDate returns the most recent snapshot date of a fund, or "" when there is none
func (r *SnapshotRepository) GetLatestDate(ctx context.Context, fundID string) (string, error) {
	var date sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(snapshot_date) FROM holding_snapshots WHERE fund_id = ?
	`, fundID).Scan(&date)
	if err != nil {
		return "", fmt.Errorf("failed to query latest snapshot date: %w", err)
	}
	return date.String, nil
}

// ListDates returns the snapshot dates of a fund, newest first
func (r *SnapshotRepository) ListDates(ctx context.Context, fundID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 30
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT snapshot_date FROM holding_snapshots
		WHERE fund_id = ?
		ORDER BY snapshot_date DESC
		LIMIT ?
	`, fundID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot dates: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// CountHoldings returns the number of stored holdings for a fund and date
func (r *SnapshotRepository) CountHoldings(ctx context.Context, fundID, date string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM holding_snapshots WHERE fund_id = ? AND snapshot_date = ?
	`, fundID, date).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count snapshot rows: %w", err)
	}
	return n, nil
}
