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

// ChangeRepository handles the holding_changes ledger in holdings.db.
// A (fund, date) changeset is always replaced as a whole; rows are never updated in place.
type ChangeRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

const changeColumns = `change_date, fund_id, holding_id, shares_before, shares_after, delta, percent_delta, action`

// NewChangeRepository creates a new change ledger repository
func NewChangeRepository(db *sql.DB, log zerolog.Logger) *ChangeRepository {
	return &ChangeRepository{
		db:  db,
		log: log.With().Str("repo", "holding_changes").Logger(),
	}
}

// ReplaceChanges atomically replaces the changeset of a fund on a date.
// An empty changeset clears any previously stored changes for that key.
func (r *ChangeRepository) ReplaceChanges(ctx context.Context, fundID, date string, changes []domain.ChangeRecord) error {
	now := time.Now().Unix()

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM holding_changes WHERE fund_id = ? AND change_date = ?`, fundID, date,
		); err != nil {
			return fmt.Errorf("failed to clear changeset: %w", err)
		}

		if len(changes) == 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO holding_changes (`+changeColumns+`, computed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare change insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range changes {
			if c.FundID != fundID || c.Date != date {
				return fmt.Errorf("change %s belongs to %s/%s, not %s/%s", c.HoldingID, c.FundID, c.Date, fundID, date)
			}
			if _, err := stmt.ExecContext(ctx,
				c.Date, c.FundID, c.HoldingID,
				c.SharesBefore, c.SharesAfter, c.Delta, c.PercentDelta, string(c.Action), now,
			); err != nil {
				return fmt.Errorf("failed to insert change %s: %w", c.HoldingID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Debug().Str("fund", fundID).Str("date", date).Int("changes", len(changes)).Msg("Replaced changeset")
	return nil
}

// GetChanges returns the changeset of a fund on a date, ordered by holding id
func (r *ChangeRepository) GetChanges(ctx context.Context, fundID, date string) ([]domain.ChangeRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+changeColumns+` FROM holding_changes
		WHERE fund_id = ? AND change_date = ?
		ORDER BY holding_id ASC
	`, fundID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	return scanChanges(rows)
}

// GetChangesByDate returns all changes recorded on a date across funds
func (r *ChangeRepository) GetChangesByDate(ctx context.Context, date string) ([]domain.ChangeRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+changeColumns+` FROM holding_changes
		WHERE change_date = ?
		ORDER BY fund_id ASC, holding_id ASC
	`, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes by date: %w", err)
	}
	defer rows.Close()

	return scanChanges(rows)
}

// GetHoldingHistory returns every recorded change of one holding in one fund, newest first
func (r *ChangeRepository) GetHoldingHistory(ctx context.Context, fundID, holdingID string, limit int) ([]domain.ChangeRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+changeColumns+` FROM holding_changes
		WHERE fund_id = ? AND holding_id = ?
		ORDER BY change_date DESC
		LIMIT ?
	`, fundID, holdingID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query holding history: %w", err)
	}
	defer rows.Close()

	return scanChanges(rows)
}

func scanChanges(rows *sql.Rows) ([]domain.ChangeRecord, error) {
	var out []domain.ChangeRecord
	for rows.Next() {
		var c domain.ChangeRecord
		var action string
		if err := rows.Scan(
			&c.Date, &c.FundID, &c.HoldingID,
			&c.SharesBefore, &c.SharesAfter, &c.Delta, &c.PercentDelta, &action,
		); err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}
		c.Action = domain.ChangeAction(action)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change rows: %w", err)
	}
	return out, nil
}
