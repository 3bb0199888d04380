package holdings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fundwatch/internal/domain"
)

// ErrFundNotFound is returned when a fund id is not registered
var ErrFundNotFound = errors.New("fund not found")

// FundRepository handles the funds registry in holdings.db
type FundRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewFundRepository creates a new fund repository
func NewFundRepository(db *sql.DB, log zerolog.Logger) *FundRepository {
	return &FundRepository{
		db:  db,
		log: log.With().Str("repo", "funds").Logger(),
	}
}

// Upsert registers a fund or updates its name, tier and active flag
func (r *FundRepository) Upsert(ctx context.Context, fund domain.Fund) error {
	if fund.ID == "" {
		return fmt.Errorf("fund id is required")
	}
	if fund.Tier == "" {
		fund.Tier = domain.FundTierWatched
	}
	if fund.Tier != domain.FundTierHeld && fund.Tier != domain.FundTierWatched {
		return fmt.Errorf("invalid fund tier %q", fund.Tier)
	}

	now := time.Now().Unix()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO funds (fund_id, name, tier, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(fund_id) DO UPDATE SET
			name = excluded.name,
			tier = excluded.tier,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, fund.ID, fund.Name, string(fund.Tier), boolToInt(fund.Active), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert fund %s: %w", fund.ID, err)
	}
	return nil
}

// Get returns a fund by id
func (r *FundRepository) Get(ctx context.Context, fundID string) (*domain.Fund, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT fund_id, name, tier, active, created_at, updated_at FROM funds WHERE fund_id = ?
	`, fundID)

	fund, err := scanFund(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrFundNotFound, fundID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fund %s: %w", fundID, err)
	}
	return fund, nil
}

// ListActive returns active funds, held funds first
func (r *FundRepository) ListActive(ctx context.Context) ([]domain.Fund, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT fund_id, name, tier, active, created_at, updated_at FROM funds
		WHERE active = 1
		ORDER BY CASE tier WHEN 'held' THEN 0 ELSE 1 END, fund_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active funds: %w", err)
	}
	defer rows.Close()

	var funds []domain.Fund
	for rows.Next() {
		fund, err := scanFund(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fund: %w", err)
		}
		funds = append(funds, *fund)
	}
	return funds, rows.Err()
}

// IsHeld reports whether a fund is registered with the held tier
func (r *FundRepository) IsHeld(ctx context.Context, fundID string) (bool, error) {
	fund, err := r.Get(ctx, fundID)
	if errors.Is(err, ErrFundNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fund.Tier == domain.FundTierHeld, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFund(s scanner) (*domain.Fund, error) {
	var f domain.Fund
	var tier string
	var active int
	var createdAt, updatedAt int64
	if err := s.Scan(&f.ID, &f.Name, &tier, &active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	f.Tier = domain.FundTier(tier)
	f.Active = active == 1
	f.CreatedAt = time.Unix(createdAt, 0).UTC()
	f.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &f, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
