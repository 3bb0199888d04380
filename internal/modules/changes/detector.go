package changes

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/fundwatch/internal/domain"
)

// ErrNoSnapshot is returned when no snapshot is stored for the requested fund and date
var ErrNoSnapshot = errors.New("no snapshot stored")

// SnapshotReader reads complete stored snapshots
type SnapshotReader interface {
	GetSnapshot(ctx context.Context, fundID, date string) ([]domain.HoldingSnapshot, error)
	// GetPreviousDate returns the latest snapshot date strictly before the given date, or "" if none
	GetPreviousDate(ctx context.Context, fundID, before string) (string, error)
}

// LedgerWriter replaces the changeset of one fund and date atomically
type LedgerWriter interface {
	ReplaceChanges(ctx context.Context, fundID, date string, changes []domain.ChangeRecord) error
}

// Invalidator is notified with domain.ChangesetKey after a changeset was rewritten
type Invalidator interface {
	Invalidate(key string)
}

// Result is the outcome of one detection run
type Result struct {
	Changes      []domain.ChangeRecord
	Assessment   Assessment
	FundID       string
	Date         string
	PreviousDate string
	Candidates   int  // significant changes before noise suppression
	Baseline     bool // no earlier snapshot existed; nothing was diffed
	Suppressed   bool
	Unchanged    bool // the snapshot matched the last detection and was not re-diffed
}

// Detector runs the diff engine and noise filter over stored snapshots and writes the ledger
type Detector struct {
	snapshots   SnapshotReader
	ledger      LedgerWriter
	invalidator Invalidator
	thresholds  Thresholds
	noise       NoisePolicy
	log         zerolog.Logger
}

// NewDetector creates a detector. invalidator may be nil.
func NewDetector(
	snapshots SnapshotReader,
	ledger LedgerWriter,
	invalidator Invalidator,
	thresholds Thresholds,
	noise NoisePolicy,
	log zerolog.Logger,
) *Detector {
	return &Detector{
		snapshots:   snapshots,
		ledger:      ledger,
		invalidator: invalidator,
		thresholds:  thresholds,
		noise:       noise,
		log:         log.With().Str("component", "change_detector").Logger(),
	}
}

// DetectForDate diffs the stored snapshot of fundID on date against the latest earlier one.
// The first snapshot of a fund is a baseline and produces no changes.
func (d *Detector) DetectForDate(ctx context.Context, fundID, date string) (*Result, error) {
	rows, err := d.snapshots.GetSnapshot(ctx, fundID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s/%s: %w", fundID, date, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w for %s on %s", ErrNoSnapshot, fundID, date)
	}

	prevDate, err := d.snapshots.GetPreviousDate(ctx, fundID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to find previous snapshot date for %s: %w", fundID, err)
	}
	if prevDate == "" {
		d.log.Info().Str("fund", fundID).Str("date", date).Msg("First snapshot for fund, nothing to diff")
		return &Result{FundID: fundID, Date: date, Baseline: true}, nil
	}

	prevRows, err := d.snapshots.GetSnapshot(ctx, fundID, prevDate)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s/%s: %w", fundID, prevDate, err)
	}

	// Stored snapshots are read without a row limit, so they are complete by construction
	current := NewPositions(fundID, date, rows, true)
	previous := NewPositions(fundID, prevDate, prevRows, true)

	return d.Detect(ctx, current, previous)
}

// Detect diffs two snapshots, applies the noise filter and replaces the ledger entry
// for (current.FundID, current.Date). Both snapshots must be flagged complete.
func (d *Detector) Detect(ctx context.Context, current, previous Positions) (*Result, error) {
	if !current.Complete {
		return nil, fmt.Errorf("%w: %s on %s", ErrIncompleteSnapshot, current.FundID, current.Date)
	}
	if !previous.Complete {
		return nil, fmt.Errorf("%w: %s on %s", ErrIncompleteSnapshot, previous.FundID, previous.Date)
	}

	candidates := ComputeChanges(current, previous, d.thresholds)
	assessment := Assess(candidates, d.noise)

	result := &Result{
		FundID:       current.FundID,
		Date:         current.Date,
		PreviousDate: previous.Date,
		Candidates:   len(candidates),
		Assessment:   assessment,
		Changes:      candidates,
	}
	if assessment.Systematic {
		result.Suppressed = true
		result.Changes = []domain.ChangeRecord{}
		d.log.Info().
			Str("fund", current.FundID).
			Str("date", current.Date).
			Int("candidates", len(candidates)).
			Float64("mode_percent", assessment.Mode).
			Float64("mode_frequency", assessment.Frequency).
			Msg("Suppressed systematic adjustment")
	}

	if err := d.ledger.ReplaceChanges(ctx, current.FundID, current.Date, result.Changes); err != nil {
		return nil, fmt.Errorf("failed to write change ledger for %s/%s: %w", current.FundID, current.Date, err)
	}
	if d.invalidator != nil {
		d.invalidator.Invalidate(domain.ChangesetKey(current.FundID, current.Date))
	}

	d.log.Debug().
		Str("fund", current.FundID).
		Str("date", current.Date).
		Str("previous_date", previous.Date).
		Int("changes", len(result.Changes)).
		Msg("Change detection complete")

	return result, nil
}
