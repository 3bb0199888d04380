// Package changes turns consecutive holdings snapshots into significant share changes.
package changes

import (
	"errors"
	"math"
	"sort"

	"github.com/aristath/fundwatch/internal/domain"
)

// NewPositionPercent is the percent delta reported when the previous share count is zero
const NewPositionPercent = 100.0

// ErrIncompleteSnapshot is returned when a snapshot is known to be a partial holdings set.
// Diffing a partial set would report every missing holding as closed (or new).
var ErrIncompleteSnapshot = errors.New("incomplete holdings snapshot")

// Thresholds decide which share changes are significant and which holdings are ignored
type Thresholds struct {
	MinShareChange   float64
	MinPercentChange float64
	// ExcludedHoldings are matched exactly (case-insensitive)
	ExcludedHoldings []string
	// ExcludedPatterns are matched as substrings (case-insensitive)
	ExcludedPatterns []string
}

// DefaultThresholds returns the stock thresholds and the built-in non-equity exclusions
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinShareChange:   1000,
		MinPercentChange: 0.5,
		ExcludedHoldings: DefaultExcludedHoldings,
		ExcludedPatterns: DefaultExcludedPatterns,
	}
}

// Position is the state of one holding in a snapshot
type Position struct {
	Shares        float64
	WeightPercent float64
}

// Positions is a full snapshot of one fund on one date, keyed by holding id.
// Complete must only be true when the set is known to contain every holding.
type Positions struct {
	Holdings map[string]Position
	FundID   string
	Date     string
	Complete bool
}

// NewPositions builds Positions from stored snapshot rows
func NewPositions(fundID, date string, rows []domain.HoldingSnapshot, complete bool) Positions {
	holdings := make(map[string]Position, len(rows))
	for _, r := range rows {
		holdings[r.HoldingID] = Position{Shares: r.Shares, WeightPercent: r.WeightPercent}
	}
	return Positions{
		Holdings: holdings,
		FundID:   fundID,
		Date:     date,
		Complete: complete,
	}
}

// ComputeChanges diffs current against previous and returns the significant changes
// sorted by holding id. A holding missing from either side counts as zero shares.
// Non-equity holdings are dropped before thresholds are applied.
func ComputeChanges(current, previous Positions, policy Thresholds) []domain.ChangeRecord {
	excluder := newExcluder(policy.ExcludedHoldings, policy.ExcludedPatterns)

	ids := make(map[string]struct{}, len(current.Holdings)+len(previous.Holdings))
	for id := range current.Holdings {
		ids[id] = struct{}{}
	}
	for id := range previous.Holdings {
		ids[id] = struct{}{}
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	var out []domain.ChangeRecord
	for _, id := range sorted {
		if excluder.excluded(id) {
			continue
		}

		before := previous.Holdings[id].Shares
		after := current.Holdings[id].Shares
		delta := after - before
		if delta == 0 {
			continue
		}

		percent := NewPositionPercent
		if before != 0 {
			percent = delta / before * 100
		}

		if !isSignificant(delta, percent, policy) {
			continue
		}

		action := domain.ActionIncrease
		if delta < 0 {
			action = domain.ActionDecrease
		}

		out = append(out, domain.ChangeRecord{
			Date:         current.Date,
			FundID:       current.FundID,
			HoldingID:    id,
			Action:       action,
			SharesBefore: before,
			SharesAfter:  after,
			Delta:        delta,
			PercentDelta: percent,
		})
	}

	return out
}

func isSignificant(delta, percent float64, policy Thresholds) bool {
	return math.Abs(delta) >= policy.MinShareChange || math.Abs(percent) >= policy.MinPercentChange
}
