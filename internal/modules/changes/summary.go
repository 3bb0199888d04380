package changes

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/fundwatch/internal/domain"
)

// Summary aggregates a changeset for reporting and for the inference prompt
type Summary struct {
	Count               int     `json:"count"`
	Increases           int     `json:"increases"`
	Decreases           int     `json:"decreases"`
	NewPositions        int     `json:"new_positions"`
	ClosedPositions     int     `json:"closed_positions"`
	MeanPercentDelta    float64 `json:"mean_percent_delta"`
	MedianAbsPercent    float64 `json:"median_abs_percent"`
	LargestAbsoluteMove string  `json:"largest_absolute_move,omitempty"`
}

// Summarize computes aggregate statistics over a changeset
func Summarize(changes []domain.ChangeRecord) Summary {
	s := Summary{Count: len(changes)}
	if len(changes) == 0 {
		return s
	}

	percents := make([]float64, len(changes))
	magnitudes := make([]float64, len(changes))
	var largest float64
	for i, c := range changes {
		percents[i] = c.PercentDelta
		magnitudes[i] = math.Abs(c.PercentDelta)

		if c.Action == domain.ActionIncrease {
			s.Increases++
		} else {
			s.Decreases++
		}
		if c.IsNewPosition() {
			s.NewPositions++
		}
		if c.IsClosedPosition() {
			s.ClosedPositions++
		}
		if math.Abs(c.Delta) > largest {
			largest = math.Abs(c.Delta)
			s.LargestAbsoluteMove = c.HoldingID
		}
	}

	sort.Float64s(magnitudes)
	s.MeanPercentDelta = stat.Mean(percents, nil)
	s.MedianAbsPercent = stat.Quantile(0.5, stat.Empirical, magnitudes, nil)

	return s
}

// FormatChangeset renders a changeset as plain text for the inference collaborator
func FormatChangeset(fundID, date string, changes []domain.ChangeRecord) string {
	var b strings.Builder
	s := Summarize(changes)

	fmt.Fprintf(&b, "Fund %s holdings changes on %s\n", fundID, date)
	fmt.Fprintf(&b, "%d changes: %d increases, %d decreases, %d new positions, %d closed positions\n",
		s.Count, s.Increases, s.Decreases, s.NewPositions, s.ClosedPositions)

	for _, c := range changes {
		label := string(c.Action)
		switch {
		case c.IsNewPosition():
			label = "new position"
		case c.IsClosedPosition():
			label = "closed position"
		}
		fmt.Fprintf(&b, "- %s: %s %+.0f shares (%.0f -> %.0f, %+.2f%%)\n",
			c.HoldingID, label, c.Delta, c.SharesBefore, c.SharesAfter, c.PercentDelta)
	}

	return b.String()
}
