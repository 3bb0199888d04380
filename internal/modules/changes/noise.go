package changes

import (
	"math"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/fundwatch/internal/domain"
)

// NoisePolicy decides when a changeset is a systematic adjustment rather than trading.
// A proportional fee accrual or a data normalization shifts nearly every holding by the
// same small percentage in the same direction.
type NoisePolicy struct {
	// MinEntries: changesets with this many entries or fewer are never suppressed
	MinEntries int
	// ModeFrequency is the share of entries (0..1] that must sit on the modal magnitude
	ModeFrequency float64
	// MaxModeMagnitude is the largest modal |percent| still treated as noise
	MaxModeMagnitude float64
}

// DefaultNoisePolicy returns the stock noise policy
func DefaultNoisePolicy() NoisePolicy {
	return NoisePolicy{
		MinEntries:       5,
		ModeFrequency:    0.8,
		MaxModeMagnitude: 2.0,
	}
}

// Assessment describes how a changeset was classified
type Assessment struct {
	Mode       float64 // modal |percent| rounded to one decimal
	Frequency  float64 // share of entries at Mode
	Entries    int
	SameSign   bool
	Systematic bool
}

// Assess classifies a changeset without modifying it
func Assess(changes []domain.ChangeRecord, policy NoisePolicy) Assessment {
	a := Assessment{Entries: len(changes)}
	if len(changes) <= policy.MinEntries || len(changes) == 0 {
		return a
	}

	magnitudes := make([]float64, len(changes))
	positive, negative := 0, 0
	for i, c := range changes {
		magnitudes[i] = scalar.Round(math.Abs(c.PercentDelta), 1)
		switch {
		case c.Delta > 0:
			positive++
		case c.Delta < 0:
			negative++
		}
	}

	mode, count := stat.Mode(magnitudes, nil)
	a.Mode = mode
	a.Frequency = count / float64(len(changes))
	a.SameSign = positive == len(changes) || negative == len(changes)
	a.Systematic = a.Frequency >= policy.ModeFrequency &&
		a.Mode <= policy.MaxModeMagnitude &&
		a.SameSign

	return a
}

// SuppressIfSystematic returns an empty changeset when the input is a systematic
// adjustment and the input unchanged otherwise.
func SuppressIfSystematic(changes []domain.ChangeRecord, policy NoisePolicy) []domain.ChangeRecord {
	if Assess(changes, policy).Systematic {
		return []domain.ChangeRecord{}
	}
	return changes
}
