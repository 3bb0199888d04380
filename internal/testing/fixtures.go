package testing

import (
	"time"

	"github.com/aristath/fundwatch/internal/domain"
)

// NewFundFixtures returns a held fund and two watched funds, one of them inactive
func NewFundFixtures() []domain.Fund {
	created := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	return []domain.Fund{
		{ID: "ARKK", Name: "ARK Innovation ETF", Tier: domain.FundTierHeld, Active: true, CreatedAt: created, UpdatedAt: created},
		{ID: "ARKG", Name: "ARK Genomic Revolution ETF", Tier: domain.FundTierWatched, Active: true, CreatedAt: created, UpdatedAt: created},
		{ID: "ARKX", Name: "ARK Space Exploration ETF", Tier: domain.FundTierWatched, Active: false, CreatedAt: created, UpdatedAt: created},
	}
}

// NewHoldingsFixtures returns two consecutive days of ARKK holdings (holding id -> shares).
// Between the days TSLA grows, COIN is closed, ROKU is opened and cash moves.
func NewHoldingsFixtures() (before, after map[string]float64) {
	before = map[string]float64{
		"TSLA":  3_100_000,
		"COIN":  250_000,
		"ZM":    1_200_000,
		"CASH":  12_000_000,
		"PLTR":  4_000_000,
		"SHOP":  900_000,
		"SQ":    1_600_000,
		"HOOD":  2_000_000,
		"PATH":  5_000_000,
		"EXAS":  700_000,
		"CRSP":  1_300_000,
		"U":     3_300_000,
		"DKNG":  1_100_000,
		"TWLO":  600_000,
		"RBLX":  2_600_000,
		"TDOC":  4_200_000,
		"BEAM":  1_900_000,
		"NTLA":  2_300_000,
		"PACB":  3_500_000,
		"TXG":   1_000_000,
		"TER":   400_000,
		"ROIV":  2_900_000,
		"DNA":   9_000_000,
		"RXRX":  6_000_000,
		"MKFG":  1_500_000,
		"FUT_X": 10,
	}

	after = make(map[string]float64, len(before))
	for id, shares := range before {
		after[id] = shares
	}
	after["TSLA"] = 3_250_000
	delete(after, "COIN")
	after["ROKU"] = 800_000
	after["CASH"] = 9_000_000
	return before, after
}
