// Package domain provides core domain models and types.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// DateLayout is the canonical format of snapshot and change dates
const DateLayout = "2006-01-02"

// FundTier ranks funds for analysis priority
type FundTier string

const (
	// FundTierHeld marks funds whose positions we actually hold
	FundTierHeld FundTier = "held"
	// FundTierWatched marks funds that are only tracked
	FundTierWatched FundTier = "watched"
)

// Fund is a tracked investment fund
type Fund struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ID        string    `json:"fund_id"`
	Name      string    `json:"name"`
	Tier      FundTier  `json:"tier"`
	Active    bool      `json:"active"`
}

// HoldingSnapshot is one holding of one fund on one date.
// Identity is (Date, FundID, HoldingID).
type HoldingSnapshot struct {
	Date          string  `json:"date"`
	FundID        string  `json:"fund_id"`
	HoldingID     string  `json:"holding_id"`
	Shares        float64 `json:"shares"`
	WeightPercent float64 `json:"weight_percent"`
	MarketValue   float64 `json:"market_value"`
}

// ChangeAction is the direction of a share change
type ChangeAction string

const (
	ActionIncrease ChangeAction = "increase"
	ActionDecrease ChangeAction = "decrease"
)

// ChangeRecord is a significant share change between two consecutive snapshots.
// Identity is (Date, FundID, HoldingID). Date is the date of the newer snapshot.
type ChangeRecord struct {
	Date         string       `json:"date"`
	FundID       string       `json:"fund_id"`
	HoldingID    string       `json:"holding_id"`
	Action       ChangeAction `json:"action"`
	SharesBefore float64      `json:"shares_before"`
	SharesAfter  float64      `json:"shares_after"`
	Delta        float64      `json:"delta"`
	PercentDelta float64      `json:"percent_delta"`
}

// ChangesetKey identifies the changeset of one fund and date in caches
func ChangesetKey(fundID, date string) string {
	return fundID + "/" + date
}

// IsNewPosition reports whether the holding was absent from the previous snapshot
func (c ChangeRecord) IsNewPosition() bool {
	return c.SharesBefore == 0 && c.SharesAfter > 0
}

// IsClosedPosition reports whether the holding is absent from the current snapshot
func (c ChangeRecord) IsClosedPosition() bool {
	return c.SharesAfter == 0 && c.SharesBefore > 0
}

// ProviderHolding is one row of a provider holdings feed
type ProviderHolding struct {
	HoldingID     string  `json:"holding_id"`
	Shares        float64 `json:"shares"`
	WeightPercent float64 `json:"weight_percent"`
	MarketValue   float64 `json:"market_value"`
}

// ProviderSnapshot is the complete holdings set reported by a provider for one fund and date
type ProviderSnapshot struct {
	FundID        string            `json:"fund_id"`
	Date          string            `json:"date"`
	Holdings      []ProviderHolding `json:"holdings"`
	ReportedTotal int               `json:"reported_total"`
}

// ToSnapshots converts the provider rows into snapshot rows for storage
func (p *ProviderSnapshot) ToSnapshots() []HoldingSnapshot {
	out := make([]HoldingSnapshot, 0, len(p.Holdings))
	for _, h := range p.Holdings {
		out = append(out, HoldingSnapshot{
			Date:          p.Date,
			FundID:        p.FundID,
			HoldingID:     h.HoldingID,
			Shares:        h.Shares,
			WeightPercent: h.WeightPercent,
			MarketValue:   h.MarketValue,
		})
	}
	return out
}

// Fingerprint hashes the holding rows independent of their order
func (p *ProviderSnapshot) Fingerprint() string {
	rows := make([]string, 0, len(p.Holdings))
	for _, h := range p.Holdings {
		rows = append(rows, fmt.Sprintf("%s|%g|%g|%g", h.HoldingID, h.Shares, h.WeightPercent, h.MarketValue))
	}
	sort.Strings(rows)

	hash := sha256.New()
	for _, row := range rows {
		hash.Write([]byte(row))
		hash.Write([]byte{'\n'})
	}
	return hex.EncodeToString(hash.Sum(nil))
}

// AnalysisResult is the structured output of the inference collaborator
type AnalysisResult struct {
	Sentiment    string   `json:"sentiment" msgpack:"sentiment"`
	Summary      string   `json:"summary" msgpack:"summary"`
	Model        string   `json:"model,omitempty" msgpack:"model"`
	NotableItems []string `json:"notable_items" msgpack:"notable_items"`
	Score        float64  `json:"score" msgpack:"score"`
}

// Artifact is the persisted result of one completed analysis task.
// ID is stable for a given (AnalysisType, TargetKey).
type Artifact struct {
	CreatedAt    time.Time      `json:"created_at" msgpack:"created_at"`
	ID           string         `json:"artifact_id" msgpack:"artifact_id"`
	AnalysisType string         `json:"analysis_type" msgpack:"analysis_type"`
	TargetKey    string         `json:"target_key" msgpack:"target_key"`
	FundID       string         `json:"fund_id" msgpack:"fund_id"`
	Date         string         `json:"date" msgpack:"date"`
	Result       AnalysisResult `json:"result" msgpack:"result"`
	ChangeCount  int            `json:"change_count" msgpack:"change_count"`
}
