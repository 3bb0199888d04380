package changes

import (
	"strings"

	"github.com/aristath/fundwatch/internal/utils"
)

// DefaultExcludedHoldings are cash and balance-sheet lines reported alongside equities
var DefaultExcludedHoldings = []string{
	"CASH",
	"CASH&OTHER",
	"CASH & OTHER",
	"MONEY MARKET",
	"MARGIN",
	"OTHER",
	"USD",
	"EUR",
	"GBP",
	"JPY",
	"CHF",
	"CAD",
	"HKD",
}

// DefaultExcludedPatterns identify derivatives and currency legs by substring
var DefaultExcludedPatterns = []string{
	"FUT",
	"_USD",
	"SWAP",
	"FWD",
}

type excluder struct {
	exact    map[string]bool
	patterns []string
}

func newExcluder(exact, patterns []string) excluder {
	e := excluder{exact: utils.UpperSet(exact)}
	for _, p := range patterns {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			e.patterns = append(e.patterns, p)
		}
	}
	return e
}

func (e excluder) excluded(holdingID string) bool {
	id := strings.ToUpper(strings.TrimSpace(holdingID))
	if id == "" {
		return true
	}
	if e.exact[id] {
		return true
	}
	for _, p := range e.patterns {
		if strings.Contains(id, p) {
			return true
		}
	}
	return false
}

// IsExcluded reports whether a holding id is a non-equity line under the given thresholds
func IsExcluded(holdingID string, policy Thresholds) bool {
	return newExcluder(policy.ExcludedHoldings, policy.ExcludedPatterns).excluded(holdingID)
}
