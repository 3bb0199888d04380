package clientdata

import "time"

// TTL constants, added to the current time when storing to compute expires_at
const (
	// A published snapshot for a past date does not change
	TTLHistoricalHoldings = 30 * 24 * time.Hour
	// Today's snapshot can still be republished by the provider
	TTLCurrentHoldings = 6 * time.Hour
)
