// Package retry keeps a bounded queue of failed discrete job steps and re-runs them.
package retry

import (
	"errors"
	"time"

	"github.com/aristath/fundwatch/internal/utils"
)

// Status is the state of a retry entry
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusResolved  Status = "resolved"
	StatusAbandoned Status = "abandoned"
)

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusAbandoned
}

var (
	ErrEntryNotFound     = errors.New("retry entry not found")
	ErrInvalidTransition = errors.New("invalid retry transition")
)

// Defaults for a retry pass
const (
	DefaultMaxRetries = 3
	DefaultMaxAgeDays = 7
	DefaultLimit      = 5
)

// Entity types used by the pipeline jobs
const (
	EntityFund = "fund"
)

// Failure identifies a failed unit of work. (JobName, TargetDate, EntityID, EntityType)
// is the natural identity of an entry.
type Failure struct {
	JobName    string
	TargetDate string
	EntityID   string
	EntityType string
	Reason     string
}

// Entry is a stored retry entry
type Entry struct {
	CreatedAt     time.Time `json:"created_at"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	JobName       string    `json:"job_name"`
	TargetDate    string    `json:"target_date"`
	EntityID      string    `json:"entity_id"`
	EntityType    string    `json:"entity_type"`
	Status        Status    `json:"status"`
	FailureReason string    `json:"failure_reason"`
	ID            int64     `json:"id"`
	RetryCount    int       `json:"retry_count"`
}

const maxReasonLength = 500

func truncateReason(reason string) string {
	return utils.Truncate(reason, maxReasonLength)
}
