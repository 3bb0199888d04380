// Package queue is the persistent, identity-deduplicated analysis work queue.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/fundwatch/internal/domain"
	"github.com/aristath/fundwatch/internal/utils"
)

// Status is the lifecycle state of a task
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// AnalysisHoldings is the analysis type for fund changeset analysis
const AnalysisHoldings = "holdings_analysis"

// Static priority tiers. Higher runs sooner.
const (
	PriorityHeld    = 100 // funds we hold positions in
	PriorityWatched = 10  // funds we only track
)

// PriorityForTier maps a fund tier to its queue priority
func PriorityForTier(tier domain.FundTier) int {
	if tier == domain.FundTierHeld {
		return PriorityHeld
	}
	return PriorityWatched
}

// maxErrorMessageLength caps stored error messages
const maxErrorMessageLength = 500

var (
	// ErrTaskNotFound is returned when no task exists for an id
	ErrTaskNotFound = errors.New("queue task not found")
	// ErrInvalidTransition is returned when a status change is not allowed from the current status
	ErrInvalidTransition = errors.New("invalid queue task transition")
	// ErrMalformedTarget is returned when a target cannot identify the entity it analyzes
	ErrMalformedTarget = errors.New("malformed target")
)

// TargetKind discriminates the Target variant
type TargetKind string

const (
	// TargetFundDate is one fund's changeset on one date
	TargetFundDate TargetKind = "fund_date"
	// TargetFund is a fund as a whole
	TargetFund TargetKind = "fund"
)

// Target identifies what a task analyzes. It is stored as structured columns;
// Key is derived only for uniqueness and is never parsed back.
type Target struct {
	Kind   TargetKind `json:"kind"`
	FundID string     `json:"fund_id"`
	Date   string     `json:"date,omitempty"`
}

// FundDateTarget returns the target for a fund's changeset on a date
func FundDateTarget(fundID, date string) Target {
	return Target{Kind: TargetFundDate, FundID: fundID, Date: date}
}

// FundTarget returns the target for a fund as a whole
func FundTarget(fundID string) Target {
	return Target{Kind: TargetFund, FundID: fundID}
}

// Validate checks that the target carries the fields its kind requires
func (t Target) Validate() error {
	if strings.TrimSpace(t.FundID) == "" {
		return fmt.Errorf("%w: empty fund id", ErrMalformedTarget)
	}
	switch t.Kind {
	case TargetFundDate:
		if _, err := time.Parse(domain.DateLayout, t.Date); err != nil {
			return fmt.Errorf("%w: bad date %q", ErrMalformedTarget, t.Date)
		}
	case TargetFund:
		if t.Date != "" {
			return fmt.Errorf("%w: fund target must not carry a date", ErrMalformedTarget)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedTarget, t.Kind)
	}
	return nil
}

// Key returns the canonical identity string of the target
func (t Target) Key() string {
	if t.Kind == TargetFund {
		return string(t.Kind) + "/" + t.FundID
	}
	return string(t.Kind) + "/" + t.FundID + "/" + t.Date
}

// String implements fmt.Stringer
func (t Target) String() string {
	return t.Key()
}

// Task is one unit of analysis work
type Task struct {
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Target       Target     `json:"target"`
	AnalysisType string     `json:"analysis_type"`
	TargetKey    string     `json:"target_key"`
	Status       Status     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ID           int64      `json:"id"`
	Priority     int        `json:"priority"`
	RetryCount   int        `json:"retry_count"`
	Permanent    bool       `json:"permanent"`
}

// permanentError marks a failure that retrying cannot fix
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so MarkFailed excludes the task from future backlogs until Requeue
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Stats counts tasks per status for one analysis type
type Stats struct {
	AnalysisType string `json:"analysis_type"`
	Pending      int    `json:"pending"`
	InProgress   int    `json:"in_progress"`
	Completed    int    `json:"completed"`
	Failed       int    `json:"failed"`
	Permanent    int    `json:"permanent"`
}

func truncateMessage(msg string) string {
	return utils.Truncate(msg, maxErrorMessageLength)
}
