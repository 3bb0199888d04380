package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fundwatch/internal/retry"
)

// RetryPassJob runs one pass of the retry processor
type RetryPassJob struct {
	processor *retry.Processor
	log       zerolog.Logger
}

// NewRetryPassJob creates a new RetryPassJob
func NewRetryPassJob(processor *retry.Processor) *RetryPassJob {
	return &RetryPassJob{processor: processor, log: zerolog.Nop()}
}

// SetLogger sets the logger for the job
func (j *RetryPassJob) SetLogger(log zerolog.Logger) {
	j.log = log.With().Str("job", JobRetryPass).Logger()
}

// Name returns the job name
func (j *RetryPassJob) Name() string {
	return JobRetryPass
}

// Run processes pending retry entries. A pass skipped for contention succeeds.
func (j *RetryPassJob) Run(ctx context.Context) (string, error) {
	result, err := j.processor.Process(ctx)
	return result.String(), err
}

// StaleResetter returns in-progress work abandoned by a dead process to a runnable state
type StaleResetter interface {
	ResetStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// StuckRetryResetter is the retry queue's equivalent of StaleResetter
type StuckRetryResetter interface {
	ResetStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

// StaleTaskWatchdogJob returns queue tasks stuck in progress to pending and releases stuck retry entries
type StaleTaskWatchdogJob struct {
	tasks      StaleResetter
	retries    StuckRetryResetter
	log        zerolog.Logger
	staleAfter time.Duration
}

// NewStaleTaskWatchdogJob creates a new StaleTaskWatchdogJob. retries may be nil.
func NewStaleTaskWatchdogJob(tasks StaleResetter, retries StuckRetryResetter, staleAfter time.Duration) *StaleTaskWatchdogJob {
	return &StaleTaskWatchdogJob{
		tasks:      tasks,
		retries:    retries,
		staleAfter: staleAfter,
		log:        zerolog.Nop(),
	}
}

// SetLogger sets the logger for the job
func (j *StaleTaskWatchdogJob) SetLogger(log zerolog.Logger) {
	j.log = log.With().Str("job", JobStaleTaskWatchdog).Logger()
}

// Name returns the job name
func (j *StaleTaskWatchdogJob) Name() string {
	return JobStaleTaskWatchdog
}

// Run resets everything older than the stale bound
func (j *StaleTaskWatchdogJob) Run(ctx context.Context) (string, error) {
	tasks, err := j.tasks.ResetStale(ctx, j.staleAfter)
	if err != nil {
		return "", err
	}

	var entries int64
	if j.retries != nil {
		entries, err = j.retries.ResetStuck(ctx, j.staleAfter)
		if err != nil {
			return "", err
		}
	}

	if tasks > 0 || entries > 0 {
		j.log.Warn().Int64("tasks", tasks).Int64("retry_entries", entries).Msg("Reset stale work")
	}
	return fmt.Sprintf("reset %d tasks, %d retry entries", tasks, entries), nil
}

// HistoryPruner deletes execution records older than a cutoff
type HistoryPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// TerminalRetryPurger deletes finished retry entries older than a cutoff
type TerminalRetryPurger interface {
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

// CompletedTaskPurger deletes completed queue tasks older than a cutoff
type CompletedTaskPurger interface {
	PurgeCompleted(ctx context.Context, before time.Time) (int64, error)
}

// HistoryCleanupJob applies the retention window to execution history, retry entries
// and completed queue tasks
type HistoryCleanupJob struct {
	history   HistoryPruner
	retries   TerminalRetryPurger
	tasks     CompletedTaskPurger
	now       func() time.Time
	log       zerolog.Logger
	retention time.Duration
}

// NewHistoryCleanupJob creates a new HistoryCleanupJob
func NewHistoryCleanupJob(history HistoryPruner, retries TerminalRetryPurger, tasks CompletedTaskPurger, retentionDays int) *HistoryCleanupJob {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &HistoryCleanupJob{
		history:   history,
		retries:   retries,
		tasks:     tasks,
		now:       time.Now,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		log:       zerolog.Nop(),
	}
}

// SetLogger sets the logger for the job
func (j *HistoryCleanupJob) SetLogger(log zerolog.Logger) {
	j.log = log.With().Str("job", JobHistoryCleanup).Logger()
}

// Name returns the job name
func (j *HistoryCleanupJob) Name() string {
	return JobHistoryCleanup
}

// Run deletes everything older than the retention window
func (j *HistoryCleanupJob) Run(ctx context.Context) (string, error) {
	cutoff := j.now().Add(-j.retention)

	executions, err := j.history.Prune(ctx, cutoff)
	if err != nil {
		return "", err
	}
	entries, err := j.retries.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return "", err
	}
	tasks, err := j.tasks.PurgeCompleted(ctx, cutoff)
	if err != nil {
		return "", err
	}

	j.log.Info().
		Int64("executions", executions).
		Int64("retry_entries", entries).
		Int64("tasks", tasks).
		Time("cutoff", cutoff).
		Msg("History cleanup completed")

	return fmt.Sprintf("deleted %d executions, %d retry entries, %d tasks", executions, entries, tasks), nil
}
