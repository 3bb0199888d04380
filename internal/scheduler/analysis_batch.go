package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fundwatch/internal/domain"
	"github.com/aristath/fundwatch/internal/queue"
	"github.com/aristath/fundwatch/internal/work"
)

// TaskQueue is the part of the work queue the batch job consumes
type TaskQueue interface {
	DequeueBatch(ctx context.Context, analysisType string, limit int) ([]queue.Task, error)
	MarkStarted(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, taskErr error) error
}

// TaskAnalyzer produces and stores the artifact of one task. deadline bounds the item;
// the analyzer drops optional steps once it no longer allows them.
type TaskAnalyzer interface {
	Analyze(ctx context.Context, task queue.Task, deadline *work.Deadline) (*domain.Artifact, error)
}

// DefaultMaxAttempts is how often a task may fail transiently before it is marked permanent
const DefaultMaxAttempts = 5

// BatchConfig bounds one analysis batch. BacklogLimit is the dequeue window; the job
// loads further windows while budget remains.
type BatchConfig struct {
	Budget       time.Duration
	ItemBudget   time.Duration
	BacklogLimit int
	MaxAttempts  int
}

// AnalysisBatchJob drains the analysis queue in priority order within a wall-clock budget.
// Whatever is left sorts first again on the next invocation.
type AnalysisBatchJob struct {
	queue    TaskQueue
	analyzer TaskAnalyzer
	emitter  work.EventEmitter
	now      func() time.Time
	log      zerolog.Logger
	cfg      BatchConfig
}

// NewAnalysisBatchJob creates a new AnalysisBatchJob
func NewAnalysisBatchJob(q TaskQueue, analyzer TaskAnalyzer, cfg BatchConfig) *AnalysisBatchJob {
	if cfg.BacklogLimit <= 0 {
		cfg.BacklogLimit = 500
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &AnalysisBatchJob{
		queue:    q,
		analyzer: analyzer,
		cfg:      cfg,
		now:      time.Now,
		log:      zerolog.Nop(),
	}
}

// SetLogger sets the logger for the job
func (j *AnalysisBatchJob) SetLogger(log zerolog.Logger) {
	j.log = log.With().Str("job", JobAnalysisBatch).Logger()
}

// SetEventEmitter sets the emitter used for progress events (may be nil)
func (j *AnalysisBatchJob) SetEventEmitter(e work.EventEmitter) {
	j.emitter = e
}

// Name returns the job name
func (j *AnalysisBatchJob) Name() string {
	return JobAnalysisBatch
}

// Run processes the backlog until it is empty or the budget is spent.
// Item failures are recorded on their tasks and never fail the run. Each task is
// attempted at most once per run.
func (j *AnalysisBatchJob) Run(ctx context.Context) (string, error) {
	start := j.now()
	attempted := make(map[int64]bool)
	var total work.BatchResult

	for {
		window := len(attempted) + j.cfg.BacklogLimit
		tasks, err := j.queue.DequeueBatch(ctx, queue.AnalysisHoldings, window)
		if err != nil {
			return "", fmt.Errorf("failed to load backlog: %w", err)
		}
		drained := len(tasks) < window

		fresh := tasks[:0]
		for _, task := range tasks {
			if !attempted[task.ID] {
				attempted[task.ID] = true
				fresh = append(fresh, task)
			}
		}
		if len(fresh) == 0 {
			break
		}

		budget := j.cfg.Budget
		if budget > 0 {
			budget -= j.now().Sub(start)
			if budget <= 0 {
				total.Remaining = len(fresh)
				total.BudgetExhausted = true
				break
			}
		}
		runner := work.NewBatchRunner[queue.Task](budget, j.log)
		runner.SetProgressReporter(work.NewProgressReporter(j.emitter, JobAnalysisBatch, ""))
		result := runner.Run(ctx, fresh, j.processTask)

		total.Processed += result.Processed
		total.Succeeded += result.Succeeded
		total.Failed += result.Failed
		total.Remaining = result.Remaining
		total.BudgetExhausted = result.BudgetExhausted

		if drained || result.Remaining > 0 || result.BudgetExhausted || ctx.Err() != nil {
			break
		}
	}

	if total.Processed == 0 && total.Remaining == 0 {
		return "backlog empty", nil
	}
	total.Elapsed = j.now().Sub(start)

	j.log.Info().
		Int("processed", total.Processed).
		Int("failed", total.Failed).
		Int("remaining", total.Remaining).
		Bool("budget_exhausted", total.BudgetExhausted).
		Dur("elapsed", total.Elapsed).
		Msg("Analysis batch finished")

	return total.String(), nil
}

func (j *AnalysisBatchJob) processTask(ctx context.Context, task queue.Task) error {
	if err := j.queue.MarkStarted(ctx, task.ID); err != nil {
		return err
	}

	// Task state is written even when the run was cancelled mid-item, so the task
	// never stays in_progress until the watchdog resets it.
	writeCtx := context.WithoutCancel(ctx)

	deadline := work.NewDeadline(j.cfg.ItemBudget)
	artifact, err := j.analyzer.Analyze(ctx, task, deadline)
	if err != nil {
		if !queue.IsPermanent(err) && task.RetryCount+1 >= j.cfg.MaxAttempts {
			err = queue.Permanent(fmt.Errorf("giving up after %d attempts: %w", task.RetryCount+1, err))
		}
		if markErr := j.queue.MarkFailed(writeCtx, task.ID, err); markErr != nil {
			j.log.Error().Err(markErr).Int64("task_id", task.ID).Msg("Failed to mark task failed")
		}
		return fmt.Errorf("task %d (%s): %w", task.ID, task.TargetKey, err)
	}

	if err := j.queue.MarkCompleted(writeCtx, task.ID); err != nil {
		return err
	}

	j.log.Debug().
		Str("target", task.TargetKey).
		Str("artifact", artifact.ID).
		Dur("elapsed", deadline.Elapsed()).
		Msg("Task analyzed")
	return nil
}
