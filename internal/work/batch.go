package work

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// BatchResult summarizes one BatchRunner.Run invocation
type BatchResult struct {
	Elapsed         time.Duration `json:"elapsed"`
	Processed       int           `json:"processed"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	Remaining       int           `json:"remaining"`
	BudgetExhausted bool          `json:"budget_exhausted"`
}

// String renders the result as an execution history message
func (r BatchResult) String() string {
	msg := fmt.Sprintf("processed %d (%d succeeded, %d failed), %d remaining", r.Processed, r.Succeeded, r.Failed, r.Remaining)
	if r.BudgetExhausted {
		msg += ", budget exhausted"
	}
	return msg
}

// ItemHandler processes one backlog item. A returned error is counted against the item only.
type ItemHandler[T any] func(ctx context.Context, item T) error

// BatchRunner processes items sequentially within a wall-clock budget
type BatchRunner[T any] struct {
	progress *ProgressReporter
	now      func() time.Time
	log      zerolog.Logger
	budget   time.Duration
}

// NewBatchRunner creates a runner. A non-positive budget means no budget.
func NewBatchRunner[T any](budget time.Duration, log zerolog.Logger) *BatchRunner[T] {
	return &BatchRunner[T]{
		budget: budget,
		now:    time.Now,
		log:    log.With().Str("component", "batch_runner").Logger(),
	}
}

// SetProgressReporter attaches a progress reporter (may be nil)
func (r *BatchRunner[T]) SetProgressReporter(p *ProgressReporter) {
	r.progress = p
}

// Run hands items to handler in order. After each item it checks the elapsed time and stops
// once the budget is exceeded; items after that point are left untouched and counted in
// Remaining. Handler errors and panics are counted as failures and never stop the batch.
// A cancelled ctx stops the batch between items like budget exhaustion does.
func (r *BatchRunner[T]) Run(ctx context.Context, items []T, handler ItemHandler[T]) BatchResult {
	start := r.now()
	result := BatchResult{Remaining: len(items)}

	for i, item := range items {
		if err := r.runItem(ctx, item, handler); err != nil {
			result.Failed++
			r.log.Warn().Err(err).Int("index", i).Msg("Batch item failed")
		} else {
			result.Succeeded++
		}
		result.Processed++
		result.Remaining = len(items) - result.Processed

		r.progress.Report(result.Processed, len(items), "")

		if result.Remaining == 0 {
			break
		}
		if r.budget > 0 && r.now().Sub(start) > r.budget {
			result.BudgetExhausted = true
			r.log.Info().
				Int("processed", result.Processed).
				Int("remaining", result.Remaining).
				Dur("budget", r.budget).
				Msg("Batch budget exhausted, deferring remaining items")
			break
		}
		if ctx.Err() != nil {
			r.log.Info().Int("remaining", result.Remaining).Msg("Batch cancelled between items")
			break
		}
	}

	result.Elapsed = r.now().Sub(start)
	return result
}

func (r *BatchRunner[T]) runItem(ctx context.Context, item T, handler ItemHandler[T]) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in batch item: %v", p)
		}
	}()
	return handler(ctx, item)
}
