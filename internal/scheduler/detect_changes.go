package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fundwatch/internal/domain"
	"github.com/aristath/fundwatch/internal/events"
	"github.com/aristath/fundwatch/internal/modules/changes"
	"github.com/aristath/fundwatch/internal/queue"
	"github.com/aristath/fundwatch/internal/retry"
	"github.com/aristath/fundwatch/internal/work"
)

// Job names
const (
	JobDetectChanges     = "detect_changes"
	JobAnalysisBatch     = "analysis_batch"
	JobRetryPass         = "retry_pass"
	JobStaleTaskWatchdog = "stale_task_watchdog"
	JobHistoryCleanup    = "history_cleanup"
)

// FundRegistry lists the funds to watch
type FundRegistry interface {
	ListActive(ctx context.Context) ([]domain.Fund, error)
	Get(ctx context.Context, fundID string) (*domain.Fund, error)
}

// SnapshotWriter stores provider snapshots
type SnapshotWriter interface {
	Upsert(ctx context.Context, rows []domain.HoldingSnapshot) error
}

// ChangeDetector diffs a stored snapshot against the previous one and writes the ledger
type ChangeDetector interface {
	DetectForDate(ctx context.Context, fundID, date string) (*changes.Result, error)
}

// TaskEnqueuer adds analysis tasks to the work queue
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, analysisType string, target queue.Target, priority int) (bool, error)
}

// FailureRecorder records failed units of work for the retry pass
type FailureRecorder interface {
	Record(ctx context.Context, f retry.Failure) error
}

// DetectChangesJob ingests today's holdings of every active fund, detects changes and
// enqueues one analysis task per fund with a non-empty changeset
type DetectChangesJob struct {
	funds     FundRegistry
	provider  domain.HoldingsProvider
	snapshots SnapshotWriter
	detector  ChangeDetector
	tasks     TaskEnqueuer
	failures  FailureRecorder
	emitter   EventEmitter
	skip      *work.SkipCache
	now       func() time.Time
	log       zerolog.Logger
}

// NewDetectChangesJob creates a new DetectChangesJob
func NewDetectChangesJob(
	funds FundRegistry,
	provider domain.HoldingsProvider,
	snapshots SnapshotWriter,
	detector ChangeDetector,
	tasks TaskEnqueuer,
	failures FailureRecorder,
) *DetectChangesJob {
	return &DetectChangesJob{
		funds:     funds,
		provider:  provider,
		snapshots: snapshots,
		detector:  detector,
		tasks:     tasks,
		failures:  failures,
		now:       time.Now,
		log:       zerolog.Nop(),
	}
}

// SetLogger sets the logger for the job
func (j *DetectChangesJob) SetLogger(log zerolog.Logger) {
	j.log = log.With().Str("job", JobDetectChanges).Logger()
}

// SetEventEmitter sets the event emitter (may be nil)
func (j *DetectChangesJob) SetEventEmitter(e EventEmitter) {
	j.emitter = e
}

// SetSkipCache sets the cache of detected snapshots (may be nil). It is keyed by
// domain.ChangesetKey, so the detector's invalidation on ledger writes applies to it.
func (j *DetectChangesJob) SetSkipCache(skip *work.SkipCache) {
	j.skip = skip
}

// Name returns the job name
func (j *DetectChangesJob) Name() string {
	return JobDetectChanges
}

// Run processes every active fund for today's date. A fund that fails is recorded for
// retry and does not fail the run.
func (j *DetectChangesJob) Run(ctx context.Context) (string, error) {
	funds, err := j.funds.ListActive(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list funds: %w", err)
	}

	date := j.now().UTC().Format(domain.DateLayout)
	var changed, unchanged, failed int

	for _, fund := range funds {
		if ctx.Err() != nil {
			break
		}

		result, err := j.RunForFund(ctx, fund, date)
		if err != nil {
			failed++
			j.log.Warn().Err(err).Str("fund", fund.ID).Str("date", date).Msg("Change detection failed for fund")
			if recErr := j.failures.Record(context.WithoutCancel(ctx), retry.Failure{
				JobName:    JobDetectChanges,
				TargetDate: date,
				EntityID:   fund.ID,
				EntityType: retry.EntityFund,
				Reason:     err.Error(),
			}); recErr != nil {
				j.log.Error().Err(recErr).Str("fund", fund.ID).Msg("Failed to record retry entry")
			}
			continue
		}
		switch {
		case result.Unchanged:
			unchanged++
		case len(result.Changes) > 0:
			changed++
		}
	}

	msg := fmt.Sprintf("%d funds, %d with changes, %d failed", len(funds), changed, failed)
	if unchanged > 0 {
		msg += fmt.Sprintf(", %d unchanged", unchanged)
	}
	return msg, nil
}

// RunForFund fetches, stores and diffs one fund's snapshot for date, then enqueues its
// analysis task when the changeset is non-empty. A snapshot identical to the one last
// detected for the same fund and date is not stored or diffed again.
func (j *DetectChangesJob) RunForFund(ctx context.Context, fund domain.Fund, date string) (*changes.Result, error) {
	snap, err := j.provider.FetchHoldings(ctx, fund.ID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch holdings: %w", err)
	}
	if snap.FundID == "" {
		snap.FundID = fund.ID
	}
	if snap.Date == "" {
		snap.Date = date
	}

	if j.skip == nil {
		return j.detect(ctx, fund, snap)
	}

	key := domain.ChangesetKey(fund.ID, snap.Date)
	fingerprint := snap.Fingerprint()
	if skip, seen := j.skip.ShouldSkip(key); skip && seen == fingerprint {
		j.log.Debug().Str("fund", fund.ID).Str("date", snap.Date).Msg("Snapshot unchanged since last detection, skipping")
		return &changes.Result{FundID: fund.ID, Date: snap.Date, Unchanged: true}, nil
	}

	result, err := j.detect(ctx, fund, snap)
	if err != nil {
		return nil, err
	}
	j.skip.MarkSkip(key, fingerprint)
	return result, nil
}

func (j *DetectChangesJob) detect(ctx context.Context, fund domain.Fund, snap *domain.ProviderSnapshot) (*changes.Result, error) {
	if err := j.snapshots.Upsert(ctx, snap.ToSnapshots()); err != nil {
		return nil, fmt.Errorf("failed to store snapshot: %w", err)
	}

	result, err := j.detector.DetectForDate(ctx, fund.ID, snap.Date)
	if err != nil {
		return nil, err
	}
	if result.Baseline {
		return result, nil
	}

	j.emit(&events.ChangesDetectedData{
		FundID:       result.FundID,
		Date:         result.Date,
		PreviousDate: result.PreviousDate,
		Changes:      len(result.Changes),
		Candidates:   result.Candidates,
		Suppressed:   result.Suppressed,
	})

	if len(result.Changes) == 0 {
		return result, nil
	}

	target := queue.FundDateTarget(fund.ID, result.Date)
	priority := queue.PriorityForTier(fund.Tier)
	created, err := j.tasks.Enqueue(ctx, queue.AnalysisHoldings, target, priority)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue analysis: %w", err)
	}
	if created {
		j.emit(&events.TaskEnqueuedData{
			AnalysisType: queue.AnalysisHoldings,
			TargetKey:    target.Key(),
			Priority:     priority,
		})
	}

	j.log.Info().
		Str("fund", fund.ID).
		Str("date", result.Date).
		Int("changes", len(result.Changes)).
		Bool("enqueued", created).
		Msg("Detected holding changes")

	return result, nil
}

// RetryHandler re-runs detection for the fund and date of a retry entry
func (j *DetectChangesJob) RetryHandler() retry.Handler {
	return func(ctx context.Context, e retry.Entry) error {
		fund, err := j.funds.Get(ctx, e.EntityID)
		if err != nil {
			return err
		}
		_, err = j.RunForFund(ctx, *fund, e.TargetDate)
		return err
	}
}

func (j *DetectChangesJob) emit(data events.EventData) {
	if j.emitter != nil {
		j.emitter.EmitTyped(JobDetectChanges, data)
	}
}
