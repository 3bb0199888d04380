// Package analysis turns a queued changeset into a stored analysis artifact.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/fundwatch/internal/domain"
	"github.com/aristath/fundwatch/internal/events"
	"github.com/aristath/fundwatch/internal/modules/changes"
	"github.com/aristath/fundwatch/internal/queue"
	"github.com/aristath/fundwatch/internal/work"
)

var (
	// ErrMalformedTarget marks tasks whose target cannot be analyzed at all
	ErrMalformedTarget = queue.ErrMalformedTarget
	// ErrEmptyChangeset is returned when the ledger holds no changes for the target
	ErrEmptyChangeset = errors.New("changeset is empty")
)

// artifactNamespace scopes artifact ids derived with uuid.NewSHA1
var artifactNamespace = uuid.MustParse("6f1c2b8e-3d4a-5e6f-8a9b-0c1d2e3f4a5b")

const (
	historyHoldings = 5
	historyDepth    = 3
	// Rough cost of one history lookup; the step is dropped when the item budget can't fit it
	historyStepEstimate = 2 * time.Second
)

// ChangeReader reads the change ledger
type ChangeReader interface {
	GetChanges(ctx context.Context, fundID, date string) ([]domain.ChangeRecord, error)
	GetHoldingHistory(ctx context.Context, fundID, holdingID string, limit int) ([]domain.ChangeRecord, error)
}

// EventEmitter emits typed pipeline events
type EventEmitter interface {
	EmitTyped(module string, data events.EventData)
}

// ArtifactID returns the stable artifact id of a target
func ArtifactID(analysisType, targetKey string) string {
	return uuid.NewSHA1(artifactNamespace, []byte(analysisType+"|"+targetKey)).String()
}

// Service analyzes holdings changesets
type Service struct {
	changes   ChangeReader
	inference domain.InferenceClient
	store     domain.ArtifactStore
	emitter   EventEmitter
	now       func() time.Time
	log       zerolog.Logger
}

// NewService creates a new analysis service
func NewService(changeReader ChangeReader, inference domain.InferenceClient, store domain.ArtifactStore, log zerolog.Logger) *Service {
	return &Service{
		changes:   changeReader,
		inference: inference,
		store:     store,
		now:       time.Now,
		log:       log.With().Str("service", "analysis").Logger(),
	}
}

// SetEventEmitter sets the event emitter (may be nil)
func (s *Service) SetEventEmitter(e EventEmitter) {
	s.emitter = e
}

// Analyze loads the task's changeset, sends it to the inference collaborator and stores
// the artifact. Targets that can never succeed return a queue.Permanent error.
func (s *Service) Analyze(ctx context.Context, task queue.Task, deadline *work.Deadline) (*domain.Artifact, error) {
	artifact, err := s.analyze(ctx, task, deadline)
	if err != nil {
		s.emit(&events.AnalysisData{
			TaskID:       task.ID,
			AnalysisType: task.AnalysisType,
			TargetKey:    task.TargetKey,
			Error:        err.Error(),
		})
		return nil, err
	}

	s.emit(&events.AnalysisData{
		TaskID:       task.ID,
		AnalysisType: task.AnalysisType,
		TargetKey:    task.TargetKey,
		ArtifactID:   artifact.ID,
		Sentiment:    artifact.Result.Sentiment,
		Score:        artifact.Result.Score,
	})
	return artifact, nil
}

func (s *Service) analyze(ctx context.Context, task queue.Task, deadline *work.Deadline) (*domain.Artifact, error) {
	target := task.Target
	if target.Kind != queue.TargetFundDate {
		return nil, queue.Permanent(fmt.Errorf("%w: %s needs a fund and date", ErrMalformedTarget, target))
	}
	if err := target.Validate(); err != nil {
		return nil, queue.Permanent(err)
	}

	changeset, err := s.changes.GetChanges(ctx, target.FundID, target.Date)
	if err != nil {
		return nil, fmt.Errorf("failed to load changeset: %w", err)
	}
	if len(changeset) == 0 {
		return nil, queue.Permanent(fmt.Errorf("%w for %s", ErrEmptyChangeset, target))
	}

	text := changes.FormatChangeset(target.FundID, target.Date, changeset)
	if deadline == nil {
		deadline = work.NewDeadline(0)
	}
	text += s.historyContext(ctx, target, changeset, deadline)

	result, err := s.inference.Analyze(ctx, target.FundID, text)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	artifact := &domain.Artifact{
		CreatedAt:    s.now().UTC(),
		ID:           ArtifactID(task.AnalysisType, task.TargetKey),
		AnalysisType: task.AnalysisType,
		TargetKey:    task.TargetKey,
		FundID:       target.FundID,
		Date:         target.Date,
		Result:       *result,
		ChangeCount:  len(changeset),
	}
	if err := s.store.Save(ctx, artifact); err != nil {
		return nil, fmt.Errorf("failed to save artifact: %w", err)
	}

	s.log.Info().
		Str("target", task.TargetKey).
		Str("artifact", artifact.ID).
		Str("sentiment", result.Sentiment).
		Int("changes", len(changeset)).
		Msg("Analysis stored")

	return artifact, nil
}

// historyContext describes earlier moves of the largest changes. It is optional and stops
// as soon as the item deadline can't fit another lookup.
func (s *Service) historyContext(ctx context.Context, target queue.Target, changeset []domain.ChangeRecord, deadline *work.Deadline) string {
	largest := make([]domain.ChangeRecord, len(changeset))
	copy(largest, changeset)
	sort.SliceStable(largest, func(i, j int) bool {
		return math.Abs(largest[i].Delta) > math.Abs(largest[j].Delta)
	})
	if len(largest) > historyHoldings {
		largest = largest[:historyHoldings]
	}

	var b strings.Builder
	for _, c := range largest {
		if !deadline.Allows(historyStepEstimate) {
			s.log.Debug().Str("target", target.Key()).Msg("Item budget spent, skipping history context")
			break
		}

		history, err := s.changes.GetHoldingHistory(ctx, target.FundID, c.HoldingID, historyDepth+1)
		if err != nil {
			s.log.Warn().Err(err).Str("holding", c.HoldingID).Msg("Failed to load holding history")
			continue
		}

		var earlier []string
		for _, h := range history {
			if h.Date >= target.Date {
				continue
			}
			earlier = append(earlier, fmt.Sprintf("%s %+.0f", h.Date, h.Delta))
			if len(earlier) == historyDepth {
				break
			}
		}
		if len(earlier) == 0 {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("Earlier moves:\n")
		}
		fmt.Fprintf(&b, "- %s: %s\n", c.HoldingID, strings.Join(earlier, ", "))
	}
	return b.String()
}

func (s *Service) emit(data events.EventData) {
	if s.emitter != nil {
		s.emitter.EmitTyped("analysis", data)
	}
}
