package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fundwatch/internal/domain"
	"github.com/aristath/fundwatch/internal/queue"
	testingpkg "github.com/aristath/fundwatch/internal/testing"
	"github.com/aristath/fundwatch/internal/work"
)

type fakeLedger struct {
	changes map[string][]domain.ChangeRecord
	history map[string][]domain.ChangeRecord
	err     error
	lookups int
}

func (l *fakeLedger) GetChanges(_ context.Context, fundID, date string) ([]domain.ChangeRecord, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.changes[domain.ChangesetKey(fundID, date)], nil
}

func (l *fakeLedger) GetHoldingHistory(_ context.Context, _, holdingID string, _ int) ([]domain.ChangeRecord, error) {
	l.lookups++
	return l.history[holdingID], nil
}

type fakeInference struct {
	AnalyzeFunc func(ctx context.Context, fundID, text string) (*domain.AnalysisResult, error)
	prompts     []string
}

func (f *fakeInference) Analyze(ctx context.Context, fundID, text string) (*domain.AnalysisResult, error) {
	f.prompts = append(f.prompts, text)
	return f.AnalyzeFunc(ctx, fundID, text)
}

type memoryStore struct {
	artifacts map[string]*domain.Artifact
	saves     int
}

func (m *memoryStore) Save(_ context.Context, a *domain.Artifact) error {
	m.saves++
	m.artifacts[a.ID] = a
	return nil
}

func (m *memoryStore) Get(_ context.Context, id string) (*domain.Artifact, error) {
	a, ok := m.artifacts[id]
	if !ok {
		return nil, domain.ErrArtifactNotFound
	}
	return a, nil
}

func bullish() *fakeInference {
	return &fakeInference{AnalyzeFunc: func(context.Context, string, string) (*domain.AnalysisResult, error) {
		return &domain.AnalysisResult{Sentiment: "bullish", Score: 0.7, Summary: "Adding to A"}, nil
	}}
}

func task(fund, date string) queue.Task {
	target := queue.FundDateTarget(fund, date)
	return queue.Task{ID: 1, AnalysisType: queue.AnalysisHoldings, Target: target, TargetKey: target.Key()}
}

func scenarioLedger() *fakeLedger {
	return &fakeLedger{
		changes: map[string][]domain.ChangeRecord{
			"F/2024-03-04": {
				{Date: "2024-03-04", FundID: "F", HoldingID: "A", Action: domain.ActionIncrease, SharesBefore: 1000, SharesAfter: 1200, Delta: 200, PercentDelta: 20},
				{Date: "2024-03-04", FundID: "F", HoldingID: "B", Action: domain.ActionDecrease, SharesBefore: 500, SharesAfter: 0, Delta: -500, PercentDelta: -100},
			},
		},
		history: map[string][]domain.ChangeRecord{
			"B": {
				{Date: "2024-03-04", Delta: -500},
				{Date: "2024-02-20", Delta: -250},
			},
		},
	}
}

func TestService_AnalyzeStoresArtifact(t *testing.T) {
	ledger := scenarioLedger()
	inference := bullish()
	store := &memoryStore{artifacts: map[string]*domain.Artifact{}}
	svc := NewService(ledger, inference, store, zerolog.Nop())

	artifact, err := svc.Analyze(context.Background(), task("F", "2024-03-04"), work.NewDeadline(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, ArtifactID(queue.AnalysisHoldings, "fund_date/F/2024-03-04"), artifact.ID)
	assert.Equal(t, "bullish", artifact.Result.Sentiment)
	assert.Equal(t, 2, artifact.ChangeCount)
	assert.Equal(t, "F", artifact.FundID)

	require.Len(t, inference.prompts, 1)
	assert.Contains(t, inference.prompts[0], "- A: increase +200 shares")
	assert.Contains(t, inference.prompts[0], "Earlier moves:\n- B: 2024-02-20 -250")

	stored, err := store.Get(context.Background(), artifact.ID)
	require.NoError(t, err)
	assert.Equal(t, artifact, stored)
}

func TestService_ReanalysisOverwritesSameArtifact(t *testing.T) {
	store := &memoryStore{artifacts: map[string]*domain.Artifact{}}
	svc := NewService(scenarioLedger(), bullish(), store, zerolog.Nop())

	first, err := svc.Analyze(context.Background(), task("F", "2024-03-04"), nil)
	require.NoError(t, err)
	second, err := svc.Analyze(context.Background(), task("F", "2024-03-04"), nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.artifacts, 1)
	assert.Equal(t, 2, store.saves)
}

func TestService_SkipsHistoryWhenItemBudgetSpent(t *testing.T) {
	ledger := scenarioLedger()
	inference := bullish()
	svc := NewService(ledger, inference, &memoryStore{artifacts: map[string]*domain.Artifact{}}, zerolog.Nop())

	// A one-nanosecond budget is spent by the time the history step is considered
	_, err := svc.Analyze(context.Background(), task("F", "2024-03-04"), work.NewDeadline(time.Nanosecond))
	require.NoError(t, err)

	assert.Equal(t, 0, ledger.lookups)
	assert.NotContains(t, inference.prompts[0], "Earlier moves")
}

func TestService_PermanentFailures(t *testing.T) {
	svc := NewService(scenarioLedger(), bullish(), &memoryStore{artifacts: map[string]*domain.Artifact{}}, zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		name string
		task queue.Task
		want error
	}{
		{"fund target", queue.Task{Target: queue.FundTarget("F")}, ErrMalformedTarget},
		{"bad date", task("F", "04/03/2024"), ErrMalformedTarget},
		{"empty changeset", task("F", "2024-03-05"), ErrEmptyChangeset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Analyze(ctx, tt.task, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, queue.IsPermanent(err))
		})
	}
}

func TestService_TransientFailures(t *testing.T) {
	ctx := context.Background()
	store := &memoryStore{artifacts: map[string]*domain.Artifact{}}

	failing := &fakeInference{AnalyzeFunc: func(context.Context, string, string) (*domain.AnalysisResult, error) {
		return nil, errors.New("inference engine busy")
	}}
	svc := NewService(scenarioLedger(), failing, store, zerolog.Nop())
	_, err := svc.Analyze(ctx, task("F", "2024-03-04"), nil)
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
	assert.Equal(t, 0, store.saves, "no partial artifact")

	ledger := scenarioLedger()
	ledger.err = errors.New("database is locked")
	svc = NewService(ledger, bullish(), store, zerolog.Nop())
	_, err = svc.Analyze(ctx, task("F", "2024-03-04"), nil)
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
}

func TestArtifactID_Stable(t *testing.T) {
	a := ArtifactID(queue.AnalysisHoldings, "fund_date/F/2024-03-04")
	assert.Equal(t, a, ArtifactID(queue.AnalysisHoldings, "fund_date/F/2024-03-04"))
	assert.NotEqual(t, a, ArtifactID(queue.AnalysisHoldings, "fund_date/F/2024-03-05"))
	assert.NotEqual(t, a, ArtifactID("other", "fund_date/F/2024-03-04"))
}

func TestService_MockInferenceClient(t *testing.T) {
	inference := testingpkg.NewMockInferenceClient()
	store := &memoryStore{artifacts: map[string]*domain.Artifact{}}
	svc := NewService(scenarioLedger(), inference, store, zerolog.Nop())
	ctx := context.Background()

	artifact, err := svc.Analyze(ctx, task("F", "2024-03-04"), nil)
	require.NoError(t, err)
	assert.Equal(t, "neutral", artifact.Result.Sentiment)
	assert.Equal(t, "mock", artifact.Result.Model)

	inference.SetError(errors.New("connection refused"))
	_, err = svc.Analyze(ctx, task("F", "2024-03-04"), nil)
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))

	require.Len(t, inference.Prompts(), 2)
	assert.Equal(t, inference.Prompts()[0], inference.Prompts()[1])
	assert.Equal(t, 1, store.saves)
}
