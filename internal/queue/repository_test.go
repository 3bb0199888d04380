package queue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fundwatch/internal/database"
	testingpkg "github.com/aristath/fundwatch/internal/testing"
)

func setupRepo(t *testing.T) (*Repository, *time.Time) {
	db, cleanup := testingpkg.NewTestDB(t, database.NameQueue)
	t.Cleanup(cleanup)

	clock := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	repo := NewRepository(db.Conn(), zerolog.Nop())
	repo.now = func() time.Time { return clock }
	return repo, &clock
}

func TestEnqueue_Unique(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	target := FundDateTarget("ARKK", "2024-03-04")

	created, err := repo.Enqueue(ctx, AnalysisHoldings, target, PriorityWatched)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.Enqueue(ctx, AnalysisHoldings, target, PriorityHeld)
	require.NoError(t, err)
	assert.False(t, created)

	tasks, err := repo.List(ctx, AnalysisHoldings, "", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, PriorityWatched, tasks[0].Priority, "existing task is left untouched")
	assert.Equal(t, target, tasks[0].Target)
	assert.Equal(t, "fund_date/ARKK/2024-03-04", tasks[0].TargetKey)

	// Same target under another analysis type is a different identity
	created, err = repo.Enqueue(ctx, "other_analysis", target, 0)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestEnqueue_CompletedTaskIsNotRecreated(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	target := FundDateTarget("ARKK", "2024-03-04")

	_, err := repo.Enqueue(ctx, AnalysisHoldings, target, 0)
	require.NoError(t, err)
	tasks, err := repo.DequeueBatch(ctx, AnalysisHoldings, 10)
	require.NoError(t, err)
	require.NoError(t, repo.MarkStarted(ctx, tasks[0].ID))
	require.NoError(t, repo.MarkCompleted(ctx, tasks[0].ID))

	created, err := repo.Enqueue(ctx, AnalysisHoldings, target, 0)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestEnqueue_RejectsMalformedTarget(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	_, err := repo.Enqueue(ctx, AnalysisHoldings, FundDateTarget("ARKK", "03/04/2024"), 0)
	assert.True(t, errors.Is(err, ErrMalformedTarget))

	_, err = repo.Enqueue(ctx, AnalysisHoldings, FundDateTarget("", "2024-03-04"), 0)
	assert.True(t, errors.Is(err, ErrMalformedTarget))
}

func TestDequeueBatch_Ordering(t *testing.T) {
	repo, clock := setupRepo(t)
	ctx := context.Background()

	enqueue := func(fund string, priority int) {
		_, err := repo.Enqueue(ctx, AnalysisHoldings, FundDateTarget(fund, "2024-03-04"), priority)
		require.NoError(t, err)
		*clock = clock.Add(time.Second)
	}
	enqueue("W1", PriorityWatched)
	enqueue("H1", PriorityHeld)
	enqueue("W2", PriorityWatched)
	enqueue("H2", PriorityHeld)

	tasks, err := repo.DequeueBatch(ctx, AnalysisHoldings, 10)
	require.NoError(t, err)

	var order []string
	for _, task := range tasks {
		order = append(order, task.Target.FundID)
		assert.Equal(t, StatusPending, task.Status, "dequeue does not transition")
	}
	assert.Equal(t, []string{"H1", "H2", "W1", "W2"}, order)

	limited, err := repo.DequeueBatch(ctx, AnalysisHoldings, 3)
	require.NoError(t, err)
	assert.Len(t, limited, 3)

	// Running the same query again returns the same backlog
	again, err := repo.DequeueBatch(ctx, AnalysisHoldings, 10)
	require.NoError(t, err)
	assert.Equal(t, tasks, again)
}

func TestDequeueBatch_IncludesFailedExcludesOthers(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	for _, fund := range []string{"A", "B", "C", "D"} {
		_, err := repo.Enqueue(ctx, AnalysisHoldings, FundDateTarget(fund, "2024-03-04"), 0)
		require.NoError(t, err)
	}
	tasks, err := repo.DequeueBatch(ctx, AnalysisHoldings, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	// A completed, B in progress, C failed, D pending
	require.NoError(t, repo.MarkStarted(ctx, tasks[0].ID))
	require.NoError(t, repo.MarkCompleted(ctx, tasks[0].ID))
	require.NoError(t, repo.MarkStarted(ctx, tasks[1].ID))
	require.NoError(t, repo.MarkStarted(ctx, tasks[2].ID))
	require.NoError(t, repo.MarkFailed(ctx, tasks[2].ID, errors.New("inference timeout")))

	backlog, err := repo.DequeueBatch(ctx, AnalysisHoldings, 10)
	require.NoError(t, err)
	require.Len(t, backlog, 2)
	assert.Equal(t, "C", backlog[0].Target.FundID)
	assert.Equal(t, StatusFailed, backlog[0].Status)
	assert.Equal(t, 1, backlog[0].RetryCount)
	assert.Equal(t, "D", backlog[1].Target.FundID)
}

func TestMarkFailed_IncrementsAndTruncates(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	_, err := repo.Enqueue(ctx, AnalysisHoldings, FundDateTarget("A", "2024-03-04"), 0)
	require.NoError(t, err)
	tasks, err := repo.DequeueBatch(ctx, AnalysisHoldings, 1)
	require.NoError(t, err)
	id := tasks[0].ID

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.MarkStarted(ctx, id))
		require.NoError(t, repo.MarkFailed(ctx, id, errors.New(strings.Repeat("x", 2000))))
	}

	task, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, 5, task.RetryCount, "no retry ceiling in the queue")
	assert.Len(t, task.ErrorMessage, maxErrorMessageLength)
}

func TestMarkFailed_TruncatesOnRuneBoundary(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	_, err := repo.Enqueue(ctx, AnalysisHoldings, FundDateTarget("A", "2024-03-04"), 0)
	require.NoError(t, err)
	tasks, err := repo.DequeueBatch(ctx, AnalysisHoldings, 1)
	require.NoError(t, err)
	id := tasks[0].ID

	// 167 x 3-byte runes: a byte cut at 500 would land inside the last one
	require.NoError(t, repo.MarkStarted(ctx, id))
	require.NoError(t, repo.MarkFailed(ctx, id, errors.New(strings.Repeat("€", 167))))

	task, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(task.ErrorMessage))
	assert.Equal(t, strings.Repeat("€", 166), task.ErrorMessage)
}

func TestMarkFailed_PermanentExcludedUntilRequeue(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	_, err := repo.Enqueue(ctx, AnalysisHoldings, FundDateTarget("A", "2024-03-04"), 0)
	require.NoError(t, err)
	tasks, err := repo.DequeueBatch(ctx, AnalysisHoldings, 1)
	require.NoError(t, err)
	id := tasks[0].ID

	require.NoError(t, repo.MarkStarted(ctx, id))
	require.NoError(t, repo.MarkFailed(ctx, id, Permanent(errors.New("no snapshot"))))

	backlog, err := repo.DequeueBatch(ctx, AnalysisHoldings, 10)
	require.NoError(t, err)
	assert.Empty(t, backlog)

	stats, err := repo.GetStats(ctx, AnalysisHoldings)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Permanent)

	require.NoError(t, repo.Requeue(ctx, id))
	backlog, err = repo.DequeueBatch(ctx, AnalysisHoldings, 10)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, StatusPending, backlog[0].Status)
	assert.Equal(t, 1, backlog[0].RetryCount)
}

func TestTransitions_ForwardOnly(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	_, err := repo.Enqueue(ctx, AnalysisHoldings, FundDateTarget("A", "2024-03-04"), 0)
	require.NoError(t, err)
	tasks, err := repo.DequeueBatch(ctx, AnalysisHoldings, 1)
	require.NoError(t, err)
	id := tasks[0].ID

	assert.True(t, errors.Is(repo.MarkCompleted(ctx, id), ErrInvalidTransition), "pending cannot complete")
	assert.True(t, errors.Is(repo.Requeue(ctx, id), ErrInvalidTransition), "only failed can be requeued")

	require.NoError(t, repo.MarkStarted(ctx, id))
	assert.True(t, errors.Is(repo.MarkStarted(ctx, id), ErrInvalidTransition))
	require.NoError(t, repo.MarkCompleted(ctx, id))

	assert.True(t, errors.Is(repo.MarkFailed(ctx, id, errors.New("late")), ErrInvalidTransition))
	assert.True(t, errors.Is(repo.MarkStarted(ctx, id), ErrInvalidTransition))

	assert.True(t, errors.Is(repo.MarkStarted(ctx, 9999), ErrTaskNotFound))
}

func TestResetStale(t *testing.T) {
	repo, clock := setupRepo(t)
	ctx := context.Background()

	for _, fund := range []string{"OLD", "NEW"} {
		_, err := repo.Enqueue(ctx, AnalysisHoldings, FundDateTarget(fund, "2024-03-04"), 0)
		require.NoError(t, err)
	}
	tasks, err := repo.DequeueBatch(ctx, AnalysisHoldings, 10)
	require.NoError(t, err)

	require.NoError(t, repo.MarkStarted(ctx, tasks[0].ID))
	*clock = clock.Add(2 * time.Hour)
	require.NoError(t, repo.MarkStarted(ctx, tasks[1].ID))
	*clock = clock.Add(30 * time.Minute)

	n, err := repo.ResetStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	old, err := repo.Get(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, old.Status)
	assert.Nil(t, old.StartedAt)

	recent, err := repo.Get(ctx, tasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, recent.Status)
}

func TestTarget(t *testing.T) {
	assert.NoError(t, FundDateTarget("ARKK", "2024-03-04").Validate())
	assert.NoError(t, FundTarget("ARKK").Validate())
	assert.Error(t, Target{Kind: "weird", FundID: "ARKK"}.Validate())
	assert.Error(t, Target{Kind: TargetFund, FundID: "ARKK", Date: "2024-03-04"}.Validate())
	assert.Equal(t, "fund/ARKK", FundTarget("ARKK").Key())
	assert.NotEqual(t, FundDateTarget("A", "2024-03-04").Key(), FundDateTarget("A", "2024-03-05").Key())
}

func TestPermanent(t *testing.T) {
	base := errors.New("boom")
	assert.Nil(t, Permanent(nil))
	assert.True(t, IsPermanent(Permanent(base)))
	assert.True(t, errors.Is(Permanent(base), base))
	assert.False(t, IsPermanent(base))
	assert.Equal(t, PriorityHeld, PriorityForTier("held"))
	assert.Equal(t, PriorityWatched, PriorityForTier("watched"))
}
