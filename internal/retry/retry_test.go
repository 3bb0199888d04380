package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fundwatch/internal/database"
	"github.com/aristath/fundwatch/internal/events"
	testingpkg "github.com/aristath/fundwatch/internal/testing"
)

func setupRepo(t *testing.T) (*Repository, *time.Time) {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, database.NameJobs)
	t.Cleanup(cleanup)

	clock := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	repo := NewRepository(db.Conn(), zerolog.Nop())
	repo.now = func() time.Time { return clock }
	return repo, &clock
}

func failure(fund string) Failure {
	return Failure{
		JobName:    "detect_changes",
		TargetDate: "2024-03-04",
		EntityID:   fund,
		EntityType: EntityFund,
		Reason:     "provider timeout",
	}
}

func pendingID(t *testing.T, repo *Repository) int64 {
	t.Helper()
	entries, err := repo.GetPending(context.Background(), 3, 7, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0].ID
}

func TestRecord_UpsertsByIdentity(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, failure("ARKK")))
	f := failure("ARKK")
	f.Reason = "provider returned 502"
	require.NoError(t, repo.Record(ctx, f))

	entries, err := repo.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "provider returned 502", entries[0].FailureReason)
	assert.Equal(t, StatusPending, entries[0].Status)
	assert.Equal(t, 0, entries[0].RetryCount)
}

func TestRecord_TruncatesReasonOnRuneBoundary(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	f := failure("ARKK")
	f.Reason = "x" + strings.Repeat("ü", 300)
	require.NoError(t, repo.Record(ctx, f))

	entries, err := repo.GetPending(ctx, 3, 7, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, utf8.ValidString(entries[0].FailureReason))
	assert.Equal(t, "x"+strings.Repeat("ü", 249), entries[0].FailureReason)
}

func TestRecord_RejectsIncompleteIdentity(t *testing.T) {
	repo, _ := setupRepo(t)
	err := repo.Record(context.Background(), Failure{JobName: "detect_changes"})
	assert.Error(t, err)
}

func TestRetryBound_AbandonedAfterMaxRetries(t *testing.T) {
	repo, clock := setupRepo(t)
	ctx := context.Background()
	const maxRetries = 3

	require.NoError(t, repo.Record(ctx, failure("ARKK")))
	id := pendingID(t, repo)

	for attempt := 1; attempt <= maxRetries; attempt++ {
		*clock = clock.Add(time.Hour)
		require.NoError(t, repo.Claim(ctx, id))
		next, err := repo.Fail(ctx, id, fmt.Sprintf("attempt %d failed", attempt), maxRetries)
		require.NoError(t, err)

		if attempt < maxRetries {
			assert.Equal(t, StatusPending, next)
		} else {
			assert.Equal(t, StatusAbandoned, next)
		}
	}

	entries, err := repo.GetPending(ctx, maxRetries, 7, 5)
	require.NoError(t, err)
	assert.Empty(t, entries, "abandoned entries never come back")

	e, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, e.Status)
	assert.Equal(t, maxRetries, e.RetryCount)

	// A fresh failure of the same identity does not resurrect it
	require.NoError(t, repo.Record(ctx, failure("ARKK")))
	e, err = repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, e.Status)
}

func TestStateMachine(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, failure("ARKK")))
	id := pendingID(t, repo)

	assert.ErrorIs(t, repo.Resolve(ctx, id), ErrInvalidTransition, "pending cannot resolve")
	_, err := repo.Fail(ctx, id, "x", 3)
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending cannot fail")

	require.NoError(t, repo.Claim(ctx, id))
	assert.ErrorIs(t, repo.Claim(ctx, id), ErrInvalidTransition, "already retrying")

	require.NoError(t, repo.Resolve(ctx, id))
	assert.ErrorIs(t, repo.Claim(ctx, id), ErrInvalidTransition, "resolved is terminal")

	assert.ErrorIs(t, repo.Claim(ctx, 9999), ErrEntryNotFound)
	_, err = repo.Fail(ctx, 9999, "x", 3)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestRecord_ResolvedEntryStartsOver(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, failure("ARKK")))
	id := pendingID(t, repo)
	require.NoError(t, repo.Claim(ctx, id))
	_, err := repo.Fail(ctx, id, "x", 3)
	require.NoError(t, err)
	require.NoError(t, repo.Claim(ctx, id))
	require.NoError(t, repo.Resolve(ctx, id))

	require.NoError(t, repo.Record(ctx, failure("ARKK")))
	e, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, 0, e.RetryCount)
}

func TestGetPending_AgeLimitAndOrder(t *testing.T) {
	repo, clock := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, failure("OLD")))
	*clock = clock.AddDate(0, 0, 5)
	require.NoError(t, repo.Record(ctx, failure("B")))
	*clock = clock.Add(time.Minute)
	require.NoError(t, repo.Record(ctx, failure("C")))
	*clock = clock.AddDate(0, 0, 3)

	entries, err := repo.GetPending(ctx, 3, 7, 5)
	require.NoError(t, err)
	require.Len(t, entries, 2, "entry last attempted 8 days ago is too old")
	assert.Equal(t, "B", entries[0].EntityID)
	assert.Equal(t, "C", entries[1].EntityID)

	entries, err = repo.GetPending(ctx, 3, 7, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestResetStuckAndPurge(t *testing.T) {
	repo, clock := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, failure("ARKK")))
	id := pendingID(t, repo)
	require.NoError(t, repo.Claim(ctx, id))

	*clock = clock.Add(2 * time.Hour)
	n, err := repo.ResetStuck(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, repo.Claim(ctx, id))
	require.NoError(t, repo.Resolve(ctx, id))

	n, err = repo.PurgeTerminal(ctx, clock.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

type contentionFunc func(ctx context.Context, names []string) (string, bool, error)

func (f contentionFunc) AnyRunning(ctx context.Context, names []string) (string, bool, error) {
	return f(ctx, names)
}

type recordingEmitter struct {
	events []events.EventData
}

func (r *recordingEmitter) EmitTyped(_ string, data events.EventData) {
	r.events = append(r.events, data)
}

func TestProcessor_SkipsWhenContended(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Record(ctx, failure("ARKK")))

	var asked []string
	contention := contentionFunc(func(_ context.Context, names []string) (string, bool, error) {
		asked = names
		return "analysis_batch", true, nil
	})
	p := NewProcessor(repo, contention, ProcessorConfig{ContentionSet: []string{"analysis_batch"}}, zerolog.Nop())
	p.Register("detect_changes", func(context.Context, Entry) error {
		t.Fatal("handler must not run during contention")
		return nil
	})

	result, err := p.Process(ctx)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "analysis_batch", result.ContendedBy)
	assert.Equal(t, []string{"analysis_batch"}, asked)
	assert.Equal(t, "skipped, analysis_batch is running", result.String())

	// Entry untouched
	id := pendingID(t, repo)
	e, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, e.RetryCount)
}

func TestProcessor_ContentionErrorFailsPass(t *testing.T) {
	repo, _ := setupRepo(t)
	contention := contentionFunc(func(context.Context, []string) (string, bool, error) {
		return "", false, errors.New("database is locked")
	})
	p := NewProcessor(repo, contention, ProcessorConfig{ContentionSet: []string{"analysis_batch"}}, zerolog.Nop())

	_, err := p.Process(context.Background())
	assert.Error(t, err)
}

func TestProcessor_ResolvesRequeuesAndAbandons(t *testing.T) {
	repo, clock := setupRepo(t)
	ctx := context.Background()

	for _, fund := range []string{"OK", "FLAKY", "BROKEN"} {
		require.NoError(t, repo.Record(ctx, failure(fund)))
		*clock = clock.Add(time.Second)
	}

	emitter := &recordingEmitter{}
	p := NewProcessor(repo, nil, ProcessorConfig{MaxRetries: 2}, zerolog.Nop())
	p.SetEventEmitter(emitter)
	p.Register("detect_changes", func(_ context.Context, e Entry) error {
		if e.EntityID == "OK" {
			return nil
		}
		return errors.New("still failing")
	})

	result, err := p.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassResult{Attempted: 3, Resolved: 1, Requeued: 2}, result)

	*clock = clock.Add(time.Hour)
	result, err = p.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassResult{Attempted: 2, Abandoned: 2}, result)

	require.Len(t, emitter.events, 2)
	assert.Equal(t, events.RetryAbandoned, emitter.events[0].EventType())

	result, err = p.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Attempted)
}

func TestProcessor_RespectsLimit(t *testing.T) {
	repo, clock := setupRepo(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, repo.Record(ctx, failure(fmt.Sprintf("F%d", i))))
		*clock = clock.Add(time.Second)
	}

	calls := 0
	p := NewProcessor(repo, nil, ProcessorConfig{}, zerolog.Nop())
	p.Register("detect_changes", func(context.Context, Entry) error {
		calls++
		return nil
	})

	result, err := p.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, calls)
	assert.Equal(t, DefaultLimit, result.Resolved)
}

func TestProcessor_MissingHandlerCountsAsFailure(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Record(ctx, failure("ARKK")))

	p := NewProcessor(repo, nil, ProcessorConfig{}, zerolog.Nop())
	result, err := p.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Requeued)

	entries, err := repo.List(ctx, StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].FailureReason, "no retry handler")
}
