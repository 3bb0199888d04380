package changes

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fundwatch/internal/domain"
)

// memoryStore is a snapshot store and ledger keyed the same way as the database tables
type memoryStore struct {
	snapshots map[string]map[string]domain.HoldingSnapshot // fund|date -> holding -> row
	ledger    map[string][]domain.ChangeRecord
	writes    int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		snapshots: make(map[string]map[string]domain.HoldingSnapshot),
		ledger:    make(map[string][]domain.ChangeRecord),
	}
}

func (m *memoryStore) upsert(rows ...domain.HoldingSnapshot) {
	for _, r := range rows {
		key := r.FundID + "|" + r.Date
		if m.snapshots[key] == nil {
			m.snapshots[key] = make(map[string]domain.HoldingSnapshot)
		}
		m.snapshots[key][r.HoldingID] = r
	}
}

func (m *memoryStore) GetSnapshot(_ context.Context, fundID, date string) ([]domain.HoldingSnapshot, error) {
	var out []domain.HoldingSnapshot
	for _, r := range m.snapshots[fundID+"|"+date] {
		out = append(out, r)
	}
	return out, nil
}

func (m *memoryStore) GetPreviousDate(_ context.Context, fundID, before string) (string, error) {
	var dates []string
	for key := range m.snapshots {
		if len(key) > len(fundID) && key[:len(fundID)+1] == fundID+"|" {
			if d := key[len(fundID)+1:]; d < before {
				dates = append(dates, d)
			}
		}
	}
	if len(dates) == 0 {
		return "", nil
	}
	sort.Strings(dates)
	return dates[len(dates)-1], nil
}

func (m *memoryStore) ReplaceChanges(_ context.Context, fundID, date string, changes []domain.ChangeRecord) error {
	m.writes++
	m.ledger[fundID+"|"+date] = changes
	return nil
}

type recordingInvalidator struct {
	keys []string
}

func (r *recordingInvalidator) Invalidate(key string) {
	r.keys = append(r.keys, key)
}

func snapshotRows(fund, date string, shares map[string]float64) []domain.HoldingSnapshot {
	var rows []domain.HoldingSnapshot
	for id, s := range shares {
		rows = append(rows, domain.HoldingSnapshot{Date: date, FundID: fund, HoldingID: id, Shares: s})
	}
	return rows
}

func newTestDetector(store *memoryStore, inv Invalidator) *Detector {
	return NewDetector(store, store, inv, DefaultThresholds(), DefaultNoisePolicy(), zerolog.Nop())
}

func TestDetector_DetectForDate(t *testing.T) {
	store := newMemoryStore()
	store.upsert(snapshotRows("F", "2024-03-01", map[string]float64{"A": 1000, "B": 500})...)
	store.upsert(snapshotRows("F", "2024-03-04", map[string]float64{"A": 1200, "C": 300})...)
	inv := &recordingInvalidator{}

	result, err := newTestDetector(store, inv).DetectForDate(context.Background(), "F", "2024-03-04")
	require.NoError(t, err)

	assert.Equal(t, "2024-03-01", result.PreviousDate)
	assert.False(t, result.Baseline)
	assert.False(t, result.Suppressed)
	require.Len(t, result.Changes, 3)
	assert.Equal(t, result.Changes, store.ledger["F|2024-03-04"])
	assert.Equal(t, []string{"F/2024-03-04"}, inv.keys)
}

func TestDetector_ReingestingSameSnapshotIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	store.upsert(snapshotRows("F", "2024-03-01", map[string]float64{"A": 1000, "B": 500})...)
	today := snapshotRows("F", "2024-03-04", map[string]float64{"A": 1200, "C": 300})
	store.upsert(today...)

	d := newTestDetector(store, nil)
	first, err := d.DetectForDate(context.Background(), "F", "2024-03-04")
	require.NoError(t, err)

	store.upsert(today...)
	second, err := d.DetectForDate(context.Background(), "F", "2024-03-04")
	require.NoError(t, err)

	assert.Equal(t, first.Changes, second.Changes)
	assert.Len(t, store.ledger, 1)
}

func TestDetector_FirstSnapshotIsBaseline(t *testing.T) {
	store := newMemoryStore()
	store.upsert(snapshotRows("F", "2024-03-01", map[string]float64{"A": 1000})...)

	result, err := newTestDetector(store, nil).DetectForDate(context.Background(), "F", "2024-03-01")
	require.NoError(t, err)

	assert.True(t, result.Baseline)
	assert.Empty(t, result.Changes)
	assert.Equal(t, 0, store.writes)
}

func TestDetector_MissingSnapshot(t *testing.T) {
	_, err := newTestDetector(newMemoryStore(), nil).DetectForDate(context.Background(), "F", "2024-03-01")
	assert.True(t, errors.Is(err, ErrNoSnapshot))
}

func TestDetector_RefusesIncompleteSnapshot(t *testing.T) {
	store := newMemoryStore()
	d := newTestDetector(store, nil)

	current := positions("2024-03-04", map[string]float64{"A": 1})
	current.Complete = false
	previous := positions("2024-03-01", map[string]float64{"A": 1})

	_, err := d.Detect(context.Background(), current, previous)
	assert.True(t, errors.Is(err, ErrIncompleteSnapshot))

	current.Complete = true
	previous.Complete = false
	_, err = d.Detect(context.Background(), current, previous)
	assert.True(t, errors.Is(err, ErrIncompleteSnapshot))

	assert.Equal(t, 0, store.writes)
}

func TestDetector_SuppressedChangesetClearsLedger(t *testing.T) {
	store := newMemoryStore()
	prev := map[string]float64{}
	cur := map[string]float64{}
	for _, id := range []string{"A", "B", "C", "D", "E", "F", "G", "H"} {
		prev[id] = 1000
		cur[id] = 1003 // +0.3% everywhere
	}
	store.upsert(snapshotRows("F", "2024-03-01", prev)...)
	store.upsert(snapshotRows("F", "2024-03-04", cur)...)
	store.ledger["F|2024-03-04"] = []domain.ChangeRecord{{HoldingID: "stale"}}

	result, err := newTestDetector(store, nil).DetectForDate(context.Background(), "F", "2024-03-04")
	require.NoError(t, err)

	assert.True(t, result.Suppressed)
	assert.Equal(t, 8, result.Candidates)
	assert.Empty(t, result.Changes)
	assert.Empty(t, store.ledger["F|2024-03-04"])
}
