package clientdata

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fundwatch/internal/database"
	testingpkg "github.com/aristath/fundwatch/internal/testing"
)

func setupRepo(t *testing.T) (*Repository, *time.Time, func()) {
	db, cleanup := testingpkg.NewTestDB(t, database.NameClientData)
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	repo := NewRepository(db.Conn())
	repo.now = func() time.Time { return now }
	return repo, &now, cleanup
}

func TestStore_UpsertAndGetIfFresh(t *testing.T) {
	repo, _, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, TableProviderHoldings, "ARKK/2024-03-04", map[string]string{"version": "1"}, time.Hour))
	require.NoError(t, repo.Store(ctx, TableProviderHoldings, "ARKK/2024-03-04", map[string]string{"version": "2"}, time.Hour))

	var count int
	require.NoError(t, repo.db.QueryRow("SELECT COUNT(*) FROM provider_holdings").Scan(&count))
	assert.Equal(t, 1, count)

	data, err := repo.GetIfFresh(ctx, TableProviderHoldings, "ARKK/2024-03-04")
	require.NoError(t, err)
	require.NotNil(t, data)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, "2", parsed["version"])
}

func TestGet_ReturnsStaleData(t *testing.T) {
	repo, now, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, TableProviderHoldings, "ARKK/2024-03-04", map[string]string{"status": "stale_but_useful"}, time.Hour))
	*now = now.Add(2 * time.Hour)

	fresh, err := repo.GetIfFresh(ctx, TableProviderHoldings, "ARKK/2024-03-04")
	require.NoError(t, err)
	assert.Nil(t, fresh)

	stale, err := repo.Get(ctx, TableProviderHoldings, "ARKK/2024-03-04")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"stale_but_useful"}`, string(stale))
}

func TestGet_Missing(t *testing.T) {
	repo, _, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	data, err := repo.Get(ctx, TableProviderHoldings, "NONE/2024-03-04")
	require.NoError(t, err)
	assert.Nil(t, data)

	data, err = repo.GetIfFresh(ctx, TableProviderHoldings, "NONE/2024-03-04")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestDelete(t *testing.T) {
	repo, _, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, TableProviderHoldings, "K", "v", time.Hour))
	require.NoError(t, repo.Delete(ctx, TableProviderHoldings, "K"))
	require.NoError(t, repo.Delete(ctx, TableProviderHoldings, "K"), "deleting a missing key is fine")

	data, err := repo.Get(ctx, TableProviderHoldings, "K")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestDeleteAllExpired(t *testing.T) {
	repo, now, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, TableProviderHoldings, "A", "a", time.Hour))
	require.NoError(t, repo.Store(ctx, TableProviderHoldings, "B", "b", time.Hour))
	require.NoError(t, repo.Store(ctx, TableProviderHoldings, "C", "c", 48*time.Hour))
	*now = now.Add(3 * time.Hour)

	results, err := repo.DeleteAllExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{TableProviderHoldings: 2}, results)

	data, err := repo.Get(ctx, TableProviderHoldings, "C")
	require.NoError(t, err)
	assert.NotNil(t, data)
}

func TestInvalidTable(t *testing.T) {
	repo, _, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	err := repo.Store(ctx, "funds; DROP TABLE funds", "K", "v", time.Hour)
	assert.ErrorContains(t, err, "invalid table name")

	_, err = repo.Get(ctx, "openfigi", "K")
	assert.Error(t, err)
}
