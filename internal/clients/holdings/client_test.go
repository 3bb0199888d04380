package holdings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fundwatch/internal/clientdata"
	"github.com/aristath/fundwatch/internal/database"
	"github.com/aristath/fundwatch/internal/domain"
	"github.com/aristath/fundwatch/internal/modules/changes"
	testingpkg "github.com/aristath/fundwatch/internal/testing"
)

// feedServer serves total holdings in pages of pageSize. Pages listed in short lose their last row.
func feedServer(t *testing.T, total int, short map[int]bool, calls *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.Equal(t, "/funds/ARKK/holdings", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
		start := (page - 1) * size
		end := start + size
		if end > total {
			end = total
		}

		var rows []domain.ProviderHolding
		for i := start; i < end; i++ {
			rows = append(rows, domain.ProviderHolding{HoldingID: "H" + strconv.Itoa(i), Shares: float64(1000 + i)})
		}
		if short[page] && len(rows) > 0 {
			rows = rows[:len(rows)-1]
		}

		_ = json.NewEncoder(w).Encode(Page{
			FundID:   "ARKK",
			Date:     r.URL.Query().Get("date"),
			Holdings: rows,
			Total:    total,
			Page:     page,
			HasMore:  end < total,
		})
	}))
}

func TestFetchHoldings_PaginatesToExhaustion(t *testing.T) {
	var calls int32
	server := feedServer(t, 7, nil, &calls)
	defer server.Close()

	client := NewClient(server.URL, "secret", 3, nil, zerolog.Nop())
	snapshot, err := client.FetchHoldings(context.Background(), "ARKK", "2024-03-04")
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls)
	assert.Len(t, snapshot.Holdings, 7)
	assert.Equal(t, 7, snapshot.ReportedTotal)
	assert.Equal(t, "H6", snapshot.Holdings[6].HoldingID)
	assert.Equal(t, "2024-03-04", snapshot.Date)
}

func TestFetchHoldings_TrailingSlashInBaseURL(t *testing.T) {
	var calls int32
	server := feedServer(t, 2, nil, &calls)
	defer server.Close()

	client := NewClient(server.URL+"/", "secret", 10, nil, zerolog.Nop())
	snapshot, err := client.FetchHoldings(context.Background(), "ARKK", "2024-03-04")
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls)
	assert.Len(t, snapshot.Holdings, 2)
}

func TestFetchHoldings_IncompleteFeedIsAnError(t *testing.T) {
	var calls int32
	server := feedServer(t, 7, map[int]bool{2: true}, &calls)
	defer server.Close()

	client := NewClient(server.URL, "secret", 3, nil, zerolog.Nop())
	_, err := client.FetchHoldings(context.Background(), "ARKK", "2024-03-04")
	require.Error(t, err)
	assert.ErrorIs(t, err, changes.ErrIncompleteSnapshot)
	assert.Contains(t, err.Error(), "received 6 of 7")
}

func TestFetchHoldings_ProviderErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", 0, nil, zerolog.Nop())
	_, err := client.FetchHoldings(context.Background(), "ARKK", "2024-03-04")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestFetchHoldings_CacheFirstWithStaleFallback(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, database.NameClientData)
	defer cleanup()
	cache := clientdata.NewRepository(db.Conn())

	var calls int32
	var failing atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if failing.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(Page{
			Holdings: []domain.ProviderHolding{{HoldingID: "A", Shares: 10}},
			Total:    1,
			Page:     1,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", 10, cache, zerolog.Nop())
	client.now = func() time.Time { return time.Date(2024, 3, 4, 18, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	first, err := client.FetchHoldings(ctx, "ARKK", "2024-03-04")
	require.NoError(t, err)
	second, err := client.FetchHoldings(ctx, "ARKK", "2024-03-04")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls, "fresh cache hit skips the provider")
	assert.Equal(t, first, second)

	// Expire the entry, then make the provider fail
	_, err = db.Conn().Exec("UPDATE provider_holdings SET expires_at = 0")
	require.NoError(t, err)
	failing.Store(true)

	stale, err := client.FetchHoldings(ctx, "ARKK", "2024-03-04")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls)
	assert.Equal(t, "A", stale.Holdings[0].HoldingID)

	_, err = client.FetchHoldings(ctx, "ARKK", "2024-03-05")
	assert.Error(t, err, "no stale entry for another date")
}
