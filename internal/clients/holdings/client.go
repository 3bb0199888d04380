// Package holdings provides a client for the fund holdings provider API.
package holdings

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fundwatch/internal/clientdata"
	"github.com/aristath/fundwatch/internal/domain"
	"github.com/aristath/fundwatch/internal/modules/changes"
)

// DefaultPageSize is used when the client is created with a non-positive page size
const DefaultPageSize = 200

// maxPages stops a provider that keeps returning pages
const maxPages = 1000

// Page is one page of the provider holdings feed
type Page struct {
	FundID   string                   `json:"fund_id"`
	Date     string                   `json:"date"`
	Holdings []domain.ProviderHolding `json:"holdings"`
	Total    int                      `json:"total"`
	Page     int                      `json:"page"`
	HasMore  bool                     `json:"has_more"`
}

// Client fetches complete holdings snapshots, page by page
type Client struct {
	httpClient *http.Client
	cacheRepo  *clientdata.Repository
	baseURL    string
	apiKey     string
	pageSize   int
	now        func() time.Time
	log        zerolog.Logger
}

// NewClient creates a new holdings provider client.
// cacheRepo may be nil, in which case responses are not cached.
func NewClient(baseURL, apiKey string, pageSize int, cacheRepo *clientdata.Repository, log zerolog.Logger) *Client {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cacheRepo:  cacheRepo,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		pageSize:   pageSize,
		now:        time.Now,
		log:        log.With().Str("component", "holdings_provider").Logger(),
	}
}

// FetchHoldings returns the complete holdings set of a fund for a date.
// A fresh cached snapshot is returned without calling the provider. When the provider
// fails, a stale cached snapshot is used if one exists.
func (c *Client) FetchHoldings(ctx context.Context, fundID, date string) (*domain.ProviderSnapshot, error) {
	key := domain.ChangesetKey(fundID, date)

	if snapshot, ok := c.getFromCache(ctx, key, false); ok {
		c.log.Debug().Str("fund", fundID).Str("date", date).Msg("Holdings served from cache")
		return snapshot, nil
	}

	snapshot, err := c.fetchAllPages(ctx, fundID, date)
	if err != nil {
		if stale, ok := c.getFromCache(ctx, key, true); ok {
			c.log.Warn().Err(err).Str("fund", fundID).Str("date", date).Msg("Provider failed, using stale cached holdings")
			return stale, nil
		}
		return nil, err
	}

	c.setCache(ctx, key, snapshot)
	return snapshot, nil
}

// fetchAllPages walks the feed until the provider reports no more pages and
// rejects the result unless it matches the reported total.
func (c *Client) fetchAllPages(ctx context.Context, fundID, date string) (*domain.ProviderSnapshot, error) {
	snapshot := &domain.ProviderSnapshot{FundID: fundID, Date: date, ReportedTotal: -1}

	for page := 1; ; page++ {
		if page > maxPages {
			return nil, fmt.Errorf("holdings provider returned more than %d pages for %s on %s", maxPages, fundID, date)
		}

		p, err := c.fetchPage(ctx, fundID, date, page)
		if err != nil {
			return nil, err
		}

		if snapshot.ReportedTotal < 0 {
			snapshot.ReportedTotal = p.Total
		} else if p.Total != snapshot.ReportedTotal {
			return nil, fmt.Errorf("%w: %s on %s, total changed from %d to %d mid-pagination",
				changes.ErrIncompleteSnapshot, fundID, date, snapshot.ReportedTotal, p.Total)
		}
		snapshot.Holdings = append(snapshot.Holdings, p.Holdings...)

		if !p.HasMore || len(p.Holdings) == 0 {
			break
		}
	}

	if len(snapshot.Holdings) != snapshot.ReportedTotal {
		return nil, fmt.Errorf("%w: %s on %s, received %d of %d holdings",
			changes.ErrIncompleteSnapshot, fundID, date, len(snapshot.Holdings), snapshot.ReportedTotal)
	}

	c.log.Debug().
		Str("fund", fundID).
		Str("date", date).
		Int("holdings", len(snapshot.Holdings)).
		Msg("Fetched holdings from provider")

	return snapshot, nil
}

// fetchPage performs one HTTP request against the provider
func (c *Client) fetchPage(ctx context.Context, fundID, date string, page int) (*Page, error) {
	q := url.Values{}
	q.Set("date", date)
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(c.pageSize))
	endpoint := fmt.Sprintf("%s/funds/%s/holdings?%s", c.baseURL, url.PathEscape(fundID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("holdings provider error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var p Page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode holdings page %d: %w", page, err)
	}
	return &p, nil
}

func (c *Client) getFromCache(ctx context.Context, key string, allowStale bool) (*domain.ProviderSnapshot, bool) {
	if c.cacheRepo == nil {
		return nil, false
	}

	var (
		data json.RawMessage
		err  error
	)
	if allowStale {
		data, err = c.cacheRepo.Get(ctx, clientdata.TableProviderHoldings, key)
	} else {
		data, err = c.cacheRepo.GetIfFresh(ctx, clientdata.TableProviderHoldings, key)
	}
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Failed to read holdings cache")
		return nil, false
	}
	if data == nil {
		return nil, false
	}

	var snapshot domain.ProviderSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Failed to unmarshal cached holdings")
		return nil, false
	}
	return &snapshot, true
}

// setCache stores a complete snapshot. Past dates are kept longer than today's.
func (c *Client) setCache(ctx context.Context, key string, snapshot *domain.ProviderSnapshot) {
	if c.cacheRepo == nil {
		return
	}

	ttl := clientdata.TTLCurrentHoldings
	if snapshot.Date < c.now().UTC().Format(domain.DateLayout) {
		ttl = clientdata.TTLHistoricalHoldings
	}
	if err := c.cacheRepo.Store(ctx, clientdata.TableProviderHoldings, key, snapshot, ttl); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Failed to cache holdings")
	}
}
