// Package inference provides a client for the changeset analysis service.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fundwatch/internal/domain"
)

// ErrInvalidResult is returned when the service answers with an incomplete analysis
var ErrInvalidResult = errors.New("invalid inference result")

var validSentiments = map[string]bool{
	"bullish": true,
	"bearish": true,
	"neutral": true,
	"mixed":   true,
}

// Request is the body sent to the analysis endpoint
type Request struct {
	FundID    string `json:"fund_id"`
	Changeset string `json:"changeset"`
}

// Client posts changeset descriptions to the inference service
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        zerolog.Logger
}

// NewClient creates a new inference client. timeout bounds one analysis call.
func NewClient(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		log:        log.With().Str("component", "inference").Logger(),
	}
}

// Analyze returns the structured analysis of a changeset, or an error. Results missing
// a known sentiment or a summary are rejected as a whole.
func (c *Client) Analyze(ctx context.Context, fundID, changesetText string) (*domain.AnalysisResult, error) {
	body, err := json.Marshal(Request{FundID: fundID, Changeset: changesetText})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("inference service error: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	var result domain.AnalysisResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode inference response: %w", err)
	}
	if err := validate(&result); err != nil {
		return nil, err
	}

	c.log.Debug().
		Str("fund", fundID).
		Str("sentiment", result.Sentiment).
		Dur("duration", time.Since(start)).
		Msg("Inference completed")

	return &result, nil
}

func validate(r *domain.AnalysisResult) error {
	r.Sentiment = strings.ToLower(strings.TrimSpace(r.Sentiment))
	if !validSentiments[r.Sentiment] {
		return fmt.Errorf("%w: unknown sentiment %q", ErrInvalidResult, r.Sentiment)
	}
	if strings.TrimSpace(r.Summary) == "" {
		return fmt.Errorf("%w: empty summary", ErrInvalidResult)
	}
	if r.Score < -1 || r.Score > 1 {
		return fmt.Errorf("%w: score %v outside [-1, 1]", ErrInvalidResult, r.Score)
	}
	return nil
}
