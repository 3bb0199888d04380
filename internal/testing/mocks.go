package testing

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/fundwatch/internal/domain"
)

// MockHoldingsProvider is a mock implementation of domain.HoldingsProvider for testing.
// Holdings are registered per fund and date as holding id -> shares.
type MockHoldingsProvider struct {
	mu        sync.RWMutex
	snapshots map[string]map[string]float64
	errs      map[string]error
	calls     int
}

// NewMockHoldingsProvider creates a new mock holdings provider
func NewMockHoldingsProvider() *MockHoldingsProvider {
	return &MockHoldingsProvider{
		snapshots: make(map[string]map[string]float64),
		errs:      make(map[string]error),
	}
}

// SetHoldings sets the holdings returned for a fund and date
func (m *MockHoldingsProvider) SetHoldings(fundID, date string, shares map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[domain.ChangesetKey(fundID, date)] = shares
}

// SetError makes every fetch for the fund fail. A nil error clears it.
func (m *MockHoldingsProvider) SetError(fundID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, fundID)
		return
	}
	m.errs[fundID] = err
}

// Calls returns the number of FetchHoldings invocations
func (m *MockHoldingsProvider) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

// FetchHoldings returns the registered holdings, sorted by holding id
func (m *MockHoldingsProvider) FetchHoldings(_ context.Context, fundID, date string) (*domain.ProviderSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if err := m.errs[fundID]; err != nil {
		return nil, err
	}
	shares, ok := m.snapshots[domain.ChangesetKey(fundID, date)]
	if !ok {
		return nil, fmt.Errorf("no holdings for %s on %s", fundID, date)
	}

	ids := make([]string, 0, len(shares))
	for id := range shares {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	snapshot := &domain.ProviderSnapshot{FundID: fundID, Date: date, ReportedTotal: len(ids)}
	for _, id := range ids {
		snapshot.Holdings = append(snapshot.Holdings, domain.ProviderHolding{HoldingID: id, Shares: shares[id]})
	}
	return snapshot, nil
}

// MockInferenceClient is a mock implementation of domain.InferenceClient for testing
type MockInferenceClient struct {
	mu      sync.RWMutex
	result  domain.AnalysisResult
	err     error
	prompts []string
}

// NewMockInferenceClient creates a mock that answers every request with a neutral result
func NewMockInferenceClient() *MockInferenceClient {
	return &MockInferenceClient{
		result: domain.AnalysisResult{Sentiment: "neutral", Summary: "No clear direction", Model: "mock"},
	}
}

// SetResult sets the result to return
func (m *MockInferenceClient) SetResult(result domain.AnalysisResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = result
}

// SetError sets the error to return
func (m *MockInferenceClient) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Prompts returns the changeset texts received so far
func (m *MockInferenceClient) Prompts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.prompts...)
}

// Analyze records the prompt and returns the configured result or error
func (m *MockInferenceClient) Analyze(_ context.Context, _ string, changesetText string) (*domain.AnalysisResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, changesetText)
	if m.err != nil {
		return nil, m.err
	}
	result := m.result
	return &result, nil
}
