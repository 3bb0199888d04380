package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyze_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/analyze", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ARKK", req.FundID)
		assert.Contains(t, req.Changeset, "increase")

		_, _ = w.Write([]byte(`{"sentiment":"Bullish","score":0.6,"summary":"Adding to A","notable_items":["A"]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "key", time.Second, zerolog.Nop())
	result, err := client.Analyze(context.Background(), "ARKK", "- A: increase +200 shares")
	require.NoError(t, err)
	assert.Equal(t, "bullish", result.Sentiment)
	assert.Equal(t, []string{"A"}, result.NotableItems)
}

func TestAnalyze_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"server error", http.StatusInternalServerError, "boom", "status 500"},
		{"invalid json", http.StatusOK, "{not json", "failed to decode"},
		{"unknown sentiment", http.StatusOK, `{"sentiment":"excited","summary":"x"}`, "unknown sentiment"},
		{"missing summary", http.StatusOK, `{"sentiment":"neutral"}`, "empty summary"},
		{"score out of range", http.StatusOK, `{"sentiment":"neutral","summary":"x","score":3}`, "outside"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			result, err := NewClient(server.URL, "", time.Second, zerolog.Nop()).Analyze(context.Background(), "F", "x")
			require.Error(t, err)
			assert.Nil(t, result)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAnalyze_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"sentiment":"neutral","summary":"late"}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "", 20*time.Millisecond, zerolog.Nop()).Analyze(context.Background(), "F", "x")
	assert.Error(t, err)
}
