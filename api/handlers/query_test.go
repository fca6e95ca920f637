package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floatchat-ai/floatchat/agent/pkg/query"
	"github.com/floatchat-ai/floatchat/api/config"
	"github.com/floatchat-ai/floatchat/api/handlers"
	apitesting "github.com/floatchat-ai/floatchat/api/testing"
)

func postJSON(t *testing.T, path string, body any, handler http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func TestOneShotQuery_Validation(t *testing.T) {
	t.Run("empty query", func(t *testing.T) {
		rr := postJSON(t, "/api/v1/query", handlers.OneShotRequest{Query: "   "}, handlers.OneShotQuery)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("query too long", func(t *testing.T) {
		rr := postJSON(t, "/api/v1/query",
			handlers.OneShotRequest{Query: strings.Repeat("x", 2001)}, handlers.OneShotQuery)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

// Without credentials the pipeline cannot be built; the failure comes
// back in the response body with the provider that was tried.
func TestOneShotQuery_NotConfigured(t *testing.T) {
	rr := postJSON(t, "/api/v1/query",
		handlers.OneShotRequest{Query: "how many floats?"}, handlers.OneShotQuery)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp handlers.OneShotResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Contains(t, resp.Error, "API key not configured")
	assert.Equal(t, "openai", resp.Provider)
	assert.NotEmpty(t, resp.SessionID)
}

func TestOneShotQuery_Success(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	withPipeline(t, scriptedLLM{
		sql:            "SELECT 1 AS one",
		interpretation: "There is exactly one row.",
		followUps:      `["What about salinity?"]`,
	})
	withTestRedis(t)

	rr := postJSON(t, "/api/v1/query",
		handlers.OneShotRequest{Query: "how many floats?"}, handlers.OneShotQuery)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp handlers.OneShotResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Empty(t, resp.Error)
	assert.Equal(t, "SELECT 1 AS one", resp.SQL)
	assert.Equal(t, []string{"one"}, resp.Columns)
	assert.Equal(t, 1, resp.RowCount)
	assert.Equal(t, "There is exactly one row.", resp.Interpretation)
	assert.Equal(t, "openai", resp.Provider)
	require.NotEmpty(t, resp.SessionID)

	// Both turns of the exchange land in the conversation context.
	turns := query.GetContext(t.Context(), config.Redis, resp.SessionID)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "SELECT 1 AS one", turns[1].SQL)
}

func TestOneShotQuery_ConfirmationFlow(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	withPipeline(t, scriptedLLM{
		sql:            "SELECT 1 AS one",
		interpretation: "One row.",
		followUps:      `["What about salinity?"]`,
	})

	orig := config.Cfg.ConfirmationThreshold
	config.Cfg.ConfirmationThreshold = 0
	t.Cleanup(func() { config.Cfg.ConfirmationThreshold = orig })

	rr := postJSON(t, "/api/v1/query",
		handlers.OneShotRequest{Query: "show everything"}, handlers.OneShotQuery)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp handlers.OneShotResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.True(t, resp.ConfirmationRequired)
	assert.GreaterOrEqual(t, resp.EstimatedRows, int64(1))
	assert.Equal(t, "SELECT 1 AS one", resp.SQL)
	assert.Zero(t, resp.RowCount)

	// Re-sending with confirmation executes past the estimate.
	rr = postJSON(t, "/api/v1/query",
		handlers.OneShotRequest{Query: "show everything", ConfirmExecution: true}, handlers.OneShotQuery)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.False(t, resp.ConfirmationRequired)
	assert.Equal(t, 1, resp.RowCount)
}

func TestOneShotQuery_ExecutionError(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	withPipeline(t, scriptedLLM{
		sql:            "SELECT * FROM floats WHERE column_that_does_not_exist = 1",
		interpretation: "n/a",
		followUps:      `[]`,
	})

	rr := postJSON(t, "/api/v1/query",
		handlers.OneShotRequest{Query: "broken"}, handlers.OneShotQuery)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp handlers.OneShotResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.NotEmpty(t, resp.Error)
	assert.Zero(t, resp.RowCount)
}

func TestBenchmarkQuery(t *testing.T) {
	withPipeline(t, scriptedLLM{sql: "SELECT 1 AS one"})

	rr := postJSON(t, "/api/v1/query/benchmark",
		handlers.BenchmarkRequest{Query: "how many floats?", Providers: []string{"openai", "deepseek"}},
		handlers.BenchmarkQuery)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp handlers.BenchmarkResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "how many floats?", resp.Query)
	require.Len(t, resp.Results, 2)

	assert.Equal(t, "openai", resp.Results[0].Provider)
	assert.Equal(t, "deepseek", resp.Results[1].Provider)
	for _, res := range resp.Results {
		assert.True(t, res.Valid)
		assert.Equal(t, "SELECT 1 AS one", res.SQL)
		assert.Empty(t, res.Error)
		assert.GreaterOrEqual(t, res.LatencyMs, float64(0))
	}
}

func TestBenchmarkQuery_Validation(t *testing.T) {
	withPipeline(t, scriptedLLM{sql: "SELECT 1"})

	rr := postJSON(t, "/api/v1/query/benchmark",
		handlers.BenchmarkRequest{Query: ""}, handlers.BenchmarkQuery)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// With every provider key empty and no explicit list there is nothing
// to benchmark.
func TestBenchmarkQuery_NoProvidersConfigured(t *testing.T) {
	rr := postJSON(t, "/api/v1/query/benchmark",
		handlers.BenchmarkRequest{Query: "how many floats?"}, handlers.BenchmarkQuery)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeBody(t, rr)["error"], "No LLM providers configured")
}

// Providers still pending once the wall-clock budget is spent are
// skipped, not run.
func TestBenchmarkQuery_BudgetSkipsProviders(t *testing.T) {
	withPipeline(t, scriptedLLM{sql: "SELECT 1"})

	orig := config.Cfg.BenchmarkTimeout
	config.Cfg.BenchmarkTimeout = 0
	t.Cleanup(func() { config.Cfg.BenchmarkTimeout = orig })

	rr := postJSON(t, "/api/v1/query/benchmark",
		handlers.BenchmarkRequest{Query: "how many floats?", Providers: []string{"openai", "anthropic"}},
		handlers.BenchmarkQuery)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp handlers.BenchmarkResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp.Results, 2)
	for _, res := range resp.Results {
		assert.Contains(t, res.Error, "Skipped")
		assert.Empty(t, res.SQL)
	}
}
