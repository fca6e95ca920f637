package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/floatchat-ai/floatchat/agent/pkg/query"
	"github.com/floatchat-ai/floatchat/api/config"
)

// maxQueryLength bounds the accepted natural-language query size.
const maxQueryLength = 2000

// OneShotRequest is the body of POST /query: a sessionless single-turn
// query with optional provider and model overrides.
type OneShotRequest struct {
	Query            string `json:"query"`
	SessionID        string `json:"session_id,omitempty"`
	Provider         string `json:"provider,omitempty"`
	Model            string `json:"model,omitempty"`
	ConfirmExecution bool   `json:"confirm_execution,omitempty"`
}

// OneShotResponse is the plain JSON counterpart of the SSE chat turn.
// Exactly one of the result fields, ConfirmationRequired, or Error is
// meaningful.
type OneShotResponse struct {
	SessionID            string           `json:"session_id"`
	SQL                  string           `json:"sql,omitempty"`
	Columns              []string         `json:"columns"`
	Rows                 []map[string]any `json:"rows"`
	RowCount             int              `json:"row_count"`
	Truncated            bool             `json:"truncated"`
	Interpretation       string           `json:"interpretation,omitempty"`
	ConfirmationRequired bool             `json:"confirmation_required,omitempty"`
	EstimatedRows        int64            `json:"estimated_rows,omitempty"`
	Error                string           `json:"error,omitempty"`
	Provider             string           `json:"provider"`
	Model                string           `json:"model"`
}

// BenchmarkRequest is the body of POST /query/benchmark. An empty
// provider list means every provider with an API key configured.
type BenchmarkRequest struct {
	Query     string   `json:"query"`
	Providers []string `json:"providers,omitempty"`
}

// BenchmarkProviderResult reports one provider's SQL generation run.
type BenchmarkProviderResult struct {
	Provider         string   `json:"provider"`
	Model            string   `json:"model"`
	SQL              string   `json:"sql,omitempty"`
	Valid            bool     `json:"valid"`
	ValidationErrors []string `json:"validation_errors"`
	LatencyMs        float64  `json:"latency_ms"`
	Error            string   `json:"error,omitempty"`
}

// BenchmarkResponse is the body of a benchmark run, one result per
// requested provider.
type BenchmarkResponse struct {
	Query   string                    `json:"query"`
	Results []BenchmarkProviderResult `json:"results"`
}

// OneShotQuery serves POST /query: the full NL-to-SQL turn without a
// persisted session. Pipeline failures come back in the response body,
// not as HTTP errors, so a caller always gets the provider and model
// that were tried.
func OneShotQuery(w http.ResponseWriter, r *http.Request) {
	var req OneShotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	utterance := strings.TrimSpace(req.Query)
	if utterance == "" {
		writeError(w, http.StatusBadRequest, "Query is required")
		return
	}
	if len(utterance) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "Query is too long")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	ctx := r.Context()
	resp := OneShotResponse{
		SessionID: sessionID,
		Columns:   []string{},
		Rows:      []map[string]any{},
	}

	pipeline, err := NewPipeline(req.Provider, req.Model)
	if err != nil {
		resp.Error = err.Error()
		resp.Provider = providerOrDefault(req.Provider)
		writeJSON(w, resp)
		return
	}
	resp.Provider = pipeline.Provider
	resp.Model = pipeline.Model

	var region *query.Region
	if Geo != nil {
		if resolved, found := Geo.Resolve(utterance); found {
			region = &resolved
		}
	}
	turns := query.GetContext(ctx, config.Redis, sessionID)

	generated := pipeline.GenerateSQL(ctx, utterance, turns, region)
	if generated.Error != "" {
		// The user turn still enters the context so a follow-up can
		// rephrase against it.
		query.AppendContext(ctx, config.Redis, sessionID,
			query.ContextTurn{Role: "user", Content: utterance})
		resp.Error = generated.Error
		writeJSON(w, resp)
		return
	}
	resp.SQL = generated.SQL

	if !req.ConfirmExecution {
		estimated := query.EstimateRows(ctx, config.ReadPool, generated.SQL)
		if estimated > int64(config.Cfg.ConfirmationThreshold) {
			resp.ConfirmationRequired = true
			resp.EstimatedRows = estimated
			writeJSON(w, resp)
			return
		}
	}

	exec := query.Execute(ctx, config.ReadPool, generated.SQL, config.Cfg.QueryMaxRows)
	if exec.Error != "" {
		resp.Error = exec.Error
		writeJSON(w, resp)
		return
	}

	interpretation := pipeline.InterpretResults(ctx, utterance, generated.SQL, exec)

	rc := exec.RowCount
	query.AppendContext(ctx, config.Redis, sessionID,
		query.ContextTurn{Role: "user", Content: utterance})
	query.AppendContext(ctx, config.Redis, sessionID,
		query.ContextTurn{Role: "assistant", Content: interpretation, SQL: generated.SQL, RowCount: &rc})

	resp.Columns = exec.Columns
	resp.Rows = exec.Rows
	resp.RowCount = exec.RowCount
	resp.Truncated = exec.Truncated
	resp.Interpretation = interpretation
	writeJSON(w, resp)
}

// BenchmarkQuery serves POST /query/benchmark: SQL generation across
// providers, no execution. Providers run sequentially under a total
// wall-clock budget; once it is spent the rest are skipped.
func BenchmarkQuery(w http.ResponseWriter, r *http.Request) {
	var req BenchmarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	utterance := strings.TrimSpace(req.Query)
	if utterance == "" {
		writeError(w, http.StatusBadRequest, "Query is required")
		return
	}
	if len(utterance) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "Query is too long")
		return
	}

	var providers []string
	for _, p := range req.Providers {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			providers = append(providers, p)
		}
	}
	if len(providers) == 0 {
		providers = query.ConfiguredProviders()
	}
	if len(providers) == 0 {
		writeError(w, http.StatusBadRequest,
			"No LLM providers configured. Set at least one provider API key.")
		return
	}

	ctx := r.Context()
	var region *query.Region
	if Geo != nil {
		if resolved, found := Geo.Resolve(utterance); found {
			region = &resolved
		}
	}

	budget := config.Cfg.BenchmarkTimeout
	start := time.Now()
	results := make([]BenchmarkProviderResult, 0, len(providers))

	for _, provider := range providers {
		if time.Since(start) >= budget {
			results = append(results, BenchmarkProviderResult{
				Provider:         provider,
				ValidationErrors: []string{},
				Error:            "Skipped: total benchmark timeout (" + budget.String() + ") exceeded",
			})
			continue
		}

		t0 := time.Now()
		pipeline, err := NewPipeline(provider, "")
		if err != nil {
			results = append(results, BenchmarkProviderResult{
				Provider:         provider,
				ValidationErrors: []string{},
				LatencyMs:        float64(time.Since(t0).Microseconds()) / 1000,
				Error:            err.Error(),
			})
			continue
		}

		// Benchmarks run without conversation context.
		generated := pipeline.GenerateSQL(ctx, utterance, nil, region)
		verrs := generated.ValidationErrors
		if verrs == nil {
			verrs = []string{}
		}
		results = append(results, BenchmarkProviderResult{
			Provider:         generated.Provider,
			Model:            generated.Model,
			SQL:              generated.SQL,
			Valid:            generated.Error == "" && generated.SQL != "",
			ValidationErrors: verrs,
			LatencyMs:        float64(time.Since(t0).Microseconds()) / 1000,
			Error:            generated.Error,
		})
	}

	writeJSON(w, BenchmarkResponse{Query: utterance, Results: results})
}

func providerOrDefault(provider string) string {
	if p := strings.ToLower(strings.TrimSpace(provider)); p != "" {
		return p
	}
	return strings.ToLower(config.Cfg.LLMProvider)
}
