package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/floatchat-ai/floatchat/api/config"
	"github.com/floatchat-ai/floatchat/indexer/pkg/search"
)

const suggestionsCacheKey = "chat_suggestions"

// Suggestion is one load-time example query shown before the first
// turn.
type Suggestion struct {
	Query       string `json:"query"`
	Description string `json:"description"`
}

// fallbackSuggestions covers an empty archive or any failure building
// dataset-derived suggestions.
var fallbackSuggestions = []Suggestion{
	{Query: "How many floats are currently active?", Description: "Count the active Argo floats in the archive"},
	{Query: "Show me temperature profiles in the Arabian Sea", Description: "Spatial query over a named region"},
	{Query: "What is the average salinity at 1000 dbar?", Description: "Aggregate a variable at a fixed depth"},
	{Query: "Which datasets cover the Bay of Bengal?", Description: "Discover datasets by region"},
}

// ChatSuggestions serves GET /chat/suggestions. Suggestions derive
// from the most recently ingested dataset and are cached in Redis.
func ChatSuggestions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if config.Redis != nil {
		if raw, err := config.Redis.Get(ctx, suggestionsCacheKey).Bytes(); err == nil {
			var cached []Suggestion
			if json.Unmarshal(raw, &cached) == nil && len(cached) > 0 {
				writeJSON(w, map[string]any{"suggestions": cached})
				return
			}
		}
	}

	suggestions := buildSuggestions(ctx)
	if len(suggestions) == 0 {
		suggestions = fallbackSuggestions
	} else if config.Redis != nil {
		if raw, err := json.Marshal(suggestions); err == nil {
			config.Redis.Set(ctx, suggestionsCacheKey, raw, config.Cfg.SuggestionsTTL)
		}
	}

	writeJSON(w, map[string]any{"suggestions": suggestions})
}

// invalidateSuggestionsCache drops the cached list; the next request
// rebuilds it from the current datasets.
func invalidateSuggestionsCache(ctx context.Context) {
	if config.Redis != nil {
		config.Redis.Del(ctx, suggestionsCacheKey)
	}
}

// buildSuggestions derives varied example queries from the newest
// active dataset: one spatial, one temporal, one variable-specific,
// one overview, plus extras when more variables exist.
func buildSuggestions(ctx context.Context) []Suggestion {
	datasets, err := search.AllDatasetSummaries(ctx, config.PgPool)
	if err != nil || len(datasets) == 0 {
		return nil
	}
	ds := datasets[0]

	var out []Suggestion
	out = append(out, Suggestion{
		Query:       fmt.Sprintf("Where are the floats from %s located?", ds.Name),
		Description: "Map the float positions in the latest dataset",
	})
	if ds.DateRangeStart != nil && ds.DateRangeEnd != nil {
		out = append(out, Suggestion{
			Query: fmt.Sprintf("How many profiles were collected between %s and %s?",
				ds.DateRangeStart.Format("January 2006"), ds.DateRangeEnd.Format("January 2006")),
			Description: "Profile counts over the dataset's time span",
		})
	}
	if len(ds.VariableList) > 0 {
		out = append(out, Suggestion{
			Query:       fmt.Sprintf("What is the average %s at 1000 dbar?", ds.VariableList[0]),
			Description: fmt.Sprintf("Typical %s at depth", ds.VariableList[0]),
		})
	}
	out = append(out, Suggestion{
		Query:       fmt.Sprintf("Give me an overview of the %s dataset", ds.Name),
		Description: "Summary statistics for the latest dataset",
	})
	if len(ds.VariableList) > 1 {
		out = append(out, Suggestion{
			Query:       fmt.Sprintf("Show me profiles with unusual %s values", ds.VariableList[1]),
			Description: fmt.Sprintf("Outlier scan over %s", ds.VariableList[1]),
		})
		out = append(out, Suggestion{
			Query: fmt.Sprintf("Compare %s and %s in the upper 200 dbar",
				ds.VariableList[0], ds.VariableList[1]),
			Description: "Cross-variable comparison near the surface",
		})
	}

	if len(out) > config.Cfg.SuggestionsCount {
		out = out[:config.Cfg.SuggestionsCount]
	}
	return out
}
