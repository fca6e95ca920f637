package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/floatchat-ai/floatchat/api/config"
	"github.com/floatchat-ai/floatchat/indexer/pkg/search"
)

// Searcher is the shared semantic search engine, wired at startup. It
// stays nil when no embedding credentials are configured; the search
// endpoints then report 503.
var Searcher *search.Searcher

// SearchDatasets serves GET /search/datasets.
func SearchDatasets(w http.ResponseWriter, r *http.Request) {
	if Searcher == nil {
		writeError(w, http.StatusServiceUnavailable, "Search is not configured")
		return
	}

	q := r.URL.Query()
	queryText := strings.TrimSpace(q.Get("q"))
	if queryText == "" {
		writeError(w, http.StatusBadRequest, "q parameter is required")
		return
	}

	limit, ok := limitParam(w, q.Get("limit"))
	if !ok {
		return
	}

	params := search.DatasetSearchParams{
		Query:     queryText,
		Limit:     limit,
		Variable:  strings.TrimSpace(q.Get("variable")),
		FloatType: strings.TrimSpace(q.Get("float_type")),
	}

	if params.DateFrom, ok = dateParam(w, q.Get("date_from")); !ok {
		return
	}
	if params.DateTo, ok = dateParam(w, q.Get("date_to")); !ok {
		return
	}

	if region := strings.TrimSpace(q.Get("region")); region != "" {
		resolved, err := search.ResolveRegionName(r.Context(), config.PgPool, region, config.Cfg.FuzzyMatchThreshold)
		if err != nil {
			writeRegionError(w, err)
			return
		}
		params.Region = resolved
	}

	results, err := Searcher.SearchDatasets(r.Context(), params)
	if err != nil {
		if strings.Contains(err.Error(), "exceeds maximum") {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, internalError("Dataset search failed", err))
		return
	}
	if results == nil {
		results = []search.DatasetSearchResult{}
	}
	writeJSON(w, map[string]any{"results": results, "count": len(results)})
}

// SearchFloats serves GET /search/floats.
func SearchFloats(w http.ResponseWriter, r *http.Request) {
	if Searcher == nil {
		writeError(w, http.StatusServiceUnavailable, "Search is not configured")
		return
	}

	q := r.URL.Query()
	queryText := strings.TrimSpace(q.Get("q"))
	if queryText == "" {
		writeError(w, http.StatusBadRequest, "q parameter is required")
		return
	}

	limit, ok := limitParam(w, q.Get("limit"))
	if !ok {
		return
	}

	var region *search.OceanRegion
	if name := strings.TrimSpace(q.Get("region")); name != "" {
		resolved, err := search.ResolveRegionName(r.Context(), config.PgPool, name, config.Cfg.FuzzyMatchThreshold)
		if err != nil {
			writeRegionError(w, err)
			return
		}
		region = resolved
	}

	results, err := Searcher.SearchFloats(r.Context(), queryText, limit,
		strings.TrimSpace(q.Get("float_type")), region)
	if err != nil {
		if strings.Contains(err.Error(), "exceeds maximum") {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, internalError("Float search failed", err))
		return
	}
	if results == nil {
		results = []search.FloatSearchResult{}
	}
	writeJSON(w, map[string]any{"results": results, "count": len(results)})
}

func limitParam(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return 0, false
	}
	return limit, true
}

func dateParam(w http.ResponseWriter, raw string) (*time.Time, bool) {
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date, expected YYYY-MM-DD")
		return nil, false
	}
	return &t, true
}

// writeRegionError maps a fuzzy-resolution miss to a 404 carrying the
// suggestions; anything else is a 500.
func writeRegionError(w http.ResponseWriter, err error) {
	var notFound *search.RegionNotFoundError
	if errors.As(err, &notFound) {
		writeJSONStatus(w, http.StatusNotFound, map[string]any{
			"error":       notFound.Error(),
			"suggestions": notFound.Suggestions,
		})
		return
	}
	writeError(w, http.StatusInternalServerError, internalError("Region lookup failed", err))
}
