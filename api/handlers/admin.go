package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/floatchat-ai/floatchat/agent/pkg/query"
	"github.com/floatchat-ai/floatchat/api/config"
	"github.com/floatchat-ai/floatchat/indexer/pkg/search"
)

// Reindexer is the shared embedding indexer, wired at startup. Nil
// when no embedding credentials are configured.
var Reindexer *search.Indexer

// AdminReindex serves POST /admin/reindex/{dataset_id}: re-embeds one
// dataset and its floats, then invalidates the caches that may now be
// stale.
func AdminReindex(w http.ResponseWriter, r *http.Request) {
	if Reindexer == nil {
		writeError(w, http.StatusServiceUnavailable, "Indexing is not configured")
		return
	}

	datasetID, err := strconv.Atoi(chi.URLParam(r, "dataset_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid dataset id")
		return
	}

	result := Reindexer.ReindexDataset(r.Context(), datasetID)

	// The archive changed shape: cached query results and the derived
	// suggestions may no longer match it.
	invalidated := query.InvalidateQueryCache(r.Context(), config.Redis)
	invalidateSuggestionsCache(r.Context())

	writeJSON(w, map[string]any{
		"dataset_id":                datasetID,
		"dataset_indexed":           result.DatasetIndexed,
		"floats":                    result.Floats,
		"query_cache_invalidations": invalidated,
	})
}
