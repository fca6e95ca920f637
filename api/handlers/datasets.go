package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/floatchat-ai/floatchat/api/config"
	"github.com/floatchat-ai/floatchat/indexer/pkg/search"
)

const discoveryLimit = 200

// ListDatasets serves GET /datasets: active dataset summary cards.
func ListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := search.AllDatasetSummaries(r.Context(), config.PgPool)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to list datasets", err))
		return
	}
	if datasets == nil {
		datasets = []search.DatasetSummaryInfo{}
	}
	writeJSON(w, map[string]any{"datasets": datasets, "count": len(datasets)})
}

// GetDataset serves GET /datasets/{id}.
func GetDataset(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid dataset id")
		return
	}

	dataset, err := search.DatasetSummary(r.Context(), config.PgPool, id)
	if err != nil {
		var notFound *search.DatasetNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, notFound.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, internalError("Failed to load dataset", err))
		return
	}
	writeJSON(w, dataset)
}

// DiscoverRegionFloats serves GET /discovery/regions/{name}/floats:
// floats whose latest position falls inside the fuzzily-resolved
// region.
func DiscoverRegionFloats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if strings.TrimSpace(name) == "" {
		writeError(w, http.StatusBadRequest, "Region name is required")
		return
	}

	region, floats, err := search.DiscoverFloatsByRegion(r.Context(), config.PgPool,
		name, strings.TrimSpace(r.URL.Query().Get("float_type")),
		config.Cfg.FuzzyMatchThreshold, discoveryLimit)
	if err != nil {
		writeRegionError(w, err)
		return
	}
	if floats == nil {
		floats = []search.DiscoveredFloat{}
	}
	writeJSON(w, map[string]any{"region": region, "floats": floats, "count": len(floats)})
}

// DiscoverVariableFloats serves GET /discovery/variables/{name}/floats:
// floats with at least one measurement of the variable.
func DiscoverVariableFloats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	floats, err := search.DiscoverFloatsByVariable(r.Context(), config.PgPool, name, discoveryLimit)
	if err != nil {
		if strings.Contains(err.Error(), "Unsupported variable") {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, internalError("Float discovery failed", err))
		return
	}
	if floats == nil {
		floats = []search.DiscoveredFloat{}
	}
	writeJSON(w, map[string]any{"variable": strings.ToLower(strings.TrimSpace(name)), "floats": floats, "count": len(floats)})
}
