package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floatchat-ai/floatchat/api/config"
	"github.com/floatchat-ai/floatchat/api/handlers"
	apitesting "github.com/floatchat-ai/floatchat/api/testing"
	"github.com/floatchat-ai/floatchat/indexer/pkg/search"
)

// withSearcher wires a stub-backed searcher for the duration of the
// test.
func withSearcher(t *testing.T) {
	t.Helper()
	old := handlers.Searcher
	handlers.Searcher = search.NewSearcher(config.PgPool, stubEmbedder{})
	t.Cleanup(func() { handlers.Searcher = old })
}

// stubVector matches what stubEmbedder produces, so seeded embeddings
// sit at cosine distance zero from any query.
func stubVector() pgvector.Vector {
	vec := make([]float32, config.Cfg.EmbeddingDimensions)
	vec[0] = 1
	return pgvector.NewVector(vec)
}

func seedDatasetEmbedding(t *testing.T, ctx context.Context, datasetID int) {
	t.Helper()
	_, err := config.PgPool.Exec(ctx, `
		INSERT INTO dataset_embeddings (dataset_id, embedding_text, embedding, status)
		VALUES ($1, 'seeded', $2, 'indexed')`, datasetID, stubVector())
	require.NoError(t, err)
}

func seedFloatEmbedding(t *testing.T, ctx context.Context, floatID int) {
	t.Helper()
	_, err := config.PgPool.Exec(ctx, `
		INSERT INTO float_embeddings (float_id, embedding_text, embedding, status)
		VALUES ($1, 'seeded', $2, 'indexed')`, floatID, stubVector())
	require.NoError(t, err)
}

func getSearch(t *testing.T, path string, handler http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func TestSearchDatasets_NotConfigured(t *testing.T) {
	rr := getSearch(t, "/api/v1/search/datasets?q=oxygen", handlers.SearchDatasets)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestSearchDatasets_Validation(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	withSearcher(t)

	t.Run("missing q", func(t *testing.T) {
		rr := getSearch(t, "/api/v1/search/datasets", handlers.SearchDatasets)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("limit above maximum", func(t *testing.T) {
		rr := getSearch(t, "/api/v1/search/datasets?q=oxygen&limit=1000", handlers.SearchDatasets)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("bad date", func(t *testing.T) {
		rr := getSearch(t, "/api/v1/search/datasets?q=oxygen&date_from=June+2023", handlers.SearchDatasets)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestSearchDatasets(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	withSearcher(t)
	ctx := t.Context()

	datasetID := seedDataset(t, ctx, "Indian Ocean BGC 2024")
	seedDatasetEmbedding(t, ctx, datasetID)

	rr := getSearch(t, "/api/v1/search/datasets?q=biogeochemical+oxygen+data", handlers.SearchDatasets)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Results []search.DatasetSearchResult `json:"results"`
		Count   int                          `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, datasetID, body.Results[0].DatasetID)
	assert.Equal(t, "Indian Ocean BGC 2024", body.Results[0].Name)
	assert.InDelta(t, 1.0, body.Results[0].Score, 0.0001)
}

func TestSearchDatasets_VariableFilter(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	withSearcher(t)
	ctx := t.Context()

	datasetID := seedDataset(t, ctx, "Core Argo")
	seedDatasetEmbedding(t, ctx, datasetID)

	rr := getSearch(t, "/api/v1/search/datasets?q=temperature&variable=temperature", handlers.SearchDatasets)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(1), decodeBody(t, rr)["count"])

	// The seeded variable list has no nitrate.
	rr = getSearch(t, "/api/v1/search/datasets?q=nitrate&variable=nitrate", handlers.SearchDatasets)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(0), decodeBody(t, rr)["count"])
}

func TestSearchDatasets_RegionNotFound(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	withSearcher(t)

	rr := getSearch(t, "/api/v1/search/datasets?q=oxygen&region=atlantis", handlers.SearchDatasets)
	require.Equal(t, http.StatusNotFound, rr.Code)

	body := decodeBody(t, rr)
	assert.Contains(t, body["error"], "Region 'atlantis' not found")
	assert.NotEmpty(t, body["suggestions"])
}

func TestSearchFloats(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	withSearcher(t)
	ctx := t.Context()

	// Deployed inside the Arabian Sea bbox; the region match boosts an
	// already perfect score, which stays capped at 1.
	floatID := seedFloat(t, ctx, "2902269", "BGC", 15.0, 65.0)
	seedFloatEmbedding(t, ctx, floatID)

	otherID := seedFloat(t, ctx, "6903091", "core", -40.0, 100.0)
	seedFloatEmbedding(t, ctx, otherID)

	rr := getSearch(t, "/api/v1/search/floats?q=bgc+floats&float_type=BGC&region=arabian+sea", handlers.SearchFloats)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Results []search.FloatSearchResult `json:"results"`
		Count   int                        `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, floatID, body.Results[0].FloatID)
	assert.Equal(t, "2902269", body.Results[0].PlatformNumber)
	assert.InDelta(t, 1.0, body.Results[0].Score, 0.0001)
}

func TestSearchFloats_NotConfigured(t *testing.T) {
	rr := getSearch(t, "/api/v1/search/floats?q=bgc", handlers.SearchFloats)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

// Embedding status gates search visibility: failed rows never rank.
func TestSearchFloats_SkipsFailedEmbeddings(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	withSearcher(t)
	ctx := t.Context()

	floatID := seedFloat(t, ctx, "2902269", "BGC", 15.0, 65.0)
	zero := pgvector.NewVector(make([]float32, config.Cfg.EmbeddingDimensions))
	_, err := config.PgPool.Exec(ctx, `
		INSERT INTO float_embeddings (float_id, embedding_text, embedding, status)
		VALUES ($1, '', $2, 'embedding_failed')`, floatID, zero)
	require.NoError(t, err)

	rr := getSearch(t, "/api/v1/search/floats?q=bgc", handlers.SearchFloats)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(0), decodeBody(t, rr)["count"])
}
