package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floatchat-ai/floatchat/api/config"
	"github.com/floatchat-ai/floatchat/api/handlers"
	apitesting "github.com/floatchat-ai/floatchat/api/testing"
	"github.com/floatchat-ai/floatchat/indexer/pkg/search"
)

// signToken builds an HS256 bearer token with the given role claim.
func signToken(t *testing.T, role, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "test-admin",
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestRequireAdmin(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	guarded := handlers.RequireAdmin(next)

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reindex/1", nil)
		rr := httptest.NewRecorder()
		guarded.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("malformed token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reindex/1", nil)
		req.Header.Set("Authorization", "Bearer garbage")
		rr := httptest.NewRecorder()
		guarded.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reindex/1", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "admin", "some-other-secret"))
		rr := httptest.NewRecorder()
		guarded.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("non-admin role", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reindex/1", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "user", config.Cfg.SecretKey))
		rr := httptest.NewRecorder()
		guarded.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("admin role", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reindex/1", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "admin", config.Cfg.SecretKey))
		rr := httptest.NewRecorder()
		guarded.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

// stubEmbedder returns a deterministic unit vector per text.
type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, config.Cfg.EmbeddingDimensions)
		vec[0] = 1
		vectors[i] = vec
	}
	return vectors, nil
}

// withReindexer wires a stub-backed indexer for the duration of the
// test.
func withReindexer(t *testing.T) {
	t.Helper()
	old := handlers.Reindexer
	handlers.Reindexer = search.NewIndexer(config.PgPool, stubEmbedder{})
	t.Cleanup(func() { handlers.Reindexer = old })
}

func postReindex(t *testing.T, datasetID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reindex/"+datasetID, nil)
	req = withChiURLParams(req, map[string]string{"dataset_id": datasetID})
	rr := httptest.NewRecorder()
	handlers.AdminReindex(rr, req)
	return rr
}

func TestAdminReindex_NotConfigured(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)

	rr := postReindex(t, "1")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestAdminReindex_InvalidID(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	withReindexer(t)

	rr := postReindex(t, "abc")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminReindex(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	withReindexer(t)
	ctx := t.Context()

	datasetID := seedDataset(t, ctx, "Indian Ocean Argo 2024")
	floatID := seedFloat(t, ctx, "2902269", "BGC", 15.0, 65.0)
	seedProfile(t, ctx, floatID, datasetID, 15.1, 65.2, time.Now().UTC())

	rr := postReindex(t, strconv.Itoa(datasetID))
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	assert.Equal(t, true, body["dataset_indexed"])

	floats, ok := body["floats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), floats["total"])
	assert.Equal(t, float64(1), floats["succeeded"])
	assert.Equal(t, float64(0), floats["failed"])

	var datasetEmbeddings, floatEmbeddings int
	require.NoError(t, config.PgPool.QueryRow(ctx,
		`SELECT COUNT(*) FROM dataset_embeddings WHERE dataset_id = $1 AND status = 'indexed'`,
		datasetID).Scan(&datasetEmbeddings))
	require.NoError(t, config.PgPool.QueryRow(ctx,
		`SELECT COUNT(*) FROM float_embeddings WHERE float_id = $1 AND status = 'indexed'`,
		floatID).Scan(&floatEmbeddings))
	assert.Equal(t, 1, datasetEmbeddings)
	assert.Equal(t, 1, floatEmbeddings)
}
