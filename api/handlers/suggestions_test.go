package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floatchat-ai/floatchat/api/config"
	"github.com/floatchat-ai/floatchat/api/handlers"
	apitesting "github.com/floatchat-ai/floatchat/api/testing"
)

// withTestRedis points config.Redis at a miniredis for the duration of
// the test.
func withTestRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	old := config.Redis
	config.Redis = client
	t.Cleanup(func() {
		_ = client.Close()
		config.Redis = old
	})
	return mr
}

func getSuggestions(t *testing.T) []handlers.Suggestion {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/suggestions", nil)
	rr := httptest.NewRecorder()
	handlers.ChatSuggestions(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Suggestions []handlers.Suggestion `json:"suggestions"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body.Suggestions
}

func TestChatSuggestions_FallbackOnEmptyArchive(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)

	suggestions := getSuggestions(t)
	require.Len(t, suggestions, 4)
	assert.Equal(t, "How many floats are currently active?", suggestions[0].Query)
	for _, s := range suggestions {
		assert.NotEmpty(t, s.Query)
		assert.NotEmpty(t, s.Description)
	}
}

func TestChatSuggestions_DerivedFromNewestDataset(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	ctx := t.Context()

	seedDataset(t, ctx, "Indian Ocean BGC 2024")

	suggestions := getSuggestions(t)
	require.NotEmpty(t, suggestions)
	assert.LessOrEqual(t, len(suggestions), config.Cfg.SuggestionsCount)
	assert.Contains(t, suggestions[0].Query, "Indian Ocean BGC 2024")

	// Both seeded variables show up across the derived suggestions.
	var all string
	for _, s := range suggestions {
		all += s.Query + "\n"
	}
	assert.Contains(t, all, "temperature")
	assert.Contains(t, all, "salinity")
}

func TestChatSuggestions_Cached(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	ctx := t.Context()
	mr := withTestRedis(t)

	seedDataset(t, ctx, "Arabian Sea Core")

	first := getSuggestions(t)
	require.NotEmpty(t, first)
	assert.True(t, mr.Exists("chat_suggestions"))

	// A new dataset does not show up until the cache expires.
	seedDataset(t, ctx, "Bay of Bengal BGC")
	second := getSuggestions(t)
	assert.Equal(t, first, second)

	mr.Del("chat_suggestions")
	third := getSuggestions(t)
	assert.Contains(t, third[0].Query, "Bay of Bengal BGC")
}
