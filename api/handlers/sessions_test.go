package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floatchat-ai/floatchat/api/handlers"
	apitesting "github.com/floatchat-ai/floatchat/api/testing"
)

func TestCreateSession(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)

	body, _ := json.Marshal(handlers.CreateSessionRequest{Name: "Indian Ocean exploration"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/sessions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "user-42")

	rr := httptest.NewRecorder()
	handlers.CreateSession(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)

	var session handlers.Session
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&session))
	assert.NotEqual(t, uuid.UUID{}, session.SessionID)
	assert.Equal(t, "user-42", session.UserIdentifier)
	assert.Equal(t, "Indian Ocean exploration", session.Name)
	assert.Equal(t, 0, session.MessageCount)
	assert.False(t, session.CreatedAt.IsZero())
}

func TestCreateSession_EmptyBody(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/sessions", nil)

	rr := httptest.NewRecorder()
	handlers.CreateSession(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)

	var session handlers.Session
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&session))
	assert.Empty(t, session.Name)
	assert.Empty(t, session.UserIdentifier)
}

func TestListSessions_FilterByUser(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	ctx := t.Context()

	createTestSession(t, ctx, "alice")
	createTestSession(t, ctx, "alice")
	createTestSession(t, ctx, "bob")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/sessions", nil)
	req.Header.Set("X-User-ID", "alice")

	rr := httptest.NewRecorder()
	handlers.ListSessions(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Len(t, body["sessions"], 2)

	// No header lists every active session.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/chat/sessions", nil)
	rr = httptest.NewRecorder()
	handlers.ListSessions(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body = decodeBody(t, rr)
	assert.Len(t, body["sessions"], 3)
}

func TestGetSession(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	ctx := t.Context()

	id := createTestSession(t, ctx, "alice")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/sessions/"+id.String(), nil)
	req = withChiURLParams(req, map[string]string{"id": id.String()})

	rr := httptest.NewRecorder()
	handlers.GetSession(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var session handlers.Session
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&session))
	assert.Equal(t, id, session.SessionID)
	assert.Equal(t, "Test session", session.Name)
}

func TestGetSession_NotFound(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)

	id := uuid.New().String()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/sessions/"+id, nil)
	req = withChiURLParams(req, map[string]string{"id": id})

	rr := httptest.NewRecorder()
	handlers.GetSession(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetSession_InvalidID(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/sessions/not-a-uuid", nil)
	req = withChiURLParams(req, map[string]string{"id": "not-a-uuid"})

	rr := httptest.NewRecorder()
	handlers.GetSession(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRenameSession(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	ctx := t.Context()

	id := createTestSession(t, ctx, "alice")

	body, _ := json.Marshal(handlers.RenameSessionRequest{Name: "Salinity deep dive"})
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/chat/sessions/"+id.String(), bytes.NewReader(body))
	req = withChiURLParams(req, map[string]string{"id": id.String()})

	rr := httptest.NewRecorder()
	handlers.RenameSession(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var session handlers.Session
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&session))
	assert.Equal(t, "Salinity deep dive", session.Name)
}

func TestDeleteSession(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	ctx := t.Context()

	id := createTestSession(t, ctx, "alice")

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/chat/sessions/"+id.String(), nil)
	req = withChiURLParams(req, map[string]string{"id": id.String()})

	rr := httptest.NewRecorder()
	handlers.DeleteSession(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)

	// Soft-deleted sessions look gone from every endpoint.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/chat/sessions/"+id.String(), nil)
	req = withChiURLParams(req, map[string]string{"id": id.String()})
	rr = httptest.NewRecorder()
	handlers.GetSession(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// A second delete is a 404, not a no-op.
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/chat/sessions/"+id.String(), nil)
	req = withChiURLParams(req, map[string]string{"id": id.String()})
	rr = httptest.NewRecorder()
	handlers.DeleteSession(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
