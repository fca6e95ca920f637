package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// CreateSessionRequest is the body of POST /chat/sessions. The owning
// user arrives in the X-User-ID header.
type CreateSessionRequest struct {
	Name string `json:"name"`
}

func CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if r.Body != nil {
		// An empty body is fine; sessions do not need a name.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	session, err := createSession(r.Context(), r.Header.Get("X-User-ID"), strings.TrimSpace(req.Name))
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to create session", err))
		return
	}

	writeJSONStatus(w, http.StatusCreated, session)
}

func ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := listSessions(r.Context(), r.Header.Get("X-User-ID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to list sessions", err))
		return
	}
	if sessions == nil {
		sessions = []Session{}
	}
	writeJSON(w, map[string]any{"sessions": sessions})
}

func GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}

	session, err := getSession(r.Context(), id)
	if errors.Is(err, errSessionNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to load session", err))
		return
	}
	writeJSON(w, session)
}

// RenameSessionRequest is the body of PATCH /chat/sessions/{id}.
type RenameSessionRequest struct {
	Name string `json:"name"`
}

func RenameSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}

	var req RenameSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, err := renameSession(r.Context(), id, strings.TrimSpace(req.Name))
	if errors.Is(err, errSessionNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to rename session", err))
		return
	}
	writeJSON(w, session)
}

func DeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}

	err := deleteSession(r.Context(), id)
	if errors.Is(err, errSessionNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to delete session", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sessionIDParam parses the {id} path segment, writing a 400 on a
// malformed id.
func sessionIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid session id")
		return uuid.UUID{}, false
	}
	return id, true
}
