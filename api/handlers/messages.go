package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/floatchat-ai/floatchat/api/config"
)

// ListMessages serves GET /chat/sessions/{id}/messages. Messages come
// back in ascending creation order; `before_message_id` pages
// backwards through older messages.
func ListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}

	if _, err := getSession(r.Context(), id); err != nil {
		if errors.Is(err, errSessionNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
		} else {
			writeError(w, http.StatusInternalServerError, internalError("Failed to load session", err))
		}
		return
	}

	limit := config.Cfg.MessagePageSize
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	var before *uuid.UUID
	if b := r.URL.Query().Get("before_message_id"); b != "" {
		cursor, err := uuid.Parse(b)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid before_message_id")
			return
		}
		before = &cursor
	}

	messages, err := listMessages(r.Context(), id, limit, before)
	if errors.Is(err, errCursorNotFound) {
		writeError(w, http.StatusNotFound, "Cursor message not found in session")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to list messages", err))
		return
	}
	if messages == nil {
		messages = []Message{}
	}

	writeJSON(w, map[string]any{"messages": messages})
}
