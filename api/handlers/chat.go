package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/floatchat-ai/floatchat/agent/pkg/query"
	"github.com/floatchat-ai/floatchat/api/config"
)

// Geo is the startup-loaded geography resolver shared by every query
// stream. It is immutable after main wires it.
var Geo *query.Geography

// NewPipeline builds the NL-to-SQL pipeline for a turn. A variable so
// tests can substitute a canned pipeline, like Searcher and Reindexer.
var NewPipeline = func(provider, model string) (*query.Pipeline, error) {
	return query.NewPipeline(provider, model)
}

// QueryRequest is the body of POST /chat/sessions/{id}/query.
type QueryRequest struct {
	Query   string `json:"query"`
	Confirm bool   `json:"confirm"`
}

// ConfirmRequest is the body of POST /chat/sessions/{id}/query/confirm.
// The SQL is remembered server-side; only the message id travels.
type ConfirmRequest struct {
	MessageID string `json:"message_id"`
}

// sendEventFunc emits one framed SSE event and flushes it.
type sendEventFunc func(eventType string, data any)

// sseWriter prepares the response for event streaming and returns the
// event sender. Proxies are told not to buffer.
func sseWriter(w http.ResponseWriter) (sendEventFunc, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return func(eventType string, data any) {
		payload, err := json.Marshal(data)
		if err != nil {
			slog.Error("Failed to marshal SSE event data", "eventType", eventType, "error", err)
			payload = []byte(`{"error":"Failed to serialize response"}`)
			eventType = "error"
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload)
		flusher.Flush()
	}, true
}

// interpretUtterance derives a short up-front interpretation from the
// utterance alone, before any results exist.
func interpretUtterance(utterance string) string {
	q := strings.ToLower(utterance)
	switch {
	case strings.Contains(q, "how many") || strings.Contains(q, "count"):
		return "I'll count the matching records in the ocean data database."
	case strings.Contains(q, "average") || strings.Contains(q, "mean"):
		return "I'll calculate the average values you asked for."
	case strings.Contains(q, "maximum") || strings.Contains(q, "minimum") ||
		strings.Contains(q, "highest") || strings.Contains(q, "lowest") ||
		strings.Contains(q, "max ") || strings.Contains(q, "min "):
		return "I'll find the extreme values you asked for."
	case strings.Contains(q, "compare") || strings.Contains(q, "versus") || strings.Contains(q, " vs "):
		return "I'll compare the requested measurements."
	case strings.Contains(q, "show") || strings.Contains(q, "list") || strings.Contains(q, "which"):
		return "I'll retrieve the matching records from the ocean data database."
	default:
		return "I'll query the ocean data database."
	}
}

// SessionQuery serves POST /chat/sessions/{id}/query: the full
// NL-to-SQL turn as an SSE stream.
func SessionQuery(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	if _, err := getSession(r.Context(), sessionID); err != nil {
		if err == errSessionNotFound {
			writeError(w, http.StatusNotFound, "Session not found")
		} else {
			writeError(w, http.StatusInternalServerError, internalError("Failed to load session", err))
		}
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	utterance := strings.TrimSpace(req.Query)
	if utterance == "" {
		writeError(w, http.StatusBadRequest, "Query is required")
		return
	}

	ctx := r.Context()

	// The user message is persisted before the stream opens so a
	// storage failure can still surface as a plain HTTP error.
	userMsg := &Message{
		MessageID: uuid.New(),
		SessionID: sessionID,
		Role:      "user",
		Content:   utterance,
		NLQuery:   utterance,
		Status:    "completed",
	}
	if err := insertMessage(ctx, userMsg); err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to persist message", err))
		return
	}

	send, ok := sseWriter(w)
	if !ok {
		return
	}

	send("thinking", map[string]string{"message": "Analyzing your question..."})

	pipeline, err := NewPipeline(config.Cfg.LLMProvider, "")
	if err != nil {
		failTurn(ctx, send, sessionID, utterance, "",
			internalError("AI service is not configured", err), "generation_failure")
		return
	}

	turns := query.GetContext(ctx, config.Redis, sessionID.String())
	var region *query.Region
	if Geo != nil {
		if resolved, found := Geo.Resolve(utterance); found {
			region = &resolved
		}
	}

	generated := pipeline.GenerateSQL(ctx, utterance, turns, region)
	if generated.Error != "" {
		failTurn(ctx, send, sessionID, utterance, "", generated.Error, "generation_failure")
		return
	}

	interpretation := interpretUtterance(utterance)
	send("interpreting", map[string]any{
		"interpretation": interpretation,
		"sql":            generated.SQL,
	})

	if !req.Confirm {
		estimated := query.EstimateRows(ctx, config.ReadPool, generated.SQL)
		if estimated > int64(config.Cfg.ConfirmationThreshold) {
			pending := &Message{
				MessageID:    uuid.New(),
				SessionID:    sessionID,
				Role:         "assistant",
				Content:      interpretation,
				NLQuery:      utterance,
				GeneratedSQL: generated.SQL,
				Status:       "pending_confirmation",
			}
			if err := insertMessage(ctx, pending); err != nil {
				failTurn(ctx, send, sessionID, utterance, generated.SQL,
					internalError("Failed to persist message", err), "execution_error")
				return
			}
			if err := bumpSession(ctx, sessionID, 1); err != nil {
				slog.Error("Failed to update session counters", "session_id", sessionID, "error", err)
			}
			send("awaiting_confirmation", map[string]any{
				"message_id":     pending.MessageID,
				"estimated_rows": estimated,
				"sql":            generated.SQL,
				"interpretation": interpretation,
			})
			send("done", map[string]any{})
			return
		}
	}

	streamExecution(ctx, send, pipeline, turnState{
		sessionID:     sessionID,
		messageID:     uuid.New(),
		utterance:     utterance,
		sql:           generated.SQL,
		retriesUsed:   generated.RetriesUsed,
		insertMessage: true,
		bumpOnSuccess: 2,
		bumpOnError:   1,
	})
}

// ConfirmQuery serves POST /chat/sessions/{id}/query/confirm:
// execution of a previously deferred large query.
func ConfirmQuery(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	if _, err := getSession(r.Context(), sessionID); err != nil {
		if err == errSessionNotFound {
			writeError(w, http.StatusNotFound, "Session not found")
		} else {
			writeError(w, http.StatusInternalServerError, internalError("Failed to load session", err))
		}
		return
	}

	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	messageID, err := uuid.Parse(req.MessageID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid message_id")
		return
	}

	ctx := r.Context()

	msg, err := getMessage(ctx, messageID)
	if err == errMessageNotFound {
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to load message", err))
		return
	}
	if msg.SessionID != sessionID {
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	if msg.Status != "pending_confirmation" || msg.GeneratedSQL == "" {
		writeError(w, http.StatusBadRequest, "Message is not awaiting confirmation")
		return
	}

	// Claim before executing: a duplicate confirm finds the status
	// already flipped and cannot double-execute.
	claimed, err := claimPendingMessage(ctx, messageID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to confirm message", err))
		return
	}
	if !claimed {
		writeError(w, http.StatusBadRequest, "Message is not awaiting confirmation")
		return
	}

	send, ok := sseWriter(w)
	if !ok {
		return
	}

	// Interpretation and follow-ups degrade to templates if the LLM
	// factory fails; the confirmed query still runs.
	pipeline, err := NewPipeline(config.Cfg.LLMProvider, "")
	if err != nil {
		slog.Warn("LLM unavailable for confirmed query, using fallback interpretation", "error", err)
		pipeline = nil
	}

	streamExecution(ctx, send, pipeline, turnState{
		sessionID:     sessionID,
		messageID:     messageID,
		utterance:     msg.NLQuery,
		sql:           msg.GeneratedSQL,
		insertMessage: false,
		bumpOnSuccess: 1,
		bumpOnError:   1,
	})
}

// turnState carries the per-turn persistence parameters through the
// execution tail shared by the query and confirm paths.
type turnState struct {
	sessionID     uuid.UUID
	messageID     uuid.UUID
	utterance     string
	sql           string
	retriesUsed   int
	insertMessage bool
	bumpOnSuccess int
	bumpOnError   int
}

// streamExecution emits the executing, results, suggestions and done
// events, persisting the assistant message along the way. Results are always
// emitted before suggestions; follow-up failures shrink to an empty
// list and never stall the stream.
func streamExecution(ctx context.Context, send sendEventFunc, pipeline *query.Pipeline, turn turnState) {
	send("executing", map[string]string{"sql": turn.sql})

	cached := false
	var exec *query.ExecutionResult
	if hit := query.CachedResult(ctx, config.Redis, turn.sql); hit != nil {
		cached = true
		exec = hit
	} else {
		exec = query.Execute(ctx, config.ReadPool, turn.sql, config.Cfg.QueryMaxRows)
		if exec.Error == "" {
			query.StoreResult(ctx, config.Redis, turn.sql, exec)
		}
	}

	if exec.Error != "" {
		if turn.insertMessage {
			failTurn(ctx, send, turn.sessionID, turn.utterance, turn.sql, exec.Error, "execution_error")
			return
		}
		if err := failMessage(ctx, turn.messageID, exec.Error); err != nil {
			slog.Error("Failed to persist error message", "message_id", turn.messageID, "error", err)
		}
		if err := bumpSession(ctx, turn.sessionID, turn.bumpOnError); err != nil {
			slog.Error("Failed to update session counters", "session_id", turn.sessionID, "error", err)
		}
		send("error", map[string]string{"error": exec.Error, "error_type": "execution_error"})
		send("done", map[string]any{})
		return
	}

	var interpretation string
	if pipeline != nil {
		interpretation = pipeline.InterpretResults(ctx, turn.utterance, turn.sql, exec)
	} else {
		interpretation = query.FallbackInterpretation(exec.RowCount, exec.Columns)
	}

	send("results", map[string]any{
		"columns":           exec.Columns,
		"rows":              exec.Rows,
		"row_count":         exec.RowCount,
		"truncated":         exec.Truncated,
		"execution_time_ms": exec.ElapsedMs,
		"cached":            cached,
	})

	metadata := map[string]any{
		"row_count":         exec.RowCount,
		"columns":           exec.Columns,
		"truncated":         exec.Truncated,
		"execution_time_ms": exec.ElapsedMs,
		"cached":            cached,
		"retries_used":      turn.retriesUsed,
	}

	var followUps []string
	if pipeline != nil {
		followUps = pipeline.FollowUpSuggestions(ctx, turn.utterance, turn.sql, exec.Columns, exec.RowCount)
	}
	if followUps == nil {
		followUps = []string{}
	}

	if turn.insertMessage {
		assistant := &Message{
			MessageID:      turn.messageID,
			SessionID:      turn.sessionID,
			Role:           "assistant",
			Content:        interpretation,
			NLQuery:        turn.utterance,
			GeneratedSQL:   turn.sql,
			ResultMetadata: metadata,
			FollowUps:      followUps,
			Status:         "completed",
		}
		if err := insertMessage(ctx, assistant); err != nil {
			slog.Error("Failed to persist assistant message", "session_id", turn.sessionID, "error", err)
		}
	} else {
		if err := completeMessage(ctx, turn.messageID, interpretation, metadata, followUps); err != nil {
			slog.Error("Failed to finalize confirmed message", "message_id", turn.messageID, "error", err)
		}
	}

	if err := bumpSession(ctx, turn.sessionID, turn.bumpOnSuccess); err != nil {
		slog.Error("Failed to update session counters", "session_id", turn.sessionID, "error", err)
	}

	rc := exec.RowCount
	query.AppendContext(ctx, config.Redis, turn.sessionID.String(),
		query.ContextTurn{Role: "user", Content: turn.utterance})
	query.AppendContext(ctx, config.Redis, turn.sessionID.String(),
		query.ContextTurn{Role: "assistant", Content: interpretation, SQL: turn.sql, RowCount: &rc})

	send("suggestions", map[string]any{"suggestions": followUps})
	send("done", map[string]any{})
}

// failTurn persists a fresh error assistant message and closes the
// stream with error then done.
func failTurn(ctx context.Context, send sendEventFunc, sessionID uuid.UUID, utterance, sql, errorText, errorType string) {
	assistant := &Message{
		MessageID:    uuid.New(),
		SessionID:    sessionID,
		Role:         "assistant",
		NLQuery:      utterance,
		GeneratedSQL: sql,
		Error:        errorText,
		Status:       "error",
	}
	if err := insertMessage(ctx, assistant); err != nil {
		slog.Error("Failed to persist error message", "session_id", sessionID, "error", err)
	}
	if err := bumpSession(ctx, sessionID, 1); err != nil {
		slog.Error("Failed to update session counters", "session_id", sessionID, "error", err)
	}
	send("error", map[string]string{"error": errorText, "error_type": errorType})
	send("done", map[string]any{})
}
