package query

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/floatchat-ai/floatchat/api/config"
)

// Conversation context lives in a single JSON-encoded Redis string per
// session under query:context:{session_id}. Every function tolerates a
// nil client: multi-turn context degrades to standalone queries when
// Redis is down, it never blocks a query.

func contextKey(sessionID string) string {
	return "query:context:" + sessionID
}

// GetContext returns the stored turns for a session, oldest first.
// Returns nil when Redis is unavailable, the key is missing, or the
// stored value is malformed.
func GetContext(ctx context.Context, rdb *redis.Client, sessionID string) []ContextTurn {
	if rdb == nil {
		return nil
	}

	raw, err := rdb.Get(ctx, contextKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		slog.Warn("context get failed", "session_id", sessionID, "error", err)
		return nil
	}

	var turns []ContextTurn
	if err := json.Unmarshal(raw, &turns); err != nil {
		slog.Warn("context invalid format", "session_id", sessionID, "error", err)
		return nil
	}
	return turns
}

// AppendContext appends a turn, trims to the configured max turn
// count, and renews the TTL. No-op when Redis is unavailable.
func AppendContext(ctx context.Context, rdb *redis.Client, sessionID string, turn ContextTurn) {
	if rdb == nil {
		return
	}

	turns := GetContext(ctx, rdb, sessionID)
	turns = append(turns, turn)
	if max := config.Cfg.ContextMaxTurns; len(turns) > max {
		turns = turns[len(turns)-max:]
	}

	payload, err := json.Marshal(turns)
	if err != nil {
		slog.Warn("context encode failed", "session_id", sessionID, "error", err)
		return
	}
	if err := rdb.Set(ctx, contextKey(sessionID), payload, config.Cfg.ContextTTL).Err(); err != nil {
		slog.Warn("context append failed", "session_id", sessionID, "error", err)
		return
	}

	slog.Debug("context appended",
		"session_id", sessionID, "turn_count", len(turns), "role", turn.Role)
}

// ClearContext deletes a session's context. No-op when Redis is
// unavailable.
func ClearContext(ctx context.Context, rdb *redis.Client, sessionID string) {
	if rdb == nil {
		return
	}
	if err := rdb.Del(ctx, contextKey(sessionID)).Err(); err != nil {
		slog.Warn("context clear failed", "session_id", sessionID, "error", err)
		return
	}
	slog.Debug("context cleared", "session_id", sessionID)
}
