package query

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/floatchat-ai/floatchat/api/config"
	"github.com/floatchat-ai/floatchat/api/metrics"
)

// cacheKeyPrefix namespaces result-cache keys so invalidation can scan
// them without touching context or suggestion keys.
const cacheKeyPrefix = "query_cache"

func cacheKey(sql string) string {
	sum := md5.Sum([]byte(sql))
	return cacheKeyPrefix + ":" + hex.EncodeToString(sum[:])
}

// CachedResult looks up a cached execution result keyed by the exact
// SQL string. The full result is stored, columns in executed order
// included, so a replay is indistinguishable from a fresh run. A nil
// client, a miss, and any Redis or decode error all return nil:
// caching is strictly best-effort.
func CachedResult(ctx context.Context, rdb *redis.Client, sql string) *ExecutionResult {
	if rdb == nil {
		return nil
	}

	key := cacheKey(sql)
	raw, err := rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		slog.Debug("cache miss", "key", key)
		metrics.RecordCacheEvent("miss")
		return nil
	}
	if err != nil {
		slog.Warn("redis get error", "key", key, "error", err)
		metrics.RecordCacheEvent("error")
		return nil
	}

	var result ExecutionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		slog.Warn("cache decode error", "key", key, "error", err)
		metrics.RecordCacheEvent("error")
		return nil
	}

	slog.Debug("cache hit", "key", key)
	metrics.RecordCacheEvent("hit")
	return &result
}

// StoreResult caches a successful execution result. Results larger
// than the configured ceiling are never cached. Returns whether the
// result was stored.
func StoreResult(ctx context.Context, rdb *redis.Client, sql string, result *ExecutionResult) bool {
	if rdb == nil || result == nil {
		return false
	}

	if len(result.Rows) > config.Cfg.CacheMaxRows {
		slog.Debug("cache skip, result too large",
			"rows", len(result.Rows), "max_rows", config.Cfg.CacheMaxRows)
		metrics.RecordCacheEvent("skip")
		return false
	}

	payload, err := json.Marshal(result)
	if err != nil {
		slog.Warn("cache encode error", "error", err)
		return false
	}

	key := cacheKey(sql)
	if err := rdb.Set(ctx, key, payload, config.Cfg.CacheTTL).Err(); err != nil {
		slog.Warn("redis set error", "key", key, "error", err)
		metrics.RecordCacheEvent("error")
		return false
	}

	slog.Debug("cache set", "key", key, "rows", len(result.Rows), "ttl", config.Cfg.CacheTTL)
	metrics.RecordCacheEvent("store")
	return true
}

// InvalidateQueryCache deletes every query_cache key. Called after
// ingestion or reindexing makes cached results stale. Returns the
// number of keys deleted.
func InvalidateQueryCache(ctx context.Context, rdb *redis.Client) int {
	if rdb == nil {
		return 0
	}

	deleted := 0
	iter := rdb.Scan(ctx, 0, cacheKeyPrefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := rdb.Del(ctx, iter.Val()).Err(); err != nil {
			slog.Warn("redis delete error", "key", iter.Val(), "error", err)
			continue
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		slog.Warn("redis invalidate scan error", "error", err)
	}

	slog.Info("cache invalidated", "deleted", deleted)
	metrics.RecordCacheEvent("invalidate")
	return deleted
}
