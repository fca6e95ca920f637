package config

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared client for the result cache, the conversation
// context store, and the suggestions cache. It may be nil: every
// consumer degrades to a no-op when the store is unavailable.
var Redis *redis.Client

// LoadRedis connects to Redis. Failure is not fatal; the service runs
// without caching and conversation context.
func LoadRedis() {
	opts, err := redis.ParseURL(Cfg.RedisURL)
	if err != nil {
		log.Printf("Warning: invalid REDIS_URL, running without Redis: %v", err)
		return
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available, running without cache/context: %v", err)
		_ = client.Close()
		return
	}

	Redis = client
	log.Printf("Connected to Redis successfully")
}

// CloseRedis closes the Redis client if connected.
func CloseRedis() {
	if Redis != nil {
		_ = Redis.Close()
		Redis = nil
	}
}
