package query_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/floatchat-ai/floatchat/agent/pkg/query"
	"github.com/floatchat-ai/floatchat/api/config"
)

func TestContextAppendAndGet(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	require.Nil(t, query.GetContext(ctx, rdb, "s1"))

	rc := 5
	query.AppendContext(ctx, rdb, "s1", query.ContextTurn{Role: "user", Content: "how many floats?"})
	query.AppendContext(ctx, rdb, "s1", query.ContextTurn{
		Role: "assistant", Content: "There are 5 floats.",
		SQL: "SELECT COUNT(*) FROM floats", RowCount: &rc,
	})

	turns := query.GetContext(ctx, rdb, "s1")
	require.Len(t, turns, 2)
	require.Equal(t, "user", turns[0].Role)
	require.Equal(t, "assistant", turns[1].Role)
	require.Equal(t, "SELECT COUNT(*) FROM floats", turns[1].SQL)
	require.NotNil(t, turns[1].RowCount)
	require.Equal(t, 5, *turns[1].RowCount)

	// Sessions are isolated.
	require.Nil(t, query.GetContext(ctx, rdb, "s2"))
}

func TestContextTrimsToMaxTurns(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	orig := config.Cfg.ContextMaxTurns
	config.Cfg.ContextMaxTurns = 3
	t.Cleanup(func() { config.Cfg.ContextMaxTurns = orig })

	for i := 0; i < 7; i++ {
		query.AppendContext(ctx, rdb, "s1", query.ContextTurn{Role: "user", Content: fmt.Sprintf("turn %d", i)})
	}

	turns := query.GetContext(ctx, rdb, "s1")
	require.Len(t, turns, 3)
	require.Equal(t, "turn 4", turns[0].Content)
	require.Equal(t, "turn 6", turns[2].Content)
}

func TestContextTTLRenewedOnAppend(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	query.AppendContext(ctx, rdb, "s1", query.ContextTurn{Role: "user", Content: "first"})
	mr.FastForward(config.Cfg.ContextTTL / 2)
	query.AppendContext(ctx, rdb, "s1", query.ContextTurn{Role: "user", Content: "second"})

	// Half a TTL after the second append the context is still alive:
	// the TTL restarted rather than continuing from the first write.
	mr.FastForward(config.Cfg.ContextTTL * 3 / 4)
	require.Len(t, query.GetContext(ctx, rdb, "s1"), 2)

	mr.FastForward(config.Cfg.ContextTTL)
	require.Nil(t, query.GetContext(ctx, rdb, "s1"))
}

func TestContextClear(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	query.AppendContext(ctx, rdb, "s1", query.ContextTurn{Role: "user", Content: "hello"})
	require.Len(t, query.GetContext(ctx, rdb, "s1"), 1)

	query.ClearContext(ctx, rdb, "s1")
	require.Nil(t, query.GetContext(ctx, rdb, "s1"))
}

func TestContextNilClientNoOps(t *testing.T) {
	ctx := context.Background()
	query.AppendContext(ctx, nil, "s1", query.ContextTurn{Role: "user", Content: "hello"})
	query.ClearContext(ctx, nil, "s1")
	require.Nil(t, query.GetContext(ctx, nil, "s1"))
}

func TestContextCorruptPayload(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("query:context:s1", "not json"))
	require.Nil(t, query.GetContext(ctx, rdb, "s1"))

	// Appending over a corrupt value starts a fresh context.
	query.AppendContext(ctx, rdb, "s1", query.ContextTurn{Role: "user", Content: "hello"})
	require.Len(t, query.GetContext(ctx, rdb, "s1"), 1)
}
