package config

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// PgPool is the global read-write PostgreSQL connection pool. It is
// used for session/message persistence and embedding upserts.
var PgPool *pgxpool.Pool

// ReadPool is the strictly read-only pool the query executor runs
// generated SQL on. It must point at a role with no write grants.
var ReadPool *pgxpool.Pool

// LoadPostgres creates both connection pools from the loaded settings
// and verifies connectivity.
func LoadPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rw, err := newPool(ctx, Cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create read-write pool: %w", err)
	}

	ro, err := newPool(ctx, Cfg.ReadonlyDatabaseURL)
	if err != nil {
		rw.Close()
		return fmt.Errorf("failed to create read-only pool: %w", err)
	}

	PgPool = rw
	ReadPool = ro
	log.Printf("Connected to PostgreSQL successfully")
	return nil
}

func newPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Register pgvector types on each new connection. Best-effort:
	// before migrations create the extension the registration fails,
	// and later connections pick it up once it exists.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			slog.Debug("pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}

// ClosePostgres shuts down both pools.
func ClosePostgres() {
	if PgPool != nil {
		PgPool.Close()
	}
	if ReadPool != nil {
		ReadPool.Close()
	}
}
