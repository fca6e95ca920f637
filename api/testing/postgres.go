package apitesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/floatchat-ai/floatchat/api/config"
	"github.com/floatchat-ai/floatchat/api/db"
)

// PostgresDBConfig holds the PostgreSQL test container configuration.
type PostgresDBConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

// PostgresDB represents a PostgreSQL test container with the pgvector
// extension available.
type PostgresDB struct {
	log       *slog.Logger
	cfg       *PostgresDBConfig
	addr      string
	container *tcpostgres.PostgresContainer
}

// Addr returns the PostgreSQL address (host:port).
func (p *PostgresDB) Addr() string {
	return p.addr
}

// DSN returns a connection string for the given database name.
func (p *PostgresDB) DSN(database string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		p.cfg.Username, p.cfg.Password, p.addr, database)
}

// Close terminates the PostgreSQL container.
func (p *PostgresDB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.container.Terminate(terminateCtx); err != nil {
		p.log.Error("failed to terminate PostgreSQL container", "error", err)
	}
}

func (cfg *PostgresDBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "postgres"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.ContainerImage == "" {
		// Stock postgres images lack the vector extension.
		cfg.ContainerImage = "pgvector/pgvector:pg17"
	}
	return nil
}

// NewPostgresDB creates a new PostgreSQL testcontainer.
func NewPostgresDB(ctx context.Context, log *slog.Logger, cfg *PostgresDBConfig) (*PostgresDB, error) {
	if cfg == nil {
		cfg = &PostgresDBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate PostgreSQL DB config: %w", err)
	}

	// Retry container start up to 3 times for retryable errors
	var container *tcpostgres.PostgresContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcpostgres.Run(ctx,
			cfg.ContainerImage,
			tcpostgres.WithDatabase(cfg.Database),
			tcpostgres.WithUsername(cfg.Username),
			tcpostgres.WithPassword(cfg.Password),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start PostgreSQL container after retries: %w", lastErr)
		}
		break
	}

	if container == nil {
		return nil, fmt.Errorf("failed to start PostgreSQL container after retries: %w", lastErr)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get PostgreSQL container host: %w", err)
	}
	mappedPort, err := container.MappedPort(ctx, nat.Port("5432/tcp"))
	if err != nil {
		return nil, fmt.Errorf("failed to get PostgreSQL container mapped port: %w", err)
	}

	return &PostgresDB{
		log:       log,
		cfg:       cfg,
		addr:      fmt.Sprintf("%s:%s", host, mappedPort.Port()),
		container: container,
	}, nil
}

// archiveSchema holds the fixture version of the read-only Argo
// archive tables the service queries but does not own.
const archiveSchema = `
CREATE TABLE datasets (
	dataset_id       SERIAL PRIMARY KEY,
	name             TEXT NOT NULL,
	summary_text     TEXT,
	variable_list    JSONB,
	float_count      INTEGER NOT NULL DEFAULT 0,
	profile_count    INTEGER NOT NULL DEFAULT 0,
	ingestion_date   TIMESTAMPTZ,
	date_range_start TIMESTAMPTZ,
	date_range_end   TIMESTAMPTZ,
	bbox_lat_min     DOUBLE PRECISION,
	bbox_lat_max     DOUBLE PRECISION,
	bbox_lon_min     DOUBLE PRECISION,
	bbox_lon_max     DOUBLE PRECISION,
	is_active        BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE floats (
	float_id        SERIAL PRIMARY KEY,
	platform_number TEXT NOT NULL,
	float_type      TEXT,
	deployment_lat  DOUBLE PRECISION,
	deployment_lon  DOUBLE PRECISION,
	deployment_date TIMESTAMPTZ,
	country         TEXT,
	program         TEXT
);

CREATE TABLE profiles (
	profile_id   SERIAL PRIMARY KEY,
	float_id     INTEGER NOT NULL REFERENCES floats (float_id),
	dataset_id   INTEGER NOT NULL REFERENCES datasets (dataset_id),
	profile_time TIMESTAMPTZ,
	latitude     DOUBLE PRECISION,
	longitude    DOUBLE PRECISION
);

CREATE TABLE measurements (
	measurement_id   BIGSERIAL PRIMARY KEY,
	profile_id       INTEGER NOT NULL REFERENCES profiles (profile_id),
	pressure         DOUBLE PRECISION,
	temperature      DOUBLE PRECISION,
	salinity         DOUBLE PRECISION,
	dissolved_oxygen DOUBLE PRECISION,
	chlorophyll      DOUBLE PRECISION,
	nitrate          DOUBLE PRECISION,
	ph               DOUBLE PRECISION
);

CREATE MATERIALIZED VIEW mv_float_latest_position AS
SELECT DISTINCT ON (float_id) float_id, latitude, longitude, profile_time
FROM profiles
ORDER BY float_id, profile_time DESC NULLS LAST;

CREATE UNIQUE INDEX mv_float_latest_position_float_id ON mv_float_latest_position (float_id);

CREATE MATERIALIZED VIEW mv_dataset_stats AS
SELECT d.dataset_id,
       COUNT(DISTINCT p.float_id) AS float_count,
       COUNT(p.profile_id)        AS profile_count
FROM datasets d
LEFT JOIN profiles p ON p.dataset_id = d.dataset_id
GROUP BY d.dataset_id;

CREATE UNIQUE INDEX mv_dataset_stats_dataset_id ON mv_dataset_stats (dataset_id);
`

// SetupTestPostgres creates a unique database for this test, runs the
// service migrations plus the archive fixture schema, and points
// config.PgPool and config.ReadPool at it. Cleanup restores the
// previous pools and drops the database.
func SetupTestPostgres(t *testing.T, pg *PostgresDB) {
	ctx := t.Context()

	randomSuffix := strings.ReplaceAll(uuid.New().String(), "-", "")
	databaseName := fmt.Sprintf("test_%s", randomSuffix)

	adminPool, err := pgxpool.New(ctx, pg.DSN(pg.cfg.Database))
	require.NoError(t, err, "failed to create PostgreSQL admin pool")

	_, err = adminPool.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", databaseName))
	require.NoError(t, err, "failed to create test database")

	dsn := pg.DSN(databaseName)
	require.NoError(t, db.RunMigrations(ctx, pg.log, dsn), "failed to run migrations")

	testPool, err := newTestPool(ctx, dsn)
	require.NoError(t, err, "failed to create test pool")

	_, err = testPool.Exec(ctx, archiveSchema)
	require.NoError(t, err, "failed to create archive fixture schema")

	oldRW, oldRO := config.PgPool, config.ReadPool
	config.PgPool = testPool
	config.ReadPool = testPool

	t.Cleanup(func() {
		testPool.Close()
		// Drop outside the test context, which is already cancelled.
		dropCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _ = adminPool.Exec(dropCtx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", databaseName))
		adminPool.Close()
		config.PgPool = oldRW
		config.ReadPool = oldRO
	})
}

func newTestPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

// isRetryableContainerStartErr reports whether a container start error
// is worth retrying (port clashes and teardown races on shared CI
// runners).
func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "port is already allocated") ||
		strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "No such container") ||
		strings.Contains(msg, "container exited with code")
}
