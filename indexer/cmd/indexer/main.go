package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/floatchat-ai/floatchat/api/config"
	"github.com/floatchat-ai/floatchat/api/db"
	"github.com/floatchat-ai/floatchat/indexer/pkg/search"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
)

const defaultMaxConcurrency = 4

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	datasetFlag := flag.Int("dataset", 0, "reindex a single dataset by id (0 means all active datasets)")
	maxConcurrencyFlag := flag.Int("max-concurrency", defaultMaxConcurrency, "maximum number of datasets indexed concurrently")
	migrateFlag := flag.Bool("migrate", false, "run service schema migrations before indexing")
	flag.Parse()

	// Load .env file. godotenv does not override existing env vars, so
	// process env and explicit exports take precedence.
	_ = godotenv.Load()

	level := slog.LevelInfo
	if *verboseFlag {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(log)

	log.Info("indexer starting", "version", version, "commit", commit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("indexer: received signal", "signal", sig.String())
		cancel()
	}()

	if err := config.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.LoadPostgres(); err != nil {
		return fmt.Errorf("failed to load PostgreSQL: %w", err)
	}
	defer config.ClosePostgres()

	if *migrateFlag {
		if err := db.RunMigrations(ctx, log, config.Cfg.DatabaseURL); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	embedder, err := search.NewOpenAIEmbedder()
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	indexer := search.NewIndexer(config.PgPool, embedder)

	datasetIDs := []int{*datasetFlag}
	if *datasetFlag == 0 {
		datasetIDs, err = activeDatasetIDs(ctx)
		if err != nil {
			return fmt.Errorf("failed to list datasets: %w", err)
		}
		if len(datasetIDs) == 0 {
			log.Info("no active datasets to index")
			return nil
		}
	}

	log.Info("indexing datasets", "count", len(datasetIDs), "max_concurrency", *maxConcurrencyFlag)
	start := time.Now()

	var mu sync.Mutex
	total := search.ReindexResult{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*maxConcurrencyFlag)
	for _, id := range datasetIDs {
		g.Go(func() error {
			result := indexer.ReindexDataset(gctx, id)
			mu.Lock()
			if result.DatasetIndexed {
				total.DatasetIndexed = true
			}
			total.Floats.Total += result.Floats.Total
			total.Floats.Succeeded += result.Floats.Succeeded
			total.Floats.Failed += result.Floats.Failed
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("indexing interrupted: %w", err)
	}

	log.Info("indexing complete",
		"datasets", len(datasetIDs),
		"floats_total", total.Floats.Total,
		"floats_succeeded", total.Floats.Succeeded,
		"floats_failed", total.Floats.Failed,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

func activeDatasetIDs(ctx context.Context) ([]int, error) {
	rows, err := config.PgPool.Query(ctx,
		`SELECT dataset_id FROM datasets WHERE is_active ORDER BY dataset_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
