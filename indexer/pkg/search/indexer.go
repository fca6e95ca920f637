package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/floatchat-ai/floatchat/api/config"
)

// measurementVariables are the six probe-able measurement columns used
// for per-float variable detection.
var measurementVariables = []string{
	"temperature",
	"salinity",
	"dissolved_oxygen",
	"chlorophyll",
	"nitrate",
	"ph",
}

// FloatIndexStats summarizes one float-indexing phase.
type FloatIndexStats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// ReindexResult is the outcome of a full dataset re-index.
type ReindexResult struct {
	DatasetIndexed bool            `json:"dataset_indexed"`
	Floats         FloatIndexStats `json:"floats"`
}

// Indexer embeds datasets and floats and persists the vectors. Upserts
// are idempotent; an embedding failure records a zero-vector row with
// status embedding_failed instead of crashing, so the row can be
// retried later.
type Indexer struct {
	Pool     *pgxpool.Pool
	Embedder Embedder
}

func NewIndexer(pool *pgxpool.Pool, embedder Embedder) *Indexer {
	return &Indexer{Pool: pool, Embedder: embedder}
}

// ReindexDataset runs the dataset phase then the float phase. The two
// phases are independent: the float phase runs even when the dataset
// phase fails. Afterwards the materialized views are refreshed on a
// best-effort basis.
func (ix *Indexer) ReindexDataset(ctx context.Context, datasetID int) ReindexResult {
	start := time.Now()

	result := ReindexResult{
		DatasetIndexed: ix.IndexDataset(ctx, datasetID),
		Floats:         ix.IndexFloats(ctx, datasetID),
	}

	ix.refreshMaterializedViews(ctx)

	slog.Info("reindex complete",
		"dataset_id", datasetID,
		"dataset_indexed", result.DatasetIndexed,
		"floats_total", result.Floats.Total,
		"floats_succeeded", result.Floats.Succeeded,
		"floats_failed", result.Floats.Failed,
		"elapsed", time.Since(start))

	return result
}

// IndexDataset embeds and upserts a single dataset. Returns whether
// the embedding succeeded.
func (ix *Indexer) IndexDataset(ctx context.Context, datasetID int) bool {
	ds, err := ix.fetchDataset(ctx, datasetID)
	if err != nil {
		slog.Warn("index dataset: not found", "dataset_id", datasetID, "error", err)
		return false
	}

	text := BuildDatasetEmbeddingText(*ds)
	if text == "" {
		slog.Warn("index dataset: empty embedding text", "dataset_id", datasetID)
		return false
	}

	vector, err := EmbedSingle(ctx, ix.Embedder, text)
	if err != nil {
		slog.Error("index dataset: embedding failed", "dataset_id", datasetID, "error", err)
		ix.upsertDatasetEmbedding(ctx, datasetID, text, zeroVector(), "embedding_failed")
		return false
	}

	if !ix.upsertDatasetEmbedding(ctx, datasetID, text, vector, "indexed") {
		return false
	}

	slog.Info("index dataset complete", "dataset_id", datasetID, "text_length", len(text))
	return true
}

// IndexFloats embeds and upserts every float that has a profile in the
// dataset. Partial failures are tolerated: a failed embedding batch is
// marked embedding_failed and the remaining batches continue.
func (ix *Indexer) IndexFloats(ctx context.Context, datasetID int) FloatIndexStats {
	var stats FloatIndexStats

	floats, err := ix.floatsForDataset(ctx, datasetID)
	if err != nil {
		slog.Error("index floats: fetch failed", "dataset_id", datasetID, "error", err)
		return stats
	}
	stats.Total = len(floats)
	if len(floats) == 0 {
		slog.Info("index floats: none found", "dataset_id", datasetID)
		return stats
	}

	texts := make([]string, len(floats))
	for i, f := range floats {
		region := ix.regionForPoint(ctx, f.DeploymentLat, f.DeploymentLon)
		variables := ix.floatVariables(ctx, f.FloatID)
		texts[i] = BuildFloatEmbeddingText(f, variables, region)
	}

	batchSize := config.Cfg.EmbeddingBatchSize
	for i := 0; i < len(floats); i += batchSize {
		end := i + batchSize
		if end > len(floats) {
			end = len(floats)
		}

		vectors, err := ix.Embedder.Embed(ctx, texts[i:end])
		if err != nil {
			slog.Error("index floats: batch failed",
				"dataset_id", datasetID, "batch_start", i, "batch_size", end-i, "error", err)
			for j := i; j < end; j++ {
				ix.upsertFloatEmbedding(ctx, floats[j].FloatID, texts[j], zeroVector(), "embedding_failed")
			}
			stats.Failed += end - i
			continue
		}

		for j, vec := range vectors {
			if ix.upsertFloatEmbedding(ctx, floats[i+j].FloatID, texts[i+j], vec, "indexed") {
				stats.Succeeded++
			} else {
				stats.Failed++
			}
		}
	}

	slog.Info("index floats complete",
		"dataset_id", datasetID, "total", stats.Total,
		"succeeded", stats.Succeeded, "failed", stats.Failed)
	return stats
}

func (ix *Indexer) fetchDataset(ctx context.Context, datasetID int) (*DatasetRecord, error) {
	ds := DatasetRecord{DatasetID: datasetID}
	var name, summary *string
	var rawVariables []byte

	err := ix.Pool.QueryRow(ctx, `
		SELECT name, summary_text, variable_list, date_range_start, date_range_end,
		       float_count, profile_count
		FROM datasets
		WHERE dataset_id = $1`, datasetID).
		Scan(&name, &summary, &rawVariables, &ds.DateRangeStart, &ds.DateRangeEnd,
			&ds.FloatCount, &ds.ProfileCount)
	if err != nil {
		return nil, fmt.Errorf("fetch dataset %d: %w", datasetID, err)
	}

	if name != nil {
		ds.Name = *name
	}
	if summary != nil {
		ds.SummaryText = *summary
	}
	ds.VariableList = parseVariableList(rawVariables)
	return &ds, nil
}

func (ix *Indexer) floatsForDataset(ctx context.Context, datasetID int) ([]FloatRecord, error) {
	rows, err := ix.Pool.Query(ctx, `
		SELECT f.float_id, f.platform_number, COALESCE(f.float_type, ''),
		       f.deployment_lat, f.deployment_lon, f.deployment_date,
		       COALESCE(f.country, ''), COALESCE(f.program, '')
		FROM floats f
		WHERE f.float_id IN (SELECT DISTINCT float_id FROM profiles WHERE dataset_id = $1)
		ORDER BY f.float_id`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FloatRecord
	for rows.Next() {
		var f FloatRecord
		if err := rows.Scan(&f.FloatID, &f.PlatformNumber, &f.FloatType,
			&f.DeploymentLat, &f.DeploymentLon, &f.DeploymentDate,
			&f.Country, &f.Program); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// regionForPoint resolves a deployment position to a named ocean
// region by bounding-box containment. Empty string when the point
// falls in no known region.
func (ix *Indexer) regionForPoint(ctx context.Context, lat, lon *float64) string {
	if lat == nil || lon == nil {
		return ""
	}
	var name string
	err := ix.Pool.QueryRow(ctx, `
		SELECT region_name FROM ocean_regions
		WHERE $1 BETWEEN lat_min AND lat_max
		  AND $2 BETWEEN lon_min AND lon_max
		ORDER BY (lat_max - lat_min) * (lon_max - lon_min) ASC
		LIMIT 1`, *lat, *lon).Scan(&name)
	if err != nil {
		return ""
	}
	return name
}

// floatVariables probes the measurement columns for at least one
// non-null value per variable.
func (ix *Indexer) floatVariables(ctx context.Context, floatID int) []string {
	var out []string
	for _, variable := range measurementVariables {
		// variable comes from the fixed list above, never from input.
		q := fmt.Sprintf(`
			SELECT EXISTS (
				SELECT 1 FROM measurements m
				JOIN profiles p ON p.profile_id = m.profile_id
				WHERE p.float_id = $1 AND m.%s IS NOT NULL
			)`, variable)
		var exists bool
		if err := ix.Pool.QueryRow(ctx, q, floatID).Scan(&exists); err != nil {
			slog.Warn("float variable probe failed", "float_id", floatID, "variable", variable, "error", err)
			continue
		}
		if exists {
			out = append(out, variable)
		}
	}
	return out
}

func (ix *Indexer) upsertDatasetEmbedding(ctx context.Context, datasetID int, text string, vector []float32, status string) bool {
	_, err := ix.Pool.Exec(ctx, `
		INSERT INTO dataset_embeddings (dataset_id, embedding_text, embedding, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (dataset_id) DO UPDATE SET
			embedding_text = EXCLUDED.embedding_text,
			embedding = EXCLUDED.embedding,
			status = EXCLUDED.status,
			updated_at = now()`,
		datasetID, text, pgvector.NewVector(vector), status)
	if err != nil {
		slog.Error("dataset embedding upsert failed", "dataset_id", datasetID, "error", err)
		return false
	}
	return true
}

func (ix *Indexer) upsertFloatEmbedding(ctx context.Context, floatID int, text string, vector []float32, status string) bool {
	_, err := ix.Pool.Exec(ctx, `
		INSERT INTO float_embeddings (float_id, embedding_text, embedding, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (float_id) DO UPDATE SET
			embedding_text = EXCLUDED.embedding_text,
			embedding = EXCLUDED.embedding,
			status = EXCLUDED.status,
			updated_at = now()`,
		floatID, text, pgvector.NewVector(vector), status)
	if err != nil {
		slog.Error("float embedding upsert failed", "float_id", floatID, "error", err)
		return false
	}
	return true
}

// refreshMaterializedViews refreshes the archive views after indexing.
// Best-effort: the concurrent form needs a unique index, so fall back
// to the blocking form, and log failures without propagating them.
func (ix *Indexer) refreshMaterializedViews(ctx context.Context) {
	for _, view := range []string{"mv_float_latest_position", "mv_dataset_stats"} {
		if _, err := ix.Pool.Exec(ctx, "REFRESH MATERIALIZED VIEW CONCURRENTLY "+view); err == nil {
			continue
		}
		if _, err := ix.Pool.Exec(ctx, "REFRESH MATERIALIZED VIEW "+view); err != nil {
			slog.Warn("materialized view refresh failed", "view", view, "error", err)
		}
	}
}

func zeroVector() []float32 {
	return make([]float32, config.Cfg.EmbeddingDimensions)
}

// parseVariableList decodes the datasets.variable_list JSONB column,
// which holds either an array of names or an object keyed by name.
func parseVariableList(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys
	}

	return nil
}
