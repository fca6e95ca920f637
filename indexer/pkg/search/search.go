package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pgvector/pgvector-go"

	"github.com/floatchat-ai/floatchat/api/config"
)

// DatasetSearchParams are the inputs to a semantic dataset search.
// Limit 0 means the configured default. Region, when set, boosts
// datasets whose bounding box overlaps it.
type DatasetSearchParams struct {
	Query     string
	Limit     int
	Variable  string
	FloatType string
	DateFrom  *time.Time
	DateTo    *time.Time
	Region    *OceanRegion
}

// DatasetSearchResult is one scored dataset hit.
type DatasetSearchResult struct {
	DatasetID     int        `json:"dataset_id"`
	Name          string     `json:"name"`
	SummaryText   string     `json:"summary_text"`
	VariableList  []string   `json:"variable_list"`
	FloatCount    *int       `json:"float_count"`
	ProfileCount  *int       `json:"profile_count"`
	IngestionDate *time.Time `json:"ingestion_date"`
	Score         float64    `json:"score"`
}

// FloatSearchResult is one scored float hit.
type FloatSearchResult struct {
	FloatID        int        `json:"float_id"`
	PlatformNumber string     `json:"platform_number"`
	FloatType      string     `json:"float_type"`
	DeploymentLat  *float64   `json:"deployment_lat"`
	DeploymentLon  *float64   `json:"deployment_lon"`
	DeploymentDate *time.Time `json:"deployment_date"`
	Country        string     `json:"country"`
	Program        string     `json:"program"`
	Score          float64    `json:"score"`
}

// Searcher runs similarity search over the embedding tables and
// applies the hybrid scoring model on top of raw cosine similarity.
type Searcher struct {
	Pool     *pgxpool.Pool
	Embedder Embedder
	Clock    clockwork.Clock
}

func NewSearcher(pool *pgxpool.Pool, embedder Embedder) *Searcher {
	return &Searcher{Pool: pool, Embedder: embedder, Clock: clockwork.NewRealClock()}
}

// resolveLimit applies the configured default and cap. Exceeding the
// cap is an error rather than a silent clamp so callers learn the
// real bound.
func resolveLimit(limit int) (int, error) {
	if limit <= 0 {
		return config.Cfg.SearchDefaultLimit, nil
	}
	if limit > config.Cfg.SearchMaxLimit {
		return 0, fmt.Errorf("limit (%d) exceeds maximum (%d)", limit, config.Cfg.SearchMaxLimit)
	}
	return limit, nil
}

// SearchDatasets embeds the query text and ranks active, indexed
// datasets by cosine similarity plus recency and region boosts.
func (s *Searcher) SearchDatasets(ctx context.Context, params DatasetSearchParams) ([]DatasetSearchResult, error) {
	limit, err := resolveLimit(params.Limit)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Query) == "" {
		return nil, fmt.Errorf("search query must not be empty")
	}

	vector, err := EmbedSingle(ctx, s.Embedder, params.Query)
	if err != nil {
		return nil, fmt.Errorf("embed search query: %w", err)
	}

	// Over-fetch so boosting and the threshold cut still leave enough
	// candidates to fill the page.
	sql := `
		SELECT d.dataset_id, d.name, COALESCE(d.summary_text, ''), d.variable_list,
		       d.float_count, d.profile_count, d.ingestion_date,
		       d.bbox_lat_min, d.bbox_lat_max, d.bbox_lon_min, d.bbox_lon_max,
		       de.embedding <=> $1 AS cosine_distance
		FROM dataset_embeddings de
		JOIN datasets d ON d.dataset_id = de.dataset_id
		WHERE de.status = 'indexed' AND d.is_active`
	args := []any{pgvector.NewVector(vector)}

	if params.Variable != "" {
		args = append(args, params.Variable)
		sql += fmt.Sprintf(" AND d.variable_list ? $%d", len(args))
	}
	if params.FloatType != "" {
		args = append(args, params.FloatType)
		sql += fmt.Sprintf(` AND EXISTS (
			SELECT 1 FROM profiles p
			JOIN floats f ON f.float_id = p.float_id
			WHERE p.dataset_id = d.dataset_id AND f.float_type = $%d)`, len(args))
	}
	if params.DateFrom != nil {
		args = append(args, *params.DateFrom)
		sql += fmt.Sprintf(" AND d.date_range_end >= $%d", len(args))
	}
	if params.DateTo != nil {
		args = append(args, *params.DateTo)
		sql += fmt.Sprintf(" AND d.date_range_start <= $%d", len(args))
	}

	args = append(args, limit*3)
	sql += fmt.Sprintf(" ORDER BY cosine_distance ASC LIMIT $%d", len(args))

	rows, err := s.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("dataset search query: %w", err)
	}
	defer rows.Close()

	now := s.Clock.Now()
	var results []DatasetSearchResult
	for rows.Next() {
		var r DatasetSearchResult
		var rawVariables []byte
		var latMin, latMax, lonMin, lonMax *float64
		var distance float64
		if err := rows.Scan(&r.DatasetID, &r.Name, &r.SummaryText, &rawVariables,
			&r.FloatCount, &r.ProfileCount, &r.IngestionDate,
			&latMin, &latMax, &lonMin, &lonMax, &distance); err != nil {
			return nil, err
		}
		r.VariableList = parseVariableList(rawVariables)

		score := 1 - distance
		if score <= 0 {
			continue
		}
		if r.IngestionDate != nil &&
			now.Sub(*r.IngestionDate) <= time.Duration(config.Cfg.RecencyBoostDays)*24*time.Hour {
			score += config.Cfg.RecencyBoostValue
		}
		if params.Region != nil && bboxOverlaps(params.Region, latMin, latMax, lonMin, lonMax) {
			score += config.Cfg.RegionMatchBoostValue
		}
		if score > 1 {
			score = 1
		}
		if score < config.Cfg.SearchSimilarityThreshold {
			continue
		}
		r.Score = roundScore(score)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// SearchFloats embeds the query text and ranks indexed floats by
// cosine similarity, with a region boost when the deployment position
// falls inside the given region.
func (s *Searcher) SearchFloats(ctx context.Context, queryText string, limit int, floatType string, region *OceanRegion) ([]FloatSearchResult, error) {
	limit, err := resolveLimit(limit)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(queryText) == "" {
		return nil, fmt.Errorf("search query must not be empty")
	}

	vector, err := EmbedSingle(ctx, s.Embedder, queryText)
	if err != nil {
		return nil, fmt.Errorf("embed search query: %w", err)
	}

	sql := `
		SELECT f.float_id, f.platform_number, COALESCE(f.float_type, ''),
		       f.deployment_lat, f.deployment_lon, f.deployment_date,
		       COALESCE(f.country, ''), COALESCE(f.program, ''),
		       fe.embedding <=> $1 AS cosine_distance
		FROM float_embeddings fe
		JOIN floats f ON f.float_id = fe.float_id
		WHERE fe.status = 'indexed'`
	args := []any{pgvector.NewVector(vector)}

	if floatType != "" {
		args = append(args, floatType)
		sql += fmt.Sprintf(" AND f.float_type = $%d", len(args))
	}

	args = append(args, limit*3)
	sql += fmt.Sprintf(" ORDER BY cosine_distance ASC LIMIT $%d", len(args))

	rows, err := s.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("float search query: %w", err)
	}
	defer rows.Close()

	var results []FloatSearchResult
	for rows.Next() {
		var r FloatSearchResult
		var distance float64
		if err := rows.Scan(&r.FloatID, &r.PlatformNumber, &r.FloatType,
			&r.DeploymentLat, &r.DeploymentLon, &r.DeploymentDate,
			&r.Country, &r.Program, &distance); err != nil {
			return nil, err
		}

		score := 1 - distance
		if score <= 0 {
			continue
		}
		if region != nil && r.DeploymentLat != nil && r.DeploymentLon != nil &&
			region.Contains(*r.DeploymentLat, *r.DeploymentLon) {
			score += config.Cfg.RegionMatchBoostValue
		}
		if score > 1 {
			score = 1
		}
		if score < config.Cfg.SearchSimilarityThreshold {
			continue
		}
		r.Score = roundScore(score)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// bboxOverlaps reports whether a dataset bounding box intersects the
// region. Datasets with no recorded bbox never match.
func bboxOverlaps(region *OceanRegion, latMin, latMax, lonMin, lonMax *float64) bool {
	if latMin == nil || latMax == nil || lonMin == nil || lonMax == nil {
		return false
	}
	return *latMin <= region.LatMax && *latMax >= region.LatMin &&
		*lonMin <= region.LonMax && *lonMax >= region.LonMin
}

func roundScore(score float64) float64 {
	return math.Round(score*10000) / 10000
}
