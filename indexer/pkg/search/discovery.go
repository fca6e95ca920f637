package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OceanRegion is a named region from the ocean_regions table,
// addressed by its bounding box.
type OceanRegion struct {
	RegionID    int     `json:"region_id"`
	Name        string  `json:"region_name"`
	Type        string  `json:"region_type"`
	LatMin      float64 `json:"lat_min"`
	LatMax      float64 `json:"lat_max"`
	LonMin      float64 `json:"lon_min"`
	LonMax      float64 `json:"lon_max"`
	Description string  `json:"description,omitempty"`
}

// Contains reports whether a point falls inside the region's
// bounding box.
func (r *OceanRegion) Contains(lat, lon float64) bool {
	return lat >= r.LatMin && lat <= r.LatMax && lon >= r.LonMin && lon <= r.LonMax
}

// RegionNotFoundError carries near-miss suggestions so the caller can
// present them to the user.
type RegionNotFoundError struct {
	Name        string
	Suggestions []string
}

func (e *RegionNotFoundError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("Region '%s' not found.", e.Name)
	}
	quoted := make([]string, len(e.Suggestions))
	for i, s := range e.Suggestions {
		quoted[i] = "'" + s + "'"
	}
	return fmt.Sprintf("Region '%s' not found. Did you mean: %s?", e.Name, strings.Join(quoted, ", "))
}

// ResolveRegionName matches a user-supplied region name against
// ocean_regions using trigram similarity. Below the configured
// threshold the best near-misses come back inside a
// RegionNotFoundError.
func ResolveRegionName(ctx context.Context, pool *pgxpool.Pool, name string, threshold float64) (*OceanRegion, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &RegionNotFoundError{Name: name}
	}

	rows, err := pool.Query(ctx, `
		SELECT region_id, region_name, region_type,
		       lat_min, lat_max, lon_min, lon_max, COALESCE(description, ''),
		       similarity(region_name, $1) AS sim
		FROM ocean_regions
		ORDER BY sim DESC
		LIMIT 5`, name)
	if err != nil {
		return nil, fmt.Errorf("region lookup: %w", err)
	}
	defer rows.Close()

	var best *OceanRegion
	var bestSim float64
	var suggestions []string
	for rows.Next() {
		var region OceanRegion
		var sim float64
		if err := rows.Scan(&region.RegionID, &region.Name, &region.Type,
			&region.LatMin, &region.LatMax, &region.LonMin, &region.LonMax,
			&region.Description, &sim); err != nil {
			return nil, err
		}
		if best == nil {
			r := region
			best, bestSim = &r, sim
		}
		if len(suggestions) < 3 {
			suggestions = append(suggestions, region.Name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if best == nil || bestSim < threshold {
		return nil, &RegionNotFoundError{Name: name, Suggestions: suggestions}
	}
	return best, nil
}

// DiscoveredFloat is a float hit from region or variable discovery,
// carrying its latest reported position.
type DiscoveredFloat struct {
	FloatID        int        `json:"float_id"`
	PlatformNumber string     `json:"platform_number"`
	FloatType      string     `json:"float_type"`
	LatestLat      *float64   `json:"latest_lat"`
	LatestLon      *float64   `json:"latest_lon"`
	LatestTime     *time.Time `json:"latest_time"`
	Country        string     `json:"country"`
	Program        string     `json:"program"`
}

// DiscoverFloatsByRegion resolves the region name fuzzily and returns
// floats whose latest position lies inside its bounding box.
func DiscoverFloatsByRegion(ctx context.Context, pool *pgxpool.Pool, regionName, floatType string, threshold float64, limit int) (*OceanRegion, []DiscoveredFloat, error) {
	region, err := ResolveRegionName(ctx, pool, regionName, threshold)
	if err != nil {
		return nil, nil, err
	}

	sql := `
		SELECT f.float_id, f.platform_number, COALESCE(f.float_type, ''),
		       mv.latitude, mv.longitude, mv.profile_time,
		       COALESCE(f.country, ''), COALESCE(f.program, '')
		FROM mv_float_latest_position mv
		JOIN floats f ON f.float_id = mv.float_id
		WHERE mv.latitude BETWEEN $1 AND $2
		  AND mv.longitude BETWEEN $3 AND $4`
	args := []any{region.LatMin, region.LatMax, region.LonMin, region.LonMax}

	if floatType != "" {
		args = append(args, floatType)
		sql += fmt.Sprintf(" AND f.float_type = $%d", len(args))
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY mv.profile_time DESC NULLS LAST LIMIT $%d", len(args))

	floats, err := scanDiscoveredFloats(ctx, pool, sql, args)
	if err != nil {
		return nil, nil, err
	}
	return region, floats, nil
}

// discoveryVariables mirrors the probe-able measurement columns.
var discoveryVariables = func() map[string]bool {
	m := make(map[string]bool, len(measurementVariables))
	for _, v := range measurementVariables {
		m[v] = true
	}
	return m
}()

// DiscoverFloatsByVariable returns floats that have at least one
// non-null measurement of the given variable.
func DiscoverFloatsByVariable(ctx context.Context, pool *pgxpool.Pool, variable string, limit int) ([]DiscoveredFloat, error) {
	variable = strings.ToLower(strings.TrimSpace(variable))
	if !discoveryVariables[variable] {
		return nil, fmt.Errorf("Unsupported variable '%s'. Supported variables: %s.",
			variable, strings.Join(measurementVariables, ", "))
	}

	// variable is validated against the fixed column list above.
	sql := fmt.Sprintf(`
		SELECT f.float_id, f.platform_number, COALESCE(f.float_type, ''),
		       mv.latitude, mv.longitude, mv.profile_time,
		       COALESCE(f.country, ''), COALESCE(f.program, '')
		FROM floats f
		LEFT JOIN mv_float_latest_position mv ON mv.float_id = f.float_id
		WHERE EXISTS (
			SELECT 1 FROM measurements m
			JOIN profiles p ON p.profile_id = m.profile_id
			WHERE p.float_id = f.float_id AND m.%s IS NOT NULL
		)
		ORDER BY mv.profile_time DESC NULLS LAST
		LIMIT $1`, variable)

	return scanDiscoveredFloats(ctx, pool, sql, []any{limit})
}

func scanDiscoveredFloats(ctx context.Context, pool *pgxpool.Pool, sql string, args []any) ([]DiscoveredFloat, error) {
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("float discovery query: %w", err)
	}
	defer rows.Close()

	var out []DiscoveredFloat
	for rows.Next() {
		var f DiscoveredFloat
		if err := rows.Scan(&f.FloatID, &f.PlatformNumber, &f.FloatType,
			&f.LatestLat, &f.LatestLon, &f.LatestTime,
			&f.Country, &f.Program); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DatasetNotFoundError distinguishes a missing or inactive dataset
// from an infrastructure failure.
type DatasetNotFoundError struct {
	DatasetID int
}

func (e *DatasetNotFoundError) Error() string {
	return fmt.Sprintf("Dataset %d not found.", e.DatasetID)
}

// DatasetSummaryInfo is the discovery view of one dataset.
type DatasetSummaryInfo struct {
	DatasetID      int        `json:"dataset_id"`
	Name           string     `json:"name"`
	SummaryText    string     `json:"summary_text"`
	VariableList   []string   `json:"variable_list"`
	DateRangeStart *time.Time `json:"date_range_start"`
	DateRangeEnd   *time.Time `json:"date_range_end"`
	FloatCount     *int       `json:"float_count"`
	ProfileCount   *int       `json:"profile_count"`
	IngestionDate  *time.Time `json:"ingestion_date"`
}

// DatasetSummary returns the discovery view of one active dataset.
func DatasetSummary(ctx context.Context, pool *pgxpool.Pool, datasetID int) (*DatasetSummaryInfo, error) {
	var info DatasetSummaryInfo
	var rawVariables []byte
	err := pool.QueryRow(ctx, `
		SELECT dataset_id, name, COALESCE(summary_text, ''), variable_list,
		       date_range_start, date_range_end, float_count, profile_count, ingestion_date
		FROM datasets
		WHERE dataset_id = $1 AND is_active`, datasetID).
		Scan(&info.DatasetID, &info.Name, &info.SummaryText, &rawVariables,
			&info.DateRangeStart, &info.DateRangeEnd,
			&info.FloatCount, &info.ProfileCount, &info.IngestionDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &DatasetNotFoundError{DatasetID: datasetID}
	}
	if err != nil {
		return nil, fmt.Errorf("dataset summary: %w", err)
	}
	info.VariableList = parseVariableList(rawVariables)
	return &info, nil
}

// AllDatasetSummaries lists active datasets, newest ingestion first,
// with summaries truncated for list display.
func AllDatasetSummaries(ctx context.Context, pool *pgxpool.Pool) ([]DatasetSummaryInfo, error) {
	rows, err := pool.Query(ctx, `
		SELECT dataset_id, name, COALESCE(summary_text, ''), variable_list,
		       date_range_start, date_range_end, float_count, profile_count, ingestion_date
		FROM datasets
		WHERE is_active
		ORDER BY ingestion_date DESC NULLS LAST, dataset_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("dataset listing: %w", err)
	}
	defer rows.Close()

	var out []DatasetSummaryInfo
	for rows.Next() {
		var info DatasetSummaryInfo
		var rawVariables []byte
		if err := rows.Scan(&info.DatasetID, &info.Name, &info.SummaryText, &rawVariables,
			&info.DateRangeStart, &info.DateRangeEnd,
			&info.FloatCount, &info.ProfileCount, &info.IngestionDate); err != nil {
			return nil, err
		}
		info.VariableList = parseVariableList(rawVariables)
		info.SummaryText = truncateSummary(info.SummaryText, 300)
		out = append(out, info)
	}
	return out, rows.Err()
}

func truncateSummary(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max]) + "..."
}
