package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/floatchat-ai/floatchat/api/metrics"
)

// Execute runs validated SQL on the read-only pool. The original SQL
// is never rewritten: when it carries no LIMIT of its own it is
// wrapped as a subquery to cap the result set. Errors come back inside
// the result rather than as a Go error so a failed query never tears
// down the caller's stream.
func Execute(ctx context.Context, pool *pgxpool.Pool, sql string, maxRows int) *ExecutionResult {
	effective := applyLimit(sql, maxRows)

	start := time.Now()
	rows, err := pool.Query(ctx, effective)
	if err != nil {
		metrics.RecordPostgresQuery(time.Since(start), err)
		slog.Error("sql execution failed", "error", err)
		return &ExecutionResult{Error: fmt.Sprintf("Execution error: %v", err)}
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			metrics.RecordPostgresQuery(time.Since(start), err)
			slog.Error("sql row scan failed", "error", err)
			return &ExecutionResult{Error: fmt.Sprintf("Execution error: %v", err)}
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		metrics.RecordPostgresQuery(time.Since(start), err)
		slog.Error("sql execution failed", "error", err)
		return &ExecutionResult{Error: fmt.Sprintf("Execution error: %v", err)}
	}

	elapsed := time.Since(start)
	metrics.RecordPostgresQuery(elapsed, nil)

	truncated := len(out) >= maxRows && !hasLimit(sql)
	slog.Info("sql executed",
		"row_count", len(out), "column_count", len(columns), "truncated", truncated,
		"elapsed_ms", elapsed.Milliseconds())

	return &ExecutionResult{
		Columns:   columns,
		Rows:      out,
		RowCount:  len(out),
		Truncated: truncated,
		ElapsedMs: elapsed.Milliseconds(),
	}
}

// EstimateRows runs EXPLAIN (FORMAT JSON) and returns the planner's
// top-level row estimate. Returns -1 on any failure; callers default
// to executing when the estimate is unavailable.
func EstimateRows(ctx context.Context, pool *pgxpool.Pool, sql string) int64 {
	var raw []byte
	if err := pool.QueryRow(ctx, "EXPLAIN (FORMAT JSON) "+sql).Scan(&raw); err != nil {
		slog.Warn("row estimation failed", "error", err)
		return -1
	}

	var plans []struct {
		Plan struct {
			PlanRows float64 `json:"Plan Rows"`
		} `json:"Plan"`
	}
	if err := json.Unmarshal(raw, &plans); err != nil || len(plans) == 0 {
		slog.Warn("row estimation parse failed", "error", err)
		return -1
	}

	estimated := int64(plans[0].Plan.PlanRows)
	slog.Debug("row estimation", "estimated_rows", estimated)
	return estimated
}

// hasLimit reports whether the statement already ends in a LIMIT
// clause. Only the last 80 characters are inspected so LIMITs inside
// subqueries or CTE bodies do not count.
func hasLimit(sql string) bool {
	stripped := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	tail := stripped
	if len(tail) > 80 {
		tail = tail[len(tail)-80:]
	}
	return strings.Contains(strings.ToUpper(tail), "LIMIT")
}

// applyLimit wraps the SQL in a capping subquery when it has no LIMIT
// of its own.
func applyLimit(sql string, maxRows int) string {
	if hasLimit(sql) {
		return sql
	}
	clean := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	return fmt.Sprintf("SELECT * FROM (%s) AS _q LIMIT %d", clean, maxRows)
}
