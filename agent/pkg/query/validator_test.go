package query_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/floatchat-ai/floatchat/agent/pkg/query"
)

func TestValidateAcceptsSelects(t *testing.T) {
	for name, sql := range map[string]string{
		"simple":             "SELECT * FROM floats LIMIT 10",
		"where clause":       "SELECT f.platform_number FROM floats f WHERE f.float_type = 'BGC'",
		"trailing semicolon": "SELECT * FROM floats LIMIT 10;",
		"materialized view":  "SELECT * FROM mv_float_latest_position",
		"dataset stats view": "SELECT * FROM mv_dataset_stats",
		"join with aggregation": `
			SELECT p.platform_number, AVG(m.temperature) AS avg_temp
			FROM profiles p
			JOIN measurements m ON m.profile_id = p.profile_id
			WHERE m.temp_qc = 1
			GROUP BY p.platform_number
			ORDER BY avg_temp DESC
			LIMIT 1000`,
		"union": `
			SELECT platform_number, 'core' AS source FROM floats WHERE float_type = 'core'
			UNION
			SELECT platform_number, 'BGC' AS source FROM floats WHERE float_type = 'BGC'`,
		"subquery": `
			SELECT * FROM profiles p
			WHERE p.float_id IN (
				SELECT f.float_id FROM floats f WHERE f.float_type = 'BGC'
			)`,
	} {
		t.Run(name, func(t *testing.T) {
			res := query.Validate(sql)
			require.True(t, res.Valid, "error: %s", res.Error)
			require.Empty(t, res.Error)
		})
	}
}

func TestValidateSyntaxCheck(t *testing.T) {
	t.Run("empty string", func(t *testing.T) {
		res := query.Validate("")
		require.False(t, res.Valid)
		require.Equal(t, "syntax", res.CheckFailed)
	})

	t.Run("garbage", func(t *testing.T) {
		res := query.Validate("SELEKT * FRUM floats")
		require.False(t, res.Valid)
		require.Equal(t, "syntax", res.CheckFailed)
		require.Contains(t, res.Error, "SQL syntax error")
	})

	t.Run("multi statement rejected", func(t *testing.T) {
		res := query.Validate("SELECT 1; SELECT 2")
		require.False(t, res.Valid)
		require.Equal(t, "syntax", res.CheckFailed)
		require.Contains(t, res.Error, "single SELECT")
	})
}

func TestValidateReadonlyCheck(t *testing.T) {
	for name, sql := range map[string]string{
		"insert":   "INSERT INTO floats (platform_number) VALUES ('test')",
		"update":   "UPDATE floats SET country = 'test' WHERE float_id = 1",
		"delete":   "DELETE FROM floats WHERE float_id = 1",
		"drop":     "DROP TABLE floats",
		"create":   "CREATE TABLE evil (id INT)",
		"alter":    "ALTER TABLE floats ADD COLUMN evil TEXT",
		"truncate": "TRUNCATE measurements",
		"cte hiding a delete": `
			WITH gone AS (
				DELETE FROM floats WHERE float_id = 1 RETURNING float_id
			)
			SELECT * FROM gone`,
		"select into": "SELECT * INTO evil FROM floats",
	} {
		t.Run(name, func(t *testing.T) {
			res := query.Validate(sql)
			require.False(t, res.Valid)
			require.Equal(t, "readonly", res.CheckFailed, "error: %s", res.Error)
		})
	}
}

func TestValidateWhitelistCheck(t *testing.T) {
	t.Run("disallowed table", func(t *testing.T) {
		res := query.Validate("SELECT * FROM secret_table")
		require.False(t, res.Valid)
		require.Equal(t, "whitelist", res.CheckFailed)
		require.Contains(t, res.Error, "secret_table")
	})

	t.Run("mixed allowed and disallowed", func(t *testing.T) {
		res := query.Validate("SELECT * FROM floats f JOIN evil_table e ON e.id = f.float_id")
		require.False(t, res.Valid)
		require.Equal(t, "whitelist", res.CheckFailed)
		require.Contains(t, res.Error, "evil_table")
	})

	t.Run("subquery with disallowed table", func(t *testing.T) {
		res := query.Validate(`
			SELECT * FROM profiles p
			WHERE p.float_id IN (SELECT id FROM evil_table)`)
		require.False(t, res.Valid)
		require.Equal(t, "whitelist", res.CheckFailed)
	})

	t.Run("every allowed table passes", func(t *testing.T) {
		for table := range query.AllowedTables {
			res := query.Validate("SELECT * FROM " + table + " LIMIT 1")
			require.True(t, res.Valid, "table %q should be allowed, got: %s", table, res.Error)
		}
	})

	t.Run("custom whitelist", func(t *testing.T) {
		res := query.ValidateAgainst("SELECT * FROM my_custom_table", map[string]bool{"my_custom_table": true})
		require.True(t, res.Valid, "error: %s", res.Error)
	})
}

func TestValidateCTEHandling(t *testing.T) {
	t.Run("cte name excluded from whitelist", func(t *testing.T) {
		res := query.Validate(`
			WITH top_floats AS (
				SELECT float_id, COUNT(*) AS cnt
				FROM profiles
				GROUP BY float_id
				LIMIT 10
			)
			SELECT tf.float_id, tf.cnt
			FROM top_floats tf`)
		require.True(t, res.Valid, "error: %s", res.Error)
	})

	t.Run("cte body still whitelist checked", func(t *testing.T) {
		res := query.Validate(`
			WITH my_cte AS (
				SELECT * FROM secret_table
			)
			SELECT * FROM my_cte`)
		require.False(t, res.Valid)
		require.Equal(t, "whitelist", res.CheckFailed)
	})
}

func TestValidateSpatialCastWarnings(t *testing.T) {
	t.Run("dwithin with geography cast is clean", func(t *testing.T) {
		res := query.Validate(`
			SELECT * FROM profiles p
			WHERE ST_DWithin(p.geom::geography, ST_MakePoint(72.5, 15.0)::geography, 100000)`)
		require.True(t, res.Valid)
		require.Empty(t, res.Warnings)
	})

	t.Run("dwithin without cast warns but stays valid", func(t *testing.T) {
		res := query.Validate(`
			SELECT * FROM profiles p
			WHERE ST_DWithin(p.geom, ST_MakePoint(72.5, 15.0), 100000)`)
		require.True(t, res.Valid)
		require.Len(t, res.Warnings, 1)
		require.Contains(t, res.Warnings[0], "::geography")
	})

	t.Run("containment with geometry cast is clean", func(t *testing.T) {
		res := query.Validate(`
			SELECT p.profile_id
			FROM profiles p
			JOIN ocean_regions r ON ST_Contains(r.geom::geometry, p.geom::geometry)
			WHERE r.region_name = 'Arabian Sea'`)
		require.True(t, res.Valid)
		require.Empty(t, res.Warnings)
	})

	t.Run("containment without cast warns", func(t *testing.T) {
		res := query.Validate(`
			SELECT p.profile_id
			FROM profiles p
			JOIN ocean_regions r ON ST_Within(p.geom, r.geom)`)
		require.True(t, res.Valid)
		require.Len(t, res.Warnings, 1)
		require.Contains(t, res.Warnings[0], "::geometry")
	})

	t.Run("no warnings on plain query", func(t *testing.T) {
		res := query.Validate("SELECT * FROM floats LIMIT 10")
		require.True(t, res.Valid)
		require.Empty(t, res.Warnings)
	})
}
