package query

import (
	"fmt"
	"strings"
	"sync"

	"github.com/floatchat-ai/floatchat/agent/pkg/query/prompts"
)

// AllowedTables is the whitelist the validator enforces. Anything the
// generated SQL references that is not in this set (and is not a CTE
// defined in the statement itself) fails validation.
var AllowedTables = map[string]bool{
	"floats":                   true,
	"datasets":                 true,
	"profiles":                 true,
	"measurements":             true,
	"float_positions":          true,
	"ingestion_jobs":           true,
	"ocean_regions":            true,
	"dataset_versions":         true,
	"dataset_embeddings":       true,
	"float_embeddings":         true,
	"mv_float_latest_position": true,
	"mv_dataset_stats":         true,
}

var (
	cachedSchemaPrompt string
	schemaPromptOnce   sync.Once
	schemaPromptErr    error
)

// SchemaPrompt returns the embedded system prompt for SQL generation:
// the database schema, generation rules and few-shot examples.
func SchemaPrompt() (string, error) {
	schemaPromptOnce.Do(func() {
		data, err := prompts.PromptsFS.ReadFile("SCHEMA_PROMPT.md")
		if err != nil {
			schemaPromptErr = fmt.Errorf("failed to load SCHEMA_PROMPT: %w", err)
			return
		}
		cachedSchemaPrompt = strings.TrimSpace(string(data))
	})
	return cachedSchemaPrompt, schemaPromptErr
}
