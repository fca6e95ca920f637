// Package query implements the query orchestration core: the
// natural-language to SQL pipeline with validation-driven retry, the
// AST-based SQL validator, the read-only executor with row estimation,
// the Redis result cache, and the per-session conversation context
// store.
package query

// Message is a single role/content turn sent to an LLM provider.
type Message struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// ContextTurn is one stored conversation turn in the context store.
type ContextTurn struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	SQL      string `json:"sql,omitempty"`
	RowCount *int   `json:"row_count,omitempty"`
}

// PipelineResult is the outcome of one NL-to-SQL generation run.
// Either SQL is non-empty and validated, or Error describes the
// terminal failure. RetriesUsed counts attempts beyond the first.
type PipelineResult struct {
	SQL              string   `json:"sql"`
	Error            string   `json:"error,omitempty"`
	RetriesUsed      int      `json:"retries_used"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
	Provider         string   `json:"provider"`
	Model            string   `json:"model"`
	Warnings         []string `json:"warnings,omitempty"`
}

// ExecutionResult is what the executor hands back to the orchestrator.
// Rows map column names to values. Error is carried in the result so a
// failed query never tears down an SSE stream.
type ExecutionResult struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated"`
	ElapsedMs int64            `json:"execution_time_ms"`
	Error     string           `json:"error,omitempty"`
}

// ValidationResult carries the outcome of the three validator checks.
type ValidationResult struct {
	Valid       bool     `json:"valid"`
	Error       string   `json:"error,omitempty"`
	CheckFailed string   `json:"check_failed,omitempty"` // "syntax", "readonly" or "whitelist"
	Warnings    []string `json:"warnings,omitempty"`
}
