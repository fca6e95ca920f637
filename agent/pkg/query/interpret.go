package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/floatchat-ai/floatchat/api/config"
)

const interpretSystemPrompt = "You are a data analyst assistant. The user asked a question about " +
	"oceanographic data, and a SQL query was executed against the database. " +
	"Summarize the results in 2-4 sentences. Be specific with numbers. " +
	"If the result is empty, say so clearly."

const followUpSystemPrompt = "You are a helpful assistant for marine researchers using an ocean data platform. " +
	"Given a user's query, the SQL that was executed, the result columns, and the row count, " +
	"suggest exactly 2-3 natural follow-up questions the researcher might ask next.\n\n" +
	"Rules:\n" +
	"- Questions should be related but explore different angles (depth, time, region, variable)\n" +
	"- Questions should be self-contained (a new user could understand them)\n" +
	"- Questions should be concise (under 100 characters each)\n" +
	"- Return ONLY a JSON array of strings, no other text\n" +
	"- Example: [\"What is the average salinity at this depth?\", \"How has this changed over the last 5 years?\"]"

// InterpretResults asks the LLM for a short natural-language summary
// of an executed query's results. Falls back to a template summary
// when no provider is configured or the call fails.
func (p *Pipeline) InterpretResults(ctx context.Context, userQuery, sql string, exec *ExecutionResult) string {
	userMsg := fmt.Sprintf("Question: %s\n\nSQL executed:\n```sql\n%s\n```\n\nResults (%d rows):\n%s",
		userQuery, sql, exec.RowCount, formatPreview(exec.Columns, exec.Rows))

	callCtx, cancel := context.WithTimeout(ctx, config.Cfg.LLMTimeout)
	defer cancel()
	text, err := p.LLM.Complete(callCtx, []Message{
		{Role: "system", Content: interpretSystemPrompt},
		{Role: "user", Content: userMsg},
	}, 0.3, 512)
	if err != nil {
		slog.Warn("interpretation failed", "error", err)
		return FallbackInterpretation(exec.RowCount, exec.Columns)
	}
	if text = strings.TrimSpace(text); text == "" {
		return FallbackInterpretation(exec.RowCount, exec.Columns)
	}
	return text
}

// FallbackInterpretation is the template summary used when the LLM is
// unavailable.
func FallbackInterpretation(rowCount int, columns []string) string {
	if rowCount == 0 {
		return "The query returned no results."
	}
	plural := "s"
	if rowCount == 1 {
		plural = ""
	}
	cols := columns
	suffix := ""
	if len(cols) > 5 {
		suffix = fmt.Sprintf(" and %d more", len(cols)-5)
		cols = cols[:5]
	}
	return fmt.Sprintf("The query returned %d row%s with columns: %s%s.",
		rowCount, plural, strings.Join(cols, ", "), suffix)
}

// formatPreview renders up to ten result rows as a pipe-separated text
// table for the interpretation prompt.
func formatPreview(columns []string, rows []map[string]any) string {
	if len(rows) == 0 {
		return "(empty result set)"
	}
	if len(rows) > 10 {
		rows = rows[:10]
	}

	var b strings.Builder
	header := strings.Join(columns, " | ")
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("-", len(header)))
	for _, row := range rows {
		b.WriteString("\n")
		values := make([]string, len(columns))
		for i, c := range columns {
			if v, ok := row[c]; ok && v != nil {
				values[i] = fmt.Sprint(v)
			}
		}
		b.WriteString(strings.Join(values, " | "))
	}
	return b.String()
}

// FollowUpSuggestions generates 2-3 follow-up questions after a
// successful execution. Never fails: any error yields an empty list so
// suggestions cannot block or break the results flow.
func (p *Pipeline) FollowUpSuggestions(ctx context.Context, userQuery, sql string, columns []string, rowCount int) []string {
	cols := columns
	if len(cols) > 10 {
		cols = cols[:10]
	}
	userMsg := fmt.Sprintf("User query: %s\nSQL executed: %s\nResult columns: %s\nRow count: %d\n\nGenerate 2-3 follow-up questions as a JSON array of strings.",
		userQuery, sql, strings.Join(cols, ", "), rowCount)

	callCtx, cancel := context.WithTimeout(ctx, config.Cfg.LLMTimeout)
	defer cancel()
	content, err := p.LLM.Complete(callCtx, []Message{
		{Role: "system", Content: followUpSystemPrompt},
		{Role: "user", Content: userMsg},
	}, config.Cfg.FollowUpTemperature, config.Cfg.FollowUpMaxTokens)
	if err != nil {
		slog.Warn("follow-up call failed", "error", err)
		return nil
	}

	return ParseSuggestions(content)
}

// ParseSuggestions extracts follow-up questions from an LLM response:
// a JSON string array (possibly fenced), else lines ending in a
// question mark. At most three, empty on parse failure.
func ParseSuggestions(content string) []string {
	content = strings.TrimSpace(content)

	if strings.Contains(content, "```") {
		for _, part := range strings.Split(content, "```") {
			part = strings.TrimSpace(part)
			part = strings.TrimSpace(strings.TrimPrefix(part, "json"))
			if strings.HasPrefix(part, "[") {
				content = part
				break
			}
		}
	}

	var parsed []any
	if err := json.Unmarshal([]byte(content), &parsed); err == nil {
		var out []string
		for _, item := range parsed {
			if s, ok := item.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
			if len(out) == 3 {
				break
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimLeft(strings.TrimSpace(line), "0123456789.-) ")
		if len(line) > 10 && strings.HasSuffix(line, "?") {
			out = append(out, line)
		}
		if len(out) == 3 {
			break
		}
	}
	if len(out) == 0 {
		slog.Warn("follow-up parse failed", "content_preview", preview(content, 200))
	}
	return out
}
