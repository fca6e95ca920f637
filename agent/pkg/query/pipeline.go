package query

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/floatchat-ai/floatchat/api/config"
	"github.com/floatchat-ai/floatchat/api/metrics"
)

// Pipeline drives the NL-to-SQL loop: build prompt, call the LLM,
// extract SQL, validate, and retry with the validation error folded
// into the prompt. Invalid SQL is never returned as a success.
type Pipeline struct {
	LLM         LLM
	Provider    string
	Model       string
	MaxRetries  int
	Temperature float64
	MaxTokens   int
}

// NewPipeline builds a pipeline for the given provider and model.
// Empty values fall back to the configured defaults.
func NewPipeline(provider, model string) (*Pipeline, error) {
	name := strings.ToLower(strings.TrimSpace(provider))
	if name == "" {
		name = strings.ToLower(config.Cfg.LLMProvider)
	}
	llm, resolved, err := NewLLM(name, model)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		LLM:         llm,
		Provider:    name,
		Model:       resolved,
		MaxRetries:  config.Cfg.QueryMaxRetries,
		Temperature: config.Cfg.LLMTemperature,
		MaxTokens:   config.Cfg.LLMMaxTokens,
	}, nil
}

// GenerateSQL runs the generation loop. The returned result carries
// either validated SQL or a terminal error, never both.
func (p *Pipeline) GenerateSQL(ctx context.Context, userQuery string, turns []ContextTurn, geo *Region) PipelineResult {
	result := PipelineResult{Provider: p.Provider, Model: p.Model}

	systemPrompt, err := SchemaPrompt()
	if err != nil {
		result.Error = err.Error()
		return result
	}

	var validationError string

	for attempt := 0; attempt < p.MaxRetries; attempt++ {
		result.RetriesUsed = attempt

		messages := buildMessages(systemPrompt, userQuery, turns, geo, validationError)

		callCtx, cancel := context.WithTimeout(ctx, config.Cfg.LLMTimeout)
		response, err := p.LLM.Complete(callCtx, messages, p.Temperature, p.MaxTokens)
		cancel()
		if err != nil {
			slog.Error("llm call failed",
				"provider", p.Provider, "model", p.Model, "attempt", attempt+1, "error", err)
			result.Error = fmt.Sprintf("LLM call failed: %v", err)
			metrics.RecordPipelineRun(p.Provider, "llm_error")
			return result
		}

		sql := ExtractSQL(response)
		if sql == "" {
			validationError = "Could not extract a SQL statement from your response. " +
				"Please return the SQL inside a ```sql ... ``` code block."
			result.ValidationErrors = append(result.ValidationErrors, validationError)
			slog.Warn("sql extraction failed", "attempt", attempt+1, "response_preview", preview(response, 200))
			continue
		}

		vr := Validate(sql)
		if !vr.Valid {
			validationError = vr.Error
			if validationError == "" {
				validationError = "Unknown validation error"
			}
			result.ValidationErrors = append(result.ValidationErrors, validationError)
			metrics.RecordValidationFailure(vr.CheckFailed)
			slog.Warn("sql validation failed",
				"attempt", attempt+1, "check", vr.CheckFailed, "error", vr.Error)
			continue
		}

		result.SQL = sql
		result.Warnings = vr.Warnings
		if len(vr.Warnings) > 0 {
			slog.Info("sql validation warnings", "warnings", vr.Warnings)
		}
		slog.Info("pipeline success",
			"provider", p.Provider, "model", p.Model, "retries", attempt)
		metrics.RecordPipelineRun(p.Provider, "ok")
		return result
	}

	// Retries exhausted. The SQL is never executed in this state.
	last := result.ValidationErrors
	if len(last) > 3 {
		last = last[len(last)-3:]
	}
	result.Error = fmt.Sprintf("SQL generation failed after %d attempts. Validation errors: %s",
		p.MaxRetries, strings.Join(last, "; "))
	result.RetriesUsed = p.MaxRetries
	slog.Error("pipeline exhausted",
		"provider", p.Provider, "model", p.Model, "max_retries", p.MaxRetries)
	metrics.RecordPipelineRun(p.Provider, "exhausted")
	return result
}

// buildMessages assembles the chat turn list: schema system prompt,
// optional geography addendum, prior conversation turns, then the user
// query with the previous validation error appended on retries.
func buildMessages(systemPrompt, userQuery string, turns []ContextTurn, geo *Region, validationError string) []Message {
	messages := []Message{{Role: "system", Content: systemPrompt}}

	if geo != nil {
		messages = append(messages, Message{
			Role: "system",
			Content: fmt.Sprintf(
				"\n[Geography detected: %s]\nBounding box: lat %g to %g, lon %g to %g\nUse these coordinates for spatial filtering.",
				geo.Name, geo.LatMin, geo.LatMax, geo.LonMin, geo.LonMax),
		})
	}

	for _, turn := range turns {
		role := turn.Role
		if role == "" {
			role = "user"
		}
		content := turn.Content
		if role == "assistant" && turn.SQL != "" {
			content = fmt.Sprintf("%s\n\nSQL generated:\n```sql\n%s\n```", content, turn.SQL)
		}
		messages = append(messages, Message{Role: role, Content: content})
	}

	userMsg := userQuery
	if validationError != "" {
		userMsg = fmt.Sprintf("%s\n\n[RETRY] Your previous SQL had a validation error:\n%s\nPlease fix the issue and generate corrected SQL.",
			userQuery, validationError)
	}
	messages = append(messages, Message{Role: "user", Content: userMsg})

	return messages
}

var (
	sqlBlockRe  = regexp.MustCompile("(?is)```sql\\s*\\n?(.*?)```")
	rawSelectRe = regexp.MustCompile(`(?is)((?:WITH\s+.+?\s+)?SELECT\s+.+?)(?:\n\n|\z)`)
)

// ExtractSQL pulls a SQL statement out of an LLM response: a fenced
// sql code block first, then a bare SELECT/WITH statement. Returns ""
// when neither is found.
func ExtractSQL(response string) string {
	if m := sqlBlockRe.FindStringSubmatch(response); m != nil {
		if sql := strings.TrimSpace(m[1]); sql != "" {
			return sql
		}
	}
	if m := rawSelectRe.FindStringSubmatch(response); m != nil {
		if sql := strings.TrimSpace(m[1]); sql != "" {
			return sql
		}
	}
	return ""
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
