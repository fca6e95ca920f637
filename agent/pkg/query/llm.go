package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/getsentry/sentry-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/floatchat-ai/floatchat/api/config"
	"github.com/floatchat-ai/floatchat/api/metrics"
)

// LLM is the completion surface the pipeline depends on. Tests inject
// a fake; production code gets a provider-specific client from NewLLM.
type LLM interface {
	Complete(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, error)
}

// MissingKeyError reports that the selected provider has no API key
// configured.
type MissingKeyError struct {
	Provider string
	EnvVar   string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("API key not configured for provider %q: set the %s environment variable", e.Provider, e.EnvVar)
}

type providerSpec struct {
	envVar       string
	defaultModel string
	apiKey       func(*config.Settings) string
	baseURL      func(*config.Settings) string
}

var providerSpecs = map[string]providerSpec{
	"openai": {
		envVar:       "OPENAI_API_KEY",
		defaultModel: "gpt-4o",
		apiKey:       func(s *config.Settings) string { return s.OpenAIAPIKey },
		baseURL:      func(s *config.Settings) string { return "" },
	},
	"deepseek": {
		envVar:       "DEEPSEEK_API_KEY",
		defaultModel: "deepseek-reasoner",
		apiKey:       func(s *config.Settings) string { return s.DeepseekAPIKey },
		baseURL:      func(s *config.Settings) string { return s.DeepseekBaseURL },
	},
	"qwen": {
		envVar:       "QWEN_API_KEY",
		defaultModel: "qwq-32b",
		apiKey:       func(s *config.Settings) string { return s.QwenAPIKey },
		baseURL:      func(s *config.Settings) string { return s.QwenBaseURL },
	},
	"gemma": {
		envVar:       "GEMMA_API_KEY",
		defaultModel: "gemma3",
		apiKey:       func(s *config.Settings) string { return s.GemmaAPIKey },
		baseURL:      func(s *config.Settings) string { return s.GemmaBaseURL },
	},
	"anthropic": {
		envVar:       "ANTHROPIC_API_KEY",
		defaultModel: string(anthropic.ModelClaudeHaiku4_5),
		apiKey:       func(s *config.Settings) string { return s.AnthropicAPIKey },
		baseURL:      func(s *config.Settings) string { return "" },
	},
}

// NewLLM builds a client for the given provider and resolves the model
// name. An empty provider or model falls back to the configured
// defaults.
func NewLLM(provider, modelOverride string) (LLM, string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = strings.ToLower(config.Cfg.LLMProvider)
	}

	spec, ok := providerSpecs[provider]
	if !ok {
		names := make([]string, 0, len(providerSpecs))
		for name := range providerSpecs {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, "", fmt.Errorf("unknown LLM provider %q, supported: %s", provider, strings.Join(names, ", "))
	}

	key := spec.apiKey(&config.Cfg)
	if key == "" {
		return nil, "", &MissingKeyError{Provider: provider, EnvVar: spec.envVar}
	}

	model := resolveModel(provider, modelOverride, spec)

	if provider == "anthropic" {
		client := anthropic.NewClient(option.WithAPIKey(key))
		return &anthropicLLM{client: client, model: model}, model, nil
	}

	cfg := openai.DefaultConfig(key)
	if base := spec.baseURL(&config.Cfg); base != "" {
		cfg.BaseURL = base
	}
	return &openaiLLM{client: openai.NewClientWithConfig(cfg), provider: provider, model: model}, model, nil
}

// ConfiguredProviders lists the providers that have an API key set,
// sorted by name.
func ConfiguredProviders() []string {
	var out []string
	for name, spec := range providerSpecs {
		if spec.apiKey(&config.Cfg) != "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func resolveModel(provider, override string, spec providerSpec) string {
	if override != "" {
		return override
	}
	if provider == strings.ToLower(config.Cfg.LLMProvider) && config.Cfg.LLMModel != "" {
		return config.Cfg.LLMModel
	}
	return spec.defaultModel
}

// openaiLLM serves every OpenAI-compatible provider (openai, deepseek,
// qwen, gemma) through per-provider base URLs.
type openaiLLM struct {
	client   *openai.Client
	provider string
	model    string
}

func (c *openaiLLM) Complete(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, error) {
	chat := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		chat = append(chat, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    chat,
		Temperature: float32(temperature),
		MaxTokens:   maxTokens,
	})
	metrics.RecordLLMRequest(c.provider, time.Since(start), err)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// anthropicLLM maps system-role messages onto Anthropic system blocks
// and the rest onto the messages list.
type anthropicLLM struct {
	client anthropic.Client
	model  string
}

func (c *anthropicLLM) Complete(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, error) {
	var system []anthropic.TextBlockParam
	params := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Type: "text", Text: m.Content})
		case "assistant":
			params = append(params, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	span := sentry.StartSpan(ctx, "gen_ai.chat", sentry.WithDescription(fmt.Sprintf("chat %s", c.model)))
	span.SetData("gen_ai.operation.name", "chat")
	span.SetData("gen_ai.request.model", c.model)
	span.SetData("gen_ai.request.max_tokens", maxTokens)
	span.SetData("gen_ai.system", "anthropic")
	ctx = span.Context()
	defer span.Finish()

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temperature),
		System:      system,
		Messages:    params,
	})
	metrics.RecordLLMRequest("anthropic", time.Since(start), err)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return "", err
	}

	metrics.RecordLLMTokens(msg.Usage.InputTokens, msg.Usage.OutputTokens)
	span.SetData("gen_ai.usage.input_tokens", msg.Usage.InputTokens)
	span.SetData("gen_ai.usage.output_tokens", msg.Usage.OutputTokens)
	span.Status = sentry.SpanStatusOK

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", nil
}
