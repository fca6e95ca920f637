// Package search implements the embedding indexer, semantic similarity
// search over dataset and float embeddings, fuzzy region resolution,
// and dataset discovery.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/floatchat-ai/floatchat/api/config"
	"github.com/floatchat-ai/floatchat/api/metrics"
)

// Embedder turns texts into embedding vectors. All embedding API
// traffic goes through this interface; tests inject a fake.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAIEmbedder batches texts through the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	batchSize int
}

// NewOpenAIEmbedder builds the production embedder from configuration.
func NewOpenAIEmbedder() (*OpenAIEmbedder, error) {
	if config.Cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("embeddings require OPENAI_API_KEY to be set")
	}
	return &OpenAIEmbedder{
		client:    openai.NewClient(config.Cfg.OpenAIAPIKey),
		model:     config.Cfg.EmbeddingModel,
		batchSize: config.Cfg.EmbeddingBatchSize,
	}, nil
}

// Embed returns one vector per input text, in input order. Texts are
// sent in batches; never call the API once per text in a loop.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	start := time.Now()
	vectors := make([][]float32, 0, len(texts))
	totalTokens := 0
	batches := 0

	for i := 0; i < len(texts); i += e.batchSize {
		end := i + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		callCtx, cancel := context.WithTimeout(ctx, config.Cfg.LLMTimeout)
		resp, err := e.client.CreateEmbeddings(callCtx, openai.EmbeddingRequest{
			Input: texts[i:end],
			Model: openai.EmbeddingModel(e.model),
		})
		cancel()
		metrics.RecordEmbeddingBatch(err)
		if err != nil {
			return nil, fmt.Errorf("embedding batch starting at %d: %w", i, err)
		}

		for _, item := range resp.Data {
			vectors = append(vectors, item.Embedding)
		}
		totalTokens += resp.Usage.TotalTokens
		batches++
	}

	// Log metadata only, never the vectors themselves.
	slog.Info("embeddings generated",
		"text_count", len(texts), "batch_count", batches,
		"total_tokens", totalTokens, "elapsed", time.Since(start))

	return vectors, nil
}

// EmbedSingle embeds one text, for query-time use.
func EmbedSingle(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedding API returned no vector")
	}
	return vectors[0], nil
}

// DatasetRecord carries the dataset fields that feed its embedding
// text and search results.
type DatasetRecord struct {
	DatasetID      int
	Name           string
	SummaryText    string
	VariableList   []string
	DateRangeStart *time.Time
	DateRangeEnd   *time.Time
	FloatCount     *int
	ProfileCount   *int
}

// FloatRecord carries the float fields that feed its embedding text.
type FloatRecord struct {
	FloatID        int
	PlatformNumber string
	FloatType      string
	DeploymentLat  *float64
	DeploymentLon  *float64
	DeploymentDate *time.Time
	Country        string
	Program        string
}

// BuildDatasetEmbeddingText combines the dataset summary with a
// structured descriptor. The combined text is what gets embedded, not
// each piece separately.
func BuildDatasetEmbeddingText(ds DatasetRecord) string {
	var parts []string

	if ds.Name != "" {
		parts = append(parts, "Dataset: "+ds.Name)
	}
	if len(ds.VariableList) > 0 {
		parts = append(parts, "Variables: "+strings.Join(ds.VariableList, ", "))
	}
	switch {
	case ds.DateRangeStart != nil && ds.DateRangeEnd != nil:
		parts = append(parts, fmt.Sprintf("Date range: %s to %s",
			ds.DateRangeStart.Format("2006-01-02"), ds.DateRangeEnd.Format("2006-01-02")))
	case ds.DateRangeStart != nil:
		parts = append(parts, "Date range: from "+ds.DateRangeStart.Format("2006-01-02"))
	}
	if ds.FloatCount != nil {
		parts = append(parts, fmt.Sprintf("Float count: %d", *ds.FloatCount))
	}
	if ds.ProfileCount != nil {
		parts = append(parts, fmt.Sprintf("Profile count: %d", *ds.ProfileCount))
	}

	descriptor := strings.Join(parts, ". ")
	return strings.TrimSpace(ds.SummaryText + "\n" + descriptor)
}

// BuildFloatEmbeddingText builds the embeddable descriptor for a
// float. The region name is pre-resolved by the caller; this function
// does not touch the database.
func BuildFloatEmbeddingText(f FloatRecord, variables []string, regionName string) string {
	var parts []string

	if f.FloatType != "" {
		parts = append(parts, "Float type: "+f.FloatType)
	}
	if f.PlatformNumber != "" {
		parts = append(parts, "Platform number: "+f.PlatformNumber)
	}
	switch {
	case regionName != "":
		parts = append(parts, "Deployment region: "+regionName)
	case f.DeploymentLat != nil && f.DeploymentLon != nil:
		parts = append(parts, fmt.Sprintf("Deployment position: %.2f°N, %.2f°E", *f.DeploymentLat, *f.DeploymentLon))
	}
	if len(variables) > 0 {
		parts = append(parts, "Variables: "+strings.Join(variables, ", "))
	}
	if f.DeploymentDate != nil {
		parts = append(parts, "Deployed: "+f.DeploymentDate.Format("2006-01-02"))
	}
	if f.Country != "" {
		parts = append(parts, "Country: "+f.Country)
	}
	if f.Program != "" {
		parts = append(parts, "Program: "+f.Program)
	}

	return strings.Join(parts, ". ")
}
