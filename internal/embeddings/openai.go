package embeddings

import (
	"context"
	"fmt"
	"sync/atomic"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "text-embedding-3-small"

// noKeyToken satisfies the client's token check for local OpenAI-compatible
// servers that do not authenticate.
const noKeyToken = "sk-no-key-required"

// OpenAIConfig configures an OpenAI-compatible embeddings client.
type OpenAIConfig struct {
	// BaseURL defaults to the OpenAI API. Any server exposing
	// POST {BaseURL}/embeddings in the OpenAI shape works.
	BaseURL string
	Model   string
	APIKey  string

	// Dimension overrides the model table. When both are unknown it is
	// learned from the first response.
	Dimension int

	// BatchSize caps texts per request. Defaults to langchaingo's 512.
	BatchSize int
}

// OpenAIProvider embeds through langchaingo's OpenAI client.
type OpenAIProvider struct {
	embedder  lcembeddings.Embedder
	dimension atomic.Int64
}

// NewOpenAIProvider creates an OpenAI-compatible provider. It performs no
// network I/O.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.BatchSize < 0 {
		return nil, fmt.Errorf("%w: batch size must not be negative", ErrInvalidConfig)
	}
	token := cfg.APIKey
	if token == "" {
		token = noKeyToken
	}

	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating openai client: %w", ErrInvalidConfig, err)
	}

	var embedderOpts []lcembeddings.Option
	if cfg.BatchSize > 0 {
		embedderOpts = append(embedderOpts, lcembeddings.WithBatchSize(cfg.BatchSize))
	}
	embedder, err := lcembeddings.NewEmbedder(llm, embedderOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating embedder: %w", ErrInvalidConfig, err)
	}

	p := &OpenAIProvider{embedder: embedder}
	dim := cfg.Dimension
	if dim == 0 {
		dim, _ = modelDimension(cfg.Model)
	}
	p.dimension.Store(int64(dim))
	return p, nil
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	if len(vectors) > 0 {
		p.learnDimension(len(vectors[0]))
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vector, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	p.learnDimension(len(vector))
	return vector, nil
}

func (p *OpenAIProvider) learnDimension(n int) {
	if n > 0 {
		p.dimension.CompareAndSwap(0, int64(n))
	}
}

// Dimension returns the model dimension, or 0 before the first call for
// unknown models.
func (p *OpenAIProvider) Dimension() int {
	return int(p.dimension.Load())
}

// Close is a no-op; the HTTP client holds no dedicated resources.
func (p *OpenAIProvider) Close() error {
	return nil
}
