package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"go.uber.org/zap"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider names accepted by NewProvider.
const (
	ProviderFastEmbed = "fastembed"
	ProviderTEI       = "tei"
	ProviderOpenAI    = "openai"
)

// Provider is the interface for embedding providers.
type Provider interface {
	vectorstore.Embedder
	// Dimension returns the embedding dimension for the current model, or 0
	// when it is not known until the first call.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// ProviderConfig holds configuration for creating an embedding provider.
type ProviderConfig struct {
	// Provider is the provider type: "fastembed", "tei" or "openai".
	Provider string
	// Model is the embedding model name.
	Model string
	// BaseURL is the server URL (TEI and OpenAI-compatible providers).
	BaseURL string
	// APIKey authenticates against OpenAI-compatible servers.
	APIKey string
	// CacheDir is the model cache directory (FastEmbed only).
	CacheDir string
	// Dimension overrides the model dimension table.
	Dimension int
	// Normalize L2-normalizes every returned vector.
	Normalize bool
	// BatchSize caps texts per upstream request (OpenAI only).
	BatchSize int
	// Timeout bounds each HTTP request (TEI only).
	Timeout time.Duration
	// DownloadRuntime fetches the ONNX runtime when it is missing (FastEmbed only).
	DownloadRuntime bool
	// Logger receives provider diagnostics. Nil means no logging.
	Logger *zap.Logger
}

// NewProvider creates an embedding provider based on the configuration.
//
// Every provider is instrumented with OpenTelemetry metrics; Normalize adds
// an L2-normalizing wrapper.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		p   Provider
		err error
	)
	switch strings.ToLower(cfg.Provider) {
	case ProviderFastEmbed, "":
		p, err = NewFastEmbedProvider(FastEmbedConfig{
			Model:           cfg.Model,
			CacheDir:        cfg.CacheDir,
			DownloadRuntime: cfg.DownloadRuntime,
			Logger:          logger,
		})
	case ProviderTEI:
		p, err = NewTEIProvider(TEIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey,
			Dimension: cfg.Dimension,
			Timeout:   cfg.Timeout,
		})
	case ProviderOpenAI:
		p, err = NewOpenAIProvider(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey,
			Dimension: cfg.Dimension,
			BatchSize: cfg.BatchSize,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q (supported: fastembed, tei, openai)", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Normalize {
		p = Normalize(p)
	}
	p = Instrument(p, cfg.Model, NewMetrics(logger))

	logger.Info("embedding provider ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.Int("dimension", p.Dimension()),
		zap.Bool("normalize", cfg.Normalize),
	)
	return p, nil
}

// DetectDimension returns p.Dimension, embedding a short sample text when the
// provider cannot know its dimension ahead of time.
func DetectDimension(ctx context.Context, p Provider) (int, error) {
	if dim := p.Dimension(); dim > 0 {
		return dim, nil
	}
	v, err := p.EmbedQuery(ctx, "dimension check")
	if err != nil {
		return 0, fmt.Errorf("detecting embedding dimension: %w", err)
	}
	return len(v), nil
}
