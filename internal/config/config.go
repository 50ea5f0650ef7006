// Package config loads ragd configuration from defaults, a YAML file and
// RAGD_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/chat"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/telemetry"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"go.uber.org/zap"
)

// Config is the complete server configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Chat        ChatConfig        `koanf:"chat"`
	Retrieval   RetrievalConfig   `koanf:"retrieval"`
	Logging     logging.Config    `koanf:"logging"`
	Telemetry   telemetry.Config  `koanf:"telemetry"`
}

// ServerConfig holds HTTP server settings. RateLimit is requests per second
// per client IP; zero disables limiting.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	BodyLimit       string   `koanf:"body_limit"`
	RateLimit       float64  `koanf:"rate_limit"`
	RateBurst       int      `koanf:"rate_burst"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// VectorStoreConfig selects and configures the backend.
type VectorStoreConfig struct {
	Backend        string                 `koanf:"backend"`
	PathOrURI      string                 `koanf:"path_or_uri"`
	IndexType      string                 `koanf:"index_type"`
	MetricType     string                 `koanf:"metric_type"`
	CollectionName string                 `koanf:"collection_name"`
	VectorSize     int                    `koanf:"vector_size"`
	Compress       bool                   `koanf:"compress"`
	EagerConnect   bool                   `koanf:"eager_connect"`
	HNSW           vectorstore.HNSWParams `koanf:"hnsw"`
	IVF            vectorstore.IVFParams  `koanf:"ivf"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider        string   `koanf:"provider"`
	Model           string   `koanf:"model"`
	BaseURL         string   `koanf:"base_url"`
	APIKey          Secret   `koanf:"api_key"`
	Dimension       int      `koanf:"dimension"`
	Normalize       bool     `koanf:"normalize"`
	BatchSize       int      `koanf:"batch_size"`
	Timeout         Duration `koanf:"timeout"`
	CacheDir        string   `koanf:"cache_dir"`
	DownloadRuntime bool     `koanf:"download_runtime"`
}

// ChatConfig configures the optional /api/v1/chat endpoint.
type ChatConfig struct {
	Enabled         bool    `koanf:"enabled"`
	BaseURL         string  `koanf:"base_url"`
	Model           string  `koanf:"model"`
	APIKey          Secret  `koanf:"api_key"`
	SystemPrompt    string  `koanf:"system_prompt"`
	Temperature     float64 `koanf:"temperature"`
	MaxTokens       int     `koanf:"max_tokens"`
	TopP            float64 `koanf:"top_p"`
	PresencePenalty float64 `koanf:"presence_penalty"`
	K               int     `koanf:"k"`

	// SearchType is similarity, similarity_score_threshold or mmr.
	SearchType     string  `koanf:"search_type"`
	ScoreThreshold float64 `koanf:"score_threshold"`
	FetchK         int     `koanf:"fetch_k"`
	Lambda         float64 `koanf:"lambda"`
}

// RetrievalConfig sizes the facade worker pool. Zero workers means
// GOMAXPROCS; zero timeout means unbounded.
type RetrievalConfig struct {
	Workers int      `koanf:"workers"`
	Timeout Duration `koanf:"timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	chatDefaults := chat.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8000,
			ShutdownTimeout: Duration(10 * time.Second),
			BodyLimit:       "4M",
			RateBurst:       20,
		},
		VectorStore: VectorStoreConfig{
			Backend:        vectorstore.ChromemBackendName,
			PathOrURI:      "~/.config/ragd/vectorstore",
			IndexType:      string(vectorstore.IndexFlat),
			MetricType:     string(vectorstore.MetricL2),
			CollectionName: vectorstore.DefaultCollectionName,
			Compress:       true,
		},
		Embeddings: EmbeddingsConfig{
			Provider: "fastembed",
			Model:    "BAAI/bge-small-en-v1.5",
			BaseURL:  "http://localhost:8080",
			Timeout:  Duration(30 * time.Second),
		},
		Chat: ChatConfig{
			BaseURL:         "http://localhost:8080/v1",
			SystemPrompt:    chatDefaults.SystemPrompt,
			Temperature:     chatDefaults.Temperature,
			MaxTokens:       chatDefaults.MaxTokens,
			TopP:            chatDefaults.TopP,
			PresencePenalty: chatDefaults.PresencePenalty,
			K:               4,
			SearchType:      vectorstore.SearchTypeSimilarity,
			FetchK:          20,
			Lambda:          0.5,
		},
		Logging:   *logging.NewDefaultConfig(),
		Telemetry: *telemetry.NewDefaultConfig(),
	}
}

var bodyLimitPattern = regexp.MustCompile(`^[0-9]+[KMGTP]?$`)

var embeddingProviders = []string{"fastembed", "tei", "openai"}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if !bodyLimitPattern.MatchString(c.Server.BodyLimit) {
		return fmt.Errorf("server.body_limit must look like 4M or 512K, got %q", c.Server.BodyLimit)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		return fmt.Errorf("server.rate_burst must be positive when rate limiting is enabled")
	}

	if !slices.Contains(vectorstore.Backends(), c.VectorStore.Backend) {
		return fmt.Errorf("vectorstore.backend must be one of %v, got %q", vectorstore.Backends(), c.VectorStore.Backend)
	}
	if _, err := c.StoreConfig(); err != nil {
		return fmt.Errorf("vectorstore: %w", err)
	}

	if !slices.Contains(embeddingProviders, strings.ToLower(c.Embeddings.Provider)) {
		return fmt.Errorf("embeddings.provider must be one of %v, got %q", embeddingProviders, c.Embeddings.Provider)
	}
	if c.Embeddings.Dimension < 0 || c.Embeddings.BatchSize < 0 {
		return fmt.Errorf("embeddings.dimension and embeddings.batch_size must not be negative")
	}

	if !slices.Contains(vectorstore.SearchTypes(), c.Chat.SearchType) {
		return fmt.Errorf("chat.search_type must be one of %v, got %q", vectorstore.SearchTypes(), c.Chat.SearchType)
	}
	if c.Chat.FetchK < 0 || c.Chat.Lambda < 0 || c.Chat.Lambda > 1 {
		return fmt.Errorf("chat.fetch_k must not be negative and chat.lambda must be in [0, 1]")
	}
	if c.Chat.Enabled {
		if c.Chat.Model == "" {
			return fmt.Errorf("chat.model is required when chat is enabled")
		}
		if c.Chat.K < 1 {
			return fmt.Errorf("chat.k must be positive, got %d", c.Chat.K)
		}
		if err := c.ChatSettings().Validate(); err != nil {
			return fmt.Errorf("chat: %w", err)
		}
	}

	if c.Retrieval.Workers < 0 {
		return fmt.Errorf("retrieval.workers must not be negative")
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// StoreConfig converts the vectorstore section. A leading ~ in the path is
// expanded to the home directory.
func (c *Config) StoreConfig() (vectorstore.StoreConfig, error) {
	vs := c.VectorStore
	indexType, err := vectorstore.ParseIndexType(vs.IndexType)
	if err != nil {
		return vectorstore.StoreConfig{}, err
	}
	metricType, err := vectorstore.ParseMetricType(vs.MetricType)
	if err != nil {
		return vectorstore.StoreConfig{}, err
	}
	return vectorstore.NewStoreConfig(ExpandHome(vs.PathOrURI),
		vectorstore.WithIndexType(indexType),
		vectorstore.WithMetricType(metricType),
		vectorstore.WithCollectionName(vs.CollectionName),
		vectorstore.WithVectorSize(vs.VectorSize),
		vectorstore.WithCompression(vs.Compress),
		vectorstore.WithHNSW(vs.HNSW),
		vectorstore.WithIVF(vs.IVF),
	)
}

// ProviderConfig converts the embeddings section.
func (c *Config) ProviderConfig(logger *zap.Logger) embeddings.ProviderConfig {
	e := c.Embeddings
	return embeddings.ProviderConfig{
		Provider:        e.Provider,
		Model:           e.Model,
		BaseURL:         e.BaseURL,
		APIKey:          e.APIKey.Value(),
		CacheDir:        ExpandHome(e.CacheDir),
		Dimension:       e.Dimension,
		Normalize:       e.Normalize,
		BatchSize:       e.BatchSize,
		Timeout:         e.Timeout.Duration(),
		DownloadRuntime: e.DownloadRuntime,
		Logger:          logger,
	}
}

// ChatSettings converts the prompt and sampling part of the chat section.
func (c *Config) ChatSettings() chat.Config {
	return chat.Config{
		SystemPrompt:    c.Chat.SystemPrompt,
		Model:           c.Chat.Model,
		Temperature:     c.Chat.Temperature,
		MaxTokens:       c.Chat.MaxTokens,
		TopP:            c.Chat.TopP,
		PresencePenalty: c.Chat.PresencePenalty,
	}
}

// ChatModel converts the endpoint part of the chat section.
func (c *Config) ChatModel() chat.ModelConfig {
	return chat.ModelConfig{
		BaseURL: c.Chat.BaseURL,
		Model:   c.Chat.Model,
		APIKey:  c.Chat.APIKey.Value(),
	}
}

// RetrieverOptions converts the retrieval part of the chat section.
func (c *Config) RetrieverOptions() []vectorstore.RetrieverOption {
	opts := []vectorstore.RetrieverOption{
		vectorstore.WithFetchK(c.Chat.FetchK),
		vectorstore.WithLambda(c.Chat.Lambda),
	}
	if c.Chat.SearchType == vectorstore.SearchTypeSimilarityScoreThreshold {
		opts = append(opts, vectorstore.WithScoreThreshold(float32(c.Chat.ScoreThreshold)))
	}
	return opts
}

// ExpandHome replaces a leading "~/" with the home directory. Other paths,
// and URIs, are returned unchanged.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
