package chat

import (
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// ModelConfig addresses an OpenAI-compatible chat completions endpoint.
type ModelConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

// NewOpenAIModel creates a chat model for any server speaking the OpenAI
// chat completions API. Local servers usually ignore the key, so an empty
// one is replaced with a placeholder.
func NewOpenAIModel(cfg ModelConfig) (llms.Model, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: chat model name is required", ErrInvalidConfig)
	}
	token := cfg.APIKey
	if token == "" {
		token = "sk-no-key-required"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating openai client: %w", ErrInvalidConfig, err)
	}
	return llm, nil
}
