package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("ragd.chat")

var (
	// ErrEmptyQuestion is returned for a blank question.
	ErrEmptyQuestion = errors.New("question must not be empty")

	// ErrInvalidHistory is returned when a history message has an unknown
	// role or no content.
	ErrInvalidHistory = errors.New("invalid chat history")

	// ErrInvalidConfig is returned by New for unusable configuration.
	ErrInvalidConfig = errors.New("invalid chat configuration")

	// ErrGeneration wraps model failures and empty model responses.
	ErrGeneration = errors.New("answer generation failed")
)

// ContextPlaceholder is replaced with the retrieved documents in the system
// prompt.
const ContextPlaceholder = "{context}"

// DefaultSystemPrompt grounds the model in the retrieved context.
const DefaultSystemPrompt = `You are a helpful assistant. Answer the user's question using only the context below.
If the context does not contain the answer, say that you don't know.

Context:
{context}`

// Config controls prompt assembly and sampling.
type Config struct {
	SystemPrompt    string
	Model           string
	Temperature     float64
	MaxTokens       int
	TopP            float64
	PresencePenalty float64
	Logger          *zap.Logger
}

// DefaultConfig returns the sampling defaults.
func DefaultConfig() Config {
	return Config{
		SystemPrompt:    DefaultSystemPrompt,
		Temperature:     0.7,
		MaxTokens:       4096,
		TopP:            0.8,
		PresencePenalty: 0,
	}
}

// Validate checks ranges and the prompt template.
func (c Config) Validate() error {
	if !strings.Contains(c.SystemPrompt, ContextPlaceholder) {
		return fmt.Errorf("%w: system prompt must contain %s", ErrInvalidConfig, ContextPlaceholder)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be in [0, 2], got %v", ErrInvalidConfig, c.Temperature)
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("%w: max tokens must be positive, got %d", ErrInvalidConfig, c.MaxTokens)
	}
	if c.TopP < 0 || c.TopP > 1 {
		return fmt.Errorf("%w: top_p must be in [0, 1], got %v", ErrInvalidConfig, c.TopP)
	}
	if c.PresencePenalty < 0 || c.PresencePenalty > 2 {
		return fmt.Errorf("%w: presence penalty must be in [0, 2], got %v", ErrInvalidConfig, c.PresencePenalty)
	}
	return nil
}

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a question plus optional history. Retriever overrides the
// service's default retriever for this call.
type Request struct {
	Question  string
	History   []Message
	Retriever schema.Retriever
}

// Source is a retrieved document the answer was grounded on.
type Source struct {
	ID       string         `json:"id,omitempty"`
	Content  string         `json:"content"`
	Score    float32        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Answer is the model reply and the documents it was given.
type Answer struct {
	Text    string   `json:"answer"`
	Sources []Source `json:"sources"`
}

// Service answers questions with retrieval-augmented generation.
type Service struct {
	model     llms.Model
	retriever schema.Retriever
	cfg       Config
	logger    *zap.Logger
}

// New creates a Service. Zero sampling fields in cfg are not defaulted; start
// from DefaultConfig.
func New(model llms.Model, retriever schema.Retriever, cfg Config) (*Service, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}
	if retriever == nil {
		return nil, fmt.Errorf("%w: retriever is required", ErrInvalidConfig)
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{model: model, retriever: retriever, cfg: cfg, logger: logger}, nil
}

// Ask retrieves context for req.Question and returns the model's answer.
func (s *Service) Ask(ctx context.Context, req Request) (*Answer, error) {
	return s.generate(ctx, req, nil)
}

// Stream is Ask with each generated chunk passed to fn as it arrives. An
// error from fn aborts generation.
func (s *Service) Stream(ctx context.Context, req Request, fn func(ctx context.Context, chunk []byte) error) (*Answer, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: stream callback is required", ErrInvalidConfig)
	}
	return s.generate(ctx, req, fn)
}

func (s *Service) generate(ctx context.Context, req Request, stream func(context.Context, []byte) error) (answer *Answer, err error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	history, err := toMessages(req.History)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "chat.Ask")
	span.SetAttributes(
		attribute.Int("history_length", len(req.History)),
		attribute.Bool("stream", stream != nil),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	retriever := s.retriever
	if req.Retriever != nil {
		retriever = req.Retriever
	}
	docs, err := retriever.GetRelevantDocuments(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("retrieving context: %w", err)
	}
	span.SetAttributes(attribute.Int("sources", len(docs)))

	messages := make([]llms.MessageContent, 0, len(history)+2)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, s.systemPrompt(docs)))
	messages = append(messages, history...)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, question))

	opts := s.callOptions()
	if stream != nil {
		opts = append(opts, llms.WithStreamingFunc(stream))
	}

	start := time.Now()
	resp, err := s.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: model returned no choices", ErrGeneration)
	}

	s.logger.Debug("answer generated",
		zap.Int("sources", len(docs)),
		zap.Int("history", len(history)),
		zap.Duration("duration", time.Since(start)),
		zap.String("stop_reason", resp.Choices[0].StopReason),
	)
	return &Answer{Text: resp.Choices[0].Content, Sources: toSources(docs)}, nil
}

func (s *Service) callOptions() []llms.CallOption {
	opts := []llms.CallOption{
		llms.WithTemperature(s.cfg.Temperature),
		llms.WithMaxTokens(s.cfg.MaxTokens),
		llms.WithTopP(s.cfg.TopP),
		llms.WithPresencePenalty(s.cfg.PresencePenalty),
	}
	if s.cfg.Model != "" {
		opts = append(opts, llms.WithModel(s.cfg.Model))
	}
	return opts
}

// systemPrompt renders docs into the template as numbered passages.
func (s *Service) systemPrompt(docs []schema.Document) string {
	var b strings.Builder
	for i, d := range docs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString("] ")
		b.WriteString(d.PageContent)
	}
	return strings.ReplaceAll(s.cfg.SystemPrompt, ContextPlaceholder, b.String())
}

func toMessages(history []Message) ([]llms.MessageContent, error) {
	out := make([]llms.MessageContent, 0, len(history))
	for i, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			return nil, fmt.Errorf("%w: message %d has no content", ErrInvalidHistory, i)
		}
		var role llms.ChatMessageType
		switch strings.ToLower(m.Role) {
		case "user", "human":
			role = llms.ChatMessageTypeHuman
		case "assistant", "ai":
			role = llms.ChatMessageTypeAI
		case "system":
			role = llms.ChatMessageTypeSystem
		default:
			return nil, fmt.Errorf("%w: message %d has unknown role %q", ErrInvalidHistory, i, m.Role)
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out, nil
}

func toSources(docs []schema.Document) []Source {
	out := make([]Source, len(docs))
	for i, d := range docs {
		src := Source{Content: d.PageContent, Score: d.Score}
		if len(d.Metadata) > 0 {
			src.Metadata = make(map[string]any, len(d.Metadata))
			for k, v := range d.Metadata {
				if k == vectorstore.MetadataIDKey {
					src.ID, _ = v.(string)
					continue
				}
				src.Metadata[k] = v
			}
			if len(src.Metadata) == 0 {
				src.Metadata = nil
			}
		}
		out[i] = src
	}
	return out
}
