// Package http serves the ragd REST API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/chat"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Store is the retrieval facade the handlers call.
type Store interface {
	vectorstore.Backend
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Chatter answers questions over the store.
type Chatter interface {
	Ask(ctx context.Context, req chat.Request) (*chat.Answer, error)
	Stream(ctx context.Context, req chat.Request, fn func(ctx context.Context, chunk []byte) error) (*chat.Answer, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// BodyLimit caps request bodies, e.g. "4M". Empty disables the limit.
	BodyLimit string

	// RateLimit is requests per second per client IP. Zero disables it.
	RateLimit float64
	RateBurst int

	// EmbeddingModel is reported by /api/v1/embeddings when the request
	// names no model.
	EmbeddingModel string

	// DefaultK is used by query and chat requests that omit k.
	DefaultK int

	// SearchType and RetrieverOptions shape the chat retriever when the
	// request names no search type. Empty means similarity.
	SearchType       string
	RetrieverOptions []vectorstore.RetrieverOption
}

// Server provides the HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	store    Store
	chat     Chatter
	health   *vectorstore.HealthMonitor
	gatherer prometheus.Gatherer
	logger   *logging.Logger
	config   *Config
}

// Option configures optional server dependencies.
type Option func(*Server)

// WithChat enables /api/v1/chat.
func WithChat(c Chatter) Option {
	return func(s *Server) { s.chat = c }
}

// WithHealthMonitor makes /health report the monitor's cached state.
func WithHealthMonitor(hm *vectorstore.HealthMonitor) Option {
	return func(s *Server) { s.health = hm }
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// NewServer creates a new HTTP server.
func NewServer(store Store, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 8000}
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 4
	}
	if cfg.SearchType == "" {
		cfg.SearchType = vectorstore.SearchTypeSimilarity
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		store:    store,
		gatherer: prometheus.DefaultGatherer,
		logger:   logger.Named("http"),
		config:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(s.requestLogger)
	e.Use(NewHTTPMetrics(s.logger.Underlying()).MetricsMiddleware())
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Skipper: func(c echo.Context) bool { return c.Path() == "/health" },
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(cfg.RateLimit),
				Burst:     cfg.RateBurst,
				ExpiresIn: 3 * time.Minute,
			}),
		}))
	}
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/embeddings", s.handleEmbeddings)
	v1.POST("/documents", s.handleAddDocuments)
	v1.GET("/documents", s.handleListDocuments)
	v1.POST("/documents/lookup", s.handleLookup)
	v1.DELETE("/documents", s.handleDeleteDocuments)
	v1.POST("/query", s.handleQuery)
	v1.GET("/collection", s.handleCollectionInfo)
	v1.GET("/collection/count", s.handleCount)
	v1.POST("/collection/clear", s.handleClear)
	v1.POST("/chat", s.handleChat)
}

// requestLogger logs one line per request. Handler errors are rendered
// first so the logged status is the one sent.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		if err := next(c); err != nil {
			c.Error(err)
		}

		status := c.Response().Status
		fields := []zap.Field{
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.Int64("size", c.Response().Size),
		}
		ctx := c.Request().Context()
		switch {
		case status >= http.StatusInternalServerError:
			s.logger.Error(ctx, "http request", fields...)
		case status >= http.StatusBadRequest:
			s.logger.Warn(ctx, "http request", fields...)
		default:
			s.logger.Info(ctx, "http request", fields...)
		}
		return nil
	}
}

// ServeHTTP lets the server be used as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Start listens until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", s.Addr()))
	if err := s.echo.Start(s.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
