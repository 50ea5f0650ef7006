package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/ragd/internal/chat"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	ragdhttp "github.com/fyrsmithlabs/ragd/internal/http"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/retrieval"
	"github.com/fyrsmithlabs/ragd/internal/telemetry"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ragd HTTP server",
		Long: `Run the ragd HTTP server until SIGINT or SIGTERM.

Configuration is read from ~/.config/ragd/config.yaml (or --config) and
RAGD_* environment variables, which take precedence.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				if err := config.EnsureConfigDir(); err != nil {
					return err
				}
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringP("config", "c", "", "config file (default ~/.config/ragd/config.yaml)")
	return cmd
}

// runServe starts the server and blocks until ctx is cancelled.
//
// Startup order:
//  1. telemetry, so the logger can tee into its log provider
//  2. logger
//  3. embedding provider, vector store backend and retrieval service
//  4. health monitor and optional chat
//  5. HTTP server
func runServe(ctx context.Context, cfg *config.Config) (err error) {
	if version != "dev" {
		cfg.Telemetry.ServiceVersion = version
	}
	tel, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging, tel.LoggerProvider())
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Info(ctx, "starting ragd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("backend", cfg.VectorStore.Backend),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.Bool("telemetry", tel.IsEnabled()),
	)

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "startup failed", zap.Error(err))
		_ = tel.Shutdown(context.Background())
		_ = logger.Sync()
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		err = errors.Join(err, app.close(), tel.Shutdown(shutdownCtx))
		logger.Info(shutdownCtx, "ragd stopped")
		_ = logger.Sync()
	}()

	return app.run(ctx)
}

// application holds the long-lived components of a running server.
type application struct {
	cfg      *config.Config
	logger   *logging.Logger
	embedder embeddings.Provider
	store    *retrieval.Service
	health   *vectorstore.HealthMonitor
	server   *ragdhttp.Server
}

func newApplication(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *application, err error) {
	app := &application{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = app.close()
		}
	}()
	zl := logger.Underlying()

	app.embedder, err = embeddings.NewProvider(cfg.ProviderConfig(zl.Named("embeddings")))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}
	dim, err := embeddings.DetectDimension(ctx, app.embedder)
	if err != nil {
		return nil, err
	}
	if cfg.VectorStore.VectorSize == 0 {
		cfg.VectorStore.VectorSize = dim
	} else if cfg.VectorStore.VectorSize != dim {
		return nil, fmt.Errorf("%w: vectorstore.vector_size is %d but the embedding model produces %d",
			vectorstore.ErrConfiguration, cfg.VectorStore.VectorSize, dim)
	}

	storeCfg, err := cfg.StoreConfig()
	if err != nil {
		return nil, err
	}
	var openOpts []vectorstore.OpenOption
	if cfg.VectorStore.EagerConnect {
		openOpts = append(openOpts, vectorstore.WithEagerConnect())
	}
	backend, err := vectorstore.Open(ctx, cfg.VectorStore.Backend, storeCfg, app.embedder, zl.Named("vectorstore"), openOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", cfg.VectorStore.Backend, err)
	}
	app.store, err = retrieval.New(backend, app.embedder,
		retrieval.WithWorkers(cfg.Retrieval.Workers),
		retrieval.WithTimeout(cfg.Retrieval.Timeout.Duration()),
		retrieval.WithLogger(zl.Named("retrieval")),
	)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	app.health = vectorstore.NewHealthMonitor(context.WithoutCancel(ctx), app.store, 0, zl.Named("health"))
	if err := watchHealth(app.health, app.store.Name()); err != nil {
		return nil, err
	}
	app.health.Start()

	opts := []ragdhttp.Option{ragdhttp.WithHealthMonitor(app.health)}
	if cfg.Chat.Enabled {
		svc, err := newChat(cfg, app.store, zl.Named("chat"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, ragdhttp.WithChat(svc))
	}

	app.server, err = ragdhttp.NewServer(app.store, logger, &ragdhttp.Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		BodyLimit:        cfg.Server.BodyLimit,
		RateLimit:        cfg.Server.RateLimit,
		RateBurst:        cfg.Server.RateBurst,
		EmbeddingModel:   cfg.Embeddings.Model,
		DefaultK:         cfg.Chat.K,
		SearchType:       cfg.Chat.SearchType,
		RetrieverOptions: cfg.RetrieverOptions(),
	}, opts...)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// watchHealth mirrors the monitor's state into the backend_healthy gauge.
func watchHealth(hm *vectorstore.HealthMonitor, backend string) error {
	gauge := vectorstore.BackendHealthy.WithLabelValues(backend)
	set := func(healthy bool) {
		if healthy {
			gauge.Set(1)
		} else {
			gauge.Set(0)
		}
	}
	set(hm.IsHealthy())
	return hm.RegisterCallback(set)
}

func newChat(cfg *config.Config, store *retrieval.Service, logger *zap.Logger) (*chat.Service, error) {
	model, err := chat.NewOpenAIModel(cfg.ChatModel())
	if err != nil {
		return nil, err
	}
	retriever, err := store.Retriever(cfg.Chat.SearchType, cfg.Chat.K, cfg.RetrieverOptions()...)
	if err != nil {
		return nil, err
	}
	settings := cfg.ChatSettings()
	settings.Logger = logger
	return chat.New(model, retriever, settings)
}

// run serves until ctx is cancelled or the listener fails.
func (a *application) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// close releases everything newApplication built, in reverse order.
func (a *application) close() error {
	if a.health != nil {
		a.health.Stop()
	}
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.embedder != nil {
		errs = append(errs, a.embedder.Close())
	}
	return errors.Join(errs...)
}
