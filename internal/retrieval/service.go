package retrieval

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var tracer = otel.Tracer("ragd.retrieval")

// Service binds one backend to one embedder and runs every blocking call
// through a bounded worker pool.
//
// Service implements vectorstore.Backend, so handlers and the chat service
// can use it wherever a backend is expected.
type Service struct {
	backend  vectorstore.Backend
	embedder vectorstore.Embedder
	logger   *zap.Logger

	workers int
	pool    *semaphore.Weighted
	timeout time.Duration
}

var _ vectorstore.Backend = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithWorkers sets the pool size. Values below 1 keep the default of
// GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithTimeout bounds each operation, including the time spent waiting for a
// worker. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Service. The Service owns backend and closes it in Close;
// the embedder stays owned by the caller.
func New(backend vectorstore.Backend, embedder vectorstore.Embedder, opts ...Option) (*Service, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", vectorstore.ErrConfiguration)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", vectorstore.ErrConfiguration)
	}

	s := &Service{
		backend:  backend,
		embedder: embedder,
		logger:   zap.NewNop(),
		workers:  runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool = semaphore.NewWeighted(int64(s.workers))

	s.logger.Info("retrieval service ready",
		zap.String("backend", backend.Name()),
		zap.String("collection", backend.Config().CollectionName),
		zap.Int("workers", s.workers),
		zap.Duration("timeout", s.timeout),
	)
	return s, nil
}

// Workers returns the pool size.
func (s *Service) Workers() int {
	return s.workers
}

// Backend returns the wrapped backend.
func (s *Service) Backend() vectorstore.Backend {
	return s.backend
}

// run executes fn on a pooled worker under the operation timeout.
func run[T any](ctx context.Context, s *Service, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "retrieval."+op)
	span.SetAttributes(attribute.String("backend", s.backend.Name()))
	defer span.End()

	if err := s.pool.Acquire(ctx, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "waiting for worker")
		return zero, fmt.Errorf("%s: waiting for worker: %w", op, err)
	}
	defer s.pool.Release(1)

	out, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("operation timed out", zap.String("operation", op), zap.Duration("timeout", s.timeout))
		}
		return zero, err
	}
	return out, nil
}

// Name returns the backend name.
func (s *Service) Name() string {
	return s.backend.Name()
}

// Config returns the backend configuration.
func (s *Service) Config() vectorstore.StoreConfig {
	return s.backend.Config()
}

// Embed encodes texts with the bound embedder, one vector per text.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: input must not be empty", vectorstore.ErrConfiguration)
	}
	return run(ctx, s, "Embed", func(ctx context.Context) ([][]float32, error) {
		vectors, err := s.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %w", vectorstore.ErrEmbedding, err)
		}
		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("%w: provider returned %d vectors for %d texts",
				vectorstore.ErrEmbedding, len(vectors), len(texts))
		}
		return vectors, nil
	})
}

// AddDocuments embeds and stores docs.
func (s *Service) AddDocuments(ctx context.Context, docs []vectorstore.Document) (*vectorstore.AddResult, error) {
	if len(docs) == 0 {
		return &vectorstore.AddResult{Added: []string{}}, nil
	}
	// A connection lost mid-batch returns a result alongside the error; it
	// is passed through so callers learn which documents were stored.
	var result *vectorstore.AddResult
	_, err := run(ctx, s, "AddDocuments", func(ctx context.Context) (struct{}, error) {
		var err error
		result, err = s.backend.AddDocuments(ctx, docs)
		return struct{}{}, err
	})
	return result, err
}

// Query returns up to k documents nearest to text.
func (s *Service) Query(ctx context.Context, text string, k int) ([]vectorstore.Document, error) {
	return run(ctx, s, "Query", func(ctx context.Context) ([]vectorstore.Document, error) {
		return s.backend.Query(ctx, text, k)
	})
}

// QueryWithScore returns up to k scored documents nearest to text.
func (s *Service) QueryWithScore(ctx context.Context, text string, k int) ([]vectorstore.ScoredDocument, error) {
	return run(ctx, s, "QueryWithScore", func(ctx context.Context) ([]vectorstore.ScoredDocument, error) {
		return s.backend.QueryWithScore(ctx, text, k)
	})
}

// Retriever returns a retriever whose queries go through the pool.
func (s *Service) Retriever(searchType string, k int, opts ...vectorstore.RetrieverOption) (*vectorstore.Retriever, error) {
	return vectorstore.NewRetriever(s, searchType, k, opts...)
}

// CollectionInfo reports the collection size. When no worker frees up in
// time it reports zero entities.
func (s *Service) CollectionInfo(ctx context.Context) vectorstore.CollectionInfo {
	info, err := run(ctx, s, "CollectionInfo", func(ctx context.Context) (vectorstore.CollectionInfo, error) {
		return s.backend.CollectionInfo(ctx), nil
	})
	if err != nil {
		s.logger.Warn("collection info unavailable", zap.Error(err))
		return vectorstore.CollectionInfo{CollectionName: s.backend.Config().CollectionName}
	}
	return info
}

// SearchByIDs looks documents up by id.
func (s *Service) SearchByIDs(ctx context.Context, ids []string, mode vectorstore.LookupMode) ([]vectorstore.Document, error) {
	docs, err := run(ctx, s, "SearchByIDs", func(ctx context.Context) ([]vectorstore.Document, error) {
		return s.backend.SearchByIDs(ctx, ids, mode)
	})
	if err != nil && mode == vectorstore.LookupApproximate {
		s.logger.Warn("approximate lookup unavailable", zap.Error(err))
		return []vectorstore.Document{}, nil
	}
	return docs, err
}

// DocumentsCount returns the number of stored documents, or 0 on error.
func (s *Service) DocumentsCount(ctx context.Context) int {
	n, err := run(ctx, s, "DocumentsCount", func(ctx context.Context) (int, error) {
		return s.backend.DocumentsCount(ctx), nil
	})
	if err != nil {
		s.logger.Warn("document count unavailable", zap.Error(err))
		return 0
	}
	return n
}

// AllDocuments returns up to limit documents.
func (s *Service) AllDocuments(ctx context.Context, limit int) ([]vectorstore.Document, error) {
	return run(ctx, s, "AllDocuments", func(ctx context.Context) ([]vectorstore.Document, error) {
		return s.backend.AllDocuments(ctx, limit)
	})
}

// Delete removes ids, or every document when ids is empty.
func (s *Service) Delete(ctx context.Context, ids []string) error {
	_, err := run(ctx, s, "Delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.backend.Delete(ctx, ids)
	})
	return err
}

// Clear resets the collection.
func (s *Service) Clear(ctx context.Context) error {
	_, err := run(ctx, s, "Clear", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.backend.Clear(ctx)
	})
	return err
}

// Ping reports backend reachability when the backend can be pinged.
func (s *Service) Ping(ctx context.Context) error {
	checker, ok := s.backend.(vectorstore.HealthChecker)
	if !ok {
		return nil
	}
	_, err := run(ctx, s, "Ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, checker.Ping(ctx)
	})
	return err
}

// Close closes the backend.
func (s *Service) Close() error {
	return s.backend.Close()
}
