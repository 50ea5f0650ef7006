package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Connector is implemented by backends that connect lazily.
type Connector interface {
	Connect(ctx context.Context) error
}

type openOptions struct {
	eager bool
}

// OpenOption configures Open.
type OpenOption func(*openOptions)

// WithEagerConnect makes Open connect networked backends immediately instead
// of on first use.
func WithEagerConnect() OpenOption {
	return func(o *openOptions) { o.eager = true }
}

// Open creates the backend registered under name.
//
// Supported names:
//   - "chromem" or "embedded": file-persisted chromem-go under cfg.PathOrURI
//   - "qdrant" or "clustered": Qdrant over gRPC at a qdrant:// URI
//   - "pgvector" or "postgres": PostgreSQL with pgvector at a postgres:// URI
//
// When cfg.VectorSize is zero and the embedder implements Dimensioner, the
// embedder's dimension is used.
//
// Example usage:
//
//	cfg, err := vectorstore.NewStoreConfig("~/.local/share/ragd",
//	    vectorstore.WithMetricType(vectorstore.MetricCosine))
//	if err != nil {
//	    return err
//	}
//	backend, err := vectorstore.Open(ctx, "chromem", cfg, embedder, logger)
//	if err != nil {
//	    return err
//	}
//	defer backend.Close()
func Open(ctx context.Context, name string, cfg StoreConfig, embedder Embedder, logger *zap.Logger, opts ...OpenOption) (Backend, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.VectorSize == 0 {
		if d, ok := embedder.(Dimensioner); ok {
			cfg.VectorSize = d.Dimension()
		}
	}

	var (
		backend Backend
		err     error
	)
	switch strings.ToLower(name) {
	case ChromemBackendName, "embedded", "":
		backend, err = NewChromemBackend(cfg, embedder, logger)
	case QdrantBackendName, "clustered":
		backend, err = NewQdrantBackend(cfg, embedder, logger)
	case PgvectorBackendName, "postgres":
		backend, err = NewPgvectorBackend(cfg, embedder, logger)
	default:
		return nil, fmt.Errorf("%w: unsupported vectorstore backend: %s (supported: %s)",
			ErrConfiguration, name, strings.Join(Backends(), ", "))
	}
	if err != nil {
		return nil, err
	}

	if c, ok := backend.(Connector); ok && o.eager {
		if err := c.Connect(ctx); err != nil {
			_ = backend.Close()
			return nil, err
		}
	}
	return backend, nil
}

// Backends lists the canonical backend names.
func Backends() []string {
	return []string{ChromemBackendName, QdrantBackendName, PgvectorBackendName}
}
