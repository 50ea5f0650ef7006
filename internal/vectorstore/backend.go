package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("ragd.vectorstore")

// engine is the storage half of a backend. The shared core handles
// embedding, validation, ranking and diagnostics; engines only move vectors
// and documents in and out of the underlying store.
type engine interface {
	// prepare makes the collection usable. Networked engines connect and
	// create the collection here on first use.
	prepare(ctx context.Context) error

	// insert upserts one document with its vector.
	insert(ctx context.Context, doc Document, vector []float32) error

	// search returns up to k raw candidates. Order does not matter.
	search(ctx context.Context, vector []float32, k int) ([]ScoredDocument, error)

	count(ctx context.Context) (int, error)

	// lookup returns the stored documents for ids, skipping missing ones.
	lookup(ctx context.Context, ids []string) ([]Document, error)
}

// core implements the parts of Backend every engine shares.
type core struct {
	name     string
	cfg      StoreConfig
	embedder Embedder
	logger   *zap.Logger
	engine   engine
}

func newCore(name string, cfg StoreConfig, embedder Embedder, logger *zap.Logger, e engine) *core {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &core{
		name:     name,
		cfg:      cfg,
		embedder: embedder,
		logger:   logger.With(zap.String("backend", name), zap.String("collection", cfg.CollectionName)),
		engine:   e,
	}
}

// Name returns the backend name.
func (c *core) Name() string {
	return c.name
}

// Config returns a copy of the configuration the backend was opened with.
func (c *core) Config() StoreConfig {
	return c.cfg
}

func (c *core) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, c.name+"."+op)
	span.SetAttributes(
		attribute.String("backend", c.name),
		attribute.String("collection", c.cfg.CollectionName),
	)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddDocuments embeds docs in one provider call and inserts them one at a
// time.
//
// The returned error is non-nil when nothing could be attempted (a cancelled
// context or a failed connection before the first insert) or when the
// connection was lost mid-batch. In the latter case the result is returned
// alongside it with the unattempted documents marked failed.
func (c *core) AddDocuments(ctx context.Context, docs []Document) (result *AddResult, err error) {
	start := time.Now()
	ctx, span := c.startSpan(ctx, "AddDocuments")
	span.SetAttributes(attribute.Int("document_count", len(docs)))
	defer func() {
		observe(c.name, "add_documents", start, err)
		endSpan(span, err)
	}()

	result = &AddResult{Added: []string{}}
	if len(docs) == 0 {
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.engine.prepare(ctx); err != nil {
		return nil, err
	}

	// Work on a copy so generated ids never leak into the caller's slice.
	pending := make([]Document, len(docs))
	copy(pending, docs)
	for i := range pending {
		if pending[i].ID == "" {
			pending[i].ID = uuid.NewString()
		}
	}

	// Documents with bad metadata are rejected before the embedder sees them.
	var (
		texts   []string
		indexes []int
	)
	for i, doc := range pending {
		if verr := validateMetadata(doc.Metadata); verr != nil {
			c.recordFailure(result, i, doc.ID, verr)
			continue
		}
		texts = append(texts, doc.Content)
		indexes = append(indexes, i)
	}
	if len(texts) == 0 {
		return result, nil
	}

	vectors, eerr := embedDocuments(ctx, c.embedder, texts)
	if eerr != nil {
		c.logger.Warn("embedding batch failed", zap.Int("documents", len(texts)), zap.Error(eerr))
		for _, i := range indexes {
			c.recordFailure(result, i, pending[i].ID, eerr)
		}
		return result, nil
	}

	for n, i := range indexes {
		doc := pending[i]
		if cerr := ctx.Err(); cerr != nil {
			c.recordFailure(result, i, doc.ID, cerr)
			continue
		}
		ierr := c.engine.insert(ctx, doc, vectors[n])
		if ierr == nil {
			result.Added = append(result.Added, doc.ID)
			continue
		}
		c.recordFailure(result, i, doc.ID, ierr)
		if errors.Is(ierr, ErrConnection) {
			for _, rest := range indexes[n+1:] {
				c.recordFailure(result, rest, pending[rest].ID, ierr)
			}
			err = fmt.Errorf("connection lost after %d of %d documents: %w", len(result.Added), len(docs), ierr)
			break
		}
	}

	DocumentsAdded.WithLabelValues(c.name).Add(float64(len(result.Added)))
	if len(result.Failed) > 0 {
		c.logger.Warn("documents failed to store",
			zap.Int("added", len(result.Added)),
			zap.Int("failed", len(result.Failed)),
		)
	}
	span.SetAttributes(
		attribute.Int("added", len(result.Added)),
		attribute.Int("failed", len(result.Failed)),
	)
	return result, err
}

func (c *core) recordFailure(result *AddResult, index int, id string, err error) {
	result.fail(index, id, err)
	DocumentsFailed.WithLabelValues(c.name, failureReason(err)).Inc()
}

// Query returns up to k documents nearest to text.
func (c *core) Query(ctx context.Context, text string, k int) ([]Document, error) {
	scored, err := c.QueryWithScore(ctx, text, k)
	if err != nil {
		return nil, err
	}
	return documentsOf(scored), nil
}

// QueryWithScore returns up to k documents nearest to text with raw scores,
// best first.
func (c *core) QueryWithScore(ctx context.Context, text string, k int) (results []ScoredDocument, err error) {
	if isBlank(text) {
		return []ScoredDocument{}, nil
	}
	if err := validateK(k); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := c.startSpan(ctx, "QueryWithScore")
	span.SetAttributes(attribute.Int("k", k))
	defer func() {
		observe(c.name, "query", start, err)
		endSpan(span, err)
	}()

	if err := c.engine.prepare(ctx); err != nil {
		return nil, err
	}
	vector, err := embedQuery(ctx, c.embedder, text)
	if err != nil {
		return nil, err
	}
	results, err = c.engine.search(ctx, vector, k)
	if err != nil {
		return nil, err
	}
	results = rank(c.cfg.MetricType, results, k)
	span.SetAttributes(attribute.Int("result_count", len(results)))
	return results, nil
}

// Retriever returns a reusable query object bound to searchType and k.
func (c *core) Retriever(searchType string, k int, opts ...RetrieverOption) (*Retriever, error) {
	return NewRetriever(c, searchType, k, opts...)
}

// Embed encodes texts with the backend's embedder, one vector per text.
func (c *core) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return embedDocuments(ctx, c.embedder, texts)
}

// CollectionInfo reports the collection name and entity count. Errors are
// logged and reported as zero entities.
func (c *core) CollectionInfo(ctx context.Context) CollectionInfo {
	return CollectionInfo{
		CollectionName: c.cfg.CollectionName,
		TotalEntities:  c.countOrZero(ctx, "collection_info"),
	}
}

// DocumentsCount returns the number of stored documents, or 0 on error.
func (c *core) DocumentsCount(ctx context.Context) int {
	return c.countOrZero(ctx, "documents_count")
}

func (c *core) countOrZero(ctx context.Context, op string) int {
	start := time.Now()
	n, err := c.count(ctx)
	observe(c.name, op, start, err)
	if err != nil {
		c.logger.Warn("collection count unavailable, reporting zero", zap.String("operation", op), zap.Error(err))
		DiagnosticFallbacks.WithLabelValues(c.name, op).Inc()
		return 0
	}
	return n
}

func (c *core) count(ctx context.Context) (int, error) {
	if err := c.engine.prepare(ctx); err != nil {
		return 0, err
	}
	return c.engine.count(ctx)
}

// SearchByIDs resolves ids according to mode.
//
// LookupExact returns the stored documents in input order, skipping ids that
// do not exist. LookupApproximate runs a k=1 similarity query per id and
// never returns an error.
func (c *core) SearchByIDs(ctx context.Context, ids []string, mode LookupMode) (docs []Document, err error) {
	if len(ids) == 0 {
		return []Document{}, nil
	}
	if mode == LookupApproximate {
		return c.approximateLookup(ctx, ids), nil
	}

	start := time.Now()
	ctx, span := c.startSpan(ctx, "SearchByIDs")
	span.SetAttributes(attribute.Int("id_count", len(ids)))
	defer func() {
		observe(c.name, "search_by_ids", start, err)
		endSpan(span, err)
	}()

	if err := c.engine.prepare(ctx); err != nil {
		return nil, err
	}
	found, err := c.engine.lookup(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Document, len(found))
	for _, d := range found {
		byID[d.ID] = d
	}
	docs = make([]Document, 0, len(found))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if d, ok := byID[id]; ok {
			docs = append(docs, d)
		}
	}
	return docs, nil
}

func (c *core) approximateLookup(ctx context.Context, ids []string) []Document {
	docs := make([]Document, 0, len(ids))
	for _, id := range ids {
		results, err := c.QueryWithScore(ctx, id, 1)
		if err != nil {
			c.logger.Warn("approximate lookup failed, skipping id", zap.String("id", id), zap.Error(err))
			DiagnosticFallbacks.WithLabelValues(c.name, "search_by_ids").Inc()
			continue
		}
		if len(results) > 0 {
			docs = append(docs, results[0].Document)
		}
	}
	return docs
}

// allDocumentsLimit applies the AllDocuments default.
func allDocumentsLimit(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}
