package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// timeNow is a variable for testing purposes.
var timeNow = time.Now

// ChromemBackendName is the factory name of the embedded backend.
const ChromemBackendName = "chromem"

// ChromemBackend is the embedded, file-persisted backend built on chromem-go.
//
// chromem keeps every collection in memory and writes one gob file per
// document under PathOrURI. Search is exhaustive, so only the FLAT index is
// supported. chromem normalizes vectors and ranks by cosine similarity; the
// backend converts that into the configured metric's score. L2 and
// INNER_PRODUCT scores are therefore those of the normalized vectors, and
// match the raw metric only when the embedding provider already returns
// unit-length vectors (embeddings.normalize or a normalizing model).
type ChromemBackend struct {
	*core

	db   *chromem.DB
	path string

	mu         sync.RWMutex
	collection *chromem.Collection
	manifest   *chromemManifest

	// shrinkMu is held for reading across a count and the query sized by
	// it, and for writing by anything that removes documents.
	shrinkMu sync.RWMutex

	closed atomic.Bool
}

var _ Backend = (*ChromemBackend)(nil)

// chromemManifest pins the parameters a collection was created with. chromem
// does not expose collection metadata, so it lives next to the DB as
// <path>/<collection>.manifest.json.
type chromemManifest struct {
	Collection string     `json:"collection"`
	Metric     MetricType `json:"metric"`
	Index      IndexType  `json:"index"`
	VectorSize int        `json:"vector_size,omitempty"`
}

// NewChromemBackend opens or creates the collection cfg names under
// cfg.PathOrURI.
func NewChromemBackend(cfg StoreConfig, embedder Embedder, logger *zap.Logger) (*ChromemBackend, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.IndexType != IndexFlat {
		return nil, fmt.Errorf("%w: chromem only supports the %s index, got %s", ErrConfiguration, IndexFlat, cfg.IndexType)
	}

	path, err := expandPath(cfg.PathOrURI)
	if err != nil {
		return nil, fmt.Errorf("%w: expanding path: %w", ErrStorage, err)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating directory %s: %w", ErrStorage, path, err)
	}

	db, err := openChromemDB(path, cfg.Compress, logger)
	if err != nil {
		return nil, err
	}

	b := &ChromemBackend{db: db, path: path}
	b.core = newCore(ChromemBackendName, cfg, embedder, logger, b)

	if err := b.loadManifest(); err != nil {
		return nil, err
	}
	if err := b.openCollection(); err != nil {
		return nil, err
	}

	b.logger.Info("chromem backend opened",
		zap.String("path", path),
		zap.Bool("compress", cfg.Compress),
		zap.String("metric", string(cfg.MetricType)),
		zap.Int("documents", b.currentCollection().Count()),
	)
	return b, nil
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func (b *ChromemBackend) manifestPath() string {
	return filepath.Join(b.path, b.cfg.CollectionName+".manifest.json")
}

// loadManifest checks the stored collection parameters against the config,
// or records them when the collection is new.
func (b *ChromemBackend) loadManifest() error {
	data, err := os.ReadFile(b.manifestPath())
	if errors.Is(err, os.ErrNotExist) {
		m := &chromemManifest{
			Collection: b.cfg.CollectionName,
			Metric:     b.cfg.MetricType,
			Index:      b.cfg.IndexType,
			VectorSize: b.cfg.VectorSize,
		}
		if err := b.writeManifest(m); err != nil {
			return err
		}
		b.manifest = m
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: reading manifest: %w", ErrStorage, err)
	}

	var m chromemManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: decoding manifest %s: %w", ErrStorage, b.manifestPath(), err)
	}
	if m.Metric != b.cfg.MetricType {
		return fmt.Errorf("%w: collection %s was created with metric %s, opened with %s",
			ErrConfiguration, b.cfg.CollectionName, m.Metric, b.cfg.MetricType)
	}
	if m.Index != b.cfg.IndexType {
		return fmt.Errorf("%w: collection %s was created with index %s, opened with %s",
			ErrConfiguration, b.cfg.CollectionName, m.Index, b.cfg.IndexType)
	}
	if m.VectorSize != 0 && b.cfg.VectorSize != 0 && m.VectorSize != b.cfg.VectorSize {
		return fmt.Errorf("%w: collection %s has vector size %d, opened with %d",
			ErrConfiguration, b.cfg.CollectionName, m.VectorSize, b.cfg.VectorSize)
	}
	if m.VectorSize == 0 && b.cfg.VectorSize != 0 {
		m.VectorSize = b.cfg.VectorSize
		if err := b.writeManifest(&m); err != nil {
			return err
		}
	}
	b.manifest = &m
	return nil
}

func (b *ChromemBackend) writeManifest(m *chromemManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding manifest: %w", ErrStorage, err)
	}
	if err := os.WriteFile(b.manifestPath(), data, 0644); err != nil {
		return fmt.Errorf("%w: writing manifest: %w", ErrStorage, err)
	}
	return nil
}

func (b *ChromemBackend) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return b.embedder.EmbedQuery(ctx, text)
	}
}

func (b *ChromemBackend) openCollection() error {
	c, err := b.db.GetOrCreateCollection(b.cfg.CollectionName, nil, b.embeddingFunc())
	if err != nil {
		return fmt.Errorf("%w: opening collection %s: %w", ErrStorage, b.cfg.CollectionName, err)
	}
	b.mu.Lock()
	b.collection = c
	b.mu.Unlock()
	return nil
}

func (b *ChromemBackend) currentCollection() *chromem.Collection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.collection
}

func (b *ChromemBackend) vectorSize() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.manifest.VectorSize
}

// prepare only rejects use after Close; the collection is opened eagerly.
func (b *ChromemBackend) prepare(ctx context.Context) error {
	if b.closed.Load() {
		return fmt.Errorf("%w: backend is closed", ErrStorage)
	}
	return nil
}

func (b *ChromemBackend) insert(ctx context.Context, doc Document, vector []float32) error {
	if err := b.checkDimension(vector); err != nil {
		return err
	}
	metadata, err := encodeChromemMetadata(doc.Metadata)
	if err != nil {
		return err
	}

	c := b.currentCollection()
	previous, getErr := c.GetByID(ctx, doc.ID)
	err = c.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.Content,
		Metadata:  metadata,
		Embedding: vector,
	})
	if err == nil {
		return nil
	}

	// chromem updates memory before writing the file, so undo the in-memory
	// change to keep the document either fully written or untouched.
	if getErr == nil {
		if rerr := c.AddDocument(ctx, previous); rerr != nil {
			b.logger.Error("restoring previous document version", zap.String("id", doc.ID), zap.Error(rerr))
		}
	} else if rerr := b.remove(ctx, c, doc.ID); rerr != nil {
		b.logger.Error("rolling back unpersisted document", zap.String("id", doc.ID), zap.Error(rerr))
	}
	return fmt.Errorf("%w: persisting document %s: %w", ErrStorage, doc.ID, err)
}

// checkDimension pins the vector size on the first insert and rejects
// vectors of any other size afterwards.
func (b *ChromemBackend) checkDimension(vector []float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.manifest.VectorSize {
	case 0:
		updated := *b.manifest
		updated.VectorSize = len(vector)
		if err := b.writeManifest(&updated); err != nil {
			return err
		}
		b.manifest = &updated
		return nil
	case len(vector):
		return nil
	default:
		return fmt.Errorf("%w: vector has %d dimensions, collection expects %d",
			ErrConfiguration, len(vector), b.manifest.VectorSize)
	}
}

func (b *ChromemBackend) search(ctx context.Context, vector []float32, k int) ([]ScoredDocument, error) {
	results, err := b.queryEmbedding(ctx, vector, k)
	if err != nil {
		return nil, err
	}
	scored := make([]ScoredDocument, 0, len(results))
	for _, r := range results {
		doc, err := b.toDocument(r.ID, r.Content, r.Metadata)
		if err != nil {
			return nil, err
		}
		scored = append(scored, ScoredDocument{Document: doc, Score: b.score(r.Similarity)})
	}
	return scored, nil
}

// queryEmbedding clamps n to the collection size, which chromem requires.
func (b *ChromemBackend) queryEmbedding(ctx context.Context, vector []float32, n int) ([]chromem.Result, error) {
	b.shrinkMu.RLock()
	defer b.shrinkMu.RUnlock()

	c := b.currentCollection()
	if count := c.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}
	results, err := c.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: querying collection %s: %w", ErrStorage, b.cfg.CollectionName, err)
	}
	return results, nil
}

// score converts chromem's cosine similarity into the configured metric.
// Vectors are unit length, so the inner product equals the cosine.
func (b *ChromemBackend) score(similarity float32) float32 {
	if b.cfg.MetricType == MetricL2 {
		return unitL2(similarity)
	}
	return similarity
}

func (b *ChromemBackend) count(ctx context.Context) (int, error) {
	return b.currentCollection().Count(), nil
}

func (b *ChromemBackend) lookup(ctx context.Context, ids []string) ([]Document, error) {
	c := b.currentCollection()
	docs := make([]Document, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		// GetByID only fails for unknown ids.
		d, err := c.GetByID(ctx, id)
		if err != nil {
			continue
		}
		doc, err := b.toDocument(d.ID, d.Content, d.Metadata)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (b *ChromemBackend) toDocument(id, content string, metadata map[string]string) (Document, error) {
	decoded, err := decodeChromemMetadata(metadata)
	if err != nil {
		return Document{}, fmt.Errorf("%w: document %s: %w", ErrStorage, id, err)
	}
	return Document{ID: id, Content: content, Metadata: decoded}, nil
}

// AllDocuments returns up to limit documents. chromem has no id listing, so
// this is an exhaustive scan against a fixed unit vector.
func (b *ChromemBackend) AllDocuments(ctx context.Context, limit int) (docs []Document, err error) {
	start := time.Now()
	ctx, span := b.startSpan(ctx, "AllDocuments")
	defer func() {
		observe(b.name, "all_documents", start, err)
		endSpan(span, err)
	}()

	if err := b.prepare(ctx); err != nil {
		return nil, err
	}
	size := b.vectorSize()
	if size == 0 || b.currentCollection().Count() == 0 {
		return []Document{}, nil
	}
	axis := make([]float32, size)
	axis[0] = 1

	results, err := b.queryEmbedding(ctx, axis, allDocumentsLimit(limit))
	if err != nil {
		return nil, err
	}
	docs = make([]Document, 0, len(results))
	for _, r := range results {
		doc, err := b.toDocument(r.ID, r.Content, r.Metadata)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	span.SetAttributes(attribute.Int("result_count", len(docs)))
	return docs, nil
}

// Delete removes ids from the collection. Empty ids clears the collection.
func (b *ChromemBackend) Delete(ctx context.Context, ids []string) (err error) {
	if len(ids) == 0 {
		return b.Clear(ctx)
	}

	start := time.Now()
	ctx, span := b.startSpan(ctx, "Delete")
	span.SetAttributes(attribute.Int("id_count", len(ids)))
	defer func() {
		observe(b.name, "delete", start, err)
		endSpan(span, err)
	}()

	if err := b.prepare(ctx); err != nil {
		return err
	}
	if err := b.remove(ctx, b.currentCollection(), ids...); err != nil {
		return fmt.Errorf("%w: deleting documents: %w", ErrStorage, err)
	}
	return nil
}

func (b *ChromemBackend) remove(ctx context.Context, c *chromem.Collection, ids ...string) error {
	b.shrinkMu.Lock()
	defer b.shrinkMu.Unlock()
	return c.Delete(ctx, nil, nil, ids...)
}

// Clear drops the collection and recreates it empty with the same
// parameters.
func (b *ChromemBackend) Clear(ctx context.Context) (err error) {
	start := time.Now()
	_, span := b.startSpan(ctx, "Clear")
	defer func() {
		observe(b.name, "clear", start, err)
		endSpan(span, err)
	}()

	if err := b.prepare(ctx); err != nil {
		return err
	}
	b.shrinkMu.Lock()
	defer b.shrinkMu.Unlock()
	if err := b.db.DeleteCollection(b.cfg.CollectionName); err != nil {
		return fmt.Errorf("%w: dropping collection %s: %w", ErrStorage, b.cfg.CollectionName, err)
	}
	if err := b.openCollection(); err != nil {
		return err
	}
	b.logger.Info("collection cleared")
	return nil
}

// Close marks the backend closed. Every write is already on disk.
func (b *ChromemBackend) Close() error {
	b.closed.Store(true)
	return nil
}

// encodeChromemMetadata stores each value as its JSON literal so types
// survive chromem's string-only metadata.
func encodeChromemMetadata(metadata map[string]any) (map[string]string, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding metadata %q: %w", ErrConfiguration, k, err)
		}
		out[k] = string(raw)
	}
	return out, nil
}

// decodeChromemMetadata reverses encodeChromemMetadata. Integers come back
// as int64, other numbers as float64.
func decodeChromemMetadata(metadata map[string]string) (map[string]any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(metadata))
	for k, encoded := range metadata {
		dec := json.NewDecoder(strings.NewReader(encoded))
		dec.UseNumber()
		var raw any
		if err := dec.Decode(&raw); err != nil {
			// Written by something other than ragd; keep the raw string.
			out[k] = encoded
			continue
		}
		v, err := fromJSONNumber(raw)
		if err != nil {
			return nil, fmt.Errorf("decoding metadata %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}
