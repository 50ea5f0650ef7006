package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PgvectorBackendName is the factory name of the PostgreSQL backend.
const PgvectorBackendName = "pgvector"

const (
	pgTablePrefix     = "ragd_"
	pgCommentPrefix   = "ragd:"
	defaultIVFLists   = 100
	pgUndefinedTable  = "42P01"
	pgInvalidAuthSpec = "28"
	pgConnException   = "08"
)

// PgvectorBackend stores documents in a PostgreSQL table with a pgvector
// column, one table per collection.
//
// The pool, extension, table and index are created on first use. The
// metric, index and vector size are recorded in the table comment and
// checked on every (re)connect.
type PgvectorBackend struct {
	*core

	poolConfig *pgxpool.Config
	table      string

	mu     sync.Mutex
	pool   *pgxpool.Pool
	closed bool
}

var _ Backend = (*PgvectorBackend)(nil)

// NewPgvectorBackend creates a backend for the postgres:// URI in
// cfg.PathOrURI. It performs no network I/O.
func NewPgvectorBackend(cfg StoreConfig, embedder Embedder, logger *zap.Logger) (*PgvectorBackend, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrConfiguration)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(cfg.PathOrURI, "postgres://") && !strings.HasPrefix(cfg.PathOrURI, "postgresql://") {
		return nil, fmt.Errorf("%w: pgvector uri must start with postgres:// or postgresql://", ErrConfiguration)
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.PathOrURI)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing postgres uri: %w", ErrConfiguration, err)
	}

	b := &PgvectorBackend{
		poolConfig: poolConfig,
		table:      pgx.Identifier{pgTablePrefix + cfg.CollectionName}.Sanitize(),
	}
	b.core = newCore(PgvectorBackendName, cfg, embedder, logger, b)
	return b, nil
}

// Connect forces the lazy connection and schema setup.
func (b *PgvectorBackend) Connect(ctx context.Context) error {
	return b.prepare(ctx)
}

func (b *PgvectorBackend) prepare(ctx context.Context) error {
	_, err := b.acquire(ctx)
	return err
}

// acquire returns the pool, creating it and the schema on first use. A
// failed attempt leaves no pool behind so the next call starts over.
func (b *PgvectorBackend) acquire(ctx context.Context) (*pgxpool.Pool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("%w: backend is closed", ErrConnection)
	}
	if b.pool != nil {
		return b.pool, nil
	}

	start := time.Now()
	pool, err := pgxpool.NewWithConfig(ctx, b.poolConfig)
	if err != nil {
		err = classifyPgError("creating pool", err)
		observe(b.name, "connect", start, err)
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		err = classifyPgError("ping", err)
		observe(b.name, "connect", start, err)
		return nil, err
	}
	if err := b.ensureSchema(ctx, pool); err != nil {
		pool.Close()
		observe(b.name, "connect", start, err)
		return nil, err
	}
	observe(b.name, "connect", start, nil)

	b.pool = pool
	b.logger.Info("pgvector backend connected",
		zap.String("host", b.poolConfig.ConnConfig.Host),
		zap.String("table", b.table),
	)
	return pool, nil
}

// tableComment encodes the parameters a table was created with.
func (b *PgvectorBackend) tableComment() string {
	return fmt.Sprintf("%smetric=%s;index=%s;dim=%d", pgCommentPrefix, b.cfg.MetricType, b.cfg.IndexType, b.cfg.VectorSize)
}

// parseTableComment decodes a comment written by tableComment.
func parseTableComment(comment string) (MetricType, IndexType, int, bool) {
	if !strings.HasPrefix(comment, pgCommentPrefix) {
		return "", "", 0, false
	}
	var (
		metric MetricType
		index  IndexType
		dim    int
	)
	for _, field := range strings.Split(strings.TrimPrefix(comment, pgCommentPrefix), ";") {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return "", "", 0, false
		}
		switch key {
		case "metric":
			metric = MetricType(value)
		case "index":
			index = IndexType(value)
		case "dim":
			n, err := strconv.Atoi(value)
			if err != nil {
				return "", "", 0, false
			}
			dim = n
		}
	}
	return metric, index, dim, metric != "" && index != ""
}

func (b *PgvectorBackend) ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	var comment *string
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT to_regclass($1) IS NOT NULL, obj_description(to_regclass($1), 'pg_class')`,
		pgTablePrefix+b.cfg.CollectionName,
	).Scan(&exists, &comment)
	if err != nil {
		return classifyPgError("inspecting table", err)
	}

	if exists {
		if comment == nil {
			return fmt.Errorf("%w: table %s exists but was not created by ragd", ErrConfiguration, b.table)
		}
		metric, index, dim, ok := parseTableComment(*comment)
		if !ok {
			return fmt.Errorf("%w: table %s has an unrecognized comment %q", ErrConfiguration, b.table, *comment)
		}
		if metric != b.cfg.MetricType {
			return fmt.Errorf("%w: collection %s was created with metric %s, opened with %s",
				ErrConfiguration, b.cfg.CollectionName, metric, b.cfg.MetricType)
		}
		if index != b.cfg.IndexType {
			return fmt.Errorf("%w: collection %s was created with index %s, opened with %s",
				ErrConfiguration, b.cfg.CollectionName, index, b.cfg.IndexType)
		}
		if b.cfg.VectorSize > 0 && dim != b.cfg.VectorSize {
			return fmt.Errorf("%w: collection %s has vector size %d, opened with %d",
				ErrConfiguration, b.cfg.CollectionName, dim, b.cfg.VectorSize)
		}
		return nil
	}

	if b.cfg.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size is required to create table %s", ErrConfiguration, b.table)
	}
	for _, stmt := range b.schemaStatements() {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return classifyPgError("creating schema", err)
		}
	}
	b.logger.Info("pgvector table created",
		zap.Int("vector_size", b.cfg.VectorSize),
		zap.String("metric", string(b.cfg.MetricType)),
		zap.String("index", string(b.cfg.IndexType)),
	)
	return nil
}

// schemaStatements returns the DDL for a new collection.
func (b *PgvectorBackend) schemaStatements() []string {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			embedding vector(%d) NOT NULL
		)`, b.table, b.cfg.VectorSize),
		fmt.Sprintf(`COMMENT ON TABLE %s IS '%s'`, b.table, b.tableComment()),
	}
	if idx := b.indexStatement(); idx != "" {
		stmts = append(stmts, idx)
	}
	return stmts
}

func (b *PgvectorBackend) indexStatement() string {
	name := pgx.Identifier{pgTablePrefix + b.cfg.CollectionName + "_embedding_idx"}.Sanitize()
	opclass := pgOperatorClass(b.cfg.MetricType)
	switch b.cfg.IndexType {
	case IndexHNSW:
		var with []string
		if b.cfg.HNSW.M > 0 {
			with = append(with, fmt.Sprintf("m = %d", b.cfg.HNSW.M))
		}
		if b.cfg.HNSW.EfConstruct > 0 {
			with = append(with, fmt.Sprintf("ef_construction = %d", b.cfg.HNSW.EfConstruct))
		}
		stmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding %s)`, name, b.table, opclass)
		if len(with) > 0 {
			stmt += " WITH (" + strings.Join(with, ", ") + ")"
		}
		return stmt
	case IndexIVFFlat:
		lists := b.cfg.IVF.Lists
		if lists == 0 {
			lists = defaultIVFLists
		}
		return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING ivfflat (embedding %s) WITH (lists = %d)`,
			name, b.table, opclass, lists)
	default:
		return ""
	}
}

func pgOperatorClass(m MetricType) string {
	switch m {
	case MetricCosine:
		return "vector_cosine_ops"
	case MetricInnerProduct:
		return "vector_ip_ops"
	default:
		return "vector_l2_ops"
	}
}

func pgOperator(m MetricType) string {
	switch m {
	case MetricCosine:
		return "<=>"
	case MetricInnerProduct:
		return "<#>"
	default:
		return "<->"
	}
}

// pgScore converts a pgvector distance into the metric's score. <=> is the
// cosine distance and <#> the negated inner product.
func pgScore(m MetricType, distance float64) float32 {
	switch m {
	case MetricCosine:
		return float32(1 - distance)
	case MetricInnerProduct:
		return float32(-distance)
	default:
		return float32(distance)
	}
}

// formatVector renders a vector in pgvector's text format: "[0.1,0.2]".
func formatVector(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

func (b *PgvectorBackend) insert(ctx context.Context, doc Document, vector []float32) error {
	pool, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	metadata := doc.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("%w: encoding metadata: %w", ErrConfiguration, err)
	}
	_, err = pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, content, metadata, embedding)
		VALUES ($1, $2, $3::jsonb, $4::vector)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`, b.table),
		doc.ID, doc.Content, string(raw), formatVector(vector),
	)
	if err != nil {
		return classifyPgError("upserting document", err)
	}
	return nil
}

// searchSettings returns the session settings for an approximate index.
func (b *PgvectorBackend) searchSettings() []string {
	switch b.cfg.IndexType {
	case IndexHNSW:
		if b.cfg.HNSW.EfSearch > 0 {
			return []string{fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", b.cfg.HNSW.EfSearch)}
		}
	case IndexIVFFlat:
		if b.cfg.IVF.Probes > 0 {
			return []string{fmt.Sprintf("SET LOCAL ivfflat.probes = %d", b.cfg.IVF.Probes)}
		}
	}
	return nil
}

func (b *PgvectorBackend) search(ctx context.Context, vector []float32, k int) (results []ScoredDocument, err error) {
	pool, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	// SET LOCAL only lasts for a transaction, which also pins one connection.
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, classifyPgError("beginning search", err)
	}
	defer func() {
		if rerr := tx.Rollback(ctx); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) && err == nil {
			err = classifyPgError("ending search", rerr)
		}
	}()
	for _, stmt := range b.searchSettings() {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return nil, classifyPgError("tuning search", err)
		}
	}

	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT id, content, metadata, embedding %[2]s $1::vector AS distance
		FROM %[1]s
		ORDER BY distance
		LIMIT $2`, b.table, pgOperator(b.cfg.MetricType)),
		formatVector(vector), k,
	)
	if err != nil {
		return nil, classifyPgError("searching", err)
	}
	results, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (ScoredDocument, error) {
		var (
			doc      Document
			raw      []byte
			distance float64
		)
		if err := row.Scan(&doc.ID, &doc.Content, &raw, &distance); err != nil {
			return ScoredDocument{}, err
		}
		md, err := decodeMetadataJSON(raw)
		if err != nil {
			return ScoredDocument{}, err
		}
		doc.Metadata = md
		return ScoredDocument{Document: doc, Score: pgScore(b.cfg.MetricType, distance)}, nil
	})
	if err != nil {
		return nil, classifyPgError("reading search results", err)
	}
	return results, nil
}

func (b *PgvectorBackend) count(ctx context.Context) (int, error) {
	pool, err := b.acquire(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, b.table)).Scan(&n); err != nil {
		return 0, classifyPgError("counting", err)
	}
	return int(n), nil
}

func (b *PgvectorBackend) lookup(ctx context.Context, ids []string) ([]Document, error) {
	pool, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT id, content, metadata FROM %s WHERE id = ANY($1)`, b.table), ids)
	if err != nil {
		return nil, classifyPgError("looking up ids", err)
	}
	docs, err := pgx.CollectRows(rows, scanDocument)
	if err != nil {
		return nil, classifyPgError("reading documents", err)
	}
	return docs, nil
}

func scanDocument(row pgx.CollectableRow) (Document, error) {
	var (
		doc Document
		raw []byte
	)
	if err := row.Scan(&doc.ID, &doc.Content, &raw); err != nil {
		return Document{}, err
	}
	md, err := decodeMetadataJSON(raw)
	if err != nil {
		return Document{}, err
	}
	doc.Metadata = md
	return doc, nil
}

// decodeMetadataJSON decodes a JSONB metadata object, keeping integers as
// int64.
func decodeMetadataJSON(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if len(obj) == 0 {
		return nil, nil
	}
	for k, v := range obj {
		n, err := fromJSONNumber(v)
		if err != nil {
			return nil, fmt.Errorf("decoding metadata %q: %w", k, err)
		}
		obj[k] = n
	}
	return obj, nil
}

// AllDocuments returns up to limit documents ordered by id.
func (b *PgvectorBackend) AllDocuments(ctx context.Context, limit int) (docs []Document, err error) {
	start := time.Now()
	ctx, span := b.startSpan(ctx, "AllDocuments")
	defer func() {
		observe(b.name, "all_documents", start, err)
		endSpan(span, err)
	}()

	pool, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT id, content, metadata FROM %s ORDER BY id LIMIT $1`, b.table),
		allDocumentsLimit(limit))
	if err != nil {
		return nil, classifyPgError("listing documents", err)
	}
	docs, err = pgx.CollectRows(rows, scanDocument)
	if err != nil {
		return nil, classifyPgError("reading documents", err)
	}
	span.SetAttributes(attribute.Int("result_count", len(docs)))
	return docs, nil
}

// Delete removes ids. Empty ids truncates the table.
func (b *PgvectorBackend) Delete(ctx context.Context, ids []string) (err error) {
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

	pool, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, b.table), ids); err != nil {
		return classifyPgError("deleting documents", err)
	}
	return nil
}

// Clear truncates the collection table. The schema and index stay.
func (b *PgvectorBackend) Clear(ctx context.Context) (err error) {
	start := time.Now()
	ctx, span := b.startSpan(ctx, "Clear")
	defer func() {
		observe(b.name, "clear", start, err)
		endSpan(span, err)
	}()

	pool, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(`TRUNCATE %s`, b.table)); err != nil {
		return classifyPgError("truncating", err)
	}
	b.logger.Info("collection cleared")
	return nil
}

// Close closes the connection pool.
func (b *PgvectorBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.pool != nil {
		b.pool.Close()
		b.pool = nil
	}
	return nil
}

// classifyPgError maps a pgx failure onto the vectorstore sentinels.
func classifyPgError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || pgconn.Timeout(err) ||
		errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %s: %w", ErrConnection, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUndefinedTable:
			return fmt.Errorf("%w: %s: %w", ErrNotFound, op, err)
		case strings.HasPrefix(pgErr.Code, pgInvalidAuthSpec), strings.HasPrefix(pgErr.Code, pgConnException):
			return fmt.Errorf("%w: %s: %w", ErrConnection, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
