package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// QdrantBackendName is the factory name of the clustered backend.
const QdrantBackendName = "qdrant"

const (
	// DefaultQdrantPort is Qdrant's gRPC port (NOT the HTTP REST port 6333).
	DefaultQdrantPort = 6334

	// qdrantMaxMessageSize lifts gRPC's 4MB default for large documents.
	qdrantMaxMessageSize = 50 * 1024 * 1024

	payloadIDKey       = "id"
	payloadContentKey  = "content"
	payloadMetadataKey = "metadata"
)

// pointNamespace derives stable Qdrant point UUIDs from document ids.
var pointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/fyrsmithlabs/ragd/points"))

// qdrantEndpoint is a parsed qdrant:// URI.
type qdrantEndpoint struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// parseQdrantURI parses qdrant://[api_key@]host[:port]. qdrants:// enables
// TLS; grpc(s):// and http(s):// are accepted as aliases.
func parseQdrantURI(raw string) (qdrantEndpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return qdrantEndpoint{}, fmt.Errorf("%w: parsing qdrant uri: %w", ErrConfiguration, err)
	}

	var ep qdrantEndpoint
	switch u.Scheme {
	case "qdrant", "grpc", "http":
	case "qdrants", "grpcs", "https":
		ep.UseTLS = true
	default:
		return qdrantEndpoint{}, fmt.Errorf("%w: unsupported qdrant uri scheme %q", ErrConfiguration, u.Scheme)
	}

	ep.Host = u.Hostname()
	if ep.Host == "" {
		return qdrantEndpoint{}, fmt.Errorf("%w: qdrant uri has no host", ErrConfiguration)
	}

	ep.Port = DefaultQdrantPort
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return qdrantEndpoint{}, fmt.Errorf("%w: invalid qdrant port %q", ErrConfiguration, p)
		}
		ep.Port = port
	}

	if u.User != nil {
		// Both key@host and :key@host are accepted.
		if pw, ok := u.User.Password(); ok && pw != "" {
			ep.APIKey = pw
		} else {
			ep.APIKey = u.User.Username()
		}
	}
	if key := u.Query().Get("api_key"); key != "" {
		ep.APIKey = key
	}
	return ep, nil
}

// Address returns host:port.
func (e qdrantEndpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// QdrantBackend is the clustered backend, talking to Qdrant over gRPC.
//
// Nothing touches the network until the first operation (or Connect). A
// failed connection attempt is not remembered, so the next call retries.
// Writes use wait=true so counts converge before the call returns.
type QdrantBackend struct {
	*core

	endpoint qdrantEndpoint
	client   *qdrant.Client

	mu     sync.Mutex
	ready  bool
	closed bool
}

var _ Backend = (*QdrantBackend)(nil)

// NewQdrantBackend creates a backend for cfg.PathOrURI. It performs no
// network I/O.
func NewQdrantBackend(cfg StoreConfig, embedder Embedder, logger *zap.Logger) (*QdrantBackend, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrConfiguration)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.IndexType == IndexIVFFlat {
		return nil, fmt.Errorf("%w: qdrant does not support the %s index", ErrConfiguration, IndexIVFFlat)
	}
	ep, err := parseQdrantURI(cfg.PathOrURI)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   ep.Host,
		Port:   ep.Port,
		APIKey: ep.APIKey,
		UseTLS: ep.UseTLS,
		// Compatibility is checked by the health check in Connect.
		SkipCompatibilityCheck: true,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(qdrantMaxMessageSize),
				grpc.MaxCallSendMsgSize(qdrantMaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating qdrant client: %w", ErrConnection, err)
	}

	b := &QdrantBackend{endpoint: ep, client: client}
	b.core = newCore(QdrantBackendName, cfg, embedder, logger, b)
	if !ep.UseTLS {
		b.logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("address", ep.Address()))
	}
	return b, nil
}

// Connect forces the lazy connection: a health check, then creating or
// validating the collection.
func (b *QdrantBackend) Connect(ctx context.Context) error {
	return b.prepare(ctx)
}

func (b *QdrantBackend) prepare(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: backend is closed", ErrConnection)
	}
	if b.ready {
		return nil
	}

	start := time.Now()
	if _, err := b.client.HealthCheck(ctx); err != nil {
		err = classifyQdrantError("health check", err)
		observe(b.name, "connect", start, err)
		return err
	}
	err := b.ensureCollection(ctx)
	observe(b.name, "connect", start, err)
	if err != nil {
		return err
	}
	b.ready = true
	b.logger.Info("qdrant backend connected", zap.String("address", b.endpoint.Address()))
	return nil
}

// ensureCollection creates the collection if absent, or checks that an
// existing one matches the configured metric and vector size.
func (b *QdrantBackend) ensureCollection(ctx context.Context) error {
	name := b.cfg.CollectionName
	exists, err := b.client.CollectionExists(ctx, name)
	if err != nil {
		return classifyQdrantError("checking collection", err)
	}
	if !exists {
		return b.createCollection(ctx)
	}

	info, err := b.client.GetCollectionInfo(ctx, name)
	if err != nil {
		return classifyQdrantError("getting collection info", err)
	}
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		return fmt.Errorf("%w: collection %s uses named vectors", ErrConfiguration, name)
	}
	if want := qdrantDistance(b.cfg.MetricType); params.GetDistance() != want {
		return fmt.Errorf("%w: collection %s was created with distance %s, opened with metric %s",
			ErrConfiguration, name, params.GetDistance(), b.cfg.MetricType)
	}
	if b.cfg.VectorSize > 0 && params.GetSize() != uint64(b.cfg.VectorSize) {
		return fmt.Errorf("%w: collection %s has vector size %d, opened with %d",
			ErrConfiguration, name, params.GetSize(), b.cfg.VectorSize)
	}
	return nil
}

func (b *QdrantBackend) createCollection(ctx context.Context) error {
	if b.cfg.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size is required to create qdrant collection %s", ErrConfiguration, b.cfg.CollectionName)
	}
	vectorParams := &qdrant.VectorParams{
		Size:     uint64(b.cfg.VectorSize),
		Distance: qdrantDistance(b.cfg.MetricType),
	}
	req := &qdrant.CreateCollection{
		CollectionName: b.cfg.CollectionName,
		VectorsConfig:  qdrant.NewVectorsConfig(vectorParams),
	}
	if b.cfg.IndexType == IndexHNSW {
		hnsw := &qdrant.HnswConfigDiff{}
		if b.cfg.HNSW.M > 0 {
			hnsw.M = qdrant.PtrOf(uint64(b.cfg.HNSW.M))
		}
		if b.cfg.HNSW.EfConstruct > 0 {
			hnsw.EfConstruct = qdrant.PtrOf(uint64(b.cfg.HNSW.EfConstruct))
		}
		req.HnswConfig = hnsw
	}
	if err := b.client.CreateCollection(ctx, req); err != nil {
		return classifyQdrantError("creating collection", err)
	}
	b.logger.Info("qdrant collection created",
		zap.Int("vector_size", b.cfg.VectorSize),
		zap.String("metric", string(b.cfg.MetricType)),
		zap.String("index", string(b.cfg.IndexType)),
	)
	return nil
}

func qdrantDistance(m MetricType) qdrant.Distance {
	switch m {
	case MetricCosine:
		return qdrant.Distance_Cosine
	case MetricInnerProduct:
		return qdrant.Distance_Dot
	default:
		return qdrant.Distance_Euclid
	}
}

// searchParams maps the index type onto per-query parameters. FLAT runs an
// exact scan over the HNSW-backed collection.
func (b *QdrantBackend) searchParams() *qdrant.SearchParams {
	switch b.cfg.IndexType {
	case IndexFlat:
		return &qdrant.SearchParams{Exact: qdrant.PtrOf(true)}
	case IndexHNSW:
		if b.cfg.HNSW.EfSearch > 0 {
			return &qdrant.SearchParams{HnswEf: qdrant.PtrOf(uint64(b.cfg.HNSW.EfSearch))}
		}
	}
	return nil
}

// pointID maps a document id onto a deterministic UUID point id.
func pointID(id string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(id)).String())
}

func (b *QdrantBackend) insert(ctx context.Context, doc Document, vector []float32) error {
	payload := map[string]any{
		payloadIDKey:      doc.ID,
		payloadContentKey: doc.Content,
	}
	if len(doc.Metadata) > 0 {
		metadata := make(map[string]any, len(doc.Metadata))
		for k, v := range doc.Metadata {
			metadata[k] = normalizeScalar(v)
		}
		payload[payloadMetadataKey] = metadata
	}
	values, err := qdrant.TryValueMap(payload)
	if err != nil {
		return fmt.Errorf("%w: encoding payload: %w", ErrConfiguration, err)
	}

	_, err = b.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: b.cfg.CollectionName,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      pointID(doc.ID),
			Vectors: qdrant.NewVectors(vector...),
			Payload: values,
		}},
	})
	if err != nil {
		return classifyQdrantError("upserting point", err)
	}
	return nil
}

// normalizeScalar widens the integer kinds qdrant.NewValue does not accept.
func normalizeScalar(v any) any {
	switch n := v.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	default:
		return v
	}
}

func (b *QdrantBackend) search(ctx context.Context, vector []float32, k int) ([]ScoredDocument, error) {
	points, err := b.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: b.cfg.CollectionName,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		Params:         b.searchParams(),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, classifyQdrantError("querying points", err)
	}
	results := make([]ScoredDocument, 0, len(points))
	for _, p := range points {
		results = append(results, ScoredDocument{
			Document: documentFromPayload(p.GetPayload()),
			Score:    p.GetScore(),
		})
	}
	return results, nil
}

func (b *QdrantBackend) count(ctx context.Context) (int, error) {
	n, err := b.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: b.cfg.CollectionName,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, classifyQdrantError("counting points", err)
	}
	return int(n), nil
}

func (b *QdrantBackend) lookup(ctx context.Context, ids []string) ([]Document, error) {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, pointID(id))
	}
	points, err := b.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: b.cfg.CollectionName,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, classifyQdrantError("getting points", err)
	}
	docs := make([]Document, 0, len(points))
	for _, p := range points {
		docs = append(docs, documentFromPayload(p.GetPayload()))
	}
	return docs, nil
}

// AllDocuments scrolls up to limit documents in point id order.
func (b *QdrantBackend) AllDocuments(ctx context.Context, limit int) (docs []Document, err error) {
	start := time.Now()
	ctx, span := b.startSpan(ctx, "AllDocuments")
	defer func() {
		observe(b.name, "all_documents", start, err)
		endSpan(span, err)
	}()

	if err := b.prepare(ctx); err != nil {
		return nil, err
	}
	points, err := b.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: b.cfg.CollectionName,
		Limit:          qdrant.PtrOf(uint32(allDocumentsLimit(limit))),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, classifyQdrantError("scrolling points", err)
	}
	docs = make([]Document, 0, len(points))
	for _, p := range points {
		docs = append(docs, documentFromPayload(p.GetPayload()))
	}
	span.SetAttributes(attribute.Int("result_count", len(docs)))
	return docs, nil
}

// Delete removes ids. Empty ids clears the collection.
func (b *QdrantBackend) Delete(ctx context.Context, ids []string) (err error) {
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
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, pointID(id))
	}
	_, err = b.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: b.cfg.CollectionName,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return classifyQdrantError("deleting points", err)
	}
	return nil
}

// Clear deletes the collection and recreates it with the same parameters.
func (b *QdrantBackend) Clear(ctx context.Context) (err error) {
	start := time.Now()
	ctx, span := b.startSpan(ctx, "Clear")
	defer func() {
		observe(b.name, "clear", start, err)
		endSpan(span, err)
	}()

	if err := b.prepare(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.client.DeleteCollection(ctx, b.cfg.CollectionName); err != nil {
		return classifyQdrantError("deleting collection", err)
	}
	if err := b.createCollection(ctx); err != nil {
		// The collection is gone; make the next call try to recreate it.
		b.ready = false
		return err
	}
	b.logger.Info("collection cleared")
	return nil
}

// Close closes the gRPC connection pool.
func (b *QdrantBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

func documentFromPayload(payload map[string]*qdrant.Value) Document {
	doc := Document{
		ID:      payload[payloadIDKey].GetStringValue(),
		Content: payload[payloadContentKey].GetStringValue(),
	}
	if fields := payload[payloadMetadataKey].GetStructValue().GetFields(); len(fields) > 0 {
		doc.Metadata = make(map[string]any, len(fields))
		for k, v := range fields {
			doc.Metadata[k] = qdrantValue(v)
		}
	}
	return doc
}

// qdrantValue converts a payload value back into a Go scalar.
func qdrantValue(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	default:
		return nil
	}
}

// classifyQdrantError maps a gRPC failure onto the vectorstore sentinels.
func classifyQdrantError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrConnection, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Unauthenticated, grpccodes.PermissionDenied:
		return fmt.Errorf("%w: %s: %w", ErrConnection, op, err)
	case grpccodes.NotFound:
		return fmt.Errorf("%w: %s: %w", ErrNotFound, op, err)
	case grpccodes.Canceled:
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
	}
}
