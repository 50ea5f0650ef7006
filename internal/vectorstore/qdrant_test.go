package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestParseQdrantURI(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		want    qdrantEndpoint
		wantErr bool
	}{
		{
			name: "host only",
			uri:  "qdrant://localhost",
			want: qdrantEndpoint{Host: "localhost", Port: DefaultQdrantPort},
		},
		{
			name: "host and port",
			uri:  "qdrant://qdrant.internal:7000",
			want: qdrantEndpoint{Host: "qdrant.internal", Port: 7000},
		},
		{
			name: "api key as user",
			uri:  "qdrant://secret@localhost:6334",
			want: qdrantEndpoint{Host: "localhost", Port: 6334, APIKey: "secret"},
		},
		{
			name: "api key as password",
			uri:  "qdrant://:secret@localhost",
			want: qdrantEndpoint{Host: "localhost", Port: DefaultQdrantPort, APIKey: "secret"},
		},
		{
			name: "api key query",
			uri:  "qdrants://cloud.example.com?api_key=abc",
			want: qdrantEndpoint{Host: "cloud.example.com", Port: DefaultQdrantPort, APIKey: "abc", UseTLS: true},
		},
		{
			name: "grpcs alias",
			uri:  "grpcs://cloud.example.com:443",
			want: qdrantEndpoint{Host: "cloud.example.com", Port: 443, UseTLS: true},
		},
		{
			name: "ipv6",
			uri:  "qdrant://[::1]:6334",
			want: qdrantEndpoint{Host: "::1", Port: 6334},
		},
		{name: "filesystem path", uri: "/var/lib/ragd", wantErr: true},
		{name: "unsupported scheme", uri: "postgres://localhost", wantErr: true},
		{name: "missing host", uri: "qdrant://:6334", wantErr: true},
		{name: "bad port", uri: "qdrant://localhost:99999", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseQdrantURI(tt.uri)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQdrantEndpoint_Address(t *testing.T) {
	assert.Equal(t, "localhost:6334", qdrantEndpoint{Host: "localhost", Port: 6334}.Address())
	assert.Equal(t, "[::1]:6334", qdrantEndpoint{Host: "::1", Port: 6334}.Address())
}

func TestClassifyQdrantError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unavailable", status.Error(grpccodes.Unavailable, "connection refused"), ErrConnection},
		{"deadline", status.Error(grpccodes.DeadlineExceeded, "slow"), ErrConnection},
		{"unauthenticated", status.Error(grpccodes.Unauthenticated, "bad key"), ErrConnection},
		{"permission", status.Error(grpccodes.PermissionDenied, "read only key"), ErrConnection},
		{"not found", status.Error(grpccodes.NotFound, "collection missing"), ErrNotFound},
		{"internal", status.Error(grpccodes.Internal, "disk full"), ErrStorage},
		{"wrapped status", fmt.Errorf("upsert: %w", status.Error(grpccodes.Unavailable, "down")), ErrConnection},
		{"context deadline", context.DeadlineExceeded, ErrConnection},
		{"plain error", errors.New("boom"), ErrStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyQdrantError("op", tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.err)
		})
	}

	t.Run("cancellation is not reclassified", func(t *testing.T) {
		got := classifyQdrantError("op", context.Canceled)
		assert.ErrorIs(t, got, context.Canceled)
		for _, sentinel := range []error{ErrConnection, ErrStorage, ErrNotFound} {
			assert.NotErrorIs(t, got, sentinel)
		}
	})

	assert.NoError(t, classifyQdrantError("op", nil))
}

func TestPointID_Deterministic(t *testing.T) {
	a := pointID("doc-1").GetUuid()
	assert.NotEmpty(t, a)
	assert.Equal(t, a, pointID("doc-1").GetUuid())
	assert.NotEqual(t, a, pointID("doc-2").GetUuid())
}

func TestQdrantDistance(t *testing.T) {
	assert.Equal(t, qdrant.Distance_Euclid, qdrantDistance(MetricL2))
	assert.Equal(t, qdrant.Distance_Cosine, qdrantDistance(MetricCosine))
	assert.Equal(t, qdrant.Distance_Dot, qdrantDistance(MetricInnerProduct))
}

func TestDocumentFromPayload(t *testing.T) {
	metadata := map[string]any{"source": "wiki", "page": int64(3), "score": 0.5, "draft": true}
	values, err := qdrant.TryValueMap(map[string]any{
		payloadIDKey:       "doc-1",
		payloadContentKey:  "apple pie recipe",
		payloadMetadataKey: metadata,
	})
	require.NoError(t, err)

	doc := documentFromPayload(values)
	assert.Equal(t, "doc-1", doc.ID)
	assert.Equal(t, "apple pie recipe", doc.Content)
	assert.Equal(t, metadata, doc.Metadata)

	values, err = qdrant.TryValueMap(map[string]any{payloadIDKey: "doc-2", payloadContentKey: "x"})
	require.NoError(t, err)
	assert.Nil(t, documentFromPayload(values).Metadata)
}

func TestNormalizeScalar(t *testing.T) {
	assert.Equal(t, int64(1), normalizeScalar(int8(1)))
	assert.Equal(t, int64(2), normalizeScalar(uint16(2)))
	assert.Equal(t, "x", normalizeScalar("x"))

	// Every scalar validateMetadata accepts must be encodable.
	for _, v := range []any{nil, "s", true, 1, int8(1), int16(1), int32(1), int64(1),
		uint(1), uint8(1), uint16(1), uint32(1), uint64(1), float32(1), 1.0} {
		_, err := qdrant.TryValueMap(map[string]any{"v": normalizeScalar(v)})
		assert.NoError(t, err, "%T", v)
	}
}

func newTestQdrant(t *testing.T, uri string, opts ...Option) *QdrantBackend {
	t.Helper()
	cfg, err := NewStoreConfig(uri, opts...)
	require.NoError(t, err)
	b, err := NewQdrantBackend(cfg, stubEmbedder{vectors: [][]float32{{1, 0}}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNewQdrantBackend_Config(t *testing.T) {
	_, err := NewQdrantBackend(StoreConfig{PathOrURI: "qdrant://localhost"}, nil, nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	cfg, err := NewStoreConfig("qdrant://localhost", WithIndexType(IndexIVFFlat))
	require.NoError(t, err)
	_, err = NewQdrantBackend(cfg, stubEmbedder{}, nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	b := newTestQdrant(t, "qdrant://localhost:6334", WithIndexType(IndexHNSW), WithHNSW(HNSWParams{EfSearch: 128}))
	assert.Equal(t, QdrantBackendName, b.Name())
	assert.Equal(t, uint64(128), b.searchParams().GetHnswEf())

	flat := newTestQdrant(t, "qdrant://localhost:6334")
	assert.True(t, flat.searchParams().GetExact())
}

// closedPort returns a local port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestQdrantBackend_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b := newTestQdrant(t, fmt.Sprintf("qdrant://127.0.0.1:%d", closedPort(t)), WithCollectionName("t1"))

	info := b.CollectionInfo(ctx)
	assert.Equal(t, "t1", info.CollectionName)
	assert.Zero(t, info.TotalEntities)
	assert.Zero(t, b.DocumentsCount(ctx))

	docs, err := b.SearchByIDs(ctx, []string{"a"}, LookupApproximate)
	assert.NoError(t, err)
	assert.Empty(t, docs)

	err = b.Connect(ctx)
	assert.ErrorIs(t, err, ErrConnection)

	_, err = b.AddDocuments(ctx, []Document{{Content: "x"}})
	assert.ErrorIs(t, err, ErrConnection)

	_, err = b.Query(ctx, "x", 1)
	assert.ErrorIs(t, err, ErrConnection)
}

func TestQdrantBackend_Closed(t *testing.T) {
	b := newTestQdrant(t, "qdrant://localhost")
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	err := b.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
}
