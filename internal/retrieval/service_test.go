package retrieval_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/retrieval"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var keywords = []string{"pie", "rocket", "dessert", "engine"}

// keywordEmbedder counts keyword occurrences, plus one bias dimension so no
// vector is zero.
type keywordEmbedder struct{}

func embed(text string) []float32 {
	v := make([]float32, len(keywords)+1)
	v[len(keywords)] = 0.1
	for _, w := range strings.Fields(strings.ToLower(text)) {
		for i, k := range keywords {
			if w == k {
				v[i]++
			}
		}
	}
	return v
}

func (keywordEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = embed(t)
	}
	return out, nil
}

func (keywordEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return embed(text), nil
}

func (keywordEmbedder) Dimension() int { return len(keywords) + 1 }

// gatedEmbedder blocks until released and tracks peak concurrency.
type gatedEmbedder struct {
	keywordEmbedder
	release chan struct{}
	current atomic.Int32
	peak    atomic.Int32
}

func (g *gatedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	n := g.current.Add(1)
	defer g.current.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.keywordEmbedder.EmbedDocuments(ctx, texts)
}

var errDown = errors.New("provider down")

type failingEmbedder struct{ keywordEmbedder }

func (failingEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errDown
}

type shortEmbedder struct{ keywordEmbedder }

func (shortEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return [][]float32{embed(texts[0])}, nil
}

func newService(t *testing.T, embedder vectorstore.Embedder, opts ...retrieval.Option) *retrieval.Service {
	t.Helper()
	cfg, err := vectorstore.NewStoreConfig(t.TempDir(), vectorstore.WithCollectionName("t1"))
	require.NoError(t, err)
	backend, err := vectorstore.Open(context.Background(), "chromem", cfg, keywordEmbedder{}, zap.NewNop())
	require.NoError(t, err)

	svc, err := retrieval.New(backend, embedder, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func seed(t *testing.T, svc *retrieval.Service) {
	t.Helper()
	res, err := svc.AddDocuments(context.Background(), []vectorstore.Document{
		{ID: "pie", Content: "apple pie recipe"},
		{ID: "rocket", Content: "rocket engine design"},
		{ID: "dessert", Content: "fruit dessert tips"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"pie", "rocket", "dessert"}, res.Added)
}

func TestNew_Validation(t *testing.T) {
	_, err := retrieval.New(nil, keywordEmbedder{})
	assert.ErrorIs(t, err, vectorstore.ErrConfiguration)

	cfg, err := vectorstore.NewStoreConfig(t.TempDir())
	require.NoError(t, err)
	backend, err := vectorstore.Open(context.Background(), "chromem", cfg, keywordEmbedder{}, nil)
	require.NoError(t, err)
	defer backend.Close()

	_, err = retrieval.New(backend, nil)
	assert.ErrorIs(t, err, vectorstore.ErrConfiguration)

	svc, err := retrieval.New(backend, keywordEmbedder{}, retrieval.WithWorkers(3), retrieval.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	assert.Equal(t, 3, svc.Workers())
	assert.Equal(t, vectorstore.ChromemBackendName, svc.Name())
	assert.Same(t, backend, svc.Backend())

	svc, err = retrieval.New(backend, keywordEmbedder{}, retrieval.WithWorkers(0))
	require.NoError(t, err)
	assert.Positive(t, svc.Workers())
}

func TestService_RoutesToBackend(t *testing.T) {
	svc := newService(t, keywordEmbedder{})
	ctx := context.Background()
	seed(t, svc)

	assert.Equal(t, 3, svc.DocumentsCount(ctx))
	assert.Equal(t, vectorstore.CollectionInfo{CollectionName: "t1", TotalEntities: 3}, svc.CollectionInfo(ctx))
	assert.Equal(t, "t1", svc.Config().CollectionName)

	docs, err := svc.Query(ctx, "pie", 1)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "pie", docs[0].ID)

	scored, err := svc.QueryWithScore(ctx, "rocket engine", 2)
	require.NoError(t, err)
	require.Len(t, scored, 2)
	assert.Equal(t, "rocket", scored[0].Document.ID)
	assert.LessOrEqual(t, scored[0].Score, scored[1].Score)

	found, err := svc.SearchByIDs(ctx, []string{"dessert", "missing"}, vectorstore.LookupExact)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "fruit dessert tips", found[0].Content)

	all, err := svc.AllDocuments(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, svc.Delete(ctx, []string{"rocket"}))
	assert.Equal(t, 2, svc.DocumentsCount(ctx))

	require.NoError(t, svc.Clear(ctx))
	assert.Equal(t, 0, svc.DocumentsCount(ctx))
	require.NoError(t, svc.Ping(ctx))
}

func TestService_AddEmpty(t *testing.T) {
	svc := newService(t, keywordEmbedder{})
	res, err := svc.AddDocuments(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Added)
	assert.False(t, res.PartialFailure())
}

func TestService_Retriever(t *testing.T) {
	svc := newService(t, keywordEmbedder{})
	seed(t, svc)

	r, err := svc.Retriever(vectorstore.SearchTypeSimilarity, 2)
	require.NoError(t, err)
	docs, err := r.GetRelevantDocuments(context.Background(), "pie dessert")
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	_, err = svc.Retriever("keyword", 2)
	assert.ErrorIs(t, err, vectorstore.ErrConfiguration)
	_, err = svc.Retriever(vectorstore.SearchTypeSimilarity, 0)
	assert.ErrorIs(t, err, vectorstore.ErrConfiguration)
}

// droppingBackend stores the first document of a batch and then reports a
// lost connection, the way networked backends do mid-batch.
type droppingBackend struct {
	vectorstore.Backend
}

func (d droppingBackend) AddDocuments(ctx context.Context, docs []vectorstore.Document) (*vectorstore.AddResult, error) {
	res, err := d.Backend.AddDocuments(ctx, docs[:1])
	if err != nil {
		return nil, err
	}
	lost := fmt.Errorf("%w: connection reset", vectorstore.ErrConnection)
	for i := 1; i < len(docs); i++ {
		res.Failed = append(res.Failed, vectorstore.Failure{Index: i, ID: docs[i].ID, Err: lost})
	}
	return res, fmt.Errorf("connection lost after 1 of %d documents: %w", len(docs), lost)
}

func TestService_AddDocumentsKeepsPartialResult(t *testing.T) {
	cfg, err := vectorstore.NewStoreConfig(t.TempDir())
	require.NoError(t, err)
	backend, err := vectorstore.Open(context.Background(), "chromem", cfg, keywordEmbedder{}, zap.NewNop())
	require.NoError(t, err)
	svc, err := retrieval.New(droppingBackend{backend}, keywordEmbedder{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	res, err := svc.AddDocuments(context.Background(), []vectorstore.Document{
		{ID: "a", Content: "apple pie"},
		{ID: "b", Content: "rocket engine"},
	})
	assert.ErrorIs(t, err, vectorstore.ErrConnection)
	require.NotNil(t, res)
	assert.Equal(t, []string{"a"}, res.Added)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "b", res.Failed[0].ID)
	assert.True(t, res.PartialFailure())
}

func TestService_Embed(t *testing.T) {
	svc := newService(t, keywordEmbedder{})
	ctx := context.Background()

	vectors, err := svc.Embed(ctx, []string{"pie", "rocket rocket"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, float32(1), vectors[0][0])
	assert.Equal(t, float32(2), vectors[1][1])

	_, err = svc.Embed(ctx, nil)
	assert.ErrorIs(t, err, vectorstore.ErrConfiguration)
}

func TestService_EmbedErrors(t *testing.T) {
	ctx := context.Background()

	_, err := newService(t, failingEmbedder{}).Embed(ctx, []string{"pie"})
	assert.ErrorIs(t, err, vectorstore.ErrEmbedding)
	assert.ErrorIs(t, err, errDown)

	_, err = newService(t, shortEmbedder{}).Embed(ctx, []string{"pie", "rocket"})
	assert.ErrorIs(t, err, vectorstore.ErrEmbedding)
	assert.Contains(t, err.Error(), "1 vectors for 2 texts")
}

func TestService_PoolBoundsConcurrency(t *testing.T) {
	gate := &gatedEmbedder{release: make(chan struct{})}
	svc := newService(t, gate, retrieval.WithWorkers(2))

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Embed(context.Background(), []string{"pie"})
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return gate.current.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(gate.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(2), gate.peak.Load())
}

func TestService_Timeout(t *testing.T) {
	gate := &gatedEmbedder{release: make(chan struct{})}
	svc := newService(t, gate, retrieval.WithTimeout(20*time.Millisecond))

	_, err := svc.Embed(context.Background(), []string{"pie"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, vectorstore.ErrEmbedding)
}

func TestService_SaturatedPool(t *testing.T) {
	gate := &gatedEmbedder{release: make(chan struct{})}
	svc := newService(t, gate, retrieval.WithWorkers(1))
	seed(t, svc)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.Embed(context.Background(), []string{"pie"})
	}()
	require.Eventually(t, func() bool { return gate.current.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.Query(ctx, "pie", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Diagnostics degrade to zero values instead of failing.
	assert.Equal(t, 0, svc.DocumentsCount(ctx))
	assert.Equal(t, vectorstore.CollectionInfo{CollectionName: "t1"}, svc.CollectionInfo(ctx))
	docs, err := svc.SearchByIDs(ctx, []string{"pie"}, vectorstore.LookupApproximate)
	require.NoError(t, err)
	assert.Empty(t, docs)

	close(gate.release)
	<-done
}
