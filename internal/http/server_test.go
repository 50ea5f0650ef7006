package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/chat"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/retrieval"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var keywords = []string{"pie", "rocket", "dessert", "engine"}

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

type failingEmbedder struct{ keywordEmbedder }

func (failingEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("provider down")
}

func newStore(t *testing.T, embedder vectorstore.Embedder) *retrieval.Service {
	t.Helper()
	cfg, err := vectorstore.NewStoreConfig(t.TempDir(), vectorstore.WithCollectionName("http"))
	require.NoError(t, err)
	backend, err := vectorstore.Open(context.Background(), "chromem", cfg, embedder, zap.NewNop())
	require.NoError(t, err)
	svc, err := retrieval.New(backend, embedder)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func newTestServer(t *testing.T, store Store, cfg *Config, opts ...Option) (*Server, *logging.TestLogger) {
	t.Helper()
	logger := logging.NewTestLogger()
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 8000, EmbeddingModel: "keyword"}
	}
	srv, err := NewServer(store, logger.Logger, cfg, opts...)
	require.NoError(t, err)
	return srv, logger
}

func do(t *testing.T, srv *Server, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func seed(t *testing.T, srv *Server) {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/api/v1/documents", AddDocumentsRequest{Documents: []vectorstore.Document{
		{ID: "pie", Content: "apple pie recipe", Metadata: map[string]any{"kind": "food"}},
		{ID: "rocket", Content: "rocket engine design"},
		{ID: "dessert", Content: "fruit dessert tips"},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil, logging.NewNop(), nil)
	assert.Error(t, err)

	_, err = NewServer(newStore(t, keywordEmbedder{}), nil, nil)
	assert.Error(t, err)

	srv, err := NewServer(newStore(t, keywordEmbedder{}), logging.NewNop(), nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8000", srv.Addr())
	assert.Equal(t, 4, srv.config.DefaultK)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	store := newStore(t, keywordEmbedder{})

	t.Run("ping", func(t *testing.T) {
		srv, _ := newTestServer(t, store, nil)
		rec := do(t, srv, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[HealthResponse](t, rec)
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "chromem", resp.Backend)
		assert.Nil(t, resp.LastCheck)
	})

	t.Run("unhealthy monitor", func(t *testing.T) {
		hm := vectorstore.NewHealthMonitor(context.Background(), pingFunc(func(context.Context) error {
			return fmt.Errorf("%w: refused", vectorstore.ErrConnection)
		}), time.Hour, nil)
		t.Cleanup(hm.Stop)

		srv, _ := newTestServer(t, store, nil, WithHealthMonitor(hm))
		rec := do(t, srv, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		resp := decode[HealthResponse](t, rec)
		assert.Equal(t, "unavailable", resp.Status)
		assert.Contains(t, resp.Error, "refused")
		require.NotNil(t, resp.LastCheck)
		assert.WithinDuration(t, hm.LastCheck(), *resp.LastCheck, time.Second)
	})
}

func TestEmbeddings(t *testing.T) {
	srv, _ := newTestServer(t, newStore(t, keywordEmbedder{}), nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/embeddings", `{"input":"apple pie"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[EmbeddingResponse](t, rec)
	assert.Equal(t, "list", resp.Object)
	assert.Equal(t, "keyword", resp.Model)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "embedding", resp.Data[0].Object)
	assert.Equal(t, embed("apple pie"), resp.Data[0].Embedding)
	assert.Zero(t, resp.Usage.TotalTokens)

	rec = do(t, srv, http.MethodPost, "/api/v1/embeddings", `{"input":["pie","rocket"],"model":"custom"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[EmbeddingResponse](t, rec)
	assert.Equal(t, "custom", resp.Model)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, 1, resp.Data[1].Index)

	for _, body := range []string{`{"input":[]}`, `{}`, `{"input":42}`} {
		rec = do(t, srv, http.MethodPost, "/api/v1/embeddings", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestEmbeddings_ProviderFailure(t *testing.T) {
	srv, _ := newTestServer(t, newStore(t, failingEmbedder{}), nil)
	rec := do(t, srv, http.MethodPost, "/api/v1/embeddings", `{"input":"x"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestDocuments_Lifecycle(t *testing.T) {
	srv, _ := newTestServer(t, newStore(t, keywordEmbedder{}), nil)
	seed(t, srv)

	rec := do(t, srv, http.MethodGet, "/api/v1/documents?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[DocumentsResponse](t, rec).Documents, 2)

	rec = do(t, srv, http.MethodGet, "/api/v1/documents?limit=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/documents/lookup", LookupRequest{IDs: []string{"rocket", "missing", "pie"}})
	require.Equal(t, http.StatusOK, rec.Code)
	docs := decode[DocumentsResponse](t, rec).Documents
	require.Len(t, docs, 2)
	assert.Equal(t, "rocket", docs[0].ID)
	assert.Equal(t, "pie", docs[1].ID)
	assert.Equal(t, "food", docs[1].Metadata["kind"])

	rec = do(t, srv, http.MethodPost, "/api/v1/documents/lookup", LookupRequest{IDs: []string{"x"}, Mode: "fuzzy"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, srv, http.MethodPost, "/api/v1/documents/lookup", LookupRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodDelete, "/api/v1/documents", DeleteRequest{IDs: []string{"pie"}})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/collection/count", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[CountResponse](t, rec).Count)

	rec = do(t, srv, http.MethodDelete, "/api/v1/documents", DeleteRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodDelete, "/api/v1/documents", DeleteRequest{All: true})
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, srv, http.MethodGet, "/api/v1/collection/count", nil)
	assert.Equal(t, 0, decode[CountResponse](t, rec).Count)
}

func TestAddDocuments_PartialFailure(t *testing.T) {
	srv, _ := newTestServer(t, newStore(t, keywordEmbedder{}), nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/documents", `{"documents":[
		{"id":"ok","content":"apple pie"},
		{"id":"bad","content":"rocket","metadata":{"tags":["a","b"]}}
	]}`)
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())
	resp := decode[AddDocumentsResponse](t, rec)
	assert.Equal(t, []string{"ok"}, resp.Added)
	require.Len(t, resp.Failed, 1)
	assert.Equal(t, 1, resp.Failed[0].Index)
	assert.Equal(t, "bad", resp.Failed[0].ID)
	assert.Contains(t, resp.Failed[0].Error, "non-scalar")
}

func TestAddDocuments_AllFailed(t *testing.T) {
	srv, _ := newTestServer(t, newStore(t, failingEmbedder{}), nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/documents", AddDocumentsRequest{Documents: []vectorstore.Document{
		{ID: "a", Content: "pie"},
		{ID: "b", Content: "rocket"},
	}})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decode[AddDocumentsResponse](t, rec)
	assert.Empty(t, resp.Added)
	assert.Len(t, resp.Failed, 2)
}

// interruptedStore stores the first document, then reports a lost
// connection together with the partial result.
type interruptedStore struct {
	*retrieval.Service
}

func (s interruptedStore) AddDocuments(ctx context.Context, docs []vectorstore.Document) (*vectorstore.AddResult, error) {
	res, err := s.Service.AddDocuments(ctx, docs[:1])
	if err != nil {
		return nil, err
	}
	lost := fmt.Errorf("%w: connection reset", vectorstore.ErrConnection)
	for i := 1; i < len(docs); i++ {
		res.Failed = append(res.Failed, vectorstore.Failure{Index: i, ID: docs[i].ID, Err: lost})
	}
	return res, fmt.Errorf("connection lost: %w", lost)
}

func TestAddDocuments_ConnectionLostMidBatch(t *testing.T) {
	srv, logger := newTestServer(t, interruptedStore{newStore(t, keywordEmbedder{})}, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/documents", AddDocumentsRequest{Documents: []vectorstore.Document{
		{ID: "a", Content: "apple pie"},
		{ID: "b", Content: "rocket engine"},
		{ID: "c", Content: "fruit dessert"},
	}})
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())
	resp := decode[AddDocumentsResponse](t, rec)
	assert.Equal(t, []string{"a"}, resp.Added)
	require.Len(t, resp.Failed, 2)
	assert.Equal(t, "b", resp.Failed[0].ID)
	assert.Contains(t, resp.Failed[0].Error, "connection")
	logger.AssertLogged(t, zapcore.WarnLevel, "add documents interrupted")

	rec = do(t, srv, http.MethodGet, "/api/v1/collection/count", nil)
	assert.JSONEq(t, `{"count":1}`, rec.Body.String())
}

func TestAddDocuments_Empty(t *testing.T) {
	srv, _ := newTestServer(t, newStore(t, keywordEmbedder{}), nil)
	rec := do(t, srv, http.MethodPost, "/api/v1/documents", `{"documents":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"added":[]}`, rec.Body.String())
}

func TestQuery(t *testing.T) {
	srv, _ := newTestServer(t, newStore(t, keywordEmbedder{}), nil)
	seed(t, srv)

	rec := do(t, srv, http.MethodPost, "/api/v1/query", QueryRequest{Query: "rocket engine", K: 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	docs := decode[DocumentsResponse](t, rec).Documents
	require.Len(t, docs, 1)
	assert.Equal(t, "rocket", docs[0].ID)

	rec = do(t, srv, http.MethodPost, "/api/v1/query", QueryRequest{Query: "pie", WithScores: true})
	require.Equal(t, http.StatusOK, rec.Code)
	results := decode[ScoredDocumentsResponse](t, rec).Results
	require.Len(t, results, 3)
	assert.Equal(t, "pie", results[0].Document.ID)

	rec = do(t, srv, http.MethodPost, "/api/v1/query", QueryRequest{Query: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/query", QueryRequest{Query: "pie", K: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCollection(t *testing.T) {
	srv, _ := newTestServer(t, newStore(t, keywordEmbedder{}), nil)
	seed(t, srv)

	rec := do(t, srv, http.MethodGet, "/api/v1/collection", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[vectorstore.CollectionInfo](t, rec)
	assert.Equal(t, "http", info.CollectionName)
	assert.Equal(t, 3, info.TotalEntities)

	rec = do(t, srv, http.MethodPost, "/api/v1/collection/clear", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/collection/count", nil)
	assert.Equal(t, 0, decode[CountResponse](t, rec).Count)
}

type fakeChat struct {
	chunks []string
	err    error
	got    chat.Request
}

func (f *fakeChat) answer(ctx context.Context, req chat.Request) (*chat.Answer, error) {
	f.got = req
	if strings.TrimSpace(req.Question) == "" {
		return nil, chat.ErrEmptyQuestion
	}
	docs, err := req.Retriever.GetRelevantDocuments(ctx, req.Question)
	if err != nil {
		return nil, err
	}
	sources := make([]chat.Source, len(docs))
	for i, d := range docs {
		sources[i] = chat.Source{Content: d.PageContent, Score: d.Score}
	}
	return &chat.Answer{Text: strings.Join(f.chunks, ""), Sources: sources}, nil
}

func (f *fakeChat) Ask(ctx context.Context, req chat.Request) (*chat.Answer, error) {
	return f.answer(ctx, req)
}

func (f *fakeChat) Stream(ctx context.Context, req chat.Request, fn func(context.Context, []byte) error) (*chat.Answer, error) {
	answer, err := f.answer(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, c := range f.chunks {
		if err := fn(ctx, []byte(c)); err != nil {
			return nil, err
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return answer, nil
}

func TestChat_NotConfigured(t *testing.T) {
	srv, _ := newTestServer(t, newStore(t, keywordEmbedder{}), nil)
	rec := do(t, srv, http.MethodPost, "/api/v1/chat", ChatRequest{Query: "pie?"})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestChat_JSON(t *testing.T) {
	fc := &fakeChat{chunks: []string{"Bake ", "it."}}
	srv, _ := newTestServer(t, newStore(t, keywordEmbedder{}), nil, WithChat(fc))
	seed(t, srv)

	rec := do(t, srv, http.MethodPost, "/api/v1/chat", ChatRequest{
		Query:   "how to make pie",
		History: []chat.Message{{Role: "user", Content: "hi"}},
		K:       2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Answer  string        `json:"answer"`
		Sources []chat.Source `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Bake it.", resp.Answer)
	assert.Len(t, resp.Sources, 2)
	assert.Equal(t, "apple pie recipe", resp.Sources[0].Content)
	assert.Len(t, fc.got.History, 1)

	rec = do(t, srv, http.MethodPost, "/api/v1/chat", ChatRequest{Query: " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChat_SearchTypes(t *testing.T) {
	fc := &fakeChat{chunks: []string{"ok"}}
	srv, _ := newTestServer(t, newStore(t, keywordEmbedder{}), nil, WithChat(fc))
	seed(t, srv)

	threshold := float32(0.5)
	rec := do(t, srv, http.MethodPost, "/api/v1/chat", ChatRequest{
		Query:          "pie",
		K:              3,
		SearchType:     vectorstore.SearchTypeSimilarityScoreThreshold,
		ScoreThreshold: &threshold,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	answer := decode[chat.Answer](t, rec)
	require.Len(t, answer.Sources, 1)
	assert.Equal(t, "apple pie recipe", answer.Sources[0].Content)

	rec = do(t, srv, http.MethodPost, "/api/v1/chat", ChatRequest{
		Query:      "pie",
		SearchType: vectorstore.SearchTypeSimilarityScoreThreshold,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/chat", ChatRequest{Query: "pie", K: 2, SearchType: vectorstore.SearchTypeMMR})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[chat.Answer](t, rec).Sources, 2)

	rec = do(t, srv, http.MethodPost, "/api/v1/chat", ChatRequest{Query: "pie", SearchType: "keyword"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChat_Stream(t *testing.T) {
	fc := &fakeChat{chunks: []string{"Bake ", "it.\n"}}
	srv, _ := newTestServer(t, newStore(t, keywordEmbedder{}), nil, WithChat(fc))
	seed(t, srv)

	rec := do(t, srv, http.MethodPost, "/api/v1/chat", ChatRequest{Query: "pie"}, echo.HeaderAccept, "text/event-stream")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))

	body := rec.Body.String()
	assert.Contains(t, body, "event: token\ndata: {\"content\":\"Bake \"}\n\n")
	assert.Contains(t, body, "event: token\ndata: {\"content\":\"it.\\n\"}\n\n")
	assert.Contains(t, body, "event: done\ndata: {\"answer\":\"Bake it.\\n\"")
}

func TestChat_StreamErrors(t *testing.T) {
	store := newStore(t, keywordEmbedder{})

	t.Run("before first token", func(t *testing.T) {
		srv, _ := newTestServer(t, store, nil, WithChat(&fakeChat{}))
		rec := do(t, srv, http.MethodPost, "/api/v1/chat", ChatRequest{}, echo.HeaderAccept, "text/event-stream")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON)
	})

	t.Run("mid stream", func(t *testing.T) {
		fc := &fakeChat{chunks: []string{"partial"}, err: fmt.Errorf("%w: reset", chat.ErrGeneration)}
		srv, logger := newTestServer(t, store, nil, WithChat(fc))
		rec := do(t, srv, http.MethodPost, "/api/v1/chat", ChatRequest{Query: "pie"}, echo.HeaderAccept, "text/event-stream")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "event: error\ndata: {\"message\":")
		logger.AssertLogged(t, zapcore.WarnLevel, "chat stream failed")
	})
}

func TestRequestLogging(t *testing.T) {
	srv, logger := newTestServer(t, newStore(t, keywordEmbedder{}), nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/collection/count", nil, echo.HeaderXRequestID, "req-42")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get(echo.HeaderXRequestID))
	logger.AssertField(t, "http request", "request.id", "req-42")
	logger.AssertField(t, "http request", "status", int64(http.StatusOK))

	logger.Reset()
	rec = do(t, srv, http.MethodPost, "/api/v1/query", `{"query":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	logger.AssertLogged(t, zapcore.WarnLevel, "http request")
	logger.AssertField(t, "http request", "status", int64(http.StatusBadRequest))
}

func TestRateLimit(t *testing.T) {
	cfg := &Config{Host: "127.0.0.1", Port: 8000, RateLimit: 0.001, RateBurst: 1}
	srv, _ := newTestServer(t, newStore(t, keywordEmbedder{}), cfg)

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/v1/collection/count", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, srv, http.MethodGet, "/api/v1/collection/count", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/health", nil).Code)
}

func TestBodyLimit(t *testing.T) {
	cfg := &Config{Host: "127.0.0.1", Port: 8000, BodyLimit: "1K"}
	srv, _ := newTestServer(t, newStore(t, keywordEmbedder{}), cfg)

	big := fmt.Sprintf(`{"input":%q}`, strings.Repeat("pie ", 1024))
	rec := do(t, srv, http.MethodPost, "/api/v1/embeddings", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, newStore(t, keywordEmbedder{}), nil)
	rec := do(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", vectorstore.ErrConfiguration), http.StatusBadRequest},
		{chat.ErrEmptyQuestion, http.StatusBadRequest},
		{chat.ErrInvalidHistory, http.StatusBadRequest},
		{vectorstore.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("x: %w", vectorstore.ErrConnection), http.StatusServiceUnavailable},
		{vectorstore.ErrEmbedding, http.StatusBadGateway},
		{chat.ErrGeneration, http.StatusBadGateway},
		{vectorstore.ErrStorage, http.StatusInternalServerError},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{echo.NewHTTPError(http.StatusTeapot), http.StatusTeapot},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorStatus(tt.err), tt.err.Error())
	}

	assert.Equal(t, http.StatusText(http.StatusInternalServerError), toHTTPError(errors.New("secret detail")).Message)
	assert.Contains(t, toHTTPError(fmt.Errorf("%w: disk full", vectorstore.ErrStorage)).Message, "disk full")
}
