package http

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/ragd/internal/chat"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Backend: s.store.Name()}

	var err error
	switch {
	case s.health != nil:
		if last := s.health.LastCheck(); !last.IsZero() {
			resp.LastCheck = &last
		}
		if !s.health.IsHealthy() {
			err = s.health.LastError()
			if err == nil {
				err = vectorstore.ErrConnection
			}
		}
	default:
		if p, ok := s.store.(pinger); ok {
			err = p.Ping(c.Request().Context())
		}
	}
	if err != nil {
		resp.Status = "unavailable"
		resp.Error = err.Error()
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleEmbeddings(c echo.Context) error {
	var req EmbeddingRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if len(req.Input) == 0 {
		return badRequest("input must not be empty")
	}

	vectors, err := s.store.Embed(c.Request().Context(), req.Input)
	if err != nil {
		return toHTTPError(err)
	}

	model := req.Model
	if model == "" {
		model = s.config.EmbeddingModel
	}
	resp := EmbeddingResponse{
		Object: "list",
		Data:   make([]EmbeddingData, len(vectors)),
		Model:  model,
	}
	for i, v := range vectors {
		resp.Data[i] = EmbeddingData{Object: "embedding", Embedding: v, Index: i}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAddDocuments(c echo.Context) error {
	var req AddDocumentsRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	result, err := s.store.AddDocuments(ctx, req.Documents)
	if result == nil {
		if err == nil {
			err = fmt.Errorf("%w: backend returned no result", vectorstore.ErrStorage)
		}
		return toHTTPError(err)
	}
	if err != nil {
		// The batch stopped early; the result still says what was stored.
		s.logger.Warn(ctx, "add documents interrupted", zap.Error(err))
	}

	resp := AddDocumentsResponse{Added: result.Added}
	if resp.Added == nil {
		resp.Added = []string{}
	}
	for _, f := range result.Failed {
		resp.Failed = append(resp.Failed, FailureResponse{Index: f.Index, ID: f.ID, Error: f.Err.Error()})
	}

	switch {
	case len(result.Failed) == 0 && err != nil:
		return c.JSON(errorStatus(err), resp)
	case len(result.Failed) == 0:
		return c.JSON(http.StatusOK, resp)
	case len(result.Added) == 0:
		// Nothing stored: answer with the status of the first failure.
		return c.JSON(errorStatus(result.Failed[0].Err), resp)
	default:
		return c.JSON(http.StatusMultiStatus, resp)
	}
}

func (s *Server) handleListDocuments(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return badRequest("limit must be a non-negative integer")
		}
		limit = n
	}

	docs, err := s.store.AllDocuments(c.Request().Context(), limit)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, DocumentsResponse{Documents: nonNil(docs)})
}

func (s *Server) handleLookup(c echo.Context) error {
	var req LookupRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if len(req.IDs) == 0 {
		return badRequest("ids must not be empty")
	}

	var mode vectorstore.LookupMode
	switch strings.ToLower(req.Mode) {
	case "", "exact":
		mode = vectorstore.LookupExact
	case "approximate":
		mode = vectorstore.LookupApproximate
	default:
		return badRequest("mode must be \"exact\" or \"approximate\"")
	}

	docs, err := s.store.SearchByIDs(c.Request().Context(), req.IDs, mode)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, DocumentsResponse{Documents: nonNil(docs)})
}

func (s *Server) handleDeleteDocuments(c echo.Context) error {
	var req DeleteRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if len(req.IDs) == 0 && !req.All {
		return badRequest("ids must not be empty; set all to delete every document")
	}

	ids := req.IDs
	if req.All {
		ids = nil
	}
	if err := s.store.Delete(c.Request().Context(), ids); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Query) == "" {
		return badRequest("query must not be empty")
	}
	k := req.K
	if k == 0 {
		k = s.config.DefaultK
	}

	ctx := c.Request().Context()
	if req.WithScores {
		results, err := s.store.QueryWithScore(ctx, req.Query, k)
		if err != nil {
			return toHTTPError(err)
		}
		if results == nil {
			results = []vectorstore.ScoredDocument{}
		}
		return c.JSON(http.StatusOK, ScoredDocumentsResponse{Results: results})
	}

	docs, err := s.store.Query(ctx, req.Query, k)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, DocumentsResponse{Documents: nonNil(docs)})
}

func (s *Server) handleCollectionInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, s.store.CollectionInfo(c.Request().Context()))
}

func (s *Server) handleCount(c echo.Context) error {
	return c.JSON(http.StatusOK, CountResponse{Count: s.store.DocumentsCount(c.Request().Context())})
}

func (s *Server) handleClear(c echo.Context) error {
	if err := s.store.Clear(c.Request().Context()); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleChat(c echo.Context) error {
	if s.chat == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "chat is not configured")
	}

	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	k := req.K
	if k == 0 {
		k = s.config.DefaultK
	}
	searchType := req.SearchType
	if searchType == "" {
		searchType = s.config.SearchType
	}
	opts := slices.Clone(s.config.RetrieverOptions)
	if req.ScoreThreshold != nil {
		opts = append(opts, vectorstore.WithScoreThreshold(*req.ScoreThreshold))
	}
	retriever, err := vectorstore.NewRetriever(s.store, searchType, k, opts...)
	if err != nil {
		return toHTTPError(err)
	}
	chatReq := chat.Request{Question: req.Query, History: req.History, Retriever: retriever}

	if wantsEventStream(c.Request()) {
		return s.streamChat(c, chatReq)
	}

	answer, err := s.chat.Ask(c.Request().Context(), chatReq)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, answer)
}

func nonNil(docs []vectorstore.Document) []vectorstore.Document {
	if docs == nil {
		return []vectorstore.Document{}
	}
	return docs
}
