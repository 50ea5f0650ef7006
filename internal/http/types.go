package http

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/chat"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// HealthResponse is the response body for GET /health.
// LastCheck is set when a health monitor backs the endpoint.
type HealthResponse struct {
	Status    string     `json:"status"`
	Backend   string     `json:"backend"`
	Error     string     `json:"error,omitempty"`
	LastCheck *time.Time `json:"last_check,omitempty"`
}

// EmbeddingInput accepts either a single string or a list of strings.
type EmbeddingInput []string

// UnmarshalJSON decodes a string or an array of strings.
func (in *EmbeddingInput) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*in = EmbeddingInput{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("input must be a string or an array of strings")
	}
	*in = many
	return nil
}

// EmbeddingRequest is the request body for POST /api/v1/embeddings.
type EmbeddingRequest struct {
	Input EmbeddingInput `json:"input"`
	Model string         `json:"model,omitempty"`
}

// EmbeddingData is one vector in an EmbeddingResponse.
type EmbeddingData struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// EmbeddingUsage is always zero; local providers do not count tokens.
type EmbeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// EmbeddingResponse mirrors the OpenAI embeddings list shape.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   []EmbeddingData `json:"data"`
	Model  string          `json:"model"`
	Usage  EmbeddingUsage  `json:"usage"`
}

// AddDocumentsRequest is the request body for POST /api/v1/documents.
type AddDocumentsRequest struct {
	Documents []vectorstore.Document `json:"documents"`
}

// FailureResponse reports one document that could not be stored.
type FailureResponse struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

// AddDocumentsResponse is the response body for POST /api/v1/documents.
type AddDocumentsResponse struct {
	Added  []string          `json:"added"`
	Failed []FailureResponse `json:"failed,omitempty"`
}

// DocumentsResponse wraps a document list.
type DocumentsResponse struct {
	Documents []vectorstore.Document `json:"documents"`
}

// ScoredDocumentsResponse wraps a scored document list.
type ScoredDocumentsResponse struct {
	Results []vectorstore.ScoredDocument `json:"results"`
}

// LookupRequest is the request body for POST /api/v1/documents/lookup.
type LookupRequest struct {
	IDs  []string `json:"ids"`
	Mode string   `json:"mode,omitempty"`
}

// DeleteRequest is the request body for DELETE /api/v1/documents. An empty
// id list only deletes everything when All is set.
type DeleteRequest struct {
	IDs []string `json:"ids"`
	All bool     `json:"all,omitempty"`
}

// QueryRequest is the request body for POST /api/v1/query.
type QueryRequest struct {
	Query      string `json:"query"`
	K          int    `json:"k,omitempty"`
	WithScores bool   `json:"with_scores,omitempty"`
}

// CountResponse is the response body for GET /api/v1/collection/count.
type CountResponse struct {
	Count int `json:"count"`
}

// ChatRequest is the request body for POST /api/v1/chat. SearchType and
// ScoreThreshold override the server's retriever settings.
type ChatRequest struct {
	Query          string         `json:"query"`
	History        []chat.Message `json:"history,omitempty"`
	K              int            `json:"k,omitempty"`
	SearchType     string         `json:"search_type,omitempty"`
	ScoreThreshold *float32       `json:"score_threshold,omitempty"`
}

// TokenEvent is the payload of a "token" server-sent event.
type TokenEvent struct {
	Content string `json:"content"`
}
