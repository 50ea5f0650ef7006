package vectorstore

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/tmc/langchaingo/schema"
)

// Search types a Retriever can be bound to.
const (
	// SearchTypeSimilarity returns the k nearest documents.
	SearchTypeSimilarity = "similarity"

	// SearchTypeSimilarityScoreThreshold returns up to k nearest documents
	// whose score passes WithScoreThreshold, in the metric's direction.
	SearchTypeSimilarityScoreThreshold = "similarity_score_threshold"

	// SearchTypeMMR fetches WithFetchK candidates and picks k of them by
	// maximal marginal relevance.
	SearchTypeMMR = "mmr"
)

// SearchTypes lists the supported search types.
func SearchTypes() []string {
	return []string{SearchTypeSimilarity, SearchTypeSimilarityScoreThreshold, SearchTypeMMR}
}

const (
	defaultFetchK = 20
	defaultLambda = 0.5
)

// MetadataIDKey is the schema.Document metadata key that carries the
// document id.
const MetadataIDKey = "id"

type scoredQuerier interface {
	QueryWithScore(ctx context.Context, text string, k int) ([]ScoredDocument, error)
}

type configured interface {
	Config() StoreConfig
}

// textEmbedder is what MMR needs to compare candidates with each other.
type textEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// RetrieverOption tunes a Retriever. Options a search type does not use are
// ignored.
type RetrieverOption func(*retrieverOptions)

type retrieverOptions struct {
	threshold    float32
	hasThreshold bool
	fetchK       int
	lambda       float64
}

// WithScoreThreshold sets the cutoff for similarity_score_threshold. For
// metrics where lower is better (L2) documents must score at most t,
// otherwise at least t.
func WithScoreThreshold(t float32) RetrieverOption {
	return func(o *retrieverOptions) {
		o.threshold = t
		o.hasThreshold = true
	}
}

// WithFetchK sets how many candidates MMR considers. It is raised to k when
// smaller. Zero keeps the default of 20.
func WithFetchK(n int) RetrieverOption {
	return func(o *retrieverOptions) { o.fetchK = n }
}

// WithLambda sets the MMR trade-off between relevance (1) and diversity (0).
func WithLambda(l float64) RetrieverOption {
	return func(o *retrieverOptions) { o.lambda = l }
}

// Retriever is a reusable query bound to a backend, a search type and k.
//
// It implements langchaingo's schema.Retriever so it can be plugged into
// chains and the chat service.
type Retriever struct {
	backend    scoredQuerier
	embedder   textEmbedder
	searchType string
	k          int
	metric     MetricType
	opts       retrieverOptions
}

var _ schema.Retriever = (*Retriever)(nil)

// NewRetriever creates a Retriever. k must be at least 1.
//
// similarity_score_threshold requires WithScoreThreshold; the score
// direction comes from the backend's metric. mmr requires a backend that can
// also embed text, which every Backend and the retrieval service can.
func NewRetriever(backend scoredQuerier, searchType string, k int, opts ...RetrieverOption) (*Retriever, error) {
	if err := validateK(k); err != nil {
		return nil, err
	}
	o := retrieverOptions{fetchK: defaultFetchK, lambda: defaultLambda}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Retriever{backend: backend, searchType: searchType, k: k, metric: MetricCosine}
	if c, ok := backend.(configured); ok {
		r.metric = c.Config().MetricType
	}

	switch searchType {
	case SearchTypeSimilarity:
	case SearchTypeSimilarityScoreThreshold:
		if !o.hasThreshold {
			return nil, fmt.Errorf("%w: %s needs a score threshold", ErrConfiguration, searchType)
		}
	case SearchTypeMMR:
		e, ok := backend.(textEmbedder)
		if !ok {
			return nil, fmt.Errorf("%w: %s needs a backend that can embed text", ErrConfiguration, searchType)
		}
		if o.lambda < 0 || o.lambda > 1 {
			return nil, fmt.Errorf("%w: mmr lambda must be in [0, 1], got %g", ErrConfiguration, o.lambda)
		}
		if o.fetchK < 0 {
			return nil, fmt.Errorf("%w: mmr fetch_k must not be negative, got %d", ErrConfiguration, o.fetchK)
		}
		if o.fetchK == 0 {
			o.fetchK = defaultFetchK
		}
		o.fetchK = max(o.fetchK, k)
		r.embedder = e
	default:
		return nil, fmt.Errorf("%w: unsupported search type %q (supported: %s)",
			ErrConfiguration, searchType, strings.Join(SearchTypes(), ", "))
	}
	r.opts = o
	return r, nil
}

// K returns the number of documents each call retrieves at most.
func (r *Retriever) K() int {
	return r.k
}

// SearchType returns the bound search type.
func (r *Retriever) SearchType() string {
	return r.searchType
}

// Retrieve returns up to K scored documents for query. Similarity results
// are best first; MMR results are in selection order.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]ScoredDocument, error) {
	switch r.searchType {
	case SearchTypeSimilarityScoreThreshold:
		return r.retrieveAboveThreshold(ctx, query)
	case SearchTypeMMR:
		return r.retrieveMMR(ctx, query)
	default:
		return r.backend.QueryWithScore(ctx, query, r.k)
	}
}

func (r *Retriever) retrieveAboveThreshold(ctx context.Context, query string) ([]ScoredDocument, error) {
	results, err := r.backend.QueryWithScore(ctx, query, r.k)
	if err != nil {
		return nil, err
	}
	lower := r.metric.LowerIsBetter()
	kept := results[:0:0]
	for _, s := range results {
		if (lower && s.Score <= r.opts.threshold) || (!lower && s.Score >= r.opts.threshold) {
			kept = append(kept, s)
		}
	}
	return kept, nil
}

func (r *Retriever) retrieveMMR(ctx context.Context, query string) ([]ScoredDocument, error) {
	candidates, err := r.backend.QueryWithScore(ctx, query, r.opts.fetchK)
	if err != nil {
		return nil, err
	}
	if len(candidates) <= 1 {
		return candidates, nil
	}

	texts := make([]string, 0, len(candidates)+1)
	texts = append(texts, query)
	for _, c := range candidates {
		texts = append(texts, c.Document.Content)
	}
	vectors, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: provider returned %d vectors for %d texts", ErrEmbedding, len(vectors), len(texts))
	}

	picked := maximalMarginalRelevance(vectors[0], vectors[1:], r.opts.lambda, r.k)
	out := make([]ScoredDocument, len(picked))
	for i, idx := range picked {
		out[i] = candidates[idx]
	}
	return out, nil
}

// maximalMarginalRelevance returns the indexes of up to k candidates, each
// chosen to maximise lambda*sim(query) - (1-lambda)*max sim(selected).
// Ties go to the earlier candidate.
func maximalMarginalRelevance(query []float32, candidates [][]float32, lambda float64, k int) []int {
	k = min(k, len(candidates))
	relevance := make([]float64, len(candidates))
	for i, c := range candidates {
		relevance[i] = cosineSimilarity(query, c)
	}

	selected := make([]int, 0, k)
	redundancy := make([]float64, len(candidates))
	for i := range redundancy {
		redundancy[i] = math.Inf(-1)
	}
	for len(selected) < k {
		best, bestScore := -1, math.Inf(-1)
		for i := range candidates {
			if slices.Contains(selected, i) {
				continue
			}
			score := lambda * relevance[i]
			if len(selected) > 0 {
				score -= (1 - lambda) * redundancy[i]
			}
			if score > bestScore {
				best, bestScore = i, score
			}
		}
		selected = append(selected, best)
		for i, c := range candidates {
			redundancy[i] = math.Max(redundancy[i], cosineSimilarity(c, candidates[best]))
		}
	}
	return selected
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range min(len(a), len(b)) {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// GetRelevantDocuments implements schema.Retriever.
func (r *Retriever) GetRelevantDocuments(ctx context.Context, query string) ([]schema.Document, error) {
	scored, err := r.Retrieve(ctx, query)
	if err != nil {
		return nil, err
	}
	docs := make([]schema.Document, len(scored))
	for i, s := range scored {
		docs[i] = ToSchemaDocument(s)
	}
	return docs, nil
}

// ToSchemaDocument converts a scored document to langchaingo's form. The id
// is carried in metadata under MetadataIDKey.
func ToSchemaDocument(s ScoredDocument) schema.Document {
	metadata := make(map[string]any, len(s.Document.Metadata)+1)
	maps.Copy(metadata, s.Document.Metadata)
	metadata[MetadataIDKey] = s.Document.ID
	return schema.Document{
		PageContent: s.Document.Content,
		Metadata:    metadata,
		Score:       s.Score,
	}
}
