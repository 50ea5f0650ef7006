package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// isBlank reports whether a query carries no searchable text.
func isBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}

func validateK(k int) error {
	if k < 1 {
		return fmt.Errorf("%w: k must be at least 1, got %d", ErrConfiguration, k)
	}
	return nil
}

// rank orders results best-first for the metric and truncates to k.
//
// Ties are broken by document id so repeated queries against an unchanged
// collection return identical orderings.
func rank(metric MetricType, results []ScoredDocument, k int) []ScoredDocument {
	lower := metric.LowerIsBetter()
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i].Score, results[j].Score
		if a != b {
			if lower {
				return a < b
			}
			return a > b
		}
		return results[i].Document.ID < results[j].Document.ID
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

func documentsOf(scored []ScoredDocument) []Document {
	docs := make([]Document, len(scored))
	for i, s := range scored {
		docs[i] = s.Document
	}
	return docs
}

// unitL2 converts the cosine similarity of two unit vectors into their
// Euclidean distance: |a-b|^2 = 2 - 2cos.
func unitL2(similarity float32) float32 {
	d := 2 - 2*float64(similarity)
	if d < 0 {
		d = 0
	}
	return float32(math.Sqrt(d))
}

// embedDocuments runs the provider and checks it honored the one-vector-per-
// text contract. Provider errors stay matchable with errors.Is.
func embedDocuments(ctx context.Context, embedder Embedder, texts []string) ([][]float32, error) {
	vectors, err := embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: provider returned %d vectors for %d texts", ErrEmbedding, len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: provider returned an empty vector at index %d", ErrEmbedding, i)
		}
	}
	return vectors, nil
}

func embedQuery(ctx context.Context, embedder Embedder, text string) ([]float32, error) {
	vector, err := embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: provider returned an empty query vector", ErrEmbedding)
	}
	return vector, nil
}

// validateMetadata rejects non-scalar metadata values.
func validateMetadata(metadata map[string]any) error {
	for k, v := range metadata {
		switch v.(type) {
		case nil, string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
		default:
			return fmt.Errorf("%w: metadata %q has non-scalar type %T", ErrConfiguration, k, v)
		}
	}
	return nil
}

// fromJSONNumber turns a json.Number decoded with UseNumber into int64 when
// it is integral and float64 otherwise. Other values pass through.
func fromJSONNumber(v any) (any, error) {
	n, ok := v.(json.Number)
	if !ok {
		return v, nil
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	return n.Float64()
}
