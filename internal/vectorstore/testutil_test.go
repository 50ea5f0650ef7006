package vectorstore_test

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Concept dimensions of the test embedder. Words outside the vocabulary are
// hashed into the trailing buckets.
const (
	dimFood = iota
	dimBaking
	dimSpace
	dimEngineering
	dimBuckets
	testVectorSize = dimBuckets + 4
)

var testVocabulary = map[string][]int{
	"apple":   {dimFood},
	"fruit":   {dimFood},
	"pie":     {dimFood, dimBaking},
	"recipe":  {dimFood, dimBaking},
	"dessert": {dimFood, dimBaking},
	"baking":  {dimBaking},
	"rocket":  {dimSpace},
	"orbit":   {dimSpace},
	"engine":  {dimEngineering},
	"design":  {dimEngineering},
}

var testStopWords = map[string]bool{"a": true, "an": true, "the": true, "of": true}

// TestEmbedder is a deterministic bag-of-concepts embedder. Texts sharing
// vocabulary concepts land close together, which keeps ranking assertions
// meaningful without a real model.
type TestEmbedder struct {
	calls atomic.Int64
}

func (e *TestEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = embedText(t)
	}
	return out, nil
}

func (e *TestEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	return embedText(text), nil
}

func (e *TestEmbedder) Dimension() int { return testVectorSize }

// Calls returns how many times the embedder was invoked.
func (e *TestEmbedder) Calls() int64 { return e.calls.Load() }

func embedText(text string) []float32 {
	v := make([]float32, testVectorSize)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?")
		if word == "" || testStopWords[word] {
			continue
		}
		if dims, ok := testVocabulary[word]; ok {
			for _, d := range dims {
				v[d]++
			}
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		v[dimBuckets+int(h.Sum32()%4)]++
	}
	nonZero := false
	for _, f := range v {
		if f != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		v[dimBuckets] = 1
	}
	return v
}

var errProviderDown = errors.New("provider down")

// FailingEmbedder always fails.
type FailingEmbedder struct{}

func (FailingEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errProviderDown
}

func (FailingEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return nil, errProviderDown
}

// ShortEmbedder returns one vector fewer than requested.
type ShortEmbedder struct{ TestEmbedder }

func (e *ShortEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out, err := e.TestEmbedder.EmbedDocuments(ctx, texts)
	if err != nil || len(out) == 0 {
		return out, err
	}
	return out[:len(out)-1], nil
}

// newChromem opens a chromem backend in a temp dir.
func newChromem(t *testing.T, embedder vectorstore.Embedder, opts ...vectorstore.Option) (*vectorstore.ChromemBackend, string) {
	t.Helper()
	dir := t.TempDir()
	return openChromemAt(t, dir, embedder, opts...), dir
}

func openChromemAt(t *testing.T, dir string, embedder vectorstore.Embedder, opts ...vectorstore.Option) *vectorstore.ChromemBackend {
	t.Helper()
	cfg, err := vectorstore.NewStoreConfig(dir, opts...)
	require.NoError(t, err)
	b, err := vectorstore.NewChromemBackend(cfg, embedder, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func contents(docs []vectorstore.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Content
	}
	return out
}
