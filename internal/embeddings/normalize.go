package embeddings

import (
	"context"
	"math"
)

// normalizing L2-normalizes every vector its inner provider returns.
type normalizing struct {
	Provider
}

// Normalize wraps p so every returned vector has unit length. Zero vectors
// are returned unchanged.
func Normalize(p Provider) Provider {
	if _, ok := p.(*normalizing); ok {
		return p
	}
	return &normalizing{Provider: p}
}

func (n *normalizing) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := n.Provider.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	for i := range vectors {
		vectors[i] = unit(vectors[i])
	}
	return vectors, nil
}

func (n *normalizing) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := n.Provider.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	return unit(v), nil
}

func unit(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}
