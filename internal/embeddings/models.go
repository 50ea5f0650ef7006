package embeddings

import "strings"

// knownDimensions maps model names to their output size. FastEmbed accepts
// both the Hugging Face names and its own "fast-" names.
var knownDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-large-en-v1.5":                 1024,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"fast-bge-small-en-v1.5":                 384,
	"fast-bge-small-en":                      384,
	"fast-bge-base-en-v1.5":                  768,
	"fast-bge-base-en":                       768,
	"fast-bge-small-zh-v1.5":                 512,
	"fast-all-MiniLM-L6-v2":                  384,
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
	"nomic-embed-text":                       768,
}

// modelDimension returns the dimension of a known model.
func modelDimension(model string) (int, bool) {
	dim, ok := knownDimensions[model]
	return dim, ok
}

// detectDimensionFromModel guesses the dimension from the model name.
// Falls back to 384 if the model is unknown.
func detectDimensionFromModel(model string) int {
	if dim, ok := modelDimension(model); ok {
		return dim
	}
	name := strings.ToLower(model)
	switch {
	case strings.Contains(name, "base"):
		return 768
	case strings.Contains(name, "large"):
		return 1024
	case strings.Contains(name, "small"), strings.Contains(name, "mini"):
		return 384
	default:
		return 384
	}
}
