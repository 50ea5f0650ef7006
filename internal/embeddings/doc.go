// Package embeddings provides embedding generation via multiple providers.
//
// Three providers are available through NewProvider: FastEmbed (local ONNX
// models, requires cgo), TEI (a Text Embeddings Inference server) and any
// OpenAI-compatible embeddings API through langchaingo. Every provider
// satisfies vectorstore.Embedder and reports its Dimension so collections
// can be created without configuring a vector size.
package embeddings
