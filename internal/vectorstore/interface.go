package vectorstore

import (
	"context"
	"errors"
)

// Sentinel errors for vector store operations.
//
// Backends wrap these with fmt.Errorf("%w: ...") so callers can branch on the
// failure class with errors.Is.
var (
	// ErrConfiguration indicates an invalid enum value, unsupported search
	// type, or a collection opened with parameters it was not created with.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrConnection indicates a networked backend is unreachable, timed out,
	// or rejected our credentials.
	ErrConnection = errors.New("backend connection failed")

	// ErrStorage indicates the backend could not create, open, read or write
	// its underlying storage.
	ErrStorage = errors.New("storage failure")

	// ErrEmbedding indicates the embedding provider failed to encode text.
	ErrEmbedding = errors.New("embedding failed")

	// ErrNotFound indicates the operation targeted a nonexistent collection.
	ErrNotFound = errors.New("collection not found")
)

// Embedder generates vector embeddings from text.
//
// Implementations must return exactly one vector per input text and must be
// deterministic for identical input and model.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	// Some models optimize differently for queries vs documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Dimensioner is implemented by embedders that know their output size ahead
// of time. Backends that must declare a vector size at collection creation
// use it when StoreConfig.VectorSize is unset.
type Dimensioner interface {
	Dimension() int
}

// LookupMode selects how SearchByIDs resolves ids.
type LookupMode int

const (
	// LookupExact resolves ids against the backend's primary key.
	LookupExact LookupMode = iota

	// LookupApproximate treats each id as query text and returns the single
	// most content-similar document. Results are NOT guaranteed identity
	// matches.
	LookupApproximate
)

// String returns the mode name used in the HTTP API.
func (m LookupMode) String() string {
	if m == LookupApproximate {
		return "approximate"
	}
	return "exact"
}

// Backend is the operation set every vector store implementation provides.
//
// A Backend exclusively owns one underlying handle (a chromem DB, a Qdrant
// client pool, or a Postgres pool) for exactly one collection. All methods are
// safe for concurrent use.
//
// Mutating and query operations return errors. The read-only diagnostics
// (CollectionInfo, DocumentsCount, and SearchByIDs with LookupApproximate)
// never do: they log and return a zero value instead.
type Backend interface {
	// Name returns the backend name the factory registered it under.
	Name() string

	// Config returns the configuration the backend was opened with.
	Config() StoreConfig

	// AddDocuments embeds and inserts docs one at a time. Empty input is a
	// no-op. Per-document failures are reported in the AddResult; the error
	// is reserved for failures that prevented the call from running at all.
	AddDocuments(ctx context.Context, docs []Document) (*AddResult, error)

	// Query returns up to k documents nearest to text, ordered by the
	// collection metric. Blank text returns an empty slice without touching
	// the embedder or the backend.
	Query(ctx context.Context, text string, k int) ([]Document, error)

	// QueryWithScore is Query with raw scores exposed.
	QueryWithScore(ctx context.Context, text string, k int) ([]ScoredDocument, error)

	// Retriever returns a reusable query object bound to searchType and k.
	Retriever(searchType string, k int, opts ...RetrieverOption) (*Retriever, error)

	// CollectionInfo reports the collection name and entity count.
	// It never fails; on error it logs and reports zero entities.
	CollectionInfo(ctx context.Context) CollectionInfo

	// SearchByIDs looks documents up by id. See LookupMode.
	SearchByIDs(ctx context.Context, ids []string, mode LookupMode) ([]Document, error)

	// DocumentsCount returns the number of stored documents, or 0 on error.
	DocumentsCount(ctx context.Context) int

	// AllDocuments returns up to limit documents in backend order.
	AllDocuments(ctx context.Context, limit int) ([]Document, error)

	// Delete removes the given ids, or every document when ids is empty.
	Delete(ctx context.Context, ids []string) error

	// Clear resets the whole collection.
	Clear(ctx context.Context) error

	// Close releases the underlying handle.
	Close() error
}
