// Package vectorstore provides one document-retrieval contract over several
// similarity-search backends.
//
// A Backend owns exactly one collection. Three implementations are
// available through Open:
//
//   - chromem: embedded, file-persisted chromem-go (FLAT only)
//   - qdrant: Qdrant over gRPC, addressed as qdrant://[api_key@]host[:port]
//   - pgvector: PostgreSQL with the pgvector extension via pgx
//
// # Ranking
//
// Scores are raw metric values. Under L2 lower is better; under COSINE and
// INNER_PRODUCT higher is better. Every backend re-sorts its results before
// returning them, with ties broken by document id.
//
// # Errors
//
// Failures wrap one of ErrConfiguration, ErrConnection, ErrStorage,
// ErrEmbedding or ErrNotFound. AddDocuments reports per-document failures
// in its AddResult. CollectionInfo, DocumentsCount and approximate
// SearchByIDs never fail; they log a warning and return zero values.
//
// # Usage
//
//	cfg, err := vectorstore.NewStoreConfig("/var/lib/ragd",
//	    vectorstore.WithCollectionName("t1"))
//	if err != nil {
//	    return err
//	}
//	backend, err := vectorstore.Open(ctx, "chromem", cfg, embedder, logger)
//	if err != nil {
//	    return err
//	}
//	defer backend.Close()
//
//	result, err := backend.AddDocuments(ctx, []vectorstore.Document{
//	    {Content: "apple pie recipe"},
//	})
//	docs, err := backend.Query(ctx, "baking a pie", 2)
package vectorstore
