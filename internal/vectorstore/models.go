package vectorstore

import (
	"errors"
	"fmt"
)

// Document is a unit of retrievable content.
type Document struct {
	// ID is assigned by the backend on insert when empty.
	ID string `json:"id,omitempty"`

	// Content is the text that gets embedded.
	Content string `json:"content"`

	// Metadata holds scalar values only: string, bool, integer and float kinds.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ScoredDocument pairs a document with its raw similarity score.
//
// For L2 lower scores are more similar; for COSINE and INNER_PRODUCT higher
// scores are more similar.
type ScoredDocument struct {
	Document Document `json:"document"`
	Score    float32  `json:"score"`
}

// CollectionInfo is a best-effort description of a collection.
type CollectionInfo struct {
	CollectionName string `json:"collection_name,omitempty"`
	TotalEntities  int    `json:"total_entities"`
}

// Failure records why one document of a batch was not stored.
type Failure struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Err   error  `json:"-"`
}

// Error implements error.
func (f Failure) Error() string {
	return fmt.Sprintf("document %d (%s): %v", f.Index, f.ID, f.Err)
}

// Unwrap returns the underlying error.
func (f Failure) Unwrap() error {
	return f.Err
}

// AddResult reports the per-document outcome of AddDocuments.
//
// Insertion is best-effort sequential. Documents listed in Added are stored
// and stay stored even when later documents of the same batch fail.
type AddResult struct {
	Added  []string  `json:"added"`
	Failed []Failure `json:"failed,omitempty"`
}

// PartialFailure reports whether some, but not all, documents were stored.
func (r *AddResult) PartialFailure() bool {
	return r != nil && len(r.Added) > 0 && len(r.Failed) > 0
}

// Err joins the per-document errors, or returns nil if every document was
// stored.
func (r *AddResult) Err() error {
	if r == nil || len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failed))
	for i, f := range r.Failed {
		errs[i] = f
	}
	return errors.Join(errs...)
}

func (r *AddResult) fail(index int, id string, err error) {
	r.Failed = append(r.Failed, Failure{Index: index, ID: id, Err: err})
}
