// Package knowledge provides the similarity-searchable passage store that the
// research step queries, plus chunking and ingestion of source documents.
package knowledge

import "context"

// DefaultCollection is the passage collection name used when none is configured.
const DefaultCollection = "tech_docs"

// Passage is one chunk of a knowledge-base document.
type Passage struct {
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Chunk   int     `json:"chunk"`
	Score   float32 `json:"score,omitempty"`
}

// Store is a similarity-searchable collection of passages.
type Store interface {
	// Search returns up to k passages most similar to query, best first.
	Search(ctx context.Context, query string, k int) ([]Passage, error)
	// Upsert stores passages keyed by (source, chunk) and returns how many were
	// stored. Each source present in passages is replaced as a whole: chunks
	// from an earlier version that are absent from this call are removed.
	Upsert(ctx context.Context, passages []Passage) (int, error)
	// Count returns the number of stored passages.
	Count(ctx context.Context) (int, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}
