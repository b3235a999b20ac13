package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/h1v3-io/triage/internal/knowledge"
)

// DefaultTopK is the number of passages retrieved per ticket.
const DefaultTopK = 3

// Sentinel passages substituted when retrieval yields nothing usable.
const (
	NoArticleFound     = "No specific knowledge base article found."
	KnowledgeBaseError = "Error connecting to knowledge base."
)

// Retriever looks up passages relevant to the ticket text.
type Retriever struct {
	Store knowledge.Store
	TopK  int
}

// Retrieve returns at least one passage. The category is accepted for future
// filtering but does not narrow the search.
func (r *Retriever) Retrieve(ctx context.Context, query, category string) Outcome[[]string] {
	k := r.TopK
	if k <= 0 {
		k = DefaultTopK
	}

	hits, err := r.Store.Search(ctx, query, k)
	if err != nil {
		return Degrade([]string{KnowledgeBaseError}, fmt.Sprintf("knowledge search failed: %v", err))
	}

	passages := make([]string, 0, len(hits))
	for _, h := range hits {
		if strings.TrimSpace(h.Content) == "" {
			continue
		}
		passages = append(passages, h.Content)
		if len(passages) == k {
			break
		}
	}
	if len(passages) == 0 {
		return Degrade([]string{NoArticleFound}, "no matching passages")
	}
	return Ok(passages)
}
