// Package vector defines the retrieval interface the retriever step consumes
// and an in-process implementation with deterministic scoring.
//
// The engine treats the index as a black box returning ranked snippets; the
// retriever derives its confidence from the top score.
package vector

import "context"

// Snippet is one ranked retrieval result.
type Snippet struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Store is the retrieval interface. Implementations must return snippets
// ordered by descending score, with scores in [0,1].
type Store interface {
	Search(ctx context.Context, query string, k int) ([]Snippet, error)
}

// ConfidenceFromTop derives the retriever confidence from a ranked result
// set: the top score, clamped to [0,1]. An empty result set has zero
// confidence.
func ConfidenceFromTop(snippets []Snippet) float64 {
	if len(snippets) == 0 {
		return 0
	}
	top := snippets[0].Score
	if top < 0 {
		return 0
	}
	if top > 1 {
		return 1
	}
	return top
}
