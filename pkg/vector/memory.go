package vector

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// MemoryStore is an in-process Store scoring documents by normalized token
// overlap with the query. Scoring is deterministic: identical corpus and
// query always produce identical rankings, which keeps retriever runs
// replayable.
type MemoryStore struct {
	mu   sync.RWMutex
	docs []document
}

type document struct {
	id     string
	text   string
	tokens map[string]bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Add indexes a document under the given ID. Re-adding an ID replaces the
// previous document.
func (m *MemoryStore) Add(id, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := document{id: id, text: text, tokens: tokenize(text)}
	for i := range m.docs {
		if m.docs[i].id == id {
			m.docs[i] = doc
			return
		}
	}
	m.docs = append(m.docs, doc)
}

// Len returns the number of indexed documents.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Search returns the k best-scoring documents for the query, ordered by
// descending score. Ties break by insertion order so results stay stable.
func (m *MemoryStore) Search(_ context.Context, query string, k int) ([]Snippet, error) {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 || k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		idx   int
		score float64
	}
	results := make([]scored, 0, len(m.docs))
	for i := range m.docs {
		score := overlapScore(queryTokens, m.docs[i].tokens)
		if score > 0 {
			results = append(results, scored{idx: i, score: score})
		}
	}

	sort.SliceStable(results, func(a, b int) bool {
		return results[a].score > results[b].score
	})

	if len(results) > k {
		results = results[:k]
	}

	snippets := make([]Snippet, 0, len(results))
	for _, r := range results {
		snippets = append(snippets, Snippet{
			ID:    m.docs[r.idx].id,
			Text:  m.docs[r.idx].text,
			Score: r.score,
		})
	}
	return snippets, nil
}

// overlapScore computes |q ∩ d| / sqrt(|q| * |d|), a cosine similarity over
// binary term vectors.
func overlapScore(query, doc map[string]bool) float64 {
	if len(doc) == 0 {
		return 0
	}
	overlap := 0
	for token := range query {
		if doc[token] {
			overlap++
		}
	}
	if overlap == 0 {
		return 0
	}
	return float64(overlap) / math.Sqrt(float64(len(query))*float64(len(doc)))
}

func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(field) > 1 {
			tokens[field] = true
		}
	}
	return tokens
}
