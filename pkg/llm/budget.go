package llm

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenBudget bounds prompt construction so retrieved snippets cannot blow
// past the model's context window. Claude and GPT tokenizations are close
// enough that the GPT-4 encoding serves both.
type TokenBudget struct {
	codec tokenizer.Codec
	limit int
}

// NewTokenBudget creates a budget of limit tokens.
func NewTokenBudget(limit int) (*TokenBudget, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenBudget{codec: codec, limit: limit}, nil
}

// Limit returns the budget in tokens.
func (b *TokenBudget) Limit() int {
	return b.limit
}

// Count returns the token count of text, falling back to a character
// estimate (4 chars per token) if the codec fails.
func (b *TokenBudget) Count(text string) int {
	if b.codec == nil {
		return len(text) / 4
	}
	count, err := b.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// Fits reports whether text is within the budget.
func (b *TokenBudget) Fits(text string) bool {
	return b.Count(text) <= b.limit
}

// Truncate trims text to fit the budget. Truncation is proportional by
// characters with a safety margin, not exact token boundaries.
func (b *TokenBudget) Truncate(text string) string {
	current := b.Count(text)
	if current <= b.limit {
		return text
	}

	ratio := float64(b.limit) / float64(current)
	charLimit := int(float64(len(text)) * ratio * 0.9)
	if charLimit >= len(text) {
		return text
	}
	return text[:charLimit] + "..."
}
