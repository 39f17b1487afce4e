// Package promptbudget enforces a maximum prompt size measured in model
// tokens, checked before a prompt is persisted.
package promptbudget

import (
	"errors"
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// ErrPromptTooLarge is returned when a prompt exceeds the configured budget.
var ErrPromptTooLarge = errors.New("prompt exceeds token budget")

// Budget counts tokens with a cached encoder.
type Budget struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
}

// New creates a Budget with the given maximum. A maxTokens <= 0 disables
// the check.
func New(maxTokens int) (*Budget, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("get tokenizer: %w", err)
	}
	return &Budget{tokenizer: enc, maxTokens: maxTokens}, nil
}

// Count returns the token count for a string.
func (b *Budget) Count(text string) int {
	return len(b.tokenizer.Encode(text, nil, nil))
}

// Check returns ErrPromptTooLarge when text exceeds the budget.
func (b *Budget) Check(text string) error {
	if b.maxTokens <= 0 {
		return nil
	}
	if n := b.Count(text); n > b.maxTokens {
		return fmt.Errorf("%w: %d tokens (max %d)", ErrPromptTooLarge, n, b.maxTokens)
	}
	return nil
}
