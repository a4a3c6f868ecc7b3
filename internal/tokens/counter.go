// Package tokens estimates the size of text in model tokens.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter sizes text in tokens.
type Counter interface {
	Count(text string) int
}

// WordsPerToken is the heuristic multiplier: roughly 1.3 tokens per word.
const WordsPerToken = 1.3

// Heuristic approximates token counts from whitespace-separated words.
type Heuristic struct{}

// Count returns int(words * 1.3).
func (Heuristic) Count(text string) int {
	return int(float64(len(strings.Fields(text))) * WordsPerToken)
}

// BPE counts tokens with a tiktoken encoding.
type BPE struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewBPE loads the named encoding (e.g. "cl100k_base").
func NewBPE(encoding string) (*BPE, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encoding, err)
	}
	return &BPE{enc: enc}, nil
}

// Count returns the exact BPE token count of text.
func (b *BPE) Count(text string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.enc.Encode(text, nil, nil))
}

// New returns the counter named by kind: "heuristic" (default) or a
// tiktoken encoding name prefixed with "tiktoken:" such as "tiktoken:cl100k_base".
func New(kind string) (Counter, error) {
	switch {
	case kind == "" || kind == "heuristic":
		return Heuristic{}, nil
	case strings.HasPrefix(kind, "tiktoken:"):
		return NewBPE(strings.TrimPrefix(kind, "tiktoken:"))
	}
	return nil, fmt.Errorf("unknown token counter %q", kind)
}
