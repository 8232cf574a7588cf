package contextasm

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the BPE encoding used for budget accounting.
const DefaultEncoding = "cl100k_base"

// TokenCounter measures text against the context budget.
type TokenCounter interface {
	CountTokens(text string) int
}

// Tokenizer counts tokens with a tiktoken encoding. A nil Tokenizer, or one whose
// encoding could not be loaded, estimates four bytes per token.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer loads the default encoding.
func NewTokenizer() (*Tokenizer, error) {
	return NewTokenizerFor(DefaultEncoding)
}

// NewTokenizerFor loads the named encoding.
func NewTokenizerFor(encoding string) (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("contextasm: load encoding %s: %w", encoding, err)
	}
	return &Tokenizer{enc: enc}, nil
}

// CountTokens returns the number of tokens in text.
func (t *Tokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if t == nil || t.enc == nil {
		return estimateTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
