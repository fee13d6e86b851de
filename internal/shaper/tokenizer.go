// Package shaper prepares conversation histories for the providers: memory
// injection, per-message trimming, and automatic compaction of long
// histories, all under token budgets.
package shaper

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
)

// Tokenizer counts tokens for a model. Different models use different
// tokenization schemes, so the model name is part of the call.
type Tokenizer interface {
	CountTokens(text string, model string) (int, error)
}

// Heuristic estimates tokens without a vocabulary: roughly 4 characters per
// token, discounted for whitespace. Good enough for budgets when no encoding
// is available, and the only counter used in tests.
type Heuristic struct{}

// CountTokens implements Tokenizer by estimation.
func (Heuristic) CountTokens(text string, model string) (int, error) {
	return estimateTokens(text), nil
}

func estimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	charCount := len([]rune(text))
	whitespace := strings.Count(text, " ") + strings.Count(text, "\n") + strings.Count(text, "\t")

	estimated := (charCount / 4) + (whitespace / 6)
	if estimated < 1 {
		return 1
	}
	return estimated
}

// Tiktoken counts with real BPE vocabularies, caching one encoding per model.
// Unknown models fall back to cl100k_base.
type Tiktoken struct {
	mu    sync.Mutex
	cache map[string]*tiktoken.Tiktoken
}

// NewTiktoken creates an empty tokenizer cache.
func NewTiktoken() *Tiktoken {
	return &Tiktoken{cache: make(map[string]*tiktoken.Tiktoken)}
}

// CountTokens implements Tokenizer with the model's own encoding.
func (t *Tiktoken) CountTokens(text string, model string) (int, error) {
	enc, err := t.encodingFor(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

func (t *Tiktoken) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if enc, ok := t.cache[model]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	t.cache[model] = enc
	return enc, nil
}

// Count never fails: the tokenizer's count when it works, the heuristic
// estimate otherwise.
func Count(tok Tokenizer, text string, model string) int {
	if tok != nil {
		if n, err := tok.CountTokens(text, model); err == nil {
			return n
		}
	}
	return estimateTokens(text)
}

// CountMessages counts tokens across a history, including role names, tool
// calls, and a small per-message formatting overhead.
func CountMessages(tok Tokenizer, messages []engine.Message, model string) int {
	const perMessageOverhead = 4

	total := 0
	for _, msg := range messages {
		total += Count(tok, string(msg.Role), model)
		total += Count(tok, msg.TextContent(), model)
		for _, tc := range msg.ToolCalls {
			total += Count(tok, tc.Name, model)
			total += Count(tok, tc.ArgsJSON, model)
		}
		total += perMessageOverhead
	}
	return total
}
