// Package tokenizer reports token counts for strings and message lists.
//
// Two implementations are provided: an exact counter that mirrors a named
// model's BPE via tiktoken, and a cheap estimator. Context assembly uses the
// exact counter; eviction-threshold decisions may use either. When the exact
// encoding cannot be loaded the constructor degrades to the estimator and
// logs once per process.
package tokenizer

import (
	"fmt"
	"log/slog"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

// Per-message framing overhead and reply priming, per the OpenAI counting
// format (<|start|>role<|message|>…<|end|>).
const (
	tokensPerMessage = 3
	replyPriming     = 3
)

// Message is the minimal shape needed for message-list counting.
type Message struct {
	Role    string
	Content string
}

// Counter reports token counts. Implementations are pure, stateless and safe
// for concurrent use.
type Counter interface {
	// Count returns the token count of text.
	Count(text string) int

	// CountMessage returns the count of one framed message.
	CountMessage(role, content string) int

	// CountMessages returns the count of a full message list including the
	// reply priming tokens.
	CountMessages(messages []Message) int
}

var (
	// Encodings are expensive to initialize; cache them process-wide.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex

	fallbackOnce sync.Once
)

// Exact counts tokens with a model's actual BPE encoding.
type Exact struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// New returns a Counter for the given model. If the model's encoding cannot
// be resolved it falls back to cl100k_base; if no encoding can be loaded at
// all (e.g. the BPE data is unreachable) it returns an Estimator and logs
// once per process.
func New(model string) Counter {
	if enc, err := loadEncoding(model); err == nil {
		return &Exact{encoding: enc, model: model}
	}
	fallbackOnce.Do(func() {
		slog.Warn("exact tokenizer unavailable, falling back to estimator", "model", model)
	})
	return Estimator{}
}

// NewExact returns the exact counter or an error, for callers that must not
// silently degrade.
func NewExact(model string) (*Exact, error) {
	enc, err := loadEncoding(model)
	if err != nil {
		return nil, err
	}
	return &Exact{encoding: enc, model: model}, nil
}

func loadEncoding(model string) (*tiktoken.Tiktoken, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return cached, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(EncodingForModel(model))
		if err != nil {
			return nil, fmt.Errorf("failed to load encoding for %q: %w", model, err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = enc
	cacheMu.Unlock()
	return enc, nil
}

// Count returns the exact token count for text.
func (e *Exact) Count(text string) int {
	return len(e.encoding.Encode(text, nil, nil))
}

// CountMessage returns the exact count of one framed message.
func (e *Exact) CountMessage(role, content string) int {
	return tokensPerMessage + e.Count(role) + e.Count(content)
}

// CountMessages counts a message list including reply priming.
func (e *Exact) CountMessages(messages []Message) int {
	total := replyPriming
	for _, m := range messages {
		total += e.CountMessage(m.Role, m.Content)
	}
	return total
}

// Model returns the model this counter was built for.
func (e *Exact) Model() string { return e.model }

// FitWithinLimit returns the suffix of messages that fits within maxTokens,
// selected from most recent backwards.
func FitWithinLimit(c Counter, messages []Message, maxTokens int) []Message {
	if len(messages) == 0 {
		return messages
	}

	fitted := make([]Message, 0, len(messages))
	used := replyPriming
	for i := len(messages) - 1; i >= 0; i-- {
		n := c.CountMessage(messages[i].Role, messages[i].Content)
		if used+n > maxTokens {
			break
		}
		fitted = append([]Message{messages[i]}, fitted...)
		used += n
	}
	return fitted
}

// Estimator approximates token counts without an encoding: ASCII runes count
// one token per four characters, CJK runes one per two. Good enough for
// eviction thresholds, not for building LLM context.
type Estimator struct{}

// Count estimates the token count of text.
func (Estimator) Count(text string) int {
	ascii, cjk, other := 0, 0, 0
	for _, r := range text {
		switch {
		case r < 128:
			ascii++
		case isCJK(r):
			cjk++
		default:
			other++
		}
	}
	// Non-CJK multibyte text behaves closer to ASCII density.
	n := ascii/4 + cjk/2 + other/4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// CountMessage estimates one framed message.
func (est Estimator) CountMessage(role, content string) int {
	return tokensPerMessage + est.Count(role) + est.Count(content)
}

// CountMessages estimates a message list including reply priming.
func (est Estimator) CountMessages(messages []Message) int {
	total := replyPriming
	for _, m := range messages {
		total += est.CountMessage(m.Role, m.Content)
	}
	return total
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hangul, unicode.Hiragana, unicode.Katakana)
}

// EncodingForModel maps a model name to its tiktoken encoding name,
// defaulting to cl100k_base. Non-OpenAI models are approximated.
func EncodingForModel(model string) string {
	encodings := map[string]string{
		"gpt-4":             "cl100k_base",
		"gpt-4-turbo":       "cl100k_base",
		"gpt-4o":            "o200k_base",
		"gpt-4o-mini":       "o200k_base",
		"gpt-3.5-turbo":     "cl100k_base",
		"claude":            "cl100k_base",
		"claude-3":          "cl100k_base",
		"claude-3-5-sonnet": "cl100k_base",
		"gemini":            "cl100k_base",
		"gemini-1.5-pro":    "cl100k_base",
		"gemini-2.0-flash":  "cl100k_base",
	}

	if enc, ok := encodings[model]; ok {
		return enc
	}
	for prefix, enc := range encodings {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			return enc
		}
	}
	return "cl100k_base"
}
