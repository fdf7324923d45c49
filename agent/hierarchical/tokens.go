package hierarchical

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// TokenCounter counts the tokens in a piece of model text.
type TokenCounter interface {
	CountTokens(text string) (int, error)
}

// Tokenizer names accepted by PlannerConfig.Tokenizer.
const (
	TokenizerEstimate = "estimate"
	TokenizerTiktoken = "tiktoken"
)

const defaultEncoding = "cl100k_base"

// modelEncodings maps model name prefixes to their tiktoken encoding.
var modelEncodings = map[string]string{
	"gpt-4o":                 "o200k_base",
	"gpt-4o-mini":            "o200k_base",
	"o1":                     "o200k_base",
	"gpt-4-turbo":            "cl100k_base",
	"gpt-4":                  "cl100k_base",
	"gpt-3.5-turbo":          "cl100k_base",
	"text-embedding-3-large": "cl100k_base",
	"text-embedding-3-small": "cl100k_base",
}

// encodingFor resolves model to an encoding: exact name, then the longest
// known prefix, then cl100k_base.
func encodingFor(model string) string {
	if enc, ok := modelEncodings[model]; ok {
		return enc
	}
	best, enc := "", defaultEncoding
	for prefix, e := range modelEncodings {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best, enc = prefix, e
		}
	}
	return enc
}

// =============================================================================
// TiktokenCounter
// =============================================================================

// TiktokenCounter counts with the BPE encoding of an OpenAI-family model.
// The encoding is loaded on first use, which may download its ranks.
type TiktokenCounter struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	initErr  error
}

// NewTiktokenCounter creates a counter for model.
func NewTiktokenCounter(model string) *TiktokenCounter {
	return &TiktokenCounter{encoding: encodingFor(model)}
}

// Encoding returns the tiktoken encoding name.
func (t *TiktokenCounter) Encoding() string { return t.encoding }

func (t *TiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// CountTokens implements TokenCounter.
func (t *TiktokenCounter) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// =============================================================================
// EstimateCounter
// =============================================================================

// EstimateCounter approximates token counts from character classes: CJK
// runs at about 1.5 characters per token, everything else at about 4.
type EstimateCounter struct{}

// CountTokens implements TokenCounter. Non-empty text is at least one token.
func (EstimateCounter) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	estimated := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF)
}

// =============================================================================
// Fallback
// =============================================================================

// fallbackCounter uses primary until it fails once, then estimates for the
// rest of its life.
type fallbackCounter struct {
	primary  TokenCounter
	fallback TokenCounter
	logger   *zap.Logger

	mu     sync.Mutex
	failed bool
}

// WithFallback wraps primary so that an error from it switches every later
// count to EstimateCounter.
func WithFallback(primary TokenCounter, logger *zap.Logger) TokenCounter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &fallbackCounter{primary: primary, fallback: EstimateCounter{}, logger: logger}
}

func (f *fallbackCounter) CountTokens(text string) (int, error) {
	f.mu.Lock()
	failed := f.failed
	f.mu.Unlock()
	if !failed {
		n, err := f.primary.CountTokens(text)
		if err == nil {
			return n, nil
		}
		f.mu.Lock()
		if !f.failed {
			f.failed = true
			f.logger.Warn("token counter unavailable, estimating instead", zap.Error(err))
		}
		f.mu.Unlock()
	}
	return f.fallback.CountTokens(text)
}

// newTokenCounter builds the counter named by config.
func newTokenCounter(config PlannerConfig, logger *zap.Logger) TokenCounter {
	switch config.Tokenizer {
	case TokenizerTiktoken:
		return WithFallback(NewTiktokenCounter(config.Model), logger)
	default:
		return EstimateCounter{}
	}
}
