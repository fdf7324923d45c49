package hierarchical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEncodingFor(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "o200k_base"},
		{"gpt-4o-mini-2024-07-18", "o200k_base"},
		{"gpt-4-0613", "cl100k_base"},
		{"gpt-4-turbo-preview", "cl100k_base"},
		{"gpt-3.5-turbo-16k", "cl100k_base"},
		{"claude-sonnet", "cl100k_base"},
		{"", "cl100k_base"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, encodingFor(tt.model))
			assert.Equal(t, tt.want, NewTiktokenCounter(tt.model).Encoding())
		})
	}
}

func TestTiktokenCounter_EmptyTextSkipsEncoding(t *testing.T) {
	n, err := NewTiktokenCounter("gpt-4o").CountTokens("")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEstimateCounter(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"short text rounds up to one", "hi", 1},
		{"ascii at four per token", "abcdefghijklmnop", 4},
		{"cjk at one and a half per token", "你好世界你好", 4},
		{"mixed", "abcd你好世", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := EstimateCounter{}.CountTokens(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestWithFallback(t *testing.T) {
	broken := &brokenCounter{}
	c := WithFallback(broken, zaptest.NewLogger(t))

	n, err := c.CountTokens("abcdefgh")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = c.CountTokens("abcdefghijkl")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, broken.calls, "primary is not retried after failing")

	healthy := WithFallback(wordCounter{}, nil)
	n, err = healthy.CountTokens("one two three")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestNewTokenCounter(t *testing.T) {
	assert.IsType(t, EstimateCounter{}, newTokenCounter(PlannerConfig{}, nil))
	assert.IsType(t, EstimateCounter{}, newTokenCounter(PlannerConfig{Tokenizer: TokenizerEstimate}, nil))

	c := newTokenCounter(PlannerConfig{Tokenizer: TokenizerTiktoken, Model: "gpt-4"}, nil)
	fb, ok := c.(*fallbackCounter)
	require.True(t, ok)
	tk, ok := fb.primary.(*TiktokenCounter)
	require.True(t, ok)
	assert.Equal(t, "cl100k_base", tk.Encoding())
}
