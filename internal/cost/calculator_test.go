package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/extract-cli/internal/config"
)

func testRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"haiku":  {Input: 0.80, Output: 4.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
			"sonnet": {Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
		},
	}
}

func TestClaude(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name  string
		model string
		usage Usage
		want  float64
	}{
		{
			name:  "haiku simple",
			model: "haiku",
			usage: Usage{InputTokens: 1000000, OutputTokens: 100000},
			want:  0.80 + 0.40,
		},
		{
			name:  "haiku with cache",
			model: "haiku",
			usage: Usage{InputTokens: 500000, OutputTokens: 50000, CacheWriteTokens: 200000, CacheReadTokens: 300000},
			// in 0.40, out 0.20, cw 0.2 * 0.80 * 1.25, cr 0.3 * 0.80 * 0.1
			want: 0.40 + 0.20 + 0.20 + 0.024,
		},
		{
			name:  "sonnet",
			model: "sonnet",
			usage: Usage{InputTokens: 1000000, OutputTokens: 100000},
			want:  3.00 + 1.50,
		},
		{
			name:  "unknown model returns 0",
			model: "unknown",
			usage: Usage{InputTokens: 1000000, OutputTokens: 1000000},
			want:  0,
		},
		{
			name:  "zero tokens returns 0",
			model: "haiku",
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, calc.Claude(tt.model, tt.usage), 0.001)
		})
	}
}

func TestRatesFromConfig(t *testing.T) {
	t.Parallel()
	rates := RatesFromConfig(config.PricingConfig{
		Anthropic: map[string]config.ModelPricing{
			"custom-model": {Input: 1, Output: 2},
		},
	})

	assert.Contains(t, rates.Anthropic, "claude-haiku-4-5-20251001")
	assert.Contains(t, rates.Anthropic, "claude-opus-4-6")
	assert.InDelta(t, 2.0, rates.Anthropic["custom-model"].Output, 0.001)
}
