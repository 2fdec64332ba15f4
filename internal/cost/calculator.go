// Package cost prices backend calls, estimates batch cost up front and
// enforces the run budget.
package cost

import "github.com/sells-group/extract-cli/internal/config"

// Rates holds per-model token pricing for the hosted tiers.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Usage is the token accounting reported by a hosted model call.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	CacheWriteTokens int
	CacheReadTokens  int
}

// Calculator turns token usage into USD.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost of one Claude call. Unknown models cost 0 so the
// caller falls back to the flat tier price.
func (c *Calculator) Claude(model string, u Usage) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}

	perTok := rate.Input / 1e6
	return float64(u.InputTokens)*perTok +
		float64(u.OutputTokens)*rate.Output/1e6 +
		float64(u.CacheWriteTokens)*perTok*rate.CacheWriteMul +
		float64(u.CacheReadTokens)*perTok*rate.CacheReadMul
}

// DefaultRates returns the default Anthropic pricing.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
			"claude-opus-4-6":            {Input: 15.00, Output: 75.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
		},
	}
}

// RatesFromConfig overlays configured model pricing on the defaults.
func RatesFromConfig(p config.PricingConfig) Rates {
	rates := DefaultRates()
	for model, mp := range p.Anthropic {
		rates.Anthropic[model] = ModelRate{
			Input:         mp.Input,
			Output:        mp.Output,
			CacheWriteMul: mp.CacheWriteMul,
			CacheReadMul:  mp.CacheReadMul,
		}
	}
	return rates
}
