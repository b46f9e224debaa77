// Package cost prices provider calls from token usage.
package cost

import (
	"math"
	"unicode/utf8"

	"github.com/sells-group/ai-orchestrator/internal/config"
	"github.com/sells-group/ai-orchestrator/internal/model"
)

// Rate holds per-provider token pricing (USD per 1k tokens).
type Rate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Calculator computes costs for provider calls. Configured overrides take
// precedence over the rates stored on the provider row.
type Calculator struct {
	overrides map[string]Rate
}

// NewCalculator creates a Calculator with the given per-provider overrides.
func NewCalculator(overrides map[string]Rate) *Calculator {
	if overrides == nil {
		overrides = map[string]Rate{}
	}
	return &Calculator{overrides: overrides}
}

// FromConfig builds a Calculator from the pricing section.
func FromConfig(cfg config.PricingConfig) *Calculator {
	overrides := make(map[string]Rate, len(cfg.Providers))
	for name, p := range cfg.Providers {
		overrides[name] = Rate{Input: p.Input, Output: p.Output}
	}
	return NewCalculator(overrides)
}

// RateFor returns the effective rate for p.
func (c *Calculator) RateFor(p model.Provider) Rate {
	if r, ok := c.overrides[p.Name]; ok {
		return r
	}
	return Rate{Input: p.CostPer1KInput, Output: p.CostPer1KOutput}
}

// Tokens prices a call with the given token counts, rounded to 4 decimals.
func (c *Calculator) Tokens(p model.Provider, input, output int64) float64 {
	r := c.RateFor(p)
	inCost := (float64(input) / 1e3) * r.Input
	outCost := (float64(output) / 1e3) * r.Output
	return Round(inCost + outCost)
}

// Round rounds a USD amount to 4 decimal places.
func Round(usd float64) float64 {
	return math.Round(usd*1e4) / 1e4
}

// EstimateTokens approximates a token count for backends that do not report
// usage, at roughly four characters per token.
func EstimateTokens(text string) int64 {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return int64((n + 3) / 4)
}
