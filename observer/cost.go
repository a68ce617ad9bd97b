package observer

import "github.com/atelierhq/atelier"

// DefaultPricing contains per-million-token prices for common models. Users
// override or extend via [pricing] in atelier.toml.
var DefaultPricing = map[string]atelier.ModelPricing{
	// OpenAI
	"gpt-4o":       {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":  {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4.1":      {InputPerMTok: 2.00, OutputPerMTok: 8.00},
	"gpt-4.1-mini": {InputPerMTok: 0.40, OutputPerMTok: 1.60},
	"gpt-4.1-nano": {InputPerMTok: 0.10, OutputPerMTok: 0.40},
	"o3-mini":      {InputPerMTok: 1.10, OutputPerMTok: 4.40},

	// Anthropic
	"claude-sonnet-4-5": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-haiku-3-5":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"claude-opus-4":     {InputPerMTok: 15.00, OutputPerMTok: 75.00},
}

// CostCalculator computes USD cost from token counts.
type CostCalculator struct {
	pricing map[string]atelier.ModelPricing
}

// NewCostCalculator creates a calculator with default pricing, optionally
// merged with overrides.
func NewCostCalculator(overrides map[string]atelier.ModelPricing) *CostCalculator {
	merged := make(map[string]atelier.ModelPricing, len(DefaultPricing)+len(overrides))
	for k, v := range DefaultPricing {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return &CostCalculator{pricing: merged}
}

// Pricing returns the merged pricing table, for feeding the gateway.
func (c *CostCalculator) Pricing() map[string]atelier.ModelPricing {
	return c.pricing
}

// Calculate returns the cost in USD for the given model and token counts.
// Unknown models cost 0.
func (c *CostCalculator) Calculate(model string, inputTokens, outputTokens int) float64 {
	p, ok := c.pricing[model]
	if !ok {
		return 0.0
	}
	return float64(inputTokens)/1_000_000*p.InputPerMTok +
		float64(outputTokens)/1_000_000*p.OutputPerMTok
}
