package observer

import (
	"testing"

	"github.com/atelierhq/atelier"
)

func TestCalculateKnownModel(t *testing.T) {
	c := NewCostCalculator(nil)
	// gpt-4o: $2.50/MTok in, $10.00/MTok out.
	got := c.Calculate("gpt-4o", 1_000_000, 100_000)
	want := 2.50 + 1.00
	if got != want {
		t.Errorf("expected %.4f, got %.4f", want, got)
	}
}

func TestCalculateUnknownModelIsFree(t *testing.T) {
	c := NewCostCalculator(nil)
	if got := c.Calculate("mystery-model", 1_000_000, 1_000_000); got != 0 {
		t.Errorf("unknown model should cost 0, got %f", got)
	}
}

func TestCalculateOverrides(t *testing.T) {
	c := NewCostCalculator(map[string]atelier.ModelPricing{
		"gpt-4o":       {InputPerMTok: 1.00, OutputPerMTok: 2.00},
		"local-llama3": {InputPerMTok: 0.05, OutputPerMTok: 0.10},
	})

	// Override replaces the default.
	if got := c.Calculate("gpt-4o", 1_000_000, 0); got != 1.00 {
		t.Errorf("override not applied: %f", got)
	}
	// New entries extend the table.
	if got := c.Calculate("local-llama3", 0, 1_000_000); got != 0.10 {
		t.Errorf("extension not applied: %f", got)
	}
	// Untouched defaults survive the merge.
	if got := c.Calculate("gpt-4o-mini", 1_000_000, 0); got != 0.15 {
		t.Errorf("default lost in merge: %f", got)
	}
}

func TestPricingExposed(t *testing.T) {
	c := NewCostCalculator(map[string]atelier.ModelPricing{"x": {InputPerMTok: 1}})
	p := c.Pricing()
	if _, ok := p["gpt-4o"]; !ok {
		t.Error("merged table should include defaults")
	}
	if _, ok := p["x"]; !ok {
		t.Error("merged table should include overrides")
	}
}
