package atelier

import "context"

// ProviderLimits declares what a provider can do and how hard it may be
// driven. The gateway consults these for rate limiting and request shaping.
type ProviderLimits struct {
	// RPM and TPM are per-minute budgets; 0 disables that limit.
	RPM int
	TPM int
	// MaxContext is the provider's context window in tokens; 0 = unknown.
	MaxContext int
	// AcceptsTemperature is false for providers that reject the parameter;
	// the gateway coerces temperature to the provider default for those.
	AcceptsTemperature bool
	// StreamsToolCalls is true when tool-call deltas arrive on the stream.
	StreamsToolCalls bool
}

// Provider abstracts one LLM backend.
type Provider interface {
	// Name returns the provider id (e.g. "openai", "anthropic", "ollama").
	Name() string
	// Limits returns the provider's declared limits.
	Limits() ProviderLimits
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams events into ch, then returns the final response
	// with usage stats. Implementations close ch before returning.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)
}
