// Package ollama implements atelier.Provider for a local Ollama daemon via
// its OpenAI-compatible endpoint. Reasoning models emit <think> blocks in
// their output; this wrapper strips them so verdict detection and transcripts
// see only the final answer.
package ollama

import (
	"context"
	"regexp"
	"strings"

	"github.com/atelierhq/atelier"
	"github.com/atelierhq/atelier/provider/openaicompat"
)

const defaultBaseURL = "http://localhost:11434/v1"

var thinkRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// Provider wraps the OpenAI-compatible adapter pointed at Ollama.
type Provider struct {
	inner *openaicompat.Provider
}

// Option configures a Provider.
type Option func(*options)

type options struct {
	baseURL string
	limits  atelier.ProviderLimits
}

// WithBaseURL overrides the daemon address.
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

// WithLimits declares the provider's limits. Local daemons usually want a
// small RPM and no TPM cap.
func WithLimits(l atelier.ProviderLimits) Option {
	return func(o *options) { o.limits = l }
}

// New creates an Ollama provider.
func New(opts ...Option) *Provider {
	o := options{
		baseURL: defaultBaseURL,
		limits: atelier.ProviderLimits{
			AcceptsTemperature: true,
			StreamsToolCalls:   false,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Provider{
		inner: openaicompat.NewProvider("", o.baseURL,
			openaicompat.WithName("ollama"),
			openaicompat.WithLimits(o.limits)),
	}
}

func (p *Provider) Name() string                   { return "ollama" }
func (p *Provider) Limits() atelier.ProviderLimits { return p.inner.Limits() }

func (p *Provider) Chat(ctx context.Context, req atelier.ChatRequest) (atelier.ChatResponse, error) {
	resp, err := p.inner.Chat(ctx, req)
	resp.Content = stripThink(resp.Content)
	return resp, err
}

// ChatStream delegates to the inner provider. Deltas stream through as-is
// because think tags span chunks; only the accumulated content is cleaned.
func (p *Provider) ChatStream(ctx context.Context, req atelier.ChatRequest, ch chan<- atelier.StreamEvent) (atelier.ChatResponse, error) {
	resp, err := p.inner.ChatStream(ctx, req, ch)
	resp.Content = stripThink(resp.Content)
	return resp, err
}

func stripThink(s string) string {
	return strings.TrimSpace(thinkRe.ReplaceAllString(s, ""))
}

var _ atelier.Provider = (*Provider)(nil)
