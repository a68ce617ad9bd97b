package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/atelierhq/atelier"
)

// Provider implements atelier.Provider for any OpenAI-compatible API. It
// uses the shared helpers in this package (BuildBody, StreamSSE,
// ParseResponse) for body building, streaming, and response parsing.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, vLLM, LM Studio, Azure OpenAI, and any other endpoint that
// implements the chat completions API.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	name    string
	limits  atelier.ProviderLimits
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name (default "openai").
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithLimits declares the provider's rate and context limits.
func WithLimits(l atelier.ProviderLimits) ProviderOption {
	return func(p *Provider) { p.limits = l }
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically.
func NewProvider(apiKey, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
		limits: atelier.ProviderLimits{
			AcceptsTemperature: true,
			StreamsToolCalls:   true,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via
// WithName).
func (p *Provider) Name() string { return p.name }

// Limits returns the declared provider limits.
func (p *Provider) Limits() atelier.ProviderLimits { return p.limits }

// Chat sends a non-streaming chat request and returns the complete
// response. When req.Tools is non-empty, the response may contain ToolCalls.
func (p *Provider) Chat(ctx context.Context, req atelier.ChatRequest) (atelier.ChatResponse, error) {
	body := BuildBody(req)
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return atelier.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return atelier.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return atelier.ChatResponse{}, &atelier.LLMError{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return ParseResponse(chatResp)
}

// ChatStream streams text-delta events into ch, then returns the final
// accumulated response. The channel is closed when streaming completes (via
// StreamSSE) or on error.
func (p *Provider) ChatStream(ctx context.Context, req atelier.ChatRequest, ch chan<- atelier.StreamEvent) (atelier.ChatResponse, error) {
	body := BuildBody(req)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return atelier.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return atelier.ChatResponse{}, p.httpErr(resp)
	}

	// StreamSSE closes ch when done.
	return StreamSSE(ctx, resp.Body, ch)
}

// sendHTTP marshals the request body and sends it to the chat completions
// endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &atelier.LLMError{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &atelier.LLMError{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &atelier.LLMError{Provider: p.name, Message: err.Error()}
	}
	return resp, nil
}

// httpErr reads the response body and returns an LLMError the gateway can
// classify. Parses the Retry-After header when present (429/503 responses).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &atelier.LLMError{
		Provider:   p.name,
		Status:     resp.StatusCode,
		Message:    string(body),
		RetryAfter: atelier.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

var _ atelier.Provider = (*Provider)(nil)
