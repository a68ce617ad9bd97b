// Package anthropic implements atelier.Provider for the Anthropic Messages
// API. System messages are lifted into the top-level system field and tool
// results ride as tool_result content blocks.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/atelierhq/atelier"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Provider implements atelier.Provider against the Messages API.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limits  atelier.ProviderLimits
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base (proxies, gateways).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithLimits declares the provider's rate and context limits.
func WithLimits(l atelier.ProviderLimits) Option {
	return func(p *Provider) { p.limits = l }
}

// New creates an Anthropic provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{},
		limits: atelier.ProviderLimits{
			AcceptsTemperature: true,
			StreamsToolCalls:   true,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string                   { return "anthropic" }
func (p *Provider) Limits() atelier.ProviderLimits { return p.limits }

// --- Wire types ---

type apiRequest struct {
	Model       string       `json:"model"`
	System      string       `json:"system,omitempty"`
	Messages    []apiMessage `json:"messages"`
	Tools       []apiTool    `json:"tools,omitempty"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

type apiMessage struct {
	Role    string     `json:"role"`
	Content []apiBlock `json:"content"`
}

type apiBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// tool_use fields
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	// tool_result fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type apiTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type apiResponse struct {
	Content []apiBlock `json:"content"`
	Usage   apiUsage   `json:"usage"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// buildBody translates the request, folding consecutive system messages into
// the top-level system field.
func buildBody(req atelier.ChatRequest) apiRequest {
	out := apiRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		switch {
		case m.Role == "system":
			system = append(system, m.Content)

		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var blocks []apiBlock
			if m.Content != "" {
				blocks = append(blocks, apiBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Args
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, apiBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			out.Messages = append(out.Messages, apiMessage{Role: "assistant", Content: blocks})

		case m.Role == "tool":
			out.Messages = append(out.Messages, apiMessage{Role: "user", Content: []apiBlock{
				{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content},
			}})

		default:
			out.Messages = append(out.Messages, apiMessage{Role: m.Role, Content: []apiBlock{
				{Type: "text", Text: m.Content},
			}})
		}
	}
	out.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{}`)
		}
		out.Tools = append(out.Tools, apiTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out
}

func parseResponse(resp apiResponse) atelier.ChatResponse {
	var out atelier.ChatResponse
	var text strings.Builder
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args := b.Input
			if len(args) == 0 || !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, atelier.ToolCall{ID: b.ID, Name: b.Name, Args: args})
		}
	}
	out.Content = text.String()
	out.Usage = atelier.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	return out
}

// Chat sends a non-streaming request.
func (p *Provider) Chat(ctx context.Context, req atelier.ChatRequest) (atelier.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, buildBody(req))
	if err != nil {
		return atelier.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return atelier.ChatResponse{}, p.httpErr(resp)
	}
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return atelier.ChatResponse{}, &atelier.LLMError{Provider: "anthropic", Message: fmt.Sprintf("decode response: %v", err)}
	}
	return parseResponse(out), nil
}

// ChatStream streams text deltas into ch and returns the accumulated
// response. Tool-use input deltas are accumulated, not forwarded.
func (p *Provider) ChatStream(ctx context.Context, req atelier.ChatRequest, ch chan<- atelier.StreamEvent) (atelier.ChatResponse, error) {
	body := buildBody(req)
	body.Stream = true

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
	return p.streamSSE(ctx, resp.Body, ch)
}

// Anthropic SSE event payloads.
type streamChunk struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	// content_block_start
	ContentBlock *apiBlock `json:"content_block,omitempty"`
	// content_block_delta
	Delta struct {
		Type        string `json:"type"` // "text_delta" or "input_json_delta"
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
	// message_start / message_delta
	Message *apiResponse `json:"message,omitempty"`
	Usage   *apiUsage    `json:"usage,omitempty"`
}

func (p *Provider) streamSSE(ctx context.Context, body io.Reader, ch chan<- atelier.StreamEvent) (atelier.ChatResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var text strings.Builder
	var usage atelier.Usage
	type partialCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	calls := make(map[int]*partialCall)
	var order []int

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			continue
		}
		switch chunk.Type {
		case "message_start":
			if chunk.Message != nil {
				usage.InputTokens = chunk.Message.Usage.InputTokens
			}
		case "content_block_start":
			if chunk.ContentBlock != nil && chunk.ContentBlock.Type == "tool_use" {
				calls[chunk.Index] = &partialCall{ID: chunk.ContentBlock.ID, Name: chunk.ContentBlock.Name}
				order = append(order, chunk.Index)
			}
		case "content_block_delta":
			switch chunk.Delta.Type {
			case "text_delta":
				text.WriteString(chunk.Delta.Text)
				select {
				case ch <- atelier.StreamEvent{Type: atelier.EventTextDelta, Content: chunk.Delta.Text}:
				case <-ctx.Done():
					return atelier.ChatResponse{}, ctx.Err()
				}
			case "input_json_delta":
				if c, ok := calls[chunk.Index]; ok {
					c.Args.WriteString(chunk.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if chunk.Usage != nil {
				usage.OutputTokens = chunk.Usage.OutputTokens
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return atelier.ChatResponse{}, err
	}

	out := atelier.ChatResponse{Content: text.String(), Usage: usage}
	for _, idx := range order {
		c := calls[idx]
		args := json.RawMessage(c.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, atelier.ToolCall{ID: c.ID, Name: c.Name, Args: args})
	}
	return out, nil
}

func (p *Provider) sendHTTP(ctx context.Context, body apiRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &atelier.LLMError{Provider: "anthropic", Message: fmt.Sprintf("marshal request: %v", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, &atelier.LLMError{Provider: "anthropic", Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &atelier.LLMError{Provider: "anthropic", Message: err.Error()}
	}
	return resp, nil
}

func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &atelier.LLMError{
		Provider:   "anthropic",
		Status:     resp.StatusCode,
		Message:    string(body),
		RetryAfter: atelier.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

var _ atelier.Provider = (*Provider)(nil)
