package openaicompat

import (
	"encoding/json"

	"github.com/atelierhq/atelier"
)

// ParseResponse converts an OpenAI-format ChatResponse to an atelier
// ChatResponse, extracting content, tool calls, and usage from choices[0].
func ParseResponse(resp ChatResponse) (atelier.ChatResponse, error) {
	var out atelier.ChatResponse
	if len(resp.Choices) == 0 {
		return out, nil
	}
	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}
	if resp.Usage != nil {
		out.Usage = atelier.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to atelier ToolCalls.
// The API returns function.arguments as a JSON string.
func ParseToolCalls(tcs []ToolCallRequest) []atelier.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]atelier.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, atelier.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
