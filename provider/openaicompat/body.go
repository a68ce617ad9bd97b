package openaicompat

import (
	"encoding/json"

	"github.com/atelierhq/atelier"
)

// BuildBody converts atelier ChatMessages and a model name into an
// OpenAI-format ChatRequest. System messages stay in the messages array as
// role:"system".
func BuildBody(req atelier.ChatRequest) ChatRequest {
	var msgs []Message
	for _, m := range req.Messages {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msgs = append(msgs, Message{Role: "assistant", Content: m.Content, ToolCalls: tcs})

		case m.Role == "tool":
			msgs = append(msgs, Message{Role: "tool", Content: m.Content, ToolCallID: m.ToolCallID})

		default:
			msgs = append(msgs, Message{Role: m.Role, Content: m.Content})
		}
	}

	out := ChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if len(req.Tools) > 0 {
		out.Tools = BuildToolDefs(req.Tools)
	}
	return out
}

// BuildToolDefs converts atelier ToolSchemas to the OpenAI tool format.
func BuildToolDefs(tools []atelier.ToolSchema) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
