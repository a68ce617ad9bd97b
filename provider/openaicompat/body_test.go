package openaicompat

import (
	"encoding/json"
	"testing"

	"github.com/atelierhq/atelier"
)

func TestBuildBodyRoles(t *testing.T) {
	temp := 0.2
	req := atelier.ChatRequest{
		Model: "gpt-4o",
		Messages: []atelier.ChatMessage{
			atelier.SystemMessage("be brief"),
			atelier.UserMessage("hello"),
			{Role: "assistant", Content: "hi"},
		},
		Temperature: &temp,
		MaxTokens:   100,
	}
	body := BuildBody(req)
	if body.Model != "gpt-4o" || body.MaxTokens != 100 || body.Temperature == nil {
		t.Errorf("request shape lost: %+v", body)
	}
	if len(body.Messages) != 3 || body.Messages[0].Role != "system" || body.Messages[1].Role != "user" {
		t.Errorf("unexpected messages %+v", body.Messages)
	}
}

func TestBuildBodyAssistantToolCalls(t *testing.T) {
	req := atelier.ChatRequest{
		Messages: []atelier.ChatMessage{
			{Role: "assistant", ToolCalls: []atelier.ToolCall{
				{ID: "call-1", Name: "read_file", Args: json.RawMessage(`{"path":"a.go"}`)},
			}},
			{Role: "tool", Content: "file contents", ToolCallID: "call-1"},
		},
	}
	body := BuildBody(req)
	if len(body.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(body.Messages))
	}

	assistant := body.Messages[0]
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].Type != "function" {
		t.Fatalf("tool call not converted: %+v", assistant)
	}
	fn := assistant.ToolCalls[0].Function
	if fn.Name != "read_file" || fn.Arguments != `{"path":"a.go"}` {
		t.Errorf("unexpected function %+v", fn)
	}

	tool := body.Messages[1]
	if tool.Role != "tool" || tool.ToolCallID != "call-1" {
		t.Errorf("tool result not converted: %+v", tool)
	}
}

func TestBuildToolDefs(t *testing.T) {
	defs := BuildToolDefs([]atelier.ToolSchema{
		{Name: "echo", Description: "echoes", Parameters: json.RawMessage(`{"type":"object"}`)},
		{Name: "bare"},
	})
	if len(defs) != 2 {
		t.Fatalf("expected 2 defs, got %d", len(defs))
	}
	if defs[0].Type != "function" || defs[0].Function.Name != "echo" {
		t.Errorf("unexpected def %+v", defs[0])
	}
	// Missing parameters become an empty object, never null.
	if string(defs[1].Function.Parameters) != `{}` {
		t.Errorf("expected {} parameters, got %s", defs[1].Function.Parameters)
	}
}
