package openaicompat

import (
	"context"
	"strings"
	"testing"

	"github.com/atelierhq/atelier"
)

func collectStream(t *testing.T, sse string) (atelier.ChatResponse, []atelier.StreamEvent) {
	t.Helper()
	ch := make(chan atelier.StreamEvent, 16)
	done := make(chan []atelier.StreamEvent)
	go func() {
		var events []atelier.StreamEvent
		for ev := range ch {
			events = append(events, ev)
		}
		done <- events
	}()
	resp, err := StreamSSE(context.Background(), strings.NewReader(sse), ch)
	if err != nil {
		t.Fatalf("StreamSSE: %v", err)
	}
	return resp, <-done
}

func TestStreamSSEContent(t *testing.T) {
	sse := `data: {"id":"1","choices":[{"delta":{"content":"Hel"}}]}
data: {"id":"1","choices":[{"delta":{"content":"lo"}}]}
data: {"id":"1","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":2}}
data: [DONE]
`
	resp, events := collectStream(t, sse)
	if resp.Content != "Hello" {
		t.Errorf("expected accumulated Hello, got %q", resp.Content)
	}
	if resp.Usage.InputTokens != 9 || resp.Usage.OutputTokens != 2 {
		t.Errorf("usage lost: %+v", resp.Usage)
	}
	if len(events) != 2 || events[0].Content != "Hel" {
		t.Errorf("unexpected events %+v", events)
	}
}

func TestStreamSSEToolCallAssembly(t *testing.T) {
	// Arguments arrive as fragments across chunks, keyed by index.
	sse := `data: {"id":"1","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-1","function":{"name":"read_file","arguments":"{\"pa"}}]}}]}
data: {"id":"1","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"th\":\"a.go\"}"}}]}}]}
data: [DONE]
`
	resp, _ := collectStream(t, sse)
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call-1" || tc.Name != "read_file" || string(tc.Args) != `{"path":"a.go"}` {
		t.Errorf("unexpected call %+v", tc)
	}
}

func TestStreamSSESkipsMalformedChunks(t *testing.T) {
	sse := `data: {not json}
data: {"id":"1","choices":[{"delta":{"content":"ok"}}]}
: comment line
data: [DONE]
`
	resp, _ := collectStream(t, sse)
	if resp.Content != "ok" {
		t.Errorf("malformed chunks should be skipped, got %q", resp.Content)
	}
}

func TestStreamSSEConsumerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Unbuffered channel with no reader: the send must bail on ctx.
	ch := make(chan atelier.StreamEvent)
	_, err := StreamSSE(ctx, strings.NewReader(`data: {"id":"1","choices":[{"delta":{"content":"x"}}]}`+"\n"), ch)
	if err == nil {
		t.Error("expected context error")
	}
}
