package atelier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func hardErr(provider string) error {
	return &LLMError{Provider: provider, Status: 400, Message: "bad request"}
}

func rateLimitErr(provider string, retryAfter time.Duration) error {
	return &LLMError{Provider: provider, Status: 429, Message: "rate limited", RetryAfter: retryAfter}
}

func TestGatewayFallback(t *testing.T) {
	a := newScriptProvider("a", errStep(hardErr("a")))
	b := newScriptProvider("b", textStep("from b"))
	g := NewGateway([]Provider{a, b})

	resp, id, err := g.Complete(context.Background(), CompletionRequest{Request: ChatRequest{Model: "m"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "b" {
		t.Errorf("expected provider b, got %s", id)
	}
	if resp.Content != "from b" {
		t.Errorf("unexpected content %q", resp.Content)
	}
}

func TestGatewayExhausted(t *testing.T) {
	a := newScriptProvider("a", errStep(hardErr("a")))
	g := NewGateway([]Provider{a})

	_, _, err := g.Complete(context.Background(), CompletionRequest{Request: ChatRequest{Model: "m"}})
	if !errors.Is(err, ErrProvidersExhausted) {
		t.Errorf("expected providers_exhausted, got %v", err)
	}
}

func TestGatewayTransientRetry(t *testing.T) {
	a := newScriptProvider("a",
		errStep(&LLMError{Provider: "a", Status: 503, Message: "overloaded"}),
		textStep("recovered"))
	g := NewGateway([]Provider{a})

	resp, id, err := g.Complete(context.Background(), CompletionRequest{Request: ChatRequest{Model: "m"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "a" || resp.Content != "recovered" {
		t.Errorf("expected retried success on a, got %s %q", id, resp.Content)
	}
	if a.callCount() != 2 {
		t.Errorf("expected 2 calls, got %d", a.callCount())
	}
}

func TestGatewayRateLimitCooldown(t *testing.T) {
	now := time.Now()
	a := newScriptProvider("a", errStep(rateLimitErr("a", 0)), textStep("a again"))
	b := newScriptProvider("b", textStep("from b"), textStep("from b"))
	g := NewGateway([]Provider{a, b}, WithCooldown(time.Minute))
	g.now = func() time.Time { return now }

	// First call: a is rate limited, b serves.
	_, id, err := g.Complete(context.Background(), CompletionRequest{Request: ChatRequest{Model: "m"}})
	if err != nil || id != "b" {
		t.Fatalf("expected fallback to b, got %s %v", id, err)
	}

	// While cooling, a is skipped without being called.
	calls := a.callCount()
	_, id, _ = g.Complete(context.Background(), CompletionRequest{Request: ChatRequest{Model: "m"}})
	if id != "b" {
		t.Errorf("expected b during cooldown, got %s", id)
	}
	if a.callCount() != calls {
		t.Error("cooling provider should not be called")
	}

	// Cooldown elapsed: a serves again.
	now = now.Add(2 * time.Minute)
	_, id, _ = g.Complete(context.Background(), CompletionRequest{Request: ChatRequest{Model: "m"}})
	if id != "a" {
		t.Errorf("expected a after cooldown, got %s", id)
	}
}

func TestGatewayRetryAfterExtendsCooldown(t *testing.T) {
	now := time.Now()
	a := newScriptProvider("a", errStep(rateLimitErr("a", 10*time.Minute)))
	b := newScriptProvider("b")
	g := NewGateway([]Provider{a, b}, WithCooldown(time.Minute))
	g.now = func() time.Time { return now }

	g.Complete(context.Background(), CompletionRequest{Request: ChatRequest{Model: "m"}})

	// Past the configured cooldown but inside Retry-After: still skipped.
	now = now.Add(5 * time.Minute)
	calls := a.callCount()
	_, id, _ := g.Complete(context.Background(), CompletionRequest{Request: ChatRequest{Model: "m"}})
	if id != "b" || a.callCount() != calls {
		t.Errorf("expected a still cooling, served by %s", id)
	}
}

func TestGatewayBreakerIsolation(t *testing.T) {
	steps := make([]scriptStep, breakerFailThreshold)
	for i := range steps {
		steps[i] = errStep(hardErr("a"))
	}
	a := newScriptProvider("a", steps...)
	b := newScriptProvider("b")
	g := NewGateway([]Provider{a, b})

	for i := 0; i < breakerFailThreshold; i++ {
		g.Complete(context.Background(), CompletionRequest{Request: ChatRequest{Model: "m"}})
	}

	states := g.ProviderStates()
	if states[0].Provider != "a" || states[0].Circuit != BreakerOpen {
		t.Errorf("expected a open, got %+v", states[0])
	}
	if states[1].Circuit != BreakerClosed {
		t.Errorf("expected b closed, got %+v", states[1])
	}

	// Tripped provider is skipped without a call.
	calls := a.callCount()
	_, id, _ := g.Complete(context.Background(), CompletionRequest{Request: ChatRequest{Model: "m"}})
	if id != "b" || a.callCount() != calls {
		t.Errorf("expected open a skipped, served by %s", id)
	}
}

func TestGatewayPreferredProvider(t *testing.T) {
	a := newScriptProvider("a", textStep("from a"))
	b := newScriptProvider("b", textStep("from b"))
	g := NewGateway([]Provider{a, b})

	_, id, err := g.Complete(context.Background(), CompletionRequest{
		Provider: "b",
		Request:  ChatRequest{Model: "m"},
	})
	if err != nil || id != "b" {
		t.Errorf("expected preferred b, got %s %v", id, err)
	}
}

func TestGatewayTemperatureCoercion(t *testing.T) {
	a := newScriptProvider("a", textStep("ok"))
	a.limits.AcceptsTemperature = false
	g := NewGateway([]Provider{a})

	temp := 0.7
	g.Complete(context.Background(), CompletionRequest{Request: ChatRequest{Model: "m", Temperature: &temp}})
	a.mu.Lock()
	got := a.lastReq.Temperature
	a.mu.Unlock()
	if got != nil {
		t.Errorf("expected temperature cleared, got %v", *got)
	}
}

type captureSink struct {
	mu     sync.Mutex
	events []UsageEvent
}

func (c *captureSink) EmitUsage(ctx context.Context, ev UsageEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func TestGatewayUsageAccounting(t *testing.T) {
	a := newScriptProvider("a", scriptStep{resp: ChatResponse{
		Content: "ok",
		Usage:   Usage{InputTokens: 1_000_000, OutputTokens: 500_000},
	}})
	sink := &captureSink{}
	g := NewGateway([]Provider{a},
		WithPricing(map[string]ModelPricing{"m": {InputPerMTok: 2, OutputPerMTok: 8}}),
		WithUsageSink(sink))

	ctx := WithRunContext(context.Background(), "run-1")
	g.Complete(ctx, CompletionRequest{Request: ChatRequest{Model: "m"}})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 {
		t.Fatalf("expected 1 usage event, got %d", len(sink.events))
	}
	ev := sink.events[0]
	if ev.RunID != "run-1" || ev.Provider != "a" || ev.Model != "m" {
		t.Errorf("unexpected event identity %+v", ev)
	}
	want := 2.0 + 4.0 // 1M input at $2/MTok + 0.5M output at $8/MTok
	if ev.CostUSD != want {
		t.Errorf("expected cost %.2f, got %.2f", want, ev.CostUSD)
	}
}

func TestGatewayStreamFailover(t *testing.T) {
	a := newScriptProvider("a", errStep(hardErr("a")))
	b := newScriptProvider("b", textStep("streamed"))
	g := NewGateway([]Provider{a, b})

	ch := make(chan StreamEvent, 16)
	resp, id, err := g.CompleteStream(context.Background(), CompletionRequest{Request: ChatRequest{Model: "m"}}, ch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "b" || resp.Content != "streamed" {
		t.Errorf("expected b to serve, got %s %q", id, resp.Content)
	}
	var events []StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) != 1 || events[0].Content != "streamed" {
		t.Errorf("unexpected stream events %+v", events)
	}
}
