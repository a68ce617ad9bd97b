package atelier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultCooldown is how long a provider is skipped after a rate-limit
// failure, unless the response carried a longer Retry-After.
const defaultCooldown = 90 * time.Second

// ModelPricing is the cost of one model in USD per million tokens.
type ModelPricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// UsageSink receives accounting events for completed gateway calls.
// The supervisor wires this to the bus and to the run's usage counters.
type UsageSink interface {
	EmitUsage(ctx context.Context, ev UsageEvent)
}

// CompletionRequest is one routed completion.
type CompletionRequest struct {
	// RunID attributes usage to a run. Empty for out-of-run calls.
	RunID string
	// Provider is the preferred provider id. Empty = first of the chain.
	Provider string
	// Chain overrides the gateway's fallback chain for this request.
	Chain []string
	// Request is the underlying chat payload.
	Request ChatRequest
}

// ProviderStatus is one provider's health snapshot, for GetMetrics.
type ProviderStatus struct {
	Provider      string       `json:"provider"`
	Circuit       BreakerState `json:"circuit"`
	CooldownUntil int64        `json:"cooldown_until,omitempty"`
}

// Gateway routes completion requests to providers through a fallback chain,
// isolating failures per provider with a circuit breaker and keeping
// rate-limited providers in a cooldown instead of tripping their breakers.
type Gateway struct {
	mu        sync.Mutex
	providers map[string]Provider
	breakers  map[string]*breaker
	limiters  map[string]*rateLimiter
	cooldown  map[string]time.Time

	chain        []string
	cooldownFor  time.Duration
	pricing      map[string]ModelPricing // keyed by model id
	sink         UsageSink
	logger       *slog.Logger
	now          func() time.Time
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithFallbackChain sets the default ordered provider list.
func WithFallbackChain(ids ...string) GatewayOption {
	return func(g *Gateway) { g.chain = ids }
}

// WithCooldown sets the rate-limit cooldown duration (default 90s).
func WithCooldown(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.cooldownFor = d }
}

// WithPricing sets the per-model price table used for cost accounting.
func WithPricing(p map[string]ModelPricing) GatewayOption {
	return func(g *Gateway) { g.pricing = p }
}

// WithUsageSink sets the destination for usage events.
func WithUsageSink(s UsageSink) GatewayOption {
	return func(g *Gateway) { g.sink = s }
}

// WithGatewayLogger sets the structured logger (default: discard).
func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway creates a gateway over the given providers. The default
// fallback chain is the registration order unless WithFallbackChain is set.
func NewGateway(providers []Provider, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		providers:   make(map[string]Provider),
		breakers:    make(map[string]*breaker),
		limiters:    make(map[string]*rateLimiter),
		cooldown:    make(map[string]time.Time),
		cooldownFor: defaultCooldown,
		logger:      nopLogger,
		now:         time.Now,
	}
	for _, p := range providers {
		g.providers[p.Name()] = p
		g.breakers[p.Name()] = newBreaker()
		g.limiters[p.Name()] = newRateLimiter(p.Limits())
		g.chain = append(g.chain, p.Name())
	}
	defaultChain := g.chain
	for _, opt := range opts {
		opt(g)
	}
	if len(g.chain) == 0 {
		g.chain = defaultChain
	}
	return g
}

// Complete routes req down the fallback chain and returns the first healthy
// provider's response plus the provider id that served it. The whole chain
// failing returns ErrProvidersExhausted.
func (g *Gateway) Complete(ctx context.Context, req CompletionRequest) (ChatResponse, string, error) {
	var lastErr error
	for _, id := range g.requestChain(req) {
		resp, err := g.tryProvider(ctx, id, req, nil)
		if err == nil {
			return resp, id, nil
		}
		if ctx.Err() != nil {
			return ChatResponse{}, "", ctx.Err()
		}
		if err != errSkipped {
			lastErr = err
		}
	}
	if lastErr != nil {
		return ChatResponse{}, "", fmt.Errorf("%w: %w", ErrProvidersExhausted, lastErr)
	}
	return ChatResponse{}, "", ErrProvidersExhausted
}

// CompleteStream is Complete with token streaming. Failover happens only
// before the first event is forwarded; once streaming has started, errors
// pass through so the consumer never sees duplicate content.
// ch is always closed before returning.
func (g *Gateway) CompleteStream(ctx context.Context, req CompletionRequest, ch chan<- StreamEvent) (ChatResponse, string, error) {
	var lastErr error
	for _, id := range g.requestChain(req) {
		var sent bool
		forward := func(ev StreamEvent) {
			sent = true
			ch <- ev
		}
		resp, err := g.tryProviderStream(ctx, id, req, forward)
		if err == nil {
			close(ch)
			return resp, id, nil
		}
		if sent || ctx.Err() != nil {
			close(ch)
			return ChatResponse{}, "", err
		}
		if err != errSkipped {
			lastErr = err
		}
	}
	close(ch)
	if lastErr != nil {
		return ChatResponse{}, "", fmt.Errorf("%w: %w", ErrProvidersExhausted, lastErr)
	}
	return ChatResponse{}, "", ErrProvidersExhausted
}

// errSkipped marks a provider that was not attempted (breaker open or in
// cooldown); it never becomes the reported chain error.
var errSkipped = fmt.Errorf("provider skipped")

func (g *Gateway) requestChain(req CompletionRequest) []string {
	chain := req.Chain
	if len(chain) == 0 {
		chain = g.chain
	}
	if req.Provider == "" {
		return chain
	}
	ordered := []string{req.Provider}
	for _, id := range chain {
		if id != req.Provider {
			ordered = append(ordered, id)
		}
	}
	return ordered
}

// healthy reports whether a provider may be attempted right now.
func (g *Gateway) healthy(id string) bool {
	b := g.breakers[id]
	if b == nil {
		return false
	}
	g.mu.Lock()
	until, cooling := g.cooldown[id]
	if cooling && g.now().After(until) {
		delete(g.cooldown, id)
		cooling = false
	}
	g.mu.Unlock()
	if cooling {
		return false
	}
	return b.Allow()
}

func (g *Gateway) tryProvider(ctx context.Context, id string, req CompletionRequest, _ func(StreamEvent)) (ChatResponse, error) {
	p, ok := g.providers[id]
	if !ok || !g.healthy(id) {
		return ChatResponse{}, errSkipped
	}
	chatReq := g.shapeRequest(p, req.Request)
	if err := g.limiters[id].waitForBudget(ctx); err != nil {
		return ChatResponse{}, err
	}

	start := g.now()
	resp, err := p.Chat(ctx, chatReq)
	if err != nil && IsTransient(err) && ctx.Err() == nil {
		g.logger.Warn("retrying transient provider error", "provider", id, "error", err)
		resp, err = p.Chat(ctx, chatReq)
	}
	g.settle(ctx, id, chatReq.Model, resp, start, err)
	return resp, err
}

func (g *Gateway) tryProviderStream(ctx context.Context, id string, req CompletionRequest, forward func(StreamEvent)) (ChatResponse, error) {
	p, ok := g.providers[id]
	if !ok || !g.healthy(id) {
		return ChatResponse{}, errSkipped
	}
	chatReq := g.shapeRequest(p, req.Request)
	if err := g.limiters[id].waitForBudget(ctx); err != nil {
		return ChatResponse{}, err
	}

	start := g.now()
	mid := make(chan StreamEvent, 64)
	var (
		resp ChatResponse
		err  error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err = p.ChatStream(ctx, chatReq, mid)
	}()
	for ev := range mid {
		forward(ev)
	}
	<-done
	g.settle(ctx, id, chatReq.Model, resp, start, err)
	return resp, err
}

// shapeRequest coerces the request to the provider's declared limits:
// providers that cannot set temperature get it cleared so their default
// applies.
func (g *Gateway) shapeRequest(p Provider, req ChatRequest) ChatRequest {
	if req.Temperature != nil && !p.Limits().AcceptsTemperature {
		g.logger.Debug("coercing temperature to provider default", "provider", p.Name())
		req.Temperature = nil
	}
	return req
}

// settle updates breaker, cooldown, and accounting after one attempt.
func (g *Gateway) settle(ctx context.Context, id, model string, resp ChatResponse, start time.Time, err error) {
	b := g.breakers[id]
	switch {
	case err == nil:
		b.RecordSuccess()
		g.limiters[id].recordUsage(resp.Usage)
		g.account(ctx, id, model, resp.Usage, g.now().Sub(start))
	case IsRateLimited(err):
		d := g.cooldownFor
		if ra := retryAfterOf(err); ra > d {
			d = ra
		}
		g.mu.Lock()
		g.cooldown[id] = g.now().Add(d)
		g.mu.Unlock()
		g.logger.Warn("provider rate limited, cooling down", "provider", id, "cooldown", d)
	case ctx.Err() != nil:
		// Caller cancellation is not the provider's fault.
	default:
		b.RecordFailure()
		g.logger.Warn("provider hard failure", "provider", id, "error", err, "circuit", b.State())
	}
}

// account computes cost from the price table and emits a usage event.
func (g *Gateway) account(ctx context.Context, provider, model string, u Usage, d time.Duration) {
	var cost float64
	if p, ok := g.pricing[model]; ok {
		cost = float64(u.InputTokens)/1e6*p.InputPerMTok + float64(u.OutputTokens)/1e6*p.OutputPerMTok
	}
	if g.sink == nil {
		return
	}
	g.sink.EmitUsage(ctx, UsageEvent{
		RunID:      runIDFromContext(ctx),
		Provider:   provider,
		Model:      model,
		Usage:      u,
		CostUSD:    cost,
		DurationMS: d.Milliseconds(),
		Unix:       g.now().Unix(),
	})
}

// ProviderStates returns a health snapshot per provider, for GetMetrics.
func (g *Gateway) ProviderStates() []ProviderStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ProviderStatus, 0, len(g.chain))
	for _, id := range g.chain {
		b, ok := g.breakers[id]
		if !ok {
			continue
		}
		st := ProviderStatus{Provider: id, Circuit: b.State()}
		if until, ok := g.cooldown[id]; ok && g.now().Before(until) {
			st.CooldownUntil = until.Unix()
		}
		out = append(out, st)
	}
	return out
}

// retryAfterOf extracts the Retry-After duration from an LLMError, or 0.
func retryAfterOf(err error) time.Duration {
	var e *LLMError
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
