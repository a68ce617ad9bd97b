package atelier

import "context"

type ctxKey int

const (
	ctxKeyRun ctxKey = iota
	ctxKeyPhase
	ctxKeyAgent
)

// WithRunContext returns a context carrying the active run id. The gateway
// reads it to attribute usage events.
func WithRunContext(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxKeyRun, runID)
}

// runIDFromContext returns the active run id, or "".
func runIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(ctxKeyRun).(string)
	return s
}

// WithPhaseContext returns a context carrying the active phase id.
func WithPhaseContext(ctx context.Context, phaseID string) context.Context {
	return context.WithValue(ctx, ctxKeyPhase, phaseID)
}

// PhaseFromContext returns the active phase id, or "".
func PhaseFromContext(ctx context.Context) string {
	s, _ := ctx.Value(ctxKeyPhase).(string)
	return s
}

// WithAgentContext returns a context carrying the executing agent id.
func WithAgentContext(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, ctxKeyAgent, agentID)
}

// AgentFromContext returns the executing agent id, or "".
func AgentFromContext(ctx context.Context) string {
	s, _ := ctx.Value(ctxKeyAgent).(string)
	return s
}
