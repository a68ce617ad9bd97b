package atelier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ExitReason is why an executor loop stopped.
type ExitReason string

const (
	// ExitDone means the agent published a terminal message.
	ExitDone ExitReason = "done"
	// ExitRoundsExhausted means max_rounds elapsed without a terminal message.
	ExitRoundsExhausted ExitReason = "rounds_exhausted"
	// ExitCancelled means the phase cancellation signal fired.
	ExitCancelled ExitReason = "cancelled"
	// ExitLLMUnavailable means the gateway exhausted its fallback chain.
	ExitLLMUnavailable ExitReason = "llm_unavailable"
)

// DefaultMaxRounds bounds the reason-act loop.
const DefaultMaxRounds = 15

// historyWindow is how many recent phase messages are replayed into the
// prompt each round.
const historyWindow = 20

// memoryExcerpts is how many memory hits are injected into the prompt.
const memoryExcerpts = 5

// PhaseContext gives one executor access to its run's infrastructure. It is
// an immutable handle; the executor holds no other pointer back into the
// engine.
type PhaseContext struct {
	Run      *PatternRun
	Phase    PhaseDef
	Bus      *Bus
	Memory   *Memory
	Registry *Registry
	Gateway  *Gateway
	Lexicon  Lexicon
	// IsolateWrites is set for parallel patterns so write targets land in
	// the agent's branch sub-path.
	IsolateWrites bool
	// InformKind overrides the kind of plain-text publishes; patterns use
	// it so producers emit propose and critics emit counter. Zero value
	// means inform.
	InformKind MessageKind
}

// Executor drives one agent through a bounded reason-act loop. Each round
// interleaves a model completion with tool dispatches on one goroutine,
// suspending only at gateway streams, tool awaits, bus receives, and memory
// reads.
type Executor struct {
	maxRounds int
	logger    *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMaxRounds overrides the loop bound (default 15).
func WithMaxRounds(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxRounds = n
		}
	}
}

// WithExecutorLogger sets the structured logger (default: discard).
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{maxRounds: DefaultMaxRounds, logger: nopLogger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives def through the loop until it publishes a terminal message or
// a stop condition fires.
func (e *Executor) Run(ctx context.Context, def AgentDef, pc PhaseContext, initialPrompt string) (ExitReason, error) {
	ctx = WithRunContext(ctx, pc.Run.RunID)
	ctx = WithPhaseContext(ctx, pc.Phase.ID)
	ctx = WithAgentContext(ctx, def.ID)

	session := NewSessionMemory()
	transcript := []ChatMessage{} // tool exchanges of this loop only

	for round := 1; round <= e.maxRounds; round++ {
		if ctx.Err() != nil {
			return ExitCancelled, ctx.Err()
		}

		messages, err := e.assemble(ctx, def, pc, initialPrompt, transcript)
		if err != nil {
			return ExitCancelled, err
		}

		resp, provider, err := e.complete(ctx, def, pc, messages)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			return ExitCancelled, err
		case errors.Is(err, ErrProvidersExhausted):
			e.logger.Warn("gateway exhausted", "agent", def.ID, "round", round)
			return ExitLLMUnavailable, err
		default:
			return ExitLLMUnavailable, err
		}
		e.logger.Debug("completion round",
			"agent", def.ID, "round", round, "provider", provider,
			"tool_calls", len(resp.ToolCalls), "chars", len(resp.Content))

		// A spelled-out verdict wins over tool calls: the human-readable
		// decision is preserved even when the model also asked for tools.
		if v := DetectVerdict(resp.Content, pc.Lexicon); v != VerdictNone {
			return ExitDone, e.publishVerdict(ctx, def, pc, v, resp.Content)
		}

		if len(resp.ToolCalls) == 0 {
			kind := pc.InformKind
			if kind == "" {
				kind = KindInform
			}
			if err := e.publishText(ctx, def, pc, kind, resp.Content); err != nil {
				return ExitDone, err
			}
			return ExitDone, nil
		}

		transcript = append(transcript, ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			result := e.dispatch(ctx, def, pc, call)
			transcript = append(transcript, ToolResultMessage(call.ID, result))
			session.Put("round/"+call.ID, result, def.ID, 1)
			if ctx.Err() != nil {
				return ExitCancelled, ctx.Err()
			}
		}
	}

	e.logger.Info("rounds exhausted", "agent", def.ID, "max_rounds", e.maxRounds)
	return ExitRoundsExhausted, nil
}

// assemble builds the prompt for one round: system prompt and skills,
// memory excerpts, the recent phase transcript, tool exchanges from this
// loop, and the initial prompt.
func (e *Executor) assemble(ctx context.Context, def AgentDef, pc PhaseContext, initialPrompt string, toolTurns []ChatMessage) ([]ChatMessage, error) {
	system := def.SystemPrompt
	if len(def.Skills) > 0 {
		system += "\n\n" + strings.Join(def.Skills, "\n")
	}
	if excerpt := e.memoryExcerpt(ctx, def, pc, initialPrompt); excerpt != "" {
		system += "\n\nRelevant memory:\n" + excerpt
	}
	messages := []ChatMessage{SystemMessage(system)}

	history, err := pc.Bus.store.ListMessages(ctx, MessageFilter{
		RunID: pc.Run.RunID, PhaseID: pc.Phase.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBusUnavailable, err)
	}
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	for _, m := range history {
		if m.From == def.ID || m.Kind == KindToolCall || m.Kind == KindToolResult {
			continue
		}
		if m.To != "" && m.To != def.ID {
			continue
		}
		messages = append(messages, UserMessage(fmt.Sprintf("[%s %s] %s", m.From, m.Kind, m.Content)))
	}

	messages = append(messages, UserMessage(initialPrompt))
	messages = append(messages, toolTurns...)
	return messages, nil
}

// memoryExcerpt pulls top project-memory and scratchpad hits for the brief.
func (e *Executor) memoryExcerpt(ctx context.Context, def AgentDef, pc PhaseContext, query string) string {
	if pc.Memory == nil {
		return ""
	}
	var lines []string
	if pc.Run.ProjectRef != "" {
		if hits, err := pc.Memory.Search(ctx, ScopeProject, pc.Run.ProjectRef, query, memoryExcerpts); err == nil {
			for _, h := range hits {
				lines = append(lines, fmt.Sprintf("- %s: %s", h.Key, truncateStr(h.Value, 200)))
			}
		}
	}
	if hits, err := pc.Memory.Prefix(ctx, ScopeRun, pc.Run.RunID, "", memoryExcerpts); err == nil {
		for _, h := range hits {
			lines = append(lines, fmt.Sprintf("- %s: %s", h.Key, truncateStr(h.Value, 200)))
		}
	}
	return strings.Join(lines, "\n")
}

// complete streams one gateway call, forwarding token deltas to observers.
func (e *Executor) complete(ctx context.Context, def AgentDef, pc PhaseContext, messages []ChatMessage) (ChatResponse, string, error) {
	req := CompletionRequest{
		RunID:    pc.Run.RunID,
		Provider: def.Provider,
		Request: ChatRequest{
			Model:       def.Model,
			Messages:    messages,
			Tools:       pc.Registry.Schemas(def),
			MaxTokens:   def.MaxTokens,
			Temperature: def.Temperature,
		},
	}

	ch := make(chan StreamEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			if ev.Type != EventTextDelta {
				continue
			}
			pc.Bus.PublishTransient(Message{
				RunID:   pc.Run.RunID,
				PhaseID: pc.Phase.ID,
				From:    def.ID,
				Kind:    KindSystem,
				Content: ev.Content,
				Metadata: map[string]string{
					MetaEvent: "token_delta",
				},
				Priority: 1,
			})
		}
	}()
	resp, provider, err := pc.Gateway.CompleteStream(ctx, req, ch)
	<-done
	return resp, provider, err
}

// dispatch runs one tool call, publishing the call and its result as bus
// messages tagged for UI collapsing. Policy failures (forbidden, bad
// arguments, escapes, quota) come back to the agent as tool_result content
// so it can adapt.
func (e *Executor) dispatch(ctx context.Context, def AgentDef, pc PhaseContext, call ToolCall) string {
	callMsg := Message{
		ID:       NewID(),
		RunID:    pc.Run.RunID,
		PhaseID:  pc.Phase.ID,
		From:     def.ID,
		Kind:     KindToolCall,
		Content:  string(call.Args),
		Metadata: map[string]string{MetaToolName: call.Name},
		Priority: 1,
	}
	if err := pc.Bus.Publish(ctx, callMsg); err != nil {
		e.logger.Error("tool_call publish failed", "tool", call.Name, "error", err)
	}

	res, err := pc.Registry.Invoke(ctx, ToolInvocation{
		AgentID:       def.ID,
		RunID:         pc.Run.RunID,
		Tool:          call.Name,
		Args:          call.Args,
		WorkspacePath: pc.Run.WorkspacePath,
		IsolateWrites: pc.IsolateWrites,
	})
	content := res.Content
	if err != nil {
		content = "error: " + err.Error()
	} else if res.Error != "" {
		content = "error: " + res.Error
	}

	resultMsg := Message{
		RunID:    pc.Run.RunID,
		PhaseID:  pc.Phase.ID,
		From:     def.ID,
		Kind:     KindToolResult,
		Content:  content,
		Metadata: map[string]string{MetaToolName: call.Name},
		ParentID: callMsg.ID,
		Priority: 1,
	}
	if perr := pc.Bus.Publish(ctx, resultMsg); perr != nil {
		e.logger.Error("tool_result publish failed", "tool", call.Name, "error", perr)
	}
	return content
}

func (e *Executor) publishVerdict(ctx context.Context, def AgentDef, pc PhaseContext, v VerdictKind, content string) error {
	kind := KindApprove
	if v == VerdictVeto {
		kind = KindVeto
	}
	return e.publishText(ctx, def, pc, kind, content)
}

func (e *Executor) publishText(ctx context.Context, def AgentDef, pc PhaseContext, kind MessageKind, content string) error {
	return pc.Bus.Publish(ctx, Message{
		RunID:    pc.Run.RunID,
		PhaseID:  pc.Phase.ID,
		From:     def.ID,
		Kind:     kind,
		Content:  content,
		Priority: 1,
	})
}
