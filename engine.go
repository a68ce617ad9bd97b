package atelier

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPhaseTimeout bounds one phase unless the workflow overrides it.
const DefaultPhaseTimeout = 30 * time.Minute

// defaultDebateRounds bounds a network phase when max_iterations is unset.
const defaultDebateRounds = 3

// defaultLoopIterations bounds loop and adversarial-pair phases when
// max_iterations is unset.
const defaultLoopIterations = 5

// maxParallelExecutors caps concurrent participant executors in one phase.
const maxParallelExecutors = 10

// phaseRetryDelays is the backoff schedule applied when a node ends failed
// or timed out; after the schedule is spent the run pauses for a human.
var phaseRetryDelays = []time.Duration{10 * time.Second, 30 * time.Second}

// PhaseHook observes a phase reaching its terminal state; wired by the
// composition root to metrics.
type PhaseHook func(run *PatternRun, phase PhaseDef, status PhaseStatus, elapsed time.Duration)

// RunResult tells the supervisor how a workflow walk ended.
type RunResult struct {
	Status     RunStatus
	NeedsHuman bool
	Err        error
}

// Engine walks a workflow's phase graph. Each phase spawns participant
// executors according to its pattern type, waits for a terminal state,
// evaluates the gate, produces a phase summary, and transitions.
type Engine struct {
	store    Store
	bus      *Bus
	memory   *Memory
	registry *Registry
	gateway  *Gateway
	executor *Executor
	lexicon  Lexicon

	phaseTimeout time.Duration
	retryDelays  []time.Duration
	phaseHook    PhaseHook
	logger       *slog.Logger

	// tokensSaved estimates prompt tokens avoided by replacing phase
	// transcripts with their summaries, for GetMetrics.
	tokensSaved atomic.Int64
}

// TokenSavings reports the estimated prompt tokens avoided through phase
// summarisation.
func (e *Engine) TokenSavings() int64 {
	return e.tokensSaved.Load()
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPhaseTimeout overrides the default phase timeout.
func WithPhaseTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.phaseTimeout = d
		}
	}
}

// WithLexicon overrides the verdict lexicon.
func WithLexicon(l Lexicon) EngineOption {
	return func(e *Engine) { e.lexicon = l }
}

// WithRetryDelays overrides the phase retry backoff schedule.
func WithRetryDelays(delays ...time.Duration) EngineOption {
	return func(e *Engine) { e.retryDelays = delays }
}

// WithPhaseHook sets an observer called when a phase reaches a terminal
// state.
func WithPhaseHook(h PhaseHook) EngineOption {
	return func(e *Engine) { e.phaseHook = h }
}

// WithEngineLogger sets the structured logger (default: discard).
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine over the core components.
func NewEngine(store Store, bus *Bus, memory *Memory, registry *Registry, gateway *Gateway, executor *Executor, opts ...EngineOption) *Engine {
	e := &Engine{
		store:        store,
		bus:          bus,
		memory:       memory,
		registry:     registry,
		gateway:      gateway,
		executor:     executor,
		lexicon:      DefaultLexicon(),
		phaseTimeout: DefaultPhaseTimeout,
		retryDelays:  phaseRetryDelays,
		logger:       nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// attemptOutcome is the result of one phase attempt.
type attemptOutcome struct {
	status     PhaseStatus
	routedTo   string
	escalated  bool
	violations []string
	err        error
}

// ExecuteRun walks the workflow from the run's current position until the
// run completes, fails, or must pause. Phases already terminal are never
// re-executed, which is what makes resume after a crash safe.
func (e *Engine) ExecuteRun(ctx context.Context, run *PatternRun, wf WorkflowDef, agents map[string]AgentDef) RunResult {
	idx := 0
	if run.CurrentPhase != "" {
		for i := range wf.Phases {
			if wf.Phases[i].ID == run.CurrentPhase {
				idx = i
				break
			}
		}
	}

	for idx < len(wf.Phases) {
		phase := wf.Phases[idx]
		if st := run.PhaseStates[phase.ID]; st != nil && st.State.Terminal() {
			idx++
			continue
		}
		if ctx.Err() != nil {
			return RunResult{Status: run.Status, Err: ctx.Err()}
		}

		run.CurrentPhase = phase.ID
		e.saveRun(ctx, run)

		out := e.executePhaseWithRetry(ctx, run, phase, agents)
		e.recordVerdict(ctx, run, phase, out)
		e.saveRun(ctx, run)

		switch out.status {
		case PhaseVetoed:
			e.logger.Info("phase vetoed", "run", run.RunID, "phase", phase.ID)
			return RunResult{Status: RunFailed, Err: out.err}
		case PhaseTimedOut, PhaseFailed:
			if ctx.Err() != nil {
				return RunResult{Status: run.Status, Err: ctx.Err()}
			}
			e.logger.Warn("phase failed after retries, pausing run",
				"run", run.RunID, "phase", phase.ID, "state", out.status)
			return RunResult{Status: RunPaused, NeedsHuman: true, Err: out.err}
		}

		if out.routedTo != "" {
			next := -1
			for i := range wf.Phases {
				if wf.Phases[i].ID == out.routedTo {
					next = i
					break
				}
			}
			if next < 0 {
				e.logger.Warn("router chose unknown phase, continuing in order",
					"run", run.RunID, "routed_to", out.routedTo)
				idx++
			} else {
				idx = next
			}
			continue
		}
		idx++
	}

	return RunResult{Status: RunCompleted}
}

// executePhaseWithRetry drives one phase to a terminal state, applying the
// retry schedule to failed and timed-out attempts. The phase stays in state
// running across retries; only the final outcome is terminal.
func (e *Engine) executePhaseWithRetry(ctx context.Context, run *PatternRun, phase PhaseDef, agents map[string]AgentDef) attemptOutcome {
	st := run.PhaseStates[phase.ID]
	if st == nil {
		st = &PhaseState{State: PhasePending}
		run.PhaseStates[phase.ID] = st
	}
	st.State = PhaseRunning
	st.StartedAt = NowUnix()
	e.saveRun(ctx, run)

	var out attemptOutcome
	for attempt := 0; ; attempt++ {
		out = e.executePhase(ctx, run, phase, agents, st)
		if out.status != PhaseFailed && out.status != PhaseTimedOut {
			break
		}
		if ctx.Err() != nil || attempt >= len(e.retryDelays) {
			break
		}
		delay := e.retryDelays[attempt]
		e.logger.Warn("retrying phase", "run", run.RunID, "phase", phase.ID,
			"attempt", attempt+1, "backoff", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	st.State = out.status
	st.CompletedAt = NowUnix()
	e.summarise(ctx, run, phase, st)
	if e.phaseHook != nil {
		e.phaseHook(run, phase, out.status, time.Duration(st.CompletedAt-st.StartedAt)*time.Second)
	}
	return out
}

// executePhase runs one attempt: spawn participants per the pattern, wait
// for a terminal state, evaluate the gate.
func (e *Engine) executePhase(ctx context.Context, run *PatternRun, phase PhaseDef, agents map[string]AgentDef, st *PhaseState) attemptOutcome {
	timeout := e.phaseTimeout
	if phase.TimeoutSeconds > 0 {
		timeout = time.Duration(phase.TimeoutSeconds) * time.Second
	}
	phaseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, id := range phase.Participants {
		e.bus.Register(run.RunID, id)
	}
	defer func() {
		for _, id := range phase.Participants {
			e.bus.Deregister(run.RunID, id)
		}
	}()

	var out attemptOutcome
	switch phase.PatternType {
	case PatternSolo, PatternAggregator:
		out = e.runAggregate(phaseCtx, run, phase, agents)
	case PatternSequential:
		out = e.runSequential(phaseCtx, run, phase, agents)
	case PatternParallel:
		out = e.runParallel(phaseCtx, run, phase, agents)
	case PatternLoop, PatternAdversarialPair:
		out = e.runLoop(phaseCtx, run, phase, agents, st)
	case PatternHierarchical:
		out = e.runHierarchical(phaseCtx, run, phase, agents)
	case PatternNetwork:
		out = e.runNetwork(phaseCtx, run, phase, agents)
	case PatternRouter:
		out = e.runRouter(phaseCtx, run, phase, agents)
	case PatternHumanInTheLoop:
		out = e.runHumanGate(phaseCtx, run, phase)
	case PatternAdversarialCascade:
		out = e.runCascade(phaseCtx, run, phase, agents)
	default:
		return attemptOutcome{status: PhaseFailed, err: fmt.Errorf("%w: unknown pattern %q", ErrValidation, phase.PatternType)}
	}

	if out.status != "" {
		// Pattern reached its own terminal decision (veto short-circuit,
		// cascade verdict, timeout).
		return out
	}
	if phaseCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return attemptOutcome{status: PhaseTimedOut, err: context.DeadlineExceeded}
	}
	if out.err != nil {
		return attemptOutcome{status: PhaseFailed, routedTo: out.routedTo, err: out.err}
	}

	msgs, err := e.store.ListMessages(ctx, MessageFilter{RunID: run.RunID, PhaseID: phase.ID})
	if err != nil {
		return attemptOutcome{status: PhaseFailed, err: fmt.Errorf("%w: %w", ErrStorageUnavailable, err)}
	}
	gate := evaluateGate(phase, msgs, agents)
	switch {
	case gate.passed && (phase.Gate == GateAlways || phase.Gate == ""):
		out.status = PhaseDone
	case gate.passed:
		out.status = PhaseApproved
	case gate.vetoed:
		out.status = PhaseVetoed
	default:
		out.status = PhaseFailed
		out.err = fmt.Errorf("gate %s unmet: %s", phase.Gate, strings.Join(gate.violations, "; "))
	}
	out.violations = append(out.violations, gate.violations...)
	return out
}

// phaseContext builds the immutable handle handed to each executor.
func (e *Engine) phaseContext(run *PatternRun, phase PhaseDef, isolate bool, informKind MessageKind) PhaseContext {
	return PhaseContext{
		Run:           run,
		Phase:         phase,
		Bus:           e.bus,
		Memory:        e.memory,
		Registry:      e.registry,
		Gateway:       e.gateway,
		Lexicon:       e.lexicon,
		IsolateWrites: isolate,
		InformKind:    informKind,
	}
}

// runOne spawns a single participant executor and classifies its exit.
func (e *Engine) runOne(ctx context.Context, pc PhaseContext, agents map[string]AgentDef, agentID, prompt string) error {
	def, ok := agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	reason, err := e.executor.Run(ctx, def, pc, prompt)
	switch reason {
	case ExitLLMUnavailable:
		if err == nil {
			err = ErrProvidersExhausted
		}
		return err
	case ExitCancelled:
		return ctx.Err()
	}
	return nil
}

// --- Pattern dispatchers ---

// runAggregate covers solo (one participant) and aggregator (producers
// feed one synthesiser).
func (e *Engine) runAggregate(ctx context.Context, run *PatternRun, phase PhaseDef, agents map[string]AgentDef) attemptOutcome {
	n := len(phase.Participants)
	if n == 1 {
		pc := e.phaseContext(run, phase, false, "")
		return attemptOutcome{err: e.runOne(ctx, pc, agents, phase.Participants[0], e.basePrompt(run, phase))}
	}

	collector := phase.Orchestrator
	if collector == "" {
		collector = phase.Participants[n-1]
	}
	var producers []string
	for _, id := range phase.Participants {
		if id != collector {
			producers = append(producers, id)
		}
	}
	if out := e.fanOutParticipants(ctx, run, phase, agents, producers); out.err != nil || out.status != "" {
		return out
	}
	pc := e.phaseContext(run, phase, false, "")
	prompt := e.basePrompt(run, phase) +
		"\n\nSynthesise the contributions above into a single artefact."
	return attemptOutcome{err: e.runOne(ctx, pc, agents, collector, prompt)}
}

func (e *Engine) runSequential(ctx context.Context, run *PatternRun, phase PhaseDef, agents map[string]AgentDef) attemptOutcome {
	pc := e.phaseContext(run, phase, false, "")
	for _, id := range phase.Participants {
		if err := e.runOne(ctx, pc, agents, id, e.basePrompt(run, phase)); err != nil {
			return attemptOutcome{err: err}
		}
		if e.absoluteVetoLanded(ctx, run, phase, agents) {
			return attemptOutcome{status: PhaseVetoed}
		}
	}
	return attemptOutcome{}
}

func (e *Engine) runParallel(ctx context.Context, run *PatternRun, phase PhaseDef, agents map[string]AgentDef) attemptOutcome {
	return e.fanOutParticipants(ctx, run, phase, agents, phase.Participants)
}

// fanOutParticipants runs the given participants concurrently with write
// isolation, bounded by maxParallelExecutors.
func (e *Engine) fanOutParticipants(ctx context.Context, run *PatternRun, phase PhaseDef, agents map[string]AgentDef, ids []string) attemptOutcome {
	pc := e.phaseContext(run, phase, true, "")
	if err := e.fanOut(ctx, pc, agents, ids, e.basePrompt(run, phase)); err != nil {
		return attemptOutcome{err: err}
	}
	if e.absoluteVetoLanded(ctx, run, phase, agents) {
		return attemptOutcome{status: PhaseVetoed}
	}
	return attemptOutcome{}
}

// fanOut drives each id's executor on its own goroutine against one phase
// context, bounded by maxParallelExecutors, and returns the first failure.
func (e *Engine) fanOut(ctx context.Context, pc PhaseContext, agents map[string]AgentDef, ids []string, prompt string) error {
	sem := make(chan struct{}, maxParallelExecutors)
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			errs[i] = e.runOne(ctx, pc, agents, id, prompt)
		}(i, id)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// runLoop repeats its participants up to max_iterations or until the judge
// approves. With two participants this is the adversarial pair: the
// producer proposes, the critic counters or approves. max_iterations = 0
// completes immediately with an empty transcript.
func (e *Engine) runLoop(ctx context.Context, run *PatternRun, phase PhaseDef, agents map[string]AgentDef, st *PhaseState) attemptOutcome {
	iterations := phase.MaxIterations
	if iterations <= 0 {
		if phase.PatternType == PatternLoop {
			// A zero bound completes immediately with an empty transcript.
			return attemptOutcome{status: PhaseDone}
		}
		iterations = defaultLoopIterations
	}

	judge := phase.Orchestrator
	if judge == "" {
		judge = phase.Participants[len(phase.Participants)-1]
	}

	for iter := 1; iter <= iterations; iter++ {
		st.Iteration = iter
		for _, id := range phase.Participants {
			kind := KindPropose
			prompt := e.basePrompt(run, phase) +
				fmt.Sprintf("\n\nIteration %d: produce the next revision.", iter)
			if id == judge {
				kind = KindCounter
				prompt = e.basePrompt(run, phase) +
					fmt.Sprintf("\n\nIteration %d: critique the latest revision. Approve only when it is acceptable.", iter)
			}
			pc := e.phaseContext(run, phase, false, kind)
			if err := e.runOne(ctx, pc, agents, id, prompt); err != nil {
				return attemptOutcome{err: err}
			}
			if e.absoluteVetoLanded(ctx, run, phase, agents) {
				return attemptOutcome{status: PhaseVetoed}
			}
		}
		if e.lastVoteIs(ctx, run, phase, judge, KindApprove) {
			return attemptOutcome{}
		}
	}
	return attemptOutcome{}
}

// runHierarchical has a lead delegate to workers: the lead frames the
// subtasks, the engine turns them into request messages, each worker
// replies, and the lead synthesises a terminal summary. The lead's verdict
// drives the gate.
func (e *Engine) runHierarchical(ctx context.Context, run *PatternRun, phase PhaseDef, agents map[string]AgentDef) attemptOutcome {
	lead := phase.Orchestrator
	if lead == "" {
		lead = phase.Participants[0]
	}
	var workers []string
	for _, id := range phase.Participants {
		if id != lead {
			workers = append(workers, id)
		}
	}

	pc := e.phaseContext(run, phase, false, KindRequest)
	prompt := e.basePrompt(run, phase) + fmt.Sprintf(
		"\n\nYou lead this phase. Break the task into subtasks for your workers (%s) and state each assignment clearly.",
		strings.Join(workers, ", "))
	if err := e.runOne(ctx, pc, agents, lead, prompt); err != nil {
		return attemptOutcome{err: err}
	}

	delegation := e.lastMessageFrom(ctx, run, phase, lead)
	for _, worker := range workers {
		req := Message{
			RunID:    run.RunID,
			PhaseID:  phase.ID,
			From:     lead,
			To:       worker,
			Kind:     KindRequest,
			Content:  delegation,
			Priority: 1,
		}
		if err := e.bus.Publish(ctx, req); err != nil {
			return attemptOutcome{err: err}
		}
	}

	// Workers execute their subtasks concurrently with write isolation; the
	// lead synthesises only after all have reported.
	wpc := e.phaseContext(run, phase, true, "")
	wprompt := e.basePrompt(run, phase) +
		"\n\nComplete the subtask assigned to you in the lead's delegation and report back."
	if err := e.fanOut(ctx, wpc, agents, workers, wprompt); err != nil {
		return attemptOutcome{err: err}
	}

	spc := e.phaseContext(run, phase, false, "")
	sprompt := e.basePrompt(run, phase) +
		"\n\nAll workers have reported. Publish a terminal summary of the phase outcome."
	if err := e.runOne(ctx, spc, agents, lead, sprompt); err != nil {
		return attemptOutcome{err: err}
	}
	if e.absoluteVetoLanded(ctx, run, phase, agents) {
		return attemptOutcome{status: PhaseVetoed}
	}
	return attemptOutcome{}
}

// runNetwork is the full-mesh debate: each round every participant speaks
// once; the phase terminates on consensus (no veto, a strict majority plus
// one approving) or after the round budget.
func (e *Engine) runNetwork(ctx context.Context, run *PatternRun, phase PhaseDef, agents map[string]AgentDef) attemptOutcome {
	rounds := phase.MaxIterations
	if rounds <= 0 {
		rounds = defaultDebateRounds
	}
	n := len(phase.Participants)
	quorum := n/2 + 1 + n%2 // ceil(n/2)+1

	for round := 1; round <= rounds; round++ {
		// Every participant speaks concurrently from the same prior-round
		// state; positions taken this round are tallied only once the round
		// settles.
		pc := e.phaseContext(run, phase, true, "")
		prompt := e.basePrompt(run, phase) + fmt.Sprintf(
			"\n\nDebate round %d. State your position; approve or veto when you have reached a conclusion.", round)
		if err := e.fanOut(ctx, pc, agents, phase.Participants, prompt); err != nil {
			return attemptOutcome{err: err}
		}
		if e.absoluteVetoLanded(ctx, run, phase, agents) {
			return attemptOutcome{status: PhaseVetoed}
		}

		msgs, err := e.store.ListMessages(ctx, MessageFilter{RunID: run.RunID, PhaseID: phase.ID})
		if err != nil {
			return attemptOutcome{err: fmt.Errorf("%w: %w", ErrStorageUnavailable, err)}
		}
		votes := tallyVotes(msgs, agents)
		approvals := 0
		vetoed := false
		for _, v := range votes {
			switch v.kind {
			case KindApprove:
				approvals++
			case KindVeto:
				vetoed = true
			}
		}
		if !vetoed && approvals >= quorum {
			e.logger.Debug("debate consensus", "run", run.RunID, "phase", phase.ID,
				"round", round, "approvals", approvals, "quorum", quorum)
			return attemptOutcome{}
		}
	}
	return attemptOutcome{}
}

var routedToRe = regexp.MustCompile(`(?mi)^\s*routed_to:\s*(\S+)`)

// runRouter has one classifier agent choose the next phase.
func (e *Engine) runRouter(ctx context.Context, run *PatternRun, phase PhaseDef, agents map[string]AgentDef) attemptOutcome {
	classifier := phase.Participants[0]
	pc := e.phaseContext(run, phase, false, "")
	prompt := e.basePrompt(run, phase) +
		"\n\nClassify this mission and answer with a line `routed_to: <phase_id>` naming the phase to run next."
	if err := e.runOne(ctx, pc, agents, classifier, prompt); err != nil {
		return attemptOutcome{err: err}
	}

	content := e.lastMessageFrom(ctx, run, phase, classifier)
	m := routedToRe.FindStringSubmatch(content)
	if m == nil {
		return attemptOutcome{}
	}
	target := m[1]
	notice := Message{
		RunID:    run.RunID,
		PhaseID:  phase.ID,
		From:     classifier,
		Kind:     KindSystem,
		Content:  "routed to " + target,
		Metadata: map[string]string{MetaEvent: "routed", MetaRoutedTo: target},
		Priority: 1,
	}
	if err := e.bus.Publish(ctx, notice); err != nil {
		e.logger.Warn("routing notice publish failed", "run", run.RunID, "error", err)
	}
	return attemptOutcome{routedTo: target}
}

// runHumanGate suspends the phase until a human validation message arrives
// or the phase deadline elapses. SubmitValidation publishes the approve or
// veto on the human participant's behalf.
func (e *Engine) runHumanGate(ctx context.Context, run *PatternRun, phase PhaseDef) attemptOutcome {
	human := humanParticipant(phase)

	sub, cancel, err := e.bus.Subscribe(ctx, run.RunID, phase.ID, MessageFilter{SinceUnix: 1})
	if err != nil {
		return attemptOutcome{err: err}
	}
	defer cancel()

	notice := Message{
		RunID:    run.RunID,
		PhaseID:  phase.ID,
		From:     "engine",
		Kind:     KindSystem,
		Content:  "waiting for human validation from " + human,
		Metadata: map[string]string{MetaEvent: "validation_requested"},
		Priority: 1,
	}
	if err := e.bus.Publish(ctx, notice); err != nil {
		return attemptOutcome{err: err}
	}

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return attemptOutcome{status: PhaseTimedOut, err: context.DeadlineExceeded}
			}
			return attemptOutcome{err: ctx.Err()}
		case m, ok := <-sub:
			if !ok {
				return attemptOutcome{err: ErrBusUnavailable}
			}
			if m.From != human {
				continue
			}
			switch m.Kind {
			case KindApprove:
				// The human's word is the gate; no vote tally needed.
				return attemptOutcome{status: PhaseApproved}
			case KindVeto:
				return attemptOutcome{status: PhaseVetoed}
			}
		}
	}
}

// humanParticipant picks the distinguished human of a phase: an explicit
// "human" id when present, otherwise the first participant.
func humanParticipant(phase PhaseDef) string {
	for _, id := range phase.Participants {
		if id == "human" {
			return id
		}
	}
	if len(phase.Participants) > 0 {
		return phase.Participants[0]
	}
	return "human"
}

// cascadeMarkers are the L0 lexical red flags.
var cascadeMarkers = regexp.MustCompile(`(?i)\b(skip(?:ped|ping)?|ignore[ds]?|TODO|FIXME|HACK)\b`)

// runCascade is the three-gate adversarial review: L0 flags lexical
// shortcuts, L1 critiques semantics, L2 critiques architecture. An L0 or
// L1 veto terminates the cascade; an L2 veto terminates with the
// escalation flag set.
func (e *Engine) runCascade(ctx context.Context, run *PatternRun, phase PhaseDef, agents map[string]AgentDef) attemptOutcome {
	// L0: lexical scan over the run transcript so far.
	msgs, err := e.store.ListMessages(ctx, MessageFilter{RunID: run.RunID})
	if err != nil {
		return attemptOutcome{err: fmt.Errorf("%w: %w", ErrStorageUnavailable, err)}
	}
	var flagged []string
	for _, m := range msgs {
		if m.PhaseID == phase.ID || m.Kind == KindSystem {
			continue
		}
		if hit := cascadeMarkers.FindString(m.Content); hit != "" {
			flagged = append(flagged, fmt.Sprintf("%s in message %s", hit, m.ID))
		}
	}
	if len(flagged) > 0 {
		e.publishCascadeVeto(ctx, run, phase, "L0", "lexical red flags: "+strings.Join(flagged, "; "))
		return attemptOutcome{status: PhaseVetoed, violations: flagged}
	}

	// L1: semantic critique.
	if out := e.cascadeCritique(ctx, run, phase, agents, 0,
		"Review the work so far for semantic defects: wrong behaviour, missed requirements, silent shortcuts."); out != nil {
		return *out
	}

	// L2: architectural critique. A veto here still terminates, but with
	// the escalation flag so the supervisor can route it differently.
	if out := e.cascadeCritique(ctx, run, phase, agents, 1,
		"Review the work so far for architectural defects: coupling, boundary violations, irreversible decisions."); out != nil {
		out.escalated = true
		return *out
	}
	return attemptOutcome{}
}

// cascadeCritique runs one cascade level's critic; returns a non-nil
// outcome when the level vetoed or errored.
func (e *Engine) cascadeCritique(ctx context.Context, run *PatternRun, phase PhaseDef, agents map[string]AgentDef, idx int, instruction string) *attemptOutcome {
	if idx >= len(phase.Participants) {
		return nil
	}
	critic := phase.Participants[idx]
	pc := e.phaseContext(run, phase, false, "")
	prompt := e.basePrompt(run, phase) + "\n\n" + instruction +
		" Veto with a justification if you find any; approve otherwise."
	if err := e.runOne(ctx, pc, agents, critic, prompt); err != nil {
		return &attemptOutcome{err: err}
	}
	if e.lastVoteIs(ctx, run, phase, critic, KindVeto) {
		return &attemptOutcome{status: PhaseVetoed, violations: []string{"veto by " + critic}}
	}
	return nil
}

func (e *Engine) publishCascadeVeto(ctx context.Context, run *PatternRun, phase PhaseDef, level, detail string) {
	msg := Message{
		RunID:    run.RunID,
		PhaseID:  phase.ID,
		From:     "engine",
		Kind:     KindVeto,
		Content:  fmt.Sprintf("[VETO] %s gate: %s", level, detail),
		Metadata: map[string]string{MetaEvent: "cascade_veto", "level": level},
	}
	if err := e.bus.Publish(ctx, msg); err != nil {
		e.logger.Error("cascade veto publish failed", "run", run.RunID, "error", err)
	}
}

// --- Shared helpers ---

// basePrompt is the initial prompt for each participant: the flattened
// mission brief plus the phase frame.
func (e *Engine) basePrompt(run *PatternRun, phase PhaseDef) string {
	return fmt.Sprintf("Mission brief:\n%s\n\nPhase %s (%s).", FlattenMarkdown(run.Brief), phase.ID, phase.PatternType)
}

// absoluteVetoLanded checks the phase transcript for an immutable veto so
// patterns can short-circuit the moment one lands.
func (e *Engine) absoluteVetoLanded(ctx context.Context, run *PatternRun, phase PhaseDef, agents map[string]AgentDef) bool {
	msgs, err := e.store.ListMessages(ctx, MessageFilter{RunID: run.RunID, PhaseID: phase.ID})
	if err != nil {
		return false
	}
	return hasAbsoluteVeto(msgs, agents)
}

// lastVoteIs reports whether agentID's most recent vote in the phase is of
// the given kind.
func (e *Engine) lastVoteIs(ctx context.Context, run *PatternRun, phase PhaseDef, agentID string, kind MessageKind) bool {
	msgs, err := e.store.ListMessages(ctx, MessageFilter{RunID: run.RunID, PhaseID: phase.ID})
	if err != nil {
		return false
	}
	var last MessageKind
	for _, m := range msgs {
		if m.From != agentID {
			continue
		}
		if m.Kind == KindApprove || m.Kind == KindVeto {
			last = m.Kind
		}
	}
	return last == kind
}

// lastMessageFrom returns the content of agentID's newest non-tool message
// in the phase.
func (e *Engine) lastMessageFrom(ctx context.Context, run *PatternRun, phase PhaseDef, agentID string) string {
	msgs, err := e.store.ListMessages(ctx, MessageFilter{RunID: run.RunID, PhaseID: phase.ID})
	if err != nil {
		return ""
	}
	content := ""
	for _, m := range msgs {
		if m.From == agentID && m.Kind != KindToolCall && m.Kind != KindToolResult {
			content = m.Content
		}
	}
	return content
}

// summarise asks the gateway for a phase recap over the transcript.
// Failure is non-fatal; the transcript stands as the record.
func (e *Engine) summarise(ctx context.Context, run *PatternRun, phase PhaseDef, st *PhaseState) {
	msgs, err := e.store.ListMessages(ctx, MessageFilter{RunID: run.RunID, PhaseID: phase.ID})
	if err != nil || len(msgs) == 0 {
		return
	}
	var b strings.Builder
	for _, m := range msgs {
		if m.Kind == KindToolCall || m.Kind == KindToolResult {
			continue
		}
		fmt.Fprintf(&b, "[%s %s] %s\n", m.From, m.Kind, FlattenMarkdown(m.Content))
	}

	req := CompletionRequest{
		RunID: run.RunID,
		Request: ChatRequest{
			Messages: []ChatMessage{
				SystemMessage("Summarise the following phase transcript in a short paragraph: decisions taken, artefacts produced, open points."),
				UserMessage(truncateStr(b.String(), 12000)),
			},
		},
	}
	resp, _, err := e.gateway.Complete(WithRunContext(ctx, run.RunID), req)
	if err != nil {
		e.logger.Warn("phase summary failed", "run", run.RunID, "phase", phase.ID, "error", err)
		return
	}
	st.Summary = resp.Content
	if saved := (b.Len() - len(resp.Content)) / 4; saved > 0 {
		e.tokensSaved.Add(int64(saved))
	}

	msg := Message{
		RunID:    run.RunID,
		PhaseID:  phase.ID,
		From:     "engine",
		Kind:     KindSystem,
		Content:  resp.Content,
		Metadata: map[string]string{MetaEvent: "phase_summary"},
		Priority: 1,
	}
	if err := e.bus.Publish(ctx, msg); err != nil {
		e.logger.Warn("phase summary publish failed", "run", run.RunID, "error", err)
	}
}

// recordVerdict stores the compliance verdict for a finished phase.
func (e *Engine) recordVerdict(ctx context.Context, run *PatternRun, phase PhaseDef, out attemptOutcome) {
	st := run.PhaseStates[phase.ID]
	verdict := "go"
	rationale := fmt.Sprintf("phase %s ended %s", phase.ID, out.status)
	if out.status == PhaseVetoed || out.status == PhaseFailed || out.status == PhaseTimedOut {
		verdict = "no_go"
	}
	if out.err != nil {
		rationale += ": " + out.err.Error()
	}
	v := ComplianceVerdict{
		RunID:      run.RunID,
		PhaseID:    phase.ID,
		Verdict:    verdict,
		Rationale:  rationale,
		Violations: out.violations,
		Escalated:  out.escalated,
		CreatedAt:  NowUnix(),
	}
	if st != nil {
		st.Verdict = &v
	}
	if err := e.store.SaveVerdict(ctx, v); err != nil {
		e.logger.Error("verdict save failed", "run", run.RunID, "phase", phase.ID, "error", err)
	}
}

func (e *Engine) saveRun(ctx context.Context, run *PatternRun) {
	run.UpdatedAt = NowUnix()
	if err := e.store.SaveRun(ctx, run); err != nil {
		e.logger.Error("run save failed", "run", run.RunID, "error", err)
	}
}
