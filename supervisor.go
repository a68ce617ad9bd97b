package atelier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxResumeAttempts is how many process restarts may re-adopt a run before
// it pauses for a human.
const maxResumeAttempts = 3

// defaultRetention bounds how long terminal runs keep their message log;
// the sweep runs hourly.
const (
	defaultRetention       = 7 * 24 * time.Hour
	retentionSweepInterval = time.Hour
)

// Metrics is the observability snapshot returned by GetMetrics.
type Metrics struct {
	Providers    []ProviderStatus `json:"providers"`
	ActiveRuns   int              `json:"active_runs"`
	TokenSavings int64            `json:"token_savings"`
}

// StartOverrides tune one mission without touching the workflow definition.
type StartOverrides struct {
	// WorkspacePath replaces the default per-run sandbox directory.
	WorkspacePath string
}

// Supervisor owns every PatternRun's lifecycle: it creates runs, drives
// them through the engine, applies cancellation and pause, re-adopts
// persisted runs after a process restart, and records compliance state.
type Supervisor struct {
	store    Store
	bus      *Bus
	memory   *Memory
	registry *Registry
	gateway  *Gateway
	engine   *Engine

	workspaceRoot string
	runHook       func(run *PatternRun)
	retention     time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun

	sweepStop    chan struct{}
	sweepDone    chan struct{}
	shutdownOnce sync.Once
}

// activeRun tracks one in-flight run's cancellation plumbing and the usage
// accumulated while the engine owns the run record.
type activeRun struct {
	cancel context.CancelFunc
	// pauseRequested distinguishes a user pause from a hard cancel when the
	// run context is torn down.
	pauseRequested bool
	done           chan struct{}
	usage          RunUsage
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithWorkspaceRoot sets the directory under which per-run sandboxes are
// created.
func WithWorkspaceRoot(dir string) SupervisorOption {
	return func(s *Supervisor) { s.workspaceRoot = dir }
}

// WithRunHook sets an observer called each time a run settles; wired by the
// composition root to metrics.
func WithRunHook(h func(run *PatternRun)) SupervisorOption {
	return func(s *Supervisor) { s.runHook = h }
}

// WithRetention overrides how long messages of terminal runs are kept
// before the hourly sweep prunes them. Zero or negative disables pruning.
func WithRetention(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.retention = d }
}

// WithSupervisorLogger sets the structured logger (default: discard).
func WithSupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// NewSupervisor wires the core together. It implements the mission control,
// observability, and registration surfaces.
func NewSupervisor(store Store, bus *Bus, memory *Memory, registry *Registry, gateway *Gateway, engine *Engine, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		store:         store,
		bus:           bus,
		memory:        memory,
		registry:      registry,
		gateway:       gateway,
		engine:        engine,
		workspaceRoot: os.TempDir(),
		retention:     defaultRetention,
		logger:        nopLogger,
		active:        make(map[string]*activeRun),
		sweepStop:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.retentionLoop()
	return s
}

// retentionLoop prunes terminal-run messages on a fixed cadence until
// Shutdown.
func (s *Supervisor) retentionLoop() {
	defer close(s.sweepDone)
	if s.retention <= 0 {
		return
	}
	t := time.NewTicker(retentionSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n, err := s.SweepRetention(context.Background()); err != nil {
				s.logger.Warn("retention sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("retention sweep", "pruned", n)
			}
		case <-s.sweepStop:
			return
		}
	}
}

// SweepRetention removes messages of terminal runs older than the retention
// window and returns how many were pruned. Live runs are never touched.
func (s *Supervisor) SweepRetention(ctx context.Context) (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	return s.store.PruneMessages(ctx, NowUnix()-int64(s.retention/time.Second))
}

// --- Registration surface ---

// UpsertAgentDef persists def. Re-upserting an identical definition is a
// no-op (same content hash).
func (s *Supervisor) UpsertAgentDef(ctx context.Context, def AgentDef) error {
	if def.ID == "" {
		return fmt.Errorf("%w: agent id required", ErrValidation)
	}
	hash, err := s.store.UpsertAgent(ctx, def)
	if err != nil {
		return err
	}
	s.logger.Debug("agent upserted", "agent", def.ID, "hash", hash)
	return nil
}

// GetAgent implements AgentResolver for the tool registry.
func (s *Supervisor) GetAgent(ctx context.Context, id string) (AgentDef, error) {
	return s.store.GetAgent(ctx, id)
}

// ListAgents returns all registered agent definitions.
func (s *Supervisor) ListAgents(ctx context.Context) ([]AgentDef, error) {
	return s.store.ListAgents(ctx)
}

// UpsertWorkflowDef persists def after validating its graph.
func (s *Supervisor) UpsertWorkflowDef(ctx context.Context, def WorkflowDef) error {
	if err := validateWorkflow(def); err != nil {
		return err
	}
	_, err := s.store.UpsertWorkflow(ctx, def)
	return err
}

// GetWorkflow returns one workflow definition.
func (s *Supervisor) GetWorkflow(ctx context.Context, id string) (WorkflowDef, error) {
	return s.store.GetWorkflow(ctx, id)
}

// ListWorkflows returns all workflow definitions.
func (s *Supervisor) ListWorkflows(ctx context.Context) ([]WorkflowDef, error) {
	return s.store.ListWorkflows(ctx)
}

// validateWorkflow rejects graphs the engine cannot execute.
func validateWorkflow(def WorkflowDef) error {
	if def.ID == "" {
		return fmt.Errorf("%w: workflow id required", ErrValidation)
	}
	if len(def.Phases) == 0 {
		return fmt.Errorf("%w: workflow needs at least one phase", ErrValidation)
	}
	seen := make(map[string]bool, len(def.Phases))
	for _, p := range def.Phases {
		if p.ID == "" {
			return fmt.Errorf("%w: phase id required", ErrValidation)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate phase %s", ErrValidation, p.ID)
		}
		seen[p.ID] = true
		if len(p.Participants) == 0 {
			return fmt.Errorf("%w: phase %s has no participants", ErrValidation, p.ID)
		}
	}
	return nil
}

// --- Mission control surface ---

// StartMission instantiates a run for the workflow and begins executing it.
func (s *Supervisor) StartMission(ctx context.Context, workflowID, brief, projectRef string, overrides *StartOverrides) (string, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if err := validateWorkflow(wf); err != nil {
		return "", err
	}
	agents, err := s.resolveParticipants(ctx, wf)
	if err != nil {
		return "", err
	}

	run := &PatternRun{
		RunID:        NewID(),
		WorkflowID:   wf.ID,
		WorkflowHash: wf.ContentHash(),
		ProjectRef:   projectRef,
		Status:       RunPending,
		PhaseStates:  make(map[string]*PhaseState),
		Brief:        brief,
		CreatedAt:    NowUnix(),
		UpdatedAt:    NowUnix(),
	}
	for _, p := range wf.Phases {
		run.PhaseStates[p.ID] = &PhaseState{State: PhasePending}
	}

	run.WorkspacePath = filepath.Join(s.workspaceRoot, run.RunID)
	if overrides != nil && overrides.WorkspacePath != "" {
		run.WorkspacePath = overrides.WorkspacePath
	}
	if err := os.MkdirAll(run.WorkspacePath, 0o755); err != nil {
		return "", fmt.Errorf("workspace: %w", err)
	}

	if err := s.transition(ctx, run, RunRunning); err != nil {
		return "", err
	}
	s.launch(run, wf, agents)
	s.logger.Info("mission started", "run", run.RunID, "workflow", wf.ID)
	return run.RunID, nil
}

// resolveParticipants loads every referenced agent definition. The
// distinguished "human" participant needs no definition.
func (s *Supervisor) resolveParticipants(ctx context.Context, wf WorkflowDef) (map[string]AgentDef, error) {
	agents := make(map[string]AgentDef)
	for _, p := range wf.Phases {
		ids := append([]string{}, p.Participants...)
		if p.Orchestrator != "" {
			ids = append(ids, p.Orchestrator)
		}
		for _, id := range ids {
			if id == "human" {
				continue
			}
			if _, ok := agents[id]; ok {
				continue
			}
			def, err := s.store.GetAgent(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("%w: phase %s references %s", ErrValidation, p.ID, id)
			}
			agents[id] = def
		}
	}
	return agents, nil
}

// launch drives one run on its own goroutine and settles its final status.
func (s *Supervisor) launch(run *PatternRun, wf WorkflowDef, agents map[string]AgentDef) {
	runCtx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.active[run.RunID] = ar
	s.mu.Unlock()

	go func() {
		defer close(ar.done)
		defer cancel()
		result := s.engine.ExecuteRun(runCtx, run, wf, agents)
		s.settle(run, ar, result)
	}()
}

// settle applies the engine's result to the run and tears down run-scoped
// state for terminal outcomes.
func (s *Supervisor) settle(run *PatternRun, ar *activeRun, result RunResult) {
	ctx := context.Background()

	s.mu.Lock()
	paused := ar.pauseRequested
	flightUsage := ar.usage
	delete(s.active, run.RunID)
	s.mu.Unlock()

	run.Usage.InputTokens += flightUsage.InputTokens
	run.Usage.OutputTokens += flightUsage.OutputTokens
	run.Usage.CostUSD += flightUsage.CostUSD

	var target RunStatus
	switch {
	case result.Status == RunCompleted:
		target = RunCompleted
	case result.Status == RunFailed:
		target = RunFailed
	case result.Status == RunPaused:
		target = RunPaused
		run.NeedsHuman = result.NeedsHuman
	case result.Err != nil && paused:
		// Engine stopped because the user asked for a pause.
		target = RunPaused
	case result.Err != nil:
		// Engine stopped on a cancelled context: hard cancel.
		target = RunCancelled
	default:
		target = RunCompleted
	}
	if result.Err != nil {
		run.LastError = newErrorRecord(result.Err)
	}
	if err := s.transition(ctx, run, target); err != nil {
		s.logger.Error("run settle failed", "run", run.RunID, "target", target, "error", err)
	}

	if run.Status.Terminal() {
		s.finalize(ctx, run)
	}
	if s.runHook != nil {
		s.runHook(run)
	}
	s.logger.Info("run settled", "run", run.RunID, "status", run.Status, "needs_human", run.NeedsHuman)
}

// finalize tears down run-scoped state and, for completed runs, writes the
// retrospective into global memory.
func (s *Supervisor) finalize(ctx context.Context, run *PatternRun) {
	if run.Status == RunCompleted {
		var parts []string
		for id, st := range run.PhaseStates {
			if st.Summary != "" {
				parts = append(parts, id+": "+st.Summary)
			}
		}
		if len(parts) > 0 {
			key := "retrospective/" + run.RunID
			if err := s.memory.PutGlobal(ctx, key, fmt.Sprintf("workflow %s: %v", run.WorkflowID, parts), "supervisor", 0.8); err != nil {
				s.logger.Warn("retrospective write failed", "run", run.RunID, "error", err)
			}
		}
	}
	if err := s.memory.DestroyRun(ctx, run.RunID); err != nil {
		s.logger.Warn("scratchpad teardown failed", "run", run.RunID, "error", err)
	}
	s.registry.ResetRun(run.RunID)
	s.bus.DeregisterRun(run.RunID)
}

// transition moves a run along the allowed status graph and persists it.
func (s *Supervisor) transition(ctx context.Context, run *PatternRun, to RunStatus) error {
	if run.Status == to {
		return nil
	}
	if !validRunTransition(run.Status, to) {
		return fmt.Errorf("%w: run %s cannot go %s -> %s", ErrValidation, run.RunID, run.Status, to)
	}
	run.Status = to
	run.UpdatedAt = NowUnix()
	if err := s.store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// CancelMission cancels a run. Cancelling cascades: the run context cancels
// all phases, each phase its executors, each executor its gateway stream
// and tool call.
func (s *Supervisor) CancelMission(ctx context.Context, runID string) error {
	s.mu.Lock()
	ar := s.active[runID]
	s.mu.Unlock()
	if ar != nil {
		ar.cancel()
		<-ar.done
		return nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return s.transition(ctx, run, RunCancelled)
}

// PauseMission pauses a running mission at the next suspension point.
func (s *Supervisor) PauseMission(ctx context.Context, runID string) error {
	s.mu.Lock()
	ar := s.active[runID]
	if ar != nil {
		ar.pauseRequested = true
	}
	s.mu.Unlock()
	if ar == nil {
		return fmt.Errorf("%w: %s is not running", ErrRunNotFound, runID)
	}
	ar.cancel()
	<-ar.done
	return nil
}

// ResumeMission restarts a paused run from its first non-terminal phase.
func (s *Supervisor) ResumeMission(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != RunPaused {
		return fmt.Errorf("%w: run %s is %s", ErrValidation, runID, run.Status)
	}
	return s.adopt(ctx, run)
}

// --- Resume on restart ---

// ResumeScan re-adopts persisted running runs after a process restart.
// Call once at startup.
func (s *Supervisor) ResumeScan(ctx context.Context) error {
	runs, err := s.store.ListRuns(ctx, RunFilter{Status: RunRunning})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	for _, run := range runs {
		if err := s.adopt(ctx, run); err != nil {
			s.logger.Error("resume failed", "run", run.RunID, "error", err)
		}
	}
	return nil
}

// adopt resumes one persisted run: bumps the attempt counter, verifies the
// persisted record replays cleanly, rehydrates mailboxes, and re-launches
// the engine at the first non-terminal phase.
func (s *Supervisor) adopt(ctx context.Context, run *PatternRun) error {
	run.ResumeAttempts++
	if run.ResumeAttempts > maxResumeAttempts {
		run.NeedsHuman = true
		run.LastError = &ErrorRecord{Code: "internal", Detail: "resume attempts exhausted", At: NowUnix()}
		if run.Status == RunRunning {
			return s.transition(ctx, run, RunPaused)
		}
		return s.store.SaveRun(ctx, run)
	}

	wf, err := s.store.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return err
	}
	if diag := s.replayDiscrepancy(ctx, run, wf); diag != "" {
		run.NeedsHuman = true
		run.LastError = &ErrorRecord{Code: "internal", Detail: diag, At: NowUnix()}
		s.logger.Warn("replay discrepancy, pausing", "run", run.RunID, "detail", diag)
		if run.Status == RunRunning {
			return s.transition(ctx, run, RunPaused)
		}
		return s.store.SaveRun(ctx, run)
	}

	agents, err := s.resolveParticipants(ctx, wf)
	if err != nil {
		return err
	}

	if run.Status == RunPaused {
		if err := s.transition(ctx, run, RunRunning); err != nil {
			return err
		}
	} else if err := s.store.SaveRun(ctx, run); err != nil {
		return err
	}

	// Rehydrate the current phase's mailboxes from the durable log.
	if run.CurrentPhase != "" {
		if phase := wf.Phase(run.CurrentPhase); phase != nil {
			for _, id := range phase.Participants {
				s.bus.Register(run.RunID, id)
				if err := s.bus.Rehydrate(ctx, run.RunID, phase.ID, id); err != nil {
					s.logger.Warn("mailbox rehydrate failed", "run", run.RunID, "agent", id, "error", err)
				}
			}
		}
	}

	s.launch(run, wf, agents)
	s.logger.Info("run resumed", "run", run.RunID, "attempt", run.ResumeAttempts, "phase", run.CurrentPhase)
	return nil
}

// replayDiscrepancy checks that every phase the record claims finished left
// messages behind. A terminal phase with an empty transcript means the
// persisted state and log disagree.
func (s *Supervisor) replayDiscrepancy(ctx context.Context, run *PatternRun, wf WorkflowDef) string {
	for _, p := range wf.Phases {
		st := run.PhaseStates[p.ID]
		if st == nil || !st.State.Terminal() || st.State == PhaseTimedOut {
			continue
		}
		if p.PatternType == PatternLoop && st.Iteration == 0 {
			// A zero-iteration loop legitimately has no transcript.
			continue
		}
		msgs, err := s.store.ListMessages(ctx, MessageFilter{RunID: run.RunID, PhaseID: p.ID, Limit: 1})
		if err != nil {
			return "message log unavailable: " + err.Error()
		}
		if len(msgs) == 0 {
			return fmt.Sprintf("phase %s is %s but has no messages", p.ID, st.State)
		}
	}
	return ""
}

// --- Queries ---

// GetMission returns a snapshot of one run, folding in usage accumulated
// since the engine last persisted the record.
func (s *Supervisor) GetMission(ctx context.Context, runID string) (*PatternRun, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if ar, ok := s.active[runID]; ok {
		run.Usage.InputTokens += ar.usage.InputTokens
		run.Usage.OutputTokens += ar.usage.OutputTokens
		run.Usage.CostUSD += ar.usage.CostUSD
	}
	s.mu.Unlock()
	return run, nil
}

// ListMissions returns run snapshots matching the filter.
func (s *Supervisor) ListMissions(ctx context.Context, f RunFilter) ([]*PatternRun, error) {
	return s.store.ListRuns(ctx, f)
}

// GetComplianceReports returns the verdicts recorded for a run.
func (s *Supervisor) GetComplianceReports(ctx context.Context, runID string) ([]ComplianceVerdict, error) {
	return s.store.ListVerdicts(ctx, runID)
}

// GetMetrics returns the observability snapshot.
func (s *Supervisor) GetMetrics() Metrics {
	s.mu.Lock()
	activeRuns := len(s.active)
	s.mu.Unlock()
	return Metrics{
		Providers:    s.gateway.ProviderStates(),
		ActiveRuns:   activeRuns,
		TokenSavings: s.engine.TokenSavings(),
	}
}

// SubscribeMessages attaches a live observer to a run's message stream.
func (s *Supervisor) SubscribeMessages(ctx context.Context, runID, phaseFilter string, since MessageFilter) (<-chan Message, func(), error) {
	return s.bus.Subscribe(ctx, runID, phaseFilter, since)
}

// SubscribeUsage streams usage events for a run.
func (s *Supervisor) SubscribeUsage(ctx context.Context, runID string) (<-chan UsageEvent, func(), error) {
	msgs, cancel, err := s.bus.Subscribe(ctx, runID, "", MessageFilter{})
	if err != nil {
		return nil, nil, err
	}
	out := make(chan UsageEvent, subscriberBuffer)
	go func() {
		defer close(out)
		for m := range msgs {
			if m.Kind != KindSystem || m.Metadata[MetaEvent] != "usage" {
				continue
			}
			var ev UsageEvent
			if err := json.Unmarshal([]byte(m.Content), &ev); err == nil {
				out <- ev
			}
		}
	}()
	return out, cancel, nil
}

// --- Human validation ---

// SubmitValidation records a human verdict for a human-in-the-loop phase.
// Idempotent per (run, phase, human): resubmitting returns success without
// further state change.
func (s *Supervisor) SubmitValidation(ctx context.Context, runID, phaseID, humanID string, approve bool, rationale string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if st := run.PhaseStates[phaseID]; st == nil {
		return fmt.Errorf("%w: run %s has no phase %s", ErrValidation, runID, phaseID)
	}

	existed, err := s.store.SaveValidation(ctx, Validation{
		RunID:     runID,
		PhaseID:   phaseID,
		HumanID:   humanID,
		Approve:   approve,
		Rationale: rationale,
		Unix:      NowUnix(),
	})
	if err != nil {
		return err
	}
	if existed {
		return nil
	}

	// The engine listens for the phase's distinguished human participant.
	from := humanID
	if wf, werr := s.store.GetWorkflow(ctx, run.WorkflowID); werr == nil {
		if phase := wf.Phase(phaseID); phase != nil {
			from = humanParticipant(*phase)
		}
	}

	kind := KindApprove
	if !approve {
		kind = KindVeto
	}
	return s.bus.Publish(ctx, Message{
		RunID:    runID,
		PhaseID:  phaseID,
		From:     from,
		Kind:     kind,
		Content:  rationale,
		Metadata: map[string]string{MetaEvent: "validation_received", "human_id": humanID},
	})
}

// RequestValidation publishes a validation request outside a human-in-the-loop
// phase, so an agent can flag work for operator review mid-mission. The run
// keeps executing; the request only surfaces on the event stream.
func (s *Supervisor) RequestValidation(ctx context.Context, runID, phaseID, requestedBy, reason string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if phaseID == "" {
		phaseID = run.CurrentPhase
	}
	if st := run.PhaseStates[phaseID]; st == nil {
		return fmt.Errorf("%w: run %s has no phase %s", ErrValidation, runID, phaseID)
	}
	return s.bus.Publish(ctx, Message{
		RunID:    runID,
		PhaseID:  phaseID,
		From:     requestedBy,
		Kind:     KindSystem,
		Content:  reason,
		Metadata: map[string]string{MetaEvent: "validation_requested", "requested_by": requestedBy},
		Priority: 1,
	})
}

// --- Usage accounting ---

// EmitUsage implements UsageSink: publishes the event on the bus and folds
// it into the run's monotone counters.
func (s *Supervisor) EmitUsage(ctx context.Context, ev UsageEvent) {
	if ev.RunID == "" {
		return
	}
	payload, _ := json.Marshal(ev)
	msg := Message{
		RunID:    ev.RunID,
		PhaseID:  PhaseFromContext(ctx),
		From:     "gateway",
		Kind:     KindSystem,
		Content:  string(payload),
		Metadata: map[string]string{MetaEvent: "usage", "provider": ev.Provider},
		Priority: 1,
	}
	if err := s.bus.Publish(ctx, msg); err != nil {
		s.logger.Warn("usage publish failed", "run", ev.RunID, "error", err)
	}

	// While a run is active the engine owns its record; accumulate here and
	// fold in at settle so counters stay monotone without racing the engine.
	s.mu.Lock()
	if ar, ok := s.active[ev.RunID]; ok {
		ar.usage.InputTokens += ev.Usage.InputTokens
		ar.usage.OutputTokens += ev.Usage.OutputTokens
		ar.usage.CostUSD += ev.CostUSD
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	run, err := s.store.GetRun(ctx, ev.RunID)
	if err != nil {
		return
	}
	run.Usage.InputTokens += ev.Usage.InputTokens
	run.Usage.OutputTokens += ev.Usage.OutputTokens
	run.Usage.CostUSD += ev.CostUSD
	run.UpdatedAt = NowUnix()
	if err := s.store.SaveRun(ctx, run); err != nil {
		s.logger.Warn("usage counters save failed", "run", ev.RunID, "error", err)
	}
}

// Shutdown cancels all active runs, stops the retention sweep, and waits
// for both to settle. Safe to call more than once.
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.sweepStop) })
	s.mu.Lock()
	var waiting []*activeRun
	for _, ar := range s.active {
		ar.pauseRequested = true
		ar.cancel()
		waiting = append(waiting, ar)
	}
	s.mu.Unlock()
	for _, ar := range waiting {
		<-ar.done
	}
	<-s.sweepDone
}

var _ AgentResolver = (*Supervisor)(nil)
var _ UsageSink = (*Supervisor)(nil)
