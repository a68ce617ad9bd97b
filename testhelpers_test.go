package atelier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// errFakeNotFound stands in for the backend driver's no-rows error.
var errFakeNotFound = errors.New("not found")

// fakeStore is an in-memory Store for tests.
type fakeStore struct {
	mu          sync.Mutex
	agents      map[string]AgentDef
	workflows   map[string]WorkflowDef
	runs        map[string]*PatternRun
	messages    []Message
	deadLetters []DeadLetter
	toolCalls   []ToolCallRecord
	memory      map[string]MemoryEntry
	verdicts    []ComplianceVerdict
	validations map[string]Validation
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		agents:      make(map[string]AgentDef),
		workflows:   make(map[string]WorkflowDef),
		runs:        make(map[string]*PatternRun),
		memory:      make(map[string]MemoryEntry),
		validations: make(map[string]Validation),
	}
}

func (f *fakeStore) Init(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                   { return nil }

func (f *fakeStore) UpsertAgent(ctx context.Context, def AgentDef) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[def.ID] = def
	return def.ContentHash(), nil
}

func (f *fakeStore) GetAgent(ctx context.Context, id string) (AgentDef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	def, ok := f.agents[id]
	if !ok {
		return AgentDef{}, ErrAgentNotFound
	}
	return def, nil
}

func (f *fakeStore) ListAgents(ctx context.Context) ([]AgentDef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AgentDef, 0, len(f.agents))
	for _, d := range f.agents {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeStore) UpsertWorkflow(ctx context.Context, def WorkflowDef) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflows[def.ID] = def
	return def.ContentHash(), nil
}

func (f *fakeStore) GetWorkflow(ctx context.Context, id string) (WorkflowDef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	def, ok := f.workflows[id]
	if !ok {
		return WorkflowDef{}, ErrWorkflowNotFound
	}
	return def, nil
}

func (f *fakeStore) ListWorkflows(ctx context.Context) ([]WorkflowDef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]WorkflowDef, 0, len(f.workflows))
	for _, d := range f.workflows {
		out = append(out, d)
	}
	return out, nil
}

func cloneRun(run *PatternRun) *PatternRun {
	cp := *run
	cp.PhaseStates = make(map[string]*PhaseState, len(run.PhaseStates))
	for k, v := range run.PhaseStates {
		st := *v
		cp.PhaseStates[k] = &st
	}
	return &cp
}

func (f *fakeStore) SaveRun(ctx context.Context, run *PatternRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.RunID] = cloneRun(run)
	return nil
}

func (f *fakeStore) GetRun(ctx context.Context, runID string) (*PatternRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(run), nil
}

func (f *fakeStore) ListRuns(ctx context.Context, fl RunFilter) ([]*PatternRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*PatternRun
	for _, run := range f.runs {
		if fl.Status != "" && run.Status != fl.Status {
			continue
		}
		if fl.WorkflowID != "" && run.WorkflowID != fl.WorkflowID {
			continue
		}
		if fl.ProjectRef != "" && run.ProjectRef != fl.ProjectRef {
			continue
		}
		out = append(out, cloneRun(run))
		if fl.Limit > 0 && len(out) >= fl.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeStore) ListMessages(ctx context.Context, fl MessageFilter) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.messages {
		if fl.RunID != "" && m.RunID != fl.RunID {
			continue
		}
		if fl.PhaseID != "" && m.PhaseID != fl.PhaseID {
			continue
		}
		if fl.SinceUnix != 0 && m.Unix < fl.SinceUnix {
			continue
		}
		if fl.SinceID != "" && m.ID <= fl.SinceID {
			continue
		}
		out = append(out, m)
		if fl.Limit > 0 && len(out) >= fl.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) PruneMessages(ctx context.Context, beforeUnix int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []Message
	pruned := 0
	for _, m := range f.messages {
		run, ok := f.runs[m.RunID]
		if ok && run.Status.Terminal() && m.Unix < beforeUnix {
			pruned++
			continue
		}
		kept = append(kept, m)
	}
	f.messages = kept
	return pruned, nil
}

func (f *fakeStore) AppendDeadLetter(ctx context.Context, dl DeadLetter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetters = append(f.deadLetters, dl)
	return nil
}

func (f *fakeStore) ListDeadLetters(ctx context.Context, runID string) ([]DeadLetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []DeadLetter
	for _, dl := range f.deadLetters {
		if dl.RunID == runID {
			out = append(out, dl)
		}
	}
	return out, nil
}

func (f *fakeStore) AppendToolCall(ctx context.Context, rec ToolCallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolCalls = append(f.toolCalls, rec)
	return nil
}

func (f *fakeStore) ListToolCalls(ctx context.Context, runID string) ([]ToolCallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ToolCallRecord
	for _, rec := range f.toolCalls {
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func memKey(scope MemoryScope, ref, key string) string {
	return string(scope) + "|" + ref + "|" + key
}

func memRef(e MemoryEntry) string {
	switch e.Scope {
	case ScopeRun:
		return e.RunID
	case ScopeProject:
		return e.ProjectRef
	}
	return ""
}

func (f *fakeStore) PutMemory(ctx context.Context, e MemoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memory[memKey(e.Scope, memRef(e), e.Key)] = e
	return nil
}

func (f *fakeStore) GetMemory(ctx context.Context, scope MemoryScope, ref, key string) (MemoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.memory[memKey(scope, ref, key)]
	if !ok {
		return MemoryEntry{}, errFakeNotFound
	}
	return e, nil
}

func (f *fakeStore) ListMemoryPrefix(ctx context.Context, scope MemoryScope, ref, prefix string, limit int) ([]MemoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []MemoryEntry
	for _, e := range f.memory {
		if e.Scope != scope || memRef(e) != ref {
			continue
		}
		if !strings.HasPrefix(e.Key, prefix) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) SearchMemory(ctx context.Context, scope MemoryScope, ref, query string, limit int) ([]MemoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []MemoryEntry
	for _, e := range f.memory {
		if e.Scope != scope || memRef(e) != ref {
			continue
		}
		if !strings.Contains(e.Key, query) && !strings.Contains(e.Value, query) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteRunMemory(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, e := range f.memory {
		if e.Scope == ScopeRun && e.RunID == runID {
			delete(f.memory, k)
		}
	}
	return nil
}

func (f *fakeStore) SaveVerdict(ctx context.Context, v ComplianceVerdict) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, old := range f.verdicts {
		if old.RunID == v.RunID && old.PhaseID == v.PhaseID {
			f.verdicts[i] = v
			return nil
		}
	}
	f.verdicts = append(f.verdicts, v)
	return nil
}

func (f *fakeStore) ListVerdicts(ctx context.Context, runID string) ([]ComplianceVerdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ComplianceVerdict
	for _, v := range f.verdicts {
		if v.RunID == runID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveValidation(ctx context.Context, v Validation) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := v.RunID + "|" + v.PhaseID + "|" + v.HumanID
	if _, ok := f.validations[key]; ok {
		return true, nil
	}
	f.validations[key] = v
	return false, nil
}

func (f *fakeStore) GetValidation(ctx context.Context, runID, phaseID, humanID string) (Validation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.validations[runID+"|"+phaseID+"|"+humanID]
	if !ok {
		return Validation{}, errFakeNotFound
	}
	return v, nil
}

var _ Store = (*fakeStore)(nil)

// scriptStep is one scripted provider turn.
type scriptStep struct {
	resp ChatResponse
	err  error
}

// scriptProvider replays scripted responses in order. Past the script it
// answers with a neutral inform, so unscripted loops run out their round
// budget rather than hanging.
type scriptProvider struct {
	name   string
	limits ProviderLimits

	mu      sync.Mutex
	steps   []scriptStep
	calls   int
	lastReq ChatRequest
}

func newScriptProvider(name string, steps ...scriptStep) *scriptProvider {
	return &scriptProvider{
		name:   name,
		limits: ProviderLimits{AcceptsTemperature: true, StreamsToolCalls: true},
		steps:  steps,
	}
}

func textStep(content string) scriptStep {
	return scriptStep{resp: ChatResponse{Content: content, Usage: Usage{InputTokens: 10, OutputTokens: 5}}}
}

func errStep(err error) scriptStep {
	return scriptStep{err: err}
}

func (p *scriptProvider) Name() string           { return p.name }
func (p *scriptProvider) Limits() ProviderLimits { return p.limits }

func (p *scriptProvider) next() scriptStep {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.steps) == 0 {
		return textStep("APPROVE: done")
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	return step
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	p.lastReq = req
	p.mu.Unlock()
	step := p.next()
	return step.resp, step.err
}

func (p *scriptProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	defer close(ch)
	p.mu.Lock()
	p.lastReq = req
	p.mu.Unlock()
	step := p.next()
	if step.err != nil {
		return ChatResponse{}, step.err
	}
	if step.resp.Content != "" {
		select {
		case ch <- StreamEvent{Type: EventTextDelta, Content: step.resp.Content}:
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
	}
	return step.resp, nil
}

var _ Provider = (*scriptProvider)(nil)

// waitFor polls cond until it is true or the deadline expires.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
