package mission

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atelierhq/atelier"
	"github.com/atelierhq/atelier/store/sqlite"
)

// staticProvider answers every call with an approval so solo phases run to
// completion without a live model.
type staticProvider struct{}

func (staticProvider) Name() string                   { return "static" }
func (staticProvider) Limits() atelier.ProviderLimits { return atelier.ProviderLimits{} }

func (staticProvider) Chat(ctx context.Context, req atelier.ChatRequest) (atelier.ChatResponse, error) {
	return atelier.ChatResponse{
		Content: "APPROVE: done",
		Usage:   atelier.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (p staticProvider) ChatStream(ctx context.Context, req atelier.ChatRequest, ch chan<- atelier.StreamEvent) (atelier.ChatResponse, error) {
	defer close(ch)
	return p.Chat(ctx, req)
}

type fixture struct {
	sup  *atelier.Supervisor
	mem  *atelier.Memory
	defs []atelier.ToolDef
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	st := sqlite.New(filepath.Join(t.TempDir(), "mission.db"))
	if err := st.Init(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	bus := atelier.NewBus(st)
	mem := atelier.NewMemory(st)
	registry := atelier.NewRegistry(st, st)
	gateway := atelier.NewGateway([]atelier.Provider{staticProvider{}})
	executor := atelier.NewExecutor()
	engine := atelier.NewEngine(st, bus, mem, registry, gateway, executor, atelier.WithRetryDelays())
	sup := atelier.NewSupervisor(st, bus, mem, registry, gateway, engine,
		atelier.WithWorkspaceRoot(t.TempDir()))
	t.Cleanup(sup.Shutdown)

	for _, def := range []atelier.AgentDef{
		{ID: "coder", Model: "m"},
		{ID: "lead", Model: "m", CanWriteProjectMemory: true},
	} {
		if err := sup.UpsertAgentDef(ctx, def); err != nil {
			t.Fatal(err)
		}
	}
	if err := sup.UpsertWorkflowDef(ctx, soloWorkflow("wf")); err != nil {
		t.Fatal(err)
	}

	return &fixture{sup: sup, mem: mem, defs: Tools(sup, mem, opts...)}
}

func soloWorkflow(id string) atelier.WorkflowDef {
	return atelier.WorkflowDef{
		ID:   id,
		Name: id,
		Phases: []atelier.PhaseDef{
			{ID: "build", PatternType: atelier.PatternSolo, Participants: []string{"coder"}, Gate: atelier.GateAlways},
		},
	}
}

func (f *fixture) invoke(t *testing.T, id, agentID, runID string, args map[string]any) (atelier.ToolResult, error) {
	t.Helper()
	for _, def := range f.defs {
		if def.ID == id {
			return def.Handler(context.Background(), atelier.ToolInvocation{AgentID: agentID, RunID: runID}, args)
		}
	}
	t.Fatalf("no tool %s", id)
	return atelier.ToolResult{}, nil
}

func (f *fixture) waitStatus(t *testing.T, runID string, want atelier.RunStatus) *atelier.PatternRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := f.sup.GetMission(context.Background(), runID)
		if err == nil && run.Status == want {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, want)
	return nil
}

func runIDFrom(t *testing.T, res atelier.ToolResult) string {
	t.Helper()
	if res.Error != "" {
		t.Fatalf("tool failed: %s", res.Error)
	}
	i := strings.LastIndexByte(res.Content, ' ')
	if i < 0 {
		t.Fatalf("no run id in %q", res.Content)
	}
	return res.Content[i+1:]
}

func TestCreateMissionAndProjectHealth(t *testing.T) {
	f := newFixture(t)
	res, err := f.invoke(t, "create_mission", "lead", "", map[string]any{
		"workflow_id": "wf", "brief": "ship the parser", "project_ref": "proj-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	runID := runIDFrom(t, res)
	f.waitStatus(t, runID, atelier.RunCompleted)

	health, err := f.invoke(t, "get_project_health", "lead", "", map[string]any{"project_ref": "proj-1"})
	if err != nil || health.Error != "" {
		t.Fatalf("health failed: %+v (%v)", health, err)
	}
	if !strings.Contains(health.Content, "1 missions") || !strings.Contains(health.Content, "completed: 1") {
		t.Errorf("unexpected health report:\n%s", health.Content)
	}
	if !strings.Contains(health.Content, "tokens:") {
		t.Errorf("expected token spend in report:\n%s", health.Content)
	}
}

func TestCreateMissionUnknownWorkflow(t *testing.T) {
	f := newFixture(t)
	res, err := f.invoke(t, "create_mission", "lead", "", map[string]any{
		"workflow_id": "nope", "brief": "x",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == "" {
		t.Error("expected error for unknown workflow")
	}
}

func TestSetProjectPhaseRequiresGrant(t *testing.T) {
	f := newFixture(t)

	_, err := f.invoke(t, "set_project_phase", "coder", "", map[string]any{
		"project_ref": "proj-1", "phase": "build",
	})
	if !errors.Is(err, atelier.ErrToolForbidden) {
		t.Errorf("expected tool_forbidden for ungranted agent, got %v", err)
	}

	res, err := f.invoke(t, "set_project_phase", "lead", "", map[string]any{
		"project_ref": "proj-1", "phase": "build",
	})
	if err != nil || res.Error != "" {
		t.Fatalf("granted write failed: %+v (%v)", res, err)
	}

	health, _ := f.invoke(t, "get_project_health", "lead", "", map[string]any{"project_ref": "proj-1"})
	if !strings.Contains(health.Content, "lifecycle phase: build") {
		t.Errorf("phase not reflected in health:\n%s", health.Content)
	}
}

func TestLaunchIdeationUsesConfiguredWorkflow(t *testing.T) {
	f := newFixture(t, WithIdeationWorkflows("wf", "wf"))
	res, err := f.invoke(t, "launch_ideation", "lead", "", map[string]any{
		"project_ref": "proj-1", "topic": "what should the cli look like",
	})
	if err != nil {
		t.Fatal(err)
	}
	runID := runIDFrom(t, res)
	run := f.waitStatus(t, runID, atelier.RunCompleted)
	if run.WorkflowID != "wf" {
		t.Errorf("expected configured workflow, got %s", run.WorkflowID)
	}
	if run.Brief != "what should the cli look like" {
		t.Errorf("topic should become the brief, got %q", run.Brief)
	}
}

func TestSuggestNextMissions(t *testing.T) {
	f := newFixture(t)
	if err := f.sup.UpsertWorkflowDef(context.Background(), soloWorkflow("wf-review")); err != nil {
		t.Fatal(err)
	}
	res, err := f.invoke(t, "create_mission", "lead", "", map[string]any{
		"workflow_id": "wf", "brief": "first pass", "project_ref": "proj-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	f.waitStatus(t, runIDFrom(t, res), atelier.RunCompleted)

	sug, err := f.invoke(t, "suggest_next_missions", "lead", "", map[string]any{"project_ref": "proj-1"})
	if err != nil || sug.Error != "" {
		t.Fatalf("suggest failed: %+v (%v)", sug, err)
	}
	if !strings.Contains(sug.Content, "start wf-review") {
		t.Errorf("expected unrun workflow suggestion:\n%s", sug.Content)
	}
	if strings.Contains(sug.Content, "start wf (") {
		t.Errorf("already-run workflow should not be suggested:\n%s", sug.Content)
	}
}

func TestCheckPhaseGate(t *testing.T) {
	f := newFixture(t)
	res, err := f.invoke(t, "create_mission", "lead", "", map[string]any{
		"workflow_id": "wf", "brief": "gate check",
	})
	if err != nil {
		t.Fatal(err)
	}
	runID := runIDFrom(t, res)
	f.waitStatus(t, runID, atelier.RunCompleted)

	gate, err := f.invoke(t, "check_phase_gate", "lead", "", map[string]any{
		"run_id": runID, "phase_id": "build",
	})
	if err != nil || gate.Error != "" {
		t.Fatalf("gate check failed: %+v (%v)", gate, err)
	}
	if !strings.Contains(gate.Content, "gate satisfied") {
		t.Errorf("expected satisfied gate:\n%s", gate.Content)
	}
	if !strings.Contains(gate.Content, "verdict: go") {
		t.Errorf("expected recorded verdict:\n%s", gate.Content)
	}

	bad, _ := f.invoke(t, "check_phase_gate", "lead", "", map[string]any{
		"run_id": runID, "phase_id": "missing",
	})
	if bad.Error == "" {
		t.Error("expected error for unknown phase")
	}
}

func TestActivateMissionRejectsNonPaused(t *testing.T) {
	f := newFixture(t)
	res, err := f.invoke(t, "create_mission", "lead", "", map[string]any{
		"workflow_id": "wf", "brief": "x",
	})
	if err != nil {
		t.Fatal(err)
	}
	runID := runIDFrom(t, res)
	f.waitStatus(t, runID, atelier.RunCompleted)

	act, err := f.invoke(t, "activate_mission", "lead", "", map[string]any{"run_id": runID})
	if err != nil {
		t.Fatal(err)
	}
	if act.Error == "" {
		t.Error("expected error resuming a completed run")
	}
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)
	res, err := f.invoke(t, "create_mission", "lead", "", map[string]any{
		"workflow_id": "wf", "brief": "x",
	})
	if err != nil {
		t.Fatal(err)
	}
	runID := runIDFrom(t, res)
	f.waitStatus(t, runID, atelier.RunCompleted)

	rv, err := f.invoke(t, "request_validation", "coder", runID, map[string]any{
		"phase_id": "build", "reason": "unsure about the schema change",
	})
	if err != nil || rv.Error != "" {
		t.Fatalf("request failed: %+v (%v)", rv, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msgs, stop, err := f.sup.SubscribeMessages(ctx, runID, "", atelier.MessageFilter{SinceUnix: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer stop()
	for m := range msgs {
		if m.Metadata["event"] == "validation_requested" && m.Metadata["requested_by"] == "coder" {
			return
		}
	}
	t.Fatal("validation request never appeared on the stream")
}
