// Package mission bridges supervisor operations into the tool registry so
// orchestrator agents can steer the platform: launching and pausing
// missions, tracking project lifecycle, and flagging work for human review.
package mission

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/atelierhq/atelier"
)

// Option configures the mission tool set.
type Option func(*toolset)

// WithIdeationWorkflows overrides the workflow ids used by launch_ideation
// and launch_group_ideation.
func WithIdeationWorkflows(solo, group string) Option {
	return func(t *toolset) {
		t.ideationWorkflow = solo
		t.groupIdeationWorkflow = group
	}
}

type toolset struct {
	sup                   *atelier.Supervisor
	mem                   *atelier.Memory
	ideationWorkflow      string
	groupIdeationWorkflow string
}

// Tools returns the mission-control tool definitions. Access is still
// gated per agent through AgentDef.Tools; typically only orchestrator
// agents list these.
func Tools(sup *atelier.Supervisor, mem *atelier.Memory, opts ...Option) []atelier.ToolDef {
	t := &toolset{
		sup:                   sup,
		mem:                   mem,
		ideationWorkflow:      "ideation",
		groupIdeationWorkflow: "group_ideation",
	}
	for _, opt := range opts {
		opt(t)
	}
	return []atelier.ToolDef{
		{
			ID:          "create_mission",
			Description: "Start a new mission from a registered workflow. Returns the run id.",
			Category:    "mission",
			SideEffect:  atelier.SideEffectWrite,
			Schema:      json.RawMessage(`{"type":"object","properties":{"workflow_id":{"type":"string","description":"Registered workflow to run"},"brief":{"type":"string","description":"Mission brief given to every phase"},"project_ref":{"type":"string","description":"Optional project binding"}},"required":["workflow_id","brief"]}`),
			Handler:     t.createMission,
		},
		{
			ID:          "activate_mission",
			Description: "Resume a paused mission.",
			Category:    "mission",
			SideEffect:  atelier.SideEffectWrite,
			Schema:      json.RawMessage(`{"type":"object","properties":{"run_id":{"type":"string","description":"Run to resume"}},"required":["run_id"]}`),
			Handler:     t.activateMission,
		},
		{
			ID:          "pause_mission",
			Description: "Pause a running mission. The in-flight phase is interrupted and re-runs on resume.",
			Category:    "mission",
			SideEffect:  atelier.SideEffectWrite,
			Schema:      json.RawMessage(`{"type":"object","properties":{"run_id":{"type":"string","description":"Run to pause"}},"required":["run_id"]}`),
			Handler:     t.pauseMission,
		},
		{
			ID:          "set_project_phase",
			Description: "Record the project's lifecycle phase (e.g. ideation, shaping, build, launch) in project memory. Requires the project-memory grant.",
			Category:    "mission",
			SideEffect:  atelier.SideEffectWrite,
			Schema:      json.RawMessage(`{"type":"object","properties":{"project_ref":{"type":"string","description":"Project to update"},"phase":{"type":"string","description":"Lifecycle phase label"}},"required":["project_ref","phase"]}`),
			Handler:     t.setProjectPhase,
		},
		{
			ID:          "get_project_health",
			Description: "Summarise a project's missions: status counts, runs waiting on humans, token spend, current lifecycle phase.",
			Category:    "mission",
			SideEffect:  atelier.SideEffectRead,
			Schema:      json.RawMessage(`{"type":"object","properties":{"project_ref":{"type":"string","description":"Project to inspect"}},"required":["project_ref"]}`),
			Handler:     t.projectHealth,
		},
		{
			ID:          "suggest_next_missions",
			Description: "Suggest follow-up missions for a project from its lifecycle phase, stalled runs, and recent retrospectives.",
			Category:    "mission",
			SideEffect:  atelier.SideEffectRead,
			Schema:      json.RawMessage(`{"type":"object","properties":{"project_ref":{"type":"string","description":"Project to plan for"}},"required":["project_ref"]}`),
			Handler:     t.suggestNext,
		},
		{
			ID:          "check_phase_gate",
			Description: "Report whether a phase's gate is satisfied, with the recorded compliance verdict.",
			Category:    "mission",
			SideEffect:  atelier.SideEffectRead,
			Schema:      json.RawMessage(`{"type":"object","properties":{"run_id":{"type":"string","description":"Run to inspect"},"phase_id":{"type":"string","description":"Phase to check"}},"required":["run_id","phase_id"]}`),
			Handler:     t.checkPhaseGate,
		},
		{
			ID:          "launch_ideation",
			Description: "Start an ideation mission for a project around a topic.",
			Category:    "mission",
			SideEffect:  atelier.SideEffectWrite,
			Schema:      json.RawMessage(`{"type":"object","properties":{"project_ref":{"type":"string","description":"Project binding"},"topic":{"type":"string","description":"What to ideate on"}},"required":["topic"]}`),
			Handler:     t.launch(t.ideationWorkflow),
		},
		{
			ID:          "launch_group_ideation",
			Description: "Start a multi-agent group ideation mission for a project around a topic.",
			Category:    "mission",
			SideEffect:  atelier.SideEffectWrite,
			Schema:      json.RawMessage(`{"type":"object","properties":{"project_ref":{"type":"string","description":"Project binding"},"topic":{"type":"string","description":"What to ideate on"}},"required":["topic"]}`),
			Handler:     t.launch(t.groupIdeationWorkflow),
		},
		{
			ID:          "request_validation",
			Description: "Flag the current work for human review without blocking the mission. The request appears on the run's event stream.",
			Category:    "mission",
			SideEffect:  atelier.SideEffectWrite,
			Schema:      json.RawMessage(`{"type":"object","properties":{"phase_id":{"type":"string","description":"Phase to flag, defaults to the current phase"},"reason":{"type":"string","description":"Why review is needed"}},"required":["reason"]}`),
			Handler:     t.requestValidation,
		},
	}
}

func (t *toolset) createMission(ctx context.Context, inv atelier.ToolInvocation, args map[string]any) (atelier.ToolResult, error) {
	workflowID, _ := args["workflow_id"].(string)
	brief, _ := args["brief"].(string)
	projectRef, _ := args["project_ref"].(string)
	if workflowID == "" || brief == "" {
		return atelier.ToolResult{Error: "workflow_id and brief are required"}, nil
	}
	runID, err := t.sup.StartMission(ctx, workflowID, brief, projectRef, nil)
	if err != nil {
		return atelier.ToolResult{Error: err.Error()}, nil
	}
	return atelier.ToolResult{Content: "mission started: " + runID}, nil
}

func (t *toolset) activateMission(ctx context.Context, inv atelier.ToolInvocation, args map[string]any) (atelier.ToolResult, error) {
	runID, _ := args["run_id"].(string)
	if err := t.sup.ResumeMission(ctx, runID); err != nil {
		return atelier.ToolResult{Error: err.Error()}, nil
	}
	return atelier.ToolResult{Content: "mission resumed: " + runID}, nil
}

func (t *toolset) pauseMission(ctx context.Context, inv atelier.ToolInvocation, args map[string]any) (atelier.ToolResult, error) {
	runID, _ := args["run_id"].(string)
	if err := t.sup.PauseMission(ctx, runID); err != nil {
		return atelier.ToolResult{Error: err.Error()}, nil
	}
	return atelier.ToolResult{Content: "mission pausing: " + runID}, nil
}

// lifecycleKey is the project-memory key holding the lifecycle phase.
const lifecycleKey = "lifecycle/phase"

func (t *toolset) setProjectPhase(ctx context.Context, inv atelier.ToolInvocation, args map[string]any) (atelier.ToolResult, error) {
	projectRef, _ := args["project_ref"].(string)
	phase, _ := args["phase"].(string)
	if projectRef == "" || phase == "" {
		return atelier.ToolResult{Error: "project_ref and phase are required"}, nil
	}
	author, err := t.sup.GetAgent(ctx, inv.AgentID)
	if err != nil {
		return atelier.ToolResult{}, err
	}
	if err := t.mem.PutProject(ctx, author, projectRef, lifecycleKey, phase, 1.0); err != nil {
		return atelier.ToolResult{}, err
	}
	return atelier.ToolResult{Content: fmt.Sprintf("project %s is now in %s", projectRef, phase)}, nil
}

func (t *toolset) projectHealth(ctx context.Context, inv atelier.ToolInvocation, args map[string]any) (atelier.ToolResult, error) {
	projectRef, _ := args["project_ref"].(string)
	if projectRef == "" {
		return atelier.ToolResult{Error: "project_ref is required"}, nil
	}
	runs, err := t.sup.ListMissions(ctx, atelier.RunFilter{ProjectRef: projectRef, Limit: 100})
	if err != nil {
		return atelier.ToolResult{}, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "project %s: %d missions\n", projectRef, len(runs))
	if entry, err := t.mem.Get(ctx, atelier.ScopeProject, projectRef, lifecycleKey); err == nil {
		fmt.Fprintf(&b, "lifecycle phase: %s\n", entry.Value)
	}

	counts := map[atelier.RunStatus]int{}
	var usage atelier.RunUsage
	var waiting []string
	for _, run := range runs {
		counts[run.Status]++
		usage.InputTokens += run.Usage.InputTokens
		usage.OutputTokens += run.Usage.OutputTokens
		usage.CostUSD += run.Usage.CostUSD
		if run.Status == atelier.RunPaused && run.NeedsHuman {
			waiting = append(waiting, run.RunID)
		}
	}
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		fmt.Fprintf(&b, "  %s: %d\n", st, counts[atelier.RunStatus(st)])
	}
	fmt.Fprintf(&b, "tokens: %d in / %d out, cost $%.4f", usage.InputTokens, usage.OutputTokens, usage.CostUSD)
	if len(waiting) > 0 {
		fmt.Fprintf(&b, "\nwaiting on human: %s", strings.Join(waiting, ", "))
	}
	return atelier.ToolResult{Content: b.String()}, nil
}

func (t *toolset) suggestNext(ctx context.Context, inv atelier.ToolInvocation, args map[string]any) (atelier.ToolResult, error) {
	projectRef, _ := args["project_ref"].(string)
	if projectRef == "" {
		return atelier.ToolResult{Error: "project_ref is required"}, nil
	}

	var lines []string
	if entry, err := t.mem.Get(ctx, atelier.ScopeProject, projectRef, lifecycleKey); err == nil {
		lines = append(lines, "lifecycle phase: "+entry.Value)
	}

	// Stalled runs come first: unblocking beats starting new work.
	paused, err := t.sup.ListMissions(ctx, atelier.RunFilter{ProjectRef: projectRef, Status: atelier.RunPaused, Limit: 10})
	if err != nil {
		return atelier.ToolResult{}, err
	}
	for _, run := range paused {
		why := "paused"
		if run.NeedsHuman {
			why = "needs human review"
		}
		lines = append(lines, fmt.Sprintf("resume %s (%s, %s)", run.RunID, run.WorkflowID, why))
	}

	recent, err := t.sup.ListMissions(ctx, atelier.RunFilter{ProjectRef: projectRef, Limit: 20})
	if err != nil {
		return atelier.ToolResult{}, err
	}
	ran := map[string]bool{}
	for _, run := range recent {
		ran[run.WorkflowID] = true
	}
	workflows, err := t.sup.ListWorkflows(ctx)
	if err != nil {
		return atelier.ToolResult{}, err
	}
	for _, wf := range workflows {
		if !ran[wf.ID] {
			lines = append(lines, fmt.Sprintf("start %s (not yet run for this project)", wf.ID))
		}
	}

	if retros, err := t.mem.Prefix(ctx, atelier.ScopeGlobal, "", "retrospective/", 3); err == nil {
		for _, r := range retros {
			lines = append(lines, "retrospective: "+firstLine(r.Value))
		}
	}

	if len(lines) == 0 {
		return atelier.ToolResult{Content: "no suggestions"}, nil
	}
	return atelier.ToolResult{Content: strings.Join(lines, "\n")}, nil
}

func (t *toolset) checkPhaseGate(ctx context.Context, inv atelier.ToolInvocation, args map[string]any) (atelier.ToolResult, error) {
	runID, _ := args["run_id"].(string)
	phaseID, _ := args["phase_id"].(string)
	run, err := t.sup.GetMission(ctx, runID)
	if err != nil {
		return atelier.ToolResult{Error: err.Error()}, nil
	}
	st := run.PhaseStates[phaseID]
	if st == nil {
		return atelier.ToolResult{Error: fmt.Sprintf("run %s has no phase %s", runID, phaseID)}, nil
	}

	var b strings.Builder
	switch st.State {
	case atelier.PhaseApproved, atelier.PhaseDone:
		fmt.Fprintf(&b, "gate satisfied: phase %s is %s", phaseID, st.State)
	case atelier.PhasePending, atelier.PhaseRunning:
		fmt.Fprintf(&b, "gate pending: phase %s is %s", phaseID, st.State)
	default:
		fmt.Fprintf(&b, "gate unmet: phase %s is %s", phaseID, st.State)
	}
	verdicts, err := t.sup.GetComplianceReports(ctx, runID)
	if err == nil {
		for _, v := range verdicts {
			if v.PhaseID != phaseID {
				continue
			}
			fmt.Fprintf(&b, "\nverdict: %s", v.Verdict)
			if v.Escalated {
				b.WriteString(" (escalated)")
			}
			for _, viol := range v.Violations {
				fmt.Fprintf(&b, "\n  violation: %s", viol)
			}
		}
	}
	return atelier.ToolResult{Content: b.String()}, nil
}

func (t *toolset) launch(workflowID string) atelier.ToolHandler {
	return func(ctx context.Context, inv atelier.ToolInvocation, args map[string]any) (atelier.ToolResult, error) {
		topic, _ := args["topic"].(string)
		projectRef, _ := args["project_ref"].(string)
		if topic == "" {
			return atelier.ToolResult{Error: "topic is required"}, nil
		}
		runID, err := t.sup.StartMission(ctx, workflowID, topic, projectRef, nil)
		if err != nil {
			return atelier.ToolResult{Error: err.Error()}, nil
		}
		return atelier.ToolResult{Content: "mission started: " + runID}, nil
	}
}

func (t *toolset) requestValidation(ctx context.Context, inv atelier.ToolInvocation, args map[string]any) (atelier.ToolResult, error) {
	reason, _ := args["reason"].(string)
	phaseID, _ := args["phase_id"].(string)
	if reason == "" {
		return atelier.ToolResult{Error: "reason is required"}, nil
	}
	if err := t.sup.RequestValidation(ctx, inv.RunID, phaseID, inv.AgentID, reason); err != nil {
		return atelier.ToolResult{Error: err.Error()}, nil
	}
	return atelier.ToolResult{Content: "validation requested"}, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
