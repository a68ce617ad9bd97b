package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/atelierhq/atelier"
)

// PhaseHook returns an engine hook that records phase outcomes and
// durations.
func (i *Instruments) PhaseHook() atelier.PhaseHook {
	return func(run *atelier.PatternRun, phase atelier.PhaseDef, status atelier.PhaseStatus, elapsed time.Duration) {
		ctx := context.Background()
		i.PhaseOutcomes.Add(ctx, 1, metric.WithAttributes(
			AttrWorkflow.String(run.WorkflowID),
			AttrPhaseID.String(phase.ID),
			AttrPhasePattern.String(string(phase.PatternType)),
			AttrPhaseState.String(string(status)),
		))
		i.PhaseDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
			AttrWorkflow.String(run.WorkflowID),
			AttrPhasePattern.String(string(phase.PatternType)),
		))
	}
}

// RunHook returns a supervisor hook that records run outcomes.
func (i *Instruments) RunHook() func(run *atelier.PatternRun) {
	return func(run *atelier.PatternRun) {
		i.RunOutcomes.Add(context.Background(), 1, metric.WithAttributes(
			AttrWorkflow.String(run.WorkflowID),
			AttrRunStatus.String(string(run.Status)),
		))
	}
}
