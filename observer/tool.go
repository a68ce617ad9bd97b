package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/atelierhq/atelier"
)

// WrapTool returns def with its handler instrumented: every dispatch emits a
// span, a counter increment, and a duration sample. Register the wrapped def
// instead of the original.
func WrapTool(def atelier.ToolDef, inst *Instruments) atelier.ToolDef {
	inner := def.Handler
	def.Handler = func(ctx context.Context, inv atelier.ToolInvocation, args map[string]any) (atelier.ToolResult, error) {
		ctx, span := inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
			AttrToolName.String(def.ID),
			AttrAgentID.String(inv.AgentID),
			AttrRunID.String(inv.RunID),
		))
		defer span.End()
		start := time.Now()

		res, err := inner(ctx, inv, args)

		durationMs := float64(time.Since(start).Milliseconds())
		status := "ok"
		switch {
		case err != nil:
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case res.Error != "":
			status = "tool_error"
		}
		span.SetAttributes(
			AttrToolStatus.String(status),
			AttrToolResultLength.Int(len(res.Content)),
		)
		inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
			AttrToolName.String(def.ID),
			AttrToolStatus.String(status),
		))
		inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
			AttrToolName.String(def.ID),
		))
		return res, err
	}
	return def
}

// WrapTools instruments a batch of tool definitions.
func WrapTools(defs []atelier.ToolDef, inst *Instruments) []atelier.ToolDef {
	out := make([]atelier.ToolDef, len(defs))
	for i, d := range defs {
		out[i] = WrapTool(d, inst)
	}
	return out
}
