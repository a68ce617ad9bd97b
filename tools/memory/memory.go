// Package memory exposes the shared memory store to agents as tools. Scope
// rules are enforced by atelier.Memory; project writes additionally require
// the calling agent's grant.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/atelierhq/atelier"
)

// ProjectRefFunc resolves the project binding of a run, usually backed by
// the supervisor's run lookup.
type ProjectRefFunc func(ctx context.Context, runID string) (string, error)

// Tools returns the memory tool definitions.
func Tools(mem *atelier.Memory, agents atelier.AgentResolver, projectRef ProjectRefFunc) []atelier.ToolDef {
	return []atelier.ToolDef{
		{
			ID:          "memory_store",
			Description: "Store a fact in shared memory. Scope 'run' is the run scratchpad; scope 'project' persists across runs and requires the project-memory grant.",
			Category:    "memory",
			SideEffect:  atelier.SideEffectWrite,
			Schema:      json.RawMessage(`{"type":"object","properties":{"scope":{"type":"string","enum":["run","project"],"description":"Target scope, default run"},"key":{"type":"string","description":"Key, slash-separated namespacing encouraged"},"value":{"type":"string","description":"Fact to store"},"confidence":{"type":"number","description":"Confidence 0..1, default 0.5"}},"required":["key","value"]}`),
			Handler:     storeHandler(mem, agents, projectRef),
		},
		{
			ID:          "memory_search",
			Description: "Search shared memory for relevant facts, ranked by recency and confidence. Searches the run scratchpad and, when the run is bound to a project, project memory.",
			Category:    "memory",
			SideEffect:  atelier.SideEffectRead,
			Schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search terms"},"limit":{"type":"integer","description":"Maximum hits, default 10"}},"required":["query"]}`),
			Handler:     searchHandler(mem, projectRef),
		},
	}
}

func storeHandler(mem *atelier.Memory, agents atelier.AgentResolver, projectRef ProjectRefFunc) atelier.ToolHandler {
	return func(ctx context.Context, inv atelier.ToolInvocation, args map[string]any) (atelier.ToolResult, error) {
		key, _ := args["key"].(string)
		value, _ := args["value"].(string)
		if key == "" || value == "" {
			return atelier.ToolResult{Error: "key and value are required"}, nil
		}
		confidence := 0.5
		if c, ok := args["confidence"].(float64); ok {
			confidence = c
		}
		scope, _ := args["scope"].(string)

		if scope == "project" {
			ref, err := projectRef(ctx, inv.RunID)
			if err != nil || ref == "" {
				return atelier.ToolResult{Error: "run is not bound to a project"}, nil
			}
			author, err := agents.GetAgent(ctx, inv.AgentID)
			if err != nil {
				return atelier.ToolResult{}, err
			}
			if err := mem.PutProject(ctx, author, ref, key, value, confidence); err != nil {
				return atelier.ToolResult{}, err
			}
			return atelier.ToolResult{Content: "stored in project memory: " + key}, nil
		}

		if err := mem.PutRun(ctx, inv.RunID, key, value, inv.AgentID, confidence); err != nil {
			return atelier.ToolResult{}, err
		}
		return atelier.ToolResult{Content: "stored in run memory: " + key}, nil
	}
}

func searchHandler(mem *atelier.Memory, projectRef ProjectRefFunc) atelier.ToolHandler {
	return func(ctx context.Context, inv atelier.ToolInvocation, args map[string]any) (atelier.ToolResult, error) {
		query, _ := args["query"].(string)
		if query == "" {
			return atelier.ToolResult{Error: "query is required"}, nil
		}
		limit := 10
		if l, ok := args["limit"].(float64); ok && l > 0 {
			limit = int(l)
		}

		var hits []atelier.MemoryEntry
		if run, err := mem.Search(ctx, atelier.ScopeRun, inv.RunID, query, limit); err == nil {
			hits = append(hits, run...)
		}
		if ref, err := projectRef(ctx, inv.RunID); err == nil && ref != "" {
			if proj, err := mem.Search(ctx, atelier.ScopeProject, ref, query, limit); err == nil {
				hits = append(hits, proj...)
			}
		}
		if len(hits) == 0 {
			return atelier.ToolResult{Content: "no matches"}, nil
		}
		var lines []string
		for _, h := range hits {
			lines = append(lines, fmt.Sprintf("[%s] %s: %s (confidence %.2f)", h.Scope, h.Key, h.Value, h.Confidence))
		}
		return atelier.ToolResult{Content: strings.Join(lines, "\n")}, nil
	}
}
