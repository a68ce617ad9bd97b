package memory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atelierhq/atelier"
	"github.com/atelierhq/atelier/store/sqlite"
)

type fixture struct {
	store *sqlite.Store
	mem   *atelier.Memory
	defs  []atelier.ToolDef
}

func newFixture(t *testing.T, projectRef string) *fixture {
	t.Helper()
	ctx := context.Background()
	st := sqlite.New(filepath.Join(t.TempDir(), "mem.db"))
	if err := st.Init(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	st.UpsertAgent(ctx, atelier.AgentDef{ID: "lead", CanWriteProjectMemory: true})
	st.UpsertAgent(ctx, atelier.AgentDef{ID: "coder"})

	mem := atelier.NewMemory(st)
	refFn := func(ctx context.Context, runID string) (string, error) { return projectRef, nil }
	return &fixture{store: st, mem: mem, defs: Tools(mem, st, refFn)}
}

func (f *fixture) invoke(t *testing.T, id, agentID string, args map[string]any) (atelier.ToolResult, error) {
	t.Helper()
	for _, def := range f.defs {
		if def.ID == id {
			return def.Handler(context.Background(), atelier.ToolInvocation{AgentID: agentID, RunID: "r1"}, args)
		}
	}
	t.Fatalf("no tool %s", id)
	return atelier.ToolResult{}, nil
}

func TestStoreRunScope(t *testing.T) {
	f := newFixture(t, "")
	res, err := f.invoke(t, "memory_store", "coder", map[string]any{
		"key": "decision/db", "value": "use sqlite", "confidence": 0.9,
	})
	if err != nil || res.Error != "" {
		t.Fatalf("store failed: %+v (%v)", res, err)
	}

	entry, err := f.mem.Get(context.Background(), atelier.ScopeRun, "r1", "decision/db")
	if err != nil || entry.Value != "use sqlite" || entry.AuthorAgent != "coder" {
		t.Errorf("unexpected entry %+v (%v)", entry, err)
	}
}

func TestStoreProjectScopeNeedsGrant(t *testing.T) {
	f := newFixture(t, "proj-1")

	_, err := f.invoke(t, "memory_store", "coder", map[string]any{
		"scope": "project", "key": "style", "value": "tabs",
	})
	if !errors.Is(err, atelier.ErrToolForbidden) {
		t.Errorf("expected tool_forbidden for ungranted agent, got %v", err)
	}

	res, err := f.invoke(t, "memory_store", "lead", map[string]any{
		"scope": "project", "key": "style", "value": "tabs",
	})
	if err != nil || res.Error != "" {
		t.Fatalf("granted write failed: %+v (%v)", res, err)
	}
	entry, err := f.mem.Get(context.Background(), atelier.ScopeProject, "proj-1", "style")
	if err != nil || entry.Value != "tabs" {
		t.Errorf("unexpected entry %+v (%v)", entry, err)
	}
}

func TestStoreProjectScopeUnboundRun(t *testing.T) {
	f := newFixture(t, "")
	res, err := f.invoke(t, "memory_store", "lead", map[string]any{
		"scope": "project", "key": "style", "value": "tabs",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Error, "not bound") {
		t.Errorf("expected unbound error, got %+v", res)
	}
}

func TestStoreValidatesArgs(t *testing.T) {
	f := newFixture(t, "")
	res, _ := f.invoke(t, "memory_store", "coder", map[string]any{"key": "", "value": "x"})
	if res.Error == "" {
		t.Error("expected error for missing key")
	}
}

func TestSearchSpansScopes(t *testing.T) {
	f := newFixture(t, "proj-1")
	ctx := context.Background()
	f.mem.PutRun(ctx, "r1", "note/schema", "users table needs an index", "coder", 0.7)
	f.mem.PutProject(ctx, atelier.AgentDef{ID: "lead", CanWriteProjectMemory: true}, "proj-1", "convention/schema", "schema changes go through migrations", 0.9)

	res, err := f.invoke(t, "memory_search", "coder", map[string]any{"query": "schema"})
	if err != nil || res.Error != "" {
		t.Fatalf("search failed: %+v (%v)", res, err)
	}
	if !strings.Contains(res.Content, "[run]") || !strings.Contains(res.Content, "[project]") {
		t.Errorf("expected hits from both scopes:\n%s", res.Content)
	}
	if !strings.Contains(res.Content, "confidence 0.90") {
		t.Errorf("expected formatted confidence:\n%s", res.Content)
	}
}

func TestSearchNoMatches(t *testing.T) {
	f := newFixture(t, "")
	res, err := f.invoke(t, "memory_search", "coder", map[string]any{"query": "nothing"})
	if err != nil || res.Content != "no matches" {
		t.Errorf("expected no matches, got %+v (%v)", res, err)
	}
}
