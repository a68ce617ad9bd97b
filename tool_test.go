package atelier

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func echoTool(id string, effect SideEffect) ToolDef {
	return ToolDef{
		ID:         id,
		SideEffect: effect,
		Schema:     json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Handler: func(ctx context.Context, inv ToolInvocation, args map[string]any) (ToolResult, error) {
			text, _ := args["text"].(string)
			return ToolResult{Content: text}, nil
		},
	}
}

func registryFixture(t *testing.T, opts ...RegistryOption) (*Registry, *fakeStore) {
	t.Helper()
	st := newFakeStore()
	st.UpsertAgent(context.Background(), AgentDef{ID: "coder", Tools: []string{"echo", "writer", "pathy", "slow"}})
	st.UpsertAgent(context.Background(), AgentDef{ID: "limited", Tools: []string{"echo"}})
	r := NewRegistry(st, st, opts...)
	if err := r.Register(echoTool("echo", SideEffectRead)); err != nil {
		t.Fatal(err)
	}
	return r, st
}

func TestRegistryDispatch(t *testing.T) {
	r, st := registryFixture(t)
	res, err := r.Invoke(context.Background(), ToolInvocation{
		AgentID: "coder", RunID: "r1", Tool: "echo",
		Args: json.RawMessage(`{"text":"hello"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "hello" {
		t.Errorf("unexpected result %+v", res)
	}

	recs, _ := st.ListToolCalls(context.Background(), "r1")
	if len(recs) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(recs))
	}
	if !recs[0].Success || recs[0].ToolName != "echo" || recs[0].ArgsDigest == "" {
		t.Errorf("unexpected audit record %+v", recs[0])
	}
}

func TestRegistryACL(t *testing.T) {
	r, _ := registryFixture(t)
	r.Register(echoTool("writer", SideEffectWrite))

	_, err := r.Invoke(context.Background(), ToolInvocation{
		AgentID: "limited", RunID: "r1", Tool: "writer",
		Args: json.RawMessage(`{"text":"x"}`),
	})
	if !errors.Is(err, ErrToolForbidden) {
		t.Errorf("expected tool_forbidden, got %v", err)
	}
}

func TestRegistryUnknownAgentAndTool(t *testing.T) {
	r, _ := registryFixture(t)

	_, err := r.Invoke(context.Background(), ToolInvocation{AgentID: "ghost", Tool: "echo"})
	if !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected agent_not_found, got %v", err)
	}

	_, err = r.Invoke(context.Background(), ToolInvocation{AgentID: "coder", Tool: "slow"})
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("expected unknown_tool, got %v", err)
	}
}

func TestRegistrySchemaValidation(t *testing.T) {
	r, st := registryFixture(t)

	_, err := r.Invoke(context.Background(), ToolInvocation{
		AgentID: "coder", RunID: "r1", Tool: "echo",
		Args: json.RawMessage(`{"wrong":"field"}`),
	})
	if !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("expected invalid_arguments, got %v", err)
	}

	// Failures are audited too.
	recs, _ := st.ListToolCalls(context.Background(), "r1")
	if len(recs) != 1 || recs[0].Success {
		t.Errorf("expected failed audit record, got %+v", recs)
	}
}

func pathTool() ToolDef {
	return ToolDef{
		ID:         "pathy",
		SideEffect: SideEffectWrite,
		Schema:     json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		PathArgs:   map[string]PathArgKind{"path": PathFile},
		Handler: func(ctx context.Context, inv ToolInvocation, args map[string]any) (ToolResult, error) {
			p, _ := args["path"].(string)
			return ToolResult{Content: p}, nil
		},
	}
}

func TestRegistryPathConfinement(t *testing.T) {
	r, _ := registryFixture(t)
	r.Register(pathTool())
	ws := t.TempDir()

	// Relative path canonicalises under the workspace.
	res, err := r.Invoke(context.Background(), ToolInvocation{
		AgentID: "coder", RunID: "r1", Tool: "pathy", WorkspacePath: ws,
		Args: json.RawMessage(`{"path":"sub/file.go"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != filepath.Join(ws, "sub", "file.go") {
		t.Errorf("unexpected canonical path %q", res.Content)
	}

	// Escapes are rejected.
	for _, bad := range []string{"../outside", "/etc/passwd", "a/../../b"} {
		_, err := r.Invoke(context.Background(), ToolInvocation{
			AgentID: "coder", RunID: "r1", Tool: "pathy", WorkspacePath: ws,
			Args: json.RawMessage(`{"path":"` + bad + `"}`),
		})
		if !errors.Is(err, ErrPathEscape) {
			t.Errorf("%q: expected path_escape, got %v", bad, err)
		}
	}

	// The root itself is not a valid file target.
	_, err = r.Invoke(context.Background(), ToolInvocation{
		AgentID: "coder", RunID: "r1", Tool: "pathy", WorkspacePath: ws,
		Args: json.RawMessage(`{"path":"."}`),
	})
	if !errors.Is(err, ErrPathEscape) {
		t.Errorf("expected path_escape for workspace root, got %v", err)
	}
}

func TestRegistrySymlinkEscape(t *testing.T) {
	r, _ := registryFixture(t)
	r.Register(pathTool())
	ws := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(ws, "vendor")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	// The link sits inside the workspace but its target does not.
	_, err := r.Invoke(context.Background(), ToolInvocation{
		AgentID: "coder", RunID: "r1", Tool: "pathy", WorkspacePath: ws,
		Args: json.RawMessage(`{"path":"vendor/secrets.txt"}`),
	})
	if !errors.Is(err, ErrPathEscape) {
		t.Errorf("expected path_escape through symlink, got %v", err)
	}

	// A link staying inside the workspace still passes.
	if err := os.Mkdir(filepath.Join(ws, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(ws, "src"), filepath.Join(ws, "lib")); err != nil {
		t.Fatal(err)
	}
	_, err = r.Invoke(context.Background(), ToolInvocation{
		AgentID: "coder", RunID: "r1", Tool: "pathy", WorkspacePath: ws,
		Args: json.RawMessage(`{"path":"lib/ok.go"}`),
	})
	if err != nil {
		t.Errorf("internal symlink should pass, got %v", err)
	}
}

func TestRegistryIsolateWrites(t *testing.T) {
	r, _ := registryFixture(t)
	r.Register(pathTool())
	ws := t.TempDir()

	res, err := r.Invoke(context.Background(), ToolInvocation{
		AgentID: "coder", RunID: "r1", Tool: "pathy", WorkspacePath: ws, IsolateWrites: true,
		Args: json.RawMessage(`{"path":"main.go"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(ws, "agent", "coder", "main.go")
	if res.Content != want {
		t.Errorf("expected branch rewrite %q, got %q", want, res.Content)
	}

	// Already-branched paths are not rewritten twice.
	res, _ = r.Invoke(context.Background(), ToolInvocation{
		AgentID: "coder", RunID: "r1", Tool: "pathy", WorkspacePath: ws, IsolateWrites: true,
		Args: json.RawMessage(`{"path":"agent/coder/main.go"}`),
	})
	if res.Content != want {
		t.Errorf("expected stable branch path %q, got %q", want, res.Content)
	}
}

func TestRegistryQuotas(t *testing.T) {
	r, _ := registryFixture(t, WithQuotas(2, 1))
	r.Register(echoTool("writer", SideEffectWrite))
	ctx := context.Background()

	ok := func(tool string) error {
		_, err := r.Invoke(ctx, ToolInvocation{
			AgentID: "coder", RunID: "r1", Tool: tool,
			Args: json.RawMessage(`{"text":"x"}`),
		})
		return err
	}

	if err := ok("writer"); err != nil {
		t.Fatal(err)
	}
	if err := ok("writer"); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("expected write quota exhausted, got %v", err)
	}
	if err := ok("echo"); err != nil {
		t.Errorf("reads should still pass, got %v", err)
	}
	if err := ok("echo"); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("expected call quota exhausted, got %v", err)
	}

	// Quotas are per run.
	_, err := r.Invoke(ctx, ToolInvocation{
		AgentID: "coder", RunID: "r2", Tool: "echo",
		Args: json.RawMessage(`{"text":"x"}`),
	})
	if err != nil {
		t.Errorf("fresh run should have a fresh budget, got %v", err)
	}

	// ResetRun restores the budget.
	r.ResetRun("r1")
	if err := ok("echo"); err != nil {
		t.Errorf("reset run should pass again, got %v", err)
	}
}

func TestRegistryTimeout(t *testing.T) {
	r, _ := registryFixture(t)
	r.Register(ToolDef{
		ID:         "slow",
		SideEffect: SideEffectRead,
		Timeout:    20 * time.Millisecond,
		Handler: func(ctx context.Context, inv ToolInvocation, args map[string]any) (ToolResult, error) {
			<-ctx.Done()
			return ToolResult{Content: "partial"}, nil
		},
	})

	_, err := r.Invoke(context.Background(), ToolInvocation{AgentID: "coder", RunID: "r1", Tool: "slow"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestRegistryConfiguredTimeouts(t *testing.T) {
	r, _ := registryFixture(t, WithToolTimeouts(0, 20*time.Millisecond))
	r.Register(ToolDef{
		ID:         "slow",
		SideEffect: SideEffectRead,
		Handler: func(ctx context.Context, inv ToolInvocation, args map[string]any) (ToolResult, error) {
			<-ctx.Done()
			return ToolResult{}, ctx.Err()
		},
	})

	_, err := r.Invoke(context.Background(), ToolInvocation{AgentID: "coder", RunID: "r1", Tool: "slow"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected configured default timeout to fire, got %v", err)
	}
}

func TestRegistryOutputTruncation(t *testing.T) {
	r, _ := registryFixture(t)
	huge := strings.Repeat("x", maxToolOutput+100)
	r.Register(ToolDef{
		ID:         "slow", // reuse the allowed id
		SideEffect: SideEffectRead,
		Handler: func(ctx context.Context, inv ToolInvocation, args map[string]any) (ToolResult, error) {
			return ToolResult{Content: huge}, nil
		},
	})

	res, err := r.Invoke(context.Background(), ToolInvocation{AgentID: "coder", RunID: "r1", Tool: "slow"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Content) != maxToolOutput+len(truncationMarker) {
		t.Errorf("expected truncated output, got %d bytes", len(res.Content))
	}
	if !strings.HasSuffix(res.Content, truncationMarker) {
		t.Error("expected truncation marker")
	}
}

func TestRegistrySchemas(t *testing.T) {
	r, st := registryFixture(t)
	r.Register(echoTool("writer", SideEffectWrite))

	agent, _ := st.GetAgent(context.Background(), "limited")
	schemas := r.Schemas(agent)
	if len(schemas) != 1 || schemas[0].Name != "echo" {
		t.Errorf("expected only ACL-visible tools, got %+v", schemas)
	}
}
