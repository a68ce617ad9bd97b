package build

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/atelierhq/atelier"
)

func handler(t *testing.T, defs []atelier.ToolDef, id string) atelier.ToolHandler {
	t.Helper()
	for _, d := range defs {
		if d.ID == id {
			return d.Handler
		}
	}
	t.Fatalf("no tool %s", id)
	return nil
}

func TestRunBuild(t *testing.T) {
	defs := Tools("echo building", "echo testing")
	res, err := handler(t, defs, "run_build")(context.Background(), atelier.ToolInvocation{WorkspacePath: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != "" || !strings.Contains(res.Content, "building") {
		t.Errorf("unexpected result %+v", res)
	}
	if !strings.Contains(res.Content, "completed in") {
		t.Error("expected timing suffix")
	}
}

func TestRunTestsWithFilter(t *testing.T) {
	defs := Tools("echo building", "echo")
	res, err := handler(t, defs, "run_tests")(context.Background(),
		atelier.ToolInvocation{WorkspacePath: t.TempDir()},
		map[string]any{"filter": "TestFoo"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Content, "TestFoo") {
		t.Errorf("filter not appended: %+v", res)
	}
}

func TestCommandFailure(t *testing.T) {
	defs := Tools("sh -c 'echo broken >&2; exit 3'", "echo")
	res, err := handler(t, defs, "run_build")(context.Background(), atelier.ToolInvocation{WorkspacePath: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == "" || !strings.HasPrefix(res.Error, "exit:") {
		t.Errorf("expected exit error, got %+v", res)
	}
	if !strings.Contains(res.Content, "broken") {
		t.Errorf("stderr should be captured: %+v", res)
	}
}

func TestCommandTimeout(t *testing.T) {
	defs := Tools("sleep 5", "echo")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := handler(t, defs, "run_build")(ctx, atelier.ToolInvocation{WorkspacePath: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("expected timeout error, got %+v", res)
	}
	if time.Since(start) > 4*time.Second {
		t.Error("timeout did not kill the process group promptly")
	}
}

func TestOutputTruncation(t *testing.T) {
	defs := Tools("yes x | head -c 20000", "echo")
	res, err := handler(t, defs, "run_build")(context.Background(), atelier.ToolInvocation{WorkspacePath: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Content) > outputLimit+100 {
		t.Errorf("output not truncated: %d bytes", len(res.Content))
	}
	if !strings.Contains(res.Content, "(truncated)") {
		t.Error("expected truncation marker")
	}
}

func TestDefaultCommands(t *testing.T) {
	defs := Tools("", "")
	if len(defs) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(defs))
	}
	for _, d := range defs {
		if d.SideEffect != atelier.SideEffectExec {
			t.Errorf("%s should be exec-classified", d.ID)
		}
	}
}
