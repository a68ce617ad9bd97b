package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atelierhq/atelier"
)

// invoke runs one tool handler with an already-canonical path, the way the
// registry hands them over after confinement.
func invoke(t *testing.T, id, workspace string, args map[string]any) atelier.ToolResult {
	t.Helper()
	for _, def := range Tools() {
		if def.ID != id {
			continue
		}
		res, err := def.Handler(context.Background(), atelier.ToolInvocation{WorkspacePath: workspace}, args)
		if err != nil {
			t.Fatalf("%s: %v", id, err)
		}
		return res
	}
	t.Fatalf("no tool %s", id)
	return atelier.ToolResult{}
}

func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")

	res := invoke(t, "write_file", dir, map[string]any{"path": path, "content": "hello"})
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}

	res = invoke(t, "read_file", dir, map[string]any{"path": path})
	if res.Error != "" || res.Content != "hello" {
		t.Errorf("wrong content: %+v", res)
	}
}

func TestWriteCreatesParents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "deep", "file.txt")

	res := invoke(t, "write_file", dir, map[string]any{"path": path, "content": "nested"})
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "nested" {
		t.Errorf("wrong content: %s", data)
	}
}

func TestWriteOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ow.txt")
	invoke(t, "write_file", dir, map[string]any{"path": path, "content": "first"})
	invoke(t, "write_file", dir, map[string]any{"path": path, "content": "second"})

	data, _ := os.ReadFile(path)
	if string(data) != "second" {
		t.Errorf("expected second, got %q", data)
	}
}

func TestReadTruncation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	os.WriteFile(path, []byte(strings.Repeat("A", readLimit+2000)), 0o644)

	res := invoke(t, "read_file", dir, map[string]any{"path": path})
	if res.Error != "" {
		t.Fatal(res.Error)
	}
	if len(res.Content) > readLimit+100 {
		t.Errorf("content not truncated: %d chars", len(res.Content))
	}
	if !strings.HasSuffix(res.Content, "(truncated)") {
		t.Error("expected truncation marker")
	}
}

func TestReadNonexistent(t *testing.T) {
	dir := t.TempDir()
	res := invoke(t, "read_file", dir, map[string]any{"path": filepath.Join(dir, "ghost.txt")})
	if res.Error == "" {
		t.Error("expected error for nonexistent file")
	}
}

func TestEditReplacesUniqueFragment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	os.WriteFile(path, []byte("func main() {\n\treturn\n}\n"), 0o644)

	res := invoke(t, "edit_file", dir, map[string]any{"path": path, "old": "return", "new": "os.Exit(0)"})
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "os.Exit(0)") {
		t.Errorf("edit not applied: %s", data)
	}
}

func TestEditRejectsMissingFragment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("alpha"), 0o644)

	res := invoke(t, "edit_file", dir, map[string]any{"path": path, "old": "beta", "new": "gamma"})
	if res.Error == "" {
		t.Error("expected fragment-not-found error")
	}
}

func TestEditRejectsAmbiguousFragment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("x = 1\nx = 1\n"), 0o644)

	res := invoke(t, "edit_file", dir, map[string]any{"path": path, "old": "x = 1", "new": "x = 2"})
	if res.Error == "" || !strings.Contains(res.Error, "unique") {
		t.Errorf("expected uniqueness error, got %+v", res)
	}

	// The file is untouched.
	data, _ := os.ReadFile(path)
	if string(data) != "x = 1\nx = 1\n" {
		t.Errorf("ambiguous edit must not modify the file: %s", data)
	}
}

func TestEditRejectsEmptyFragment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("alpha"), 0o644)

	res := invoke(t, "edit_file", dir, map[string]any{"path": path, "old": "", "new": "x"})
	if res.Error == "" {
		t.Error("expected error for empty fragment")
	}
}

func TestSearchFindsLines(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n\nfunc Hello() {}\n"), 0o644)
	os.MkdirAll(filepath.Join(dir, "sub"), 0o755)
	os.WriteFile(filepath.Join(dir, "sub", "b.go"), []byte("// Hello again\n"), 0o644)

	res := invoke(t, "search_files", dir, map[string]any{"query": "Hello"})
	if res.Error != "" {
		t.Fatal(res.Error)
	}
	if !strings.Contains(res.Content, "a.go:3:") || !strings.Contains(res.Content, filepath.Join("sub", "b.go")+":1:") {
		t.Errorf("unexpected hits:\n%s", res.Content)
	}
}

func TestSearchSkipsBinaryAndGit(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "bin.dat"), []byte{0x00, 0x01, 'n', 'e', 'e', 'd', 'l', 'e'}, 0o644)
	os.MkdirAll(filepath.Join(dir, ".git"), 0o755)
	os.WriteFile(filepath.Join(dir, ".git", "config"), []byte("needle\n"), 0o644)

	res := invoke(t, "search_files", dir, map[string]any{"query": "needle"})
	if res.Error != "" {
		t.Fatal(res.Error)
	}
	if res.Content != "no matches" {
		t.Errorf("binary and .git content should be skipped, got %q", res.Content)
	}
}

func TestSearchHitLimit(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "many.txt"), []byte(strings.Repeat("match\n", searchLimit+20)), 0o644)

	res := invoke(t, "search_files", dir, map[string]any{"query": "match"})
	if res.Error != "" {
		t.Fatal(res.Error)
	}
	if got := len(strings.Split(res.Content, "\n")); got != searchLimit {
		t.Errorf("expected %d hits, got %d", searchLimit, got)
	}
}

func TestListDirectory(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644)
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644)
	os.Mkdir(filepath.Join(dir, "subdir"), 0o755)

	res := invoke(t, "list_directory", dir, map[string]any{"path": dir})
	if res.Error != "" {
		t.Fatal(res.Error)
	}
	if res.Content != "a.txt\nb.txt\nsubdir/" {
		t.Errorf("unexpected listing %q", res.Content)
	}
}

func TestListDirectoryDefaultsToWorkspace(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "root.txt"), []byte("r"), 0o644)

	res := invoke(t, "list_directory", dir, map[string]any{})
	if res.Error != "" || !strings.Contains(res.Content, "root.txt") {
		t.Errorf("expected workspace listing, got %+v", res)
	}
}

func TestListDirectoryEmpty(t *testing.T) {
	dir := t.TempDir()
	res := invoke(t, "list_directory", dir, map[string]any{"path": dir})
	if res.Content != "(empty)" {
		t.Errorf("expected (empty), got %q", res.Content)
	}
}

func TestToolDefinitions(t *testing.T) {
	defs := Tools()
	if len(defs) != 5 {
		t.Fatalf("expected 5 definitions, got %d", len(defs))
	}
	for _, d := range defs {
		if d.Category != "file" || len(d.Schema) == 0 {
			t.Errorf("incomplete definition %+v", d.ID)
		}
	}
}
