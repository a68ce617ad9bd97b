// Package file provides workspace file tools: read, write, edit, search,
// list. Path arguments are declared to the registry, which canonicalises
// them inside the run workspace before the handlers run.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/atelierhq/atelier"
)

// readLimit bounds file content returned to the model.
const readLimit = 8000

// searchLimit bounds search hits per call.
const searchLimit = 50

// Tools returns the file tool definitions.
func Tools() []atelier.ToolDef {
	return []atelier.ToolDef{
		{
			ID:          "read_file",
			Description: "Read a file from the workspace. Returns the content, truncated if large.",
			Category:    "file",
			SideEffect:  atelier.SideEffectRead,
			Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the workspace"}},"required":["path"]}`),
			PathArgs:    map[string]atelier.PathArgKind{"path": atelier.PathFile},
			Handler:     readFile,
		},
		{
			ID:          "write_file",
			Description: "Write content to a file in the workspace. Creates parent directories if needed.",
			Category:    "file",
			SideEffect:  atelier.SideEffectWrite,
			Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
			PathArgs:    map[string]atelier.PathArgKind{"path": atelier.PathFile},
			Handler:     writeFile,
		},
		{
			ID:          "edit_file",
			Description: "Replace an exact text fragment in a workspace file. The fragment must occur exactly once.",
			Category:    "file",
			SideEffect:  atelier.SideEffectWrite,
			Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the workspace"},"old":{"type":"string","description":"Exact text to replace"},"new":{"type":"string","description":"Replacement text"}},"required":["path","old","new"]}`),
			PathArgs:    map[string]atelier.PathArgKind{"path": atelier.PathFile},
			Handler:     editFile,
		},
		{
			ID:          "search_files",
			Description: "Search workspace files for a substring. Returns matching lines as path:line:text.",
			Category:    "file",
			SideEffect:  atelier.SideEffectRead,
			Schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Substring to search for"},"dir":{"type":"string","description":"Directory to search, default workspace root"}},"required":["query"]}`),
			PathArgs:    map[string]atelier.PathArgKind{"dir": atelier.PathDirectory},
			Handler:     searchFiles,
		},
		{
			ID:          "list_directory",
			Description: "List the entries of a workspace directory.",
			Category:    "file",
			SideEffect:  atelier.SideEffectRead,
			Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path relative to the workspace, default root"}},"required":[]}`),
			PathArgs:    map[string]atelier.PathArgKind{"path": atelier.PathDirectory},
			Handler:     listDirectory,
		},
	}
}

func readFile(_ context.Context, _ atelier.ToolInvocation, args map[string]any) (atelier.ToolResult, error) {
	path, _ := args["path"].(string)
	data, err := os.ReadFile(path)
	if err != nil {
		return atelier.ToolResult{Error: "read error: " + err.Error()}, nil
	}
	content := string(data)
	if len(content) > readLimit {
		content = content[:readLimit] + "\n... (truncated)"
	}
	return atelier.ToolResult{Content: content}, nil
}

func writeFile(_ context.Context, _ atelier.ToolInvocation, args map[string]any) (atelier.ToolResult, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return atelier.ToolResult{Error: "mkdir error: " + err.Error()}, nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return atelier.ToolResult{Error: "write error: " + err.Error()}, nil
	}
	return atelier.ToolResult{Content: fmt.Sprintf("wrote %d bytes to %s", len(content), filepath.Base(path))}, nil
}

func editFile(_ context.Context, _ atelier.ToolInvocation, args map[string]any) (atelier.ToolResult, error) {
	path, _ := args["path"].(string)
	oldText, _ := args["old"].(string)
	newText, _ := args["new"].(string)
	if oldText == "" {
		return atelier.ToolResult{Error: "old must not be empty"}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return atelier.ToolResult{Error: "read error: " + err.Error()}, nil
	}
	content := string(data)
	switch n := strings.Count(content, oldText); {
	case n == 0:
		return atelier.ToolResult{Error: "fragment not found"}, nil
	case n > 1:
		return atelier.ToolResult{Error: fmt.Sprintf("fragment occurs %d times, must be unique", n)}, nil
	}
	content = strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return atelier.ToolResult{Error: "write error: " + err.Error()}, nil
	}
	return atelier.ToolResult{Content: "edited " + filepath.Base(path)}, nil
}

func searchFiles(ctx context.Context, inv atelier.ToolInvocation, args map[string]any) (atelier.ToolResult, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return atelier.ToolResult{Error: "query is required"}, nil
	}
	root, _ := args["dir"].(string)
	if root == "" {
		root = inv.WorkspacePath
	}

	var hits []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || ctx.Err() != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if len(hits) >= searchLimit {
			return filepath.SkipAll
		}
		data, err := os.ReadFile(path)
		if err != nil || bytes.IndexByte(data[:min(len(data), 1024)], 0) >= 0 {
			// Skip unreadable and binary files.
			return nil
		}
		rel, _ := filepath.Rel(inv.WorkspacePath, path)
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, query) {
				hits = append(hits, fmt.Sprintf("%s:%d:%s", rel, i+1, strings.TrimSpace(line)))
				if len(hits) >= searchLimit {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return atelier.ToolResult{Error: "search error: " + err.Error()}, nil
	}
	if len(hits) == 0 {
		return atelier.ToolResult{Content: "no matches"}, nil
	}
	return atelier.ToolResult{Content: strings.Join(hits, "\n")}, nil
}

func listDirectory(_ context.Context, inv atelier.ToolInvocation, args map[string]any) (atelier.ToolResult, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = inv.WorkspacePath
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return atelier.ToolResult{Error: "list error: " + err.Error()}, nil
	}
	var lines []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		lines = append(lines, name)
	}
	sort.Strings(lines)
	if len(lines) == 0 {
		return atelier.ToolResult{Content: "(empty)"}, nil
	}
	return atelier.ToolResult{Content: strings.Join(lines, "\n")}, nil
}
