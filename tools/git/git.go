// Package git provides version-control tools scoped to the run workspace.
// Commands run with the workspace as the repository root; no network
// operations (push, pull, fetch) are exposed.
package git

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/atelierhq/atelier"
)

// outputLimit bounds captured git output.
const outputLimit = 8000

// Tools returns the git tool definitions.
func Tools() []atelier.ToolDef {
	return []atelier.ToolDef{
		{
			ID:          "git_status",
			Description: "Show the working tree status of the workspace repository.",
			Category:    "git",
			SideEffect:  atelier.SideEffectRead,
			Schema:      json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
			Handler: func(ctx context.Context, inv atelier.ToolInvocation, _ map[string]any) (atelier.ToolResult, error) {
				return run(ctx, inv.WorkspacePath, "status", "--short", "--branch")
			},
		},
		{
			ID:          "git_diff",
			Description: "Show uncommitted changes. Pass staged=true for the index diff.",
			Category:    "git",
			SideEffect:  atelier.SideEffectRead,
			Schema:      json.RawMessage(`{"type":"object","properties":{"staged":{"type":"boolean","description":"Diff the index instead of the working tree"}},"required":[]}`),
			Handler: func(ctx context.Context, inv atelier.ToolInvocation, args map[string]any) (atelier.ToolResult, error) {
				gitArgs := []string{"diff"}
				if staged, _ := args["staged"].(bool); staged {
					gitArgs = append(gitArgs, "--staged")
				}
				return run(ctx, inv.WorkspacePath, gitArgs...)
			},
		},
		{
			ID:          "git_commit",
			Description: "Stage all changes in the workspace and commit them with the given message.",
			Category:    "git",
			SideEffect:  atelier.SideEffectWrite,
			Schema:      json.RawMessage(`{"type":"object","properties":{"message":{"type":"string","description":"Commit message"}},"required":["message"]}`),
			Handler:     commit,
		},
	}
}

func commit(ctx context.Context, inv atelier.ToolInvocation, args map[string]any) (atelier.ToolResult, error) {
	message, _ := args["message"].(string)
	if strings.TrimSpace(message) == "" {
		return atelier.ToolResult{Error: "message is required"}, nil
	}
	if res, err := run(ctx, inv.WorkspacePath, "add", "-A"); err != nil || res.Error != "" {
		return res, err
	}
	return run(ctx, inv.WorkspacePath,
		"-c", "user.name="+inv.AgentID,
		"-c", "user.email="+inv.AgentID+"@agents.local",
		"commit", "-m", message)
}

func run(ctx context.Context, dir string, args ...string) (atelier.ToolResult, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := combine(stdout.String(), stderr.String())
	if len(output) > outputLimit {
		output = output[:outputLimit] + "\n... (truncated)"
	}
	if err != nil {
		if output == "" {
			output = err.Error()
		}
		return atelier.ToolResult{Content: output, Error: fmt.Sprintf("git %s failed: %v", args[len(args)-1], err)}, nil
	}
	if output == "" {
		output = "(no output)"
	}
	return atelier.ToolResult{Content: output}, nil
}

func combine(stdout, stderr string) string {
	out := stdout
	if stderr != "" {
		if out != "" {
			out += "\n--- stderr ---\n"
		}
		out += stderr
	}
	return strings.TrimRight(out, "\n")
}
