// Package build provides build and test execution tools. Commands run in
// their own process group so a timeout kills the whole tree, not just the
// direct child.
package build

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/atelierhq/atelier"
)

// outputLimit bounds captured command output.
const outputLimit = 12000

// Tools returns the build tool definitions. buildCmd and testCmd are the
// project's configured command lines (e.g. "make build", "go test ./...").
func Tools(buildCmd, testCmd string) []atelier.ToolDef {
	if buildCmd == "" {
		buildCmd = "make build"
	}
	if testCmd == "" {
		testCmd = "make test"
	}
	return []atelier.ToolDef{
		{
			ID:          "run_build",
			Description: "Run the project build command in the workspace and return its output.",
			Category:    "build",
			SideEffect:  atelier.SideEffectExec,
			Schema:      json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
			Handler: func(ctx context.Context, inv atelier.ToolInvocation, _ map[string]any) (atelier.ToolResult, error) {
				return runGroup(ctx, inv.WorkspacePath, buildCmd)
			},
		},
		{
			ID:          "run_tests",
			Description: "Run the project test command in the workspace. Pass filter to narrow the test selection.",
			Category:    "build",
			SideEffect:  atelier.SideEffectExec,
			Schema:      json.RawMessage(`{"type":"object","properties":{"filter":{"type":"string","description":"Test name filter appended to the test command"}},"required":[]}`),
			Handler: func(ctx context.Context, inv atelier.ToolInvocation, args map[string]any) (atelier.ToolResult, error) {
				cmd := testCmd
				if filter, _ := args["filter"].(string); filter != "" {
					cmd += " " + filter
				}
				return runGroup(ctx, inv.WorkspacePath, cmd)
			},
		},
	}
}

// runGroup executes command via the shell in its own process group. On
// context cancellation the whole group receives SIGKILL so build daemons and
// test children do not outlive the call.
func runGroup(ctx context.Context, dir, command string) (atelier.ToolResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	// Grace period between ctx cancel and the kill.
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start).Round(time.Millisecond)

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	output = strings.TrimRight(output, "\n")
	if len(output) > outputLimit {
		output = output[:outputLimit] + "\n... (truncated)"
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return atelier.ToolResult{Content: output, Error: "command timed out after " + elapsed.String()}, nil
		}
		if output == "" {
			output = err.Error()
		}
		return atelier.ToolResult{Content: output, Error: "exit: " + err.Error()}, nil
	}
	if output == "" {
		output = "(no output)"
	}
	return atelier.ToolResult{Content: output + "\n(completed in " + elapsed.String() + ")"}, nil
}
