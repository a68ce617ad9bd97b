package atelier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// SideEffect classifies what a tool does to the outside world.
type SideEffect string

const (
	SideEffectRead    SideEffect = "read"
	SideEffectWrite   SideEffect = "write"
	SideEffectExec    SideEffect = "exec"
	SideEffectNetwork SideEffect = "network"
)

// PathArgKind tells the sandbox how to treat a path-typed argument.
type PathArgKind string

const (
	// PathFile must resolve strictly below the workspace root.
	PathFile PathArgKind = "file"
	// PathDirectory may resolve to the workspace root itself.
	PathDirectory PathArgKind = "directory"
)

// Default per-call timeouts by side effect.
const (
	DefaultExecTimeout = 300 * time.Second
	DefaultToolTimeout = 30 * time.Second
)

// Per-run tool quotas.
const (
	DefaultCallQuota  = 100
	DefaultWriteQuota = 50
)

// maxToolOutput bounds captured tool output; larger results are cut with an
// explicit marker.
const maxToolOutput = 16 * 1024

const truncationMarker = "\n...[output truncated]"

// ToolResult is the outcome of a tool execution. A non-empty Error is a
// tool-level failure the agent can react to; transport failures come back
// as Go errors from Invoke.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolInvocation is one dispatch request.
type ToolInvocation struct {
	AgentID string
	RunID   string
	Tool    string
	Args    json.RawMessage
	// WorkspacePath is the run's sandbox root. All path arguments must
	// canonicalise inside it.
	WorkspacePath string
	// IsolateWrites rewrites write-tool path targets under agent/{id}/ so
	// concurrent executors in a parallel phase cannot interfere.
	IsolateWrites bool
}

// ToolHandler executes one validated call. Path arguments in args are
// already canonicalised absolute paths inside the workspace.
type ToolHandler func(ctx context.Context, inv ToolInvocation, args map[string]any) (ToolResult, error)

// ToolDef declares one tool: schema, side effect, path typing, handler.
type ToolDef struct {
	ID          string
	Description string
	Category    string
	SideEffect  SideEffect
	// Schema is the JSON Schema of the arguments object.
	Schema json.RawMessage
	// PathArgs maps argument names to their sandbox treatment.
	PathArgs map[string]PathArgKind
	// Timeout overrides the side-effect default when positive.
	Timeout time.Duration
	Handler ToolHandler
}

// AgentResolver resolves agent definitions for ACL checks.
type AgentResolver interface {
	GetAgent(ctx context.Context, id string) (AgentDef, error)
}

// Registry holds tool declarations and dispatches calls under per-agent
// ACLs, JSON-schema argument validation, workspace path confinement,
// per-run quotas, and timeouts. Every dispatch appends an audit record.
type Registry struct {
	mu      sync.Mutex
	tools   map[string]ToolDef
	schemas map[string]*gojsonschema.Schema
	quotas  map[string]*runQuota

	agents      AgentResolver
	store       Store
	callQuota   int
	writeQuota  int
	execTimeout time.Duration
	toolTimeout time.Duration
	logger      *slog.Logger
}

type runQuota struct {
	calls  int
	writes int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithQuotas overrides the per-run call and write quotas.
func WithQuotas(calls, writes int) RegistryOption {
	return func(r *Registry) {
		if calls > 0 {
			r.callQuota = calls
		}
		if writes > 0 {
			r.writeQuota = writes
		}
	}
}

// WithToolTimeouts overrides the per-call deadlines for exec tools and for
// everything else. Non-positive values keep the defaults.
func WithToolTimeouts(exec, other time.Duration) RegistryOption {
	return func(r *Registry) {
		if exec > 0 {
			r.execTimeout = exec
		}
		if other > 0 {
			r.toolTimeout = other
		}
	}
}

// WithRegistryLogger sets the structured logger (default: discard).
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a registry. agents supplies ACLs; store receives
// audit records.
func NewRegistry(agents AgentResolver, store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:       make(map[string]ToolDef),
		schemas:     make(map[string]*gojsonschema.Schema),
		quotas:      make(map[string]*runQuota),
		agents:      agents,
		store:       store,
		callQuota:   DefaultCallQuota,
		writeQuota:  DefaultWriteQuota,
		execTimeout: DefaultExecTimeout,
		toolTimeout: DefaultToolTimeout,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool, compiling its argument schema once.
func (r *Registry) Register(def ToolDef) error {
	if def.ID == "" || def.Handler == nil {
		return fmt.Errorf("%w: tool needs id and handler", ErrValidation)
	}
	var schema *gojsonschema.Schema
	if len(def.Schema) > 0 {
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(def.Schema))
		if err != nil {
			return fmt.Errorf("%w: tool %s schema: %w", ErrValidation, def.ID, err)
		}
		schema = s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.ID] = def
	if schema != nil {
		r.schemas[def.ID] = schema
	}
	return nil
}

// Schemas returns the tool schemas visible to one agent, for the model's
// tool declarations.
func (r *Registry) Schemas(def AgentDef) []ToolSchema {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ToolSchema
	for _, id := range def.Tools {
		t, ok := r.tools[id]
		if !ok {
			continue
		}
		out = append(out, ToolSchema{Name: t.ID, Description: t.Description, Parameters: t.Schema})
	}
	return out
}

// ResetRun clears a run's quota counters. Called when a run terminates.
func (r *Registry) ResetRun(runID string) {
	r.mu.Lock()
	delete(r.quotas, runID)
	r.mu.Unlock()
}

// Invoke dispatches one tool call: ACL, schema validation, path
// confinement, quota, timeout, handler, audit. Policy failures come back as
// wrapped sentinel errors the executor converts into tool_result messages.
func (r *Registry) Invoke(ctx context.Context, inv ToolInvocation) (ToolResult, error) {
	start := time.Now()
	res, err := r.invoke(ctx, inv)
	r.audit(ctx, inv, res, err, time.Since(start))
	return res, err
}

func (r *Registry) invoke(ctx context.Context, inv ToolInvocation) (ToolResult, error) {
	agent, err := r.agents.GetAgent(ctx, inv.AgentID)
	if err != nil {
		return ToolResult{}, fmt.Errorf("%w: %s", ErrAgentNotFound, inv.AgentID)
	}
	if !agent.AllowsTool(inv.Tool) {
		return ToolResult{}, fmt.Errorf("%w: %s may not call %s", ErrToolForbidden, inv.AgentID, inv.Tool)
	}

	r.mu.Lock()
	def, ok := r.tools[inv.Tool]
	schema := r.schemas[inv.Tool]
	r.mu.Unlock()
	if !ok {
		return ToolResult{}, fmt.Errorf("%w: %s", ErrUnknownTool, inv.Tool)
	}

	args, err := r.validateArgs(schema, inv.Args)
	if err != nil {
		return ToolResult{}, err
	}
	if err := r.confinePaths(def, inv, args); err != nil {
		return ToolResult{}, err
	}
	if err := r.spendQuota(inv.RunID, def.SideEffect); err != nil {
		return ToolResult{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeoutFor(def))
	defer cancel()

	res, err := def.Handler(callCtx, inv, args)
	if err == nil && callCtx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("tool %s: %w", inv.Tool, context.DeadlineExceeded)
	}
	if len(res.Content) > maxToolOutput {
		res.Content = res.Content[:maxToolOutput] + truncationMarker
	}
	return res, err
}

// timeoutFor resolves the call deadline: the tool's own override, then the
// registry default for its side-effect class.
func (r *Registry) timeoutFor(def ToolDef) time.Duration {
	if def.Timeout > 0 {
		return def.Timeout
	}
	if def.SideEffect == SideEffectExec {
		return r.execTimeout
	}
	return r.toolTimeout
}

// validateArgs checks raw against the compiled schema and decodes it.
func (r *Registry) validateArgs(schema *gojsonschema.Schema, raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	if schema == nil {
		return args, nil
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	if !result.Valid() {
		var parts []string
		for _, e := range result.Errors() {
			parts = append(parts, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(parts, "; "))
	}
	return args, nil
}

// confinePaths canonicalises every path-typed argument and asserts it stays
// inside the workspace. Write targets are additionally rewritten under the
// agent's branch sub-path when the phase isolates writes.
func (r *Registry) confinePaths(def ToolDef, inv ToolInvocation, args map[string]any) error {
	if len(def.PathArgs) == 0 {
		return nil
	}
	root, err := filepath.Abs(inv.WorkspacePath)
	if err != nil {
		return fmt.Errorf("%w: workspace: %w", ErrValidation, err)
	}
	if resolved, rerr := filepath.EvalSymlinks(root); rerr == nil {
		root = resolved
	}
	for name, kind := range def.PathArgs {
		v, ok := args[name]
		if !ok {
			continue
		}
		raw, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: %s must be a string path", ErrInvalidArguments, name)
		}
		p := raw
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		p = filepath.Clean(p)
		// A symlink inside the workspace may point outside it; the check
		// must see the resolved target, not the link.
		if p, err = resolveSymlinks(p); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidArguments, name, err)
		}

		rel, err := filepath.Rel(root, p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%w: %s resolves outside the workspace", ErrPathEscape, raw)
		}
		if rel == "." && kind != PathDirectory {
			return fmt.Errorf("%w: %s is the workspace root", ErrPathEscape, raw)
		}

		if inv.IsolateWrites && def.SideEffect == SideEffectWrite {
			branch := filepath.Join("agent", inv.AgentID)
			if rel == "." {
				rel = ""
			}
			if !strings.HasPrefix(rel, branch) {
				p = filepath.Join(root, branch, rel)
			}
		}
		args[name] = p
	}
	return nil
}

// resolveSymlinks canonicalises p through its deepest existing ancestor, so
// paths that do not exist yet (write targets) still resolve any symlinked
// parents.
func resolveSymlinks(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	parent := filepath.Dir(p)
	if parent == p {
		return p, nil
	}
	rp, err := resolveSymlinks(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(rp, filepath.Base(p)), nil
}

// spendQuota consumes one call (and one write for write/exec tools) from
// the run's budget.
func (r *Registry) spendQuota(runID string, effect SideEffect) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.quotas[runID]
	if q == nil {
		q = &runQuota{}
		r.quotas[runID] = q
	}
	if q.calls >= r.callQuota {
		return fmt.Errorf("%w: run %s used all %d tool calls", ErrQuotaExceeded, runID, r.callQuota)
	}
	if effect == SideEffectWrite && q.writes >= r.writeQuota {
		return fmt.Errorf("%w: run %s used all %d writes", ErrQuotaExceeded, runID, r.writeQuota)
	}
	q.calls++
	if effect == SideEffectWrite {
		q.writes++
	}
	return nil
}

// audit appends one record per dispatch, success or not.
func (r *Registry) audit(ctx context.Context, inv ToolInvocation, res ToolResult, err error, d time.Duration) {
	summary := res.Content
	if err != nil {
		summary = err.Error()
	} else if res.Error != "" {
		summary = res.Error
	}
	rec := ToolCallRecord{
		ID:            NewID(),
		AgentID:       inv.AgentID,
		RunID:         inv.RunID,
		ToolName:      inv.Tool,
		ArgsDigest:    digest(inv.Args),
		ResultSummary: truncateStr(summary, 400),
		Success:       err == nil && res.Error == "",
		DurationMS:    d.Milliseconds(),
		Unix:          NowUnix(),
	}
	if aerr := r.store.AppendToolCall(ctx, rec); aerr != nil {
		r.logger.Error("tool audit append failed", "tool", inv.Tool, "error", aerr)
	}
	r.logger.Debug("tool dispatched",
		"tool", inv.Tool, "agent", inv.AgentID, "run", inv.RunID,
		"success", rec.Success, "duration", d)
}

// digest is the hex SHA-256 of the raw argument bytes.
func digest(raw json.RawMessage) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// truncateStr shortens s to max runes with an ellipsis.
func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
