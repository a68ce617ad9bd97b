package atelier

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// --- Agent and workflow definitions ---

// CapabilityGrade classifies what an agent is trusted to do.
type CapabilityGrade string

const (
	// GradeOrganizer agents drive decisions: they delegate, arbitrate, and gate.
	GradeOrganizer CapabilityGrade = "organizer"
	// GradeExecutor agents produce artefacts: code, reviews, documents.
	GradeExecutor CapabilityGrade = "executor"
)

// VetoClass is how much weight an agent's veto carries.
type VetoClass string

const (
	// VetoAbsolute blocks a phase unconditionally; a later approval from the
	// same agent never overrides it.
	VetoAbsolute VetoClass = "absolute"
	// VetoStrong blocks a no_veto gate but may be withdrawn by a later vote.
	VetoStrong VetoClass = "strong"
	// VetoAdvisory is informational; it never blocks a gate.
	VetoAdvisory VetoClass = "advisory"
	// VetoNone means the agent has no veto power at all.
	VetoNone VetoClass = "none"
)

// AgentDef is the declarative description of one worker. Immutable once
// referenced by a live run; versioned by content hash so a mid-flight edit
// cannot silently alter a running workflow.
type AgentDef struct {
	ID           string          `json:"id" toml:"id"`
	Name         string          `json:"name" toml:"name"`
	Role         string          `json:"role" toml:"role"`
	SystemPrompt string          `json:"system_prompt" toml:"system_prompt"`
	Provider     string          `json:"provider" toml:"provider"`
	Model        string          `json:"model" toml:"model"`
	Temperature  *float64        `json:"temperature,omitempty" toml:"temperature"`
	MaxTokens    int             `json:"max_tokens,omitempty" toml:"max_tokens"`
	Tools        []string        `json:"tools,omitempty" toml:"tools"`
	Grade        CapabilityGrade `json:"capability_grade" toml:"capability_grade"`
	VetoClass    VetoClass       `json:"veto_class" toml:"veto_class"`
	Skills       []string        `json:"skills,omitempty" toml:"skills"`

	// CanWriteProjectMemory gates writes to project-scoped memory.
	CanWriteProjectMemory bool `json:"can_write_project_memory,omitempty" toml:"can_write_project_memory"`
}

// ContentHash returns the hex SHA-256 of the canonical JSON encoding.
// Upserting a definition with an unchanged hash is a no-op.
func (a AgentDef) ContentHash() string {
	b, _ := json.Marshal(a)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// AllowsTool reports whether tool id is in the agent's ACL.
func (a AgentDef) AllowsTool(id string) bool {
	for _, t := range a.Tools {
		if t == id {
			return true
		}
	}
	return false
}

// PatternType selects how a phase's participants are driven.
type PatternType string

const (
	PatternSolo               PatternType = "solo"
	PatternSequential         PatternType = "sequential"
	PatternParallel           PatternType = "parallel"
	PatternLoop               PatternType = "loop"
	PatternHierarchical       PatternType = "hierarchical"
	PatternNetwork            PatternType = "network"
	PatternAggregator         PatternType = "aggregator"
	PatternRouter             PatternType = "router"
	PatternHumanInTheLoop     PatternType = "human_in_the_loop"
	PatternAdversarialPair    PatternType = "adversarial_pair"
	PatternAdversarialCascade PatternType = "adversarial_cascade"
)

// GateType is the rule deciding when a phase terminated successfully.
type GateType string

const (
	// GateAlways passes unconditionally.
	GateAlways GateType = "always"
	// GateAllApproved passes iff every participant with a non-advisory veto
	// class approved and none vetoed.
	GateAllApproved GateType = "all_approved"
	// GateNoVeto passes iff no absolute or strong participant vetoed.
	GateNoVeto GateType = "no_veto"
	// GateCheckpoint passes iff the phase orchestrator explicitly approved.
	GateCheckpoint GateType = "checkpoint"
)

// PhaseDef is one node of a workflow graph.
type PhaseDef struct {
	ID            string      `json:"id" toml:"id"`
	PatternType   PatternType `json:"pattern_type" toml:"pattern_type"`
	Participants  []string    `json:"participants" toml:"participants"`
	Gate          GateType    `json:"gate" toml:"gate"`
	MaxIterations int         `json:"max_iterations,omitempty" toml:"max_iterations"`
	// TimeoutSeconds bounds the whole phase. 0 = the engine default (30 min).
	TimeoutSeconds int `json:"timeout_seconds,omitempty" toml:"timeout_seconds"`
	// Orchestrator overrides the agent evaluating checkpoint gates and
	// producing hierarchical delegation. Defaults to the first participant.
	Orchestrator string `json:"orchestrator,omitempty" toml:"orchestrator"`
}

// WorkflowDef is a directed graph of phases. Execution starts at the first
// phase and advances in declaration order unless a router phase redirects.
type WorkflowDef struct {
	ID     string     `json:"id" toml:"id"`
	Name   string     `json:"name" toml:"name"`
	Phases []PhaseDef `json:"phases" toml:"phases"`
}

// ContentHash returns the hex SHA-256 of the canonical JSON encoding.
func (w WorkflowDef) ContentHash() string {
	b, _ := json.Marshal(w)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Phase returns the phase with the given id, or nil.
func (w WorkflowDef) Phase(id string) *PhaseDef {
	for i := range w.Phases {
		if w.Phases[i].ID == id {
			return &w.Phases[i]
		}
	}
	return nil
}

// --- Runs and phase states ---

// RunStatus is the public lifecycle state of a PatternRun.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// validRunTransition enforces pending->running->{paused,completed,failed,
// cancelled} and paused->running. Terminal states never transition.
func validRunTransition(from, to RunStatus) bool {
	switch from {
	case RunPending:
		return to == RunRunning || to == RunCancelled
	case RunRunning:
		return to == RunPaused || to == RunCompleted || to == RunFailed || to == RunCancelled
	case RunPaused:
		return to == RunRunning || to == RunCancelled
	default:
		return false
	}
}

// PhaseStatus is the state of one phase inside a run.
type PhaseStatus string

const (
	PhasePending  PhaseStatus = "pending"
	PhaseRunning  PhaseStatus = "running"
	PhaseApproved PhaseStatus = "approved"
	PhaseVetoed   PhaseStatus = "vetoed"
	PhaseTimedOut PhaseStatus = "timed_out"
	PhaseDone     PhaseStatus = "done"
	PhaseFailed   PhaseStatus = "failed"
)

// Terminal reports whether the phase admits no further transitions. A phase
// never resumes after done or vetoed.
func (s PhaseStatus) Terminal() bool {
	switch s {
	case PhaseApproved, PhaseVetoed, PhaseTimedOut, PhaseDone, PhaseFailed:
		return true
	}
	return false
}

// PhaseState is the runtime record of one phase.
type PhaseState struct {
	State       PhaseStatus        `json:"state"`
	Iteration   int                `json:"iteration,omitempty"`
	StartedAt   int64              `json:"started_at,omitempty"`
	CompletedAt int64              `json:"completed_at,omitempty"`
	Verdict     *ComplianceVerdict `json:"verdict,omitempty"`
	Summary     string             `json:"summary,omitempty"`
}

// ErrorRecord is the structured last_error carried by a non-terminal run.
type ErrorRecord struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
	At     int64  `json:"at"`
}

// RunUsage accumulates token and cost counters for a run.
// All fields are monotone non-decreasing.
type RunUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// PatternRun is the runtime incarnation of a WorkflowDef for one mission.
// Created and exclusively owned by the Supervisor; the Engine borrows it
// while executing.
type PatternRun struct {
	RunID          string                 `json:"run_id"`
	WorkflowID     string                 `json:"workflow_id"`
	WorkflowHash   string                 `json:"workflow_hash"`
	ProjectRef     string                 `json:"project_ref,omitempty"`
	Status         RunStatus              `json:"status"`
	CurrentPhase   string                 `json:"current_phase,omitempty"`
	PhaseStates    map[string]*PhaseState `json:"phase_states"`
	Brief          string                 `json:"brief"`
	WorkspacePath  string                 `json:"workspace_path"`
	CreatedAt      int64                  `json:"created_at"`
	UpdatedAt      int64                  `json:"updated_at"`
	ResumeAttempts int                    `json:"resume_attempts"`
	// NeedsHuman marks a pause that requires operator input. Orthogonal to a
	// user-requested pause: both show status paused.
	NeedsHuman bool         `json:"needs_human,omitempty"`
	LastError  *ErrorRecord `json:"last_error,omitempty"`
	Usage      RunUsage     `json:"usage"`
}

// --- Messages ---

// MessageKind is a closed set of bus message kinds.
type MessageKind string

const (
	KindInform     MessageKind = "inform"
	KindRequest    MessageKind = "request"
	KindPropose    MessageKind = "propose"
	KindCounter    MessageKind = "counter"
	KindApprove    MessageKind = "approve"
	KindVeto       MessageKind = "veto"
	KindToolCall   MessageKind = "tool_call"
	KindToolResult MessageKind = "tool_result"
	KindSystem     MessageKind = "system"
)

// PriorityVeto is the fixed priority of veto messages. Priorities run 1..10,
// higher first.
const PriorityVeto = 10

// Message is one bus record. Append-only once published.
type Message struct {
	ID       string            `json:"id"`
	RunID    string            `json:"run_id"`
	PhaseID  string            `json:"phase_id"`
	From     string            `json:"from_agent"`
	To       string            `json:"to_agent,omitempty"` // empty = broadcast in phase
	Kind     MessageKind       `json:"kind"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	ParentID string            `json:"parent_id,omitempty"`
	Priority int               `json:"priority"`
	Unix     int64             `json:"timestamp"`
}

// Well-known metadata keys.
const (
	// MetaEvent tags system messages carrying machine events
	// (usage, token_delta, message_dropped, phase_summary, run_error).
	MetaEvent = "event"
	// MetaRoutedTo carries a router phase's chosen next phase id.
	MetaRoutedTo = "routed_to"
	// MetaToolName tags tool_call and tool_result messages for UI collapsing.
	MetaToolName = "tool"
	// MetaEscalated marks an adversarial-cascade L2 veto.
	MetaEscalated = "escalated"
)

// UsageEvent is one gateway completion's accounting record, published on the
// bus as a system message and folded into RunUsage.
type UsageEvent struct {
	RunID      string  `json:"run_id"`
	Provider   string  `json:"provider"`
	Model      string  `json:"model"`
	Usage      Usage   `json:"usage"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMS int64   `json:"duration_ms"`
	Unix       int64   `json:"timestamp"`
}

// --- Memory ---

// MemoryScope selects reader/writer rules for a memory entry.
type MemoryScope string

const (
	// ScopeRun is the run scratchpad: read/write by any agent in the run,
	// destroyed when the run terminates.
	ScopeRun MemoryScope = "run"
	// ScopeProject is readable by any agent in a run bound to the project;
	// writes require CanWriteProjectMemory.
	ScopeProject MemoryScope = "project"
	// ScopeGlobal is readable by anyone; written only by the supervisor on
	// retrospective finalisation.
	ScopeGlobal MemoryScope = "global"
	// ScopeSession lives inside a single executor loop and is never persisted.
	ScopeSession MemoryScope = "session"
)

// MemoryEntry is one stored fact.
type MemoryEntry struct {
	ID          string      `json:"id"`
	Scope       MemoryScope `json:"scope"`
	RunID       string      `json:"run_id,omitempty"`
	ProjectRef  string      `json:"project_ref,omitempty"`
	Key         string      `json:"key"`
	Value       string      `json:"value"`
	AuthorAgent string      `json:"author_agent"`
	Confidence  float64     `json:"confidence"`
	CreatedAt   int64       `json:"created_at"`
}

// --- Tool audit ---

// ToolCallRecord is one audit entry, appended per dispatched tool call.
type ToolCallRecord struct {
	ID            string `json:"id"`
	AgentID       string `json:"agent_id"`
	RunID         string `json:"run_id"`
	ToolName      string `json:"tool_name"`
	ArgsDigest    string `json:"arguments_digest"`
	ResultSummary string `json:"result_summary"`
	Success       bool   `json:"success"`
	DurationMS    int64  `json:"duration_ms"`
	Unix          int64  `json:"timestamp"`
}

// --- Compliance ---

// ComplianceVerdict is the structured record the supervisor stores at
// configured phase boundaries.
type ComplianceVerdict struct {
	RunID      string   `json:"run_id"`
	PhaseID    string   `json:"phase_id"`
	Verdict    string   `json:"verdict"` // "go" or "no_go"
	Rationale  string   `json:"rationale,omitempty"`
	Violations []string `json:"violations,omitempty"`
	Escalated  bool     `json:"escalated,omitempty"`
	CreatedAt  int64    `json:"created_at"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolSchema describes one callable tool to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Tools       []ToolSchema  `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
