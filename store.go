package atelier

import "context"

// SchemaVersion is the current persisted-layout version. Backends record it
// and migrate forward on Init.
const SchemaVersion = 1

// MessageFilter narrows ListMessages. Zero values match everything.
type MessageFilter struct {
	RunID   string
	PhaseID string
	// SinceUnix returns messages at or after this timestamp.
	SinceUnix int64
	// SinceID returns messages strictly after this message id (replay from
	// last-seen). Ids are time-sortable so backends may compare lexically.
	SinceID string
	Limit   int
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Status     RunStatus
	WorkflowID string
	ProjectRef string
	Limit      int
}

// DeadLetter records a message diverted because its recipient's mailbox was
// full.
type DeadLetter struct {
	ID      string  `json:"id"`
	RunID   string  `json:"run_id"`
	From    string  `json:"from"`
	To      string  `json:"to"`
	Message Message `json:"message"`
	Reason  string  `json:"reason"`
	Unix    int64   `json:"timestamp"`
}

// Validation is one human verdict for a human-in-the-loop gate, unique per
// (run, phase, human) so resubmission is idempotent.
type Validation struct {
	RunID     string `json:"run_id"`
	PhaseID   string `json:"phase_id"`
	HumanID   string `json:"human_id"`
	Approve   bool   `json:"approve"`
	Rationale string `json:"rationale,omitempty"`
	Unix      int64  `json:"timestamp"`
}

// Store is the persistence contract for the orchestration core. Backends
// must provide ordered scans by composite keys, atomic append for messages,
// and a text-index capability for memory search. See store/sqlite and
// store/postgres.
type Store interface {
	// Init creates or migrates the schema.
	Init(ctx context.Context) error
	Close() error

	// --- Agent definitions ---
	// UpsertAgent persists def keyed by id; an unchanged content hash is a
	// no-op. Returns the stored content hash.
	UpsertAgent(ctx context.Context, def AgentDef) (string, error)
	GetAgent(ctx context.Context, id string) (AgentDef, error)
	ListAgents(ctx context.Context) ([]AgentDef, error)

	// --- Workflow definitions ---
	UpsertWorkflow(ctx context.Context, def WorkflowDef) (string, error)
	GetWorkflow(ctx context.Context, id string) (WorkflowDef, error)
	ListWorkflows(ctx context.Context) ([]WorkflowDef, error)

	// --- Runs (phase states ride along) ---
	SaveRun(ctx context.Context, run *PatternRun) error
	GetRun(ctx context.Context, runID string) (*PatternRun, error)
	ListRuns(ctx context.Context, f RunFilter) ([]*PatternRun, error)

	// --- Messages (append-only) ---
	AppendMessage(ctx context.Context, msg Message) error
	ListMessages(ctx context.Context, f MessageFilter) ([]Message, error)
	// PruneMessages removes messages of terminal runs older than beforeUnix.
	// Messages of active runs are never pruned.
	PruneMessages(ctx context.Context, beforeUnix int64) (int, error)

	// --- Dead letters ---
	AppendDeadLetter(ctx context.Context, dl DeadLetter) error
	ListDeadLetters(ctx context.Context, runID string) ([]DeadLetter, error)

	// --- Tool call audit (append-only) ---
	AppendToolCall(ctx context.Context, rec ToolCallRecord) error
	ListToolCalls(ctx context.Context, runID string) ([]ToolCallRecord, error)

	// --- Memory ---
	// Ref is the run id for ScopeRun, the project ref for ScopeProject, and
	// empty for ScopeGlobal. ScopeSession entries never reach the store.
	PutMemory(ctx context.Context, e MemoryEntry) error
	GetMemory(ctx context.Context, scope MemoryScope, ref, key string) (MemoryEntry, error)
	ListMemoryPrefix(ctx context.Context, scope MemoryScope, ref, prefix string, limit int) ([]MemoryEntry, error)
	// SearchMemory is a best-effort full-text match ranked by
	// recency x confidence.
	SearchMemory(ctx context.Context, scope MemoryScope, ref, query string, limit int) ([]MemoryEntry, error)
	// DeleteRunMemory destroys a run's scratchpad when the run terminates.
	DeleteRunMemory(ctx context.Context, runID string) error

	// --- Compliance verdicts ---
	SaveVerdict(ctx context.Context, v ComplianceVerdict) error
	ListVerdicts(ctx context.Context, runID string) ([]ComplianceVerdict, error)

	// --- Human validations ---
	// SaveValidation inserts v if no record exists for its
	// (run, phase, human) key and reports whether a record already existed.
	SaveValidation(ctx context.Context, v Validation) (existed bool, err error)
	GetValidation(ctx context.Context, runID, phaseID, humanID string) (Validation, error)
}
