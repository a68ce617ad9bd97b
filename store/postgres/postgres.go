// Package postgres implements atelier.Store on PostgreSQL via pgx. Memory
// search uses a tsvector index instead of SQLite's FTS5.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelierhq/atelier"
)

// Option configures a postgres Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements atelier.Store backed by a pgx connection pool. The pool
// is injected so the caller controls its lifecycle and sizing.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ atelier.Store = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store on an existing pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and records the schema version.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			def JSONB NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			def JSONB NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			project_ref TEXT,
			status TEXT NOT NULL,
			current_phase TEXT,
			data JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			phase_id TEXT,
			from_agent TEXT NOT NULL,
			to_agent TEXT,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB,
			parent_id TEXT,
			priority INT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_run ON messages(run_id, id)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			from_agent TEXT NOT NULL,
			to_agent TEXT NOT NULL,
			message JSONB NOT NULL,
			reason TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			args_digest TEXT NOT NULL,
			result_summary TEXT,
			success BOOLEAN NOT NULL,
			duration_ms BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_run ON tool_calls(run_id, id)`,
		`CREATE TABLE IF NOT EXISTS memory (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			ref TEXT NOT NULL DEFAULT '',
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			author_agent TEXT,
			confidence DOUBLE PRECISION NOT NULL,
			created_at BIGINT NOT NULL,
			search TSVECTOR GENERATED ALWAYS AS (
				to_tsvector('simple', key || ' ' || value)
			) STORED,
			UNIQUE(scope, ref, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_search ON memory USING GIN (search)`,
		`CREATE TABLE IF NOT EXISTS verdicts (
			run_id TEXT NOT NULL,
			phase_id TEXT NOT NULL,
			verdict TEXT NOT NULL,
			rationale TEXT,
			violations JSONB,
			escalated BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (run_id, phase_id)
		)`,
		`CREATE TABLE IF NOT EXISTS validations (
			run_id TEXT NOT NULL,
			phase_id TEXT NOT NULL,
			human_id TEXT NOT NULL,
			approve BOOLEAN NOT NULL,
			rationale TEXT,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (run_id, phase_id, human_id)
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO config (key, value) VALUES ('schema_version', $1)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		strconv.Itoa(atelier.SchemaVersion)); err != nil {
		return fmt.Errorf("schema version: %w", err)
	}
	s.logger.Debug("postgres: init done", "duration", time.Since(start))
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// --- Agents ---

func (s *Store) UpsertAgent(ctx context.Context, def atelier.AgentDef) (string, error) {
	hash := def.ContentHash()
	var existing string
	err := s.pool.QueryRow(ctx, `SELECT hash FROM agents WHERE id = $1`, def.ID).Scan(&existing)
	if err == nil && existing == hash {
		return hash, nil
	}
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("upsert agent: %w", err)
	}
	blob, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("upsert agent: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO agents (id, hash, def, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET hash = EXCLUDED.hash, def = EXCLUDED.def, updated_at = EXCLUDED.updated_at`,
		def.ID, hash, blob, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("upsert agent: %w", err)
	}
	return hash, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (atelier.AgentDef, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, `SELECT def FROM agents WHERE id = $1`, id).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return atelier.AgentDef{}, fmt.Errorf("%w: %s", atelier.ErrAgentNotFound, id)
	}
	if err != nil {
		return atelier.AgentDef{}, fmt.Errorf("get agent: %w", err)
	}
	var def atelier.AgentDef
	if err := json.Unmarshal(blob, &def); err != nil {
		return atelier.AgentDef{}, fmt.Errorf("get agent: %w", err)
	}
	return def, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]atelier.AgentDef, error) {
	rows, err := s.pool.Query(ctx, `SELECT def FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []atelier.AgentDef
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
		var def atelier.AgentDef
		if err := json.Unmarshal(blob, &def); err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// --- Workflows ---

func (s *Store) UpsertWorkflow(ctx context.Context, def atelier.WorkflowDef) (string, error) {
	hash := def.ContentHash()
	var existing string
	err := s.pool.QueryRow(ctx, `SELECT hash FROM workflows WHERE id = $1`, def.ID).Scan(&existing)
	if err == nil && existing == hash {
		return hash, nil
	}
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("upsert workflow: %w", err)
	}
	blob, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("upsert workflow: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO workflows (id, hash, def, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET hash = EXCLUDED.hash, def = EXCLUDED.def, updated_at = EXCLUDED.updated_at`,
		def.ID, hash, blob, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("upsert workflow: %w", err)
	}
	return hash, nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (atelier.WorkflowDef, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, `SELECT def FROM workflows WHERE id = $1`, id).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return atelier.WorkflowDef{}, fmt.Errorf("%w: %s", atelier.ErrWorkflowNotFound, id)
	}
	if err != nil {
		return atelier.WorkflowDef{}, fmt.Errorf("get workflow: %w", err)
	}
	var def atelier.WorkflowDef
	if err := json.Unmarshal(blob, &def); err != nil {
		return atelier.WorkflowDef{}, fmt.Errorf("get workflow: %w", err)
	}
	return def, nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]atelier.WorkflowDef, error) {
	rows, err := s.pool.Query(ctx, `SELECT def FROM workflows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	var out []atelier.WorkflowDef
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("list workflows: %w", err)
		}
		var def atelier.WorkflowDef
		if err := json.Unmarshal(blob, &def); err != nil {
			return nil, fmt.Errorf("list workflows: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// --- Runs ---

func (s *Store) SaveRun(ctx context.Context, run *atelier.PatternRun) error {
	blob, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO runs
		(run_id, workflow_id, project_ref, status, current_phase, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status, current_phase = EXCLUDED.current_phase,
			data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		run.RunID, run.WorkflowID, run.ProjectRef, string(run.Status),
		run.CurrentPhase, blob, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*atelier.PatternRun, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM runs WHERE run_id = $1`, runID).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", atelier.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	var run atelier.PatternRun
	if err := json.Unmarshal(blob, &run); err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

func (s *Store) ListRuns(ctx context.Context, f atelier.RunFilter) ([]*atelier.PatternRun, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	q := `SELECT data FROM runs`
	if f.Status != "" {
		conds = append(conds, `status = `+arg(string(f.Status)))
	}
	if f.WorkflowID != "" {
		conds = append(conds, `workflow_id = `+arg(f.WorkflowID))
	}
	if f.ProjectRef != "" {
		conds = append(conds, `project_ref = `+arg(f.ProjectRef))
	}
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []*atelier.PatternRun
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		var run atelier.PatternRun
		if err := json.Unmarshal(blob, &run); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

// --- Messages ---

func (s *Store) AppendMessage(ctx context.Context, msg atelier.Message) error {
	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO messages
		(id, run_id, phase_id, from_agent, to_agent, kind, content, metadata, parent_id, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		msg.ID, msg.RunID, msg.PhaseID, msg.From, msg.To, string(msg.Kind),
		msg.Content, meta, msg.ParentID, msg.Priority, msg.Unix)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, f atelier.MessageFilter) ([]atelier.Message, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	q := `SELECT id, run_id, phase_id, from_agent, to_agent, kind, content, metadata, parent_id, priority, created_at
		FROM messages`
	if f.RunID != "" {
		conds = append(conds, `run_id = `+arg(f.RunID))
	}
	if f.PhaseID != "" {
		conds = append(conds, `phase_id = `+arg(f.PhaseID))
	}
	if f.SinceUnix > 0 {
		conds = append(conds, `created_at >= `+arg(f.SinceUnix))
	}
	if f.SinceID != "" {
		conds = append(conds, `id > `+arg(f.SinceID))
	}
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	q += ` ORDER BY id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []atelier.Message
	for rows.Next() {
		var m atelier.Message
		var kind string
		var meta []byte
		if err := rows.Scan(&m.ID, &m.RunID, &m.PhaseID, &m.From, &m.To, &kind,
			&m.Content, &meta, &m.ParentID, &m.Priority, &m.Unix); err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		m.Kind = atelier.MessageKind(kind)
		if len(meta) > 0 && string(meta) != "null" {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("list messages: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) PruneMessages(ctx context.Context, beforeUnix int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages
		WHERE created_at < $1
		AND run_id IN (SELECT run_id FROM runs WHERE status IN ('completed', 'failed', 'cancelled'))`,
		beforeUnix)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Dead letters ---

func (s *Store) AppendDeadLetter(ctx context.Context, dl atelier.DeadLetter) error {
	blob, err := json.Marshal(dl.Message)
	if err != nil {
		return fmt.Errorf("append dead letter: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO dead_letters
		(id, run_id, from_agent, to_agent, message, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		dl.ID, dl.RunID, dl.From, dl.To, blob, dl.Reason, dl.Unix)
	if err != nil {
		return fmt.Errorf("append dead letter: %w", err)
	}
	return nil
}

func (s *Store) ListDeadLetters(ctx context.Context, runID string) ([]atelier.DeadLetter, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, run_id, from_agent, to_agent, message, reason, created_at
		FROM dead_letters WHERE run_id = $1 ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	var out []atelier.DeadLetter
	for rows.Next() {
		var dl atelier.DeadLetter
		var blob []byte
		if err := rows.Scan(&dl.ID, &dl.RunID, &dl.From, &dl.To, &blob, &dl.Reason, &dl.Unix); err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}
		if err := json.Unmarshal(blob, &dl.Message); err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// --- Tool calls ---

func (s *Store) AppendToolCall(ctx context.Context, rec atelier.ToolCallRecord) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO tool_calls
		(id, run_id, agent_id, tool_name, args_digest, result_summary, success, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.RunID, rec.AgentID, rec.ToolName, rec.ArgsDigest,
		rec.ResultSummary, rec.Success, rec.DurationMS, rec.Unix)
	if err != nil {
		return fmt.Errorf("append tool call: %w", err)
	}
	return nil
}

func (s *Store) ListToolCalls(ctx context.Context, runID string) ([]atelier.ToolCallRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, run_id, agent_id, tool_name, args_digest, result_summary, success, duration_ms, created_at
		FROM tool_calls WHERE run_id = $1 ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()
	var out []atelier.ToolCallRecord
	for rows.Next() {
		var rec atelier.ToolCallRecord
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.AgentID, &rec.ToolName,
			&rec.ArgsDigest, &rec.ResultSummary, &rec.Success, &rec.DurationMS, &rec.Unix); err != nil {
			return nil, fmt.Errorf("list tool calls: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Memory ---

func (s *Store) PutMemory(ctx context.Context, e atelier.MemoryEntry) error {
	ref := memoryRef(e)
	_, err := s.pool.Exec(ctx, `INSERT INTO memory
		(id, scope, ref, key, value, author_agent, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (scope, ref, key) DO UPDATE SET
			id = EXCLUDED.id, value = EXCLUDED.value, author_agent = EXCLUDED.author_agent,
			confidence = EXCLUDED.confidence, created_at = EXCLUDED.created_at`,
		e.ID, string(e.Scope), ref, e.Key, e.Value, e.AuthorAgent, e.Confidence, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("put memory: %w", err)
	}
	return nil
}

func (s *Store) GetMemory(ctx context.Context, scope atelier.MemoryScope, ref, key string) (atelier.MemoryEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, scope, ref, key, value, author_agent, confidence, created_at
		FROM memory WHERE scope = $1 AND ref = $2 AND key = $3`, string(scope), ref, key)
	e, err := scanMemory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return atelier.MemoryEntry{}, fmt.Errorf("memory key %s: %w", key, pgx.ErrNoRows)
	}
	return e, err
}

func (s *Store) ListMemoryPrefix(ctx context.Context, scope atelier.MemoryScope, ref, prefix string, limit int) ([]atelier.MemoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT id, scope, ref, key, value, author_agent, confidence, created_at
		FROM memory WHERE scope = $1 AND ref = $2 AND key LIKE $3 ESCAPE '\'
		ORDER BY key LIMIT $4`,
		string(scope), ref, escapeLike(prefix)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	defer rows.Close()
	return collectMemory(rows)
}

func (s *Store) SearchMemory(ctx context.Context, scope atelier.MemoryScope, ref, query string, limit int) ([]atelier.MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, scope, ref, key, value, author_agent, confidence, created_at
		FROM memory
		WHERE scope = $1 AND ref = $2 AND search @@ plainto_tsquery('simple', $3)
		ORDER BY confidence * (1.0 / (1.0 + (EXTRACT(EPOCH FROM now()) - created_at) / 86400.0)) DESC
		LIMIT $4`,
		string(scope), ref, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()
	return collectMemory(rows)
}

func (s *Store) DeleteRunMemory(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM memory WHERE scope = 'run' AND ref = $1`, runID)
	if err != nil {
		return fmt.Errorf("delete run memory: %w", err)
	}
	return nil
}

// --- Verdicts ---

func (s *Store) SaveVerdict(ctx context.Context, v atelier.ComplianceVerdict) error {
	blob, err := json.Marshal(v.Violations)
	if err != nil {
		return fmt.Errorf("save verdict: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO verdicts
		(run_id, phase_id, verdict, rationale, violations, escalated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, phase_id) DO UPDATE SET
			verdict = EXCLUDED.verdict, rationale = EXCLUDED.rationale,
			violations = EXCLUDED.violations, escalated = EXCLUDED.escalated,
			created_at = EXCLUDED.created_at`,
		v.RunID, v.PhaseID, v.Verdict, v.Rationale, blob, v.Escalated, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("save verdict: %w", err)
	}
	return nil
}

func (s *Store) ListVerdicts(ctx context.Context, runID string) ([]atelier.ComplianceVerdict, error) {
	rows, err := s.pool.Query(ctx, `SELECT run_id, phase_id, verdict, rationale, violations, escalated, created_at
		FROM verdicts WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list verdicts: %w", err)
	}
	defer rows.Close()
	var out []atelier.ComplianceVerdict
	for rows.Next() {
		var v atelier.ComplianceVerdict
		var blob []byte
		if err := rows.Scan(&v.RunID, &v.PhaseID, &v.Verdict, &v.Rationale, &blob, &v.Escalated, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("list verdicts: %w", err)
		}
		if len(blob) > 0 && string(blob) != "null" {
			if err := json.Unmarshal(blob, &v.Violations); err != nil {
				return nil, fmt.Errorf("list verdicts: %w", err)
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Validations ---

func (s *Store) SaveValidation(ctx context.Context, v atelier.Validation) (bool, error) {
	tag, err := s.pool.Exec(ctx, `INSERT INTO validations
		(run_id, phase_id, human_id, approve, rationale, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, phase_id, human_id) DO NOTHING`,
		v.RunID, v.PhaseID, v.HumanID, v.Approve, v.Rationale, v.Unix)
	if err != nil {
		return false, fmt.Errorf("save validation: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}

func (s *Store) GetValidation(ctx context.Context, runID, phaseID, humanID string) (atelier.Validation, error) {
	var v atelier.Validation
	err := s.pool.QueryRow(ctx, `SELECT run_id, phase_id, human_id, approve, rationale, created_at
		FROM validations WHERE run_id = $1 AND phase_id = $2 AND human_id = $3`,
		runID, phaseID, humanID).Scan(&v.RunID, &v.PhaseID, &v.HumanID, &v.Approve, &v.Rationale, &v.Unix)
	if err != nil {
		return atelier.Validation{}, fmt.Errorf("get validation: %w", err)
	}
	return v, nil
}

// --- Helpers ---

func memoryRef(e atelier.MemoryEntry) string {
	switch e.Scope {
	case atelier.ScopeRun:
		return e.RunID
	case atelier.ScopeProject:
		return e.ProjectRef
	}
	return ""
}

func scanMemory(row pgx.Row) (atelier.MemoryEntry, error) {
	var e atelier.MemoryEntry
	var scope, ref string
	if err := row.Scan(&e.ID, &scope, &ref, &e.Key, &e.Value, &e.AuthorAgent, &e.Confidence, &e.CreatedAt); err != nil {
		return atelier.MemoryEntry{}, err
	}
	e.Scope = atelier.MemoryScope(scope)
	switch e.Scope {
	case atelier.ScopeRun:
		e.RunID = ref
	case atelier.ScopeProject:
		e.ProjectRef = ref
	}
	return e, nil
}

func collectMemory(rows pgx.Rows) ([]atelier.MemoryEntry, error) {
	var out []atelier.MemoryEntry
	for rows.Next() {
		e, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
