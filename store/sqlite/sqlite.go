// Package sqlite implements atelier.Store using pure-Go SQLite with an
// FTS5 index for memory search. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/atelierhq/atelier"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements atelier.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ atelier.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and records the schema version.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			def TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			def TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			project_ref TEXT,
			status TEXT NOT NULL,
			current_phase TEXT,
			data TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			phase_id TEXT,
			from_agent TEXT NOT NULL,
			to_agent TEXT,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			parent_id TEXT,
			priority INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_run ON messages(run_id, id)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			from_agent TEXT NOT NULL,
			to_agent TEXT NOT NULL,
			message TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			args_digest TEXT NOT NULL,
			result_summary TEXT,
			success INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_run ON tool_calls(run_id, id)`,
		`CREATE TABLE IF NOT EXISTS memory (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			ref TEXT NOT NULL DEFAULT '',
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			author_agent TEXT,
			confidence REAL NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(scope, ref, key)
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
			id UNINDEXED, key, value
		)`,
		`CREATE TABLE IF NOT EXISTS verdicts (
			run_id TEXT NOT NULL,
			phase_id TEXT NOT NULL,
			verdict TEXT NOT NULL,
			rationale TEXT,
			violations TEXT,
			escalated INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, phase_id)
		)`,
		`CREATE TABLE IF NOT EXISTS validations (
			run_id TEXT NOT NULL,
			phase_id TEXT NOT NULL,
			human_id TEXT NOT NULL,
			approve INTEGER NOT NULL,
			rationale TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, phase_id, human_id)
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO config (key, value) VALUES ('schema_version', ?)`,
		strconv.Itoa(atelier.SchemaVersion)); err != nil {
		return fmt.Errorf("schema version: %w", err)
	}
	s.logger.Debug("sqlite: init done", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// --- Agents ---

// UpsertAgent stores def keyed by id. An unchanged content hash is a no-op.
func (s *Store) UpsertAgent(ctx context.Context, def atelier.AgentDef) (string, error) {
	start := time.Now()
	hash := def.ContentHash()

	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM agents WHERE id = ?`, def.ID).Scan(&existing)
	if err == nil && existing == hash {
		s.logger.Debug("sqlite: agent unchanged", "id", def.ID, "duration", time.Since(start))
		return hash, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("upsert agent: %w", err)
	}

	blob, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("upsert agent: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agents (id, hash, def, updated_at) VALUES (?, ?, ?, ?)`,
		def.ID, hash, string(blob), time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("upsert agent: %w", err)
	}
	s.logger.Debug("sqlite: agent upserted", "id", def.ID, "duration", time.Since(start))
	return hash, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (atelier.AgentDef, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT def FROM agents WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return atelier.AgentDef{}, fmt.Errorf("%w: %s", atelier.ErrAgentNotFound, id)
	}
	if err != nil {
		return atelier.AgentDef{}, fmt.Errorf("get agent: %w", err)
	}
	var def atelier.AgentDef
	if err := json.Unmarshal([]byte(blob), &def); err != nil {
		return atelier.AgentDef{}, fmt.Errorf("get agent: %w", err)
	}
	return def, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]atelier.AgentDef, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT def FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []atelier.AgentDef
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
		var def atelier.AgentDef
		if err := json.Unmarshal([]byte(blob), &def); err != nil {
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
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM workflows WHERE id = ?`, def.ID).Scan(&existing)
	if err == nil && existing == hash {
		return hash, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("upsert workflow: %w", err)
	}
	blob, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("upsert workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO workflows (id, hash, def, updated_at) VALUES (?, ?, ?, ?)`,
		def.ID, hash, string(blob), time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("upsert workflow: %w", err)
	}
	return hash, nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (atelier.WorkflowDef, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT def FROM workflows WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return atelier.WorkflowDef{}, fmt.Errorf("%w: %s", atelier.ErrWorkflowNotFound, id)
	}
	if err != nil {
		return atelier.WorkflowDef{}, fmt.Errorf("get workflow: %w", err)
	}
	var def atelier.WorkflowDef
	if err := json.Unmarshal([]byte(blob), &def); err != nil {
		return atelier.WorkflowDef{}, fmt.Errorf("get workflow: %w", err)
	}
	return def, nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]atelier.WorkflowDef, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT def FROM workflows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	var out []atelier.WorkflowDef
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("list workflows: %w", err)
		}
		var def atelier.WorkflowDef
		if err := json.Unmarshal([]byte(blob), &def); err != nil {
			return nil, fmt.Errorf("list workflows: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// --- Runs ---

func (s *Store) SaveRun(ctx context.Context, run *atelier.PatternRun) error {
	start := time.Now()
	blob, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO runs
		(run_id, workflow_id, project_ref, status, current_phase, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.WorkflowID, run.ProjectRef, string(run.Status),
		run.CurrentPhase, string(blob), run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	s.logger.Debug("sqlite: run saved", "run", run.RunID, "status", run.Status, "duration", time.Since(start))
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*atelier.PatternRun, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE run_id = ?`, runID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", atelier.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	var run atelier.PatternRun
	if err := json.Unmarshal([]byte(blob), &run); err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

func (s *Store) ListRuns(ctx context.Context, f atelier.RunFilter) ([]*atelier.PatternRun, error) {
	q := `SELECT data FROM runs WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.WorkflowID != "" {
		q += ` AND workflow_id = ?`
		args = append(args, f.WorkflowID)
	}
	if f.ProjectRef != "" {
		q += ` AND project_ref = ?`
		args = append(args, f.ProjectRef)
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []*atelier.PatternRun
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		var run atelier.PatternRun
		if err := json.Unmarshal([]byte(blob), &run); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

// --- Messages ---

func (s *Store) AppendMessage(ctx context.Context, msg atelier.Message) error {
	start := time.Now()
	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO messages
		(id, run_id, phase_id, from_agent, to_agent, kind, content, metadata, parent_id, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RunID, msg.PhaseID, msg.From, msg.To, string(msg.Kind),
		msg.Content, string(meta), msg.ParentID, msg.Priority, msg.Unix)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	s.logger.Debug("sqlite: message appended",
		"run", msg.RunID, "kind", msg.Kind, "from", msg.From, "duration", time.Since(start))
	return nil
}

func (s *Store) ListMessages(ctx context.Context, f atelier.MessageFilter) ([]atelier.Message, error) {
	q := `SELECT id, run_id, phase_id, from_agent, to_agent, kind, content, metadata, parent_id, priority, created_at
		FROM messages WHERE 1=1`
	var args []any
	if f.RunID != "" {
		q += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	if f.PhaseID != "" {
		q += ` AND phase_id = ?`
		args = append(args, f.PhaseID)
	}
	if f.SinceUnix > 0 {
		q += ` AND created_at >= ?`
		args = append(args, f.SinceUnix)
	}
	if f.SinceID != "" {
		q += ` AND id > ?`
		args = append(args, f.SinceID)
	}
	q += ` ORDER BY id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []atelier.Message
	for rows.Next() {
		var m atelier.Message
		var kind, meta string
		if err := rows.Scan(&m.ID, &m.RunID, &m.PhaseID, &m.From, &m.To, &kind,
			&m.Content, &meta, &m.ParentID, &m.Priority, &m.Unix); err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		m.Kind = atelier.MessageKind(kind)
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
				return nil, fmt.Errorf("list messages: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PruneMessages deletes messages of terminal runs older than beforeUnix.
func (s *Store) PruneMessages(ctx context.Context, beforeUnix int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages
		WHERE created_at < ?
		AND run_id IN (SELECT run_id FROM runs WHERE status IN ('completed', 'failed', 'cancelled'))`,
		beforeUnix)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("sqlite: messages pruned", "count", n, "before", beforeUnix)
	}
	return int(n), nil
}

// --- Dead letters ---

func (s *Store) AppendDeadLetter(ctx context.Context, dl atelier.DeadLetter) error {
	blob, err := json.Marshal(dl.Message)
	if err != nil {
		return fmt.Errorf("append dead letter: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO dead_letters
		(id, run_id, from_agent, to_agent, message, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.RunID, dl.From, dl.To, string(blob), dl.Reason, dl.Unix)
	if err != nil {
		return fmt.Errorf("append dead letter: %w", err)
	}
	return nil
}

func (s *Store) ListDeadLetters(ctx context.Context, runID string) ([]atelier.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, from_agent, to_agent, message, reason, created_at
		FROM dead_letters WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	var out []atelier.DeadLetter
	for rows.Next() {
		var dl atelier.DeadLetter
		var blob string
		if err := rows.Scan(&dl.ID, &dl.RunID, &dl.From, &dl.To, &blob, &dl.Reason, &dl.Unix); err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}
		if err := json.Unmarshal([]byte(blob), &dl.Message); err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// --- Tool calls ---

func (s *Store) AppendToolCall(ctx context.Context, rec atelier.ToolCallRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO tool_calls
		(id, run_id, agent_id, tool_name, args_digest, result_summary, success, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.AgentID, rec.ToolName, rec.ArgsDigest,
		rec.ResultSummary, boolToInt(rec.Success), rec.DurationMS, rec.Unix)
	if err != nil {
		return fmt.Errorf("append tool call: %w", err)
	}
	return nil
}

func (s *Store) ListToolCalls(ctx context.Context, runID string) ([]atelier.ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, agent_id, tool_name, args_digest, result_summary, success, duration_ms, created_at
		FROM tool_calls WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()
	var out []atelier.ToolCallRecord
	for rows.Next() {
		var rec atelier.ToolCallRecord
		var success int
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.AgentID, &rec.ToolName,
			&rec.ArgsDigest, &rec.ResultSummary, &success, &rec.DurationMS, &rec.Unix); err != nil {
			return nil, fmt.Errorf("list tool calls: %w", err)
		}
		rec.Success = success != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Memory ---

func (s *Store) PutMemory(ctx context.Context, e atelier.MemoryEntry) error {
	start := time.Now()
	ref := memoryRef(e)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put memory: %w", err)
	}
	defer tx.Rollback()

	// Replacing a key drops the old FTS row first.
	var oldID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM memory WHERE scope = ? AND ref = ? AND key = ?`,
		string(e.Scope), ref, e.Key).Scan(&oldID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("put memory: %w", err)
	}
	if oldID != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_fts WHERE id = ?`, oldID); err != nil {
			return fmt.Errorf("put memory: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO memory
		(id, scope, ref, key, value, author_agent, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Scope), ref, e.Key, e.Value, e.AuthorAgent, e.Confidence, e.CreatedAt); err != nil {
		return fmt.Errorf("put memory: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO memory_fts (id, key, value) VALUES (?, ?, ?)`,
		e.ID, e.Key, e.Value); err != nil {
		return fmt.Errorf("put memory: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put memory: %w", err)
	}
	s.logger.Debug("sqlite: memory put", "scope", e.Scope, "key", e.Key, "duration", time.Since(start))
	return nil
}

func (s *Store) GetMemory(ctx context.Context, scope atelier.MemoryScope, ref, key string) (atelier.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, scope, ref, key, value, author_agent, confidence, created_at
		FROM memory WHERE scope = ? AND ref = ? AND key = ?`, string(scope), ref, key)
	e, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return atelier.MemoryEntry{}, fmt.Errorf("memory key %s: %w", key, sql.ErrNoRows)
	}
	return e, err
}

func (s *Store) ListMemoryPrefix(ctx context.Context, scope atelier.MemoryScope, ref, prefix string, limit int) ([]atelier.MemoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, scope, ref, key, value, author_agent, confidence, created_at
		FROM memory WHERE scope = ? AND ref = ? AND key LIKE ? ESCAPE '\'
		ORDER BY key LIMIT ?`,
		string(scope), ref, escapeLike(prefix)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	defer rows.Close()
	return collectMemory(rows)
}

// SearchMemory matches the FTS5 index and ranks hits by
// recency x confidence: confidence scaled by an exponential-style decay of
// age in days.
func (s *Store) SearchMemory(ctx context.Context, scope atelier.MemoryScope, ref, query string, limit int) ([]atelier.MemoryEntry, error) {
	start := time.Now()
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.scope, m.ref, m.key, m.value, m.author_agent, m.confidence, m.created_at
		FROM memory_fts f
		JOIN memory m ON m.id = f.id
		WHERE memory_fts MATCH ? AND m.scope = ? AND m.ref = ?
		ORDER BY m.confidence * (1.0 / (1.0 + (strftime('%s','now') - m.created_at) / 86400.0)) DESC
		LIMIT ?`,
		ftsQuery(query), string(scope), ref, limit)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()
	out, err := collectMemory(rows)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sqlite: memory searched",
		"scope", scope, "query", query, "hits", len(out), "duration", time.Since(start))
	return out, nil
}

func (s *Store) DeleteRunMemory(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete run memory: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_fts WHERE id IN
		(SELECT id FROM memory WHERE scope = 'run' AND ref = ?)`, runID); err != nil {
		return fmt.Errorf("delete run memory: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory WHERE scope = 'run' AND ref = ?`, runID); err != nil {
		return fmt.Errorf("delete run memory: %w", err)
	}
	return tx.Commit()
}

// --- Verdicts ---

func (s *Store) SaveVerdict(ctx context.Context, v atelier.ComplianceVerdict) error {
	blob, err := json.Marshal(v.Violations)
	if err != nil {
		return fmt.Errorf("save verdict: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO verdicts
		(run_id, phase_id, verdict, rationale, violations, escalated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.RunID, v.PhaseID, v.Verdict, v.Rationale, string(blob), boolToInt(v.Escalated), v.CreatedAt)
	if err != nil {
		return fmt.Errorf("save verdict: %w", err)
	}
	return nil
}

func (s *Store) ListVerdicts(ctx context.Context, runID string) ([]atelier.ComplianceVerdict, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, phase_id, verdict, rationale, violations, escalated, created_at
		FROM verdicts WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list verdicts: %w", err)
	}
	defer rows.Close()
	var out []atelier.ComplianceVerdict
	for rows.Next() {
		var v atelier.ComplianceVerdict
		var blob string
		var escalated int
		if err := rows.Scan(&v.RunID, &v.PhaseID, &v.Verdict, &v.Rationale, &blob, &escalated, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("list verdicts: %w", err)
		}
		v.Escalated = escalated != 0
		if blob != "" && blob != "null" {
			if err := json.Unmarshal([]byte(blob), &v.Violations); err != nil {
				return nil, fmt.Errorf("list verdicts: %w", err)
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Validations ---

// SaveValidation inserts v unless the (run, phase, human) key already has a
// record, reporting whether one existed.
func (s *Store) SaveValidation(ctx context.Context, v atelier.Validation) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO validations
		(run_id, phase_id, human_id, approve, rationale, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.RunID, v.PhaseID, v.HumanID, boolToInt(v.Approve), v.Rationale, v.Unix)
	if err != nil {
		return false, fmt.Errorf("save validation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save validation: %w", err)
	}
	return n == 0, nil
}

func (s *Store) GetValidation(ctx context.Context, runID, phaseID, humanID string) (atelier.Validation, error) {
	var v atelier.Validation
	var approve int
	err := s.db.QueryRowContext(ctx, `SELECT run_id, phase_id, human_id, approve, rationale, created_at
		FROM validations WHERE run_id = ? AND phase_id = ? AND human_id = ?`,
		runID, phaseID, humanID).Scan(&v.RunID, &v.PhaseID, &v.HumanID, &approve, &v.Rationale, &v.Unix)
	if err != nil {
		return atelier.Validation{}, fmt.Errorf("get validation: %w", err)
	}
	v.Approve = approve != 0
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (atelier.MemoryEntry, error) {
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

func collectMemory(rows *sql.Rows) ([]atelier.MemoryEntry, error) {
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

// ftsQuery quotes each term so user input cannot inject FTS5 syntax.
func ftsQuery(q string) string {
	terms := strings.Fields(q)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"`
	}
	return strings.Join(terms, " OR ")
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
