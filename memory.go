package atelier

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Memory enforces the scope rules of the shared memory store: run
// scratchpads are open to the run's agents and destroyed with the run,
// project memory writes are gated on the author's flag, and global memory
// is written only by the supervisor during retrospective finalisation.
type Memory struct {
	store  Store
	logger *slog.Logger
}

// MemoryOption configures a Memory.
type MemoryOption func(*Memory)

// WithMemoryLogger sets the structured logger (default: discard).
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = l }
}

// NewMemory wraps store with scope enforcement.
func NewMemory(store Store, opts ...MemoryOption) *Memory {
	m := &Memory{store: store, logger: nopLogger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PutRun writes to the run scratchpad. Any agent in the run may write.
func (m *Memory) PutRun(ctx context.Context, runID, key, value, author string, confidence float64) error {
	return m.put(ctx, MemoryEntry{
		Scope: ScopeRun, RunID: runID, Key: key, Value: value,
		AuthorAgent: author, Confidence: clampConfidence(confidence),
	})
}

// PutProject writes project memory. The author must carry
// CanWriteProjectMemory.
func (m *Memory) PutProject(ctx context.Context, author AgentDef, projectRef, key, value string, confidence float64) error {
	if !author.CanWriteProjectMemory {
		return fmt.Errorf("%w: agent %s cannot write project memory", ErrToolForbidden, author.ID)
	}
	return m.put(ctx, MemoryEntry{
		Scope: ScopeProject, ProjectRef: projectRef, Key: key, Value: value,
		AuthorAgent: author.ID, Confidence: clampConfidence(confidence),
	})
}

// PutGlobal writes global memory. Reserved for the supervisor's
// retrospective finalisation; never exposed as an agent tool.
func (m *Memory) PutGlobal(ctx context.Context, key, value, author string, confidence float64) error {
	return m.put(ctx, MemoryEntry{
		Scope: ScopeGlobal, Key: key, Value: value,
		AuthorAgent: author, Confidence: clampConfidence(confidence),
	})
}

func (m *Memory) put(ctx context.Context, e MemoryEntry) error {
	e.ID = NewID()
	e.CreatedAt = NowUnix()
	if err := m.store.PutMemory(ctx, e); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	m.logger.Debug("memory put", "scope", e.Scope, "key", e.Key, "author", e.AuthorAgent)
	return nil
}

// Get returns the entry for an exact key.
func (m *Memory) Get(ctx context.Context, scope MemoryScope, ref, key string) (MemoryEntry, error) {
	return m.store.GetMemory(ctx, scope, ref, key)
}

// Prefix lists entries whose key starts with prefix.
func (m *Memory) Prefix(ctx context.Context, scope MemoryScope, ref, prefix string, limit int) ([]MemoryEntry, error) {
	return m.store.ListMemoryPrefix(ctx, scope, ref, prefix, limit)
}

// Search performs a best-effort full-text lookup ranked by
// recency x confidence.
func (m *Memory) Search(ctx context.Context, scope MemoryScope, ref, query string, limit int) ([]MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	return m.store.SearchMemory(ctx, scope, ref, query, limit)
}

// DestroyRun drops a run's scratchpad. Called when the run terminates.
func (m *Memory) DestroyRun(ctx context.Context, runID string) error {
	return m.store.DeleteRunMemory(ctx, runID)
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// --- Session memory ---

// SessionMemory is chain-of-thought staging for one executor loop. It lives
// and dies with the loop and is never persisted. The executor is
// single-threaded, so no locking.
type SessionMemory struct {
	entries map[string]MemoryEntry
}

// NewSessionMemory creates an empty session scope.
func NewSessionMemory() *SessionMemory {
	return &SessionMemory{entries: make(map[string]MemoryEntry)}
}

// Put stores a session entry.
func (s *SessionMemory) Put(key, value, author string, confidence float64) {
	s.entries[key] = MemoryEntry{
		Scope: ScopeSession, Key: key, Value: value,
		AuthorAgent: author, Confidence: clampConfidence(confidence),
		CreatedAt: NowUnix(),
	}
}

// Get returns a session entry.
func (s *SessionMemory) Get(key string) (MemoryEntry, bool) {
	e, ok := s.entries[key]
	return e, ok
}

// Prefix lists session entries whose key starts with prefix, sorted by key.
func (s *SessionMemory) Prefix(prefix string) []MemoryEntry {
	var out []MemoryEntry
	for k, e := range s.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
