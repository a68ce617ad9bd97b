// Package atelier is the orchestration core of a multi-agent software
// development platform. Specialised LLM workers collaborate through
// structured workflow patterns (sequential, parallel, debate, adversarial
// review, human checkpoints) to produce code, reviews, and decisions.
//
// The core is organised in layers, leaves first:
//
//   - Gateway routes completion requests across providers with a circuit
//     breaker, rate-limit cooldowns, and a fallback chain.
//   - Registry declares tools, validates arguments against JSON schemas,
//     and dispatches handlers under per-agent ACLs and a workspace sandbox.
//   - Bus moves messages between agents via bounded priority mailboxes with
//     durable append and live fan-out to subscribers.
//   - Memory is a scoped key/value store with full-text lookup.
//   - Executor drives one agent through a bounded reason-act loop.
//   - Engine walks a workflow's phase graph, spawning executors per pattern
//     and enforcing gate semantics.
//   - Supervisor owns run lifecycles: start, cancel, pause, resume after
//     restart, retry policy, and compliance verdicts.
//
// Storage backends live under store/ (SQLite, PostgreSQL), provider
// adapters under provider/, built-in tool handlers under tools/, and
// OpenTelemetry instrumentation under observer/.
package atelier
