// Package core provides the foundational domain types and capability
// interfaces used by agentledger. It defines the core abstractions for:
//
//   - Cursors and Events (the append-only, cursor ordered input stream)
//   - State, Snapshots and Checkpoints (versioned per-instance state)
//   - Plans and Actions (the deterministic output of the planner)
//   - ToolResults and InvocationContexts (the recorded side effect contract)
//   - ExecutionResults, Sagas and CycleRecords (what happened during a cycle)
//   - Pluggable stores for events, hot state, snapshots and execution history
//
// The package intentionally keeps implementation concerns (persistence,
// planning, execution, replay) out of scope, exposing small interfaces so
// backends can be swapped at startup.
package core
