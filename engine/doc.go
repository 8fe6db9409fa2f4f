// Package engine implements the cycle loop of agentledger.
//
// An Engine owns the stores of a deployment and drives instances through
// cycles. A cycle reads the hot state of an instance and the events after its
// cursor, asks the planner for a plan, applies the plan with the executor and
// commits the new state behind an optimistic version check:
//
//	read state ──► read events ──► plan ──► execute ──► commit
//	     ▲                                                │
//	     └────────────── conflict (re-plan) ◄─────────────┘
//
// # Concurrency
//
// The engine holds one lock per instance, so two cycles of the same instance
// never overlap inside a process. Writers in other processes are detected by
// the version check of the hot state store; the losing cycle is planned again
// against the fresh state, at most Config.MaxConflictRetries times, before
// core.ErrConcurrencyConflict is returned. Config.MaxConcurrentInvocations
// bounds the number of instances processed at the same time.
//
// Tool calls of a lost cycle stay recorded under their plan id. The re-plan
// sees a different state and therefore produces a different plan id.
//
// # History
//
// Every committed cycle appends a core.CycleRecord to the history store.
// Replay uses these records to reproduce batch boundaries and to detect
// divergence. Snapshots are taken every Config.SnapshotInterval versions and
// on demand via CreateSnapshot and Checkpoint.
//
// # Callbacks
//
// Callbacks hook into a cycle at fixed points:
//
//	before_cycle   after planning
//	after_tool     per action outcome
//	before_commit  with the execution result; an error rejects the commit
//	after_cycle    after the commit
//	on_conflict    after a lost commit
//	on_snapshot    after a snapshot was saved
//
// # Invocation
//
// Run and Step process an instance synchronously. Invoke runs an instance
// in the background and streams committed cycles; Stop cancels it.
package engine
