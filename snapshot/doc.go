// Package snapshot contains concrete implementations of core.SnapshotStore.
//
// The canonical SnapshotStore interface lives in the core package to avoid
// dependency cycles and keep domain contracts central. Implementation packages
// like this one (in-memory here, SQLite in the sqlite package) provide storage
// backends that can be swapped without touching calling code.
package snapshot
