// Package history contains concrete core.HistoryStore implementations: the
// recorded tool results and committed cycle records the replay engine reads.
// The store interfaces reside in the core package; select an implementation
// (like the in-memory store below, or the sqlite package) at wiring time.
package history
