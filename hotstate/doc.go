// Package hotstate houses concrete implementations of core.HotStateStore.
// The interface itself lives in the core package so the engine and replay
// packages never depend on concrete storage.
//
// Add additional backends in sub-packages or sibling packages (see the sqlite
// package) without changing any calling code; only the wiring layer decides
// which implementation to instantiate.
package hotstate
