package history

import (
	"context"
	"sort"
	"sync"

	"github.com/hupe1980/agentledger/core"
)

// InMemoryStore is a process-local HistoryStore. It offers:
//  1. Insert-if-absent tool result records keyed by (instance, plan, action)
//  2. Append-only cycle and restore records per instance
//  3. The latest cycle intent per instance
//
// Concurrency: protected by RWMutex. Recorded results are normalized through
// JSON before storage so a replayed result is indistinguishable from one read
// back from a durable backend.
type InMemoryStore struct {
	mu      sync.RWMutex
	results map[core.RecordKey]core.ToolResult
	cycles  map[string][]core.CycleRecord // instanceID -> cycles
	intents map[string]core.CycleIntent
}

// NewInMemoryStore creates a new in-memory history store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		results: make(map[core.RecordKey]core.ToolResult),
		cycles:  make(map[string][]core.CycleRecord),
		intents: make(map[string]core.CycleIntent),
	}
}

// LookupToolResult returns the recorded result for key.
func (m *InMemoryStore) LookupToolResult(_ context.Context, key core.RecordKey) (core.ToolResult, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res, ok := m.results[key]
	if !ok {
		return core.ToolResult{}, false, nil
	}

	return copyResult(res), true, nil
}

// RecordToolResult stores res unless key already has a record, in which case
// the existing record wins.
func (m *InMemoryStore) RecordToolResult(_ context.Context, key core.RecordKey, res core.ToolResult) (core.ToolResult, bool, error) {
	normalized, err := core.NormalizeJSON(res.Result)
	if err != nil {
		return core.ToolResult{}, false, err
	}

	res.Result = normalized

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.results[key]; ok {
		return copyResult(existing), false, nil
	}

	m.results[key] = copyResult(res)

	return copyResult(res), true, nil
}

// AppendCycle stores a committed cycle or restore record.
func (m *InMemoryStore) AppendCycle(_ context.Context, rec core.CycleRecord) error {
	if rec.InstanceID == "" {
		return core.ErrInstanceMissing
	}

	rec = copyRecord(rec)

	m.mu.Lock()
	defer m.mu.Unlock()

	list := append(m.cycles[rec.InstanceID], rec)
	sort.SliceStable(list, func(i, j int) bool { return list[i].NewVersion < list[j].NewVersion })
	m.cycles[rec.InstanceID] = list

	return nil
}

// ListCycles returns the records with NewVersion after afterVersion.
func (m *InMemoryStore) ListCycles(_ context.Context, instanceID string, afterVersion uint64) ([]core.CycleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []core.CycleRecord{}

	for _, rec := range m.cycles[instanceID] {
		if rec.NewVersion > afterVersion {
			out = append(out, copyRecord(rec))
		}
	}

	return out, nil
}

// SaveIntent replaces the cycle intent of the instance.
func (m *InMemoryStore) SaveIntent(_ context.Context, intent core.CycleIntent) error {
	if intent.InstanceID == "" {
		return core.ErrInstanceMissing
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.intents[intent.InstanceID] = intent

	return nil
}

// FindIntent returns the latest cycle intent of the instance.
func (m *InMemoryStore) FindIntent(_ context.Context, instanceID string) (core.CycleIntent, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	intent, ok := m.intents[instanceID]

	return intent, ok, nil
}

func copyRecord(rec core.CycleRecord) core.CycleRecord {
	if rec.State != nil {
		st := rec.State.Clone()
		rec.State = &st
	}

	return rec
}

func copyResult(res core.ToolResult) core.ToolResult {
	c := res
	if res.RateLimitInfo != nil {
		c.RateLimitInfo = make(map[string]string, len(res.RateLimitInfo))
		for k, v := range res.RateLimitInfo {
			c.RateLimitInfo[k] = v
		}
	}

	if m, ok := res.Result.(map[string]any); ok {
		c.Result = core.CloneData(m)
	}

	return c
}
