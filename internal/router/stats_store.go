package router

import (
	"context"
	"sync"
	"time"
)

// StatsStore holds ProviderStats. The in-memory store is the default; a
// Redis store shares stats between gateway instances.
type StatsStore interface {
	// Get returns the stats for id. The boolean is false when nothing has
	// been recorded yet.
	Get(ctx context.Context, id string) (ProviderStats, bool, error)

	// Record folds one completed call into the stats for id.
	Record(ctx context.Context, id string, success bool, latencyMs float64, at time.Time) error

	// AddLoad adjusts the in-flight count for id by delta, never below zero.
	AddLoad(ctx context.Context, id string, delta int) error

	// Snapshot returns the stats of every provider seen so far.
	Snapshot(ctx context.Context) (map[string]ProviderStats, error)

	Close() error
}

// MemoryStatsStore keeps stats in process memory.
type MemoryStatsStore struct {
	mu    sync.RWMutex
	stats map[string]*ProviderStats
}

// NewMemoryStatsStore returns an empty in-memory store.
func NewMemoryStatsStore() *MemoryStatsStore {
	return &MemoryStatsStore{stats: make(map[string]*ProviderStats)}
}

func (m *MemoryStatsStore) Get(_ context.Context, id string) (ProviderStats, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.stats[id]
	if !ok {
		return ProviderStats{}, false, nil
	}
	return *s, true, nil
}

func (m *MemoryStatsStore) Record(_ context.Context, id string, success bool, latencyMs float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entryLocked(id).observe(success, latencyMs, at)
	return nil
}

func (m *MemoryStatsStore) AddLoad(_ context.Context, id string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.entryLocked(id)
	load := int64(s.CurrentLoad) + int64(delta)
	if load < 0 {
		load = 0
	}
	s.CurrentLoad = uint32(load)
	return nil
}

func (m *MemoryStatsStore) Snapshot(_ context.Context) (map[string]ProviderStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ProviderStats, len(m.stats))
	for id, s := range m.stats {
		out[id] = *s
	}
	return out, nil
}

func (m *MemoryStatsStore) Close() error { return nil }

func (m *MemoryStatsStore) entryLocked(id string) *ProviderStats {
	s, ok := m.stats[id]
	if !ok {
		s = &ProviderStats{}
		m.stats[id] = s
	}
	return s
}
