package storage

import (
	"sort"
	"sync"

	"github.com/synclave/synclave/pkg/dag"
	"github.com/synclave/synclave/pkg/types"
)

// MemoryStore keeps everything in process memory. It is the default
// engine for tests and ephemeral replicas.
type MemoryStore struct {
	mu       sync.RWMutex
	contexts map[types.ContextID]*ContextRecord
	logs     map[types.ContextID][]*dag.Delta
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contexts: make(map[types.ContextID]*ContextRecord),
		logs:     make(map[types.ContextID][]*dag.Delta),
	}
}

func (m *MemoryStore) SaveContext(rec *ContextRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	cp := *rec
	cp.Snapshot = append([]byte(nil), rec.Snapshot...)
	cp.Applied = append([]types.Hash(nil), rec.Applied...)
	m.contexts[rec.ContextID] = &cp
	return nil
}

func (m *MemoryStore) LoadContext(id types.ContextID) (*ContextRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	rec, ok := m.contexts[id]
	if !ok {
		return nil, ErrContextNotFound
	}
	cp := *rec
	cp.Snapshot = append([]byte(nil), rec.Snapshot...)
	cp.Applied = append([]types.Hash(nil), rec.Applied...)
	return &cp, nil
}

func (m *MemoryStore) ListContexts() ([]types.ContextID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	ids := make([]types.ContextID, 0, len(m.contexts))
	for id := range m.contexts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryStore) AppendDelta(id types.ContextID, d *dag.Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	m.logs[id] = append(m.logs[id], d)
	return nil
}

func (m *MemoryStore) Deltas(id types.ContextID) ([]*dag.Delta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	log := m.logs[id]
	out := make([]*dag.Delta, len(log))
	copy(out, log)
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
