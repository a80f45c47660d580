package overrides

import (
	"context"
	"sync"

	"checkline/internal/domain"
)

// Memory is a process-local Store.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemory() *Memory {
	return &Memory{entries: map[string]Entry{}}
}

func (m *Memory) Get(_ context.Context, id string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok, nil
}

func (m *Memory) GetMany(_ context.Context, ids []string) (map[string]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]Entry, len(ids))
	for _, id := range ids {
		if e, ok := m.entries[id]; ok {
			res[id] = e
		}
	}
	return res, nil
}

func (m *Memory) Save(_ context.Context, id string, p domain.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	e.Apply(p)
	if e.Empty() {
		delete(m.entries, id)
		return nil
	}
	m.entries[id] = e
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}
