package storage

import (
	"context"
	"slices"
	"sync"
)

// Memory is an in-process Store. It is safe for concurrent use.
type Memory struct {
	mu   sync.Mutex
	subs map[int64]bool
}

func NewMemory() *Memory {
	return &Memory{subs: map[int64]bool{}}
}

func (m *Memory) ListActive(context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.subs))
	for id, active := range m.subs {
		if active {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *Memory) Deactivate(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; ok {
		m.subs[id] = false
	}
	return nil
}

func (m *Memory) UpsertActive(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[id] = true
	return nil
}

func (m *Memory) Counts(context.Context) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := Counts{Total: len(m.subs)}
	for _, active := range m.subs {
		if active {
			c.Active++
		}
	}
	return c, nil
}

// Active reports whether id is registered and active.
func (m *Memory) Active(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[id]
}

func (m *Memory) Close() error { return nil }
