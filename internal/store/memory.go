package store

import (
	"context"
	"sync"
)

// MemoryBackend keeps snapshots in process memory. It survives page reloads
// but not process restarts, which makes it suitable for tests and one-shot runs.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[Scope]map[string][]byte
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[Scope]map[string][]byte)}
}

func (m *MemoryBackend) Put(_ context.Context, scope Scope, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[scope] == nil {
		m.data[scope] = make(map[string][]byte)
	}
	m.data[scope][key] = append([]byte(nil), payload...)
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, scope Scope, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payload, ok := m.data[scope][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), payload...), nil
}

func (m *MemoryBackend) Delete(_ context.Context, scope Scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[scope], key)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
