package metastore

import (
	"context"
	"sync"
)

// Memory is an in-memory Store, safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	groups map[string]map[string]string
}

func NewMemory() *Memory {
	return &Memory{groups: make(map[string]map[string]string)}
}

func (m *Memory) Get(_ context.Context, providerID, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[providerID]
	if !ok {
		return "", false, nil
	}
	v, ok := g[key]
	return v, ok, nil
}

func (m *Memory) Put(_ context.Context, providerID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[providerID]
	if !ok {
		g = make(map[string]string)
		m.groups[providerID] = g
	}
	g[key] = value
	return nil
}

func (m *Memory) DeleteGroup(_ context.Context, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, providerID)
	return nil
}

func (m *Memory) Close() error { return nil }
