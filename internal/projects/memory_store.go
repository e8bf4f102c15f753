package projects

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory project store for demo/development mode.
type MemoryStore struct {
	projects map[string]*Project
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory project store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{projects: make(map[string]*Project)}
}

func (m *MemoryStore) Create(ctx context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return ErrProjectNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	return nil
}

var _ Store = (*MemoryStore)(nil)
