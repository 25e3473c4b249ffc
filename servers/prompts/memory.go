package prompts

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	prompts map[string]Prompt
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		prompts: make(map[string]Prompt),
	}
}

// List implements Store.
func (m *MemoryStore) List(context.Context) ([]Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return sorted(m.prompts), nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.prompts[id]
	if !ok {
		return Prompt{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, p Prompt) (Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.prompts[p.ID]; ok {
		return Prompt{}, fmt.Errorf("%w: %s", ErrExists, p.ID)
	}
	m.prompts[p.ID] = p
	return p, nil
}

// Update implements Store.
func (m *MemoryStore) Update(_ context.Context, id string, patch Patch) (Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.prompts[id]
	if !ok {
		return Prompt{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p = p.apply(patch)
	m.prompts[id] = p
	return p, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.prompts[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.prompts, id)
	return nil
}
