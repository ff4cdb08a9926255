package blob

import (
	"context"
	"sync"
)

// MemoryStore keeps blobs in process memory
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory blob store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Put stores a copy of data under key
func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, overwrite bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.blobs[key]; exists && !overwrite {
		return ErrAlreadyExists
	}

	content := make([]byte, len(data))
	copy(content, data)
	m.blobs[key] = content
	return nil
}

// Get returns a copy of the bytes stored under key
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	content, exists := m.blobs[key]
	if !exists {
		return nil, ErrNotFound
	}

	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}

// Exists reports whether key is present
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.blobs[key]
	return exists, nil
}

// Len returns the number of stored blobs
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
