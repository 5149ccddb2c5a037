package store

import (
	"context"
	"sync"

	"github.com/i5heu/ouroboros-dpa/pkg/model"
)

// MemStore is the volatile tier: a mutex-guarded map from key bytes to
// chunks. Entries live until the process exits or Reset is called.
type MemStore struct {
	mu     sync.RWMutex
	chunks map[string]*model.Chunk
}

// NewMemStore returns an empty memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		chunks: make(map[string]*model.Chunk),
	}
}

// Put upserts the chunk by key.
func (m *MemStore) Put(_ context.Context, chunk *model.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[string(chunk.Key)] = chunk
	return nil
}

// Get returns the stored chunk or ErrNotFound.
func (m *MemStore) Get(_ context.Context, key model.Key) (*model.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chunk, ok := m.chunks[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return chunk, nil
}

// ForEach calls fn for every stored chunk. Iteration order is unspecified.
func (m *MemStore) ForEach(ctx context.Context, fn func(*model.Chunk) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, chunk := range m.chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored chunks.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

// Reset drops all stored chunks.
func (m *MemStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = make(map[string]*model.Chunk)
}
