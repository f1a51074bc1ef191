package docstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and local development. It
// implements the same conditional-write contract as the production driver.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]Projection
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string]Projection)}
}

// Get fetches the current projection, or ErrNotFound.
func (m *Memory) Get(_ context.Context, collection, entityID string) (Projection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs, ok := m.collections[collection]
	if !ok {
		return Projection{}, ErrNotFound
	}
	doc, ok := docs[entityID]
	if !ok {
		return Projection{}, ErrNotFound
	}
	return doc, nil
}

// PutIfNewer applies the write only when it advances the stored source version.
func (m *Memory) PutIfNewer(_ context.Context, collection, entityID string, sourceVersion int64, data json.RawMessage, syncedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs, ok := m.collections[collection]
	if !ok {
		docs = make(map[string]Projection)
		m.collections[collection] = docs
	}
	if existing, ok := docs[entityID]; ok && existing.SourceVersion >= sourceVersion {
		return false, nil
	}
	docs[entityID] = Projection{
		EntityID:      entityID,
		SourceVersion: sourceVersion,
		Data:          append(json.RawMessage(nil), data...),
		SyncedAt:      syncedAt.UTC(),
	}
	return true, nil
}

// Len reports the number of projections in a collection.
func (m *Memory) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}
