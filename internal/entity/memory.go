package entity

import (
	"context"
	"maps"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Loader used by tests and the operator CLI.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[uuid.UUID]Entity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entities: make(map[uuid.UUID]Entity)}
}

func (s *MemoryStore) Save(_ context.Context, e Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Properties = maps.Clone(e.Properties)
	s.entities[e.ID] = e
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, id)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]Entity, len(ids))
	for _, id := range ids {
		if e, ok := s.entities[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}
