package entity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/store"
	"github.com/google/uuid"
)

var snapshotRow = []byte("entity-snapshots")

// SnapshotStore keeps the latest property snapshot of every indexed entity in
// the backing store, next to the index rows. indexd uses it to hydrate query
// results when no external entity table is configured.
type SnapshotStore struct {
	backend store.Store
}

func NewSnapshotStore(backend store.Store) *SnapshotStore {
	return &SnapshotStore{backend: backend}
}

type snapshot struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

// Save writes e at ts; an older snapshot never overwrites a newer one.
func (s *SnapshotStore) Save(ctx context.Context, e Entity, ts uint64) error {
	body, err := json.Marshal(snapshot{Type: e.Type, Properties: e.Properties})
	if err != nil {
		return fmt.Errorf("encoding snapshot of %s: %w", e.Ref, err)
	}
	if err := s.backend.Put(ctx, snapshotRow, e.ID[:], body, ts); err != nil {
		return fmt.Errorf("saving snapshot of %s: %w", e.Ref, err)
	}
	return nil
}

func (s *SnapshotStore) Delete(ctx context.Context, id uuid.UUID, ts uint64) error {
	if err := s.backend.Delete(ctx, snapshotRow, id[:], ts); err != nil {
		return fmt.Errorf("deleting snapshot of %s: %w", id, err)
	}
	return nil
}

// Get returns the snapshot of one entity.
func (s *SnapshotStore) Get(ctx context.Context, id uuid.UUID) (Entity, bool, error) {
	cols, err := s.backend.Scan(ctx, snapshotRow, store.ScanOptions{
		Lower: id[:],
		Upper: append(id[:], 0x00),
		Limit: 1,
	})
	if err != nil {
		return Entity{}, false, fmt.Errorf("reading snapshot of %s: %w", id, err)
	}
	if len(cols) == 0 {
		return Entity{}, false, nil
	}
	var snap struct {
		Type       string          `json:"type"`
		Properties json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(cols[0].Value, &snap); err != nil {
		return Entity{}, false, fmt.Errorf("decoding snapshot of %s: %w", id, err)
	}
	props, err := decodeProperties(snap.Properties)
	if err != nil {
		return Entity{}, false, err
	}
	return Entity{Ref: Ref{ID: id, Type: snap.Type}, Properties: props}, true, nil
}

func (s *SnapshotStore) Load(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Entity, error) {
	out := make(map[uuid.UUID]Entity, len(ids))
	for _, id := range ids {
		e, ok, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = e
		}
	}
	return out, nil
}
