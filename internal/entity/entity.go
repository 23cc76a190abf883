// Package entity holds the entity references, graph memberships and property
// loaders the index layer needs from the surrounding entity store.
package entity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Ref names one entity.
type Ref struct {
	ID   uuid.UUID `json:"uuid"`
	Type string    `json:"type"`
}

func (r Ref) String() string {
	return r.Type + ":" + r.ID.String()
}

// Entity is a reference plus its current property snapshot.
type Entity struct {
	Ref
	Properties map[string]any `json:"properties"`
}

// Collection is a named collection owned by an entity (an application or a
// user).
type Collection struct {
	Owner uuid.UUID `json:"owner"`
	Name  string    `json:"name"`
}

// Connection is one typed edge seen from the entity being indexed; Peer is
// the entity at the other end.
type Connection struct {
	Type string `json:"type"`
	Peer Ref    `json:"peer"`
}

// Memberships lists every place an entity is indexed.
type Memberships struct {
	Collections []Collection `json:"collections"`
	// Sources are connections that point at this entity.
	Sources []Connection `json:"sources,omitempty"`
	// Targets are connections this entity makes.
	Targets []Connection `json:"targets,omitempty"`
}

// Loader fetches current property snapshots. Missing ids are absent from the
// returned map rather than an error.
type Loader interface {
	Load(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Entity, error)
}

// Lookup resolves a dotted property path such as "location.latitude".
// Property names match case-insensitively, the way they are indexed.
func Lookup(props map[string]any, path string) (any, bool) {
	var cur any = props
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			if v, ok = lookupFold(m, part); !ok {
				return nil, false
			}
		}
		cur = v
	}
	return cur, true
}

func lookupFold(m map[string]any, name string) (any, bool) {
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

// Set writes value at a dotted path, creating intermediate maps. A nil value
// removes the property.
func Set(props map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	m := props
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[part] = next
		}
		m = next
	}
	last := parts[len(parts)-1]
	if value == nil {
		delete(m, last)
		return
	}
	m[last] = value
}

// decodeProperties keeps numbers as json.Number so integers survive a
// round-trip through storage exactly.
func decodeProperties(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	props := make(map[string]any)
	if err := dec.Decode(&props); err != nil {
		return nil, fmt.Errorf("decoding properties: %w", err)
	}
	return props, nil
}
