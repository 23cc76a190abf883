// Package index stores and scans sorted index entries. One logical index is
// one wide row keyed by (owner, collection or connection, property) whose
// columns are composite keys ordered by value, then entity id, then a time
// UUID tiebreaker.
package index

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/codec"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/errors"
	"github.com/google/uuid"
)

// Scope names one index row-space.
type Scope struct {
	Owner    uuid.UUID `json:"owner"`
	Name     string    `json:"name"`
	Property string    `json:"property"`
}

// RowKey is the backing-store row holding this scope's entries.
func (s Scope) RowKey() []byte {
	buf := make([]byte, 0, 1+16+len(s.Name)+1+len(s.Property))
	buf = append(buf, 'i')
	buf = append(buf, s.Owner[:]...)
	buf = append(buf, s.Name...)
	buf = append(buf, 0x00)
	return append(buf, s.Property...)
}

// ParseRowKey is the inverse of Scope.RowKey.
func ParseRowKey(row []byte) (Scope, error) {
	if len(row) < 18 || row[0] != 'i' {
		return Scope{}, apperrors.Newf(apperrors.ErrCorruptIndexEntry, 0, "not an index row: %x", row)
	}
	var s Scope
	copy(s.Owner[:], row[1:17])
	name, property, ok := bytes.Cut(row[17:], []byte{0x00})
	if !ok {
		return Scope{}, apperrors.Newf(apperrors.ErrCorruptIndexEntry, 0, "index row without property: %x", row)
	}
	s.Name = string(name)
	s.Property = string(property)
	return s, nil
}

func (s Scope) String() string {
	return fmt.Sprintf("%s/%s/%s", s.Owner, s.Name, s.Property)
}

// WithProperty returns the same owner and collection indexed on another
// property.
func (s Scope) WithProperty(property string) Scope {
	s.Property = property
	return s
}

// Target is the (owner, collection-or-connection) pair queries run against.
func (s Scope) Target() Target {
	return Target{Owner: s.Owner, Name: s.Name}
}

// Target identifies a collection or connection without a property.
type Target struct {
	Owner uuid.UUID `json:"owner"`
	Name  string    `json:"name"`
}

func (t Target) Scope(property string) Scope {
	return Scope{Owner: t.Owner, Name: t.Name, Property: property}
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s", t.Owner, t.Name)
}

// ParseTarget reads the "<owner>/<name>" form String produces. The name
// may itself contain slashes, as connection targets do.
func ParseTarget(s string) (Target, error) {
	owner, name, ok := strings.Cut(s, "/")
	if !ok || name == "" {
		return Target{}, apperrors.Wrapf(apperrors.ErrInvalidInput, "target %q is not <owner>/<name>", s)
	}
	id, err := uuid.Parse(owner)
	if err != nil {
		return Target{}, apperrors.Wrapf(apperrors.ErrInvalidInput, "target owner %q: %v", owner, err)
	}
	return Target{Owner: id, Name: name}, nil
}

// Point is a literal location carried by geocell entries.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Entry is one projection of (entity, property, value) into a Scope.
type Entry struct {
	Scope       Scope
	Path        string
	Value       codec.Value
	EntityID    uuid.UUID
	EntityType  string
	Timestamp   uint64
	CompositeID uuid.UUID
	Stale       bool
	StaleAt     uint64
	Point       *Point
}

// Key returns the entry's composite column key.
func (e Entry) Key() ([]byte, error) {
	return codec.Encode(e.Value, e.EntityID, e.CompositeID)
}

// SameColumn reports whether two entries address the same column.
func (e Entry) SameColumn(o Entry) bool {
	return e.Scope == o.Scope && e.EntityID == o.EntityID && e.CompositeID == o.CompositeID &&
		codec.Compare(e.Value, o.Value) == 0
}

type payload struct {
	Path       string `json:"path"`
	EntityType string `json:"type,omitempty"`
	Timestamp  uint64 `json:"ts"`
	Stale      bool   `json:"stale,omitempty"`
	StaleAt    uint64 `json:"stale_at,omitempty"`
	Point      *Point `json:"point,omitempty"`
}

func (e Entry) encode() ([]byte, []byte, error) {
	key, err := e.Key()
	if err != nil {
		return nil, nil, fmt.Errorf("encoding key for %s: %w", e.Scope, err)
	}
	body, err := json.Marshal(payload{
		Path:       e.Path,
		EntityType: e.EntityType,
		Timestamp:  e.Timestamp,
		Stale:      e.Stale,
		StaleAt:    e.StaleAt,
		Point:      e.Point,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encoding payload: %w", err)
	}
	return key, body, nil
}

func decodeEntry(scope Scope, col store.Column) (Entry, error) {
	value, entityID, compositeID, err := codec.Decode(col.Key)
	if err != nil {
		return Entry{}, err
	}
	var p payload
	if err := json.Unmarshal(col.Value, &p); err != nil {
		return Entry{}, apperrors.Newf(apperrors.ErrCorruptIndexEntry, 0, "decoding payload: %v", err)
	}
	return Entry{
		Scope:       scope,
		Path:        p.Path,
		Value:       value,
		EntityID:    entityID,
		EntityType:  p.EntityType,
		Timestamp:   p.Timestamp,
		CompositeID: compositeID,
		Stale:       p.Stale,
		StaleAt:     p.StaleAt,
		Point:       p.Point,
	}, nil
}
