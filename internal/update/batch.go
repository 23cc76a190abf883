// Package update keeps every index projection of an entity consistent as its
// properties and graph memberships change. One property mutation becomes one
// Batch that moves through Computed, Staged and Applied.
package update

import (
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/codec"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/entity"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/store"
)

// State is the progress of a batch.
type State int

const (
	StateNew State = iota
	StateComputed
	StateStaged
	StateApplied
)

func (s State) String() string {
	switch s {
	case StateComputed:
		return "computed"
	case StateStaged:
		return "staged"
	case StateApplied:
		return "applied"
	default:
		return "new"
	}
}

// Mutation is one property change of one entity. Old and New are JSON-like
// values; nil means absent.
type Mutation struct {
	Entity      entity.Ref
	Property    string
	Old         any
	New         any
	Memberships entity.Memberships
}

// LocationOp moves or removes the location of the entity in one target.
// A nil Point removes it.
type LocationOp struct {
	Target index.Target
	Point  *index.Point
}

// Batch is the unit of work for one property mutation.
type Batch struct {
	Entity   entity.Ref
	Property string
	Old      []codec.Value
	New      []codec.Value
	Stamp    store.Stamp
	State    State
	Info     registry.PropertyInfo
	Targets  []index.Target

	// Writes are the entries to add. Previous are the entries they
	// supersede, marked stale once the writes of their scope succeed.
	Writes    []index.Entry
	Previous  []index.Entry
	Locations []LocationOp

	// Failed lists scopes whose writes did not land during Apply.
	Failed []index.Scope

	oldPoint *index.Point
	newPoint *index.Point
}

// Skipped reports whether the property is not indexed at all.
func (b *Batch) Skipped() bool {
	return b.Info.NotIndexed
}

// Result is what UpdateIndexesForProperty hands back: the applied batch and
// the audit trail of entries it superseded.
type Result struct {
	Batch           *Batch
	PreviousEntries []index.Entry
}
