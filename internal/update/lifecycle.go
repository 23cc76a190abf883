package update

import (
	"context"
	"errors"
	"slices"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/entity"
)

// IndexEntity indexes every property of an entity, plus the reserved uuid
// property, in every place its memberships name. All batches are computed
// first, so a uniqueness violation rejects the entity before anything is
// written.
func (e *Engine) IndexEntity(ctx context.Context, ref entity.Ref, props map[string]any, ms entity.Memberships) ([]*Result, error) {
	muts := e.mutations(ref, props, ms, false)
	return e.run(ctx, muts)
}

// DeindexEntity supersedes every entry IndexEntity would have written for
// the given snapshot, and removes the entity's locations.
func (e *Engine) DeindexEntity(ctx context.Context, ref entity.Ref, props map[string]any, ms entity.Memberships) ([]*Result, error) {
	muts := e.mutations(ref, props, ms, true)
	return e.run(ctx, muts)
}

func (e *Engine) run(ctx context.Context, muts []Mutation) ([]*Result, error) {
	batches := make([]*Batch, 0, len(muts))
	for _, m := range muts {
		b, err := e.Compute(ctx, m)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	results := make([]*Result, 0, len(batches))
	var errs []error
	for _, b := range batches {
		if err := e.Stage(ctx, b); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := e.Apply(ctx, b); err != nil {
			errs = append(errs, err)
		}
		results = append(results, &Result{Batch: b, PreviousEntries: b.Previous})
	}
	return results, errors.Join(errs...)
}

// mutations flattens a property snapshot into one mutation per indexed
// path. Nested objects are walked unless the path is a location.
func (e *Engine) mutations(ref entity.Ref, props map[string]any, ms entity.Memberships, remove bool) []Mutation {
	mk := func(path string, v any) Mutation {
		m := Mutation{Entity: ref, Property: path, Memberships: ms}
		if remove {
			m.Old = v
		} else {
			m.New = v
		}
		return m
	}
	out := []Mutation{mk(UUIDProperty, ref.ID)}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			if path == UUIDProperty {
				continue
			}
			v := m[k]
			info := e.resolver.Property(ref.Type, path)
			if info.NotIndexed {
				continue
			}
			if nested, ok := v.(map[string]any); ok && !info.Location {
				walk(path, nested)
				continue
			}
			out = append(out, mk(path, v))
		}
	}
	walk("", props)
	return out
}
