package query

import (
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/codec"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/update"
	apperrors "github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/errors"
)

// Driver names the access path a plan scans.
const (
	DriverGeo    = "geo"
	DriverEquals = "equals"
	DriverRange  = "range"
	DriverAll    = "all"
)

// Plan is the driving scan chosen for a query plus the predicates every
// candidate must pass.
type Plan struct {
	Driver   string
	Property string
	Lower    *index.Bound
	Upper    *index.Bound
	Reversed bool
	Within   *Within

	// Keywords is set when the driving scan reads the keyword projection
	// of a full-text property.
	Keywords bool

	Residual []Predicate
}

// MakePlan validates q against the metadata in h and picks the driving scan:
// the sort field, else the first equality, else the first range, else the
// reserved uuid property. Metadata errors are raised here, before any
// scan.
func MakePlan(q *Query, h *registry.Handler) (*Plan, error) {
	for _, p := range q.Predicates {
		info := h.Property(p.Field)
		if info.NotIndexed {
			return nil, apperrors.Wrapf(apperrors.ErrFieldNotIndexed, "%s is not indexed", p.Field)
		}
		if p.Op == OpContains && !info.FullText {
			return nil, apperrors.Wrapf(apperrors.ErrFieldNotFullTextIndexed, "%s is not full-text indexed", p.Field)
		}
	}
	if q.Sort != nil && h.Property(q.Sort.Field).NotIndexed {
		return nil, apperrors.Wrapf(apperrors.ErrFieldNotIndexed, "cannot order by %s", q.Sort.Field)
	}

	pl := &Plan{Residual: q.Predicates, Reversed: q.Reversed}

	if w := q.Within; w != nil {
		if q.Sort != nil {
			return nil, apperrors.Wrapf(apperrors.ErrInvalidQuery, "within results are ordered by distance and cannot be sorted")
		}
		if !h.Property(w.Field).Location {
			return nil, apperrors.Wrapf(apperrors.ErrFieldNotIndexed, "%s is not a location property", w.Field)
		}
		if w.Radius <= 0 {
			return nil, apperrors.Wrapf(apperrors.ErrInvalidQuery, "within radius must be positive")
		}
		pl.Driver = DriverGeo
		pl.Within = w
		pl.Property = w.Field
		return pl, nil
	}

	if s := q.Sort; s != nil {
		pl.Property = s.Field
		pl.Reversed = s.Desc != q.Reversed
		pl.Driver = DriverRange
		if pl.bound(q.Predicates, s.Field) {
			pl.Driver = DriverEquals
		}
		return pl, nil
	}

	for _, p := range q.Predicates {
		switch p.Op {
		case OpEq:
			pl.Driver = DriverEquals
			pl.Property = p.Field
			pl.bound(q.Predicates, p.Field)
			return pl, nil
		case OpContains:
			pl.Driver = DriverEquals
			pl.Keywords = true
			pl.Property = p.Field + update.KeywordSuffix
			term := codec.String(p.Pattern.Term)
			pl.Lower = &index.Bound{Value: term, Inclusive: true}
			if p.Pattern.Prefix {
				pl.Upper = &index.Bound{Value: codec.String(p.Pattern.Term + string(rune(0x10FFFF)))}
			} else {
				pl.Upper = &index.Bound{Value: term, Inclusive: true}
			}
			return pl, nil
		}
	}
	for _, p := range q.Predicates {
		if p.Op != OpContains {
			pl.Driver = DriverRange
			pl.Property = p.Field
			pl.bound(q.Predicates, p.Field)
			return pl, nil
		}
	}

	pl.Driver = DriverAll
	pl.Property = update.UUIDProperty
	return pl, nil
}

// bound intersects every comparison on field into the plan's bounds and
// reports whether one of them was an equality.
func (pl *Plan) bound(preds []Predicate, field string) bool {
	eq := false
	for _, p := range preds {
		if p.Field != field || p.Op == OpContains {
			continue
		}
		v := scanValue(field, p.Value)
		switch p.Op {
		case OpEq:
			eq = true
			pl.Lower = tighter(pl.Lower, &index.Bound{Value: v, Inclusive: true}, 1)
			pl.Upper = tighter(pl.Upper, &index.Bound{Value: v, Inclusive: true}, -1)
		case OpGt, OpGe:
			pl.Lower = tighter(pl.Lower, &index.Bound{Value: v, Inclusive: p.Op == OpGe}, 1)
		case OpLt, OpLe:
			pl.Upper = tighter(pl.Upper, &index.Bound{Value: v, Inclusive: p.Op == OpLe}, -1)
		}
	}
	return eq
}

// tighter keeps the more restrictive of two bounds. dir is 1 for lower
// bounds and -1 for upper bounds.
func tighter(cur, next *index.Bound, dir int) *index.Bound {
	if cur == nil {
		return next
	}
	c := codec.CompareLoose(next.Value, cur.Value) * dir
	switch {
	case c > 0:
		return next
	case c < 0:
		return cur
	case !next.Inclusive:
		return next
	default:
		return cur
	}
}

// scanValue adapts a literal to the form it is indexed under. Property
// values keep UUID-shaped strings as strings; only the reserved uuid
// property holds real UUIDs.
func scanValue(field string, v codec.Value) codec.Value {
	if v.Kind == codec.KindUUID && !strings.EqualFold(field, update.UUIDProperty) {
		return codec.String(v.UUID.String())
	}
	return v
}
