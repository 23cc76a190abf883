package query

import (
	"context"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/codec"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/entity"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/geo"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/update"
	apperrors "github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/resilience"
	"github.com/google/uuid"
)

// scanPage is how many entries a driving scan reads per backing-store
// call.
const scanPage = 64

type Config struct {
	DefaultLimit int
	MaxLimit     int
	Timeout      time.Duration
}

// Results is one page of a query.
type Results struct {
	IDs       []uuid.UUID     `json:"ids"`
	Refs      []entity.Ref    `json:"refs,omitempty"`
	Entities  []entity.Entity `json:"entities,omitempty"`
	Distances []float64       `json:"distances,omitempty"`
	Cursor    string          `json:"cursor,omitempty"`
	Size      int             `json:"size"`
}

type Evaluator struct {
	entries  *index.Store
	geo      *geo.Index
	loader   entity.Loader
	resolver *registry.Resolver
	cfg      Config
	metrics  *metrics.Metrics
}

func NewEvaluator(entries *index.Store, geoIndex *geo.Index, loader entity.Loader, resolver *registry.Resolver, cfg Config, m *metrics.Metrics) *Evaluator {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 1000
	}
	if cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = cfg.MaxLimit
	}
	return &Evaluator{
		entries:  entries,
		geo:      geoIndex,
		loader:   loader,
		resolver: resolver,
		cfg:      cfg,
		metrics:  m,
	}
}

// Handler returns the metadata used to validate q over targets. Without
// q.Type it resolves the first target's name, with any "connections/"
// prefix removed.
func (e *Evaluator) Handler(targets []index.Target, q *Query) *registry.Handler {
	if q.Type != "" {
		return e.resolver.Handler(q.Type)
	}
	if len(targets) == 0 {
		return registry.Default()
	}
	name := targets[0].Name
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return e.resolver.Handler(name)
}

// Execute runs q over the union of targets and returns one page.
func (e *Evaluator) Execute(ctx context.Context, targets []index.Target, q *Query) (*Results, error) {
	if len(targets) == 0 {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "query without a collection or connection")
	}
	pl, err := MakePlan(q, e.Handler(targets, q))
	if err != nil {
		e.observe("invalid", err)
		return nil, err
	}
	log := logger.FromContext(ctx).With("component", "query-evaluator")

	limit := q.Limit
	switch {
	case limit <= 0:
		limit = e.cfg.DefaultLimit
	case limit > e.cfg.MaxLimit:
		log.Warn("query limit clamped",
			"error", apperrors.ErrQueryLimitExceeded,
			"requested", limit,
			"max", e.cfg.MaxLimit,
		)
		limit = e.cfg.MaxLimit
	}

	positions, err := decodeCursor(q.Cursor, pl, targets)
	if err != nil {
		log.Warn("ignoring cursor", "error", apperrors.ErrCursorInvalid, "reason", err)
	}

	var res *Results
	err = resilience.WithTimeout(ctx, e.cfg.Timeout, "query", func(ctx context.Context) error {
		var runErr error
		res, runErr = e.run(ctx, targets, pl, positions, limit, q.Level)
		return runErr
	})
	e.observe(pl.Driver, err)
	if err != nil {
		return nil, err
	}
	log.Debug("query executed",
		"query", q.Text,
		"driver", pl.Driver,
		"property", pl.Property,
		"targets", len(targets),
		"results", res.Size,
	)
	return res, nil
}

func (e *Evaluator) observe(driver string, err error) {
	if e.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	e.metrics.QueriesTotal.WithLabelValues(driver, result).Inc()
}

func (e *Evaluator) sources(targets []index.Target, pl *Plan, positions map[index.Target][]byte) []source {
	out := make([]source, 0, len(targets))
	for _, t := range targets {
		if pl.Within != nil {
			out = append(out, &geoSource{geo: e.geo, search: geo.Search{
				Target:   t,
				Path:     pl.Within.Field,
				Center:   pl.Within.Center,
				Radius:   pl.Within.Radius,
				Cursor:   positions[t],
				Limit:    scanPage,
				Reversed: pl.Reversed,
			}})
			continue
		}
		out = append(out, &scanSource{
			entries: e.entries,
			scope:   t.Scope(pl.Property),
			target:  t,
			rng: index.Range{
				Lower:    pl.Lower,
				Upper:    pl.Upper,
				Cursor:   positions[t],
				Limit:    scanPage,
				Reversed: pl.Reversed,
			},
		})
	}
	return out
}

// run pulls candidates from the merged driving scans until limit entities
// pass every predicate or the scans run dry. Positions only advance past
// candidates that were actually examined, so the next page resumes right
// after the last returned entity.
func (e *Evaluator) run(ctx context.Context, targets []index.Target, pl *Plan, positions map[index.Target][]byte, limit int, level Level) (*Results, error) {
	m := newMerger(e.sources(targets, pl, positions), pl.Reversed)
	res := &Results{IDs: []uuid.UUID{}}
	seen := make(map[uuid.UUID]struct{})
	examined := 0
	full := false

	for !full {
		batch, err := m.take(ctx, max(limit-res.Size, 16))
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		ids := make([]uuid.UUID, 0, len(batch))
		for _, c := range batch {
			ids = append(ids, c.ref.ID)
		}
		loaded, err := e.loader.Load(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, c := range batch {
			if res.Size == limit {
				full = true
				break
			}
			positions[c.target] = c.key
			examined++
			if _, dup := seen[c.ref.ID]; dup {
				continue
			}
			ent, ok := loaded[c.ref.ID]
			if !ok || !pl.accepts(c, ent) {
				continue
			}
			seen[c.ref.ID] = struct{}{}
			res.add(c, ent, level, pl.Within != nil)
		}
		if res.Size == limit {
			full = true
		}
	}

	if full {
		cursor, err := encodeCursor(pl, positions)
		if err != nil {
			return nil, err
		}
		res.Cursor = cursor
	}
	if e.metrics != nil {
		e.metrics.QueryCandidates.Observe(float64(examined))
		e.metrics.QueryResultsCount.Observe(float64(res.Size))
	}
	return res, nil
}

func (r *Results) add(c candidate, ent entity.Entity, level Level, withDistance bool) {
	r.IDs = append(r.IDs, ent.ID)
	r.Size++
	if level >= LevelRefs {
		r.Refs = append(r.Refs, ent.Ref)
	}
	if level >= LevelProperties {
		r.Entities = append(r.Entities, ent)
	}
	if withDistance {
		r.Distances = append(r.Distances, c.distance)
	}
}

// accepts re-checks a candidate against the live entity: the driving entry
// must still match a current value, then every predicate in order.
func (pl *Plan) accepts(c candidate, ent entity.Entity) bool {
	if pl.Within == nil && !pl.Keywords && !strings.EqualFold(pl.Property, update.UUIDProperty) {
		if !anyValue(fieldValues(ent, pl.Property), func(v codec.Value) bool {
			return codec.CompareLoose(v, c.value) == 0
		}) {
			return false
		}
	}
	for _, p := range pl.Residual {
		if !p.matches(ent) {
			return false
		}
	}
	return true
}

func (p Predicate) matches(ent entity.Entity) bool {
	values := fieldValues(ent, p.Field)
	if p.Op == OpContains {
		return anyValue(values, func(v codec.Value) bool {
			return v.Kind == codec.KindString && p.Pattern.Matches(v.Str)
		})
	}
	return anyValue(values, func(v codec.Value) bool {
		if p.Value.Kind == codec.KindUUID && v.Kind == codec.KindString {
			id, err := uuid.Parse(v.Str)
			if err != nil {
				return false
			}
			v = codec.UUID(id)
		}
		if v.Kind != p.Value.Kind {
			return false
		}
		c := codec.CompareLoose(v, p.Value)
		switch p.Op {
		case OpLt:
			return c < 0
		case OpLe:
			return c <= 0
		case OpGt:
			return c > 0
		case OpGe:
			return c >= 0
		default:
			return c == 0
		}
	})
}

// fieldValues returns the scalar values of a property path. Arrays yield
// their elements; values that cannot be indexed are dropped.
func fieldValues(ent entity.Entity, path string) []codec.Value {
	if strings.EqualFold(path, update.UUIDProperty) {
		return []codec.Value{codec.UUID(ent.ID)}
	}
	raw, ok := entity.Lookup(ent.Properties, path)
	if !ok || raw == nil {
		return nil
	}
	items, isList := raw.([]any)
	if !isList {
		items = []any{raw}
	}
	out := make([]codec.Value, 0, len(items))
	for _, item := range items {
		v, err := codec.FromAny(item)
		if err != nil || v.IsNull() {
			continue
		}
		out = append(out, v)
	}
	return out
}

func anyValue(values []codec.Value, fn func(codec.Value) bool) bool {
	for _, v := range values {
		if fn(v) {
			return true
		}
	}
	return false
}
