// Package geo specialises the index entry store for locations. Every located
// entity is written once per geocell resolution, and proximity searches
// expand rings of cells around a centroid until the requested radius or page
// is covered.
package geo

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/codec"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/entity"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/metrics"
	"github.com/google/uuid"
)

const (
	cellSuffix   = ".geocell"
	ledgerSuffix = ".geoledger"
)

// Config bounds ring expansion.
type Config struct {
	MaxIterations int
	MaxRing       int
	DefaultLimit  int
	MaxLimit      int
}

// Index stores locations and answers proximity searches.
type Index struct {
	entries *index.Store
	clock   *store.Clock
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(entries *index.Store, clock *store.Clock, cfg Config, m *metrics.Metrics) *Index {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 64
	}
	if cfg.MaxRing <= 0 {
		cfg.MaxRing = 3
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 1000
	}
	return &Index{
		entries: entries,
		clock:   clock,
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "geo-index"),
	}
}

// CellScope is the row-space holding the geocell entries of a location
// property.
func CellScope(target index.Target, path string) index.Scope {
	return target.Scope(path + cellSuffix)
}

func ledgerScope(target index.Target, path string) index.Scope {
	return target.Scope(path + ledgerSuffix)
}

// ValidatePoint rejects coordinates outside the globe.
func ValidatePoint(p index.Point) error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return apperrors.Wrapf(apperrors.ErrInvalidLocation, "latitude %v, longitude %v out of range", p.Lat, p.Lon)
	}
	return nil
}

// StoreLocation indexes ref at p under target. The ledger record goes first,
// then the new cells, then the previous location's cells are removed; a
// search that meets cells of the old position resolves the entity through
// the ledger. Repeating a call with the same stamp is a no-op.
func (g *Index) StoreLocation(ctx context.Context, target index.Target, ref entity.Ref, path string, p index.Point, stamp store.Stamp) error {
	if err := ValidatePoint(p); err != nil {
		return err
	}
	previous, err := g.locations(ctx, target, path, ref.ID)
	if err != nil {
		return err
	}
	loc := index.Entry{
		Scope:       ledgerScope(target, path),
		Path:        path,
		Value:       codec.UUID(ref.ID),
		EntityID:    ref.ID,
		EntityType:  ref.Type,
		Timestamp:   stamp.Timestamp,
		CompositeID: stamp.UUID,
		Point:       &p,
	}
	if err := g.entries.Put(ctx, loc); err != nil {
		return fmt.Errorf("recording location of %s: %w", ref, err)
	}
	for _, e := range cellEntries(target, loc) {
		if err := g.entries.Put(ctx, e); err != nil {
			return fmt.Errorf("storing location of %s: %w", ref, err)
		}
	}
	for _, prev := range previous {
		if prev.CompositeID == stamp.UUID || prev.Timestamp > stamp.Timestamp {
			continue
		}
		if err := g.forget(ctx, target, prev, stamp.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

// RemoveLocation removes every indexed location of ref under target.
func (g *Index) RemoveLocation(ctx context.Context, target index.Target, ref entity.Ref, path string, ts uint64) error {
	previous, err := g.locations(ctx, target, path, ref.ID)
	if err != nil {
		return err
	}
	for _, prev := range previous {
		if prev.Timestamp > ts {
			continue
		}
		if err := g.forget(ctx, target, prev, ts); err != nil {
			return err
		}
	}
	return nil
}

// locations returns the live ledger records of one entity.
func (g *Index) locations(ctx context.Context, target index.Target, path string, id uuid.UUID) ([]index.Entry, error) {
	recs, err := g.entries.ScanEquals(ctx, ledgerScope(target, path), codec.UUID(id), 0)
	if err != nil {
		return nil, fmt.Errorf("reading location ledger: %w", err)
	}
	out := recs[:0]
	for _, r := range recs {
		if r.EntityID == id && r.Point != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// forget deletes the cells of one ledger record and then the record itself.
func (g *Index) forget(ctx context.Context, target index.Target, loc index.Entry, ts uint64) error {
	for _, e := range cellEntries(target, loc) {
		if err := g.entries.Delete(ctx, e, ts); err != nil {
			return fmt.Errorf("removing location cells of %s: %w", loc.EntityID, err)
		}
	}
	if err := g.entries.Delete(ctx, loc, ts); err != nil {
		return fmt.Errorf("removing location record of %s: %w", loc.EntityID, err)
	}
	return nil
}

// cellEntries derives the per-level entries of one ledger record.
func cellEntries(target index.Target, loc index.Entry) []index.Entry {
	scope := CellScope(target, loc.Path)
	cells := Cells(loc.Point.Lat, loc.Point.Lon)
	out := make([]index.Entry, len(cells))
	for i, cell := range cells {
		out[i] = index.Entry{
			Scope:       scope,
			Path:        loc.Path,
			Value:       codec.String(cell),
			EntityID:    loc.EntityID,
			EntityType:  loc.EntityType,
			Timestamp:   loc.Timestamp,
			CompositeID: loc.CompositeID,
			Point:       loc.Point,
		}
	}
	return out
}

// Hit is one proximity result.
type Hit struct {
	Ref      entity.Ref
	Point    index.Point
	Distance float64
	key      []byte
}

// Search describes one proximity query.
type Search struct {
	Target   index.Target
	Path     string
	Center   index.Point
	Radius   float64
	Cursor   []byte
	Limit    int
	Reversed bool
}

// Results is one page of hits ordered by (distance, entity id), or the
// reverse when the search was reversed.
type Results struct {
	Hits       []Hit
	Cursor     []byte
	Iterations int
}

// HitCursor encodes the resumption point after h.
func HitCursor(h Hit) []byte {
	return bytes.Clone(h.key)
}

type searcher struct {
	g        *Index
	s        Search
	found    map[uuid.UUID]Hit
	verified map[uuid.UUID]*index.Entry
	cleaned  map[uuid.UUID]struct{}
	visited  map[string]struct{}
}

// ProximitySearch returns the entities located within s.Radius meters of
// s.Center.
func (g *Index) ProximitySearch(ctx context.Context, s Search) (*Results, error) {
	if err := ValidatePoint(s.Center); err != nil {
		return nil, err
	}
	if s.Radius <= 0 || math.IsNaN(s.Radius) {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidQuery, "radius must be positive, got %v", s.Radius)
	}
	switch {
	case s.Limit <= 0:
		s.Limit = g.cfg.DefaultLimit
	case s.Limit > g.cfg.MaxLimit:
		g.logger.Debug("clamping proximity limit", "requested", s.Limit, "max", g.cfg.MaxLimit)
		s.Limit = g.cfg.MaxLimit
	}
	sr := &searcher{
		g:        g,
		s:        s,
		found:    make(map[uuid.UUID]Hit),
		verified: make(map[uuid.UUID]*index.Entry),
		cleaned:  make(map[uuid.UUID]struct{}),
		visited:  make(map[string]struct{}),
	}
	iterations, err := sr.run(ctx)
	if g.metrics != nil {
		g.metrics.GeoIterations.Observe(float64(iterations))
	}
	if err != nil {
		return nil, err
	}
	hits := sr.page()
	res := &Results{Hits: hits, Iterations: iterations}
	if len(hits) == s.Limit {
		res.Cursor = HitCursor(hits[len(hits)-1])
	}
	return res, nil
}

func (sr *searcher) run(ctx context.Context) (int, error) {
	cfg := sr.g.cfg
	center := sr.s.Center
	level := 0
	if sr.s.Radius < maxDistance {
		level = startLevel(sr.s.Radius, center.Lat)
	}
	iterations := 0
	for ; level >= 1; level-- {
		row, col := indices(center.Lat, center.Lon, level)
		for k := 0; k <= cfg.MaxRing; k++ {
			if iterations >= cfg.MaxIterations {
				sr.g.logger.Debug("iteration budget spent, scanning whole space", "iterations", iterations)
				return iterations + 1, sr.scanAll(ctx)
			}
			iterations++
			for _, cell := range Ring(row, col, level, k) {
				if err := sr.scanCell(ctx, cell); err != nil {
					return iterations, err
				}
			}
			if sr.done(minCellMeters(level, center.Lat, k) * float64(k)) {
				return iterations, nil
			}
		}
	}
	return iterations + 1, sr.scanAll(ctx)
}

// done reports whether every hit the page needs lies inside the covered
// radius, where nothing can be missing.
func (sr *searcher) done(covered float64) bool {
	if covered >= sr.s.Radius {
		return true
	}
	if sr.s.Reversed {
		return false
	}
	hits := sr.page()
	return len(hits) == sr.s.Limit && hits[len(hits)-1].Distance <= covered
}

// scanAll visits every level-1 cell, which holds every located entity.
func (sr *searcher) scanAll(ctx context.Context) error {
	n := span(1)
	for row := 0; row < n; row++ {
		for col := 0; col < n; col++ {
			if err := sr.scanCell(ctx, encode(row, col, 1)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (sr *searcher) scanCell(ctx context.Context, cell string) error {
	if _, seen := sr.visited[cell]; seen {
		return nil
	}
	sr.visited[cell] = struct{}{}
	entries, err := sr.g.entries.ScanEquals(ctx, CellScope(sr.s.Target, sr.s.Path), codec.String(cell), 0)
	if err != nil {
		return fmt.Errorf("scanning geocell %s: %w", cell, err)
	}
	for _, e := range entries {
		if e.Point == nil {
			continue
		}
		if _, dup := sr.found[e.EntityID]; dup {
			continue
		}
		current, err := sr.current(ctx, e)
		if err != nil {
			return err
		}
		if current == nil {
			continue
		}
		d := Distance(sr.s.Center.Lat, sr.s.Center.Lon, current.Point.Lat, current.Point.Lon)
		if d > sr.s.Radius {
			continue
		}
		key, err := codec.Encode(codec.Float(d), e.EntityID, uuid.Nil)
		if err != nil {
			return err
		}
		sr.found[e.EntityID] = Hit{
			Ref:      entity.Ref{ID: e.EntityID, Type: e.EntityType},
			Point:    *current.Point,
			Distance: d,
			key:      key,
		}
	}
	return nil
}

// current checks a cell entry against the entity's newest ledger record and
// deletes the cells of older locations it turns up. It returns nil when the
// entity has no current location.
func (sr *searcher) current(ctx context.Context, e index.Entry) (*index.Entry, error) {
	newest, ok := sr.verified[e.EntityID]
	if !ok {
		locs, err := sr.g.locations(ctx, sr.s.Target, sr.s.Path, e.EntityID)
		if err != nil {
			return nil, err
		}
		for i := range locs {
			if newest == nil || locs[i].Timestamp > newest.Timestamp {
				newest = &locs[i]
			}
		}
		sr.verified[e.EntityID] = newest
	}
	if newest != nil && newest.CompositeID == e.CompositeID {
		return newest, nil
	}
	if newest == nil || e.Timestamp < newest.Timestamp {
		sr.cleanup(ctx, e)
	}
	return newest, nil
}

// cleanup removes the cells of a superseded location. Failures only delay
// the cleanup to a later search.
func (sr *searcher) cleanup(ctx context.Context, e index.Entry) {
	if _, done := sr.cleaned[e.CompositeID]; done {
		return
	}
	sr.cleaned[e.CompositeID] = struct{}{}
	stamp, err := sr.g.clock.Next()
	if err == nil {
		stale := e
		stale.Scope = ledgerScope(sr.s.Target, sr.s.Path)
		stale.Value = codec.UUID(e.EntityID)
		err = sr.g.forget(ctx, sr.s.Target, stale, stamp.Timestamp)
	}
	if err != nil {
		sr.g.logger.Warn("geocell cleanup failed", "entity", e.EntityID, "error", err)
		return
	}
	if sr.g.metrics != nil {
		sr.g.metrics.GeoCleanupsTotal.Inc()
	}
}

// page returns the hits past the cursor in result order, at most Limit.
func (sr *searcher) page() []Hit {
	hits := make([]Hit, 0, len(sr.found))
	for _, h := range sr.found {
		if c := sr.s.Cursor; len(c) > 0 {
			cmp := bytes.Compare(h.key, c)
			if (!sr.s.Reversed && cmp <= 0) || (sr.s.Reversed && cmp >= 0) {
				continue
			}
		}
		hits = append(hits, h)
	}
	slices.SortFunc(hits, func(a, b Hit) int {
		if sr.s.Reversed {
			return bytes.Compare(b.key, a.key)
		}
		return bytes.Compare(a.key, b.key)
	})
	if len(hits) > sr.s.Limit {
		hits = hits[:sr.s.Limit]
	}
	return hits
}
