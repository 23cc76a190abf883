package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/codec"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/entity"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/geo"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/resilience"
	"golang.org/x/sync/errgroup"
)

// Listener observes batches after Apply, whether or not every scope
// succeeded.
type Listener interface {
	BatchApplied(ctx context.Context, b *Batch)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, b *Batch)

func (f ListenerFunc) BatchApplied(ctx context.Context, b *Batch) { f(ctx, b) }

// Config tunes Apply.
type Config struct {
	Retry            resilience.RetryConfig
	WriteConcurrency int
}

// Engine computes, stages and applies index updates.
type Engine struct {
	entries   *index.Store
	geo       *geo.Index
	resolver  *registry.Resolver
	clock     *store.Clock
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
	mu        sync.RWMutex
	listeners []Listener
}

func NewEngine(entries *index.Store, geoIndex *geo.Index, resolver *registry.Resolver, clock *store.Clock, cfg Config, m *metrics.Metrics) *Engine {
	if cfg.WriteConcurrency <= 0 {
		cfg.WriteConcurrency = 8
	}
	e := &Engine{
		entries:  entries,
		geo:      geoIndex,
		resolver: resolver,
		clock:    clock,
		cfg:      cfg,
		metrics:  m,
		logger:   slog.Default().With("component", "update-engine"),
	}
	e.cfg.Retry.Retryable = retryable
	e.cfg.Retry.OnRetry = func(int, error) {
		if m != nil {
			m.IndexWriteRetries.Inc()
		}
	}
	return e
}

// AddListener registers l for every later batch.
func (e *Engine) AddListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// retryable treats backing-store failures as transient and everything the
// index layer itself rejected as permanent.
func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, apperrors.ErrCorruptIndexEntry) &&
		!errors.Is(err, apperrors.ErrInvalidLocation) &&
		!errors.Is(err, apperrors.ErrInvalidInput)
}

// Targets lists every (owner, collection-or-connection) the entity is
// indexed under: its collections, "connections/<type>" under each entity
// that connects to it, and "connecting/<type>" under each entity it
// connects to.
func Targets(m entity.Memberships) []index.Target {
	out := make([]index.Target, 0, len(m.Collections)+len(m.Sources)+len(m.Targets))
	seen := make(map[index.Target]struct{})
	add := func(t index.Target) {
		if _, dup := seen[t]; dup {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	for _, c := range m.Collections {
		add(index.Target{Owner: c.Owner, Name: c.Name})
	}
	for _, c := range m.Sources {
		add(index.Target{Owner: c.Peer.ID, Name: "connections/" + c.Type})
	}
	for _, c := range m.Targets {
		add(index.Target{Owner: c.Peer.ID, Name: "connecting/" + c.Type})
	}
	return out
}

// UpdateIndexesForProperty runs one mutation through Compute, Stage and
// Apply.
func (e *Engine) UpdateIndexesForProperty(ctx context.Context, m Mutation) (*Result, error) {
	b, err := e.Compute(ctx, m)
	if err != nil {
		return nil, err
	}
	if err := e.Stage(ctx, b); err != nil {
		return nil, err
	}
	err = e.Apply(ctx, b)
	return &Result{Batch: b, PreviousEntries: b.Previous}, err
}

// Compute resolves the property's metadata, the affected targets and the
// typed values, and enforces uniqueness. Nothing is written.
func (e *Engine) Compute(ctx context.Context, m Mutation) (*Batch, error) {
	if m.Property == "" {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "mutation of %s without a property", m.Entity)
	}
	stamp, err := e.clock.Next()
	if err != nil {
		return nil, err
	}
	b := &Batch{
		Entity:   m.Entity,
		Property: m.Property,
		Stamp:    stamp,
		Info:     e.resolver.Property(m.Entity.Type, m.Property),
		Targets:  Targets(m.Memberships),
	}
	if b.Info.NotIndexed {
		b.State = StateComputed
		return b, nil
	}
	if b.Info.Location {
		if err := b.computeLocation(m); err != nil {
			return nil, err
		}
		b.State = StateComputed
		return b, nil
	}
	if b.Old, err = indexValues(m.Old); err != nil {
		return nil, fmt.Errorf("old value of %s.%s: %w", m.Entity, m.Property, err)
	}
	if b.New, err = indexValues(m.New); err != nil {
		return nil, fmt.Errorf("new value of %s.%s: %w", m.Entity, m.Property, err)
	}
	if b.Info.Unique {
		if err := e.checkUnique(ctx, b, m.Memberships); err != nil {
			return nil, err
		}
	}
	b.State = StateComputed
	return b, nil
}

func (b *Batch) computeLocation(m Mutation) error {
	if m.New != nil {
		p, ok := geo.ParsePoint(m.New)
		if !ok {
			return apperrors.Wrapf(apperrors.ErrInvalidLocation, "%s.%s is not a location", m.Entity, m.Property)
		}
		if err := geo.ValidatePoint(p); err != nil {
			return err
		}
		b.newPoint = &p
	}
	if p, ok := geo.ParsePoint(m.Old); ok {
		b.oldPoint = &p
	}
	return nil
}

// checkUnique rejects the batch when another entity already holds one of
// the new values in any of the entity's collections.
func (e *Engine) checkUnique(ctx context.Context, b *Batch, ms entity.Memberships) error {
	for _, c := range ms.Collections {
		scope := index.Scope{Owner: c.Owner, Name: c.Name, Property: b.Property}
		for _, v := range b.New {
			holders, err := e.entries.ScanEquals(ctx, scope, v, 0)
			if err != nil {
				return fmt.Errorf("checking uniqueness of %s: %w", scope, err)
			}
			for _, h := range holders {
				// The scan matches numbers on their float64 prefix; large
				// integers sharing one are still distinct values.
				if h.EntityID != b.Entity.ID && codec.CompareLoose(h.Value, v) == 0 {
					return apperrors.Wrapf(apperrors.ErrDuplicateUniqueProperty,
						"%s %q already used by %s in %s", b.Property, v.String(), h.EntityID, c.Name)
				}
			}
		}
	}
	return nil
}

// Stage audits the current entries of the entity and derives the writes and
// the previous entries they supersede.
func (e *Engine) Stage(ctx context.Context, b *Batch) error {
	if b.State != StateComputed {
		return fmt.Errorf("staging batch in state %s", b.State)
	}
	if b.Info.NotIndexed {
		b.State = StateStaged
		return nil
	}
	if b.Info.Location {
		for _, t := range b.Targets {
			if b.newPoint != nil || b.oldPoint != nil {
				b.Locations = append(b.Locations, LocationOp{Target: t, Point: b.newPoint})
			}
		}
		b.State = StateStaged
		return nil
	}
	for _, t := range b.Targets {
		if err := e.stageScope(ctx, b, t.Scope(b.Property), b.Old, b.New); err != nil {
			return err
		}
		if b.Info.FullText {
			kwScope := t.Scope(b.Property + KeywordSuffix)
			if err := e.stageScope(ctx, b, kwScope, keywordValues(b.Old), keywordValues(b.New)); err != nil {
				return err
			}
		}
	}
	b.State = StateStaged
	return nil
}

// stageScope compares the entity's live entries for the old and new values
// with the new values. Entries that already carry a new value are kept,
// the rest become Previous. A live entry newer than the batch means a later
// mutation already won this scope, and the scope is left alone.
func (e *Engine) stageScope(ctx context.Context, b *Batch, scope index.Scope, oldValues, newValues []codec.Value) error {
	current, err := e.audit(ctx, scope, b.Entity, append(append([]codec.Value(nil), oldValues...), newValues...))
	if err != nil {
		return err
	}
	for _, c := range current {
		if c.Timestamp > b.Stamp.Timestamp {
			e.logger.Debug("newer entry present, leaving scope untouched",
				"scope", scope.String(),
				"entity", b.Entity.ID,
			)
			return nil
		}
	}
	var kept []codec.Value
	for _, c := range current {
		if containsExact(newValues, c.Value) && !containsExact(kept, c.Value) {
			kept = append(kept, c.Value)
			continue
		}
		b.Previous = append(b.Previous, c)
	}
	for _, v := range newValues {
		if containsExact(kept, v) {
			continue
		}
		b.Writes = append(b.Writes, index.Entry{
			Scope:       scope,
			Path:        b.Property,
			Value:       v,
			EntityID:    b.Entity.ID,
			EntityType:  b.Entity.Type,
			Timestamp:   b.Stamp.Timestamp,
			CompositeID: b.Stamp.UUID,
		})
	}
	return nil
}

// audit returns the entity's live entries in scope for any of values,
// without duplicates.
func (e *Engine) audit(ctx context.Context, scope index.Scope, ref entity.Ref, values []codec.Value) ([]index.Entry, error) {
	var out []index.Entry
	seen := make(map[string]struct{})
	for _, v := range values {
		entries, err := e.entries.ScanEquals(ctx, scope, v, 0)
		if err != nil {
			return nil, fmt.Errorf("auditing %s: %w", scope, err)
		}
		for _, en := range entries {
			if en.EntityID != ref.ID {
				continue
			}
			key, err := en.Key()
			if err != nil {
				return nil, err
			}
			if _, dup := seen[string(key)]; dup {
				continue
			}
			seen[string(key)] = struct{}{}
			out = append(out, en)
		}
	}
	return out, nil
}

type scopeWrites struct {
	scope   index.Scope
	entries []index.Entry
}

func groupByScope(entries []index.Entry) []scopeWrites {
	var out []scopeWrites
	pos := make(map[index.Scope]int)
	for _, en := range entries {
		i, ok := pos[en.Scope]
		if !ok {
			i = len(out)
			pos[en.Scope] = i
			out = append(out, scopeWrites{scope: en.Scope})
		}
		out[i].entries = append(out[i].entries, en)
	}
	return out
}

// Apply writes the new entries of every scope concurrently, then marks the
// previous entries stale in the scopes whose writes landed. A failed scope
// does not undo the others; its error is reported as ErrIndexWriteFailed.
// Applying the same batch again rewrites identical cells.
func (e *Engine) Apply(ctx context.Context, b *Batch) error {
	if b.State != StateStaged && b.State != StateApplied {
		return fmt.Errorf("applying batch in state %s", b.State)
	}
	var (
		mu     sync.Mutex
		failed = make(map[index.Scope]error)
	)
	fail := func(scope index.Scope, err error) {
		mu.Lock()
		failed[scope] = err
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.WriteConcurrency)
	for _, sw := range groupByScope(b.Writes) {
		g.Go(func() error {
			if err := e.retry(ctx, "put "+sw.scope.String(), func() error {
				for _, en := range sw.entries {
					if err := e.entries.Put(ctx, en); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
				fail(sw.scope, err)
			}
			return nil
		})
	}
	for _, op := range b.Locations {
		g.Go(func() error {
			scope := geo.CellScope(op.Target, b.Property)
			if err := e.retry(ctx, "locate "+scope.String(), func() error {
				if op.Point == nil {
					return e.geo.RemoveLocation(ctx, op.Target, b.Entity, b.Property, b.Stamp.Timestamp)
				}
				return e.geo.StoreLocation(ctx, op.Target, b.Entity, b.Property, *op.Point, b.Stamp)
			}); err != nil {
				fail(scope, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	// unwritten is read while the stale goroutines below write failed.
	unwritten := make(map[index.Scope]struct{}, len(failed))
	for scope := range failed {
		unwritten[scope] = struct{}{}
	}
	var stale errgroup.Group
	stale.SetLimit(e.cfg.WriteConcurrency)
	for _, sw := range groupByScope(b.Previous) {
		if _, bad := unwritten[sw.scope]; bad {
			continue
		}
		stale.Go(func() error {
			if err := e.retry(ctx, "stale "+sw.scope.String(), func() error {
				for _, en := range sw.entries {
					if err := e.entries.MarkStale(ctx, en, b.Stamp.Timestamp); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
				fail(sw.scope, err)
			}
			return nil
		})
	}
	_ = stale.Wait()

	b.State = StateApplied
	b.Failed = b.Failed[:0]
	var errs []error
	for scope, err := range failed {
		b.Failed = append(b.Failed, scope)
		errs = append(errs, apperrors.Newf(apperrors.ErrIndexWriteFailed, 0, "%s: %v", scope, err))
	}
	outcome := "applied"
	if len(errs) > 0 {
		outcome = "partial"
		e.logger.Error("index update partially applied",
			"entity", b.Entity.String(),
			"property", b.Property,
			"failed_scopes", len(errs),
		)
	}
	if e.metrics != nil {
		e.metrics.UpdateBatchesTotal.WithLabelValues(outcome).Inc()
	}
	e.notify(ctx, b)
	return errors.Join(errs...)
}

func (e *Engine) retry(ctx context.Context, name string, fn func() error) error {
	return resilience.Retry(ctx, name, e.cfg.Retry, fn)
}

func (e *Engine) notify(ctx context.Context, b *Batch) {
	e.mu.RLock()
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.RUnlock()
	for _, l := range listeners {
		l.BatchApplied(ctx, b)
	}
}
