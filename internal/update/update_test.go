package update

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/codec"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/entity"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/geo"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/store"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/resilience"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore rejects every write whose row contains fragment.
type failingStore struct {
	store.Store
	fragment []byte
	attempts atomic.Int32
}

func (f *failingStore) Put(ctx context.Context, row, key, value []byte, ts uint64) error {
	if bytes.Contains(row, f.fragment) {
		f.attempts.Add(1)
		return errors.New("injected write failure")
	}
	return f.Store.Put(ctx, row, key, value, ts)
}

type fixture struct {
	engine  *Engine
	entries *index.Store
	geo     *geo.Index
	m       *metrics.Metrics
}

func newFixture(t *testing.T, wrap func(store.Store) store.Store) *fixture {
	t.Helper()
	backend, err := store.OpenBadgerInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	var s store.Store = backend
	if wrap != nil {
		s = wrap(backend)
	}
	reg, err := registry.FromSchema(config.SchemaConfig{Types: []config.TypeSchema{
		{
			Name:       "user",
			Unique:     []string{"username"},
			Locations:  []string{"location"},
			NotIndexed: []string{"password"},
		},
		{Name: "activity", FullText: []string{"content"}},
	}})
	require.NoError(t, err)
	m := metrics.NewUnregistered()
	entries := index.NewStore(s, m)
	clock := store.NewClock()
	g := geo.New(entries, clock, geo.Config{}, m)
	resolver := registry.NewResolver(reg, registry.NewCache(10, time.Minute), m)
	cfg := Config{Retry: resilience.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}}
	return &fixture{
		engine:  NewEngine(entries, g, resolver, clock, cfg, m),
		entries: entries,
		geo:     g,
		m:       m,
	}
}

func (f *fixture) ids(t *testing.T, scope index.Scope, v any) []uuid.UUID {
	t.Helper()
	val, err := codec.FromAny(v)
	require.NoError(t, err)
	found, err := f.entries.ScanEquals(context.Background(), scope, val, 0)
	require.NoError(t, err)
	var out []uuid.UUID
	for _, e := range found {
		out = append(out, e.EntityID)
	}
	return out
}

func TestTargets(t *testing.T) {
	owner := uuid.New()
	src := entity.Ref{ID: uuid.New(), Type: "user"}
	dst := entity.Ref{ID: uuid.New(), Type: "restaurant"}
	got := Targets(entity.Memberships{
		Collections: []entity.Collection{{Owner: owner, Name: "users"}, {Owner: owner, Name: "users"}},
		Sources:     []entity.Connection{{Type: "likes", Peer: src}},
		Targets:     []entity.Connection{{Type: "likes", Peer: dst}},
	})
	assert.Equal(t, []index.Target{
		{Owner: owner, Name: "users"},
		{Owner: src.ID, Name: "connections/likes"},
		{Owner: dst.ID, Name: "connecting/likes"},
	}, got)
}

func TestUpdateThroughCollectionAndConnection(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	app := uuid.New()
	user := entity.Ref{ID: uuid.New(), Type: "user"}
	fan := entity.Ref{ID: uuid.New(), Type: "user"}
	ms := entity.Memberships{
		Collections: []entity.Collection{{Owner: app, Name: "users"}},
		Sources:     []entity.Connection{{Type: "likes", Peer: fan}},
	}
	users := index.Scope{Owner: app, Name: "users", Property: "title"}
	likes := index.Scope{Owner: fan.ID, Name: "connections/likes", Property: "title"}

	_, err := f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: user, Property: "title", New: "Engineer", Memberships: ms})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{user.ID}, f.ids(t, users, "engineer"))
	assert.Equal(t, []uuid.UUID{user.ID}, f.ids(t, likes, "Engineer"))

	res, err := f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: user, Property: "title", Old: "Engineer", New: "Manager", Memberships: ms})
	require.NoError(t, err)
	assert.Equal(t, StateApplied, res.Batch.State)
	for _, scope := range []index.Scope{users, likes} {
		assert.Empty(t, f.ids(t, scope, "Engineer"), scope.String())
		assert.Equal(t, []uuid.UUID{user.ID}, f.ids(t, scope, "Manager"), scope.String())
	}

	collection := 0
	for _, p := range res.PreviousEntries {
		assert.Equal(t, "Engineer", p.Value.Str)
		if p.Scope == users {
			collection++
		}
	}
	assert.Equal(t, 1, collection)
	assert.Len(t, res.PreviousEntries, 2)
}

func TestDuplicateUniqueIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ms := entity.Memberships{Collections: []entity.Collection{{Owner: uuid.New(), Name: "users"}}}
	first := entity.Ref{ID: uuid.New(), Type: "user"}
	second := entity.Ref{ID: uuid.New(), Type: "user"}

	_, err := f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: first, Property: "username", New: "edanuff", Memberships: ms})
	require.NoError(t, err)
	// the same entity may rewrite its own value
	_, err = f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: first, Property: "username", Old: "edanuff", New: "edanuff", Memberships: ms})
	require.NoError(t, err)

	_, err = f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: second, Property: "username", New: "EdAnuff", Memberships: ms})
	assert.ErrorIs(t, err, apperrors.ErrDuplicateUniqueProperty)
	assert.Equal(t, http.StatusConflict, apperrors.HTTPStatusCode(err))
	assert.Equal(t, []uuid.UUID{first.ID}, f.ids(t, index.Scope{Owner: ms.Collections[0].Owner, Name: "users", Property: "username"}, "edanuff"))
}

func TestUniqueIntegersBeyondFloatPrecision(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ms := entity.Memberships{Collections: []entity.Collection{{Owner: uuid.New(), Name: "users"}}}
	first := entity.Ref{ID: uuid.New(), Type: "user"}
	second := entity.Ref{ID: uuid.New(), Type: "user"}

	_, err := f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: first, Property: "username", New: int64(1<<53 + 1), Memberships: ms})
	require.NoError(t, err)
	_, err = f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: second, Property: "username", New: int64(1 << 53), Memberships: ms})
	require.NoError(t, err)

	third := entity.Ref{ID: uuid.New(), Type: "user"}
	_, err = f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: third, Property: "username", New: int64(1<<53 + 1), Memberships: ms})
	assert.ErrorIs(t, err, apperrors.ErrDuplicateUniqueProperty)
}

func TestApplyTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	app := uuid.New()
	user := entity.Ref{ID: uuid.New(), Type: "user"}
	ms := entity.Memberships{Collections: []entity.Collection{{Owner: app, Name: "users"}}}
	scope := index.Scope{Owner: app, Name: "users", Property: "age"}

	_, err := f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: user, Property: "age", New: 30, Memberships: ms})
	require.NoError(t, err)

	b, err := f.engine.Compute(ctx, Mutation{Entity: user, Property: "age", Old: 30, New: 31, Memberships: ms})
	require.NoError(t, err)
	require.NoError(t, f.engine.Stage(ctx, b))
	require.NoError(t, f.engine.Apply(ctx, b))
	before, err := f.entries.ScanRange(ctx, scope, index.Range{IncludeStale: true})
	require.NoError(t, err)
	require.NoError(t, f.engine.Apply(ctx, b))
	after, err := f.entries.ScanRange(ctx, scope, index.Range{IncludeStale: true})
	require.NoError(t, err)

	assert.Equal(t, before, after)
	assert.Empty(t, f.ids(t, scope, 30))
	assert.Equal(t, []uuid.UUID{user.ID}, f.ids(t, scope, 31.0))
}

func TestStageRequiresComputedBatch(t *testing.T) {
	f := newFixture(t, nil)
	assert.Error(t, f.engine.Stage(context.Background(), &Batch{}))
	assert.Error(t, f.engine.Apply(context.Background(), &Batch{State: StateComputed}))
}

func TestOlderMutationLeavesScopeAlone(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	app := uuid.New()
	user := entity.Ref{ID: uuid.New(), Type: "user"}
	ms := entity.Memberships{Collections: []entity.Collection{{Owner: app, Name: "users"}}}
	scope := index.Scope{Owner: app, Name: "users", Property: "title"}

	older, err := f.engine.Compute(ctx, Mutation{Entity: user, Property: "title", Old: "a", New: "b", Memberships: ms})
	require.NoError(t, err)
	_, err = f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: user, Property: "title", New: "a", Memberships: ms})
	require.NoError(t, err)

	require.NoError(t, f.engine.Stage(ctx, older))
	assert.Empty(t, older.Writes)
	assert.Empty(t, older.Previous)
	assert.Equal(t, []uuid.UUID{user.ID}, f.ids(t, scope, "a"))
}

func TestNotIndexedAndInvalidValues(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	app := uuid.New()
	user := entity.Ref{ID: uuid.New(), Type: "user"}
	ms := entity.Memberships{Collections: []entity.Collection{{Owner: app, Name: "users"}}}

	res, err := f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: user, Property: "password", New: "hunter2", Memberships: ms})
	require.NoError(t, err)
	assert.True(t, res.Batch.Skipped())
	assert.Empty(t, f.ids(t, index.Scope{Owner: app, Name: "users", Property: "password"}, "hunter2"))

	_, err = f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: user, Property: "prefs", New: []any{map[string]any{"a": 1}}, Memberships: ms})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: user, Property: "location", New: "downtown", Memberships: ms})
	assert.ErrorIs(t, err, apperrors.ErrInvalidLocation)

	_, err = f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: user, Memberships: ms})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestArraysIndexEveryElement(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	app := uuid.New()
	user := entity.Ref{ID: uuid.New(), Type: "user"}
	ms := entity.Memberships{Collections: []entity.Collection{{Owner: app, Name: "users"}}}
	scope := index.Scope{Owner: app, Name: "users", Property: "tags"}

	_, err := f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: user, Property: "tags", New: []any{"go", "db"}, Memberships: ms})
	require.NoError(t, err)
	_, err = f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: user, Property: "tags", Old: []any{"go", "db"}, New: []any{"go", "geo"}, Memberships: ms})
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{user.ID}, f.ids(t, scope, "go"))
	assert.Empty(t, f.ids(t, scope, "db"))
	assert.Equal(t, []uuid.UUID{user.ID}, f.ids(t, scope, "geo"))
}

func TestFullTextProjectsKeywords(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	app := uuid.New()
	post := entity.Ref{ID: uuid.New(), Type: "activity"}
	ms := entity.Memberships{Collections: []entity.Collection{{Owner: app, Name: "activities"}}}
	keywords := index.Scope{Owner: app, Name: "activities", Property: "content" + KeywordSuffix}

	_, err := f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: post, Property: "content", New: "The quick brown fox", Memberships: ms})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{post.ID}, f.ids(t, keywords, "fox"))
	assert.Equal(t, []uuid.UUID{post.ID}, f.ids(t, keywords, "quick"))
	assert.Empty(t, f.ids(t, keywords, "the"))

	_, err = f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: post, Property: "content", Old: "The quick brown fox", New: "A lazy fox", Memberships: ms})
	require.NoError(t, err)
	assert.Empty(t, f.ids(t, keywords, "quick"))
	assert.Equal(t, []uuid.UUID{post.ID}, f.ids(t, keywords, "fox"))
	assert.Equal(t, []uuid.UUID{post.ID}, f.ids(t, keywords, "lazy"))
}

func TestLocationIsRoutedToGeoIndex(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	app := uuid.New()
	user := entity.Ref{ID: uuid.New(), Type: "user"}
	ms := entity.Memberships{Collections: []entity.Collection{{Owner: app, Name: "users"}}}
	target := index.Target{Owner: app, Name: "users"}
	center := index.Point{Lat: 37.774277, Lon: -122.404744}
	loc := map[string]any{"latitude": 37.776753, "longitude": -122.407846}

	count := func(radius float64) int {
		res, err := f.geo.ProximitySearch(ctx, geo.Search{Target: target, Path: "location", Center: center, Radius: radius})
		require.NoError(t, err)
		return len(res.Hits)
	}

	_, err := f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: user, Property: "location", New: loc, Memberships: ms})
	require.NoError(t, err)
	assert.Equal(t, 1, count(400))
	assert.Equal(t, 0, count(200))

	_, err = f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: user, Property: "location", Old: loc, Memberships: ms})
	require.NoError(t, err)
	assert.Equal(t, 0, count(math.MaxFloat64))
}

func TestPartialFailureKeepsOtherScopes(t *testing.T) {
	var failing *failingStore
	f := newFixture(t, func(s store.Store) store.Store {
		failing = &failingStore{Store: s, fragment: []byte("connections/likes")}
		return failing
	})
	ctx := context.Background()
	app := uuid.New()
	user := entity.Ref{ID: uuid.New(), Type: "user"}
	fan := entity.Ref{ID: uuid.New(), Type: "user"}
	ms := entity.Memberships{
		Collections: []entity.Collection{{Owner: app, Name: "users"}},
		Sources:     []entity.Connection{{Type: "likes", Peer: fan}},
	}

	res, err := f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: user, Property: "title", New: "Engineer", Memberships: ms})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrIndexWriteFailed)
	require.NotNil(t, res)
	assert.Equal(t, []index.Scope{{Owner: fan.ID, Name: "connections/likes", Property: "title"}}, res.Batch.Failed)
	assert.Equal(t, int32(2), failing.attempts.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.IndexWriteRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.UpdateBatchesTotal.WithLabelValues("partial")))

	assert.Equal(t, []uuid.UUID{user.ID}, f.ids(t, index.Scope{Owner: app, Name: "users", Property: "title"}, "Engineer"))
}

// Run with -race: stale marks failing in many scopes at once must be
// reported, not crash the engine.
func TestStaleMarkFailuresAcrossManyScopes(t *testing.T) {
	f := newFixture(t, func(s store.Store) store.Store {
		return &failingStore{Store: s, fragment: []byte("stale-ledger")}
	})
	f.engine.cfg.Retry.MaxAttempts = 1
	f.engine.cfg.WriteConcurrency = 2
	ctx := context.Background()
	user := entity.Ref{ID: uuid.New(), Type: "user"}
	var ms entity.Memberships
	for i := 0; i < 300; i++ {
		ms.Sources = append(ms.Sources, entity.Connection{Type: "likes", Peer: entity.Ref{ID: uuid.New(), Type: "user"}})
	}

	_, err := f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: user, Property: "title", New: "a", Memberships: ms})
	require.NoError(t, err)

	res, err := f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: user, Property: "title", Old: "a", New: "b", Memberships: ms})
	assert.ErrorIs(t, err, apperrors.ErrIndexWriteFailed)
	require.NotNil(t, res)
	assert.Len(t, res.Batch.Failed, 300)
	assert.Equal(t, StateApplied, res.Batch.State)
	peer := ms.Sources[0].Peer.ID
	assert.Equal(t, []uuid.UUID{user.ID}, f.ids(t, index.Scope{Owner: peer, Name: "connections/likes", Property: "title"}, "b"))
}

func TestListenersSeeAppliedBatches(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	var seen []string
	f.engine.AddListener(ListenerFunc(func(_ context.Context, b *Batch) {
		seen = append(seen, b.Property+":"+b.State.String())
	}))
	ms := entity.Memberships{Collections: []entity.Collection{{Owner: uuid.New(), Name: "users"}}}
	_, err := f.engine.UpdateIndexesForProperty(ctx, Mutation{Entity: entity.Ref{ID: uuid.New(), Type: "user"}, Property: "title", New: "x", Memberships: ms})
	require.NoError(t, err)
	assert.Equal(t, []string{"title:applied"}, seen)
}

func TestIndexAndDeindexEntity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	app := uuid.New()
	ms := entity.Memberships{Collections: []entity.Collection{{Owner: app, Name: "users"}}}
	user := entity.Ref{ID: uuid.New(), Type: "user"}
	props := map[string]any{
		"username": "edanuff",
		"password": "hunter2",
		"address":  map[string]any{"city": "San Francisco"},
		"location": map[string]any{"latitude": 37.776753, "longitude": -122.407846},
	}
	scope := func(p string) index.Scope { return index.Scope{Owner: app, Name: "users", Property: p} }

	_, err := f.engine.IndexEntity(ctx, user, props, ms)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{user.ID}, f.ids(t, scope(UUIDProperty), user.ID))
	assert.Equal(t, []uuid.UUID{user.ID}, f.ids(t, scope("username"), "edanuff"))
	assert.Equal(t, []uuid.UUID{user.ID}, f.ids(t, scope("address.city"), "san francisco"))
	assert.Empty(t, f.ids(t, scope("password"), "hunter2"))

	// a second entity with the same username is rejected before any write
	other := entity.Ref{ID: uuid.New(), Type: "user"}
	_, err = f.engine.IndexEntity(ctx, other, map[string]any{"username": "edanuff"}, ms)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateUniqueProperty)
	assert.Empty(t, f.ids(t, scope(UUIDProperty), other.ID))

	_, err = f.engine.DeindexEntity(ctx, user, props, ms)
	require.NoError(t, err)
	assert.Empty(t, f.ids(t, scope(UUIDProperty), user.ID))
	assert.Empty(t, f.ids(t, scope("username"), "edanuff"))
	assert.Empty(t, f.ids(t, scope("address.city"), "San Francisco"))
	res, err := f.geo.ProximitySearch(ctx, geo.Search{Target: index.Target{Owner: app, Name: "users"}, Path: "location", Center: index.Point{Lat: 37.77, Lon: -122.4}, Radius: math.MaxFloat64})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
}
