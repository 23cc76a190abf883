package query

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/entity"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/geo"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/store"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/update"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nato = []string{
	"Alpha", "Bravo", "Charlie", "Delta", "Echo", "Foxtrot", "Golf", "Hotel",
	"India", "Juliet", "Kilo", "Lima", "Mike", "November", "Oscar", "Papa",
	"Quebec", "Romeo", "Sierra", "Tango", "Uniform", "Victor", "Whiskey",
	"Xray", "Yankee", "Zulu",
}

type fixture struct {
	eval   *Evaluator
	engine *update.Engine
	loader *entity.MemoryStore
	m      *metrics.Metrics
	app    uuid.UUID
	users  index.Target
	byName map[uuid.UUID]string
}

func newFixture(t testing.TB) *fixture {
	t.Helper()
	backend, err := store.OpenBadgerInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	reg, err := registry.FromSchema(config.SchemaConfig{Types: []config.TypeSchema{
		{Name: "user", Locations: []string{"location"}, NotIndexed: []string{"password"}},
		{Name: "activity", FullText: []string{"content"}},
	}})
	require.NoError(t, err)
	m := metrics.NewUnregistered()
	entries := index.NewStore(backend, m)
	clock := store.NewClock()
	g := geo.New(entries, clock, geo.Config{}, m)
	resolver := registry.NewResolver(reg, registry.NewCache(10, time.Minute), m)
	loader := entity.NewMemoryStore()
	app := uuid.New()
	return &fixture{
		eval:   NewEvaluator(entries, g, loader, resolver, Config{DefaultLimit: 10, MaxLimit: 50, Timeout: 5 * time.Second}, m),
		engine: update.NewEngine(entries, g, resolver, clock, update.Config{}, m),
		loader: loader,
		m:      m,
		app:    app,
		users:  index.Target{Owner: app, Name: "users"},
		byName: make(map[uuid.UUID]string),
	}
}

func (f *fixture) add(t testing.TB, typ string, props map[string]any, ms entity.Memberships) entity.Ref {
	t.Helper()
	ctx := context.Background()
	ref := entity.Ref{ID: uuid.New(), Type: typ}
	require.NoError(t, f.loader.Save(ctx, entity.Entity{Ref: ref, Properties: props}))
	_, err := f.engine.IndexEntity(ctx, ref, props, ms)
	require.NoError(t, err)
	if name, ok := props["name"].(string); ok {
		f.byName[ref.ID] = name
	}
	return ref
}

func (f *fixture) inUsers() entity.Memberships {
	return entity.Memberships{Collections: []entity.Collection{{Owner: f.app, Name: "users"}}}
}

func (f *fixture) addNATO(t testing.TB) {
	t.Helper()
	for i := len(nato) - 1; i >= 0; i-- {
		f.add(t, "user", map[string]any{"name": nato[i], "ordinal": i + 1}, f.inUsers())
	}
}

func (f *fixture) run(t *testing.T, text string, opts ...func(*Query)) *Results {
	t.Helper()
	q, err := Parse(text)
	require.NoError(t, err)
	for _, o := range opts {
		o(q)
	}
	res, err := f.eval.Execute(context.Background(), []index.Target{f.users}, q)
	require.NoError(t, err)
	return res
}

func (f *fixture) names(res *Results) []string {
	var out []string
	for _, id := range res.IDs {
		out = append(out, f.byName[id])
	}
	return out
}

func withLimit(n int) func(*Query)     { return func(q *Query) { q.Limit = n } }
func withCursor(c string) func(*Query) { return func(q *Query) { q.Cursor = c } }
func withLevel(l Level) func(*Query)   { return func(q *Query) { q.Level = l } }
func withReversed() func(*Query)       { return func(q *Query) { q.Reversed = true } }

func reversedCopy(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[len(in)-1-i] = s
	}
	return out
}

func TestOrderByPagesThroughNATO(t *testing.T) {
	f := newFixture(t)
	f.addNATO(t)

	for _, tt := range []struct {
		query string
		want  []string
	}{
		{"order by name", nato},
		{"select * order by name desc", reversedCopy(nato)},
	} {
		t.Run(tt.query, func(t *testing.T) {
			var got []string
			cursor := ""
			sizes := []int{}
			for page := 0; page < 3; page++ {
				res := f.run(t, tt.query, withLimit(9), withCursor(cursor))
				got = append(got, f.names(res)...)
				sizes = append(sizes, res.Size)
				cursor = res.Cursor
			}
			assert.Equal(t, []int{9, 9, 8}, sizes)
			assert.Empty(t, cursor)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReversedFlipsDirection(t *testing.T) {
	f := newFixture(t)
	f.addNATO(t)
	res := f.run(t, "order by name", withLimit(3), withReversed())
	assert.Equal(t, []string{"Zulu", "Yankee", "Xray"}, f.names(res))
	res = f.run(t, "order by name desc", withLimit(3), withReversed())
	assert.Equal(t, []string{"Alpha", "Bravo", "Charlie"}, f.names(res))
}

func TestRangePredicates(t *testing.T) {
	f := newFixture(t)
	f.addNATO(t)
	tests := []struct {
		query string
		want  []string
	}{
		{"name < 'delta'", []string{"Alpha", "Bravo", "Charlie"}},
		{"name <= 'delta'", []string{"Alpha", "Bravo", "Charlie", "Delta"}},
		{"name = 'DELTA'", []string{"Delta"}},
		{"name > 'whiskey'", []string{"Xray", "Yankee", "Zulu"}},
		{"name >= 'whiskey' and name < 'yankee'", []string{"Whiskey", "Xray"}},
		{"ordinal >= 3 and ordinal < 6", []string{"Charlie", "Delta", "Echo"}},
		{"name > 'x' and ordinal > 0", []string{"Xray", "Yankee", "Zulu"}},
		{"ordinal > 20 order by name desc", []string{"Zulu", "Yankee", "Xray", "Whiskey", "Victor", "Uniform"}},
		{"ordinal = 4.0", []string{"Delta"}},
		{"name > 'zz'", nil},
		{"name > 'm' and name < 'a'", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			res := f.run(t, tt.query, withLimit(30))
			assert.Equal(t, tt.want, f.names(res))
			assert.Empty(t, res.Cursor)
		})
	}
}

func TestNoPredicateReturnsEverything(t *testing.T) {
	f := newFixture(t)
	f.addNATO(t)
	res := f.run(t, "", withLimit(30))
	assert.Equal(t, 26, res.Size)
	seen := make(map[uuid.UUID]struct{})
	for _, id := range res.IDs {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 26)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.QueriesTotal.WithLabelValues(DriverAll, "ok")))
}

func TestLimitIsClamped(t *testing.T) {
	f := newFixture(t)
	f.addNATO(t)
	res := f.run(t, "order by name", withLimit(500))
	assert.Equal(t, 26, res.Size)
	res = f.run(t, "order by name")
	assert.Equal(t, 10, res.Size)
	assert.NotEmpty(t, res.Cursor)
}

func TestInvalidCursorRestarts(t *testing.T) {
	f := newFixture(t)
	f.addNATO(t)
	first := f.run(t, "order by name", withLimit(2))
	for _, cursor := range []string{"%%%", "bm90LWpzb24", first.Cursor} {
		res := f.run(t, "name > 'a' order by ordinal", withLimit(2), withCursor(cursor))
		assert.Equal(t, []string{"Alpha", "Bravo"}, f.names(res), cursor)
	}
}

func TestQueryRejectsBeforeScanning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, tt := range []struct {
		query string
		want  error
	}{
		{"password = 'x'", apperrors.ErrFieldNotIndexed},
		{"name contains 'xyz'", apperrors.ErrFieldNotFullTextIndexed},
		{"within 10 of 1, 2 order by name", apperrors.ErrInvalidQuery},
	} {
		q, err := Parse(tt.query)
		require.NoError(t, err)
		_, err = f.eval.Execute(ctx, []index.Target{f.users}, q)
		assert.ErrorIs(t, err, tt.want, tt.query)
	}
	_, err := f.eval.Execute(ctx, nil, &Query{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.m.QueriesTotal.WithLabelValues("invalid", "error")))
}

func TestUpdateIsVisibleThroughCollectionAndConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fan := entity.Ref{ID: uuid.New(), Type: "user"}
	ms := f.inUsers()
	ms.Sources = []entity.Connection{{Type: "likes", Peer: fan}}
	ref := f.add(t, "user", map[string]any{"name": "Bob"}, ms)

	_, err := f.engine.UpdateIndexesForProperty(ctx, update.Mutation{Entity: ref, Property: "name", Old: "Bob", New: "Robert", Memberships: ms})
	require.NoError(t, err)
	require.NoError(t, f.loader.Save(ctx, entity.Entity{Ref: ref, Properties: map[string]any{"name": "Robert"}}))

	likes := index.Target{Owner: fan.ID, Name: "connections/likes"}
	for _, target := range []index.Target{f.users, likes} {
		for _, tt := range []struct {
			query string
			want  int
		}{
			{"name = 'bob'", 0},
			{"name = 'robert'", 1},
		} {
			q, err := Parse(tt.query)
			require.NoError(t, err)
			res, err := f.eval.Execute(ctx, []index.Target{target}, q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Size, "%s in %s", tt.query, target)
		}
	}
}

func TestHandlerForConnectionTargets(t *testing.T) {
	f := newFixture(t)
	likes := []index.Target{{Owner: uuid.New(), Name: "connections/likes"}}

	assert.Equal(t, "user", f.eval.Handler([]index.Target{f.users}, &Query{}).Type)
	assert.NotEqual(t, "user", f.eval.Handler(likes, &Query{}).Type,
		"a connection name does not name the connected entity type")
	assert.Equal(t, "user", f.eval.Handler(likes, &Query{Type: "user"}).Type)
}

func TestResidualCheckHidesOutdatedEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.add(t, "user", map[string]any{"name": "Alpha", "age": 30}, f.inUsers())
	// the entity changed but its index entries were not yet updated
	require.NoError(t, f.loader.Save(ctx, entity.Entity{Ref: ref, Properties: map[string]any{"name": "Omega", "age": 30}}))

	assert.Zero(t, f.run(t, "name = 'alpha'").Size)
	assert.Zero(t, f.run(t, "order by name").Size)
	assert.Zero(t, f.run(t, "age = 30 and name = 'alpha'").Size)
	assert.Equal(t, 1, f.run(t, "age = 30").Size)

	require.NoError(t, f.loader.Delete(ctx, ref.ID))
	assert.Zero(t, f.run(t, "age = 30").Size)
}

func TestFullTextContains(t *testing.T) {
	f := newFixture(t)
	ms := entity.Memberships{Collections: []entity.Collection{{Owner: f.app, Name: "activities"}}}
	fox := f.add(t, "activity", map[string]any{"name": "fox", "content": "The quick brown fox jumps"}, ms)
	f.add(t, "activity", map[string]any{"name": "dog", "content": "A lazy dog sleeps"}, ms)
	activities := index.Target{Owner: f.app, Name: "activities"}

	for _, tt := range []struct {
		query string
		want  []uuid.UUID
	}{
		{"content contains 'foxes'", []uuid.UUID{fox.ID}},
		{"content contains 'jumping'", []uuid.UUID{fox.ID}},
		{"content contains 'qui*'", []uuid.UUID{fox.ID}},
		{"content contains 'cat'", []uuid.UUID{}},
		{"content contains 'quick' and name = 'dog'", []uuid.UUID{}},
	} {
		q, err := Parse(tt.query)
		require.NoError(t, err)
		res, err := f.eval.Execute(context.Background(), []index.Target{activities}, q)
		require.NoError(t, err, tt.query)
		assert.Equal(t, tt.want, res.IDs, tt.query)
	}
}

func TestMultipleTargetsMergeInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := index.Target{Owner: f.app, Name: "admins"}
	admins := entity.Memberships{Collections: []entity.Collection{{Owner: f.app, Name: "admins"}}}
	for i, name := range nato[:10] {
		ms := f.inUsers()
		if i%2 == 1 {
			ms = admins
		}
		f.add(t, "user", map[string]any{"name": name}, ms)
	}
	// one entity in both collections is returned once
	f.add(t, "user", map[string]any{"name": "Kilo"}, entity.Memberships{Collections: append(f.inUsers().Collections, admins.Collections...)})

	var got []string
	cursor := ""
	for page := 0; page < 5; page++ {
		q, err := Parse("order by name")
		require.NoError(t, err)
		q.Type = "user"
		q.Limit = 3
		q.Cursor = cursor
		res, err := f.eval.Execute(ctx, []index.Target{f.users, other}, q)
		require.NoError(t, err)
		got = append(got, f.names(res)...)
		cursor = res.Cursor
		if cursor == "" {
			break
		}
	}
	assert.Equal(t, nato[:11], got)
}

func TestWithinQuery(t *testing.T) {
	f := newFixture(t)
	near := f.add(t, "user", map[string]any{
		"name":     "near",
		"kind":     "cafe",
		"location": map[string]any{"latitude": 37.776753, "longitude": -122.407846},
	}, f.inUsers())
	f.add(t, "user", map[string]any{
		"name":     "far",
		"kind":     "cafe",
		"location": map[string]any{"latitude": 31.1, "longitude": 121.2},
	}, f.inUsers())

	res := f.run(t, "within 400 of 37.774277, -122.404744")
	assert.Equal(t, []uuid.UUID{near.ID}, res.IDs)
	require.Len(t, res.Distances, 1)
	assert.InDelta(t, 387, res.Distances[0], 5)

	assert.Zero(t, f.run(t, "location within 200 of 37.774277, -122.404744").Size)
	assert.Equal(t, []string{"near", "far"}, f.names(f.run(t, "within 30000000 of 37.774277, -122.404744 and kind = 'cafe'")))
	assert.Zero(t, f.run(t, "within 30000000 of 37.774277, -122.404744 and kind = 'bar'").Size)
}

func TestResultLevels(t *testing.T) {
	f := newFixture(t)
	ref := f.add(t, "user", map[string]any{"name": "Alpha"}, f.inUsers())

	res := f.run(t, "name = 'alpha'")
	assert.Equal(t, []uuid.UUID{ref.ID}, res.IDs)
	assert.Nil(t, res.Refs)
	assert.Nil(t, res.Entities)

	res = f.run(t, "name = 'alpha'", withLevel(LevelRefs))
	assert.Equal(t, []entity.Ref{ref}, res.Refs)

	res = f.run(t, "name = 'alpha'", withLevel(LevelProperties))
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "Alpha", res.Entities[0].Properties["name"])
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"": LevelIDs, "ids": LevelIDs, "REFS": LevelRefs, "properties": LevelProperties} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseLevel("everything")
	assert.ErrorIs(t, err, apperrors.ErrInvalidQuery)
	assert.True(t, strings.Contains(err.Error(), "everything"))
}
