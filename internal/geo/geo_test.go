package geo

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/entity"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/store"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var center = index.Point{Lat: 37.774277, Lon: -122.404744}

type fixture struct {
	geo     *Index
	entries *index.Store
	clock   *store.Clock
	m       *metrics.Metrics
	target  index.Target
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend, err := store.OpenBadgerInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	m := metrics.NewUnregistered()
	entries := index.NewStore(backend, m)
	clock := store.NewClock()
	return &fixture{
		geo:     New(entries, clock, Config{}, m),
		entries: entries,
		clock:   clock,
		m:       m,
		target:  index.Target{Owner: uuid.New(), Name: "users"},
	}
}

func (f *fixture) store(t *testing.T, target index.Target, ref entity.Ref, lat, lon float64) {
	t.Helper()
	stamp, err := f.clock.Next()
	require.NoError(t, err)
	require.NoError(t, f.geo.StoreLocation(context.Background(), target, ref, "location", index.Point{Lat: lat, Lon: lon}, stamp))
}

func (f *fixture) count(t *testing.T, target index.Target, at index.Point, radius float64) int {
	t.Helper()
	res, err := f.geo.ProximitySearch(context.Background(), Search{
		Target: target,
		Path:   "location",
		Center: at,
		Radius: radius,
		Limit:  100,
	})
	require.NoError(t, err)
	return len(res.Hits)
}

func newRef(typ string) entity.Ref {
	return entity.Ref{ID: uuid.New(), Type: typ}
}

func TestProximitySearchRadius(t *testing.T) {
	f := newFixture(t)
	user := newRef("user")
	f.store(t, f.target, user, 37.776753, -122.407846)

	assert.Equal(t, 0, f.count(t, f.target, center, 200))
	assert.Equal(t, 1, f.count(t, f.target, center, 400))

	far := newRef("user")
	f.store(t, f.target, far, 31.1, 121.2)
	assert.Equal(t, 1, f.count(t, f.target, center, 10000))
	assert.Equal(t, 2, f.count(t, f.target, center, math.MaxFloat64))

	stamp, err := f.clock.Next()
	require.NoError(t, err)
	require.NoError(t, f.geo.RemoveLocation(context.Background(), f.target, user, "location", stamp.Timestamp))
	assert.Equal(t, 0, f.count(t, f.target, center, 400))
	assert.Equal(t, 1, f.count(t, f.target, center, math.MaxFloat64))
}

func TestProximitySearchInConnectionScope(t *testing.T) {
	f := newFixture(t)
	user := newRef("user")
	restaurant := newRef("restaurant")
	likes := index.Target{Owner: user.ID, Name: "connections/likes"}
	f.store(t, likes, restaurant, 37.779632, -122.395131)

	assert.Equal(t, 1, f.count(t, likes, center, 2000))
	assert.Equal(t, 0, f.count(t, likes, center, 1000))
	// the collection scope never saw the restaurant
	assert.Equal(t, 0, f.count(t, f.target, center, 2000))
}

func TestStoreLocationMovesEntity(t *testing.T) {
	f := newFixture(t)
	user := newRef("user")
	f.store(t, f.target, user, 37.776753, -122.407846)
	f.store(t, f.target, user, 40.7128, -74.0060)

	assert.Equal(t, 0, f.count(t, f.target, center, 1000))
	assert.Equal(t, 1, f.count(t, f.target, index.Point{Lat: 40.7130, Lon: -74.0062}, 1000))
	assert.Equal(t, 1, f.count(t, f.target, center, math.MaxFloat64))
	assert.Zero(t, testutil.ToFloat64(f.m.GeoCleanupsTotal))
}

func TestStoreLocationIsIdempotent(t *testing.T) {
	f := newFixture(t)
	user := newRef("user")
	stamp, err := f.clock.Next()
	require.NoError(t, err)
	p := index.Point{Lat: 37.776753, Lon: -122.407846}
	ctx := context.Background()
	require.NoError(t, f.geo.StoreLocation(ctx, f.target, user, "location", p, stamp))
	require.NoError(t, f.geo.StoreLocation(ctx, f.target, user, "location", p, stamp))

	res, err := f.geo.ProximitySearch(ctx, Search{Target: f.target, Path: "location", Center: center, Radius: 400})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, user, res.Hits[0].Ref)
	assert.InDelta(t, 387, res.Hits[0].Distance, 5)
}

func TestOrphanCellsAreCleanedUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ghost := newRef("user")
	stamp, err := f.clock.Next()
	require.NoError(t, err)
	p := index.Point{Lat: 37.776753, Lon: -122.407846}
	loc := index.Entry{
		Path:        "location",
		EntityID:    ghost.ID,
		EntityType:  ghost.Type,
		Timestamp:   stamp.Timestamp,
		CompositeID: stamp.UUID,
		Point:       &p,
	}
	// cells without a ledger record, as left by an interrupted removal
	for _, e := range cellEntries(f.target, loc) {
		require.NoError(t, f.entries.Put(ctx, e))
	}

	assert.Equal(t, 0, f.count(t, f.target, center, 400))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.GeoCleanupsTotal))

	left, err := f.entries.ScanRange(ctx, CellScope(f.target, "location"), index.Range{})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestProximityPaging(t *testing.T) {
	for _, rev := range []bool{false, true} {
		f := newFixture(t)
		var want []uuid.UUID
		for i := 1; i <= 5; i++ {
			ref := newRef("user")
			want = append(want, ref.ID)
			// roughly 111 m per step north of the center
			f.store(t, f.target, ref, center.Lat+float64(i)*0.001, center.Lon)
		}
		if rev {
			for i, j := 0, len(want)-1; i < j; i, j = i+1, j-1 {
				want[i], want[j] = want[j], want[i]
			}
		}

		var got []uuid.UUID
		var cursor []byte
		var last float64
		for page := 0; page < 3; page++ {
			res, err := f.geo.ProximitySearch(context.Background(), Search{
				Target:   f.target,
				Path:     "location",
				Center:   center,
				Radius:   2000,
				Cursor:   cursor,
				Limit:    2,
				Reversed: rev,
			})
			require.NoError(t, err)
			for _, h := range res.Hits {
				if len(got) > 0 {
					if rev {
						assert.Less(t, h.Distance, last)
					} else {
						assert.Greater(t, h.Distance, last)
					}
				}
				last = h.Distance
				got = append(got, h.Ref.ID)
			}
			cursor = res.Cursor
			if cursor == nil {
				break
			}
		}
		assert.Equal(t, want, got)
	}
}

func TestProximitySearchValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.geo.ProximitySearch(ctx, Search{Target: f.target, Path: "location", Center: index.Point{Lat: 91}, Radius: 10})
	assert.Error(t, err)
	_, err = f.geo.ProximitySearch(ctx, Search{Target: f.target, Path: "location", Center: center, Radius: 0})
	assert.Error(t, err)

	stamp, err := f.clock.Next()
	require.NoError(t, err)
	err = f.geo.StoreLocation(ctx, f.target, newRef("user"), "location", index.Point{Lat: 0, Lon: 181}, stamp)
	assert.Error(t, err)
}

func TestCellsNest(t *testing.T) {
	cells := Cells(37.776753, -122.407846)
	require.Len(t, cells, Levels)
	for i := 1; i < len(cells); i++ {
		assert.True(t, strings.HasPrefix(cells[i], cells[i-1]), "level %d", i+1)
		assert.Len(t, cells[i], i+1)
	}
}

func TestCellEdges(t *testing.T) {
	assert.Equal(t, Cell(90, 0, 3), Cell(89.999, 0, 3))
	// longitude wraps
	assert.Equal(t, Cell(10, 180, 4), Cell(10, -180, 4))
	row, col := indices(0, 179.99, 2)
	ring := Ring(row, col, 2, 1)
	assert.Contains(t, ring, encode(row, 0, 2))
	assert.Len(t, ring, 8)
	// ring rows past the pole are dropped
	row, col = indices(89.9, 0, 2)
	assert.Len(t, Ring(row, col, 2, 1), 5)
}

func TestDistance(t *testing.T) {
	d := Distance(center.Lat, center.Lon, 37.776753, -122.407846)
	assert.InDelta(t, 387, d, 5)
	assert.InDelta(t, maxDistance, Distance(0, 0, 0, 180), 1)
	assert.InDelta(t, maxDistance, Distance(45, 30, -45, -150), 1)
	assert.Zero(t, Distance(10, 10, 10, 10))
}

func TestStartLevel(t *testing.T) {
	assert.Equal(t, 7, startLevel(400, center.Lat))
	assert.Equal(t, 0, startLevel(maxDistance, center.Lat))
	level := startLevel(1, 0)
	assert.Greater(t, level, 10)
}
