package store

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBadger(t *testing.T) *Badger {
	t.Helper()
	s, err := OpenBadgerInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// skipIfNoPostgres skips the test when PostgreSQL is unavailable.
func skipIfNoPostgres(t *testing.T) *Postgres {
	t.Helper()
	port, _ := strconv.Atoi(envOrDefault("TEST_POSTGRES_PORT", "5432"))
	client, err := postgres.New(config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            port,
		Database:        envOrDefault("TEST_POSTGRES_DB", "entityindex_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "entityindex"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Skipf("skipping: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	table := fmt.Sprintf("index_columns_test_%d", time.Now().UnixNano())
	s, err := NewPostgres(client, table, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(context.Background()))
	t.Cleanup(func() {
		client.DB.Exec("DROP TABLE IF EXISTS " + table)
	})
	return s
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func TestBadgerStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return newBadger(t) })
}

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return skipIfNoPostgres(t) })
}

func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()
	row := []byte("users\x00name")
	keys := func(cols []Column) []string {
		out := make([]string, len(cols))
		for i, c := range cols {
			out[i] = string(c.Key)
		}
		return out
	}

	t.Run("ordered scan with bounds", func(t *testing.T) {
		s := open(t)
		for i, k := range []string{"d", "a", "c", "b", "e"} {
			require.NoError(t, s.Put(ctx, row, []byte(k), []byte("v"+k), uint64(10+i)))
		}
		require.NoError(t, s.Put(ctx, []byte("other"), []byte("a"), []byte("x"), 1))

		all, err := s.Scan(ctx, row, ScanOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c", "d", "e"}, keys(all))
		assert.Equal(t, "va", string(all[0].Value))

		mid, err := s.Scan(ctx, row, ScanOptions{Lower: []byte("b"), Upper: []byte("d")})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, keys(mid))

		rev, err := s.Scan(ctx, row, ScanOptions{Upper: []byte("d"), Reversed: true, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b"}, keys(rev))

		revAll, err := s.Scan(ctx, row, ScanOptions{Reversed: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"e", "d", "c", "b", "a"}, keys(revAll))

		empty, err := s.Scan(ctx, row, ScanOptions{Lower: []byte("d"), Upper: []byte("b")})
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("last writer wins", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Put(ctx, row, []byte("k"), []byte("new"), 20))
		require.NoError(t, s.Put(ctx, row, []byte("k"), []byte("old"), 10))
		cols, err := s.Scan(ctx, row, ScanOptions{})
		require.NoError(t, err)
		require.Len(t, cols, 1)
		assert.Equal(t, "new", string(cols[0].Value))
		assert.Equal(t, uint64(20), cols[0].Timestamp)
	})

	t.Run("tombstones hide older writes only", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Put(ctx, row, []byte("k"), []byte("v"), 10))
		require.NoError(t, s.Delete(ctx, row, []byte("k"), 20))
		require.NoError(t, s.Put(ctx, row, []byte("k"), []byte("late"), 15))
		cols, err := s.Scan(ctx, row, ScanOptions{})
		require.NoError(t, err)
		assert.Empty(t, cols)

		require.NoError(t, s.Put(ctx, row, []byte("k"), []byte("again"), 30))
		cols, err = s.Scan(ctx, row, ScanOptions{})
		require.NoError(t, err)
		require.Len(t, cols, 1)
		assert.Equal(t, "again", string(cols[0].Value))
	})

	t.Run("binary keys", func(t *testing.T) {
		s := open(t)
		for _, k := range [][]byte{{0x00}, {0x00, 0x00}, {0xFF}, {0x7F, 0xFF}} {
			require.NoError(t, s.Put(ctx, row, k, nil, 1))
		}
		cols, err := s.Scan(ctx, row, ScanOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"\x00", "\x00\x00", "\x7f\xff", "\xff"}, keys(cols))
	})
}

func TestRowPrefixesDoNotOverlap(t *testing.T) {
	s := newBadger(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, []byte("ab"), []byte("c"), nil, 1))
	require.NoError(t, s.Put(ctx, []byte("a"), []byte("bc"), nil, 1))
	cols, err := s.Scan(ctx, []byte("a"), ScanOptions{})
	require.NoError(t, err)
	require.Len(t, cols, 1)
	assert.Equal(t, "bc", string(cols[0].Key))
}

func TestBadgerCollectGarbageInMemory(t *testing.T) {
	s := newBadger(t)
	assert.NoError(t, s.CollectGarbage(context.Background()))
}

func TestClockIsStrictlyIncreasing(t *testing.T) {
	c := NewClock()
	var last uint64
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		st, err := c.Next()
		require.NoError(t, err)
		require.Greater(t, st.Timestamp, last)
		last = st.Timestamp
		assert.Equal(t, 1, int(st.UUID.Version()))
		_, dup := seen[st.UUID.String()]
		require.False(t, dup)
		seen[st.UUID.String()] = struct{}{}
	}
}

func TestBadgerStats(t *testing.T) {
	s := newBadger(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, []byte("a"), []byte("1"), []byte("x"), 1))
	require.NoError(t, s.Put(ctx, []byte("a"), []byte("2"), []byte("y"), 1))
	require.NoError(t, s.Put(ctx, []byte("b"), []byte("1"), []byte("z"), 1))
	require.NoError(t, s.Delete(ctx, []byte("b"), []byte("1"), 2))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, st.Rows, 2)
	assert.Equal(t, RowStats{Row: []byte("a"), Cells: 2}, st.Rows[0])
	assert.Equal(t, RowStats{Row: []byte("b"), Cells: 1, Tombstones: 1}, st.Rows[1])
}

func TestBadgerPing(t *testing.T) {
	s, err := OpenBadgerInMemory()
	require.NoError(t, err)
	assert.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}
