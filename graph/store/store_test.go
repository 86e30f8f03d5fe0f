package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory builds a fresh, empty store per subtest.
type storeFactory func(t *testing.T) Store

func TestStores(t *testing.T) {
	backends := map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemStore()
		},
		"jsonl": func(t *testing.T) Store {
			st, err := NewFileStore(t.TempDir())
			require.NoError(t, err)
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"))
			require.NoError(t, err)
			return st
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			return NewRedisStore(client, "test:checkpoints")
		},
	}
	if dsn := os.Getenv("MYSQL_TEST_DSN"); dsn != "" {
		backends["mysql"] = func(t *testing.T) Store {
			st, err := NewMySQLStore(dsn)
			require.NoError(t, err)
			return st
		}
	}

	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			runStoreConformance(t, factory)
		})
	}
}

// runStoreConformance exercises the Store contract against one backend.
func runStoreConformance(t *testing.T, factory storeFactory) {
	ctx := context.Background()

	seed := func(t *testing.T, st Store) []Record {
		t.Helper()
		for _, node := range []string{"alpha", "beta", "gamma"} {
			_, err := st.Append(ctx, map[string]any{"node": node, "n": float64(len(node))}, node)
			require.NoError(t, err)
		}
		records, err := st.LoadAll(ctx)
		require.NoError(t, err)
		require.Len(t, records, 3)
		return records
	}

	t.Run("append preserves order and identity", func(t *testing.T) {
		st := factory(t)
		defer st.Close()

		records := seed(t, st)
		assert.Equal(t, "alpha", records[0].Node)
		assert.Equal(t, "gamma", records[2].Node)
		assert.NotEqual(t, records[0].ID, records[1].ID)
		assert.LessOrEqual(t, records[0].TS, records[2].TS)
		assert.Equal(t, "beta", records[1].State["node"])
	})

	t.Run("latest on empty log", func(t *testing.T) {
		st := factory(t)
		defer st.Close()

		state, ok, err := st.Latest(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, state)
	})

	t.Run("latest returns newest state", func(t *testing.T) {
		st := factory(t)
		defer st.Close()
		seed(t, st)

		state, ok, err := st.Latest(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "gamma", state["node"])
	})

	t.Run("rollback truncates to the chosen record", func(t *testing.T) {
		st := factory(t)
		defer st.Close()
		records := seed(t, st)

		state, ok, err := st.Rollback(ctx, records[1].ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "beta", state["node"])

		remaining, err := st.LoadAll(ctx)
		require.NoError(t, err)
		require.Len(t, remaining, 2)
		assert.Equal(t, records[0].ID, remaining[0].ID)
		assert.Equal(t, records[1].ID, remaining[1].ID)
	})

	t.Run("rollback with unknown id leaves log untouched", func(t *testing.T) {
		st := factory(t)
		defer st.Close()
		seed(t, st)

		_, ok, err := st.Rollback(ctx, "no-such-id")
		require.NoError(t, err)
		assert.False(t, ok)

		remaining, err := st.LoadAll(ctx)
		require.NoError(t, err)
		assert.Len(t, remaining, 3)
	})

	t.Run("time travel reads without modifying", func(t *testing.T) {
		st := factory(t)
		defer st.Close()
		seed(t, st)

		state, ok, err := st.TimeTravel(ctx, 0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "alpha", state["node"])

		remaining, err := st.LoadAll(ctx)
		require.NoError(t, err)
		assert.Len(t, remaining, 3)
	})

	t.Run("time travel clamps out-of-range indices", func(t *testing.T) {
		st := factory(t)
		defer st.Close()
		seed(t, st)

		state, ok, err := st.TimeTravel(ctx, -5)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "alpha", state["node"])

		state, ok, err = st.TimeTravel(ctx, 99)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "gamma", state["node"])
	})

	t.Run("time travel on empty log", func(t *testing.T) {
		st := factory(t)
		defer st.Close()

		_, ok, err := st.TimeTravel(ctx, 0)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("appended state is snapshotted", func(t *testing.T) {
		st := factory(t)
		defer st.Close()

		state := map[string]any{"k": "original"}
		_, err := st.Append(ctx, state, "n1")
		require.NoError(t, err)
		state["k"] = "mutated"

		latest, ok, err := st.Latest(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "original", latest["k"])
	})
}

func TestFileStorePersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = st.Append(ctx, map[string]any{"k": "v"}, "n1")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// A fresh store over the same directory sees the same history.
	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "n1", records[0].Node)
	assert.Equal(t, "v", records[0].State["k"])
}

func TestSQLiteStorePersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	st, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = st.Append(ctx, map[string]any{"k": "v"}, "n1")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "n1", records[0].Node)
}
