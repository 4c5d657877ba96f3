package backend_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/ValentinKolb/dShard/lib/backend/engines/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestConn(t *testing.T, host, dataset string) *backend.Conn {
	t.Helper()
	conn, err := backend.Open(context.Background(), sqlite.NewDialect(),
		backend.Address{Host: host, Dataset: dataset}, backend.Credentials{}, backend.DialOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestOpen(t *testing.T) {
	t.Run("ExistingHost", func(t *testing.T) {
		conn := openTestConn(t, t.TempDir(), "data")
		assert.Equal(t, "data", conn.Addr().Dataset)
	})

	t.Run("MissingHostIsConnectionError", func(t *testing.T) {
		missing := filepath.Join(t.TempDir(), "does", "not", "exist")
		_, err := backend.Open(context.Background(), sqlite.NewDialect(),
			backend.Address{Host: missing, Dataset: "data"}, backend.Credentials{},
			backend.DialOptions{Retries: 2, Backoff: 1})

		var connErr *backend.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, missing, connErr.Addr.Host)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := backend.Open(ctx, sqlite.NewDialect(),
			backend.Address{Host: t.TempDir(), Dataset: "data"}, backend.Credentials{}, backend.DialOptions{})
		assert.Error(t, err)
	})

	t.Run("CloseTwice", func(t *testing.T) {
		conn := openTestConn(t, t.TempDir(), "data")
		require.NoError(t, conn.Close())
		assert.NoError(t, conn.Close())
	})
}

func TestTableHelpers(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t, t.TempDir(), "src")

	_, err := conn.ExecContext(ctx, `CREATE TABLE asu_list (asu_id INTEGER NOT NULL, name TEXT, score REAL)`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `CREATE INDEX asu_list_name ON asu_list (name)`)
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err = conn.ExecContext(ctx, `INSERT INTO asu_list (asu_id, name, score) VALUES (?, ?, ?)`, i, "n", float64(i)/2)
		require.NoError(t, err)
	}

	t.Run("TableExists", func(t *testing.T) {
		ok, err := backend.TableExists(ctx, conn, "asu_list")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = backend.TableExists(ctx, conn, "nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("CountRows", func(t *testing.T) {
		n, err := backend.CountRows(ctx, conn, "asu_list", "", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)

		n, err = backend.CountRows(ctx, conn, "asu_list", "asu_id", 2, 4)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("CopyTableLikeAndDropIndexes", func(t *testing.T) {
		require.NoError(t, backend.CopyTableLike(ctx, conn, "asu_list", "asu_list_split_node0"))

		ok, err := backend.TableExists(ctx, conn, "asu_list_split_node0")
		require.NoError(t, err)
		assert.True(t, ok)

		// copying twice is harmless
		require.NoError(t, backend.CopyTableLike(ctx, conn, "asu_list", "asu_list_split_node0"))

		dropped, err := backend.DropIndexes(ctx, conn, "asu_list")
		require.NoError(t, err)
		assert.Equal(t, []string{"asu_list_name"}, dropped)

		indexes, err := conn.Dialect().ListIndexes(ctx, conn, "asu_list")
		require.NoError(t, err)
		assert.Empty(t, indexes)

		require.NoError(t, backend.DropTable(ctx, conn, "asu_list_split_node0"))
		ok, err = backend.TableExists(ctx, conn, "asu_list_split_node0")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("CopyMissingTable", func(t *testing.T) {
		assert.Error(t, backend.CopyTableLike(ctx, conn, "missing", "other"))
	})

	t.Run("UniqueViolation", func(t *testing.T) {
		_, err := conn.ExecContext(ctx, `CREATE TABLE uq (k INTEGER)`)
		require.NoError(t, err)
		_, err = conn.ExecContext(ctx, `INSERT INTO uq (k) VALUES (1), (1)`)
		require.NoError(t, err)
		_, err = conn.ExecContext(ctx, `CREATE UNIQUE INDEX uq_k ON uq (k)`)
		require.Error(t, err)
		assert.True(t, conn.Dialect().IsUniqueViolation(err))
		assert.False(t, conn.Dialect().IsUniqueViolation(errors.New("other")))
	})
}

func TestTx(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t, t.TempDir(), "data")
	_, err := conn.ExecContext(ctx, `CREATE TABLE t (k INTEGER)`)
	require.NoError(t, err)

	tx, err := conn.BeginTx(ctx)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `INSERT INTO t (k) VALUES (?)`, 1)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	n, err := backend.CountRows(ctx, conn, "t", "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	tx, err = conn.BeginTx(ctx)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `INSERT INTO t (k) VALUES (?)`, 2)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	// rollback after commit is ignored
	require.NoError(t, tx.Rollback())

	n, err = backend.CountRows(ctx, conn, "t", "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPool(t *testing.T) {
	ctx := context.Background()
	host := t.TempDir()

	var mu sync.Mutex
	opened := 0
	dial := func(ctx context.Context, addr backend.Address) (*backend.Conn, error) {
		mu.Lock()
		opened++
		mu.Unlock()
		return backend.Open(ctx, sqlite.NewDialect(), addr, backend.Credentials{}, backend.DialOptions{})
	}

	pool := backend.NewPool(dial)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Get(ctx, backend.Address{Host: host, Dataset: "a"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, err := pool.Get(ctx, backend.Address{Host: host, Dataset: "b"})
	require.NoError(t, err)

	assert.Equal(t, 2, opened)
	assert.Equal(t, 2, pool.Len())

	t.Run("FailedDialIsNotCached", func(t *testing.T) {
		missing := backend.Address{Host: filepath.Join(host, "missing"), Dataset: "x"}
		_, err := pool.Get(ctx, missing)
		require.Error(t, err)
		assert.Equal(t, 2, pool.Len())
	})

	require.NoError(t, pool.Close())
	assert.Equal(t, 0, pool.Len())
}

func TestFeature(t *testing.T) {
	d := sqlite.NewDialect()
	assert.True(t, d.SupportsFeature(backend.FeatureCopySchema|backend.FeatureDump|backend.FeatureLoad))
	assert.Equal(t, "Dump", backend.FeatureDump.String())
	assert.Equal(t, "Unknown", backend.Feature(0).String())
}
