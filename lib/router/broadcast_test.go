package router

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/dShard/lib/backend"
	backendtesting "github.com/ValentinKolb/dShard/lib/backend/testing"
	"github.com/ValentinKolb/dShard/lib/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcast(t *testing.T) {
	ctx := context.Background()
	c := backendtesting.NewSQLiteCluster(t, 3)

	_, err := Broadcast(ctx, c.Pool, c.Nodes, "pdb_reps", `CREATE TABLE chains (chain_id TEXT NOT NULL)`)
	require.NoError(t, err)

	results, err := Broadcast(ctx, c.Pool, c.Nodes, "pdb_reps", `INSERT INTO chains (chain_id) VALUES (?), (?)`, "A", "B")
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, c.Nodes.IDs()[i], r.Node)
		assert.Equal(t, int64(2), r.RowsAffected)
		assert.NoError(t, r.Err)
	}

	for _, node := range c.Nodes.IDs() {
		n, err := backend.CountRows(ctx, c.Node(t, node, "pdb_reps"), "chains", "", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n, node)
	}
}

func TestBroadcastPartialFailure(t *testing.T) {
	ctx := context.Background()
	c := backendtesting.NewSQLiteCluster(t, 2)

	registry, err := cluster.NewRegistry([]cluster.Node{
		c.Nodes.Nodes()[0],
		{ID: "node9", Addr: filepath.Join(t.TempDir(), "missing", "host")},
		c.Nodes.Nodes()[1],
	})
	require.NoError(t, err)

	results, err := Broadcast(ctx, c.Pool, registry, "pdb_reps", `CREATE TABLE chains (chain_id TEXT NOT NULL)`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node9")

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)

	var connErr *backend.ConnectionError
	assert.ErrorAs(t, err, &connErr)

	// the reachable nodes ran the statement
	ok, err := backend.TableExists(ctx, c.Node(t, "node1", "pdb_reps"), "chains")
	require.NoError(t, err)
	assert.True(t, ok)
}
