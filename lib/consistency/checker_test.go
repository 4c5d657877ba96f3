package consistency

import (
	"context"
	"path/filepath"
	"testing"

	backendtesting "github.com/ValentinKolb/dShard/lib/backend/testing"
	"github.com/ValentinKolb/dShard/lib/cluster"
	"github.com/ValentinKolb/dShard/lib/directory"
	"github.com/ValentinKolb/dShard/lib/migrate"
	"github.com/ValentinKolb/dShard/lib/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	dataset = "pdb_reps"
	keyName = "asu_id"
	table   = "asu_list"
)

// distributed returns a cluster of 3 nodes holding keys 1..10 of asu_list,
// node0 {1-4}, node1 {5-7}, node2 {8-10}
func distributed(t *testing.T) (*backendtesting.Cluster, *Checker) {
	t.Helper()
	c := backendtesting.NewSQLiteCluster(t, 3)
	c.SeedTable(t, dataset, table, keyName, backendtesting.KeyRange(1, 10), 1)

	dumps := t.TempDir()
	p, err := migrate.NewPipeline(migrate.Config{
		MasterHost: c.MasterHost,
		Nodes:      c.Nodes,
		Pool:       c.Pool,
		Medium: func() (transfer.Medium, error) {
			return transfer.NewDirMedium(dumps, false)
		},
	})
	require.NoError(t, err)
	_, err = p.Distribute(context.Background(), migrate.Request{SourceDataset: dataset, KeyName: keyName, Table: table})
	require.NoError(t, err)

	checker, err := NewChecker(Config{MasterHost: c.MasterHost, Nodes: c.Nodes, Pool: c.Pool})
	require.NoError(t, err)
	return c, checker
}

func TestCheckRowCounts(t *testing.T) {
	ctx := context.Background()
	c, checker := distributed(t)

	t.Run("AfterDistribution", func(t *testing.T) {
		report, err := checker.CheckRowCounts(ctx, dataset, nil)
		require.NoError(t, err)
		require.Len(t, report.Tables, 1)
		assert.True(t, report.OK())

		tr := report.Tables[0]
		assert.True(t, tr.Sharded)
		assert.Equal(t, keyName, tr.KeyName)

		counts := map[string]int64{}
		for _, n := range tr.Nodes {
			assert.True(t, n.Matches, n.Node)
			counts[n.Node] = n.NodeCount
		}
		assert.Equal(t, map[string]int64{"node0": 4, "node1": 3, "node2": 3}, counts)
	})

	t.Run("ReplicatedTable", func(t *testing.T) {
		master := c.Master(t, dataset)
		backendtesting.Exec(t, master, `CREATE TABLE chains (name TEXT)`)
		backendtesting.Exec(t, master, `INSERT INTO chains (name) VALUES ('A'), ('B')`)

		report, err := checker.CheckRowCounts(ctx, dataset, []string{"node0"})
		require.NoError(t, err)
		require.Len(t, report.Tables, 2)
		assert.False(t, report.OK())

		chains := report.Tables[1]
		assert.Equal(t, "chains", chains.Table)
		assert.False(t, chains.Sharded)
		require.Len(t, chains.Nodes, 1)
		assert.True(t, chains.Nodes[0].Missing)
		assert.Equal(t, int64(2), chains.Nodes[0].SourceCount)

		node0 := c.Node(t, "node0", dataset)
		backendtesting.Exec(t, node0, `CREATE TABLE chains (name TEXT)`)
		backendtesting.Exec(t, node0, `INSERT INTO chains (name) VALUES ('A'), ('B')`)

		report, err = checker.CheckRowCounts(ctx, dataset, []string{"node0"})
		require.NoError(t, err)
		assert.True(t, report.OK())
	})

	t.Run("MissingRows", func(t *testing.T) {
		backendtesting.Exec(t, c.Node(t, "node1", dataset), `DELETE FROM asu_list WHERE asu_id = 6`)

		report, err := checker.CheckRowCounts(ctx, dataset, []string{"node1"})
		require.NoError(t, err)
		n := report.Tables[0].Nodes[0]
		assert.False(t, n.Matches)
		assert.Equal(t, int64(3), n.SourceCount)
		assert.Equal(t, int64(2), n.NodeCount)

		// chains is missing on node1 as well
		assert.Equal(t, 2, report.Mismatches())
	})
}

func TestCheckKeyCounts(t *testing.T) {
	ctx := context.Background()
	c, checker := distributed(t)

	report, err := checker.CheckKeyCounts(ctx, dataset, keyName, nil)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, directory.TableName(dataset, table), report.DirectoryTable)
	for i, size := range []int64{4, 3, 3} {
		n := report.Nodes[i]
		assert.Equal(t, StatusOK, n.Status)
		assert.Equal(t, size, n.Total)
		assert.Equal(t, size, n.Distinct)
		assert.Equal(t, size, n.Owned)
	}

	// node0 lost key 2, node1 holds key 99 it does not own, node2 holds key 8 twice
	backendtesting.Exec(t, c.Node(t, "node0", dataset), `DELETE FROM asu_list WHERE asu_id = 2`)
	backendtesting.Exec(t, c.Node(t, "node1", dataset), `INSERT INTO asu_list (asu_id, payload) VALUES (99, 'x')`)
	backendtesting.Exec(t, c.Node(t, "node2", dataset), `INSERT INTO asu_list (asu_id, payload) VALUES (8, 'x')`)

	report, err = checker.CheckKeyCounts(ctx, dataset, keyName, nil)
	require.NoError(t, err)
	assert.False(t, report.OK())

	tests := []struct {
		node      string
		status    KeyStatus
		divergent []int64
	}{
		{"node0", StatusCountMismatch, []int64{2}},
		{"node1", StatusCountMismatch, []int64{99}},
		{"node2", StatusNodeDuplicates, nil},
	}
	for i, tt := range tests {
		t.Run(tt.node, func(t *testing.T) {
			n := report.Nodes[i]
			assert.Equal(t, tt.node, n.Node)
			assert.Equal(t, tt.status, n.Status)
			assert.Equal(t, tt.divergent, n.Divergent)
		})
	}

	t.Run("UnknownKey", func(t *testing.T) {
		_, err := checker.CheckKeyCounts(ctx, dataset, "chain_id", nil)
		var unknown *directory.UnknownKeyError
		assert.ErrorAs(t, err, &unknown)
	})
}

func TestFindDivergentKeys(t *testing.T) {
	ctx := context.Background()
	c, checker := distributed(t)

	keys, err := checker.FindDivergentKeys(ctx, dataset, keyName, "node2")
	require.NoError(t, err)
	assert.Empty(t, keys)

	node2 := c.Node(t, "node2", dataset)
	backendtesting.Exec(t, node2, `DELETE FROM asu_list WHERE asu_id IN (8, 10)`)
	backendtesting.Exec(t, node2, `INSERT INTO asu_list (asu_id, payload) VALUES (1, 'x'), (11, 'y')`)

	keys, err = checker.FindDivergentKeys(ctx, dataset, keyName, "node2")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 8, 10, 11}, keys)

	// running twice leaves no temporary state behind
	keys, err = checker.FindDivergentKeys(ctx, dataset, keyName, "node2")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 8, 10, 11}, keys)

	_, err = checker.FindDivergentKeys(ctx, dataset, keyName, "node7")
	assert.Error(t, err)
}

func TestUnreachableNode(t *testing.T) {
	ctx := context.Background()
	c, _ := distributed(t)

	nodes := append(c.Nodes.Nodes(), cluster.Node{ID: "node3", Addr: filepath.Join(t.TempDir(), "missing")})
	registry, err := cluster.NewRegistry(nodes)
	require.NoError(t, err)
	checker, err := NewChecker(Config{MasterHost: c.MasterHost, Nodes: registry, Pool: c.Pool, Parallelism: 1})
	require.NoError(t, err)

	rows, err := checker.CheckRowCounts(ctx, dataset, nil)
	require.NoError(t, err)
	last := rows.Tables[0].Nodes[3]
	assert.Equal(t, "node3", last.Node)
	assert.False(t, last.Matches)
	assert.NotEmpty(t, last.Error)

	keys, err := checker.CheckKeyCounts(ctx, dataset, keyName, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusError, keys.Nodes[3].Status)
	assert.Equal(t, StatusOK, keys.Nodes[0].Status)
}

func TestSymmetricDifference(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []int64
		expected []int64
	}{
		{"Example", []int64{1, 2, 3, 5}, []int64{2, 3, 4}, []int64{1, 4, 5}},
		{"Unordered", []int64{5, 3, 1, 2}, []int64{4, 2, 3}, []int64{1, 4, 5}},
		{"Equal", []int64{1, 2}, []int64{2, 1}, nil},
		{"Empty", nil, nil, nil},
		{"OneSide", []int64{7}, nil, []int64{7}},
		{"DuplicatesWithinSide", []int64{1, 1, 2}, []int64{2}, []int64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SymmetricDifference(tt.a, tt.b))
			assert.Equal(t, tt.expected, SymmetricDifference(tt.b, tt.a))
		})
	}
}

func TestNewChecker(t *testing.T) {
	_, err := NewChecker(Config{})
	assert.Error(t, err)

	c := backendtesting.NewSQLiteCluster(t, 1)
	checker, err := NewChecker(Config{Nodes: c.Nodes, Pool: c.Pool})
	require.NoError(t, err)
	assert.Equal(t, directory.DefaultDataset, checker.cfg.DirectoryDataset)
}
