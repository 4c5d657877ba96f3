package testing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/ValentinKolb/dShard/lib/backend/engines/sqlite"
	"github.com/ValentinKolb/dShard/lib/cluster"
)

// Cluster is a master host plus a set of node hosts, each backed by its own
// directory of sqlite files. Everything is removed when the test ends.
type Cluster struct {
	MasterHost string
	Nodes      *cluster.Registry
	Dialect    backend.Dialect
	Dial       backend.Dialer
	Pool       *backend.Pool
}

// NewSQLiteCluster creates a master and n nodes named node0..node<n-1>
func NewSQLiteCluster(t testing.TB, n int) *Cluster {
	t.Helper()
	root := t.TempDir()

	master := filepath.Join(root, "master")
	if err := os.MkdirAll(master, 0o755); err != nil {
		t.Fatalf("create master host: %v", err)
	}

	nodes := make([]cluster.Node, n)
	for i := range nodes {
		host := filepath.Join(root, fmt.Sprintf("host%d", i))
		if err := os.MkdirAll(host, 0o755); err != nil {
			t.Fatalf("create node host: %v", err)
		}
		nodes[i] = cluster.Node{ID: fmt.Sprintf("node%d", i), Addr: host}
	}
	registry, err := cluster.NewRegistry(nodes)
	if err != nil {
		t.Fatalf("create registry: %v", err)
	}

	dialect := sqlite.NewDialect()
	dial := backend.NewDialer(dialect, backend.Credentials{}, backend.DialOptions{})
	pool := backend.NewPool(dial)
	t.Cleanup(func() { _ = pool.Close() })

	return &Cluster{
		MasterHost: master,
		Nodes:      registry,
		Dialect:    dialect,
		Dial:       dial,
		Pool:       pool,
	}
}

// Master returns the pooled connection to a dataset on the master
func (c *Cluster) Master(t testing.TB, dataset string) *backend.Conn {
	t.Helper()
	return c.get(t, backend.Address{Host: c.MasterHost, Dataset: dataset})
}

// Node returns the pooled connection to a dataset on a node
func (c *Cluster) Node(t testing.TB, id, dataset string) *backend.Conn {
	t.Helper()
	node, ok := c.Nodes.Lookup(id)
	if !ok {
		t.Fatalf("unknown node %s", id)
	}
	return c.get(t, backend.Address{Host: node.Addr, Dataset: dataset})
}

func (c *Cluster) get(t testing.TB, addr backend.Address) *backend.Conn {
	t.Helper()
	conn, err := c.Pool.Get(context.Background(), addr)
	if err != nil {
		t.Fatalf("connect to %s: %v", addr, err)
	}
	return conn
}

// SeedTable creates table with an integer key column, a payload column and a
// secondary index, then inserts rowsPerKey rows for every key.
func (c *Cluster) SeedTable(t testing.TB, dataset, table, keyName string, keys []int64, rowsPerKey int) {
	t.Helper()
	conn := c.Master(t, dataset)

	mustExec(t, conn, fmt.Sprintf(`CREATE TABLE %s (%s BIGINT NOT NULL, payload TEXT)`,
		backend.Quote(table), backend.Quote(keyName)))
	mustExec(t, conn, fmt.Sprintf(`CREATE INDEX %s ON %s (%s)`,
		backend.Quote(table+"_payload_idx"), backend.Quote(table), "payload"))

	for _, k := range keys {
		for i := 0; i < rowsPerKey; i++ {
			mustExec(t, conn, fmt.Sprintf(`INSERT INTO %s (%s, payload) VALUES (?, ?)`,
				backend.Quote(table), backend.Quote(keyName)), k, fmt.Sprintf("%d-%d", k, i))
		}
	}
}

// Keys returns the sorted distinct values of keyName in a table
func Keys(t testing.TB, conn *backend.Conn, table, keyName string) []int64 {
	t.Helper()
	rows, err := conn.QueryContext(context.Background(), fmt.Sprintf(`SELECT DISTINCT %s FROM %s ORDER BY 1`,
		backend.Quote(keyName), backend.Quote(table)))
	if err != nil {
		t.Fatalf("read keys of %s: %v", table, err)
	}
	defer rows.Close()

	var keys []int64
	for rows.Next() {
		var k int64
		if err := rows.Scan(&k); err != nil {
			t.Fatalf("scan key: %v", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("read keys of %s: %v", table, err)
	}
	return keys
}

// Exec runs a statement and fails the test on error
func Exec(t testing.TB, q backend.Querier, query string, args ...any) {
	t.Helper()
	mustExec(t, q, query, args...)
}

// KeyRange returns the keys lo..hi
func KeyRange(lo, hi int64) []int64 {
	keys := make([]int64, 0, hi-lo+1)
	for k := lo; k <= hi; k++ {
		keys = append(keys, k)
	}
	return keys
}
