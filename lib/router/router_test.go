package router

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/ValentinKolb/dShard/lib/backend/engines/sqlite"
	"github.com/ValentinKolb/dShard/lib/cluster"
	"github.com/ValentinKolb/dShard/lib/directory"
	"github.com/ValentinKolb/dShard/lib/partition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingDialer opens real sqlite connections and remembers every node
// connection it handed out.
type recordingDialer struct {
	t          *testing.T
	masterHost string
	opened     []*backend.Conn
}

func (d *recordingDialer) dial(ctx context.Context, addr backend.Address) (*backend.Conn, error) {
	conn, err := backend.Open(ctx, sqlite.NewDialect(), addr, backend.Credentials{}, backend.DialOptions{})
	if err != nil {
		return nil, err
	}
	if addr.Host != d.masterHost {
		// the previous node connection must be closed before a new one is opened
		for _, prev := range d.opened {
			assert.True(d.t, prev.Closed(), "connection to %s still open while opening %s", prev.Addr(), addr)
		}
		d.opened = append(d.opened, conn)
	}
	return conn, nil
}

type testCluster struct {
	registry *cluster.Registry
	master   backend.Address
	dialer   *recordingDialer
}

func newTestCluster(t *testing.T, nodes int) *testCluster {
	t.Helper()
	ctx := context.Background()

	var members []cluster.Node
	for i := 0; i < nodes; i++ {
		members = append(members, cluster.Node{ID: fmt.Sprintf("node%d", i), Addr: t.TempDir()})
	}
	registry, err := cluster.NewRegistry(members)
	require.NoError(t, err)

	masterHost := t.TempDir()
	master := backend.Address{Host: masterHost, Dataset: directory.DefaultDataset}

	conn, err := backend.Open(ctx, sqlite.NewDialect(), master, backend.Credentials{}, backend.DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	store, err := directory.NewStore(ctx, conn)
	require.NoError(t, err)
	dirTable, err := store.RegisterKeyTable(ctx, "pdb_reps", "asu_id", "asu_list")
	require.NoError(t, err)
	_, err = store.EnsureNodes(ctx, registry.IDs())
	require.NoError(t, err)

	var keys []int64
	for k := int64(1); k <= 10; k++ {
		keys = append(keys, k)
	}
	a, err := partition.Split(keys, registry.IDs())
	require.NoError(t, err)
	require.NoError(t, store.BulkAssign(ctx, dirTable, a))

	return &testCluster{
		registry: registry,
		master:   master,
		dialer:   &recordingDialer{t: t, masterHost: masterHost},
	}
}

func (c *testCluster) router(t *testing.T) *Router {
	t.Helper()
	r, err := New(context.Background(), Config{
		Dataset: "pdb_reps",
		Master:  c.master,
		Nodes:   c.registry,
		Dial:    c.dialer.dial,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRoute(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 3)
	r := c.router(t)

	t.Run("ResolveBeforeSetKey", func(t *testing.T) {
		_, err := r.ResolveNode(ctx, 1)
		assert.ErrorIs(t, err, ErrNoKey)
	})

	t.Run("Determinism", func(t *testing.T) {
		require.NoError(t, r.SetKey(ctx, "asu_id"))
		for k := int64(1); k <= 10; k++ {
			first, err := r.ResolveNode(ctx, k)
			require.NoError(t, err)
			second, err := r.ResolveNode(ctx, k)
			require.NoError(t, err)
			assert.Equal(t, first, second)
		}
	})

	t.Run("SwapOnlyOnNodeChange", func(t *testing.T) {
		conn, err := r.Route(ctx, "asu_id", 1)
		require.NoError(t, err)
		assert.Equal(t, "node0", r.ActiveNode())
		assert.Equal(t, c.registry.Nodes()[0].Addr, conn.Addr().Host)
		assert.Len(t, c.dialer.opened, 1)

		// same node: no reconnect
		same, err := r.Route(ctx, "asu_id", 4)
		require.NoError(t, err)
		assert.Same(t, conn, same)
		assert.Len(t, c.dialer.opened, 1)

		// different node: old closed exactly once, new opened
		other, err := r.Route(ctx, "asu_id", 6)
		require.NoError(t, err)
		assert.Equal(t, "node1", r.ActiveNode())
		assert.True(t, conn.Closed())
		assert.False(t, other.Closed())
		assert.Len(t, c.dialer.opened, 2)

		_, err = r.Route(ctx, "asu_id", 9)
		require.NoError(t, err)
		assert.Equal(t, "node2", r.ActiveNode())
		assert.Len(t, c.dialer.opened, 3)
	})

	t.Run("RouteToMasterDoesNotSwap", func(t *testing.T) {
		before := r.ActiveNode()
		master := r.RouteToMaster()
		require.NotNil(t, master)
		assert.Equal(t, directory.DefaultDataset, master.Addr().Dataset)
		assert.Equal(t, before, r.ActiveNode())
	})

	t.Run("UnknownKey", func(t *testing.T) {
		_, err := r.Route(ctx, "chain_id", 1)
		assert.ErrorAs(t, err, new(*directory.UnknownKeyError))
	})

	t.Run("OwnerNotFound", func(t *testing.T) {
		_, err := r.Route(ctx, "asu_id", 42)
		assert.ErrorAs(t, err, new(*directory.OwnerNotFoundError))
	})

	t.Run("CloseClosesEverything", func(t *testing.T) {
		active := c.dialer.opened[len(c.dialer.opened)-1]
		master := r.RouteToMaster()
		require.NoError(t, r.Close())
		assert.True(t, active.Closed())
		assert.True(t, master.Closed())
		assert.Equal(t, "", r.ActiveNode())
	})
}

func TestRouteUnreachableNode(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 3)

	// point node1 at a directory that does not exist
	nodes := c.registry.Nodes()
	nodes[1].Addr = filepath.Join(nodes[1].Addr, "gone")
	registry, err := cluster.NewRegistry(nodes)
	require.NoError(t, err)
	c.registry = registry

	r := c.router(t)

	_, err = r.Route(ctx, "asu_id", 1)
	require.NoError(t, err)

	_, err = r.Route(ctx, "asu_id", 5)
	var connErr *backend.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "", r.ActiveNode())

	// the router recovers on the next route to a reachable node
	_, err = r.Route(ctx, "asu_id", 8)
	require.NoError(t, err)
	assert.Equal(t, "node2", r.ActiveNode())
}

func TestRouteNodeMissingFromRegistry(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 3)

	sub, err := c.registry.Subset([]string{"node0", "node1"})
	require.NoError(t, err)
	c.registry = sub

	r := c.router(t)
	_, err = r.Route(ctx, "asu_id", 10)
	var unknown *UnknownNodeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "node2", unknown.Node)
}
