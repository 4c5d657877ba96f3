package consistency

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/ValentinKolb/dShard/lib/cluster"
	"github.com/ValentinKolb/dShard/lib/directory"
	"github.com/ValentinKolb/dShard/lib/partition"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger("consistency")

// Config holds what a Checker needs to reach the master and the nodes
type Config struct {
	MasterHost       string
	DirectoryDataset string
	Nodes            *cluster.Registry
	Pool             *backend.Pool
	// Parallelism limits the number of nodes checked at the same time, <= 0 means all
	Parallelism int
}

// Checker compares the data on the nodes with the source and the key
// directory. It only reads, findings are returned as reports and never
// repaired.
//
// Thread-safe: all methods are safe for concurrent use
type Checker struct {
	cfg Config
}

// NewChecker validates the configuration and creates a checker
func NewChecker(cfg Config) (*Checker, error) {
	if cfg.Nodes == nil || cfg.Nodes.Len() == 0 {
		return nil, errors.New("checker needs at least one node")
	}
	if cfg.Pool == nil {
		return nil, errors.New("checker needs a connection pool")
	}
	if cfg.DirectoryDataset == "" {
		cfg.DirectoryDataset = directory.DefaultDataset
	}
	return &Checker{cfg: cfg}, nil
}

// --------------------------------------------------------------------------
// Row counts
// --------------------------------------------------------------------------

// CheckRowCounts compares the row count of every table of dataset on the
// master with the count on each node. Unreachable nodes are reported as
// mismatches, only failures on the master are returned as errors.
func (c *Checker) CheckRowCounts(ctx context.Context, dataset string, nodes []string) (RowCountReport, error) {
	registry, err := c.nodes(nodes)
	if err != nil {
		return RowCountReport{}, err
	}

	src, err := c.cfg.Pool.Get(ctx, backend.Address{Host: c.cfg.MasterHost, Dataset: dataset})
	if err != nil {
		return RowCountReport{}, err
	}
	tables, err := src.Dialect().ListTables(ctx, src)
	if err != nil {
		return RowCountReport{}, fmt.Errorf("list tables of %s: %w", dataset, err)
	}

	store, err := c.store(ctx)
	if err != nil {
		return RowCountReport{}, err
	}
	entries, err := store.Entries(ctx, dataset)
	if err != nil {
		return RowCountReport{}, err
	}
	sharded := make(map[string]directory.Entry, len(entries))
	for _, e := range entries {
		sharded[e.Table] = e
	}

	sourceCounts := make(map[string]int64, len(tables))
	for _, table := range tables {
		if sourceCounts[table], err = backend.CountRows(ctx, src, table, "", 0, 0); err != nil {
			return RowCountReport{}, err
		}
	}

	// node -> table -> count
	results := xsync.NewMapOf[string, map[string]NodeRowCount]()
	err = c.forEachNode(ctx, registry, func(ctx context.Context, node cluster.Node) error {
		counts := make(map[string]NodeRowCount, len(tables))
		for _, table := range tables {
			entry, isSharded := sharded[table]
			counts[table] = c.countTable(ctx, src, store, node, dataset, table, entry, isSharded, sourceCounts[table])
		}
		results.Store(node.ID, counts)
		return nil
	})
	if err != nil {
		return RowCountReport{}, err
	}

	report := RowCountReport{Dataset: dataset}
	for _, table := range tables {
		entry, isSharded := sharded[table]
		tr := TableRowCounts{Table: table, Sharded: isSharded, KeyName: entry.KeyName}
		for _, node := range registry.Nodes() {
			counts, _ := results.Load(node.ID)
			tr.Nodes = append(tr.Nodes, counts[table])
		}
		report.Tables = append(report.Tables, tr)
	}

	if mismatches := report.Mismatches(); mismatches > 0 {
		Logger.Warningf("row count check of %s found %d mismatches", dataset, mismatches)
	} else {
		Logger.Infof("row count check of %s: %d tables match on %d nodes", dataset, len(tables), registry.Len())
	}
	return report, nil
}

// countTable compares one table on one node. Errors end up in the result.
func (c *Checker) countTable(ctx context.Context, src *backend.Conn, store *directory.Store, node cluster.Node, dataset, table string, entry directory.Entry, sharded bool, sourceCount int64) NodeRowCount {
	res := NodeRowCount{Node: node.ID, SourceCount: sourceCount}
	fail := func(err error) NodeRowCount {
		res.Error = err.Error()
		Logger.Warningf("row count of %s on %s: %v", table, node.ID, err)
		return res
	}

	if sharded {
		lo, hi, ok, err := store.KeyRange(ctx, entry.DirectoryTable, node.ID)
		if err != nil {
			return fail(err)
		}
		res.SourceCount = 0
		if ok {
			if res.SourceCount, err = backend.CountRows(ctx, src, table, entry.KeyName, lo, hi); err != nil {
				return fail(err)
			}
		}
	}

	conn, err := c.cfg.Pool.Get(ctx, backend.Address{Host: node.Addr, Dataset: dataset})
	if err != nil {
		return fail(err)
	}
	exists, err := backend.TableExists(ctx, conn, table)
	if err != nil {
		return fail(err)
	}
	if !exists {
		res.Missing = true
		res.Matches = res.SourceCount == 0
		return res
	}
	if res.NodeCount, err = backend.CountRows(ctx, conn, table, "", 0, 0); err != nil {
		return fail(err)
	}
	res.Matches = res.NodeCount == res.SourceCount
	return res
}

// --------------------------------------------------------------------------
// Key counts
// --------------------------------------------------------------------------

// CheckKeyCounts compares the keys each node holds with the keys the
// directory assigns to it. A node holding a key twice is reported as
// StatusNodeDuplicates. Otherwise a node whose distinct key count differs from
// its directory count is reported as StatusCountMismatch together with the
// divergent keys.
func (c *Checker) CheckKeyCounts(ctx context.Context, dataset, keyName string, nodes []string) (KeyCountReport, error) {
	registry, err := c.nodes(nodes)
	if err != nil {
		return KeyCountReport{}, err
	}
	store, err := c.store(ctx)
	if err != nil {
		return KeyCountReport{}, err
	}
	entry, err := store.LookupDirectoryTable(ctx, dataset, keyName)
	if err != nil {
		return KeyCountReport{}, err
	}

	results := xsync.NewMapOf[string, NodeKeyCount]()
	err = c.forEachNode(ctx, registry, func(ctx context.Context, node cluster.Node) error {
		res, err := c.checkNodeKeys(ctx, store, entry, node)
		if err != nil {
			Logger.Warningf("key check of %s on %s: %v", entry.Table, node.ID, err)
			res = NodeKeyCount{Node: node.ID, Status: StatusError, Error: err.Error()}
		}
		results.Store(node.ID, res)
		return nil
	})
	if err != nil {
		return KeyCountReport{}, err
	}

	report := KeyCountReport{
		Dataset:        dataset,
		KeyName:        keyName,
		Table:          entry.Table,
		DirectoryTable: entry.DirectoryTable,
	}
	for _, node := range registry.Nodes() {
		res, _ := results.Load(node.ID)
		report.Nodes = append(report.Nodes, res)
	}
	return report, nil
}

func (c *Checker) checkNodeKeys(ctx context.Context, store *directory.Store, entry directory.Entry, node cluster.Node) (NodeKeyCount, error) {
	res := NodeKeyCount{Node: node.ID}

	conn, err := c.cfg.Pool.Get(ctx, backend.Address{Host: node.Addr, Dataset: entry.Dataset})
	if err != nil {
		return res, err
	}
	exists, err := backend.TableExists(ctx, conn, entry.Table)
	if err != nil {
		return res, err
	}
	if exists {
		key := backend.Quote(entry.KeyName)
		err = conn.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(%s), COUNT(DISTINCT %s) FROM %s`, key, key, backend.Quote(entry.Table)),
		).Scan(&res.Total, &res.Distinct)
		if err != nil {
			return res, fmt.Errorf("count keys: %w", err)
		}
	}

	if res.Owned, err = store.CountOwned(ctx, entry.DirectoryTable, node.ID); err != nil {
		return res, err
	}

	switch {
	case res.Total != res.Distinct:
		res.Status = StatusNodeDuplicates
	case res.Distinct != res.Owned:
		res.Status = StatusCountMismatch
		var nodeKeys []int64
		if exists {
			if nodeKeys, err = partition.DistinctKeys(ctx, conn, entry.KeyName, entry.Table); err != nil {
				return res, err
			}
		}
		if res.Divergent, err = divergentKeys(ctx, store.Conn(), entry.DirectoryTable, node.ID, nodeKeys); err != nil {
			return res, err
		}
	default:
		res.Status = StatusOK
	}
	return res, nil
}

// FindDivergentKeys returns the keys that are on the node but not assigned to
// it in the directory, and the keys assigned to it that the node does not
// hold, in ascending order.
func (c *Checker) FindDivergentKeys(ctx context.Context, dataset, keyName, nodeID string) ([]int64, error) {
	node, ok := c.cfg.Nodes.Lookup(nodeID)
	if !ok {
		return nil, fmt.Errorf("unknown node %s", nodeID)
	}
	store, err := c.store(ctx)
	if err != nil {
		return nil, err
	}
	entry, err := store.LookupDirectoryTable(ctx, dataset, keyName)
	if err != nil {
		return nil, err
	}

	conn, err := c.cfg.Pool.Get(ctx, backend.Address{Host: node.Addr, Dataset: dataset})
	if err != nil {
		return nil, err
	}
	var nodeKeys []int64
	exists, err := backend.TableExists(ctx, conn, entry.Table)
	if err != nil {
		return nil, err
	}
	if exists {
		if nodeKeys, err = partition.DistinctKeys(ctx, conn, keyName, entry.Table); err != nil {
			return nil, err
		}
	}
	return divergentKeys(ctx, store.Conn(), entry.DirectoryTable, node.ID, nodeKeys)
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func (c *Checker) nodes(ids []string) (*cluster.Registry, error) {
	if len(ids) == 0 {
		return c.cfg.Nodes, nil
	}
	return c.cfg.Nodes.Subset(ids)
}

func (c *Checker) store(ctx context.Context) (*directory.Store, error) {
	conn, err := c.cfg.Pool.Get(ctx, backend.Address{Host: c.cfg.MasterHost, Dataset: c.cfg.DirectoryDataset})
	if err != nil {
		return nil, err
	}
	return directory.NewStore(ctx, conn)
}

// forEachNode runs fn for every node, at most Parallelism at a time
func (c *Checker) forEachNode(ctx context.Context, nodes *cluster.Registry, fn func(ctx context.Context, node cluster.Node) error) error {
	eg, egCtx := errgroup.WithContext(ctx)
	if c.cfg.Parallelism > 0 {
		eg.SetLimit(c.cfg.Parallelism)
	}
	for _, node := range nodes.Nodes() {
		eg.Go(func() error {
			return fn(egCtx, node)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	// results gathered after a cancel are incomplete
	return ctx.Err()
}
