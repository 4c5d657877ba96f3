package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/ValentinKolb/dShard/lib/cluster"
	"github.com/ValentinKolb/dShard/lib/directory"
	"github.com/ValentinKolb/dShard/lib/partition"
	"github.com/ValentinKolb/dShard/lib/transfer"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger("migrate")

var migrateDuration = metrics.NewHistogram("dshard_migrate_duration_seconds")

// RequiredFeatures are the backend capabilities the pipeline relies on
const RequiredFeatures = backend.FeatureCopySchema | backend.FeatureDump | backend.FeatureLoad

// MediumFactory creates the transfer medium of one pipeline run
type MediumFactory func() (transfer.Medium, error)

// Config holds the static parts of a pipeline
type Config struct {
	// MasterHost holds the source datasets and the key directory
	MasterHost string
	// DirectoryDataset is the dataset of the key directory on MasterHost
	DirectoryDataset string
	// Nodes are the destination nodes, in partition order
	Nodes *cluster.Registry
	// Pool provides connections to the master and the nodes
	Pool *backend.Pool
	// Codec encodes shard dumps
	Codec transfer.IRowCodec
	// Medium creates the intermediate storage for a run
	Medium MediumFactory
	// Parallelism limits the number of nodes migrated at the same time, <= 0 means all
	Parallelism int
}

// Request describes one distribution
type Request struct {
	SourceDataset string
	DestDataset   string
	KeyName       string
	Table         string
	// Nodes restricts the distribution to these nodes, empty means all nodes
	Nodes []string
}

func (r Request) validate() error {
	switch {
	case r.SourceDataset == "":
		return errors.New("source dataset is required")
	case r.KeyName == "":
		return errors.New("key name is required")
	case r.Table == "":
		return errors.New("table is required")
	}
	return nil
}

// Result describes a successful distribution
type Result struct {
	DirectoryTable string                      `json:"directory_table"`
	Assignment     partition.Assignment        `json:"assignment"`
	Stats          partition.DistributionStats `json:"stats"`
	Rows           map[string]int64            `json:"rows"`
	Duration       time.Duration               `json:"duration"`
}

// Pipeline moves row ranges of a source table to the nodes and records the
// new ownership in the key directory.
type Pipeline struct {
	cfg Config
}

// NewPipeline validates the configuration and creates a pipeline
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Nodes == nil || cfg.Nodes.Len() == 0 {
		return nil, errors.New("pipeline needs at least one node")
	}
	if cfg.Pool == nil {
		return nil, errors.New("pipeline needs a connection pool")
	}
	if cfg.Codec == nil {
		cfg.Codec = transfer.NewGOBCodec()
	}
	if cfg.DirectoryDataset == "" {
		cfg.DirectoryDataset = directory.DefaultDataset
	}
	return &Pipeline{cfg: cfg}, nil
}

// --------------------------------------------------------------------------
// Distribution
// --------------------------------------------------------------------------

// Distribute splits the key values of the source table into contiguous ranges,
// moves the rows of every range to its node and seals the new ownership in
// the key directory.
//
// Nodes are migrated concurrently. When any node fails the directory is left
// untouched and a *PartialMigrationError is returned. Running Distribute again
// with the same inputs replaces the node tables and the directory contents.
func (p *Pipeline) Distribute(ctx context.Context, req Request) (Result, error) {
	if req.DestDataset == "" {
		req.DestDataset = req.SourceDataset
	}
	return p.run(ctx, req, modeMove)
}

// DistributeInPlace creates the per node shard tables next to the source
// table and records them in the directory without moving any data. The
// directory is registered under the source dataset.
func (p *Pipeline) DistributeInPlace(ctx context.Context, req Request) (Result, error) {
	req.DestDataset = req.SourceDataset
	return p.run(ctx, req, modeInPlace)
}

// Repair finishes a Distribute over all nodes that failed on some of them.
// The ranges are computed over the whole registry, as in the failed run, but
// only the nodes named in req.Nodes are migrated again. The directory is then
// sealed with the assignment of every node.
//
// The source table must not have changed since the failed run, otherwise the
// nodes that succeeded hold ranges that differ from the sealed assignment.
func (p *Pipeline) Repair(ctx context.Context, req Request) (Result, error) {
	if len(req.Nodes) == 0 {
		return Result{}, errors.New("repair needs the nodes to migrate again")
	}
	if req.DestDataset == "" {
		req.DestDataset = req.SourceDataset
	}
	return p.run(ctx, req, modeRepair)
}

type mode int

const (
	// modeMove partitions over the requested nodes and moves their ranges
	modeMove mode = iota
	// modeInPlace keeps the shard tables on the source
	modeInPlace
	// modeRepair partitions over all nodes but moves the requested ones only
	modeRepair
)

func (p *Pipeline) run(ctx context.Context, req Request, m mode) (Result, error) {
	start := time.Now()
	if err := req.validate(); err != nil {
		return Result{}, err
	}

	targets, err := p.nodes(req)
	if err != nil {
		return Result{}, err
	}
	partitioned := targets
	if m == modeRepair {
		partitioned = p.cfg.Nodes
	}

	src, err := p.cfg.Pool.Get(ctx, backend.Address{Host: p.cfg.MasterHost, Dataset: req.SourceDataset})
	if err != nil {
		return Result{}, err
	}
	if !src.Dialect().SupportsFeature(RequiredFeatures) {
		return Result{}, fmt.Errorf("backend %s does not support %s, %s and %s",
			src.Dialect().Name(), backend.FeatureCopySchema, backend.FeatureDump, backend.FeatureLoad)
	}

	// 1. ranges
	assignment, err := partition.ComputeRanges(ctx, src, req.KeyName, req.Table, partitioned.IDs())
	if err != nil {
		return Result{}, err
	}

	// 2.-5. per node lifecycle
	var rows map[string]int64
	if m == modeInPlace {
		rows, err = p.splitAll(ctx, src, req, targets, assignment)
	} else {
		rows, err = p.migrateAll(ctx, src, req, targets, assignment)
	}
	if err != nil {
		return Result{}, err
	}

	// 6. directory
	dirTable, err := p.commit(ctx, req, partitioned.IDs(), assignment)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		DirectoryTable: dirTable,
		Assignment:     assignment,
		Stats:          assignment.Stats(),
		Rows:           rows,
		Duration:       time.Since(start),
	}
	migrateDuration.Update(res.Duration.Seconds())
	Logger.Infof("distributed %s.%s by %s over %d nodes (%d migrated) in %s",
		req.SourceDataset, req.Table, req.KeyName, partitioned.Len(), targets.Len(), res.Duration)
	return res, nil
}

// nodes returns the registry the request is distributed over
func (p *Pipeline) nodes(req Request) (*cluster.Registry, error) {
	if len(req.Nodes) == 0 {
		return p.cfg.Nodes, nil
	}
	return p.cfg.Nodes.Subset(req.Nodes)
}

// migrateAll runs the node lifecycle for every node and collects the outcome
func (p *Pipeline) migrateAll(ctx context.Context, src *backend.Conn, req Request, nodes *cluster.Registry, a partition.Assignment) (map[string]int64, error) {
	medium, err := p.medium()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := medium.Cleanup(); err != nil {
			Logger.Warningf("removing dumps: %v", err)
		}
	}()

	// the destination table is created from the layout of the source table
	ddl, err := src.Dialect().TableDDL(ctx, src, req.Table, req.Table)
	if err != nil {
		return nil, fmt.Errorf("read layout of %s: %w", req.Table, err)
	}

	return p.forEachRange(ctx, nodes, a, func(ctx context.Context, node cluster.Node, r partition.Range) (int64, error) {
		return p.migrateNode(ctx, src, req, node, r, ddl, medium)
	})
}

// splitAll creates the shard tables on the source and keeps them
func (p *Pipeline) splitAll(ctx context.Context, src *backend.Conn, req Request, nodes *cluster.Registry, a partition.Assignment) (map[string]int64, error) {
	return p.forEachRange(ctx, nodes, a, func(ctx context.Context, node cluster.Node, r partition.Range) (int64, error) {
		return p.createShard(ctx, src, req, node.ID, r)
	})
}

type (
	nodeFunc  func(ctx context.Context, node cluster.Node) (int64, error)
	rangeFunc func(ctx context.Context, node cluster.Node, r partition.Range) (int64, error)
)

// forEachRange runs fn for the range of every node. Nodes with an empty range
// are skipped and reported with 0 rows.
func (p *Pipeline) forEachRange(ctx context.Context, nodes *cluster.Registry, a partition.Assignment, fn rangeFunc) (map[string]int64, error) {
	var (
		run     []cluster.Node
		skipped []string
	)
	for _, node := range nodes.Nodes() {
		if r, _ := a.Range(node.ID); r.Empty() {
			Logger.Infof("no keys for %s, skipping", node.ID)
			skipped = append(skipped, node.ID)
			continue
		}
		run = append(run, node)
	}

	rows, err := p.forEachNode(ctx, run, func(ctx context.Context, node cluster.Node) (int64, error) {
		r, _ := a.Range(node.ID)
		return fn(ctx, node, r)
	})
	var partial *PartialMigrationError
	if errors.As(err, &partial) {
		partial.Skipped = skipped
		return nil, partial
	}
	if err != nil {
		return nil, err
	}
	for _, id := range skipped {
		rows[id] = 0
	}
	return rows, nil
}

// forEachNode runs fn for every node, at most Parallelism at a time. All
// nodes run to completion, failures are collected per node.
func (p *Pipeline) forEachNode(ctx context.Context, nodes []cluster.Node, fn nodeFunc) (map[string]int64, error) {
	rows := make([]int64, len(nodes))
	errs := make([]error, len(nodes))

	var eg errgroup.Group
	if p.cfg.Parallelism > 0 {
		eg.SetLimit(p.cfg.Parallelism)
	}
	for i, node := range nodes {
		eg.Go(func() error {
			rows[i], errs[i] = fn(ctx, node)
			if errs[i] != nil {
				Logger.Errorf("migration to %s failed: %v", node.ID, errs[i])
			}
			return errs[i]
		})
	}

	if err := eg.Wait(); err == nil {
		result := make(map[string]int64, len(nodes))
		for i, node := range nodes {
			result[node.ID] = rows[i]
		}
		return result, nil
	}

	partial := &PartialMigrationError{Failed: make(map[string]error)}
	for i, node := range nodes {
		if errs[i] != nil {
			partial.Failed[node.ID] = errs[i]
		} else {
			partial.Succeeded = append(partial.Succeeded, node.ID)
		}
	}
	return nil, partial
}

// migrateNode moves one range: shard, export, import, drop
func (p *Pipeline) migrateNode(ctx context.Context, src *backend.Conn, req Request, node cluster.Node, r partition.Range, ddl string, medium transfer.Medium) (int64, error) {
	if node.Addr == p.cfg.MasterHost && req.DestDataset == req.SourceDataset {
		return 0, fmt.Errorf("node %s would overwrite the source dataset %s", node.ID, req.SourceDataset)
	}

	shard := ShardTableName(req.Table, node.ID)
	defer func() {
		// the shard is removed even if ctx was canceled
		if err := backend.DropTable(context.WithoutCancel(ctx), src, shard); err != nil {
			Logger.Warningf("dropping %s: %v", shard, err)
		}
	}()

	if _, err := p.createShard(ctx, src, req, node.ID, r); err != nil {
		return 0, err
	}

	// export
	w, err := medium.Create(node.ID, req.DestDataset, req.Table)
	if err != nil {
		return 0, fmt.Errorf("create dump for %s: %w", node.ID, err)
	}
	exported, err := transfer.Export(ctx, src, shard, w, p.cfg.Codec)
	if closeErr := w.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("export %s: %w", shard, err)
	}

	// import
	dst, err := p.cfg.Pool.Get(ctx, backend.Address{Host: node.Addr, Dataset: req.DestDataset})
	if err != nil {
		return 0, err
	}
	rd, err := medium.Open(node.ID, req.DestDataset, req.Table)
	if err != nil {
		return 0, fmt.Errorf("open dump for %s: %w", node.ID, err)
	}
	defer rd.Close()

	imported, err := transfer.Import(ctx, dst, req.Table, ddl, rd, p.cfg.Codec)
	if err != nil {
		return 0, fmt.Errorf("import into %s: %w", dst.Addr(), err)
	}
	if imported != exported {
		return 0, fmt.Errorf("imported %d rows into %s but exported %d", imported, dst.Addr(), exported)
	}

	metrics.GetOrCreateCounter(fmt.Sprintf(`dshard_migrate_rows_total{node=%q}`, node.ID)).Add(int(imported))
	Logger.Infof("moved %d rows of %s to %s", imported, req.Table, node.ID)
	return imported, nil
}

// createShard creates the shard table of a node on the source, without
// secondary indexes, and fills it with the rows of the node's key range
func (p *Pipeline) createShard(ctx context.Context, src *backend.Conn, req Request, node string, r partition.Range) (int64, error) {
	shard := ShardTableName(req.Table, node)
	lo, hi, _ := r.Bounds()

	if err := backend.DropTable(ctx, src, shard); err != nil {
		return 0, fmt.Errorf("drop stale %s: %w", shard, err)
	}
	if err := backend.CopyTableLike(ctx, src, req.Table, shard); err != nil {
		return 0, err
	}
	if _, err := backend.DropIndexes(ctx, src, shard); err != nil {
		return 0, err
	}

	res, err := src.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s SELECT * FROM %s WHERE %s BETWEEN ? AND ?",
		backend.Quote(shard), backend.Quote(req.Table), backend.Quote(req.KeyName)), lo, hi)
	if err != nil {
		return 0, fmt.Errorf("fill %s: %w", shard, err)
	}
	n, _ := res.RowsAffected()
	Logger.Debugf("filled %s with keys %d..%d (%d rows)", shard, lo, hi, n)
	return n, nil
}

// commit registers the key table and seals the assignment in the directory
func (p *Pipeline) commit(ctx context.Context, req Request, nodes []string, a partition.Assignment) (string, error) {
	store, err := p.store(ctx)
	if err != nil {
		return "", err
	}

	if _, err := store.EnsureNodes(ctx, nodes); err != nil {
		return "", err
	}
	dirTable, err := store.RegisterKeyTable(ctx, req.DestDataset, req.KeyName, req.Table)
	if err != nil {
		return "", err
	}
	if err := store.BulkAssign(ctx, dirTable, a); err != nil {
		return "", err
	}
	return dirTable, nil
}

// store opens the key directory on the master
func (p *Pipeline) store(ctx context.Context) (*directory.Store, error) {
	conn, err := p.cfg.Pool.Get(ctx, backend.Address{Host: p.cfg.MasterHost, Dataset: p.cfg.DirectoryDataset})
	if err != nil {
		return nil, err
	}
	return directory.NewStore(ctx, conn)
}

func (p *Pipeline) medium() (transfer.Medium, error) {
	if p.cfg.Medium == nil {
		return nil, errors.New("pipeline has no transfer medium")
	}
	return p.cfg.Medium()
}

// ShardTableName returns the name of the temporary table holding a node's range
func ShardTableName(table, node string) string {
	return table + "_split_" + node
}
